package auction

import "errors"

// Failure taxonomy. Every rejected operation maps to exactly one of
// these; no partial state is committed for a rejected operation.
var (
	// ErrInvalidState is returned when an operation is attempted outside
	// its allowed auction or bid state.
	ErrInvalidState = errors.New("auction: operation not allowed in current state")

	// ErrInsufficientPayment is returned when the deposited amount is
	// below the bid's required payment.
	ErrInsufficientPayment = errors.New("auction: payment below required amount")

	// ErrAlreadySettled is returned when a claim is attempted twice.
	ErrAlreadySettled = errors.New("auction: claim already settled")

	// ErrUnauthorized is returned when the caller does not own the bid
	// or, for owner-only operations, the auction.
	ErrUnauthorized = errors.New("auction: caller not authorized")

	// ErrNotFound is returned for unknown bid ids.
	ErrNotFound = errors.New("auction: bid not found")
)
