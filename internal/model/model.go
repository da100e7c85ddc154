// Package model defines the core domain types shared across the auction engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AuctionState is the lifecycle state of the auction aggregate.
type AuctionState string

const (
	// StateOpen accepts submissions, reveals, confirmations, and
	// cancellations until the deadline passes and resolution begins.
	StateOpen AuctionState = "open"

	// StateAwaitingResolution means the ranking pass is in progress.
	StateAwaitingResolution AuctionState = "awaiting_resolution"

	// StateResolving means the allocation pass is in progress.
	StateResolving AuctionState = "resolving"

	// StateResolved means the clearing price is fixed and all
	// allocations are assigned; finalization has not started.
	StateResolved AuctionState = "resolved"

	// StateDistributing means the finalization pass is in progress.
	StateDistributing AuctionState = "distributing"

	// StateClosed means every bid is finalized; only claims remain.
	StateClosed AuctionState = "closed"
)

// BidStatus is the explicit lifecycle tag of a single bid. Illegal
// combinations (confirmed-but-not-revealed, cancelled-and-confirmed)
// are unrepresentable.
type BidStatus string

const (
	// BidPendingReveal: submitted, plaintext values not yet delivered.
	BidPendingReveal BidStatus = "pending_reveal"

	// BidRevealed: quantity/price known, funds not yet posted.
	BidRevealed BidStatus = "revealed"

	// BidConfirmed: exact required payment held in escrow.
	BidConfirmed BidStatus = "confirmed"

	// BidCancelled: withdrawn before confirmation. Terminal.
	BidCancelled BidStatus = "cancelled"
)

// Auction is the singleton aggregate root. One row per deployment.
type Auction struct {
	ID            string          `json:"id" db:"id"`
	Owner         string          `json:"owner" db:"owner"`
	TotalSupply   decimal.Decimal `json:"total_supply" db:"total_supply"`
	Deadline      time.Time       `json:"deadline" db:"deadline"`
	State         AuctionState    `json:"state" db:"state"`
	ClearingPrice decimal.Decimal `json:"clearing_price" db:"clearing_price"` // zero until resolved
	NextBidID     uint64          `json:"next_bid_id" db:"next_bid_id"`

	// Resolution bookkeeping. RankCursor indexes raw bid ids during the
	// ranking pass; ResolutionCursor indexes RankedBidIDs during the
	// allocation pass; AllocationCursor indexes raw bid ids during
	// finalization. All three advance monotonically and never rewind.
	RankCursor       uint64   `json:"rank_cursor" db:"rank_cursor"`
	RankedBidIDs     []uint64 `json:"ranked_bid_ids" db:"ranked_bid_ids"`
	ResolutionCursor int      `json:"resolution_cursor" db:"resolution_cursor"`
	AllocationCursor uint64   `json:"allocation_cursor" db:"allocation_cursor"`

	TotalAllocated  decimal.Decimal `json:"total_allocated" db:"total_allocated"`
	ProceedsClaimed bool            `json:"proceeds_claimed" db:"proceeds_claimed"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// Resolvable reports whether resolution calls are accepted in the
// auction's current state.
func (a *Auction) Resolvable() bool {
	switch a.State {
	case StateOpen, StateAwaitingResolution, StateResolving:
		return true
	}
	return false
}

// Resolved reports whether the clearing price has been fixed.
func (a *Auction) Resolved() bool {
	switch a.State {
	case StateResolved, StateDistributing, StateClosed:
		return true
	}
	return false
}

// Bid is one sealed bid. The id is assigned at submission and defines
// tie-break order: earlier submission wins price ties.
type Bid struct {
	ID     uint64    `json:"id" db:"id"`
	Bidder string    `json:"bidder" db:"bidder"`
	Status BidStatus `json:"status" db:"status"`

	// Opaque ciphertext handles, meaningful only to the
	// confidential-computation service.
	EncryptedQuantity string `json:"encrypted_quantity" db:"encrypted_quantity"`
	EncryptedPrice    string `json:"encrypted_price" db:"encrypted_price"`

	// Plaintext values, zero until the reveal callback lands.
	Quantity        decimal.Decimal `json:"quantity" db:"quantity"`
	Price           decimal.Decimal `json:"price" db:"price"`
	RequiredPayment decimal.Decimal `json:"required_payment" db:"required_payment"` // quantity × price

	// Settlement fields, written during resolution/finalization.
	Allocation        decimal.Decimal `json:"allocation" db:"allocation"`
	AllocationSet     bool            `json:"allocation_set" db:"allocation_set"`
	Refund            decimal.Decimal `json:"refund" db:"refund"`
	Finalized         bool            `json:"finalized" db:"finalized"`
	AllocationClaimed bool            `json:"allocation_claimed" db:"allocation_claimed"`
	RefundClaimed     bool            `json:"refund_claimed" db:"refund_claimed"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
