// Package store defines the persistence interface for the auction engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/sealedbid/auction-engine/internal/model"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. The engine serializes all writes,
// so implementations only need per-call atomicity, not transactions
// across calls.
type Store interface {
	// --- Auction singleton ---

	// CreateAuction persists the auction aggregate at deployment.
	CreateAuction(ctx context.Context, a *model.Auction) error

	// GetAuction retrieves the auction aggregate.
	GetAuction(ctx context.Context) (*model.Auction, error)

	// UpdateAuction persists state, cursors, and settlement totals.
	UpdateAuction(ctx context.Context, a *model.Auction) error

	// --- Bids ---

	// CreateBid appends a new bid record.
	CreateBid(ctx context.Context, b *model.Bid) error

	// GetBid retrieves a bid by id.
	GetBid(ctx context.Context, id uint64) (*model.Bid, error)

	// UpdateBid persists a bid's state transition.
	UpdateBid(ctx context.Context, b *model.Bid) error

	// ListBids returns all bids ordered by ascending id.
	ListBids(ctx context.Context) ([]model.Bid, error)

	// BidsByBidder returns all bids submitted by one bidder, ordered by
	// ascending id.
	BidsByBidder(ctx context.Context, bidder string) ([]model.Bid, error)
}
