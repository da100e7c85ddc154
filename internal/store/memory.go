package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sealedbid/auction-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	auction *model.Auction
	bids    map[uint64]*model.Bid
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bids: make(map[uint64]*model.Bid),
	}
}

func (s *MemoryStore) CreateAuction(_ context.Context, a *model.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.auction != nil {
		return fmt.Errorf("auction %s already exists", s.auction.ID)
	}

	// Store a copy to avoid external mutation.
	cp := cloneAuction(a)
	s.auction = cp
	return nil
}

func (s *MemoryStore) GetAuction(_ context.Context) (*model.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.auction == nil {
		return nil, ErrNotFound
	}
	return cloneAuction(s.auction), nil
}

func (s *MemoryStore) UpdateAuction(_ context.Context, a *model.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.auction == nil {
		return ErrNotFound
	}
	s.auction = cloneAuction(a)
	return nil
}

func (s *MemoryStore) CreateBid(_ context.Context, b *model.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bids[b.ID]; ok {
		return fmt.Errorf("bid %d already exists", b.ID)
	}
	cp := *b
	s.bids[b.ID] = &cp
	return nil
}

func (s *MemoryStore) GetBid(_ context.Context, id uint64) (*model.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bids[id]
	if !ok {
		return nil, fmt.Errorf("bid %d: %w", id, ErrNotFound)
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) UpdateBid(_ context.Context, b *model.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bids[b.ID]; !ok {
		return fmt.Errorf("bid %d: %w", b.ID, ErrNotFound)
	}
	cp := *b
	s.bids[b.ID] = &cp
	return nil
}

func (s *MemoryStore) ListBids(_ context.Context) ([]model.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bids := make([]model.Bid, 0, len(s.bids))
	for _, b := range s.bids {
		bids = append(bids, *b)
	}
	sort.Slice(bids, func(i, j int) bool { return bids[i].ID < bids[j].ID })
	return bids, nil
}

func (s *MemoryStore) BidsByBidder(_ context.Context, bidder string) ([]model.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var bids []model.Bid
	for _, b := range s.bids {
		if b.Bidder == bidder {
			bids = append(bids, *b)
		}
	}
	sort.Slice(bids, func(i, j int) bool { return bids[i].ID < bids[j].ID })
	return bids, nil
}

func cloneAuction(a *model.Auction) *model.Auction {
	cp := *a
	cp.RankedBidIDs = append([]uint64(nil), a.RankedBidIDs...)
	return &cp
}
