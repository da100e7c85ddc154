package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sealedbid/auction-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary. Bid and auction
// queries dominate once resolution starts, so those are the cached paths.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateAuction(ctx context.Context, a *model.Auction) error {
	if err := s.primary.CreateAuction(ctx, a); err != nil {
		return err
	}
	s.cacheAuction(ctx, a)
	return nil
}

func (s *CachedStore) UpdateAuction(ctx context.Context, a *model.Auction) error {
	if err := s.primary.UpdateAuction(ctx, a); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.rdb.Del(ctx, auctionKey())
	return nil
}

func (s *CachedStore) CreateBid(ctx context.Context, b *model.Bid) error {
	if err := s.primary.CreateBid(ctx, b); err != nil {
		return err
	}
	s.cacheBid(ctx, b)
	return nil
}

func (s *CachedStore) UpdateBid(ctx context.Context, b *model.Bid) error {
	if err := s.primary.UpdateBid(ctx, b); err != nil {
		return err
	}
	s.rdb.Del(ctx, bidKey(b.ID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAuction(ctx context.Context) (*model.Auction, error) {
	data, err := s.rdb.Get(ctx, auctionKey()).Bytes()
	if err == nil {
		var a model.Auction
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	// Cache miss: read from primary.
	a, err := s.primary.GetAuction(ctx)
	if err != nil {
		return nil, err
	}

	s.cacheAuction(ctx, a)
	return a, nil
}

func (s *CachedStore) GetBid(ctx context.Context, id uint64) (*model.Bid, error) {
	data, err := s.rdb.Get(ctx, bidKey(id)).Bytes()
	if err == nil {
		var b model.Bid
		if json.Unmarshal(data, &b) == nil {
			return &b, nil
		}
	}

	// Cache miss.
	b, err := s.primary.GetBid(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheBid(ctx, b)
	return b, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListBids(ctx context.Context) ([]model.Bid, error) {
	return s.primary.ListBids(ctx)
}

func (s *CachedStore) BidsByBidder(ctx context.Context, bidder string) ([]model.Bid, error) {
	return s.primary.BidsByBidder(ctx, bidder)
}

// --- Cache helpers ---

func (s *CachedStore) cacheAuction(ctx context.Context, a *model.Auction) {
	if data, err := json.Marshal(a); err == nil {
		s.rdb.Set(ctx, auctionKey(), data, s.ttl)
	}
}

func (s *CachedStore) cacheBid(ctx context.Context, b *model.Bid) {
	if data, err := json.Marshal(b); err == nil {
		s.rdb.Set(ctx, bidKey(b.ID), data, s.ttl)
	}
}

func auctionKey() string      { return "auction" }
func bidKey(id uint64) string { return fmt.Sprintf("bid:%d", id) }
