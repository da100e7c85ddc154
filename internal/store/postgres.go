package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/sealedbid/auction-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateAuction(ctx context.Context, a *model.Auction) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO auctions (id, owner, total_supply, deadline, state, clearing_price,
		                       next_bid_id, rank_cursor, ranked_bid_ids, resolution_cursor,
		                       allocation_cursor, total_allocated, proceeds_claimed, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6::NUMERIC, $7, $8, $9, $10, $11, $12::NUMERIC, $13, $14)`,
		a.ID, a.Owner, a.TotalSupply.String(), a.Deadline, string(a.State), a.ClearingPrice.String(),
		int64(a.NextBidID), int64(a.RankCursor), toInt64s(a.RankedBidIDs), a.ResolutionCursor,
		int64(a.AllocationCursor), a.TotalAllocated.String(), a.ProceedsClaimed, a.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetAuction(ctx context.Context) (*model.Auction, error) {
	var (
		a                                  model.Auction
		supply, price, allocated, state    string
		nextBidID, rankCursor, allocCursor int64
		rankedIDs                          []int64
	)

	err := s.pool.QueryRow(ctx,
		`SELECT id, owner, total_supply::TEXT, deadline, state, clearing_price::TEXT,
		        next_bid_id, rank_cursor, ranked_bid_ids, resolution_cursor,
		        allocation_cursor, total_allocated::TEXT, proceeds_claimed, created_at
		 FROM auctions ORDER BY created_at LIMIT 1`).
		Scan(&a.ID, &a.Owner, &supply, &a.Deadline, &state, &price,
			&nextBidID, &rankCursor, &rankedIDs, &a.ResolutionCursor,
			&allocCursor, &allocated, &a.ProceedsClaimed, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get auction: %w", err)
	}

	a.State = model.AuctionState(state)
	a.TotalSupply, _ = decimal.NewFromString(supply)
	a.ClearingPrice, _ = decimal.NewFromString(price)
	a.TotalAllocated, _ = decimal.NewFromString(allocated)
	a.NextBidID = uint64(nextBidID)
	a.RankCursor = uint64(rankCursor)
	a.AllocationCursor = uint64(allocCursor)
	a.RankedBidIDs = toUint64s(rankedIDs)

	return &a, nil
}

func (s *PostgresStore) UpdateAuction(ctx context.Context, a *model.Auction) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE auctions
		 SET state = $2, clearing_price = $3::NUMERIC, next_bid_id = $4,
		     rank_cursor = $5, ranked_bid_ids = $6, resolution_cursor = $7,
		     allocation_cursor = $8, total_allocated = $9::NUMERIC, proceeds_claimed = $10
		 WHERE id = $1`,
		a.ID, string(a.State), a.ClearingPrice.String(), int64(a.NextBidID),
		int64(a.RankCursor), toInt64s(a.RankedBidIDs), a.ResolutionCursor,
		int64(a.AllocationCursor), a.TotalAllocated.String(), a.ProceedsClaimed,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateBid(ctx context.Context, b *model.Bid) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO bids (id, bidder, status, encrypted_quantity, encrypted_price,
		                   quantity, price, required_payment, allocation, allocation_set,
		                   refund, finalized, allocation_claimed, refund_claimed, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10,
		         $11::NUMERIC, $12, $13, $14, $15)`,
		int64(b.ID), b.Bidder, string(b.Status), b.EncryptedQuantity, b.EncryptedPrice,
		b.Quantity.String(), b.Price.String(), b.RequiredPayment.String(),
		b.Allocation.String(), b.AllocationSet,
		b.Refund.String(), b.Finalized, b.AllocationClaimed, b.RefundClaimed, b.CreatedAt,
	)
	return err
}

const bidColumns = `id, bidder, status, encrypted_quantity, encrypted_price,
	quantity::TEXT, price::TEXT, required_payment::TEXT,
	allocation::TEXT, allocation_set, refund::TEXT, finalized,
	allocation_claimed, refund_claimed, created_at`

func (s *PostgresStore) GetBid(ctx context.Context, id uint64) (*model.Bid, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE id = $1`, int64(id))

	b, err := scanBid(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("bid %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get bid %d: %w", id, err)
	}
	return b, nil
}

func (s *PostgresStore) UpdateBid(ctx context.Context, b *model.Bid) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE bids
		 SET status = $2, quantity = $3::NUMERIC, price = $4::NUMERIC,
		     required_payment = $5::NUMERIC, allocation = $6::NUMERIC, allocation_set = $7,
		     refund = $8::NUMERIC, finalized = $9, allocation_claimed = $10, refund_claimed = $11
		 WHERE id = $1`,
		int64(b.ID), string(b.Status), b.Quantity.String(), b.Price.String(),
		b.RequiredPayment.String(), b.Allocation.String(), b.AllocationSet,
		b.Refund.String(), b.Finalized, b.AllocationClaimed, b.RefundClaimed,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("bid %d: %w", b.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListBids(ctx context.Context) ([]model.Bid, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+bidColumns+` FROM bids ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBids(rows)
}

func (s *PostgresStore) BidsByBidder(ctx context.Context, bidder string) ([]model.Bid, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE bidder = $1 ORDER BY id`, bidder)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBids(rows)
}

type pgxRow interface {
	Scan(dest ...interface{}) error
}

func scanBid(row pgxRow) (*model.Bid, error) {
	var (
		b                                   model.Bid
		id                                  int64
		status                              string
		qtyS, priceS, reqS, allocS, refundS string
	)

	if err := row.Scan(&id, &b.Bidder, &status, &b.EncryptedQuantity, &b.EncryptedPrice,
		&qtyS, &priceS, &reqS, &allocS, &b.AllocationSet, &refundS, &b.Finalized,
		&b.AllocationClaimed, &b.RefundClaimed, &b.CreatedAt); err != nil {
		return nil, err
	}

	b.ID = uint64(id)
	b.Status = model.BidStatus(status)
	b.Quantity, _ = decimal.NewFromString(qtyS)
	b.Price, _ = decimal.NewFromString(priceS)
	b.RequiredPayment, _ = decimal.NewFromString(reqS)
	b.Allocation, _ = decimal.NewFromString(allocS)
	b.Refund, _ = decimal.NewFromString(refundS)

	return &b, nil
}

func scanBids(rows pgx.Rows) ([]model.Bid, error) {
	var bids []model.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		bids = append(bids, *b)
	}
	return bids, rows.Err()
}

func toInt64s(in []uint64) []int64 {
	out := make([]int64, len(in))
	for i, v := range in {
		out[i] = int64(v)
	}
	return out
}

func toUint64s(in []int64) []uint64 {
	out := make([]uint64, len(in))
	for i, v := range in {
		out[i] = uint64(v)
	}
	return out
}
