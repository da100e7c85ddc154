package auction

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/sealedbid/auction-engine/internal/clearing"
	"github.com/sealedbid/auction-engine/internal/metrics"
	"github.com/sealedbid/auction-engine/internal/model"
)

// ResolveAuction drives resolution forward by at most batchSize units of
// work. Anyone may call it once the deadline has passed; repeating a
// call is always safe because the cursors only advance.
//
// Resolution runs in two phases. The ranking phase walks raw bid ids in
// submission order and inserts each confirmed bid into its sorted
// position; because insertion happens in ascending id order, the final
// ranking is identical for every batch partition. The allocation phase
// then walks the ranking, granting supply greedily and fixing the
// clearing price when the marginal bid is reached.
func (e *Engine) ResolveAuction(ctx context.Context, batchSize int) (*model.Auction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, err := e.store.GetAuction(ctx)
	if err != nil {
		return nil, err
	}
	if !a.Resolvable() {
		return nil, fmt.Errorf("%w: auction is %s", ErrInvalidState, a.State)
	}
	if a.State == model.StateOpen {
		if e.now().Before(a.Deadline) {
			return nil, fmt.Errorf("%w: deadline not reached", ErrInvalidState)
		}
		a.State = model.StateAwaitingResolution
		slog.Info("resolution started", "confirmed_candidates", a.NextBidID)
	}
	if batchSize <= 0 {
		return a, e.store.UpdateAuction(ctx, a)
	}

	budget := batchSize

	if a.State == model.StateAwaitingResolution {
		n, err := e.rankBatch(ctx, a, budget)
		if err != nil {
			return nil, err
		}
		budget -= n
		metrics.ResolutionBatches.WithLabelValues("ranking").Inc()
	}

	if a.State == model.StateResolving && budget > 0 {
		if err := e.allocateBatch(ctx, a, budget); err != nil {
			return nil, err
		}
		metrics.ResolutionBatches.WithLabelValues("allocation").Inc()
	}

	if err := e.store.UpdateAuction(ctx, a); err != nil {
		return nil, err
	}

	if a.State == model.StateResolved {
		slog.Info("auction resolved",
			"clearing_price", a.ClearingPrice.String(),
			"total_allocated", a.TotalAllocated.String(),
			"ranked_bids", len(a.RankedBidIDs),
		)
		e.broadcast(WSMessage{
			Type:          "auction_resolved",
			State:         string(a.State),
			ClearingPrice: a.ClearingPrice.String(),
		})
	}

	return a, nil
}

// rankBatch advances the ranking cursor by up to budget bids, inserting
// confirmed bids into the persisted ranking. Returns bids examined.
func (e *Engine) rankBatch(ctx context.Context, a *model.Auction, budget int) (int, error) {
	ranked, err := e.rankedEntries(ctx, a)
	if err != nil {
		return 0, err
	}

	examined := 0
	for examined < budget && a.RankCursor < a.NextBidID {
		b, err := e.store.GetBid(ctx, a.RankCursor)
		if err != nil {
			return examined, err
		}
		a.RankCursor++
		examined++

		if b.Status != model.BidConfirmed {
			continue
		}

		entry := clearing.Entry{BidID: b.ID, Price: b.Price, Quantity: b.Quantity}
		i := clearing.InsertIndex(ranked, entry)

		ranked = append(ranked, clearing.Entry{})
		copy(ranked[i+1:], ranked[i:])
		ranked[i] = entry

		a.RankedBidIDs = append(a.RankedBidIDs, 0)
		copy(a.RankedBidIDs[i+1:], a.RankedBidIDs[i:])
		a.RankedBidIDs[i] = b.ID
	}

	if a.RankCursor == a.NextBidID {
		a.State = model.StateResolving
		slog.Info("ranking complete", "ranked_bids", len(a.RankedBidIDs))
	}
	return examined, nil
}

// allocateBatch advances the resolution cursor by up to budget ranked
// bids, assigning allocations and fixing the clearing price once the
// pass completes or supply runs out.
func (e *Engine) allocateBatch(ctx context.Context, a *model.Auction, budget int) error {
	end := a.ResolutionCursor + budget
	if end > len(a.RankedBidIDs) {
		end = len(a.RankedBidIDs)
	}

	entries := make([]clearing.Entry, 0, end-a.ResolutionCursor)
	for _, id := range a.RankedBidIDs[a.ResolutionCursor:end] {
		b, err := e.store.GetBid(ctx, id)
		if err != nil {
			return err
		}
		entries = append(entries, clearing.Entry{BidID: b.ID, Price: b.Price, Quantity: b.Quantity})
	}

	remaining := a.TotalSupply.Sub(a.TotalAllocated)
	out := clearing.Allocate(entries, remaining)

	for _, fill := range out.Fills {
		b, err := e.store.GetBid(ctx, fill.BidID)
		if err != nil {
			return err
		}
		b.Allocation = fill.Amount
		b.AllocationSet = true
		if err := e.store.UpdateBid(ctx, b); err != nil {
			return err
		}
		a.TotalAllocated = a.TotalAllocated.Add(fill.Amount)
	}
	a.ResolutionCursor = end

	// The marginal bid fixes the price the moment supply is exhausted.
	if !out.MarginalPrice.IsZero() {
		a.ClearingPrice = out.MarginalPrice
	}

	if a.ResolutionCursor == len(a.RankedBidIDs) {
		if !out.Exhausted && len(out.Fills) > 0 {
			// Demand never met supply: the lowest-priced confirmed bid
			// sets the price and everyone fills in full.
			a.ClearingPrice = out.LastPrice
		}
		a.State = model.StateResolved
	}
	return nil
}

// FinalizeAllocations drives the distribution pass forward by at most
// batchSize bids, computing each bid's refund against the fixed clearing
// price. Batched and repeat-safe exactly like ResolveAuction.
func (e *Engine) FinalizeAllocations(ctx context.Context, batchSize int) (*model.Auction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, err := e.store.GetAuction(ctx)
	if err != nil {
		return nil, err
	}
	switch a.State {
	case model.StateResolved, model.StateDistributing:
	default:
		return nil, fmt.Errorf("%w: auction is %s", ErrInvalidState, a.State)
	}
	if a.State == model.StateResolved {
		a.State = model.StateDistributing
	}
	if batchSize <= 0 {
		return a, e.store.UpdateAuction(ctx, a)
	}

	end := a.AllocationCursor + uint64(batchSize)
	if end > a.NextBidID {
		end = a.NextBidID
	}

	for id := a.AllocationCursor; id < end; id++ {
		b, err := e.store.GetBid(ctx, id)
		if err != nil {
			return nil, err
		}
		if b.Finalized {
			continue
		}

		// Only confirmed bids hold escrow; everyone else has nothing to
		// refund beyond what they never deposited.
		if b.Status == model.BidConfirmed {
			settlement := b.Allocation.Mul(a.ClearingPrice)
			b.Refund = b.RequiredPayment.Sub(settlement)
		} else {
			b.Refund = decimal.Zero
		}
		b.Finalized = true
		if err := e.store.UpdateBid(ctx, b); err != nil {
			return nil, err
		}
	}
	a.AllocationCursor = end

	if a.AllocationCursor == a.NextBidID {
		a.State = model.StateClosed
		slog.Info("distribution finalized", "bids", a.NextBidID)
		e.broadcast(WSMessage{Type: "auction_closed", State: string(a.State)})
	}

	metrics.ResolutionBatches.WithLabelValues("finalization").Inc()

	if err := e.store.UpdateAuction(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// ClaimAllocation transfers a winner's allocation of the asset. Settles
// at most once per bid; all state is written before the transfer.
func (e *Engine) ClaimAllocation(ctx context.Context, bidder string, bidID uint64) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.getBid(ctx, bidID)
	if err != nil {
		return decimal.Zero, err
	}
	if b.Bidder != bidder {
		return decimal.Zero, ErrUnauthorized
	}
	if b.AllocationClaimed {
		return decimal.Zero, ErrAlreadySettled
	}
	if !b.Finalized {
		return decimal.Zero, fmt.Errorf("%w: bid %d not finalized", ErrInvalidState, bidID)
	}
	if b.Allocation.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: bid %d won no allocation", ErrInvalidState, bidID)
	}

	b.AllocationClaimed = true
	if err := e.store.UpdateBid(ctx, b); err != nil {
		return decimal.Zero, err
	}

	// Transfer is the last effect of the operation.
	if err := e.custody.AssetTransfer(ctx, bidder, b.Allocation); err != nil {
		return decimal.Zero, err
	}

	metrics.Claims.WithLabelValues("allocation").Inc()
	slog.Info("allocation claimed", "bid_id", bidID, "bidder", bidder, "amount", b.Allocation.String())
	return b.Allocation, nil
}

// ClaimRefund returns a bid's unused escrow to the bidder. Settles at
// most once per bid; all state is written before the transfer.
func (e *Engine) ClaimRefund(ctx context.Context, bidder string, bidID uint64) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.getBid(ctx, bidID)
	if err != nil {
		return decimal.Zero, err
	}
	if b.Bidder != bidder {
		return decimal.Zero, ErrUnauthorized
	}
	if b.RefundClaimed {
		return decimal.Zero, ErrAlreadySettled
	}
	if !b.Finalized {
		return decimal.Zero, fmt.Errorf("%w: bid %d not finalized", ErrInvalidState, bidID)
	}
	if b.Refund.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: bid %d has no refund", ErrInvalidState, bidID)
	}

	b.RefundClaimed = true
	if err := e.store.UpdateBid(ctx, b); err != nil {
		return decimal.Zero, err
	}

	if err := e.custody.EscrowRefund(ctx, bidder, b.Refund); err != nil {
		return decimal.Zero, err
	}

	metrics.Claims.WithLabelValues("refund").Inc()
	e.updateEscrowGauge(ctx)
	slog.Info("refund claimed", "bid_id", bidID, "bidder", bidder, "amount", b.Refund.String())
	return b.Refund, nil
}

// ClaimProceeds transfers totalAllocated × clearingPrice to the auction
// owner, once, after resolution.
func (e *Engine) ClaimProceeds(ctx context.Context, caller string) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, err := e.store.GetAuction(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	if caller != a.Owner {
		return decimal.Zero, ErrUnauthorized
	}
	if !a.Resolved() {
		return decimal.Zero, fmt.Errorf("%w: auction is %s", ErrInvalidState, a.State)
	}
	if a.ProceedsClaimed {
		return decimal.Zero, ErrAlreadySettled
	}

	proceeds := a.TotalAllocated.Mul(a.ClearingPrice)
	a.ProceedsClaimed = true
	if err := e.store.UpdateAuction(ctx, a); err != nil {
		return decimal.Zero, err
	}

	if proceeds.IsPositive() {
		if err := e.custody.EscrowRefund(ctx, caller, proceeds); err != nil {
			return decimal.Zero, err
		}
	}

	metrics.Claims.WithLabelValues("proceeds").Inc()
	e.updateEscrowGauge(ctx)
	slog.Info("proceeds claimed", "owner", caller, "amount", proceeds.String())
	return proceeds, nil
}

// rankedEntries loads the clearing entries for the current ranking.
func (e *Engine) rankedEntries(ctx context.Context, a *model.Auction) ([]clearing.Entry, error) {
	entries := make([]clearing.Entry, 0, len(a.RankedBidIDs))
	for _, id := range a.RankedBidIDs {
		b, err := e.store.GetBid(ctx, id)
		if err != nil {
			return nil, err
		}
		entries = append(entries, clearing.Entry{BidID: b.ID, Price: b.Price, Quantity: b.Quantity})
	}
	return entries, nil
}
