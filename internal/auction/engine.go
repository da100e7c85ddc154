// Package auction implements the sealed-bid auction aggregate: the bid
// ledger, the escrow and confirmation manager, the batched resolution and
// distribution engines, and the HTTP contract surface over them.
//
// Every state-changing entry point is serialized through one mutex, so
// external callers may interleave arbitrarily — including asynchronous
// reveal callbacks — and each operation observes a consistent aggregate.
package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sealedbid/auction-engine/internal/custody"
	"github.com/sealedbid/auction-engine/internal/handle"
	"github.com/sealedbid/auction-engine/internal/metrics"
	"github.com/sealedbid/auction-engine/internal/model"
	"github.com/sealedbid/auction-engine/internal/reveal"
	"github.com/sealedbid/auction-engine/internal/store"
)

// Engine owns the auction aggregate. All bid state is mutated only
// through its methods; the store persists records but enforces no
// domain rules.
type Engine struct {
	store      store.Store
	custody    custody.Custody
	decryptor  reveal.Decryptor
	correlator *reveal.Correlator
	hub        *WSHub // optional, nil disables broadcasting

	mu  sync.Mutex
	now func() time.Time
}

// NewEngine creates an engine over the given collaborators. Pass nil for
// hub if WebSocket broadcasting is not needed.
func NewEngine(st store.Store, cust custody.Custody, dec reveal.Decryptor, corr *reveal.Correlator, hub *WSHub) *Engine {
	return &Engine{
		store:      st,
		custody:    cust,
		decryptor:  dec,
		correlator: corr,
		hub:        hub,
		now:        time.Now,
	}
}

// Open creates the auction singleton if it does not exist yet and
// returns it either way. totalSupply is fixed for the auction's life.
func (e *Engine) Open(ctx context.Context, owner string, totalSupply decimal.Decimal, deadline time.Time) (*model.Auction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if a, err := e.store.GetAuction(ctx); err == nil {
		return a, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if totalSupply.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: total supply must be positive", ErrInvalidState)
	}

	a := &model.Auction{
		ID:          uuid.New().String(),
		Owner:       owner,
		TotalSupply: totalSupply,
		Deadline:    deadline.UTC(),
		State:       model.StateOpen,
		CreatedAt:   e.now().UTC(),
	}
	if err := e.store.CreateAuction(ctx, a); err != nil {
		return nil, err
	}

	slog.Info("auction opened",
		"id", a.ID,
		"owner", owner,
		"supply", totalSupply.String(),
		"deadline", a.Deadline,
	)
	return a, nil
}

// SubmitBid records a sealed bid and issues the reveal request. Only the
// envelope of each handle is validated here; the ciphertext stays opaque
// until the confidential-computation service calls back.
func (e *Engine) SubmitBid(ctx context.Context, bidder, encQuantity, encPrice string) (*model.Bid, error) {
	if _, err := handle.Parse(encQuantity); err != nil {
		return nil, err
	}
	if _, err := handle.Parse(encPrice); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	a, err := e.store.GetAuction(ctx)
	if err != nil {
		return nil, err
	}
	if a.State != model.StateOpen || !e.now().Before(a.Deadline) {
		return nil, fmt.Errorf("%w: submissions closed", ErrInvalidState)
	}

	// Issue the reveal request before persisting anything: a rejected
	// submission must leave no bid behind.
	requestID, err := e.decryptor.RequestDecryption(ctx, []string{encQuantity, encPrice})
	if err != nil {
		return nil, fmt.Errorf("reveal request: %w", err)
	}

	b := &model.Bid{
		ID:                a.NextBidID,
		Bidder:            bidder,
		Status:            model.BidPendingReveal,
		EncryptedQuantity: encQuantity,
		EncryptedPrice:    encPrice,
		CreatedAt:         e.now().UTC(),
	}
	a.NextBidID++

	if err := e.correlator.Track(b.ID, requestID); err != nil {
		return nil, err
	}
	if err := e.store.CreateBid(ctx, b); err != nil {
		e.correlator.Release(b.ID)
		return nil, err
	}
	if err := e.store.UpdateAuction(ctx, a); err != nil {
		e.correlator.Release(b.ID)
		return nil, err
	}

	metrics.BidsSubmitted.Inc()
	slog.Info("bid submitted", "bid_id", b.ID, "bidder", bidder, "request_id", requestID)
	e.broadcast(WSMessage{Type: "bid_submitted", BidID: &b.ID, Bidder: bidder})

	return b, nil
}

// HandleReveal is the sole mutation entry point for the
// confidential-computation service. It is idempotent per request id:
// redeliveries and unknown ids are ignored, never errors. The returned
// bool reports whether the delivery was applied.
func (e *Engine) HandleReveal(ctx context.Context, requestID string, plaintexts []decimal.Decimal) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Validate the delivery before consuming the pending entry, so a
	// malformed delivery leaves the request open for a correct redelivery.
	if len(plaintexts) != 2 {
		return false, fmt.Errorf("reveal %s: expected 2 plaintexts, got %d", requestID, len(plaintexts))
	}
	// Quantity and price are unsigned by construction on the service
	// side. A negative price would make requiredPayment negative and
	// turn confirmation into a withdrawal from the shared escrow pool;
	// a negative quantity would inflate remaining supply during
	// allocation.
	if plaintexts[0].IsNegative() || plaintexts[1].IsNegative() {
		return false, fmt.Errorf("reveal %s: negative plaintext value", requestID)
	}

	bidID, ok := e.correlator.Resolve(requestID)
	if !ok {
		metrics.Reveals.WithLabelValues("ignored").Inc()
		slog.Info("reveal ignored", "request_id", requestID)
		return false, nil
	}

	b, err := e.store.GetBid(ctx, bidID)
	if err != nil {
		return false, err
	}
	if b.Status != model.BidPendingReveal {
		// Cancelled while the request was in flight; drop the values.
		metrics.Reveals.WithLabelValues("ignored").Inc()
		return false, nil
	}

	b.Quantity = plaintexts[0]
	b.Price = plaintexts[1]
	b.RequiredPayment = b.Quantity.Mul(b.Price)
	b.Status = model.BidRevealed

	if err := e.store.UpdateBid(ctx, b); err != nil {
		return false, err
	}

	metrics.Reveals.WithLabelValues("applied").Inc()
	slog.Info("bid revealed",
		"bid_id", b.ID,
		"quantity", b.Quantity.String(),
		"price", b.Price.String(),
		"required_payment", b.RequiredPayment.String(),
	)
	e.broadcast(WSMessage{Type: "bid_revealed", BidID: &b.ID, Bidder: b.Bidder})

	return true, nil
}

// RevealSink adapts HandleReveal to the reveal.Sink signature used by
// the in-process decryptor.
func (e *Engine) RevealSink(ctx context.Context, res reveal.Result) {
	if _, err := e.HandleReveal(ctx, res.RequestID, res.Plaintexts); err != nil {
		slog.Error("reveal delivery failed", "request_id", res.RequestID, "err", err)
	}
}

// ConfirmBid escrows exactly the bid's required payment and marks it
// confirmed. Any surplus over the required payment is returned to the
// bidder synchronously — never held for later claim. Returns the surplus.
func (e *Engine) ConfirmBid(ctx context.Context, bidder string, bidID uint64, payment decimal.Decimal) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, err := e.store.GetAuction(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	if a.State != model.StateOpen {
		return decimal.Zero, fmt.Errorf("%w: confirmations closed", ErrInvalidState)
	}

	b, err := e.getBid(ctx, bidID)
	if err != nil {
		return decimal.Zero, err
	}
	if b.Bidder != bidder {
		return decimal.Zero, ErrUnauthorized
	}
	if b.Status != model.BidRevealed {
		return decimal.Zero, fmt.Errorf("%w: bid %d is %s", ErrInvalidState, bidID, b.Status)
	}
	if payment.LessThan(b.RequiredPayment) {
		return decimal.Zero, fmt.Errorf("%w: need %s, got %s",
			ErrInsufficientPayment, b.RequiredPayment.String(), payment.String())
	}

	if err := e.custody.EscrowDeposit(ctx, bidder, payment); err != nil {
		if errors.Is(err, custody.ErrInsufficientFunds) {
			return decimal.Zero, fmt.Errorf("%w: %v", ErrInsufficientPayment, err)
		}
		return decimal.Zero, err
	}

	surplus := payment.Sub(b.RequiredPayment)
	if surplus.IsPositive() {
		if err := e.custody.EscrowRefund(ctx, bidder, surplus); err != nil {
			return decimal.Zero, err
		}
	}

	b.Status = model.BidConfirmed
	if err := e.store.UpdateBid(ctx, b); err != nil {
		return decimal.Zero, err
	}

	metrics.Confirmations.Inc()
	e.updateEscrowGauge(ctx)
	slog.Info("bid confirmed",
		"bid_id", b.ID,
		"bidder", bidder,
		"retained", b.RequiredPayment.String(),
		"surplus_returned", surplus.String(),
	)
	e.broadcast(WSMessage{Type: "bid_confirmed", BidID: &b.ID, Bidder: b.Bidder})

	return surplus, nil
}

// CancelBid withdraws an unconfirmed bid and releases its reveal
// bookkeeping. A confirmed bid cannot be cancelled — it unwinds only
// through the post-resolution refund path.
func (e *Engine) CancelBid(ctx context.Context, bidder string, bidID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.getBid(ctx, bidID)
	if err != nil {
		return err
	}
	if b.Bidder != bidder {
		return ErrUnauthorized
	}

	switch b.Status {
	case model.BidPendingReveal, model.BidRevealed:
		// cancellable
	default:
		return fmt.Errorf("%w: bid %d is %s", ErrInvalidState, bidID, b.Status)
	}

	e.correlator.Release(bidID)
	b.Status = model.BidCancelled
	if err := e.store.UpdateBid(ctx, b); err != nil {
		return err
	}

	metrics.Cancellations.Inc()
	slog.Info("bid cancelled", "bid_id", b.ID, "bidder", bidder)
	e.broadcast(WSMessage{Type: "bid_cancelled", BidID: &b.ID, Bidder: b.Bidder})

	return nil
}

// Bid returns one bid record.
func (e *Engine) Bid(ctx context.Context, bidID uint64) (*model.Bid, error) {
	return e.getBid(ctx, bidID)
}

// BidsOf returns all bids submitted by one bidder, ascending by id.
func (e *Engine) BidsOf(ctx context.Context, bidder string) ([]model.Bid, error) {
	return e.store.BidsByBidder(ctx, bidder)
}

// Bids returns every bid in submission order.
func (e *Engine) Bids(ctx context.Context) ([]model.Bid, error) {
	return e.store.ListBids(ctx)
}

// Auction returns the aggregate record.
func (e *Engine) Auction(ctx context.Context) (*model.Auction, error) {
	return e.store.GetAuction(ctx)
}

// ClearingPrice returns the fixed clearing price. It is unset until the
// auction resolves.
func (e *Engine) ClearingPrice(ctx context.Context) (decimal.Decimal, error) {
	a, err := e.store.GetAuction(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	if !a.Resolved() {
		return decimal.Zero, fmt.Errorf("%w: clearing price not fixed yet", ErrInvalidState)
	}
	return a.ClearingPrice, nil
}

func (e *Engine) getBid(ctx context.Context, bidID uint64) (*model.Bid, error) {
	b, err := e.store.GetBid(ctx, bidID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: bid %d", ErrNotFound, bidID)
	}
	return b, err
}

func (e *Engine) broadcast(msg WSMessage) {
	if e.hub != nil {
		e.hub.Broadcast(msg)
	}
}

func (e *Engine) updateEscrowGauge(ctx context.Context) {
	if held, err := e.custody.EscrowHeld(ctx); err == nil {
		metrics.EscrowHeld.Set(held.InexactFloat64())
	}
}
