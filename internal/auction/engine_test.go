package auction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sealedbid/auction-engine/internal/custody"
	"github.com/sealedbid/auction-engine/internal/handle"
	"github.com/sealedbid/auction-engine/internal/model"
	"github.com/sealedbid/auction-engine/internal/reveal"
	"github.com/sealedbid/auction-engine/internal/store"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// captureDecryptor records reveal requests so tests can deliver results
// explicitly, in any order, including redeliveries.
type captureDecryptor struct {
	mu       sync.Mutex
	n        int
	requests []string
}

func (c *captureDecryptor) RequestDecryption(_ context.Context, _ []string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	id := fmt.Sprintf("req-%d", c.n)
	c.requests = append(c.requests, id)
	return id, nil
}

type testEnv struct {
	engine   *Engine
	store    *store.MemoryStore
	vault    *custody.Vault
	dec      *captureDecryptor
	now      time.Time
	deadline time.Time
	reqByBid map[uint64]string
}

const testOwner = "owner"

// newTestEnv creates an engine over in-memory collaborators with a
// controllable clock and the given supply.
func newTestEnv(t *testing.T, supply string) *testEnv {
	t.Helper()

	env := &testEnv{
		store:    store.NewMemoryStore(),
		vault:    custody.NewVault(d(supply)),
		dec:      &captureDecryptor{},
		now:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		reqByBid: make(map[uint64]string),
	}
	env.deadline = env.now.Add(time.Hour)

	env.engine = NewEngine(env.store, env.vault, env.dec, reveal.NewCorrelator(), nil)
	env.engine.now = func() time.Time { return env.now }

	if _, err := env.engine.Open(context.Background(), testOwner, d(supply), env.deadline); err != nil {
		t.Fatalf("open auction: %v", err)
	}
	return env
}

func (env *testEnv) pastDeadline() {
	env.now = env.deadline.Add(time.Second)
}

// submit creates a sealed bid whose loopback handles carry the given
// values and returns its id. The reveal is not delivered yet.
func (env *testEnv) submit(t *testing.T, bidder, qty, price string) uint64 {
	t.Helper()

	hq, err := handle.Loopback(qty)
	if err != nil {
		t.Fatalf("quantity handle: %v", err)
	}
	hp, err := handle.Loopback(price)
	if err != nil {
		t.Fatalf("price handle: %v", err)
	}

	bid, err := env.engine.SubmitBid(context.Background(), bidder, hq, hp)
	if err != nil {
		t.Fatalf("submit bid: %v", err)
	}

	env.dec.mu.Lock()
	env.reqByBid[bid.ID] = env.dec.requests[len(env.dec.requests)-1]
	env.dec.mu.Unlock()
	return bid.ID
}

// revealBid delivers the reveal callback for a submitted bid.
func (env *testEnv) revealBid(t *testing.T, bidID uint64, qty, price string) {
	t.Helper()

	applied, err := env.engine.HandleReveal(context.Background(), env.reqByBid[bidID], []decimal.Decimal{d(qty), d(price)})
	if err != nil {
		t.Fatalf("reveal bid %d: %v", bidID, err)
	}
	if !applied {
		t.Fatalf("reveal bid %d: delivery not applied", bidID)
	}
}

// confirmExact funds the bidder's wallet with exactly the required
// payment and confirms the bid.
func (env *testEnv) confirmExact(t *testing.T, bidder string, bidID uint64) {
	t.Helper()

	b, err := env.engine.Bid(context.Background(), bidID)
	if err != nil {
		t.Fatalf("get bid %d: %v", bidID, err)
	}
	env.vault.Credit(bidder, b.RequiredPayment)
	if _, err := env.engine.ConfirmBid(context.Background(), bidder, bidID, b.RequiredPayment); err != nil {
		t.Fatalf("confirm bid %d: %v", bidID, err)
	}
}

// fullBid submits, reveals, and confirms in one step.
func (env *testEnv) fullBid(t *testing.T, bidder, qty, price string) uint64 {
	t.Helper()
	id := env.submit(t, bidder, qty, price)
	env.revealBid(t, id, qty, price)
	env.confirmExact(t, bidder, id)
	return id
}

// resolveAll drives resolution to completion with the given batch size.
func (env *testEnv) resolveAll(t *testing.T, batchSize int) *model.Auction {
	t.Helper()

	var a *model.Auction
	for i := 0; i < 1000; i++ {
		var err error
		a, err = env.engine.ResolveAuction(context.Background(), batchSize)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if a.State == model.StateResolved {
			return a
		}
	}
	t.Fatal("resolution did not complete")
	return nil
}

// finalizeAll drives finalization to completion with the given batch size.
func (env *testEnv) finalizeAll(t *testing.T, batchSize int) *model.Auction {
	t.Helper()

	var a *model.Auction
	for i := 0; i < 1000; i++ {
		var err error
		a, err = env.engine.FinalizeAllocations(context.Background(), batchSize)
		if err != nil {
			t.Fatalf("finalize: %v", err)
		}
		if a.State == model.StateClosed {
			return a
		}
	}
	t.Fatal("finalization did not complete")
	return nil
}

func mustBid(t *testing.T, env *testEnv, bidID uint64) *model.Bid {
	t.Helper()
	b, err := env.engine.Bid(context.Background(), bidID)
	if err != nil {
		t.Fatalf("get bid %d: %v", bidID, err)
	}
	return b
}

// --- Submission & reveal ---

func TestSubmitBid_AssignsSequentialIDs(t *testing.T) {
	env := newTestEnv(t, "1000000")

	id0 := env.submit(t, "bob", "100", "5")
	id1 := env.submit(t, "carol", "200", "7")

	if id0 != 0 || id1 != 1 {
		t.Errorf("expected ids 0,1 got %d,%d", id0, id1)
	}

	b := mustBid(t, env, id0)
	if b.Status != model.BidPendingReveal {
		t.Errorf("expected pending_reveal, got %s", b.Status)
	}
	if !b.Quantity.IsZero() || !b.Price.IsZero() {
		t.Error("plaintext values must stay unset until reveal")
	}
}

func TestSubmitBid_RejectedAfterDeadline(t *testing.T) {
	env := newTestEnv(t, "1000000")
	env.pastDeadline()

	hq, _ := handle.Loopback("1")
	hp, _ := handle.Loopback("1")
	_, err := env.engine.SubmitBid(context.Background(), "bob", hq, hp)
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestSubmitBid_RejectsMalformedHandle(t *testing.T) {
	env := newTestEnv(t, "1000000")

	hp, _ := handle.Loopback("1")
	if _, err := env.engine.SubmitBid(context.Background(), "bob", "garbage", hp); err == nil {
		t.Error("expected error for malformed handle")
	}
}

func TestHandleReveal_ComputesRequiredPayment(t *testing.T) {
	env := newTestEnv(t, "1000000")
	id := env.submit(t, "alice", "100000", "10000")
	env.revealBid(t, id, "100000", "10000")

	b := mustBid(t, env, id)
	if b.Status != model.BidRevealed {
		t.Errorf("expected revealed, got %s", b.Status)
	}
	if !b.RequiredPayment.Equal(d("1000000000")) {
		t.Errorf("expected required payment 1000000000, got %s", b.RequiredPayment)
	}
}

func TestHandleReveal_RedeliveryIgnored(t *testing.T) {
	env := newTestEnv(t, "1000000")
	id := env.submit(t, "alice", "100", "10")
	env.revealBid(t, id, "100", "10")

	applied, err := env.engine.HandleReveal(context.Background(), env.reqByBid[id], []decimal.Decimal{d("999"), d("999")})
	if err != nil {
		t.Fatalf("redelivery errored: %v", err)
	}
	if applied {
		t.Error("redelivery must not be applied")
	}

	b := mustBid(t, env, id)
	if !b.Quantity.Equal(d("100")) {
		t.Errorf("redelivery overwrote quantity: %s", b.Quantity)
	}
}

func TestHandleReveal_UnknownRequestIgnored(t *testing.T) {
	env := newTestEnv(t, "1000000")

	applied, err := env.engine.HandleReveal(context.Background(), "bogus", []decimal.Decimal{d("1"), d("1")})
	if err != nil {
		t.Fatalf("unknown request errored: %v", err)
	}
	if applied {
		t.Error("unknown request must not be applied")
	}
}

func TestHandleReveal_NegativeValuesRejected(t *testing.T) {
	env := newTestEnv(t, "1000000")
	ctx := context.Background()

	// Bob's escrow is the only currency in the pool.
	env.fullBid(t, "bob", "1000", "10")

	id := env.submit(t, "mallory", "100", "-50")
	_, err := env.engine.HandleReveal(ctx, env.reqByBid[id], []decimal.Decimal{d("100"), d("-50")})
	if err == nil {
		t.Fatal("negative price accepted")
	}

	// The bid never reveals, so a zero-deposit confirm cannot extract a
	// negative required payment from the pool.
	if b := mustBid(t, env, id); b.Status != model.BidPendingReveal {
		t.Errorf("expected pending_reveal, got %s", b.Status)
	}
	if _, err := env.engine.ConfirmBid(ctx, "mallory", id, decimal.Zero); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
	held, _ := env.vault.EscrowHeld(ctx)
	if !held.Equal(d("10000")) {
		t.Errorf("escrow changed: got %s, want 10000", held)
	}
	if got := env.vault.CurrencyBalance("mallory"); !got.IsZero() {
		t.Errorf("mallory extracted %s from escrow", got)
	}

	// Negative quantity is rejected the same way.
	_, err = env.engine.HandleReveal(ctx, env.reqByBid[id], []decimal.Decimal{d("-100"), d("50")})
	if err == nil {
		t.Fatal("negative quantity accepted")
	}
}

func TestHandleReveal_MalformedDeliveryLeavesRequestPending(t *testing.T) {
	env := newTestEnv(t, "1000000")
	id := env.submit(t, "alice", "100", "10")

	// A short delivery is rejected without consuming the request.
	_, err := env.engine.HandleReveal(context.Background(), env.reqByBid[id], []decimal.Decimal{d("100")})
	if err == nil {
		t.Fatal("expected error for short plaintext delivery")
	}

	// The correct redelivery still applies.
	env.revealBid(t, id, "100", "10")
	b := mustBid(t, env, id)
	if b.Status != model.BidRevealed {
		t.Errorf("expected revealed, got %s", b.Status)
	}
	if !b.RequiredPayment.Equal(d("1000")) {
		t.Errorf("required payment: got %s", b.RequiredPayment)
	}
}

type failingDecryptor struct{}

func (failingDecryptor) RequestDecryption(context.Context, []string) (string, error) {
	return "", errors.New("decryption service unavailable")
}

func TestSubmitBid_RevealRequestFailureLeavesNoState(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	e := NewEngine(st, custody.NewVault(d("1000")), failingDecryptor{}, reveal.NewCorrelator(), nil)
	if _, err := e.Open(ctx, testOwner, d("1000"), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("open auction: %v", err)
	}

	hq, _ := handle.Loopback("100")
	hp, _ := handle.Loopback("10")
	if _, err := e.SubmitBid(ctx, "bob", hq, hp); err == nil {
		t.Fatal("expected error from failing reveal request")
	}

	// The rejected submission left nothing behind.
	a, err := e.Auction(ctx)
	if err != nil {
		t.Fatalf("get auction: %v", err)
	}
	if a.NextBidID != 0 {
		t.Errorf("next bid id advanced to %d", a.NextBidID)
	}
	if _, err := e.Bid(ctx, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestHandleReveal_CancelledBidDropped(t *testing.T) {
	env := newTestEnv(t, "1000000")
	id := env.submit(t, "alice", "100", "10")

	if err := env.engine.CancelBid(context.Background(), "alice", id); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// The in-flight reveal lands after cancellation.
	applied, err := env.engine.HandleReveal(context.Background(), env.reqByBid[id], []decimal.Decimal{d("100"), d("10")})
	if err != nil {
		t.Fatalf("late reveal errored: %v", err)
	}
	if applied {
		t.Error("reveal for cancelled bid must be dropped")
	}
}

// --- Confirmation & cancellation ---

func TestConfirmBid_BeforeRevealRejected(t *testing.T) {
	env := newTestEnv(t, "1000000")
	id := env.submit(t, "alice", "100", "10")

	env.vault.Credit("alice", d("1000"))
	_, err := env.engine.ConfirmBid(context.Background(), "alice", id, d("1000"))
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestConfirmBid_InsufficientPayment(t *testing.T) {
	env := newTestEnv(t, "1000000")
	id := env.submit(t, "alice", "100", "10")
	env.revealBid(t, id, "100", "10")

	env.vault.Credit("alice", d("1000"))
	_, err := env.engine.ConfirmBid(context.Background(), "alice", id, d("999"))
	if !errors.Is(err, ErrInsufficientPayment) {
		t.Errorf("expected ErrInsufficientPayment, got %v", err)
	}

	// Nothing escrowed for the rejected call.
	held, _ := env.vault.EscrowHeld(context.Background())
	if !held.IsZero() {
		t.Errorf("escrow changed on rejected confirm: %s", held)
	}
}

func TestConfirmBid_SurplusReturnedSynchronously(t *testing.T) {
	env := newTestEnv(t, "1000000")
	id := env.submit(t, "alice", "100000", "10000")
	env.revealBid(t, id, "100000", "10000")

	env.vault.Credit("alice", d("1000100000")) // required + 100000 surplus
	surplus, err := env.engine.ConfirmBid(context.Background(), "alice", id, d("1000100000"))
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !surplus.Equal(d("100000")) {
		t.Errorf("expected surplus 100000, got %s", surplus)
	}

	// Exactly the required payment is retained; the surplus is back in
	// the bidder's wallet, never held for later claim.
	held, _ := env.vault.EscrowHeld(context.Background())
	if !held.Equal(d("1000000000")) {
		t.Errorf("expected escrow 1000000000, got %s", held)
	}
	if got := env.vault.CurrencyBalance("alice"); !got.Equal(d("100000")) {
		t.Errorf("expected alice balance 100000, got %s", got)
	}

	if b := mustBid(t, env, id); b.Status != model.BidConfirmed {
		t.Errorf("expected confirmed, got %s", b.Status)
	}
}

func TestConfirmBid_WrongBidderRejected(t *testing.T) {
	env := newTestEnv(t, "1000000")
	id := env.submit(t, "alice", "100", "10")
	env.revealBid(t, id, "100", "10")

	env.vault.Credit("mallory", d("1000"))
	_, err := env.engine.ConfirmBid(context.Background(), "mallory", id, d("1000"))
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestConfirmBid_DoubleConfirmRejected(t *testing.T) {
	env := newTestEnv(t, "1000000")
	id := env.fullBid(t, "alice", "100", "10")

	env.vault.Credit("alice", d("1000"))
	_, err := env.engine.ConfirmBid(context.Background(), "alice", id, d("1000"))
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestCancelBid_AfterConfirmRejected(t *testing.T) {
	env := newTestEnv(t, "1000000")
	id := env.fullBid(t, "alice", "100", "10")

	err := env.engine.CancelBid(context.Background(), "alice", id)
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestCancelBid_Twice(t *testing.T) {
	env := newTestEnv(t, "1000000")
	id := env.submit(t, "alice", "100", "10")

	if err := env.engine.CancelBid(context.Background(), "alice", id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := env.engine.CancelBid(context.Background(), "alice", id); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on second cancel, got %v", err)
	}
}

func TestCancelBid_UnknownBid(t *testing.T) {
	env := newTestEnv(t, "1000000")

	if err := env.engine.CancelBid(context.Background(), "alice", 42); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// --- Resolution ---

func TestResolve_BeforeDeadlineRejected(t *testing.T) {
	env := newTestEnv(t, "1000000")

	_, err := env.engine.ResolveAuction(context.Background(), 10)
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

// The reference scenario: supply 1,000,000. Carol outbids everyone and
// fills in full, Bob takes the remainder as the marginal bid and sets
// the clearing price, Dave is priced out entirely.
func TestResolve_ThreeBidderScenario(t *testing.T) {
	env := newTestEnv(t, "1000000")

	bob := env.fullBid(t, "bob", "500000", "2000000000000")
	carol := env.fullBid(t, "carol", "600000", "8000000000000")
	dave := env.fullBid(t, "dave", "1000000", "10000000")

	env.pastDeadline()
	a := env.resolveAll(t, 100)

	if !a.ClearingPrice.Equal(d("2000000000000")) {
		t.Errorf("expected clearing price 2000000000000, got %s", a.ClearingPrice)
	}
	if !a.TotalAllocated.Equal(d("1000000")) {
		t.Errorf("expected total allocated 1000000, got %s", a.TotalAllocated)
	}

	for _, tc := range []struct {
		bidID uint64
		want  string
	}{
		{carol, "600000"},
		{bob, "400000"},
		{dave, "0"},
	} {
		b := mustBid(t, env, tc.bidID)
		if !b.Allocation.Equal(d(tc.want)) {
			t.Errorf("bid %d: expected allocation %s, got %s", tc.bidID, tc.want, b.Allocation)
		}
	}
}

func TestResolve_ThreeBidderScenario_RefundsAndProceeds(t *testing.T) {
	env := newTestEnv(t, "1000000")
	ctx := context.Background()

	bob := env.fullBid(t, "bob", "500000", "2000000000000")
	carol := env.fullBid(t, "carol", "600000", "8000000000000")
	dave := env.fullBid(t, "dave", "1000000", "10000000")

	env.pastDeadline()
	env.resolveAll(t, 100)
	env.finalizeAll(t, 100)

	// Bob: paid 500000×2e12, settles 400000×2e12.
	if got, err := env.engine.ClaimRefund(ctx, "bob", bob); err != nil {
		t.Fatalf("bob refund: %v", err)
	} else if !got.Equal(d("200000000000000000")) {
		t.Errorf("bob refund: got %s", got)
	}

	// Carol: paid 600000×8e12, settles 600000×2e12.
	if got, err := env.engine.ClaimRefund(ctx, "carol", carol); err != nil {
		t.Fatalf("carol refund: %v", err)
	} else if !got.Equal(d("3600000000000000000")) {
		t.Errorf("carol refund: got %s", got)
	}

	// Dave: full deposit back.
	if got, err := env.engine.ClaimRefund(ctx, "dave", dave); err != nil {
		t.Fatalf("dave refund: %v", err)
	} else if !got.Equal(d("10000000000000")) {
		t.Errorf("dave refund: got %s", got)
	}

	// Winners claim the asset.
	if got, _ := env.engine.ClaimAllocation(ctx, "carol", carol); !got.Equal(d("600000")) {
		t.Errorf("carol allocation: got %s", got)
	}
	if got, _ := env.engine.ClaimAllocation(ctx, "bob", bob); !got.Equal(d("400000")) {
		t.Errorf("bob allocation: got %s", got)
	}
	if _, err := env.engine.ClaimAllocation(ctx, "dave", dave); !errors.Is(err, ErrInvalidState) {
		t.Errorf("dave allocation claim: expected ErrInvalidState, got %v", err)
	}

	// Owner proceeds: 1,000,000 × 2e12.
	got, err := env.engine.ClaimProceeds(ctx, testOwner)
	if err != nil {
		t.Fatalf("proceeds: %v", err)
	}
	if !got.Equal(d("2000000000000000000")) {
		t.Errorf("proceeds: got %s", got)
	}

	// Escrow fully drained, asset reserve fully distributed.
	held, _ := env.vault.EscrowHeld(ctx)
	if !held.IsZero() {
		t.Errorf("escrow not drained: %s", held)
	}
	reserve, _ := env.vault.AssetHeld(ctx)
	if !reserve.IsZero() {
		t.Errorf("asset reserve not drained: %s", reserve)
	}
}

func TestResolve_WholeSupplyToTopBidder(t *testing.T) {
	env := newTestEnv(t, "1000000")

	bob := env.fullBid(t, "bob", "500000", "2000000000000")
	carol := env.fullBid(t, "carol", "1000000", "8000000000000")
	dave := env.fullBid(t, "dave", "1000000", "10000000")

	env.pastDeadline()
	a := env.resolveAll(t, 100)

	if !a.ClearingPrice.Equal(d("8000000000000")) {
		t.Errorf("expected clearing price 8000000000000, got %s", a.ClearingPrice)
	}
	if b := mustBid(t, env, carol); !b.Allocation.Equal(d("1000000")) {
		t.Errorf("carol allocation: got %s", b.Allocation)
	}
	if b := mustBid(t, env, bob); !b.Allocation.IsZero() {
		t.Errorf("bob allocation: got %s", b.Allocation)
	}
	if b := mustBid(t, env, dave); !b.Allocation.IsZero() {
		t.Errorf("dave allocation: got %s", b.Allocation)
	}
}

func TestResolve_SingleBidderClearsAtOwnPrice(t *testing.T) {
	env := newTestEnv(t, "1000000")
	ctx := context.Background()

	id := env.fullBid(t, "alice", "1000000", "42")

	env.pastDeadline()
	a := env.resolveAll(t, 100)
	env.finalizeAll(t, 100)

	if !a.ClearingPrice.Equal(d("42")) {
		t.Errorf("expected clearing price 42, got %s", a.ClearingPrice)
	}
	if b := mustBid(t, env, id); !b.Allocation.Equal(d("1000000")) {
		t.Errorf("allocation: got %s", b.Allocation)
	}

	// Refund is zero: settlement equals the deposit.
	if _, err := env.engine.ClaimRefund(ctx, "alice", id); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for zero refund, got %v", err)
	}
}

func TestResolve_DemandBelowSupply(t *testing.T) {
	env := newTestEnv(t, "1000000")

	bob := env.fullBid(t, "bob", "100000", "9000")
	carol := env.fullBid(t, "carol", "200000", "3000")

	env.pastDeadline()
	a := env.resolveAll(t, 100)

	// Lowest-priced confirmed bid sets the price; everyone fills fully.
	if !a.ClearingPrice.Equal(d("3000")) {
		t.Errorf("expected clearing price 3000, got %s", a.ClearingPrice)
	}
	if b := mustBid(t, env, bob); !b.Allocation.Equal(d("100000")) {
		t.Errorf("bob allocation: got %s", b.Allocation)
	}
	if b := mustBid(t, env, carol); !b.Allocation.Equal(d("200000")) {
		t.Errorf("carol allocation: got %s", b.Allocation)
	}
	if !a.TotalAllocated.Equal(d("300000")) {
		t.Errorf("total allocated: got %s", a.TotalAllocated)
	}
}

func TestResolve_PriceTieBrokenByEarlierSubmission(t *testing.T) {
	env := newTestEnv(t, "1000")

	first := env.fullBid(t, "bob", "800", "50")
	second := env.fullBid(t, "carol", "800", "50")

	env.pastDeadline()
	a := env.resolveAll(t, 100)

	if b := mustBid(t, env, first); !b.Allocation.Equal(d("800")) {
		t.Errorf("first bid allocation: got %s", b.Allocation)
	}
	if b := mustBid(t, env, second); !b.Allocation.Equal(d("200")) {
		t.Errorf("second bid allocation: got %s", b.Allocation)
	}
	if !a.ClearingPrice.Equal(d("50")) {
		t.Errorf("clearing price: got %s", a.ClearingPrice)
	}
}

func TestResolve_CancelledBidNeverAffectsOutcome(t *testing.T) {
	env := newTestEnv(t, "1000000")

	bob := env.fullBid(t, "bob", "500000", "2000000000000")

	// Carol reveals the highest bid but cancels before confirming.
	carol := env.submit(t, "carol", "600000", "8000000000000")
	env.revealBid(t, carol, "600000", "8000000000000")
	if err := env.engine.CancelBid(context.Background(), "carol", carol); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	dave := env.fullBid(t, "dave", "700000", "1000000000000")

	env.pastDeadline()
	a := env.resolveAll(t, 100)

	if !a.ClearingPrice.Equal(d("1000000000000")) {
		t.Errorf("clearing price: got %s", a.ClearingPrice)
	}
	if b := mustBid(t, env, bob); !b.Allocation.Equal(d("500000")) {
		t.Errorf("bob allocation: got %s", b.Allocation)
	}
	if b := mustBid(t, env, dave); !b.Allocation.Equal(d("500000")) {
		t.Errorf("dave allocation: got %s", b.Allocation)
	}
	if b := mustBid(t, env, carol); b.AllocationSet {
		t.Error("cancelled bid must never be allocated")
	}
}

func TestResolve_UnconfirmedBidExcluded(t *testing.T) {
	env := newTestEnv(t, "1000")

	// Revealed but never funded.
	ghost := env.submit(t, "ghost", "1000", "99999")
	env.revealBid(t, ghost, "1000", "99999")

	bob := env.fullBid(t, "bob", "1000", "5")

	env.pastDeadline()
	a := env.resolveAll(t, 100)

	if !a.ClearingPrice.Equal(d("5")) {
		t.Errorf("clearing price: got %s", a.ClearingPrice)
	}
	if b := mustBid(t, env, bob); !b.Allocation.Equal(d("1000")) {
		t.Errorf("bob allocation: got %s", b.Allocation)
	}
	if b := mustBid(t, env, ghost); b.AllocationSet {
		t.Error("unconfirmed bid must never be allocated")
	}
}

func TestResolve_NoBids(t *testing.T) {
	env := newTestEnv(t, "1000000")
	env.pastDeadline()

	a := env.resolveAll(t, 10)
	if !a.ClearingPrice.IsZero() {
		t.Errorf("expected zero clearing price, got %s", a.ClearingPrice)
	}
	if !a.TotalAllocated.IsZero() {
		t.Errorf("expected zero allocation, got %s", a.TotalAllocated)
	}
}

func TestClearingPrice_UnsetUntilResolved(t *testing.T) {
	env := newTestEnv(t, "1000")
	ctx := context.Background()

	env.fullBid(t, "bob", "1000", "5")

	if _, err := env.engine.ClearingPrice(ctx); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState before resolution, got %v", err)
	}

	env.pastDeadline()
	env.resolveAll(t, 100)

	price, err := env.engine.ClearingPrice(ctx)
	if err != nil {
		t.Fatalf("clearing price: %v", err)
	}
	if !price.Equal(d("5")) {
		t.Errorf("clearing price: got %s", price)
	}
}

func TestResolve_AfterResolvedRejected(t *testing.T) {
	env := newTestEnv(t, "1000")
	env.fullBid(t, "bob", "1000", "5")

	env.pastDeadline()
	env.resolveAll(t, 100)

	_, err := env.engine.ResolveAuction(context.Background(), 10)
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

// Every batch-size partition of the same bid set must yield the same
// clearing price and per-bid allocations as one full-size pass.
func TestResolve_BatchPartitionIdempotence(t *testing.T) {
	type bidSpec struct {
		bidder, qty, price string
	}
	specs := []bidSpec{
		{"b0", "300000", "7000"},
		{"b1", "250000", "9000"},
		{"b2", "400000", "7000"}, // price tie with b0, later id
		{"b3", "150000", "12000"},
		{"b4", "500000", "4000"},
		{"b5", "100000", "9000"}, // price tie with b1, later id
	}

	run := func(batchSize int) (string, map[uint64]string) {
		env := newTestEnv(t, "1000000")
		for _, s := range specs {
			env.fullBid(t, s.bidder, s.qty, s.price)
		}
		env.pastDeadline()
		a := env.resolveAll(t, batchSize)
		env.finalizeAll(t, batchSize)

		allocs := make(map[uint64]string)
		for id := uint64(0); id < a.NextBidID; id++ {
			allocs[id] = mustBid(t, env, id).Allocation.String()
		}
		return a.ClearingPrice.String(), allocs
	}

	wantPrice, wantAllocs := run(100)

	for _, batchSize := range []int{1, 2, 3, 5} {
		price, allocs := run(batchSize)
		if price != wantPrice {
			t.Errorf("batch=%d: clearing price %s, want %s", batchSize, price, wantPrice)
		}
		for id, want := range wantAllocs {
			if allocs[id] != want {
				t.Errorf("batch=%d: bid %d allocation %s, want %s", batchSize, id, allocs[id], want)
			}
		}
	}
}

// --- Distribution & claims ---

func TestFinalize_BeforeResolvedRejected(t *testing.T) {
	env := newTestEnv(t, "1000000")

	_, err := env.engine.FinalizeAllocations(context.Background(), 10)
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestClaims_RequireFinalization(t *testing.T) {
	env := newTestEnv(t, "1000")
	ctx := context.Background()

	id := env.fullBid(t, "bob", "500", "10")
	env.pastDeadline()
	env.resolveAll(t, 100)

	// Resolved but not finalized: claims must wait.
	if _, err := env.engine.ClaimAllocation(ctx, "bob", id); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
	if _, err := env.engine.ClaimRefund(ctx, "bob", id); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestClaims_SettleExactlyOnce(t *testing.T) {
	env := newTestEnv(t, "1000000")
	ctx := context.Background()

	bob := env.fullBid(t, "bob", "500000", "2000000000000")
	env.fullBid(t, "carol", "600000", "8000000000000")

	env.pastDeadline()
	env.resolveAll(t, 100)
	env.finalizeAll(t, 100)

	if _, err := env.engine.ClaimAllocation(ctx, "bob", bob); err != nil {
		t.Fatalf("first allocation claim: %v", err)
	}
	if _, err := env.engine.ClaimAllocation(ctx, "bob", bob); !errors.Is(err, ErrAlreadySettled) {
		t.Errorf("expected ErrAlreadySettled, got %v", err)
	}

	if _, err := env.engine.ClaimRefund(ctx, "bob", bob); err != nil {
		t.Fatalf("first refund claim: %v", err)
	}
	if _, err := env.engine.ClaimRefund(ctx, "bob", bob); !errors.Is(err, ErrAlreadySettled) {
		t.Errorf("expected ErrAlreadySettled, got %v", err)
	}

	if _, err := env.engine.ClaimProceeds(ctx, testOwner); err != nil {
		t.Fatalf("first proceeds claim: %v", err)
	}
	if _, err := env.engine.ClaimProceeds(ctx, testOwner); !errors.Is(err, ErrAlreadySettled) {
		t.Errorf("expected ErrAlreadySettled, got %v", err)
	}
}

func TestClaimProceeds_NonOwnerRejected(t *testing.T) {
	env := newTestEnv(t, "1000")
	env.fullBid(t, "bob", "1000", "5")
	env.pastDeadline()
	env.resolveAll(t, 100)

	if _, err := env.engine.ClaimProceeds(context.Background(), "mallory"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestClaims_WrongBidderRejected(t *testing.T) {
	env := newTestEnv(t, "1000")
	ctx := context.Background()

	id := env.fullBid(t, "bob", "1000", "5")
	env.pastDeadline()
	env.resolveAll(t, 100)
	env.finalizeAll(t, 100)

	if _, err := env.engine.ClaimAllocation(ctx, "mallory", id); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

// Escrow held must always equal the required payments of confirmed,
// unrefunded bids, and drain to zero once everything is claimed.
func TestEscrowConservation(t *testing.T) {
	env := newTestEnv(t, "1000000")
	ctx := context.Background()

	bob := env.fullBid(t, "bob", "500000", "2000000000000")
	carol := env.fullBid(t, "carol", "600000", "8000000000000")

	held, _ := env.vault.EscrowHeld(ctx)
	want := d("500000").Mul(d("2000000000000")).Add(d("600000").Mul(d("8000000000000")))
	if !held.Equal(want) {
		t.Fatalf("escrow after confirms: got %s, want %s", held, want)
	}

	env.pastDeadline()
	env.resolveAll(t, 100)
	env.finalizeAll(t, 100)

	// Resolution itself moves no funds.
	held, _ = env.vault.EscrowHeld(ctx)
	if !held.Equal(want) {
		t.Fatalf("escrow after resolution: got %s, want %s", held, want)
	}

	env.engine.ClaimRefund(ctx, "bob", bob)
	env.engine.ClaimRefund(ctx, "carol", carol)
	env.engine.ClaimProceeds(ctx, testOwner)

	held, _ = env.vault.EscrowHeld(ctx)
	if !held.IsZero() {
		t.Errorf("escrow not drained: %s", held)
	}
}

// Monotonic ranking: a higher-priced confirmed bid is never short-filled
// while a lower-priced one receives anything.
func TestResolve_MonotonicRanking(t *testing.T) {
	env := newTestEnv(t, "750000")

	ids := []uint64{
		env.fullBid(t, "b0", "300000", "7000"),
		env.fullBid(t, "b1", "250000", "9000"),
		env.fullBid(t, "b2", "400000", "5000"),
		env.fullBid(t, "b3", "150000", "12000"),
	}

	env.pastDeadline()
	env.resolveAll(t, 100)

	bids := make([]*model.Bid, 0, len(ids))
	for _, id := range ids {
		bids = append(bids, mustBid(t, env, id))
	}

	for _, hi := range bids {
		for _, lo := range bids {
			if hi.Price.GreaterThan(lo.Price) &&
				hi.Allocation.LessThan(hi.Quantity) && lo.Allocation.IsPositive() {
				t.Errorf("bid %d (price %s) short-filled while bid %d (price %s) allocated %s",
					hi.ID, hi.Price, lo.ID, lo.Price, lo.Allocation)
			}
		}
	}
}
