// Package clearing implements the uniform-clearing-price allocation rule
// for a sealed-bid auction over a fixed supply of a fungible asset.
//
// Bids are ranked by price descending, ties broken by ascending bid id
// (earlier submission wins). Supply is granted greedily down the ranking;
// the bid that exhausts the last unit of supply — the marginal bid — sets
// the single price every winner pays. If demand never exhausts supply,
// the lowest-priced ranked bid sets the price and everyone fills in full.
//
// The package is stateless and batch-agnostic: allocating a ranked list
// in one pass or in any partition of contiguous batches produces the
// same fills and the same clearing price.
//
// All monetary values use shopspring/decimal — never float64 for money.
package clearing

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Entry is one confirmed bid as seen by the clearing rule.
type Entry struct {
	BidID    uint64
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Before reports whether a ranks strictly ahead of b. The order is total:
// no two entries with distinct ids compare equal.
func Before(a, b Entry) bool {
	if !a.Price.Equal(b.Price) {
		return a.Price.GreaterThan(b.Price)
	}
	return a.BidID < b.BidID
}

// Rank returns a new slice sorted into clearing order.
func Rank(entries []Entry) []Entry {
	ranked := make([]Entry, len(entries))
	copy(ranked, entries)
	sort.Slice(ranked, func(i, j int) bool {
		return Before(ranked[i], ranked[j])
	})
	return ranked
}

// InsertIndex returns the position where e belongs in an already-ranked
// slice. Inserting entries one at a time in ascending id order yields
// exactly the slice Rank would produce, which is what makes the batched
// ranking pass independent of how the work is chunked.
func InsertIndex(ranked []Entry, e Entry) int {
	return sort.Search(len(ranked), func(i int) bool {
		return Before(e, ranked[i])
	})
}

// Fill is the allocation granted to one entry.
type Fill struct {
	BidID  uint64
	Amount decimal.Decimal
}

// Outcome describes one allocation pass over a contiguous run of ranked
// entries.
type Outcome struct {
	// Fills holds one fill per input entry, in input order.
	Fills []Fill

	// Remaining is the supply left after this run.
	Remaining decimal.Decimal

	// Exhausted is true once remaining supply has reached zero, in this
	// run or a previous one.
	Exhausted bool

	// MarginalPrice is the price of the bid whose fill reduced remaining
	// supply to exactly zero. Only meaningful when Exhausted became true
	// within this run.
	MarginalPrice decimal.Decimal

	// LastPrice is the price of the last entry processed in this run.
	// When the full ranking is consumed without exhausting supply, the
	// final run's LastPrice is the clearing price.
	LastPrice decimal.Decimal
}

// Allocate grants supply greedily to entries, which must be a contiguous
// run of a ranked list. remaining is the supply not yet granted before
// this run. Entries after the marginal bid are filled zero.
func Allocate(entries []Entry, remaining decimal.Decimal) Outcome {
	out := Outcome{
		Fills:     make([]Fill, 0, len(entries)),
		Remaining: remaining,
		Exhausted: remaining.LessThanOrEqual(decimal.Zero),
	}

	for _, e := range entries {
		var amount decimal.Decimal
		switch {
		case out.Exhausted:
			amount = decimal.Zero
		case out.Remaining.GreaterThanOrEqual(e.Quantity):
			amount = e.Quantity
		default:
			amount = out.Remaining // partial fill for the marginal bid
		}

		out.Remaining = out.Remaining.Sub(amount)
		if !out.Exhausted && out.Remaining.IsZero() {
			out.Exhausted = true
			out.MarginalPrice = e.Price
		}

		out.LastPrice = e.Price
		out.Fills = append(out.Fills, Fill{BidID: e.BidID, Amount: amount})
	}

	return out
}
