// Package reveal tracks outstanding decryption requests against the
// external confidential-computation service and correlates asynchronous
// callback results back to the bid that requested them.
//
// The correlator holds only back-references (bid ids) for matching; bid
// state itself is owned by the auction engine.
package reveal

import (
	"errors"
	"sync"
)

var (
	// ErrAlreadyPending is returned when a reveal request for the bid
	// is still outstanding.
	ErrAlreadyPending = errors.New("reveal: request already pending for bid")

	// ErrAlreadySatisfied is returned when the bid's values were
	// already revealed by an earlier request.
	ErrAlreadySatisfied = errors.New("reveal: bid already revealed")
)

// Correlator is the pending-request table keyed by correlation id.
// Safe for concurrent use.
type Correlator struct {
	mu        sync.Mutex
	pending   map[string]uint64 // requestID → bidID
	byBid     map[uint64]string // bidID → outstanding requestID
	satisfied map[uint64]bool
}

// NewCorrelator creates an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{
		pending:   make(map[string]uint64),
		byBid:     make(map[uint64]string),
		satisfied: make(map[uint64]bool),
	}
}

// Track records one outstanding request for the given bid. At most one
// request may be pending per bid, and a bid is revealed at most once.
func (c *Correlator) Track(bidID uint64, requestID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.satisfied[bidID] {
		return ErrAlreadySatisfied
	}
	if _, ok := c.byBid[bidID]; ok {
		return ErrAlreadyPending
	}

	c.pending[requestID] = bidID
	c.byBid[bidID] = requestID
	return nil
}

// Resolve consumes a callback delivery. It returns the bid the request
// belongs to and true exactly once per request id; redeliveries and
// unknown ids return false. The service is allowed to redeliver, so a
// false return is a no-op for callers, not an error.
func (c *Correlator) Resolve(requestID string) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bidID, ok := c.pending[requestID]
	if !ok {
		return 0, false
	}

	delete(c.pending, requestID)
	delete(c.byBid, bidID)
	c.satisfied[bidID] = true
	return bidID, true
}

// Release drops any reveal bookkeeping for a cancelled bid. A late
// callback for a released request is then ignored by Resolve.
func (c *Correlator) Release(bidID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if reqID, ok := c.byBid[bidID]; ok {
		delete(c.pending, reqID)
		delete(c.byBid, bidID)
	}
}

// PendingCount returns the number of outstanding requests.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
