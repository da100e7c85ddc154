// HTTP handlers and request/response types for the auction contract
// surface.
//
// All monetary values use shopspring/decimal — never float64 for money.
package auction

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/sealedbid/auction-engine/internal/custody"
	"github.com/sealedbid/auction-engine/internal/handle"
	"github.com/sealedbid/auction-engine/internal/model"
)

// Service exposes the engine's entry points over HTTP.
type Service struct {
	engine *Engine
}

// NewService creates the HTTP service over an engine.
func NewService(engine *Engine) *Service {
	return &Service{engine: engine}
}

// --- Request/Response types ---

// SubmitBidRequest is the JSON body for POST /bids.
type SubmitBidRequest struct {
	Bidder            string `json:"bidder"`
	EncryptedQuantity string `json:"encrypted_quantity"`
	EncryptedPrice    string `json:"encrypted_price"`
	Proof             string `json:"proof"` // input proof, forwarded opaque
}

// ConfirmBidRequest is the JSON body for POST /bids/{bidID}/confirm.
type ConfirmBidRequest struct {
	Bidder  string          `json:"bidder"`
	Payment decimal.Decimal `json:"payment"`
}

// ConfirmBidResponse reports the retained escrow and returned surplus.
type ConfirmBidResponse struct {
	Bid     *model.Bid      `json:"bid"`
	Surplus decimal.Decimal `json:"surplus_returned"`
}

// CallerRequest is the JSON body for cancel and claim operations.
type CallerRequest struct {
	Bidder string `json:"bidder"`
}

// BatchRequest is the JSON body for POST /resolve and POST /finalize.
type BatchRequest struct {
	BatchSize int `json:"batch_size"`
}

// RevealCallbackRequest is the delivery body posted by the
// confidential-computation service.
type RevealCallbackRequest struct {
	RequestID  string            `json:"request_id"`
	Plaintexts []decimal.Decimal `json:"plaintexts"`
}

// RevealCallbackResponse acknowledges a delivery. Ignored deliveries
// (redelivery, unknown id, cancelled bid) are acknowledged, not errored.
type RevealCallbackResponse struct {
	Applied bool `json:"applied"`
}

// ClaimResponse reports the transferred amount for a settled claim.
type ClaimResponse struct {
	BidID  *uint64         `json:"bid_id,omitempty"`
	Kind   string          `json:"kind"`
	Amount decimal.Decimal `json:"amount"`
}

// AuctionResponse is the public auction view. ClearingPrice is present
// only once the auction has resolved.
type AuctionResponse struct {
	ID             string             `json:"id"`
	State          model.AuctionState `json:"state"`
	TotalSupply    decimal.Decimal    `json:"total_supply"`
	Deadline       time.Time          `json:"deadline"`
	ClearingPrice  *decimal.Decimal   `json:"clearing_price,omitempty"`
	TotalAllocated decimal.Decimal    `json:"total_allocated"`
	BidCount       uint64             `json:"bid_count"`
	RankedBids     int                `json:"ranked_bids"`
	FinalizedBids  uint64             `json:"finalized_bids"`
}

func auctionResponse(a *model.Auction) AuctionResponse {
	resp := AuctionResponse{
		ID:             a.ID,
		State:          a.State,
		TotalSupply:    a.TotalSupply,
		Deadline:       a.Deadline,
		TotalAllocated: a.TotalAllocated,
		BidCount:       a.NextBidID,
		RankedBids:     len(a.RankedBidIDs),
		FinalizedBids:  a.AllocationCursor,
	}
	if a.Resolved() {
		price := a.ClearingPrice
		resp.ClearingPrice = &price
	}
	return resp
}

// --- HTTP Handlers ---

// SubmitBid handles POST /api/v1/bids
func (s *Service) SubmitBid(w http.ResponseWriter, r *http.Request) {
	var req SubmitBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Bidder == "" {
		writeError(w, "bidder is required", http.StatusBadRequest)
		return
	}
	if req.Proof == "" {
		writeError(w, "proof is required", http.StatusBadRequest)
		return
	}

	bid, err := s.engine.SubmitBid(r.Context(), req.Bidder, req.EncryptedQuantity, req.EncryptedPrice)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, bid)
}

// RevealCallback handles POST /api/v1/reveal-callback
func (s *Service) RevealCallback(w http.ResponseWriter, r *http.Request) {
	var req RevealCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	applied, err := s.engine.HandleReveal(r.Context(), req.RequestID, req.Plaintexts)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, RevealCallbackResponse{Applied: applied})
}

// ConfirmBid handles POST /api/v1/bids/{bidID}/confirm
func (s *Service) ConfirmBid(w http.ResponseWriter, r *http.Request) {
	bidID, ok := bidIDParam(w, r)
	if !ok {
		return
	}

	var req ConfirmBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	surplus, err := s.engine.ConfirmBid(r.Context(), req.Bidder, bidID, req.Payment)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	bid, err := s.engine.Bid(r.Context(), bidID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ConfirmBidResponse{Bid: bid, Surplus: surplus})
}

// CancelBid handles POST /api/v1/bids/{bidID}/cancel
func (s *Service) CancelBid(w http.ResponseWriter, r *http.Request) {
	bidID, ok := bidIDParam(w, r)
	if !ok {
		return
	}

	var req CallerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.engine.CancelBid(r.Context(), req.Bidder, bidID); err != nil {
		writeEngineError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Resolve handles POST /api/v1/resolve
func (s *Service) Resolve(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	a, err := s.engine.ResolveAuction(r.Context(), req.BatchSize)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, auctionResponse(a))
}

// Finalize handles POST /api/v1/finalize
func (s *Service) Finalize(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	a, err := s.engine.FinalizeAllocations(r.Context(), req.BatchSize)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, auctionResponse(a))
}

// ClaimAllocation handles POST /api/v1/bids/{bidID}/claim-allocation
func (s *Service) ClaimAllocation(w http.ResponseWriter, r *http.Request) {
	bidID, ok := bidIDParam(w, r)
	if !ok {
		return
	}

	var req CallerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	amount, err := s.engine.ClaimAllocation(r.Context(), req.Bidder, bidID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ClaimResponse{BidID: &bidID, Kind: "allocation", Amount: amount})
}

// ClaimRefund handles POST /api/v1/bids/{bidID}/claim-refund
func (s *Service) ClaimRefund(w http.ResponseWriter, r *http.Request) {
	bidID, ok := bidIDParam(w, r)
	if !ok {
		return
	}

	var req CallerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	amount, err := s.engine.ClaimRefund(r.Context(), req.Bidder, bidID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ClaimResponse{BidID: &bidID, Kind: "refund", Amount: amount})
}

// ClaimProceeds handles POST /api/v1/claim-proceeds
func (s *Service) ClaimProceeds(w http.ResponseWriter, r *http.Request) {
	var req CallerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	amount, err := s.engine.ClaimProceeds(r.Context(), req.Bidder)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ClaimResponse{Kind: "proceeds", Amount: amount})
}

// GetBid handles GET /api/v1/bids/{bidID}
func (s *Service) GetBid(w http.ResponseWriter, r *http.Request) {
	bidID, ok := bidIDParam(w, r)
	if !ok {
		return
	}

	bid, err := s.engine.Bid(r.Context(), bidID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, bid)
}

// GetBids handles GET /api/v1/bids
func (s *Service) GetBids(w http.ResponseWriter, r *http.Request) {
	bids, err := s.engine.Bids(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if bids == nil {
		bids = []model.Bid{}
	}

	writeJSON(w, http.StatusOK, bids)
}

// GetBidsOf handles GET /api/v1/bidders/{bidder}/bids
func (s *Service) GetBidsOf(w http.ResponseWriter, r *http.Request) {
	bidder := chi.URLParam(r, "bidder")

	bids, err := s.engine.BidsOf(r.Context(), bidder)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if bids == nil {
		bids = []model.Bid{}
	}

	writeJSON(w, http.StatusOK, bids)
}

// GetAuction handles GET /api/v1/auction
func (s *Service) GetAuction(w http.ResponseWriter, r *http.Request) {
	a, err := s.engine.Auction(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, auctionResponse(a))
}

// --- Helpers ---

func bidIDParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "bidID"), 10, 64)
	if err != nil {
		writeError(w, "invalid bid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// writeEngineError maps the failure taxonomy onto HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrUnauthorized):
		writeError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, ErrInsufficientPayment), errors.Is(err, custody.ErrInsufficientFunds):
		writeError(w, err.Error(), http.StatusPaymentRequired)
	case errors.Is(err, ErrAlreadySettled), errors.Is(err, ErrInvalidState):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, handle.ErrInvalidEnvelope),
		errors.Is(err, handle.ErrInvalidScheme),
		errors.Is(err, handle.ErrEmptyPayload):
		writeError(w, err.Error(), http.StatusBadRequest)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
