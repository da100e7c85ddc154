// Package metrics provides Prometheus instrumentation for the auction engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BidsSubmitted counts sealed bids accepted at submission.
	BidsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auction_bids_submitted_total",
		Help: "Total number of sealed bids submitted",
	})

	// Reveals counts reveal callback deliveries by outcome.
	Reveals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_reveals_total",
		Help: "Total reveal callback deliveries",
	}, []string{"outcome"}) // applied, ignored

	// Confirmations counts successful bid confirmations.
	Confirmations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auction_bid_confirmations_total",
		Help: "Total number of bids confirmed with escrow posted",
	})

	// Cancellations counts successful bid cancellations.
	Cancellations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auction_bid_cancellations_total",
		Help: "Total number of bids cancelled before confirmation",
	})

	// ResolutionBatches counts batch calls by phase.
	ResolutionBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_resolution_batches_total",
		Help: "Total resolution and finalization batch calls processed",
	}, []string{"phase"}) // ranking, allocation, finalization

	// Claims counts settled claims by kind.
	Claims = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_claims_total",
		Help: "Total settled claims",
	}, []string{"kind"}) // allocation, refund, proceeds

	// EscrowHeld tracks the currency currently held in escrow.
	EscrowHeld = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auction_escrow_held",
		Help: "Currency currently held in the auction escrow pool",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auction_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "auction_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
