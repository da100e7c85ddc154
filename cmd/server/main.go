package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/sealedbid/auction-engine/internal/auction"
	"github.com/sealedbid/auction-engine/internal/custody"
	"github.com/sealedbid/auction-engine/internal/metrics"
	"github.com/sealedbid/auction-engine/internal/reveal"
	"github.com/sealedbid/auction-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	owner := os.Getenv("AUCTION_OWNER")
	if owner == "" {
		owner = "owner"
	}

	supply := decimal.NewFromInt(1_000_000)
	if raw := os.Getenv("AUCTION_SUPPLY"); raw != "" {
		parsed, err := decimal.NewFromString(raw)
		if err != nil || parsed.LessThanOrEqual(decimal.Zero) {
			slog.Error("invalid AUCTION_SUPPLY", "value", raw)
			os.Exit(1)
		}
		supply = parsed
	}

	deadline := time.Now().Add(7 * 24 * time.Hour)
	if raw := os.Getenv("AUCTION_DEADLINE"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			slog.Error("invalid AUCTION_DEADLINE, want RFC3339", "value", raw)
			os.Exit(1)
		}
		deadline = parsed
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Custody & reveal plumbing ---
	vault := custody.NewVault(supply)
	correlator := reveal.NewCorrelator()

	// The local decryptor delivers reveal results straight back into the
	// engine; a production deployment points the external service at
	// POST /api/v1/reveal-callback instead.
	var engine *auction.Engine
	decryptor := reveal.NewLocalDecryptor(func(ctx context.Context, res reveal.Result) {
		engine.RevealSink(ctx, res)
	})

	// --- WebSocket hub ---
	wsHub := auction.NewWSHub()
	go wsHub.Run()

	// --- Engine & HTTP service ---
	engine = auction.NewEngine(st, vault, decryptor, correlator, wsHub)
	if _, err := engine.Open(context.Background(), owner, supply, deadline); err != nil {
		slog.Error("auction open failed", "err", err)
		os.Exit(1)
	}
	svc := auction.NewService(engine)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"auction-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time bid lifecycle events.
		r.Get("/ws", wsHub.HandleWS)

		// Bid lifecycle.
		r.Post("/bids", svc.SubmitBid)
		r.Get("/bids", svc.GetBids)
		r.Get("/bids/{bidID}", svc.GetBid)
		r.Post("/bids/{bidID}/confirm", svc.ConfirmBid)
		r.Post("/bids/{bidID}/cancel", svc.CancelBid)
		r.Get("/bidders/{bidder}/bids", svc.GetBidsOf)

		// Confidential-computation service callback.
		r.Post("/reveal-callback", svc.RevealCallback)

		// Resolution & distribution, drivable by anyone.
		r.Post("/resolve", svc.Resolve)
		r.Post("/finalize", svc.Finalize)

		// Claims.
		r.Post("/bids/{bidID}/claim-allocation", svc.ClaimAllocation)
		r.Post("/bids/{bidID}/claim-refund", svc.ClaimRefund)
		r.Post("/claim-proceeds", svc.ClaimProceeds)

		// Auction queries.
		r.Get("/auction", svc.GetAuction)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("auction-engine listening", "port", port, "deadline", deadline, "supply", supply.String())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down auction-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("auction-engine stopped")
}
