package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/vtrade/trading-engine/internal/config"
	"github.com/vtrade/trading-engine/internal/evaluator"
	"github.com/vtrade/trading-engine/internal/metrics"
	"github.com/vtrade/trading-engine/internal/position"
	"github.com/vtrade/trading-engine/internal/quote"
	"github.com/vtrade/trading-engine/internal/risk"
	"github.com/vtrade/trading-engine/internal/scheduler"
	"github.com/vtrade/trading-engine/internal/settlement"
	"github.com/vtrade/trading-engine/internal/store"
	"github.com/vtrade/trading-engine/internal/trade"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.Store.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Store.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.Store.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Store.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Store.CacheTTL)
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

	// --- Market data ---
	var quotes quote.Source = quote.NewStaticSource(quote.DefaultPrices, cfg.Quotes.Jitter, cfg.Quotes.Seed)
	if cfg.Quotes.FeedURL != "" {
		feed := quote.NewStreamSource(cfg.Quotes.FeedURL, quotes)
		go feed.Run(ctx)
		quotes = feed
		slog.Info("quote feed enabled", "url", cfg.Quotes.FeedURL)
	}

	// --- Position limits ---
	limiter := risk.NewPositionLimiter(cfg.Trading.MaxPositionPerSymbol, cfg.Trading.MaxGrossPosition)

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run()
	defer wsHub.Close()

	// --- Settlement ---
	engine := settlement.NewEngine(st, evaluator.New(quotes), limiter, wsHub, settlement.Config{
		CommissionRate: cfg.Trading.CommissionRate,
		InitialBalance: cfg.Trading.InitialBalance,
		Currency:       cfg.Trading.Currency,
	})
	ledger := position.NewLedger(st, quotes)
	tradeSvc := trade.NewService(engine, ledger, quotes, st)

	// Expiry and trigger sweep.
	sweeper := scheduler.NewScheduler("sweep", cfg.App.SweepInterval, engine)
	go func() {
		if err := sweeper.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("sweep scheduler stopped", "err", err)
		}
	}()
	defer sweeper.Stop()

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+trade.UserHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"trading-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for the caller's order events. Registered
		// outside the timeout group so long-lived connections survive.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			tradeSvc.Routes(r)
		})
	})

	// --- Server ---
	port := strconv.Itoa(cfg.Server.Port)
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("trading-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down trading-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("trading-engine stopped")
}
