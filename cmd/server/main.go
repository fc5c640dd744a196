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

	"github.com/shiftpool/trade-engine/internal/alloc"
	"github.com/shiftpool/trade-engine/internal/audit"
	"github.com/shiftpool/trade-engine/internal/config"
	"github.com/shiftpool/trade-engine/internal/exposure"
	"github.com/shiftpool/trade-engine/internal/matchworker"
	"github.com/shiftpool/trade-engine/internal/metrics"
	"github.com/shiftpool/trade-engine/internal/scheduler"
	"github.com/shiftpool/trade-engine/internal/store"
	"github.com/shiftpool/trade-engine/internal/trade"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.SnapshotCacheTTL())
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

	// --- Audit event stream ---
	var publisher audit.Publisher
	if cfg.AmqpURL != "" {
		producer, err := audit.NewProducer(cfg.AmqpURL)
		if err != nil {
			slog.Error("rabbitmq connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, producer.Close)
		publisher = producer
		slog.Info("audit event stream enabled")
	} else {
		slog.Warn("AMQP_URL not set, audit events will be dropped")
		publisher = audit.Fallback{}
	}

	// --- Matching worker ---
	var worker trade.MatchInvoker
	if cfg.MatchWorkerURL != "" {
		worker = matchworker.NewClient(cfg.MatchWorkerURL, 10*time.Second)
	} else {
		slog.Warn("MATCH_WORKER_URL not set, match invocations will be dropped")
		worker = matchworker.Noop{}
	}

	// --- Exposure limits ---
	limiter := exposure.NewLimiter(cfg.MaxLenderGradeExposure, cfg.MaxLenderTotalExposure)

	// --- Services ---
	allocMgr := alloc.NewManager(st, limiter)
	tradeSvc := trade.NewService(st, allocMgr, worker, publisher)

	// --- Schedulers ---
	jobs := scheduler.NewJobs(st, tradeSvc, worker, cfg.PendingTimeout(), cfg.SchedulerBatchSize, logger)
	sched := scheduler.New(jobs, logger, cfg.ExpireSchedule, cfg.RetrySchedule)
	sched.Start()
	defer sched.Stop()

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"trade-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Trade lifecycle.
		r.Post("/trades", tradeSvc.CreateTrade)
		r.Get("/trades/{tradeID}", tradeSvc.GetTrade)
		r.Post("/trades/{tradeID}/submit", tradeSvc.SubmitTrade)
		r.Post("/trades/{tradeID}/cancel", tradeSvc.CancelTrade)
		r.Post("/trades/{tradeID}/match", tradeSvc.MatchTrade)
		r.Post("/trades/{tradeID}/live", tradeSvc.ActivateTrade)
		r.Post("/trades/{tradeID}/repay", tradeSvc.RepayTrade)
		r.Post("/trades/{tradeID}/default", tradeSvc.DefaultTrade)

		// Allocations (Matching Worker callback surface).
		r.Post("/trades/{tradeID}/allocations", tradeSvc.Reserve)
		r.Get("/trades/{tradeID}/allocations", tradeSvc.ListAllocations)

		// Lender capital accounts.
		r.Post("/lenders/{lenderID}/deposits", tradeSvc.DepositFunds)
		r.Post("/lenders/{lenderID}/withdrawals", tradeSvc.WithdrawFunds)
		r.Get("/lenders/{lenderID}/pot", tradeSvc.GetPot)
		r.Get("/lenders/{lenderID}/ledger", tradeSvc.GetLedger)
		r.Get("/lenders/{lenderID}/ledger/replay", tradeSvc.ReplayLedger)

		// Match-probability estimation and market snapshots.
		r.Get("/estimate", tradeSvc.EstimateMatch)
		r.Put("/snapshots", tradeSvc.UpsertSnapshot)
		r.Get("/snapshots/{grade}", tradeSvc.GetSnapshot)

		// Manual scheduler triggers for operations.
		r.Post("/jobs/expire", func(w http.ResponseWriter, r *http.Request) {
			writeSummary(w, jobs.RunExpire(r.Context()))
		})
		r.Post("/jobs/retry-match", func(w http.ResponseWriter, r *http.Request) {
			writeSummary(w, jobs.RunRetryMatch(r.Context()))
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("trade-engine listening", "port", cfg.Port)
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

	slog.Info("shutting down trade-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("trade-engine stopped")
}

func writeSummary(w http.ResponseWriter, sum scheduler.Summary) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"processed":%d,"errors":%d}`+"\n", sum.Processed, sum.Errors)
}
