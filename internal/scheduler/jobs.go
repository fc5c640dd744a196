// Package scheduler runs the periodic jobs that keep trades from going
// stale: expiring unmatched trades past the pending timeout and
// re-invoking the Matching Worker for trades still inside it.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shiftpool/trade-engine/internal/metrics"
	"github.com/shiftpool/trade-engine/internal/model"
	"github.com/shiftpool/trade-engine/internal/store"
)

// TradeLister lists PENDING_MATCH trades by submission age.
type TradeLister interface {
	ListPendingMatchBefore(ctx context.Context, cutoff time.Time, limit int) ([]model.Trade, error)
	ListPendingMatchSince(ctx context.Context, cutoff time.Time, limit int) ([]model.Trade, error)
}

// TradeExpirer expires a single pending trade.
type TradeExpirer interface {
	Expire(ctx context.Context, id string) error
}

// MatchInvoker re-triggers the external Matching Worker.
type MatchInvoker interface {
	Invoke(ctx context.Context, tradeID string) error
}

// Summary is the outcome of one job run.
type Summary struct {
	Processed int `json:"processed"`
	Errors    int `json:"errors"`
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	lister    TradeLister
	expirer   TradeExpirer
	worker    MatchInvoker
	timeout   time.Duration
	batchSize int
	logger    *slog.Logger
}

// NewJobs creates a new Jobs runner. timeout is how long a trade may sit
// in PENDING_MATCH before expiry.
func NewJobs(lister TradeLister, expirer TradeExpirer, worker MatchInvoker, timeout time.Duration, batchSize int, logger *slog.Logger) *Jobs {
	return &Jobs{
		lister:    lister,
		expirer:   expirer,
		worker:    worker,
		timeout:   timeout,
		batchSize: batchSize,
		logger:    logger,
	}
}

// RunExpire expires one batch of trades that have sat in PENDING_MATCH
// past the timeout. A failure on one trade is logged and counted, never
// fatal to the batch; whatever this run misses, the next run picks up.
func (j *Jobs) RunExpire(ctx context.Context) Summary {
	j.logger.Info("starting trade expiry job")
	metrics.SchedulerRunsTotal.WithLabelValues("expire").Inc()

	cutoff := time.Now().UTC().Add(-j.timeout)
	trades, err := j.lister.ListPendingMatchBefore(ctx, cutoff, j.batchSize)
	if err != nil {
		j.logger.Error("failed to list expirable trades", "error", err)
		metrics.SchedulerErrorsTotal.WithLabelValues("expire").Inc()
		return Summary{Errors: 1}
	}

	var sum Summary
	for _, t := range trades {
		err := j.expirer.Expire(ctx, t.ID)
		if errors.Is(err, store.ErrPreconditionFailed) {
			// Matched or cancelled between listing and expiry. Fine.
			continue
		}
		if err != nil {
			j.logger.Error("failed to expire trade", "trade_id", t.ID, "error", err)
			metrics.SchedulerErrorsTotal.WithLabelValues("expire").Inc()
			sum.Errors++
			continue
		}
		sum.Processed++
	}

	j.logger.Info("trade expiry job finished", "expired", sum.Processed, "errors", sum.Errors)
	return sum
}

// RunRetryMatch re-invokes the Matching Worker for every trade still
// inside the pending window. No per-trade retry bookkeeping: the worker
// invocation is idempotent, so re-nudging all of them is safe.
func (j *Jobs) RunRetryMatch(ctx context.Context) Summary {
	j.logger.Info("starting match retry job")
	metrics.SchedulerRunsTotal.WithLabelValues("retry_match").Inc()

	cutoff := time.Now().UTC().Add(-j.timeout)
	trades, err := j.lister.ListPendingMatchSince(ctx, cutoff, j.batchSize)
	if err != nil {
		j.logger.Error("failed to list pending trades", "error", err)
		metrics.SchedulerErrorsTotal.WithLabelValues("retry_match").Inc()
		return Summary{Errors: 1}
	}

	var sum Summary
	for _, t := range trades {
		if err := j.worker.Invoke(ctx, t.ID); err != nil {
			j.logger.Warn("match worker re-invocation failed", "trade_id", t.ID, "error", err)
			metrics.SchedulerErrorsTotal.WithLabelValues("retry_match").Inc()
			sum.Errors++
			continue
		}
		sum.Processed++
	}

	j.logger.Info("match retry job finished", "invoked", sum.Processed, "errors", sum.Errors)
	return sum
}
