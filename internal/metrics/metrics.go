// Package metrics provides Prometheus instrumentation for the trade engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradeTransitionsTotal counts committed trade transitions by target status.
	TradeTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shiftpool_trade_transitions_total",
		Help: "Committed trade status transitions",
	}, []string{"to"})

	// LedgerEntriesTotal counts applied ledger entries by type.
	LedgerEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shiftpool_ledger_entries_total",
		Help: "Applied ledger entries",
	}, []string{"type"})

	// InsufficientFundsTotal counts reservations rejected for lack of capital.
	InsufficientFundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shiftpool_insufficient_funds_total",
		Help: "Ledger mutations rejected by the non-negative balance invariant",
	})

	// PreconditionFailuresTotal counts status-guarded updates that lost a race.
	PreconditionFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shiftpool_precondition_failures_total",
		Help: "Status-guarded updates that matched zero rows",
	})

	// SchedulerRunsTotal counts scheduler job executions.
	SchedulerRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shiftpool_scheduler_runs_total",
		Help: "Scheduler job executions",
	}, []string{"job"})

	// SchedulerErrorsTotal counts per-trade errors inside scheduler batches.
	SchedulerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shiftpool_scheduler_errors_total",
		Help: "Per-trade errors recorded by scheduler jobs",
	}, []string{"job"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shiftpool_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shiftpool_http_request_duration_seconds",
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

		// Use the chi route pattern for the path label to avoid
		// high cardinality from trade/lender IDs.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
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
