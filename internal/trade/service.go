// Package trade owns the trade lifecycle: creation, submission for
// matching, cancellation and expiry, and the settlement transitions
// driven by the Matching Worker and settlement processing.
//
// There are no locks here. Every transition is a status-guarded
// conditional update; losing the race yields store.ErrPreconditionFailed,
// which is a normal outcome for concurrent triggers, not a bug.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shiftpool/trade-engine/internal/alloc"
	"github.com/shiftpool/trade-engine/internal/audit"
	"github.com/shiftpool/trade-engine/internal/metrics"
	"github.com/shiftpool/trade-engine/internal/model"
	"github.com/shiftpool/trade-engine/internal/store"
)

var (
	// ErrInvalidInput is returned for malformed amounts, dates, or grades.
	// Rejected before any mutation.
	ErrInvalidInput = errors.New("trade: invalid input")

	// ErrUnderAllocated is returned when a match is recorded before the
	// reserved slices cover the full principal.
	ErrUnderAllocated = errors.New("trade: reserved capital does not cover principal")
)

// MatchInvoker triggers the external Matching Worker for a trade.
type MatchInvoker interface {
	Invoke(ctx context.Context, tradeID string) error
}

// Service is the trade state machine. It calls the Allocation Manager as
// a side effect of transitions and emits one audit event per committed
// mutation.
type Service struct {
	store  store.Store
	alloc  *alloc.Manager
	worker MatchInvoker
	audit  audit.Publisher
}

// NewService creates a new trade service.
func NewService(st store.Store, am *alloc.Manager, worker MatchInvoker, pub audit.Publisher) *Service {
	return &Service{
		store:  st,
		alloc:  am,
		worker: worker,
		audit:  pub,
	}
}

// Create validates and persists a new DRAFT trade.
func (s *Service) Create(ctx context.Context, t *model.Trade) (*model.Trade, error) {
	if t.Principal <= 0 {
		return nil, fmt.Errorf("%w: principal must be positive", ErrInvalidInput)
	}
	if t.Fee < 0 {
		return nil, fmt.Errorf("%w: fee must not be negative", ErrInvalidInput)
	}
	if !t.NewDueDate.After(t.DueDate) {
		return nil, fmt.Errorf("%w: new due date must be after original due date", ErrInvalidInput)
	}
	if !t.RiskGrade.Valid() {
		return nil, fmt.Errorf("%w: unknown risk grade %q", ErrInvalidInput, t.RiskGrade)
	}
	if t.BorrowerID == "" {
		return nil, fmt.Errorf("%w: borrower id is required", ErrInvalidInput)
	}

	t.ID = uuid.New().String()
	t.ShiftDays = int(t.NewDueDate.Sub(t.DueDate).Hours() / 24)
	t.Status = model.TradeDraft
	t.CreatedAt = time.Now().UTC()

	if err := s.store.CreateTrade(ctx, t); err != nil {
		return nil, err
	}

	slog.Info("trade created",
		"trade_id", t.ID,
		"borrower", t.BorrowerID,
		"principal", t.Principal,
		"fee", t.Fee,
		"shift_days", t.ShiftDays,
		"grade", t.RiskGrade,
	)
	return t, nil
}

// Get returns a trade by ID.
func (s *Service) Get(ctx context.Context, id string) (*model.Trade, error) {
	return s.store.GetTrade(ctx, id)
}

// Submit moves a DRAFT trade into PENDING_MATCH and signals the Matching
// Worker. The guard makes a concurrent double-submit lose cleanly: the
// second caller observes ErrPreconditionFailed.
//
// The worker signal is best-effort: a failure leaves the trade in
// PENDING_MATCH for the retry scheduler to re-invoke.
func (s *Service) Submit(ctx context.Context, id string) (*model.Trade, error) {
	if err := s.transition(ctx, id, model.TradeDraft, model.TradePendingMatch); err != nil {
		return nil, err
	}
	s.emit(ctx, "trade.submitted", id, "borrower", nil)

	if err := s.worker.Invoke(ctx, id); err != nil {
		slog.Warn("match worker invocation failed, retry scheduler will re-attempt",
			"trade_id", id, "err", err)
	}

	return s.store.GetTrade(ctx, id)
}

// Cancel cancels a DRAFT or PENDING_MATCH trade. Every RESERVED
// allocation is released before the status flips; if any release fails
// the trade is left unchanged and the error surfaces. A CANCELLED trade
// never has capital reserved against it.
func (s *Service) Cancel(ctx context.Context, id, actor string) error {
	t, err := s.store.GetTrade(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != model.TradeDraft && t.Status != model.TradePendingMatch {
		return store.ErrPreconditionFailed
	}

	released, errs := s.alloc.ReleaseTradeAllocations(ctx, id, "cancel")
	if len(errs) > 0 {
		return fmt.Errorf("cancel trade %s: release incomplete: %w", id, errors.Join(errs...))
	}

	if err := s.transition(ctx, id, t.Status, model.TradeCancelled); err != nil {
		return err
	}

	s.emit(ctx, "trade.cancelled", id, actor, map[string]any{
		"released_allocations": released,
	})
	return nil
}

// Expire is the system-only cancel variant used by the expiry scheduler:
// same release-then-transition ordering, same guard, restricted to
// PENDING_MATCH.
func (s *Service) Expire(ctx context.Context, id string) error {
	released, errs := s.alloc.ReleaseTradeAllocations(ctx, id, "expire")
	if len(errs) > 0 {
		return fmt.Errorf("expire trade %s: release incomplete: %w", id, errors.Join(errs...))
	}

	if err := s.transition(ctx, id, model.TradePendingMatch, model.TradeCancelled); err != nil {
		return err
	}

	s.emit(ctx, "trade.expired", id, "system", map[string]any{
		"reason":               "expired",
		"released_allocations": released,
	})
	return nil
}

// RecordMatch marks a PENDING_MATCH trade as MATCHED once its reserved
// slices cover the full principal. Driven by the Matching Worker.
func (s *Service) RecordMatch(ctx context.Context, id string) error {
	t, err := s.store.GetTrade(ctx, id)
	if err != nil {
		return err
	}

	reserved, err := s.store.ReservedTotal(ctx, id)
	if err != nil {
		return err
	}
	if reserved < t.Principal {
		return fmt.Errorf("%w: reserved %d of %d", ErrUnderAllocated, reserved, t.Principal)
	}

	if err := s.transition(ctx, id, model.TradePendingMatch, model.TradeMatched); err != nil {
		return err
	}
	s.emit(ctx, "trade.matched", id, "worker", map[string]any{"reserved": reserved})
	return nil
}

// RecordLive marks a MATCHED trade as LIVE (the obligation has been paid
// out on the borrower's behalf).
func (s *Service) RecordLive(ctx context.Context, id string) error {
	if err := s.transition(ctx, id, model.TradeMatched, model.TradeLive); err != nil {
		return err
	}
	s.emit(ctx, "trade.live", id, "settlement", nil)
	return nil
}

// RecordRepayment settles a LIVE trade as REPAID: lender slices are
// unlocked, fee income is credited pro rata, then the trade transitions.
// Settlement errors leave the trade LIVE.
func (s *Service) RecordRepayment(ctx context.Context, id string) error {
	t, err := s.store.GetTrade(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != model.TradeLive {
		return store.ErrPreconditionFailed
	}

	settled, errs := s.alloc.RepayTradeAllocations(ctx, t)
	if len(errs) > 0 {
		return fmt.Errorf("repay trade %s: settlement incomplete: %w", id, errors.Join(errs...))
	}

	if err := s.transition(ctx, id, model.TradeLive, model.TradeRepaid); err != nil {
		return err
	}
	s.emit(ctx, "trade.repaid", id, "settlement", map[string]any{
		"settled_allocations": settled,
	})
	return nil
}

// RecordDefault settles a LIVE trade as DEFAULTED, writing off the
// reserved lender capital.
func (s *Service) RecordDefault(ctx context.Context, id string) error {
	t, err := s.store.GetTrade(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != model.TradeLive {
		return store.ErrPreconditionFailed
	}

	settled, errs := s.alloc.WriteOffTradeAllocations(ctx, t)
	if len(errs) > 0 {
		return fmt.Errorf("default trade %s: write-off incomplete: %w", id, errors.Join(errs...))
	}

	if err := s.transition(ctx, id, model.TradeLive, model.TradeDefaulted); err != nil {
		return err
	}
	s.emit(ctx, "trade.defaulted", id, "settlement", map[string]any{
		"written_off_allocations": settled,
	})
	return nil
}

// ReserveAllocation reserves lender capital against a trade on behalf of
// the Matching Worker.
func (s *Service) ReserveAllocation(ctx context.Context, tradeID, lenderID string, amount int64) (*model.Allocation, error) {
	t, err := s.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}

	a, err := s.alloc.Reserve(ctx, t, lenderID, amount)
	if err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) {
			metrics.InsufficientFundsTotal.Inc()
		}
		return nil, err
	}

	s.emit(ctx, "allocation.reserved", a.ID, "worker", map[string]any{
		"trade_id": tradeID,
		"lender":   lenderID,
		"amount":   amount,
	})
	return a, nil
}

// transition wraps the store's guarded update with metrics and logging.
func (s *Service) transition(ctx context.Context, id string, from, to model.TradeStatus) error {
	err := s.store.TransitionTrade(ctx, id, from, to)
	if err != nil {
		if errors.Is(err, store.ErrPreconditionFailed) {
			metrics.PreconditionFailuresTotal.Inc()
		}
		return err
	}

	metrics.TradeTransitionsTotal.WithLabelValues(string(to)).Inc()
	slog.Info("trade transition", "trade_id", id, "from", from, "to", to)
	return nil
}

// emit publishes an audit event after a durably committed mutation.
// Fire-and-forget: a publish failure is logged, never propagated.
func (s *Service) emit(ctx context.Context, evType, entityID, actor string, payload map[string]any) {
	ev := audit.Event{
		Type:      evType,
		EntityID:  entityID,
		Actor:     actor,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	if err := s.audit.Publish(ctx, ev); err != nil {
		slog.Error("audit publish failed", "type", evType, "entity_id", entityID, "err", err)
	}
}
