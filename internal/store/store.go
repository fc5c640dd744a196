// Package store defines the persistence interface for the trade engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for pots and market snapshots), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shiftpool/trade-engine/internal/model"
)

var (
	// ErrInvalidAmount is returned for non-positive ledger amounts.
	ErrInvalidAmount = errors.New("store: amount must be positive")

	// ErrInsufficientFunds is returned when a mutation would drive a
	// pot balance below zero.
	ErrInsufficientFunds = errors.New("store: insufficient funds")

	// ErrPreconditionFailed is returned when a status-guarded update
	// matched zero rows. It signals a lost race, not a bug.
	ErrPreconditionFailed = errors.New("store: precondition failed")

	// ErrAllocationRefRequired is returned for RESERVE/RELEASE entries
	// without an allocation reference.
	ErrAllocationRefRequired = errors.New("store: allocation reference required")

	ErrTradeNotFound      = errors.New("store: trade not found")
	ErrAllocationNotFound = errors.New("store: allocation not found")
	ErrPotNotFound        = errors.New("store: lending pot not found")
	ErrSnapshotNotFound   = errors.New("store: market snapshot not found")
)

// LedgerRequest carries one atomic balance mutation. The idempotency key
// makes a retried request a no-op success.
type LedgerRequest struct {
	LenderID       string
	Type           model.EntryType
	Amount         int64
	TradeID        string
	AllocationID   string
	IdempotencyKey string
	Description    string
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Trades ---

	// CreateTrade persists a new trade in DRAFT.
	CreateTrade(ctx context.Context, t *model.Trade) error

	// GetTrade retrieves a trade by its ID.
	GetTrade(ctx context.Context, id string) (*model.Trade, error)

	// TransitionTrade flips a trade's status only if the current status
	// equals from. Zero rows affected yields ErrPreconditionFailed.
	// MATCHED and LIVE transitions stamp matched_at/live_at.
	TransitionTrade(ctx context.Context, id string, from, to model.TradeStatus) error

	// ListPendingMatchBefore returns up to limit PENDING_MATCH trades
	// created before cutoff, oldest first.
	ListPendingMatchBefore(ctx context.Context, cutoff time.Time, limit int) ([]model.Trade, error)

	// ListPendingMatchSince returns up to limit PENDING_MATCH trades
	// created at or after cutoff, oldest first.
	ListPendingMatchSince(ctx context.Context, cutoff time.Time, limit int) ([]model.Trade, error)

	// --- Allocations ---

	// InsertAllocation persists a new RESERVED allocation.
	InsertAllocation(ctx context.Context, a *model.Allocation) error

	// GetAllocationsByTrade returns a trade's allocations in creation order.
	GetAllocationsByTrade(ctx context.Context, tradeID string) ([]model.Allocation, error)

	// TransitionAllocation flips an allocation's status guarded on from.
	TransitionAllocation(ctx context.Context, id string, from, to model.AllocationStatus) error

	// ReservedTotal sums RESERVED and REPAID slices for a trade.
	ReservedTotal(ctx context.Context, tradeID string) (int64, error)

	// LenderReservedByGrade sums a lender's RESERVED slices per risk grade.
	LenderReservedByGrade(ctx context.Context, lenderID string) (map[model.RiskGrade]int64, error)

	// --- Ledger ---

	// ApplyLedgerEntry performs the balance read, balance mutation, and
	// entry insert as one atomic unit serialized per lender. A duplicate
	// idempotency key is a no-op success returning current balances.
	ApplyLedgerEntry(ctx context.Context, req LedgerRequest) (model.PotBalances, error)

	// GetPot retrieves a lender's capital account.
	GetPot(ctx context.Context, lenderID string) (*model.LendingPot, error)

	// GetLedgerEntries returns a lender's entries in append order.
	GetLedgerEntries(ctx context.Context, lenderID string) ([]model.LedgerEntry, error)

	// --- Market snapshots ---

	// UpsertMarketSnapshot replaces the snapshot for a grade.
	UpsertMarketSnapshot(ctx context.Context, s *model.MarketSnapshot) error

	// GetMarketSnapshot returns the latest snapshot for a grade.
	GetMarketSnapshot(ctx context.Context, grade model.RiskGrade) (*model.MarketSnapshot, error)
}

// Replay folds a lender's committed ledger entries into the balances they
// imply. With the balance rules being pure functions of (type, amount),
// the result must equal the stored pot exactly; a mismatch means the
// ledger and the pot have diverged.
func Replay(entries []model.LedgerEntry) model.LendingPot {
	var pot model.LendingPot
	for _, e := range entries {
		// Entries were validated when applied, so the delta cannot fail.
		_ = applyDelta(&pot, e.Type, e.Amount)
	}
	return pot
}
