package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shiftpool/trade-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Per-lender serialization degenerates to one mutex; the status-guarded
// semantics match the PostgreSQL implementation exactly.
type MemoryStore struct {
	mu          sync.RWMutex
	trades      map[string]*model.Trade
	allocations map[string]*model.Allocation
	allocOrder  []string // allocation IDs in insertion order
	pots        map[string]*model.LendingPot
	ledger      []model.LedgerEntry
	idemKeys    map[string]bool
	snapshots   map[model.RiskGrade]*model.MarketSnapshot
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades:      make(map[string]*model.Trade),
		allocations: make(map[string]*model.Allocation),
		pots:        make(map[string]*model.LendingPot),
		idemKeys:    make(map[string]bool),
		snapshots:   make(map[model.RiskGrade]*model.MarketSnapshot),
	}
}

// --- Trades ---

func (s *MemoryStore) CreateTrade(_ context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *t
	s.trades[t.ID] = &copy
	return nil
}

func (s *MemoryStore) GetTrade(_ context.Context, id string) (*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, ErrTradeNotFound
	}
	copy := *t
	return &copy, nil
}

func (s *MemoryStore) TransitionTrade(_ context.Context, id string, from, to model.TradeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[id]
	if !ok {
		return ErrTradeNotFound
	}
	if t.Status != from {
		return ErrPreconditionFailed
	}
	t.Status = to
	now := time.Now().UTC()
	switch to {
	case model.TradeMatched:
		t.MatchedAt = &now
	case model.TradeLive:
		t.LiveAt = &now
	}
	return nil
}

func (s *MemoryStore) ListPendingMatchBefore(_ context.Context, cutoff time.Time, limit int) ([]model.Trade, error) {
	return s.listPending(func(t *model.Trade) bool { return t.CreatedAt.Before(cutoff) }, limit)
}

func (s *MemoryStore) ListPendingMatchSince(_ context.Context, cutoff time.Time, limit int) ([]model.Trade, error) {
	return s.listPending(func(t *model.Trade) bool { return !t.CreatedAt.Before(cutoff) }, limit)
}

func (s *MemoryStore) listPending(keep func(*model.Trade) bool, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Trade
	for _, t := range s.trades {
		if t.Status == model.TradePendingMatch && keep(t) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Allocations ---

func (s *MemoryStore) InsertAllocation(_ context.Context, a *model.Allocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *a
	s.allocations[a.ID] = &copy
	s.allocOrder = append(s.allocOrder, a.ID)
	return nil
}

func (s *MemoryStore) GetAllocationsByTrade(_ context.Context, tradeID string) ([]model.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Allocation
	for _, id := range s.allocOrder {
		if a := s.allocations[id]; a.TradeID == tradeID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *MemoryStore) TransitionAllocation(_ context.Context, id string, from, to model.AllocationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.allocations[id]
	if !ok {
		return ErrAllocationNotFound
	}
	if a.Status != from {
		return ErrPreconditionFailed
	}
	a.Status = to
	return nil
}

func (s *MemoryStore) ReservedTotal(_ context.Context, tradeID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, a := range s.allocations {
		if a.TradeID == tradeID &&
			(a.Status == model.AllocationReserved || a.Status == model.AllocationRepaid) {
			total += a.Amount
		}
	}
	return total, nil
}

func (s *MemoryStore) LenderReservedByGrade(_ context.Context, lenderID string) (map[model.RiskGrade]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[model.RiskGrade]int64)
	for _, a := range s.allocations {
		if a.LenderID != lenderID || a.Status != model.AllocationReserved {
			continue
		}
		if t, ok := s.trades[a.TradeID]; ok {
			out[t.RiskGrade] += a.Amount
		}
	}
	return out, nil
}

// --- Ledger ---

func (s *MemoryStore) ApplyLedgerEntry(_ context.Context, req LedgerRequest) (model.PotBalances, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Amount <= 0 {
		return model.PotBalances{}, ErrInvalidAmount
	}
	if (req.Type == model.EntryReserve || req.Type == model.EntryRelease) && req.AllocationID == "" {
		return model.PotBalances{}, ErrAllocationRefRequired
	}

	pot, ok := s.pots[req.LenderID]
	if !ok {
		if req.Type != model.EntryDeposit {
			return model.PotBalances{}, ErrPotNotFound
		}
		pot = &model.LendingPot{LenderID: req.LenderID}
		s.pots[req.LenderID] = pot
	}

	// Duplicate key: no-op success with current balances.
	if s.idemKeys[req.IdempotencyKey] {
		return model.PotBalances{Available: pot.Available, Locked: pot.Locked}, nil
	}

	if err := applyDelta(pot, req.Type, req.Amount); err != nil {
		return model.PotBalances{}, err
	}
	pot.UpdatedAt = time.Now().UTC()

	s.idemKeys[req.IdempotencyKey] = true
	s.ledger = append(s.ledger, model.LedgerEntry{
		ID:             uuid.New().String(),
		LenderID:       req.LenderID,
		Type:           req.Type,
		Amount:         req.Amount,
		TradeID:        req.TradeID,
		AllocationID:   req.AllocationID,
		IdempotencyKey: req.IdempotencyKey,
		Description:    req.Description,
		CreatedAt:      time.Now().UTC(),
	})

	return model.PotBalances{Available: pot.Available, Locked: pot.Locked}, nil
}

// applyDelta mutates a pot for one entry type. Shared semantics for the
// in-memory path; the PostgreSQL path encodes the same rules in SQL.
func applyDelta(pot *model.LendingPot, typ model.EntryType, amount int64) error {
	switch typ {
	case model.EntryDeposit:
		pot.Available += amount
	case model.EntryWithdrawal:
		if pot.Available < amount {
			return ErrInsufficientFunds
		}
		pot.Available -= amount
	case model.EntryReserve:
		if pot.Available < amount {
			return ErrInsufficientFunds
		}
		pot.Available -= amount
		pot.Locked += amount
		pot.TotalDeployed += amount
	case model.EntryRelease:
		if pot.Locked < amount {
			return ErrInsufficientFunds
		}
		pot.Locked -= amount
		pot.Available += amount
	case model.EntryRepaymentCredit:
		pot.Available += amount
		pot.RealizedYield += amount
	case model.EntryDefaultWriteoff:
		if pot.Locked < amount {
			return ErrInsufficientFunds
		}
		pot.Locked -= amount
	default:
		return ErrInvalidAmount
	}
	return nil
}

func (s *MemoryStore) GetPot(_ context.Context, lenderID string) (*model.LendingPot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pot, ok := s.pots[lenderID]
	if !ok {
		return nil, ErrPotNotFound
	}
	copy := *pot
	return &copy, nil
}

func (s *MemoryStore) GetLedgerEntries(_ context.Context, lenderID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.LedgerEntry
	for _, e := range s.ledger {
		if e.LenderID == lenderID {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- Market snapshots ---

func (s *MemoryStore) UpsertMarketSnapshot(_ context.Context, snap *model.MarketSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *snap
	s.snapshots[snap.RiskGrade] = &copy
	return nil
}

func (s *MemoryStore) GetMarketSnapshot(_ context.Context, grade model.RiskGrade) (*model.MarketSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[grade]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	copy := *snap
	return &copy, nil
}
