package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shiftpool/trade-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for lending pots and market snapshots, the two hot read paths
// (estimator queries and lender dashboards). Writes go to the primary
// store and invalidate the cache. Everything touching the trade state
// machine bypasses the cache: stale status reads would defeat the
// guarded-transition model.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write paths (write primary, invalidate) ---

func (s *CachedStore) ApplyLedgerEntry(ctx context.Context, req LedgerRequest) (model.PotBalances, error) {
	balances, err := s.primary.ApplyLedgerEntry(ctx, req)
	if err != nil {
		return balances, err
	}
	s.rdb.Del(ctx, potKey(req.LenderID))
	return balances, nil
}

func (s *CachedStore) UpsertMarketSnapshot(ctx context.Context, snap *model.MarketSnapshot) error {
	if err := s.primary.UpsertMarketSnapshot(ctx, snap); err != nil {
		return err
	}
	s.cacheSnapshot(ctx, snap)
	return nil
}

// --- Read-through ---

func (s *CachedStore) GetPot(ctx context.Context, lenderID string) (*model.LendingPot, error) {
	data, err := s.rdb.Get(ctx, potKey(lenderID)).Bytes()
	if err == nil {
		var pot model.LendingPot
		if json.Unmarshal(data, &pot) == nil {
			return &pot, nil
		}
	}

	pot, err := s.primary.GetPot(ctx, lenderID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(pot); err == nil {
		s.rdb.Set(ctx, potKey(lenderID), data, s.ttl)
	}
	return pot, nil
}

func (s *CachedStore) GetMarketSnapshot(ctx context.Context, grade model.RiskGrade) (*model.MarketSnapshot, error) {
	data, err := s.rdb.Get(ctx, snapshotKey(grade)).Bytes()
	if err == nil {
		var snap model.MarketSnapshot
		if json.Unmarshal(data, &snap) == nil {
			return &snap, nil
		}
	}

	snap, err := s.primary.GetMarketSnapshot(ctx, grade)
	if err != nil {
		return nil, err
	}

	s.cacheSnapshot(ctx, snap)
	return snap, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) CreateTrade(ctx context.Context, t *model.Trade) error {
	return s.primary.CreateTrade(ctx, t)
}

func (s *CachedStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	return s.primary.GetTrade(ctx, id)
}

func (s *CachedStore) TransitionTrade(ctx context.Context, id string, from, to model.TradeStatus) error {
	return s.primary.TransitionTrade(ctx, id, from, to)
}

func (s *CachedStore) ListPendingMatchBefore(ctx context.Context, cutoff time.Time, limit int) ([]model.Trade, error) {
	return s.primary.ListPendingMatchBefore(ctx, cutoff, limit)
}

func (s *CachedStore) ListPendingMatchSince(ctx context.Context, cutoff time.Time, limit int) ([]model.Trade, error) {
	return s.primary.ListPendingMatchSince(ctx, cutoff, limit)
}

func (s *CachedStore) InsertAllocation(ctx context.Context, a *model.Allocation) error {
	return s.primary.InsertAllocation(ctx, a)
}

func (s *CachedStore) GetAllocationsByTrade(ctx context.Context, tradeID string) ([]model.Allocation, error) {
	return s.primary.GetAllocationsByTrade(ctx, tradeID)
}

func (s *CachedStore) TransitionAllocation(ctx context.Context, id string, from, to model.AllocationStatus) error {
	return s.primary.TransitionAllocation(ctx, id, from, to)
}

func (s *CachedStore) ReservedTotal(ctx context.Context, tradeID string) (int64, error) {
	return s.primary.ReservedTotal(ctx, tradeID)
}

func (s *CachedStore) LenderReservedByGrade(ctx context.Context, lenderID string) (map[model.RiskGrade]int64, error) {
	return s.primary.LenderReservedByGrade(ctx, lenderID)
}

func (s *CachedStore) GetLedgerEntries(ctx context.Context, lenderID string) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntries(ctx, lenderID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheSnapshot(ctx context.Context, snap *model.MarketSnapshot) {
	if data, err := json.Marshal(snap); err == nil {
		s.rdb.Set(ctx, snapshotKey(snap.RiskGrade), data, s.ttl)
	}
}

func potKey(lenderID string) string            { return fmt.Sprintf("pot:%s", lenderID) }
func snapshotKey(g model.RiskGrade) string     { return fmt.Sprintf("snapshot:%s", g) }
