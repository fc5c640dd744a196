package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/shiftpool/trade-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All amounts are BIGINT minor units; rates are NUMERIC.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const tradeColumns = `id, borrower_id, COALESCE(obligation_id, ''), principal, fee,
       due_date, new_due_date, shift_days, risk_grade, status,
       created_at, matched_at, live_at`

func scanTrade(row pgx.Row) (*model.Trade, error) {
	var t model.Trade
	err := row.Scan(&t.ID, &t.BorrowerID, &t.ObligationID, &t.Principal, &t.Fee,
		&t.DueDate, &t.NewDueDate, &t.ShiftDays, &t.RiskGrade, &t.Status,
		&t.CreatedAt, &t.MatchedAt, &t.LiveAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) CreateTrade(ctx context.Context, t *model.Trade) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trades (id, borrower_id, obligation_id, principal, fee,
		        due_date, new_due_date, shift_days, risk_grade, status, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.BorrowerID, t.ObligationID, t.Principal, t.Fee,
		t.DueDate, t.NewDueDate, t.ShiftDays, t.RiskGrade, t.Status, t.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	t, err := scanTrade(s.pool.QueryRow(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTradeNotFound
		}
		return nil, fmt.Errorf("get trade %s: %w", id, err)
	}
	return t, nil
}

// TransitionTrade is the sole concurrency primitive for trade state:
// a conditional update whose affected-row count decides the winner.
func (s *PostgresStore) TransitionTrade(ctx context.Context, id string, from, to model.TradeStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trades
		 SET status = $3,
		     matched_at = CASE WHEN $3 = 'MATCHED' THEN NOW() ELSE matched_at END,
		     live_at    = CASE WHEN $3 = 'LIVE'    THEN NOW() ELSE live_at    END
		 WHERE id = $1 AND status = $2`,
		id, from, to,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPreconditionFailed
	}
	return nil
}

func (s *PostgresStore) ListPendingMatchBefore(ctx context.Context, cutoff time.Time, limit int) ([]model.Trade, error) {
	return s.listPending(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE status = 'PENDING_MATCH' AND created_at < $1
		 ORDER BY created_at LIMIT $2`, cutoff, limit)
}

func (s *PostgresStore) ListPendingMatchSince(ctx context.Context, cutoff time.Time, limit int) ([]model.Trade, error) {
	return s.listPending(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE status = 'PENDING_MATCH' AND created_at >= $1
		 ORDER BY created_at LIMIT $2`, cutoff, limit)
}

func (s *PostgresStore) listPending(ctx context.Context, query string, cutoff time.Time, limit int) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) InsertAllocation(ctx context.Context, a *model.Allocation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO allocations (id, trade_id, lender_id, amount, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.TradeID, a.LenderID, a.Amount, a.Status, a.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetAllocationsByTrade(ctx context.Context, tradeID string) ([]model.Allocation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, trade_id, lender_id, amount, status, created_at
		 FROM allocations WHERE trade_id = $1 ORDER BY created_at, id`, tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var allocs []model.Allocation
	for rows.Next() {
		var a model.Allocation
		if err := rows.Scan(&a.ID, &a.TradeID, &a.LenderID, &a.Amount, &a.Status, &a.CreatedAt); err != nil {
			return nil, err
		}
		allocs = append(allocs, a)
	}
	return allocs, rows.Err()
}

func (s *PostgresStore) TransitionAllocation(ctx context.Context, id string, from, to model.AllocationStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE allocations SET status = $3 WHERE id = $1 AND status = $2`,
		id, from, to,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPreconditionFailed
	}
	return nil
}

func (s *PostgresStore) ReservedTotal(ctx context.Context, tradeID string) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM allocations
		 WHERE trade_id = $1 AND status IN ('RESERVED', 'REPAID')`, tradeID).
		Scan(&total)
	return total, err
}

func (s *PostgresStore) LenderReservedByGrade(ctx context.Context, lenderID string) (map[model.RiskGrade]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT t.risk_grade, COALESCE(SUM(a.amount), 0)
		 FROM allocations a
		 JOIN trades t ON t.id = a.trade_id
		 WHERE a.lender_id = $1 AND a.status = 'RESERVED'
		 GROUP BY t.risk_grade`, lenderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[model.RiskGrade]int64)
	for rows.Next() {
		var grade model.RiskGrade
		var sum int64
		if err := rows.Scan(&grade, &sum); err != nil {
			return nil, err
		}
		out[grade] = sum
	}
	return out, rows.Err()
}

// ApplyLedgerEntry runs the read, mutation, and entry insert in one
// transaction. The SELECT ... FOR UPDATE on the pot row serializes
// concurrent calls per lender; calls for different lenders do not block
// each other. Idempotency rides the unique index on idempotency_key:
// a 23505 on insert means the entry was already applied, so the
// transaction rolls back and current balances are returned as success.
func (s *PostgresStore) ApplyLedgerEntry(ctx context.Context, req LedgerRequest) (model.PotBalances, error) {
	if req.Amount <= 0 {
		return model.PotBalances{}, ErrInvalidAmount
	}
	if (req.Type == model.EntryReserve || req.Type == model.EntryRelease) && req.AllocationID == "" {
		return model.PotBalances{}, ErrAllocationRefRequired
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.PotBalances{}, err
	}
	defer tx.Rollback(ctx)

	pot, err := s.lockPot(ctx, tx, req.LenderID, req.Type == model.EntryDeposit)
	if err != nil {
		return model.PotBalances{}, err
	}

	// The entry insert runs before the balance rules: a replayed key
	// must be recognized as already applied even though the first
	// application moved the very balances it would now be checked
	// against.
	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_entries
		   (id, lender_id, entry_type, amount, trade_id, allocation_id, idempotency_key, description, created_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8, NOW())`,
		uuid.New().String(), req.LenderID, req.Type, req.Amount,
		req.TradeID, req.AllocationID, req.IdempotencyKey, req.Description,
	)
	if err != nil {
		if isUniqueViolation(err) {
			// Already applied. Discard this attempt and report the
			// committed state.
			_ = tx.Rollback(ctx)
			current, getErr := s.GetPot(ctx, req.LenderID)
			if getErr != nil {
				return model.PotBalances{}, getErr
			}
			return model.PotBalances{Available: current.Available, Locked: current.Locked}, nil
		}
		return model.PotBalances{}, err
	}

	if err := applyDelta(pot, req.Type, req.Amount); err != nil {
		return model.PotBalances{}, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE lending_pots
		 SET available = $2, locked = $3, total_deployed = $4, realized_yield = $5, updated_at = NOW()
		 WHERE lender_id = $1`,
		pot.LenderID, pot.Available, pot.Locked, pot.TotalDeployed, pot.RealizedYield,
	)
	if err != nil {
		return model.PotBalances{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.PotBalances{}, err
	}
	return model.PotBalances{Available: pot.Available, Locked: pot.Locked}, nil
}

// lockPot reads the pot row under FOR UPDATE, creating it first when a
// deposit targets an unknown lender.
func (s *PostgresStore) lockPot(ctx context.Context, tx pgx.Tx, lenderID string, createIfMissing bool) (*model.LendingPot, error) {
	if createIfMissing {
		_, err := tx.Exec(ctx,
			`INSERT INTO lending_pots (lender_id, available, locked, total_deployed, realized_yield, updated_at)
			 VALUES ($1, 0, 0, 0, 0, NOW())
			 ON CONFLICT (lender_id) DO NOTHING`, lenderID)
		if err != nil {
			return nil, err
		}
	}

	var pot model.LendingPot
	err := tx.QueryRow(ctx,
		`SELECT lender_id, available, locked, total_deployed, realized_yield, updated_at
		 FROM lending_pots WHERE lender_id = $1 FOR UPDATE`, lenderID).
		Scan(&pot.LenderID, &pot.Available, &pot.Locked, &pot.TotalDeployed, &pot.RealizedYield, &pot.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPotNotFound
		}
		return nil, err
	}
	return &pot, nil
}

func (s *PostgresStore) GetPot(ctx context.Context, lenderID string) (*model.LendingPot, error) {
	var pot model.LendingPot
	err := s.pool.QueryRow(ctx,
		`SELECT lender_id, available, locked, total_deployed, realized_yield, updated_at
		 FROM lending_pots WHERE lender_id = $1`, lenderID).
		Scan(&pot.LenderID, &pot.Available, &pot.Locked, &pot.TotalDeployed, &pot.RealizedYield, &pot.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPotNotFound
		}
		return nil, err
	}
	return &pot, nil
}

func (s *PostgresStore) GetLedgerEntries(ctx context.Context, lenderID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, lender_id, entry_type, amount,
		        COALESCE(trade_id, ''), COALESCE(allocation_id, ''),
		        idempotency_key, description, created_at
		 FROM ledger_entries WHERE lender_id = $1 ORDER BY created_at, id`, lenderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		if err := rows.Scan(&e.ID, &e.LenderID, &e.Type, &e.Amount,
			&e.TradeID, &e.AllocationID, &e.IdempotencyKey, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) UpsertMarketSnapshot(ctx context.Context, snap *model.MarketSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO market_snapshots
		   (risk_grade, best_bid_apr, avg_bid_apr, demand_count, demand_volume,
		    supply_count, supply_volume, liquidity_ratio, captured_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, $5, $6, $7, $8::NUMERIC, $9)
		 ON CONFLICT (risk_grade) DO UPDATE SET
		   best_bid_apr = EXCLUDED.best_bid_apr,
		   avg_bid_apr = EXCLUDED.avg_bid_apr,
		   demand_count = EXCLUDED.demand_count,
		   demand_volume = EXCLUDED.demand_volume,
		   supply_count = EXCLUDED.supply_count,
		   supply_volume = EXCLUDED.supply_volume,
		   liquidity_ratio = EXCLUDED.liquidity_ratio,
		   captured_at = EXCLUDED.captured_at`,
		snap.RiskGrade, snap.BestBidAPR.String(), snap.AvgBidAPR.String(),
		snap.DemandCount, snap.DemandVolume, snap.SupplyCount, snap.SupplyVolume,
		snap.LiquidityRatio.String(), snap.CapturedAt,
	)
	return err
}

func (s *PostgresStore) GetMarketSnapshot(ctx context.Context, grade model.RiskGrade) (*model.MarketSnapshot, error) {
	var snap model.MarketSnapshot
	var best, avg, ratio string
	err := s.pool.QueryRow(ctx,
		`SELECT risk_grade, best_bid_apr::TEXT, avg_bid_apr::TEXT, demand_count, demand_volume,
		        supply_count, supply_volume, liquidity_ratio::TEXT, captured_at
		 FROM market_snapshots WHERE risk_grade = $1`, grade).
		Scan(&snap.RiskGrade, &best, &avg,
			&snap.DemandCount, &snap.DemandVolume, &snap.SupplyCount, &snap.SupplyVolume,
			&ratio, &snap.CapturedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSnapshotNotFound
		}
		return nil, err
	}
	if snap.BestBidAPR, err = decimal.NewFromString(best); err != nil {
		return nil, fmt.Errorf("parse best_bid_apr: %w", err)
	}
	if snap.AvgBidAPR, err = decimal.NewFromString(avg); err != nil {
		return nil, fmt.Errorf("parse avg_bid_apr: %w", err)
	}
	if snap.LiquidityRatio, err = decimal.NewFromString(ratio); err != nil {
		return nil, fmt.Errorf("parse liquidity_ratio: %w", err)
	}
	return &snap, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
