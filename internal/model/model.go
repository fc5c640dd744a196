// Package model defines the core domain types shared across the trade engine.
// All monetary amounts are integer minor currency units (int64). Rates and
// ratios use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeStatus is the lifecycle state of a trade.
type TradeStatus string

const (
	TradeDraft        TradeStatus = "DRAFT"
	TradePendingMatch TradeStatus = "PENDING_MATCH"
	TradeMatched      TradeStatus = "MATCHED"
	TradeLive         TradeStatus = "LIVE"
	TradeRepaid       TradeStatus = "REPAID"
	TradeDefaulted    TradeStatus = "DEFAULTED"
	TradeCancelled    TradeStatus = "CANCELLED"
)

// Terminal reports whether no further transition is legal from s.
func (s TradeStatus) Terminal() bool {
	return s == TradeRepaid || s == TradeDefaulted || s == TradeCancelled
}

// AllocationStatus is the state of one lender's reserved slice.
// Transitions are monotonic: RESERVED moves to exactly one of
// RELEASED, REPAID, or DEFAULTED and never back.
type AllocationStatus string

const (
	AllocationReserved  AllocationStatus = "RESERVED"
	AllocationReleased  AllocationStatus = "RELEASED"
	AllocationRepaid    AllocationStatus = "REPAID"
	AllocationDefaulted AllocationStatus = "DEFAULTED"
)

// EntryType is the kind of ledger mutation.
type EntryType string

const (
	EntryDeposit         EntryType = "DEPOSIT"
	EntryWithdrawal      EntryType = "WITHDRAWAL"
	EntryReserve         EntryType = "RESERVE"
	EntryRelease         EntryType = "RELEASE"
	EntryRepaymentCredit EntryType = "REPAYMENT_CREDIT"
	EntryDefaultWriteoff EntryType = "DEFAULT_WRITEOFF"
)

// RiskGrade is the categorical borrower risk tier.
type RiskGrade string

const (
	GradeA RiskGrade = "A"
	GradeB RiskGrade = "B"
	GradeC RiskGrade = "C"
)

// Valid reports whether g is a known grade.
func (g RiskGrade) Valid() bool {
	return g == GradeA || g == GradeB || g == GradeC
}

// Trade is a borrower's request to shift one obligation's due date.
// Mutated only through status-guarded transitions and never deleted;
// terminal trades are retained for audit.
type Trade struct {
	ID           string      `json:"id" db:"id"`
	BorrowerID   string      `json:"borrower_id" db:"borrower_id"`
	ObligationID string      `json:"obligation_id,omitempty" db:"obligation_id"`
	Principal    int64       `json:"principal" db:"principal"`
	Fee          int64       `json:"fee" db:"fee"`
	DueDate      time.Time   `json:"due_date" db:"due_date"`         // calendar date, no time component
	NewDueDate   time.Time   `json:"new_due_date" db:"new_due_date"` // strictly after DueDate
	ShiftDays    int         `json:"shift_days" db:"shift_days"`
	RiskGrade    RiskGrade   `json:"risk_grade" db:"risk_grade"`
	Status       TradeStatus `json:"status" db:"status"`
	CreatedAt    time.Time   `json:"created_at" db:"created_at"`
	MatchedAt    *time.Time  `json:"matched_at,omitempty" db:"matched_at"`
	LiveAt       *time.Time  `json:"live_at,omitempty" db:"live_at"`
}

// Allocation is a reservation of one lender's capital against one trade.
// The RESERVED+REPAID slices for a trade never sum past the principal.
type Allocation struct {
	ID        string           `json:"id" db:"id"`
	TradeID   string           `json:"trade_id" db:"trade_id"`
	LenderID  string           `json:"lender_id" db:"lender_id"`
	Amount    int64            `json:"amount" db:"amount"`
	Status    AllocationStatus `json:"status" db:"status"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
}

// LendingPot is a lender's capital account. Balances change only through
// ApplyLedgerEntry; available and locked are never negative.
type LendingPot struct {
	LenderID      string    `json:"lender_id" db:"lender_id"`
	Available     int64     `json:"available" db:"available"`
	Locked        int64     `json:"locked" db:"locked"`
	TotalDeployed int64     `json:"total_deployed" db:"total_deployed"` // lifetime reserved volume
	RealizedYield int64     `json:"realized_yield" db:"realized_yield"` // lifetime fee income
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// LedgerEntry is an immutable audit record of one balance mutation.
// Append-only; the idempotency key is globally unique.
type LedgerEntry struct {
	ID             string    `json:"id" db:"id"`
	LenderID       string    `json:"lender_id" db:"lender_id"`
	Type           EntryType `json:"type" db:"entry_type"`
	Amount         int64     `json:"amount" db:"amount"`
	TradeID        string    `json:"trade_id,omitempty" db:"trade_id"`
	AllocationID   string    `json:"allocation_id,omitempty" db:"allocation_id"`
	IdempotencyKey string    `json:"idempotency_key" db:"idempotency_key"`
	Description    string    `json:"description" db:"description"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// PotBalances is the balance pair returned from a ledger mutation.
type PotBalances struct {
	Available int64 `json:"available"`
	Locked    int64 `json:"locked"`
}

// MarketSnapshot holds aggregated per-grade bid statistics produced by an
// external aggregation job. Read-only input to the estimator.
type MarketSnapshot struct {
	RiskGrade      RiskGrade       `json:"risk_grade" db:"risk_grade"`
	BestBidAPR     decimal.Decimal `json:"best_bid_apr" db:"best_bid_apr"`
	AvgBidAPR      decimal.Decimal `json:"avg_bid_apr" db:"avg_bid_apr"`
	DemandCount    int             `json:"demand_count" db:"demand_count"`
	DemandVolume   int64           `json:"demand_volume" db:"demand_volume"`
	SupplyCount    int             `json:"supply_count" db:"supply_count"` // eligible lenders
	SupplyVolume   int64           `json:"supply_volume" db:"supply_volume"`
	LiquidityRatio decimal.Decimal `json:"liquidity_ratio" db:"liquidity_ratio"` // supply / demand
	CapturedAt     time.Time       `json:"captured_at" db:"captured_at"`
}
