// Package exposure enforces per-lender concentration limits on reserved
// capital.
//
// A lender funding twenty C-grade trades carries correlated default risk.
// This package caps the RESERVED total per risk grade and in aggregate,
// checked before any RESERVE ledger entry is written.
package exposure

import (
	"errors"

	"github.com/shiftpool/trade-engine/internal/model"
)

var (
	// ErrGradeLimitExceeded is returned when a reservation would push a
	// lender's reserved total in one risk grade beyond the per-grade cap.
	ErrGradeLimitExceeded = errors.New("exposure: per-grade reserved limit exceeded")

	// ErrAggregateLimitExceeded is returned when a reservation would push
	// the lender's reserved total across all grades beyond the aggregate cap.
	ErrAggregateLimitExceeded = errors.New("exposure: aggregate reserved limit exceeded")
)

// Limiter enforces reserved-capital limits per lender. Amounts are minor
// currency units. A zero cap disables that check.
type Limiter struct {
	// MaxPerGrade is the maximum reserved total in any single risk grade.
	MaxPerGrade int64

	// MaxAggregate is the maximum reserved total across all grades.
	MaxAggregate int64
}

// NewLimiter creates a limiter with the given per-grade and aggregate caps.
func NewLimiter(maxPerGrade, maxAggregate int64) *Limiter {
	return &Limiter{
		MaxPerGrade:  maxPerGrade,
		MaxAggregate: maxAggregate,
	}
}

// CheckReserve validates whether reserving amount against a trade of the
// given grade respects the lender's limits.
//
// existing maps risk grade → the lender's current RESERVED total.
// Returns nil if within limits, or an error describing the violation.
func (l *Limiter) CheckReserve(grade model.RiskGrade, amount int64, existing map[model.RiskGrade]int64) error {
	inGrade := existing[grade] + amount
	if l.MaxPerGrade > 0 && inGrade > l.MaxPerGrade {
		return ErrGradeLimitExceeded
	}

	total := amount
	for _, reserved := range existing {
		total += reserved
	}
	if l.MaxAggregate > 0 && total > l.MaxAggregate {
		return ErrAggregateLimitExceeded
	}

	return nil
}
