// Package estimator computes the likelihood that a proposed trade will
// attract enough lender capital to match, as an integer percentage.
//
// The estimate combines the fee's implied annualized rate, its
// competitiveness against the grade's current bid APRs, and lender-side
// liquidity. It is a pure function: no I/O, no mutation, identical inputs
// always yield identical output.
//
// Rates use shopspring/decimal; the scoring curve itself runs on float64
// and the result is rounded once at the end.
package estimator

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"

	"github.com/shiftpool/trade-engine/internal/model"
)

var (
	// ErrInvalidPrincipal is returned when principal is not positive.
	ErrInvalidPrincipal = errors.New("estimator: principal must be positive")

	// ErrNegativeFee is returned when the fee is negative.
	ErrNegativeFee = errors.New("estimator: fee must not be negative")

	// ErrInvalidShift is returned when the shift length is not positive.
	ErrInvalidShift = errors.New("estimator: shift days must be positive")

	// ErrInvalidGrade is returned for an unknown risk grade.
	ErrInvalidGrade = errors.New("estimator: unknown risk grade")
)

const (
	// MinProbability is the probability floor.
	MinProbability = 5

	// MaxProbability is the probability ceiling.
	MaxProbability = 99

	// feeCapFraction is the fee-to-principal ratio treated as a fully
	// competitive bid when no market data exists.
	feeCapFraction = 0.05
)

// Estimate is the result of one probability query.
type Estimate struct {
	Probability int             `json:"probability"` // MinProbability..MaxProbability
	ImpliedAPR  decimal.Decimal `json:"implied_apr"` // percent, two decimal places
}

// EstimateProbability scores a proposed fee against the grade's market
// snapshot. A nil snapshot means no market data for the grade; the
// estimate then falls back to a fee-size heuristic.
func EstimateProbability(feeAmount, principal int64, shiftDays int, grade model.RiskGrade, snap *model.MarketSnapshot) (Estimate, error) {
	if principal <= 0 {
		return Estimate{}, ErrInvalidPrincipal
	}
	if feeAmount < 0 {
		return Estimate{}, ErrNegativeFee
	}
	if shiftDays <= 0 {
		return Estimate{}, ErrInvalidShift
	}
	if !grade.Valid() {
		return Estimate{}, ErrInvalidGrade
	}

	impliedAPR := ImpliedAPR(feeAmount, principal, shiftDays)

	// A free shift attracts no capital; pin to the floor.
	if feeAmount == 0 {
		return Estimate{Probability: MinProbability, ImpliedAPR: impliedAPR}, nil
	}

	score := competitiveness(impliedAPR.InexactFloat64(), feeAmount, principal, snap)
	if snap != nil {
		score += liquidityNudge(snap)
		score += depthNudge(snap)
	}

	if score < MinProbability {
		score = MinProbability
	}
	if score > MaxProbability {
		score = MaxProbability
	}

	return Estimate{
		Probability: int(math.Round(score)),
		ImpliedAPR:  impliedAPR,
	}, nil
}

// ImpliedAPR annualizes the fee as a percentage of principal:
//
//	apr = (fee / principal) × (365 / shiftDays) × 100
func ImpliedAPR(feeAmount, principal int64, shiftDays int) decimal.Decimal {
	return decimal.NewFromInt(feeAmount).
		Div(decimal.NewFromInt(principal)).
		Mul(decimal.NewFromInt(365)).
		Div(decimal.NewFromInt(int64(shiftDays))).
		Mul(decimal.NewFromInt(100)).
		Round(2)
}

// competitiveness scores the fee against the grade's bid APRs on a 5..95
// scale before liquidity adjustments.
func competitiveness(apr float64, feeAmount, principal int64, snap *model.MarketSnapshot) float64 {
	if snap == nil {
		// No market data: score the fee against a 5%-of-principal cap
		// on a sub-linear curve so small fees still register.
		feeCap := feeCapFraction * float64(principal)
		frac := float64(feeAmount) / feeCap
		if frac > 1 {
			frac = 1
		}
		return 15 + (92-15)*math.Pow(frac, 0.7)
	}

	best := snap.BestBidAPR.InexactFloat64()
	avg := snap.AvgBidAPR.InexactFloat64()

	switch {
	case best > 0 && apr >= best:
		// At or above the best bid: 85..95 by how far above.
		over := (apr - best) / best
		if over > 1 {
			over = 1
		}
		return 85 + 10*over
	case avg > 0 && best > avg && apr >= avg:
		// Between average and best: linear 55..85.
		return 55 + 30*(apr-avg)/(best-avg)
	case avg > 0 && apr < avg:
		// Below average: proportional down to the floor.
		score := 55 * apr / avg
		if score < MinProbability {
			return MinProbability
		}
		return score
	default:
		// Snapshot exists but carries no bid signal.
		return 50
	}
}

// liquidityNudge shifts the score by up to ±15 based on the supply/demand
// ratio, capped at 2.0 and centered at 1.0.
func liquidityNudge(snap *model.MarketSnapshot) float64 {
	ratio := snap.LiquidityRatio.InexactFloat64()
	if ratio > 2 {
		ratio = 2
	}
	if ratio < 0 {
		ratio = 0
	}
	return (ratio - 1) * 15
}

// depthNudge shifts the score by up to ±5 based on how many eligible
// lenders are present, capped at 20 for a 10-point total swing.
func depthNudge(snap *model.MarketSnapshot) float64 {
	count := snap.SupplyCount
	if count > 20 {
		count = 20
	}
	if count < 0 {
		count = 0
	}
	return float64(count)/20*10 - 5
}
