// Package alloc manages per-trade slices of lender capital: reserving
// against lending pots, releasing on cancellation or expiry, and settling
// on repayment or default.
//
// Every ledger mutation here carries an idempotency key derived from the
// reason, trade, and allocation, so a retried pass over the same trade is
// a safe no-op. Callers must treat a non-empty error list as "do not
// proceed"; there is no notion of partial success being fine.
package alloc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shiftpool/trade-engine/internal/exposure"
	"github.com/shiftpool/trade-engine/internal/metrics"
	"github.com/shiftpool/trade-engine/internal/model"
	"github.com/shiftpool/trade-engine/internal/store"
)

var (
	// ErrOverAllocated is returned when a reservation would push the
	// trade's RESERVED+REPAID total past its principal.
	ErrOverAllocated = errors.New("alloc: reservation exceeds trade principal")

	// ErrTradeNotOpen is returned when reserving against a trade that is
	// not awaiting a match.
	ErrTradeNotOpen = errors.New("alloc: trade is not open for matching")
)

// Manager creates and settles allocations against the ledger.
type Manager struct {
	store   store.Store
	limiter *exposure.Limiter
}

// NewManager creates a new allocation manager.
func NewManager(st store.Store, limiter *exposure.Limiter) *Manager {
	return &Manager{store: st, limiter: limiter}
}

// apply writes one ledger entry and counts it.
func (m *Manager) apply(ctx context.Context, req store.LedgerRequest) (model.PotBalances, error) {
	bal, err := m.store.ApplyLedgerEntry(ctx, req)
	if err != nil {
		return bal, err
	}
	metrics.LedgerEntriesTotal.WithLabelValues(string(req.Type)).Inc()
	return bal, nil
}

// Reserve locks amount of the lender's available capital against the
// trade and records the allocation. Called by the Matching Worker.
//
// The ledger RESERVE is written first, referencing the pre-generated
// allocation ID; the allocation row follows. An insert failure after a
// committed reserve is compensated with an idempotent release.
func (m *Manager) Reserve(ctx context.Context, trade *model.Trade, lenderID string, amount int64) (*model.Allocation, error) {
	if amount <= 0 {
		return nil, store.ErrInvalidAmount
	}
	if trade.Status != model.TradePendingMatch {
		return nil, ErrTradeNotOpen
	}

	reserved, err := m.store.ReservedTotal(ctx, trade.ID)
	if err != nil {
		return nil, err
	}
	if reserved+amount > trade.Principal {
		return nil, ErrOverAllocated
	}

	existing, err := m.store.LenderReservedByGrade(ctx, lenderID)
	if err != nil {
		return nil, err
	}
	if err := m.limiter.CheckReserve(trade.RiskGrade, amount, existing); err != nil {
		return nil, err
	}

	alloc := &model.Allocation{
		ID:        uuid.New().String(),
		TradeID:   trade.ID,
		LenderID:  lenderID,
		Amount:    amount,
		Status:    model.AllocationReserved,
		CreatedAt: time.Now().UTC(),
	}

	_, err = m.apply(ctx, store.LedgerRequest{
		LenderID:       lenderID,
		Type:           model.EntryReserve,
		Amount:         amount,
		TradeID:        trade.ID,
		AllocationID:   alloc.ID,
		IdempotencyKey: entryKey("reserve", trade.ID, alloc.ID),
		Description:    fmt.Sprintf("reserve %d against trade %s", amount, trade.ID),
	})
	if err != nil {
		return nil, err
	}

	if err := m.store.InsertAllocation(ctx, alloc); err != nil {
		// Unwind the reserve so no capital stays locked without an
		// allocation row backing it.
		if _, relErr := m.apply(ctx, store.LedgerRequest{
			LenderID:       lenderID,
			Type:           model.EntryRelease,
			Amount:         amount,
			TradeID:        trade.ID,
			AllocationID:   alloc.ID,
			IdempotencyKey: entryKey("reserve-undo", trade.ID, alloc.ID),
			Description:    fmt.Sprintf("undo reserve for trade %s", trade.ID),
		}); relErr != nil {
			slog.Error("reserve unwind failed",
				"trade_id", trade.ID, "allocation_id", alloc.ID, "err", relErr)
		}
		return nil, err
	}

	return alloc, nil
}

// ReleaseTradeAllocations releases every RESERVED allocation for a trade
// in creation order. Processing stops at the first hard ledger failure so
// the trade is never left half-released without the caller knowing:
// already-processed allocations stay RELEASED, the rest stay RESERVED,
// and the error list is returned. An allocation whose release was already
// applied (retry) counts as processed by the earlier run, not this one.
func (m *Manager) ReleaseTradeAllocations(ctx context.Context, tradeID, reasonTag string) (int, []error) {
	allocs, err := m.store.GetAllocationsByTrade(ctx, tradeID)
	if err != nil {
		return 0, []error{err}
	}

	released := 0
	for _, a := range allocs {
		if a.Status != model.AllocationReserved {
			continue
		}

		// One release key per allocation regardless of who is
		// releasing. A cancel and an expire racing over the same
		// slice then collapse into a single ledger entry; the
		// reason survives in the description.
		_, err := m.apply(ctx, store.LedgerRequest{
			LenderID:       a.LenderID,
			Type:           model.EntryRelease,
			Amount:         a.Amount,
			TradeID:        tradeID,
			AllocationID:   a.ID,
			IdempotencyKey: entryKey("release", tradeID, a.ID),
			Description:    fmt.Sprintf("%s release for trade %s", reasonTag, tradeID),
		})
		if err != nil {
			return released, []error{fmt.Errorf("release allocation %s: %w", a.ID, err)}
		}

		err = m.store.TransitionAllocation(ctx, a.ID, model.AllocationReserved, model.AllocationReleased)
		if errors.Is(err, store.ErrPreconditionFailed) {
			// Another actor flipped it between our fetch and update;
			// the ledger entry above was an idempotent no-op.
			continue
		}
		if err != nil {
			return released, []error{fmt.Errorf("flip allocation %s: %w", a.ID, err)}
		}
		released++
	}

	return released, nil
}

// RepayTradeAllocations settles a repaid trade: each RESERVED slice is
// unlocked and the fee is distributed pro rata as REPAYMENT_CREDIT
// entries, with any rounding remainder going to the largest slice.
func (m *Manager) RepayTradeAllocations(ctx context.Context, trade *model.Trade) (int, []error) {
	allocs, err := m.store.GetAllocationsByTrade(ctx, trade.ID)
	if err != nil {
		return 0, []error{err}
	}

	var reserved []model.Allocation
	for _, a := range allocs {
		if a.Status == model.AllocationReserved {
			reserved = append(reserved, a)
		}
	}
	shares := feeShares(trade.Fee, trade.Principal, reserved)

	settled := 0
	for i, a := range reserved {
		_, err := m.apply(ctx, store.LedgerRequest{
			LenderID:       a.LenderID,
			Type:           model.EntryRelease,
			Amount:         a.Amount,
			TradeID:        trade.ID,
			AllocationID:   a.ID,
			IdempotencyKey: entryKey("release", trade.ID, a.ID),
			Description:    fmt.Sprintf("repayment release for trade %s", trade.ID),
		})
		if err != nil {
			return settled, []error{fmt.Errorf("repay allocation %s: %w", a.ID, err)}
		}

		if shares[i] > 0 {
			_, err := m.apply(ctx, store.LedgerRequest{
				LenderID:       a.LenderID,
				Type:           model.EntryRepaymentCredit,
				Amount:         shares[i],
				TradeID:        trade.ID,
				AllocationID:   a.ID,
				IdempotencyKey: entryKey("repay-fee", trade.ID, a.ID),
				Description:    fmt.Sprintf("fee income for trade %s", trade.ID),
			})
			if err != nil {
				return settled, []error{fmt.Errorf("credit allocation %s: %w", a.ID, err)}
			}
		}

		err = m.store.TransitionAllocation(ctx, a.ID, model.AllocationReserved, model.AllocationRepaid)
		if errors.Is(err, store.ErrPreconditionFailed) {
			continue
		}
		if err != nil {
			return settled, []error{fmt.Errorf("flip allocation %s: %w", a.ID, err)}
		}
		settled++
	}

	return settled, nil
}

// WriteOffTradeAllocations settles a defaulted trade: each RESERVED
// slice's locked capital is written off.
func (m *Manager) WriteOffTradeAllocations(ctx context.Context, trade *model.Trade) (int, []error) {
	allocs, err := m.store.GetAllocationsByTrade(ctx, trade.ID)
	if err != nil {
		return 0, []error{err}
	}

	settled := 0
	for _, a := range allocs {
		if a.Status != model.AllocationReserved {
			continue
		}

		_, err := m.apply(ctx, store.LedgerRequest{
			LenderID:       a.LenderID,
			Type:           model.EntryDefaultWriteoff,
			Amount:         a.Amount,
			TradeID:        trade.ID,
			AllocationID:   a.ID,
			IdempotencyKey: entryKey("default", trade.ID, a.ID),
			Description:    fmt.Sprintf("default write-off for trade %s", trade.ID),
		})
		if err != nil {
			return settled, []error{fmt.Errorf("write off allocation %s: %w", a.ID, err)}
		}

		err = m.store.TransitionAllocation(ctx, a.ID, model.AllocationReserved, model.AllocationDefaulted)
		if errors.Is(err, store.ErrPreconditionFailed) {
			continue
		}
		if err != nil {
			return settled, []error{fmt.Errorf("flip allocation %s: %w", a.ID, err)}
		}
		settled++
	}

	return settled, nil
}

// feeShares splits the fee pro rata across slices by integer division,
// assigning the rounding remainder to the largest slice so the shares
// always sum to the full fee.
func feeShares(fee, principal int64, allocs []model.Allocation) []int64 {
	shares := make([]int64, len(allocs))
	if fee <= 0 || principal <= 0 || len(allocs) == 0 {
		return shares
	}

	var distributed int64
	largest := 0
	for i, a := range allocs {
		shares[i] = fee * a.Amount / principal
		distributed += shares[i]
		if a.Amount > allocs[largest].Amount {
			largest = i
		}
	}
	shares[largest] += fee - distributed
	return shares
}

// entryKey derives a deterministic idempotency key so a retried pass over
// the same allocation is rejected by the ledger's unique index.
func entryKey(reason, tradeID, allocationID string) string {
	return reason + ":" + tradeID + ":" + allocationID
}
