package alloc_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shiftpool/trade-engine/internal/alloc"
	"github.com/shiftpool/trade-engine/internal/exposure"
	"github.com/shiftpool/trade-engine/internal/model"
	"github.com/shiftpool/trade-engine/internal/store"
)

func newManager(t *testing.T, limiter *exposure.Limiter) (*alloc.Manager, *store.MemoryStore) {
	t.Helper()
	if limiter == nil {
		limiter = exposure.NewLimiter(0, 0) // limits disabled
	}
	ms := store.NewMemoryStore()
	return alloc.NewManager(ms, limiter), ms
}

func seedTrade(t *testing.T, ms *store.MemoryStore, id string, principal, fee int64) *model.Trade {
	t.Helper()
	tr := &model.Trade{
		ID:         id,
		BorrowerID: "borrower1",
		Principal:  principal,
		Fee:        fee,
		RiskGrade:  model.GradeB,
		Status:     model.TradePendingMatch,
		CreatedAt:  time.Now().UTC(),
	}
	if err := ms.CreateTrade(context.Background(), tr); err != nil {
		t.Fatalf("failed to seed trade: %v", err)
	}
	return tr
}

func seedPot(t *testing.T, ms *store.MemoryStore, lenderID string, amount int64) {
	t.Helper()
	_, err := ms.ApplyLedgerEntry(context.Background(), store.LedgerRequest{
		LenderID:       lenderID,
		Type:           model.EntryDeposit,
		Amount:         amount,
		IdempotencyKey: "seed-" + lenderID,
	})
	if err != nil {
		t.Fatalf("failed to seed pot: %v", err)
	}
}

func TestReserve_Basic(t *testing.T) {
	m, ms := newManager(t, nil)
	tr := seedTrade(t, ms, "t1", 1000, 50)
	seedPot(t, ms, "lender1", 1000)

	a, err := m.Reserve(context.Background(), tr, "lender1", 400)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if a.Status != model.AllocationReserved || a.Amount != 400 {
		t.Errorf("unexpected allocation: %+v", a)
	}

	pot, _ := ms.GetPot(context.Background(), "lender1")
	if pot.Available != 600 || pot.Locked != 400 {
		t.Errorf("expected 600/400, got %d/%d", pot.Available, pot.Locked)
	}
}

func TestReserve_Validation(t *testing.T) {
	m, ms := newManager(t, nil)
	tr := seedTrade(t, ms, "t1", 1000, 50)
	seedPot(t, ms, "lender1", 1000)

	if _, err := m.Reserve(context.Background(), tr, "lender1", 0); !errors.Is(err, store.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}

	draft := &model.Trade{ID: "t2", Principal: 1000, Status: model.TradeDraft}
	if _, err := m.Reserve(context.Background(), draft, "lender1", 100); !errors.Is(err, alloc.ErrTradeNotOpen) {
		t.Errorf("expected ErrTradeNotOpen, got %v", err)
	}
}

func TestReserve_OverAllocation(t *testing.T) {
	m, ms := newManager(t, nil)
	tr := seedTrade(t, ms, "t1", 1000, 50)
	seedPot(t, ms, "lender1", 5000)

	if _, err := m.Reserve(context.Background(), tr, "lender1", 600); err != nil {
		t.Fatalf("first reserve failed: %v", err)
	}
	_, err := m.Reserve(context.Background(), tr, "lender1", 500)
	if !errors.Is(err, alloc.ErrOverAllocated) {
		t.Fatalf("expected ErrOverAllocated, got %v", err)
	}

	// The rejected reserve must not touch the pot.
	pot, _ := ms.GetPot(context.Background(), "lender1")
	if pot.Available != 4400 || pot.Locked != 600 {
		t.Errorf("expected 4400/600, got %d/%d", pot.Available, pot.Locked)
	}

	// Topping up to exactly the principal is fine.
	if _, err := m.Reserve(context.Background(), tr, "lender1", 400); err != nil {
		t.Errorf("exact fill should pass: %v", err)
	}
}

func TestReserve_InsufficientFunds(t *testing.T) {
	m, ms := newManager(t, nil)
	tr := seedTrade(t, ms, "t1", 2000, 50)
	seedPot(t, ms, "lender1", 1000)

	_, err := m.Reserve(context.Background(), tr, "lender1", 1500)
	if !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	allocs, _ := ms.GetAllocationsByTrade(context.Background(), "t1")
	if len(allocs) != 0 {
		t.Errorf("failed reserve should leave no allocation, got %d", len(allocs))
	}
}

func TestReserve_ExposureLimit(t *testing.T) {
	m, ms := newManager(t, exposure.NewLimiter(500, 0))
	tr := seedTrade(t, ms, "t1", 1000, 50)
	seedPot(t, ms, "lender1", 5000)

	if _, err := m.Reserve(context.Background(), tr, "lender1", 400); err != nil {
		t.Fatalf("within limit should pass: %v", err)
	}
	_, err := m.Reserve(context.Background(), tr, "lender1", 200)
	if !errors.Is(err, exposure.ErrGradeLimitExceeded) {
		t.Errorf("expected ErrGradeLimitExceeded, got %v", err)
	}
}

func TestReleaseTradeAllocations_Idempotent(t *testing.T) {
	m, ms := newManager(t, nil)
	tr := seedTrade(t, ms, "t1", 1000, 50)
	seedPot(t, ms, "lender1", 600)
	seedPot(t, ms, "lender2", 400)

	if _, err := m.Reserve(context.Background(), tr, "lender1", 600); err != nil {
		t.Fatalf("reserve lender1: %v", err)
	}
	if _, err := m.Reserve(context.Background(), tr, "lender2", 400); err != nil {
		t.Fatalf("reserve lender2: %v", err)
	}

	released, errs := m.ReleaseTradeAllocations(context.Background(), "t1", "cancel")
	if len(errs) > 0 {
		t.Fatalf("release errors: %v", errs)
	}
	if released != 2 {
		t.Errorf("expected 2 released, got %d", released)
	}

	for _, lender := range []string{"lender1", "lender2"} {
		pot, _ := ms.GetPot(context.Background(), lender)
		if pot.Locked != 0 {
			t.Errorf("%s should have nothing locked, got %d", lender, pot.Locked)
		}
	}
	allocs, _ := ms.GetAllocationsByTrade(context.Background(), "t1")
	for _, a := range allocs {
		if a.Status != model.AllocationReleased {
			t.Errorf("allocation %s should be RELEASED, got %s", a.ID, a.Status)
		}
	}

	// A second pass finds nothing RESERVED and changes nothing.
	released, errs = m.ReleaseTradeAllocations(context.Background(), "t1", "cancel")
	if len(errs) > 0 || released != 0 {
		t.Errorf("second release should be a no-op, got %d released, errs %v", released, errs)
	}
	pot, _ := ms.GetPot(context.Background(), "lender1")
	if pot.Available != 600 {
		t.Errorf("balance drifted on repeat release: %d", pot.Available)
	}
}

func TestReleaseTradeAllocations_ResumesPartialRelease(t *testing.T) {
	m, ms := newManager(t, nil)
	other := seedTrade(t, ms, "t1", 1000, 50)
	tr := seedTrade(t, ms, "t2", 500, 25)
	seedPot(t, ms, "lender1", 1500)

	// Keep some of the lender's capital locked elsewhere so a
	// double-applied release would have room to over-credit.
	if _, err := m.Reserve(context.Background(), other, "lender1", 500); err != nil {
		t.Fatalf("reserve t1: %v", err)
	}

	a, err := m.Reserve(context.Background(), tr, "lender1", 500)
	if err != nil {
		t.Fatalf("reserve t2: %v", err)
	}

	// Another actor's release got as far as the ledger entry but died
	// before flipping the allocation.
	if _, err := ms.ApplyLedgerEntry(context.Background(), store.LedgerRequest{
		LenderID:       "lender1",
		Type:           model.EntryRelease,
		Amount:         500,
		TradeID:        "t2",
		AllocationID:   a.ID,
		IdempotencyKey: "release:t2:" + a.ID,
		Description:    "cancel release for trade t2",
	}); err != nil {
		t.Fatalf("seed partial release: %v", err)
	}

	// A later pass under a different reason must finish the job: the
	// ledger write folds into the earlier entry, the flip lands, and
	// the lender is not credited twice.
	released, errs := m.ReleaseTradeAllocations(context.Background(), "t2", "expire")
	if len(errs) > 0 {
		t.Fatalf("resume errors: %v", errs)
	}
	if released != 1 {
		t.Errorf("expected 1 released, got %d", released)
	}

	allocs, err := ms.GetAllocationsByTrade(context.Background(), "t2")
	if err != nil {
		t.Fatalf("get allocations: %v", err)
	}
	if len(allocs) != 1 || allocs[0].Status != model.AllocationReleased {
		t.Errorf("allocation should be RELEASED, got %+v", allocs)
	}

	pot, _ := ms.GetPot(context.Background(), "lender1")
	if pot.Available != 1000 || pot.Locked != 500 {
		t.Errorf("expected 1000/500, got %d/%d", pot.Available, pot.Locked)
	}
}

func TestRepayTradeAllocations_FeeDistribution(t *testing.T) {
	m, ms := newManager(t, nil)
	tr := seedTrade(t, ms, "t1", 1000, 101)
	seedPot(t, ms, "lender1", 600)
	seedPot(t, ms, "lender2", 400)

	if _, err := m.Reserve(context.Background(), tr, "lender1", 600); err != nil {
		t.Fatalf("reserve lender1: %v", err)
	}
	if _, err := m.Reserve(context.Background(), tr, "lender2", 400); err != nil {
		t.Fatalf("reserve lender2: %v", err)
	}

	settled, errs := m.RepayTradeAllocations(context.Background(), tr)
	if len(errs) > 0 {
		t.Fatalf("repay errors: %v", errs)
	}
	if settled != 2 {
		t.Errorf("expected 2 settled, got %d", settled)
	}

	// 101 split 600/400 pro rata: 60+40 distributed, remainder 1 to the
	// largest slice.
	pot1, _ := ms.GetPot(context.Background(), "lender1")
	if pot1.Available != 661 || pot1.Locked != 0 || pot1.RealizedYield != 61 {
		t.Errorf("lender1 expected 661/0 yield 61, got %d/%d yield %d",
			pot1.Available, pot1.Locked, pot1.RealizedYield)
	}
	pot2, _ := ms.GetPot(context.Background(), "lender2")
	if pot2.Available != 440 || pot2.Locked != 0 || pot2.RealizedYield != 40 {
		t.Errorf("lender2 expected 440/0 yield 40, got %d/%d yield %d",
			pot2.Available, pot2.Locked, pot2.RealizedYield)
	}

	allocs, _ := ms.GetAllocationsByTrade(context.Background(), "t1")
	for _, a := range allocs {
		if a.Status != model.AllocationRepaid {
			t.Errorf("allocation %s should be REPAID, got %s", a.ID, a.Status)
		}
	}
}

func TestWriteOffTradeAllocations(t *testing.T) {
	m, ms := newManager(t, nil)
	tr := seedTrade(t, ms, "t1", 1000, 50)
	seedPot(t, ms, "lender1", 1000)

	if _, err := m.Reserve(context.Background(), tr, "lender1", 1000); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	settled, errs := m.WriteOffTradeAllocations(context.Background(), tr)
	if len(errs) > 0 {
		t.Fatalf("write-off errors: %v", errs)
	}
	if settled != 1 {
		t.Errorf("expected 1 written off, got %d", settled)
	}

	// Locked capital is gone, nothing returns to available.
	pot, _ := ms.GetPot(context.Background(), "lender1")
	if pot.Available != 0 || pot.Locked != 0 {
		t.Errorf("expected 0/0 after write-off, got %d/%d", pot.Available, pot.Locked)
	}
	if pot.TotalDeployed != 1000 {
		t.Errorf("deployed history should survive write-off, got %d", pot.TotalDeployed)
	}

	allocs, _ := ms.GetAllocationsByTrade(context.Background(), "t1")
	if allocs[0].Status != model.AllocationDefaulted {
		t.Errorf("allocation should be DEFAULTED, got %s", allocs[0].Status)
	}
}
