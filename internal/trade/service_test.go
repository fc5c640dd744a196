package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/shiftpool/trade-engine/internal/alloc"
	"github.com/shiftpool/trade-engine/internal/audit"
	"github.com/shiftpool/trade-engine/internal/exposure"
	"github.com/shiftpool/trade-engine/internal/model"
	"github.com/shiftpool/trade-engine/internal/store"
	"github.com/shiftpool/trade-engine/internal/trade"
)

// fakeWorker records match invocations.
type fakeWorker struct {
	mu      sync.Mutex
	invoked []string
}

func (f *fakeWorker) Invoke(_ context.Context, tradeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoked = append(f.invoked, tradeID)
	return nil
}

func (f *fakeWorker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.invoked)
}

// fakePublisher records audit events.
type fakePublisher struct {
	mu     sync.Mutex
	events []audit.Event
}

func (f *fakePublisher) Publish(_ context.Context, ev audit.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakePublisher) Close() {}

func (f *fakePublisher) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, ev := range f.events {
		out = append(out, ev.Type)
	}
	return out
}

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T) (*store.MemoryStore, *fakeWorker, *fakePublisher, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	worker := &fakeWorker{}
	pub := &fakePublisher{}
	mgr := alloc.NewManager(ms, exposure.NewLimiter(0, 0))
	svc := trade.NewService(ms, mgr, worker, pub)

	r := chi.NewRouter()
	r.Post("/api/v1/trades", svc.CreateTrade)
	r.Get("/api/v1/trades/{tradeID}", svc.GetTrade)
	r.Post("/api/v1/trades/{tradeID}/submit", svc.SubmitTrade)
	r.Post("/api/v1/trades/{tradeID}/cancel", svc.CancelTrade)
	r.Post("/api/v1/trades/{tradeID}/match", svc.MatchTrade)
	r.Post("/api/v1/trades/{tradeID}/live", svc.ActivateTrade)
	r.Post("/api/v1/trades/{tradeID}/repay", svc.RepayTrade)
	r.Post("/api/v1/trades/{tradeID}/default", svc.DefaultTrade)
	r.Post("/api/v1/trades/{tradeID}/allocations", svc.Reserve)
	r.Get("/api/v1/trades/{tradeID}/allocations", svc.ListAllocations)
	r.Post("/api/v1/lenders/{lenderID}/deposits", svc.DepositFunds)
	r.Post("/api/v1/lenders/{lenderID}/withdrawals", svc.WithdrawFunds)
	r.Get("/api/v1/lenders/{lenderID}/pot", svc.GetPot)
	r.Get("/api/v1/lenders/{lenderID}/ledger/replay", svc.ReplayLedger)
	r.Get("/api/v1/estimate", svc.EstimateMatch)
	r.Put("/api/v1/snapshots", svc.UpsertSnapshot)
	r.Get("/api/v1/snapshots/{grade}", svc.GetSnapshot)

	return ms, worker, pub, r
}

func do(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	} else if method == http.MethodPost {
		buf.WriteString("{}")
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createTrade(t *testing.T, router chi.Router, principal, fee int64) model.Trade {
	t.Helper()
	w := do(t, router, http.MethodPost, "/api/v1/trades", trade.CreateTradeRequest{
		BorrowerID:   "borrower1",
		ObligationID: "bill-42",
		Principal:    principal,
		Fee:          fee,
		DueDate:      "2026-09-10",
		NewDueDate:   "2026-09-25",
		RiskGrade:    "B",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create trade: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var tr model.Trade
	json.Unmarshal(w.Body.Bytes(), &tr)
	return tr
}

func depositFor(t *testing.T, router chi.Router, lenderID string, amount int64) {
	t.Helper()
	w := do(t, router, http.MethodPost, "/api/v1/lenders/"+lenderID+"/deposits",
		map[string]any{"amount": amount})
	if w.Code != http.StatusOK {
		t.Fatalf("deposit: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func reserveFor(t *testing.T, router chi.Router, tradeID, lenderID string, amount int64) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, router, http.MethodPost, "/api/v1/trades/"+tradeID+"/allocations",
		trade.ReserveRequest{LenderID: lenderID, Amount: amount})
}

func tradeStatus(t *testing.T, ms *store.MemoryStore, id string) model.TradeStatus {
	t.Helper()
	tr, err := ms.GetTrade(context.Background(), id)
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	return tr.Status
}

// --- Trade lifecycle tests ---

func TestCreateTrade_Validation(t *testing.T) {
	_, _, _, router := newTestEnv(t)

	cases := []struct {
		name string
		req  trade.CreateTradeRequest
	}{
		{"zero principal", trade.CreateTradeRequest{
			BorrowerID: "b1", Principal: 0, Fee: 10,
			DueDate: "2026-09-10", NewDueDate: "2026-09-25", RiskGrade: "A"}},
		{"negative fee", trade.CreateTradeRequest{
			BorrowerID: "b1", Principal: 1000, Fee: -1,
			DueDate: "2026-09-10", NewDueDate: "2026-09-25", RiskGrade: "A"}},
		{"new due not after due", trade.CreateTradeRequest{
			BorrowerID: "b1", Principal: 1000, Fee: 10,
			DueDate: "2026-09-10", NewDueDate: "2026-09-10", RiskGrade: "A"}},
		{"bad grade", trade.CreateTradeRequest{
			BorrowerID: "b1", Principal: 1000, Fee: 10,
			DueDate: "2026-09-10", NewDueDate: "2026-09-25", RiskGrade: "Z"}},
		{"missing borrower", trade.CreateTradeRequest{
			Principal: 1000, Fee: 10,
			DueDate: "2026-09-10", NewDueDate: "2026-09-25", RiskGrade: "A"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, router, http.MethodPost, "/api/v1/trades", tc.req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestCreateTrade_ComputesShiftDays(t *testing.T) {
	_, _, _, router := newTestEnv(t)
	tr := createTrade(t, router, 1000, 50)

	if tr.Status != model.TradeDraft {
		t.Errorf("expected DRAFT, got %s", tr.Status)
	}
	if tr.ShiftDays != 15 {
		t.Errorf("expected 15 shift days, got %d", tr.ShiftDays)
	}
	if tr.ID == "" {
		t.Error("expected non-empty trade id")
	}
}

func TestSubmit_InvokesWorkerOnce(t *testing.T) {
	ms, worker, _, router := newTestEnv(t)
	tr := createTrade(t, router, 1000, 50)

	w := do(t, router, http.MethodPost, "/api/v1/trades/"+tr.ID+"/submit", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("submit: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := tradeStatus(t, ms, tr.ID); got != model.TradePendingMatch {
		t.Errorf("expected PENDING_MATCH, got %s", got)
	}
	if worker.count() != 1 {
		t.Errorf("expected 1 worker invocation, got %d", worker.count())
	}

	// The second submit loses the status guard.
	w = do(t, router, http.MethodPost, "/api/v1/trades/"+tr.ID+"/submit", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("double submit: expected 409, got %d", w.Code)
	}
	if worker.count() != 1 {
		t.Errorf("losing submit must not re-invoke worker, got %d", worker.count())
	}
}

func TestFullLifecycle_Repaid(t *testing.T) {
	ms, _, pub, router := newTestEnv(t)
	tr := createTrade(t, router, 1000, 101)
	depositFor(t, router, "lender1", 600)
	depositFor(t, router, "lender2", 400)

	do(t, router, http.MethodPost, "/api/v1/trades/"+tr.ID+"/submit", nil)

	if w := reserveFor(t, router, tr.ID, "lender1", 600); w.Code != http.StatusCreated {
		t.Fatalf("reserve lender1: %d: %s", w.Code, w.Body.String())
	}
	if w := reserveFor(t, router, tr.ID, "lender2", 400); w.Code != http.StatusCreated {
		t.Fatalf("reserve lender2: %d: %s", w.Code, w.Body.String())
	}

	for _, step := range []string{"match", "live", "repay"} {
		w := do(t, router, http.MethodPost, "/api/v1/trades/"+tr.ID+"/"+step, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", step, w.Code, w.Body.String())
		}
	}
	if got := tradeStatus(t, ms, tr.ID); got != model.TradeRepaid {
		t.Errorf("expected REPAID, got %s", got)
	}

	// Capital is unlocked and the fee was distributed pro rata.
	pot1, _ := ms.GetPot(context.Background(), "lender1")
	if pot1.Available != 661 || pot1.Locked != 0 {
		t.Errorf("lender1 expected 661/0, got %d/%d", pot1.Available, pot1.Locked)
	}
	pot2, _ := ms.GetPot(context.Background(), "lender2")
	if pot2.Available != 440 || pot2.Locked != 0 {
		t.Errorf("lender2 expected 440/0, got %d/%d", pot2.Available, pot2.Locked)
	}

	// Every committed transition produced an audit event.
	want := map[string]bool{
		"trade.submitted": false, "allocation.reserved": false,
		"trade.matched": false, "trade.live": false, "trade.repaid": false,
	}
	for _, typ := range pub.types() {
		if _, ok := want[typ]; ok {
			want[typ] = true
		}
	}
	for typ, seen := range want {
		if !seen {
			t.Errorf("missing audit event %s", typ)
		}
	}
}

func TestRecordMatch_UnderAllocated(t *testing.T) {
	ms, _, _, router := newTestEnv(t)
	tr := createTrade(t, router, 1000, 50)
	depositFor(t, router, "lender1", 500)
	do(t, router, http.MethodPost, "/api/v1/trades/"+tr.ID+"/submit", nil)
	reserveFor(t, router, tr.ID, "lender1", 500)

	w := do(t, router, http.MethodPost, "/api/v1/trades/"+tr.ID+"/match", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for partial fill, got %d: %s", w.Code, w.Body.String())
	}
	if got := tradeStatus(t, ms, tr.ID); got != model.TradePendingMatch {
		t.Errorf("trade should stay PENDING_MATCH, got %s", got)
	}
}

func TestCancel_ReleasesReservedCapital(t *testing.T) {
	ms, _, pub, router := newTestEnv(t)
	tr := createTrade(t, router, 1000, 50)
	depositFor(t, router, "lender1", 800)
	do(t, router, http.MethodPost, "/api/v1/trades/"+tr.ID+"/submit", nil)
	reserveFor(t, router, tr.ID, "lender1", 800)

	w := do(t, router, http.MethodPost, "/api/v1/trades/"+tr.ID+"/cancel",
		trade.CancelTradeRequest{Actor: "borrower1"})
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if got := tradeStatus(t, ms, tr.ID); got != model.TradeCancelled {
		t.Errorf("expected CANCELLED, got %s", got)
	}
	pot, _ := ms.GetPot(context.Background(), "lender1")
	if pot.Available != 800 || pot.Locked != 0 {
		t.Errorf("capital should be fully released, got %d/%d", pot.Available, pot.Locked)
	}

	seen := false
	for _, typ := range pub.types() {
		if typ == "trade.cancelled" {
			seen = true
		}
	}
	if !seen {
		t.Error("missing trade.cancelled audit event")
	}
}

func TestCancel_RejectedAfterMatch(t *testing.T) {
	_, _, _, router := newTestEnv(t)
	tr := createTrade(t, router, 1000, 50)
	depositFor(t, router, "lender1", 1000)
	do(t, router, http.MethodPost, "/api/v1/trades/"+tr.ID+"/submit", nil)
	reserveFor(t, router, tr.ID, "lender1", 1000)
	do(t, router, http.MethodPost, "/api/v1/trades/"+tr.ID+"/match", nil)

	w := do(t, router, http.MethodPost, "/api/v1/trades/"+tr.ID+"/cancel",
		trade.CancelTradeRequest{Actor: "borrower1"})
	if w.Code != http.StatusConflict {
		t.Errorf("cancel after match should 409, got %d", w.Code)
	}
}

func TestDefault_WritesOffCapital(t *testing.T) {
	ms, _, _, router := newTestEnv(t)
	tr := createTrade(t, router, 1000, 50)
	depositFor(t, router, "lender1", 1000)
	do(t, router, http.MethodPost, "/api/v1/trades/"+tr.ID+"/submit", nil)
	reserveFor(t, router, tr.ID, "lender1", 1000)
	do(t, router, http.MethodPost, "/api/v1/trades/"+tr.ID+"/match", nil)
	do(t, router, http.MethodPost, "/api/v1/trades/"+tr.ID+"/live", nil)

	w := do(t, router, http.MethodPost, "/api/v1/trades/"+tr.ID+"/default", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("default: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if got := tradeStatus(t, ms, tr.ID); got != model.TradeDefaulted {
		t.Errorf("expected DEFAULTED, got %s", got)
	}
	pot, _ := ms.GetPot(context.Background(), "lender1")
	if pot.Available != 0 || pot.Locked != 0 {
		t.Errorf("written-off capital must not return, got %d/%d", pot.Available, pot.Locked)
	}
}

func TestReserve_InsufficientFundsIs409(t *testing.T) {
	_, _, _, router := newTestEnv(t)
	tr := createTrade(t, router, 2000, 50)
	depositFor(t, router, "lender1", 1000)
	do(t, router, http.MethodPost, "/api/v1/trades/"+tr.ID+"/submit", nil)

	w := reserveFor(t, router, tr.ID, "lender1", 1500)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

// --- Lender account tests ---

func TestDeposit_IdempotencyKeyReplay(t *testing.T) {
	ms, _, _, router := newTestEnv(t)

	for i := 0; i < 2; i++ {
		w := do(t, router, http.MethodPost, "/api/v1/lenders/lender1/deposits",
			trade.LedgerMutationRequest{Amount: 1000, IdempotencyKey: "topup-jan"})
		if w.Code != http.StatusOK {
			t.Fatalf("deposit %d: expected 200, got %d: %s", i, w.Code, w.Body.String())
		}
	}

	pot, _ := ms.GetPot(context.Background(), "lender1")
	if pot.Available != 1000 {
		t.Errorf("replayed deposit must not double-credit, got %d", pot.Available)
	}
}

func TestReplayEndpoint_ConsistentAfterLifecycle(t *testing.T) {
	_, _, _, router := newTestEnv(t)
	tr := createTrade(t, router, 1000, 101)
	depositFor(t, router, "lender1", 1500)
	do(t, router, http.MethodPost, "/api/v1/trades/"+tr.ID+"/submit", nil)
	reserveFor(t, router, tr.ID, "lender1", 1000)
	do(t, router, http.MethodPost, "/api/v1/trades/"+tr.ID+"/match", nil)
	do(t, router, http.MethodPost, "/api/v1/trades/"+tr.ID+"/live", nil)
	do(t, router, http.MethodPost, "/api/v1/trades/"+tr.ID+"/repay", nil)

	w := do(t, router, http.MethodGet, "/api/v1/lenders/lender1/ledger/replay", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("replay: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var res trade.ReplayResult
	json.Unmarshal(w.Body.Bytes(), &res)
	if !res.Consistent {
		t.Errorf("ledger replay diverged: %+v", res)
	}
	if res.Computed.Available != 1601 || res.Computed.RealizedYield != 101 {
		t.Errorf("expected available 1601 yield 101, got %+v", res.Computed)
	}
}

// --- Estimate and snapshot tests ---

func TestEstimateEndpoint(t *testing.T) {
	_, _, _, router := newTestEnv(t)

	// Without a snapshot the heuristic path still answers.
	w := do(t, router, http.MethodGet,
		"/api/v1/estimate?fee_amount=500&principal=10000&shift_days=30&risk_grade=B", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("estimate: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res trade.EstimateResponse
	json.Unmarshal(w.Body.Bytes(), &res)
	if res.HasSnapshot {
		t.Error("expected no snapshot")
	}
	if res.Probability < 5 || res.Probability > 99 {
		t.Errorf("probability out of range: %d", res.Probability)
	}

	// Snapshot ingestion changes the scoring path.
	snap := map[string]any{
		"risk_grade": "B", "best_bid_apr": "40", "avg_bid_apr": "20",
		"supply_count": 10, "liquidity_ratio": "1",
	}
	if w := do(t, router, http.MethodPut, "/api/v1/snapshots", snap); w.Code != http.StatusOK {
		t.Fatalf("upsert snapshot: %d: %s", w.Code, w.Body.String())
	}

	w = do(t, router, http.MethodGet,
		"/api/v1/estimate?fee_amount=500&principal=10000&shift_days=30&risk_grade=B", nil)
	json.Unmarshal(w.Body.Bytes(), &res)
	if !res.HasSnapshot {
		t.Error("expected snapshot-backed estimate")
	}
	if res.Probability != 90 {
		t.Errorf("expected 90 against this snapshot, got %d", res.Probability)
	}

	// Bad inputs surface as 400.
	w = do(t, router, http.MethodGet,
		"/api/v1/estimate?fee_amount=500&principal=0&shift_days=30&risk_grade=B", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for zero principal, got %d", w.Code)
	}
}

func TestGetSnapshot_NotFound(t *testing.T) {
	_, _, _, router := newTestEnv(t)
	w := do(t, router, http.MethodGet, "/api/v1/snapshots/C", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}
