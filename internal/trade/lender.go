package trade

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/shiftpool/trade-engine/internal/metrics"
	"github.com/shiftpool/trade-engine/internal/model"
	"github.com/shiftpool/trade-engine/internal/store"
)

// LedgerMutationRequest is the JSON body for lender deposits and
// withdrawals. The idempotency key is caller-supplied; a missing key
// gets a fresh one, making the request single-shot.
type LedgerMutationRequest struct {
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
}

// ReplayBalances is one side of a replay comparison.
type ReplayBalances struct {
	Available     int64 `json:"available"`
	Locked        int64 `json:"locked"`
	TotalDeployed int64 `json:"total_deployed"`
	RealizedYield int64 `json:"realized_yield"`
}

// ReplayResult is the JSON body returned from the ledger replay check.
type ReplayResult struct {
	LenderID   string         `json:"lender_id"`
	Consistent bool           `json:"consistent"`
	Computed   ReplayBalances `json:"computed"`
	Stored     ReplayBalances `json:"stored"`
	Entries    int            `json:"entries"`
}

// Deposit credits a lender's available balance.
func (s *Service) Deposit(ctx context.Context, lenderID string, amount int64, key string) (model.PotBalances, error) {
	return s.mutatePot(ctx, lenderID, model.EntryDeposit, amount, key, "lender deposit")
}

// Withdraw debits a lender's available balance. Locked capital is not
// withdrawable.
func (s *Service) Withdraw(ctx context.Context, lenderID string, amount int64, key string) (model.PotBalances, error) {
	return s.mutatePot(ctx, lenderID, model.EntryWithdrawal, amount, key, "lender withdrawal")
}

func (s *Service) mutatePot(ctx context.Context, lenderID string, typ model.EntryType, amount int64, key, desc string) (model.PotBalances, error) {
	if key == "" {
		key = uuid.New().String()
	}

	bal, err := s.store.ApplyLedgerEntry(ctx, store.LedgerRequest{
		LenderID:       lenderID,
		Type:           typ,
		Amount:         amount,
		IdempotencyKey: key,
		Description:    desc,
	})
	if err != nil {
		return bal, err
	}

	metrics.LedgerEntriesTotal.WithLabelValues(string(typ)).Inc()
	s.emit(ctx, "pot."+strings.ToLower(string(typ)), lenderID, "lender", map[string]any{
		"amount": amount,
	})
	return bal, nil
}

// DepositFunds handles POST /api/v1/lenders/{lenderID}/deposits
func (s *Service) DepositFunds(w http.ResponseWriter, r *http.Request) {
	s.handlePotMutation(w, r, s.Deposit)
}

// WithdrawFunds handles POST /api/v1/lenders/{lenderID}/withdrawals
func (s *Service) WithdrawFunds(w http.ResponseWriter, r *http.Request) {
	s.handlePotMutation(w, r, s.Withdraw)
}

func (s *Service) handlePotMutation(w http.ResponseWriter, r *http.Request, op func(context.Context, string, int64, string) (model.PotBalances, error)) {
	var req LedgerMutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	bal, err := op(r.Context(), chi.URLParam(r, "lenderID"), req.Amount, req.IdempotencyKey)
	if err != nil {
		writeError(w, err.Error(), errStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// GetPot handles GET /api/v1/lenders/{lenderID}/pot
func (s *Service) GetPot(w http.ResponseWriter, r *http.Request) {
	pot, err := s.store.GetPot(r.Context(), chi.URLParam(r, "lenderID"))
	if err != nil {
		writeError(w, "pot not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, pot)
}

// GetLedger handles GET /api/v1/lenders/{lenderID}/ledger
func (s *Service) GetLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.GetLedgerEntries(r.Context(), chi.URLParam(r, "lenderID"))
	if err != nil {
		writeError(w, "failed to load ledger", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// ReplayLedger handles GET /api/v1/lenders/{lenderID}/ledger/replay
//
// Reconciliation: folds the entry history into balances and compares the
// result against the stored pot.
func (s *Service) ReplayLedger(w http.ResponseWriter, r *http.Request) {
	lenderID := chi.URLParam(r, "lenderID")

	pot, err := s.store.GetPot(r.Context(), lenderID)
	if err != nil {
		writeError(w, "pot not found", http.StatusNotFound)
		return
	}
	entries, err := s.store.GetLedgerEntries(r.Context(), lenderID)
	if err != nil {
		writeError(w, "failed to load ledger", http.StatusInternalServerError)
		return
	}

	replayed := store.Replay(entries)
	computed := ReplayBalances{
		Available:     replayed.Available,
		Locked:        replayed.Locked,
		TotalDeployed: replayed.TotalDeployed,
		RealizedYield: replayed.RealizedYield,
	}
	stored := ReplayBalances{
		Available:     pot.Available,
		Locked:        pot.Locked,
		TotalDeployed: pot.TotalDeployed,
		RealizedYield: pot.RealizedYield,
	}

	writeJSON(w, http.StatusOK, ReplayResult{
		LenderID:   lenderID,
		Consistent: computed == stored,
		Computed:   computed,
		Stored:     stored,
		Entries:    len(entries),
	})
}
