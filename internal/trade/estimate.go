package trade

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/shiftpool/trade-engine/internal/estimator"
	"github.com/shiftpool/trade-engine/internal/model"
	"github.com/shiftpool/trade-engine/internal/store"
)

// EstimateResponse is the JSON body returned from GET /api/v1/estimate.
type EstimateResponse struct {
	Probability int    `json:"probability"`
	ImpliedAPR  string `json:"implied_apr"`
	RiskGrade   string `json:"risk_grade"`
	HasSnapshot bool   `json:"has_snapshot"`
}

// EstimateMatch handles GET /api/v1/estimate
//
// Query params: fee_amount, principal, shift_days, risk_grade. Pure
// read; nothing is persisted and repeated calls with the same inputs
// and snapshot return the same score.
func (s *Service) EstimateMatch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	fee, err := strconv.ParseInt(q.Get("fee_amount"), 10, 64)
	if err != nil {
		writeError(w, "fee_amount must be an integer", http.StatusBadRequest)
		return
	}
	principal, err := strconv.ParseInt(q.Get("principal"), 10, 64)
	if err != nil {
		writeError(w, "principal must be an integer", http.StatusBadRequest)
		return
	}
	shiftDays, err := strconv.Atoi(q.Get("shift_days"))
	if err != nil {
		writeError(w, "shift_days must be an integer", http.StatusBadRequest)
		return
	}
	grade := model.RiskGrade(q.Get("risk_grade"))

	snap, err := s.store.GetMarketSnapshot(r.Context(), grade)
	if err != nil && !errors.Is(err, store.ErrSnapshotNotFound) {
		writeError(w, "failed to load market snapshot", http.StatusInternalServerError)
		return
	}

	est, err := estimator.EstimateProbability(fee, principal, shiftDays, grade, snap)
	if err != nil {
		writeError(w, err.Error(), errStatus(err))
		return
	}

	writeJSON(w, http.StatusOK, EstimateResponse{
		Probability: est.Probability,
		ImpliedAPR:  est.ImpliedAPR.String(),
		RiskGrade:   string(grade),
		HasSnapshot: snap != nil,
	})
}

// UpsertSnapshot handles PUT /api/v1/snapshots
//
// Ingestion point for the external bid aggregation job.
func (s *Service) UpsertSnapshot(w http.ResponseWriter, r *http.Request) {
	var snap model.MarketSnapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !snap.RiskGrade.Valid() {
		writeError(w, "unknown risk grade", http.StatusBadRequest)
		return
	}
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = time.Now().UTC()
	}

	if err := s.store.UpsertMarketSnapshot(r.Context(), &snap); err != nil {
		writeError(w, "failed to store snapshot", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetSnapshot handles GET /api/v1/snapshots/{grade}
func (s *Service) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	grade := model.RiskGrade(chi.URLParam(r, "grade"))
	snap, err := s.store.GetMarketSnapshot(r.Context(), grade)
	if err != nil {
		writeError(w, "snapshot not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
