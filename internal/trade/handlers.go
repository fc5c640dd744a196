package trade

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/shiftpool/trade-engine/internal/alloc"
	"github.com/shiftpool/trade-engine/internal/estimator"
	"github.com/shiftpool/trade-engine/internal/exposure"
	"github.com/shiftpool/trade-engine/internal/model"
	"github.com/shiftpool/trade-engine/internal/store"
)

const dateLayout = "2006-01-02"

// CreateTradeRequest is the JSON body for POST /api/v1/trades.
type CreateTradeRequest struct {
	BorrowerID   string `json:"borrower_id"`
	ObligationID string `json:"obligation_id"`
	Principal    int64  `json:"principal"`
	Fee          int64  `json:"fee"`
	DueDate      string `json:"due_date"`
	NewDueDate   string `json:"new_due_date"`
	RiskGrade    string `json:"risk_grade"`
}

// CancelTradeRequest is the JSON body for POST /api/v1/trades/{tradeID}/cancel.
type CancelTradeRequest struct {
	Actor string `json:"actor"`
}

// ReserveRequest is the JSON body for POST /api/v1/trades/{tradeID}/allocations.
type ReserveRequest struct {
	LenderID string `json:"lender_id"`
	Amount   int64  `json:"amount"`
}

// CreateTrade handles POST /api/v1/trades
func (s *Service) CreateTrade(w http.ResponseWriter, r *http.Request) {
	var req CreateTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	due, err := time.Parse(dateLayout, req.DueDate)
	if err != nil {
		writeError(w, "due_date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	newDue, err := time.Parse(dateLayout, req.NewDueDate)
	if err != nil {
		writeError(w, "new_due_date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	t, err := s.Create(r.Context(), &model.Trade{
		BorrowerID:   req.BorrowerID,
		ObligationID: req.ObligationID,
		Principal:    req.Principal,
		Fee:          req.Fee,
		DueDate:      due,
		NewDueDate:   newDue,
		RiskGrade:    model.RiskGrade(req.RiskGrade),
	})
	if err != nil {
		writeError(w, err.Error(), errStatus(err))
		return
	}

	writeJSON(w, http.StatusCreated, t)
}

// GetTrade handles GET /api/v1/trades/{tradeID}
func (s *Service) GetTrade(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTrade(r.Context(), chi.URLParam(r, "tradeID"))
	if err != nil {
		writeError(w, "trade not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// SubmitTrade handles POST /api/v1/trades/{tradeID}/submit
func (s *Service) SubmitTrade(w http.ResponseWriter, r *http.Request) {
	t, err := s.Submit(r.Context(), chi.URLParam(r, "tradeID"))
	if err != nil {
		writeError(w, err.Error(), errStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// CancelTrade handles POST /api/v1/trades/{tradeID}/cancel
func (s *Service) CancelTrade(w http.ResponseWriter, r *http.Request) {
	var req CancelTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Actor == "" {
		req.Actor = "borrower"
	}

	id := chi.URLParam(r, "tradeID")
	if err := s.Cancel(r.Context(), id, req.Actor); err != nil {
		writeError(w, err.Error(), errStatus(err))
		return
	}
	s.replyTrade(w, r, id)
}

// MatchTrade handles POST /api/v1/trades/{tradeID}/match
func (s *Service) MatchTrade(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tradeID")
	if err := s.RecordMatch(r.Context(), id); err != nil {
		writeError(w, err.Error(), errStatus(err))
		return
	}
	s.replyTrade(w, r, id)
}

// ActivateTrade handles POST /api/v1/trades/{tradeID}/live
func (s *Service) ActivateTrade(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tradeID")
	if err := s.RecordLive(r.Context(), id); err != nil {
		writeError(w, err.Error(), errStatus(err))
		return
	}
	s.replyTrade(w, r, id)
}

// RepayTrade handles POST /api/v1/trades/{tradeID}/repay
func (s *Service) RepayTrade(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tradeID")
	if err := s.RecordRepayment(r.Context(), id); err != nil {
		writeError(w, err.Error(), errStatus(err))
		return
	}
	s.replyTrade(w, r, id)
}

// DefaultTrade handles POST /api/v1/trades/{tradeID}/default
func (s *Service) DefaultTrade(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tradeID")
	if err := s.RecordDefault(r.Context(), id); err != nil {
		writeError(w, err.Error(), errStatus(err))
		return
	}
	s.replyTrade(w, r, id)
}

// Reserve handles POST /api/v1/trades/{tradeID}/allocations
func (s *Service) Reserve(w http.ResponseWriter, r *http.Request) {
	var req ReserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.LenderID == "" {
		writeError(w, "lender_id is required", http.StatusBadRequest)
		return
	}

	a, err := s.ReserveAllocation(r.Context(), chi.URLParam(r, "tradeID"), req.LenderID, req.Amount)
	if err != nil {
		writeError(w, err.Error(), errStatus(err))
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// ListAllocations handles GET /api/v1/trades/{tradeID}/allocations
func (s *Service) ListAllocations(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tradeID")
	if _, err := s.store.GetTrade(r.Context(), id); err != nil {
		writeError(w, "trade not found", http.StatusNotFound)
		return
	}

	allocs, err := s.store.GetAllocationsByTrade(r.Context(), id)
	if err != nil {
		writeError(w, "failed to list allocations", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, allocs)
}

// replyTrade writes the post-transition trade state.
func (s *Service) replyTrade(w http.ResponseWriter, r *http.Request, id string) {
	t, err := s.store.GetTrade(r.Context(), id)
	if err != nil {
		writeError(w, "trade not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// errStatus maps domain errors onto HTTP statuses. Guard losses and
// balance conflicts are 409s so callers can distinguish a race from a
// malformed request.
func errStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, store.ErrInvalidAmount),
		errors.Is(err, estimator.ErrInvalidPrincipal),
		errors.Is(err, estimator.ErrNegativeFee),
		errors.Is(err, estimator.ErrInvalidShift),
		errors.Is(err, estimator.ErrInvalidGrade):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrTradeNotFound),
		errors.Is(err, store.ErrAllocationNotFound),
		errors.Is(err, store.ErrPotNotFound),
		errors.Is(err, store.ErrSnapshotNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrPreconditionFailed),
		errors.Is(err, store.ErrInsufficientFunds),
		errors.Is(err, ErrUnderAllocated),
		errors.Is(err, alloc.ErrOverAllocated),
		errors.Is(err, alloc.ErrTradeNotOpen),
		errors.Is(err, exposure.ErrGradeLimitExceeded),
		errors.Is(err, exposure.ErrAggregateLimitExceeded):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
