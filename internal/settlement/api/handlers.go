package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"vinowpay/internal/common/api"
	"vinowpay/internal/common/database"
	"vinowpay/internal/common/middleware"
	"vinowpay/internal/settlement"
)

// Handler handles settlement HTTP requests
type Handler struct {
	service *settlement.Service
}

// NewHandler creates a new settlement handler
func NewHandler(service *settlement.Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the settlement routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/status", h.Status)
	r.Get("/history", h.History)
	r.Get("/estimate", h.Estimate)
	r.With(middleware.OperatorGuard(middleware.RoleOperator, middleware.RoleAdmin)).
		Post("/run", h.Run)

	return r
}

// RunRequest is the API request for an explicit settlement
type RunRequest struct {
	PeriodStart time.Time `json:"period_start" validate:"required"`
	PeriodEnd   time.Time `json:"period_end" validate:"required"`
}

// Run handles POST /settlements/run
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) {
	merchantID := middleware.GetMerchantID(r.Context())
	if merchantID == "" {
		api.BadRequest(w, "merchant ID required")
		return
	}

	var req RunRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	if !req.PeriodEnd.After(req.PeriodStart) {
		api.BadRequest(w, "period_end must be after period_start")
		return
	}

	rec, err := h.service.Settle(r.Context(), merchantID, req.PeriodStart.UTC(), req.PeriodEnd.UTC())
	if err != nil {
		switch {
		case errors.Is(err, settlement.ErrNotReconciled):
			api.WriteError(w, http.StatusConflict, api.ErrCodeNotReconciled, err.Error())
		case errors.Is(err, settlement.ErrPayoutFailed):
			// The FAILED record was persisted; surface it with the error.
			api.WriteError(w, http.StatusBadGateway, api.ErrCodeInternalError, err.Error())
		case database.IsNotFound(err):
			api.NotFound(w, "merchant profile not found")
		default:
			api.InternalError(w, "settlement failed")
		}
		return
	}

	api.WriteData(w, http.StatusOK, rec)
}

// Status handles GET /settlements/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	merchantID := middleware.GetMerchantID(r.Context())
	if merchantID == "" {
		api.BadRequest(w, "merchant ID required")
		return
	}

	summary, err := h.service.Status(r.Context(), merchantID)
	if err != nil {
		api.InternalError(w, "failed to compute settlement status")
		return
	}

	api.WriteData(w, http.StatusOK, summary)
}

// Estimate handles GET /settlements/estimate
func (h *Handler) Estimate(w http.ResponseWriter, r *http.Request) {
	merchantID := middleware.GetMerchantID(r.Context())
	if merchantID == "" {
		api.BadRequest(w, "merchant ID required")
		return
	}

	estimate, err := h.service.Estimate(r.Context(), merchantID)
	if err != nil {
		api.InternalError(w, "failed to estimate settlement")
		return
	}

	api.WriteData(w, http.StatusOK, estimate)
}

// History handles GET /settlements/history
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	merchantID := middleware.GetMerchantID(r.Context())
	if merchantID == "" {
		api.BadRequest(w, "merchant ID required")
		return
	}

	filter := settlement.HistoryFilter{}
	if statusStr := r.URL.Query().Get("status"); statusStr != "" {
		status := settlement.Status(statusStr)
		if status != settlement.StatusProcessing && status != settlement.StatusCompleted && status != settlement.StatusFailed {
			api.BadRequest(w, "unknown status filter")
			return
		}
		filter.Status = &status
	}
	if from, ok := parseTimeParam(r, "from"); ok {
		filter.From = &from
	}
	if to, ok := parseTimeParam(r, "to"); ok {
		filter.To = &to
	}

	params := api.GetPaginationParams(r, 50, 100)

	records, total, err := h.service.History(r.Context(), merchantID, filter, params.Limit, params.Offset)
	if err != nil {
		api.InternalError(w, "failed to list settlements")
		return
	}

	api.WritePaginated(w, records, &api.Pagination{
		Limit:   params.Limit,
		Offset:  params.Offset,
		Total:   total,
		HasMore: int64(params.Offset+len(records)) < total,
	})
}

func parseTimeParam(r *http.Request, name string) (time.Time, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t, true
	}
	return time.Time{}, false
}
