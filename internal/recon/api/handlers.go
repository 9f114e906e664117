package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"vinowpay/internal/common/api"
	"vinowpay/internal/common/database"
	"vinowpay/internal/common/middleware"
	"vinowpay/internal/recon"
)

// Handler handles reconciliation and dispute HTTP requests
type Handler struct {
	service *recon.Service
}

// NewHandler creates a new reconciliation handler
func NewHandler(service *recon.Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the reconciliation routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/run", h.Run)
	r.Get("/history", h.History)
	r.Get("/{id}", h.Get)

	return r
}

// DisputeRoutes returns the dispute routes
func (h *Handler) DisputeRoutes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.SubmitDispute)
	r.With(middleware.OperatorGuard(middleware.RoleOperator, middleware.RoleAdmin)).
		Post("/{id}/resolve", h.ResolveDispute)

	return r
}

// RunRequest is the API request for a reconciliation run
type RunRequest struct {
	PeriodStart time.Time `json:"period_start" validate:"required"`
	PeriodEnd   time.Time `json:"period_end" validate:"required"`
	Force       bool      `json:"force"`
}

// Run handles POST /reconciliation/run
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

	log, err := h.service.Reconcile(r.Context(), merchantID, req.PeriodStart.UTC(), req.PeriodEnd.UTC(), req.Force)
	if err != nil {
		switch {
		case errors.Is(err, recon.ErrAlreadyReconciling):
			api.WriteError(w, http.StatusConflict, api.ErrCodeAlreadyReconciling, err.Error())
		case errors.Is(err, recon.ErrStatementUnavailable):
			api.WriteError(w, http.StatusBadGateway, api.ErrCodeStatementUnavailable, err.Error())
		default:
			api.InternalError(w, "reconciliation failed")
		}
		return
	}

	api.WriteData(w, http.StatusOK, log)
}

// History handles GET /reconciliation/history
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	merchantID := middleware.GetMerchantID(r.Context())
	if merchantID == "" {
		api.BadRequest(w, "merchant ID required")
		return
	}

	filter := recon.HistoryFilter{}
	if statusStr := r.URL.Query().Get("status"); statusStr != "" {
		status := recon.Status(statusStr)
		if status != recon.StatusMatched && status != recon.StatusMismatched && status != recon.StatusError {
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

	logs, total, err := h.service.History(r.Context(), merchantID, filter, params.Limit, params.Offset)
	if err != nil {
		api.InternalError(w, "failed to list reconciliations")
		return
	}

	api.WritePaginated(w, logs, &api.Pagination{
		Limit:   params.Limit,
		Offset:  params.Offset,
		Total:   total,
		HasMore: int64(params.Offset+len(logs)) < total,
	})
}

// Get handles GET /reconciliation/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	merchantID := middleware.GetMerchantID(r.Context())
	if merchantID == "" {
		api.BadRequest(w, "merchant ID required")
		return
	}

	log, err := h.service.Get(r.Context(), merchantID, chi.URLParam(r, "id"))
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "reconciliation not found")
			return
		}
		api.InternalError(w, "failed to get reconciliation")
		return
	}

	api.WriteData(w, http.StatusOK, log)
}

// SubmitDispute handles POST /disputes
func (h *Handler) SubmitDispute(w http.ResponseWriter, r *http.Request) {
	merchantID := middleware.GetMerchantID(r.Context())
	if merchantID == "" {
		api.BadRequest(w, "merchant ID required")
		return
	}

	var req recon.SubmitDisputeRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	dispute, err := h.service.SubmitDispute(r.Context(), merchantID, req)
	if err != nil {
		switch {
		case database.IsNotFound(err):
			api.NotFound(w, "reconciliation not found")
		case errors.Is(err, recon.ErrNotMismatched):
			api.Conflict(w, err.Error())
		case errors.Is(err, recon.ErrInvalidDisputeOrders):
			api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeInvalidDisputeOrders, err.Error())
		default:
			api.InternalError(w, "failed to submit dispute")
		}
		return
	}

	api.WriteData(w, http.StatusCreated, dispute)
}

// ResolveDisputeRequest is the API request for resolving a dispute
type ResolveDisputeRequest struct {
	Accept bool   `json:"accept"`
	Note   string `json:"note" validate:"max=1000"`
}

// ResolveDispute handles POST /disputes/{id}/resolve
func (h *Handler) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req ResolveDisputeRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	operator := middleware.GetOperatorID(r.Context())
	dispute, err := h.service.ResolveDispute(r.Context(), chi.URLParam(r, "id"), req.Accept, req.Note, operator)
	if err != nil {
		switch {
		case database.IsNotFound(err):
			api.NotFound(w, "dispute not found")
		case errors.Is(err, recon.ErrDisputeNotPending):
			api.Conflict(w, err.Error())
		default:
			api.InternalError(w, "failed to resolve dispute")
		}
		return
	}

	api.WriteData(w, http.StatusOK, dispute)
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
