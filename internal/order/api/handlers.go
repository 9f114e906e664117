package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"vinowpay/internal/common/api"
	"vinowpay/internal/common/database"
	"vinowpay/internal/common/middleware"
	"vinowpay/internal/order"
	"vinowpay/internal/order/domain"
	"vinowpay/internal/order/store"
)

// Handler handles order HTTP requests
type Handler struct {
	service *order.Service
}

// NewHandler creates a new order handler
func NewHandler(service *order.Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the order routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/statistics", h.Statistics)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/cancel", h.Cancel)
	r.With(middleware.OperatorGuard(middleware.RoleOperator, middleware.RoleAdmin)).
		Post("/{id}/status", h.UpdateStatus)
	r.Get("/{id}/track", h.Track)

	return r
}

// CreateOrderRequest is the API request for creating an order
type CreateOrderRequest struct {
	CustomerID  string `json:"customer_id" validate:"required"`
	Subtotal    int64  `json:"subtotal" validate:"gte=0"`
	Discount    int64  `json:"discount" validate:"gte=0"`
	DeliveryFee int64  `json:"delivery_fee" validate:"gte=0"`
	Note        string `json:"note"`
}

// Create handles POST /orders
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	merchantID := middleware.GetMerchantID(r.Context())
	if merchantID == "" {
		api.BadRequest(w, "merchant ID required")
		return
	}

	var req CreateOrderRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	created, err := h.service.Create(r.Context(), order.CreateRequest{
		MerchantID:  merchantID,
		CustomerID:  req.CustomerID,
		Subtotal:    req.Subtotal,
		Discount:    req.Discount,
		DeliveryFee: req.DeliveryFee,
		Note:        req.Note,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidAmount) {
			api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeValidation, err.Error())
			return
		}
		api.InternalError(w, "failed to create order")
		return
	}

	api.WriteData(w, http.StatusCreated, created)
}

// List handles GET /orders
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	merchantID := middleware.GetMerchantID(r.Context())
	if merchantID == "" {
		api.BadRequest(w, "merchant ID required")
		return
	}

	filter := store.ListFilter{}
	if statusStr := r.URL.Query().Get("status"); statusStr != "" {
		status := domain.Status(statusStr)
		if !status.IsValid() {
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

	orders, total, err := h.service.List(r.Context(), merchantID, filter, params.Limit, params.Offset)
	if err != nil {
		api.InternalError(w, "failed to list orders")
		return
	}

	api.WritePaginated(w, orders, &api.Pagination{
		Limit:   params.Limit,
		Offset:  params.Offset,
		Total:   total,
		HasMore: int64(params.Offset+len(orders)) < total,
	})
}

// Get handles GET /orders/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	merchantID := middleware.GetMerchantID(r.Context())
	if merchantID == "" {
		api.BadRequest(w, "merchant ID required")
		return
	}

	ord, err := h.service.Get(r.Context(), merchantID, chi.URLParam(r, "id"))
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "order not found")
			return
		}
		api.InternalError(w, "failed to get order")
		return
	}

	api.WriteData(w, http.StatusOK, ord)
}

// CancelOrderRequest is the API request for cancelling an order
type CancelOrderRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// Cancel handles POST /orders/{id}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	merchantID := middleware.GetMerchantID(r.Context())
	if merchantID == "" {
		api.BadRequest(w, "merchant ID required")
		return
	}

	var req CancelOrderRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	ord, err := h.service.Cancel(r.Context(), merchantID, chi.URLParam(r, "id"), req.Reason, merchantID)
	if err != nil {
		writeTransitionError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, ord)
}

// UpdateStatusRequest is the API request for an operator status update
type UpdateStatusRequest struct {
	Status   string `json:"status" validate:"required"`
	Reason   string `json:"reason"`
	Override bool   `json:"override"`
}

// UpdateStatus handles POST /orders/{id}/status
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	merchantID := middleware.GetMerchantID(r.Context())
	if merchantID == "" {
		api.BadRequest(w, "merchant ID required")
		return
	}

	var req UpdateStatusRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	actor := middleware.GetOperatorID(r.Context())
	ord, err := h.service.UpdateStatus(r.Context(), merchantID, chi.URLParam(r, "id"),
		domain.Status(req.Status), req.Reason, actor, req.Override)
	if err != nil {
		writeTransitionError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, ord)
}

// Track handles GET /orders/{id}/track
func (h *Handler) Track(w http.ResponseWriter, r *http.Request) {
	merchantID := middleware.GetMerchantID(r.Context())
	if merchantID == "" {
		api.BadRequest(w, "merchant ID required")
		return
	}

	tracking, err := h.service.Track(r.Context(), merchantID, chi.URLParam(r, "id"))
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "order not found")
			return
		}
		api.InternalError(w, "failed to track order")
		return
	}

	api.WriteData(w, http.StatusOK, tracking)
}

// Statistics handles GET /orders/statistics
func (h *Handler) Statistics(w http.ResponseWriter, r *http.Request) {
	merchantID := middleware.GetMerchantID(r.Context())
	if merchantID == "" {
		api.BadRequest(w, "merchant ID required")
		return
	}

	windowDays := 30
	if d := r.URL.Query().Get("days"); d != "" {
		if n, err := strconv.Atoi(d); err == nil && n > 0 && n <= 365 {
			windowDays = n
		}
	}

	stats, err := h.service.Statistics(r.Context(), merchantID, windowDays)
	if err != nil {
		api.InternalError(w, "failed to compute statistics")
		return
	}

	api.WriteData(w, http.StatusOK, stats)
}

func writeTransitionError(w http.ResponseWriter, err error) {
	switch {
	case database.IsNotFound(err):
		api.NotFound(w, "order not found")
	case errors.Is(err, domain.ErrInvalidTransition):
		api.WriteError(w, http.StatusConflict, api.ErrCodeInvalidTransition, err.Error())
	default:
		api.InternalError(w, "failed to update order")
	}
}

func parseTimeParam(r *http.Request, name string) (time.Time, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		if t, err = time.Parse("2006-01-02", v); err != nil {
			return time.Time{}, false
		}
	}
	return t, true
}
