package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"vinowpay/internal/common/api"
	"vinowpay/internal/common/database"
	"vinowpay/internal/common/middleware"
	"vinowpay/internal/payment"
)

// Handler handles payment HTTP requests
type Handler struct {
	service *payment.Service
	logger  *slog.Logger
}

// NewHandler creates a new payment handler
func NewHandler(service *payment.Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes returns the payment routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Post("/callback", h.Callback)

	return r
}

// CreatePaymentRequest is the API request for creating a payment intent
type CreatePaymentRequest struct {
	OrderID  string `json:"order_id" validate:"required"`
	Provider string `json:"provider" validate:"required,oneof=momo zalopay"`
	Amount   int64  `json:"amount" validate:"required,gt=0"`
}

// Create handles POST /payments
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	merchantID := middleware.GetMerchantID(r.Context())
	if merchantID == "" {
		api.BadRequest(w, "merchant ID required")
		return
	}

	var req CreatePaymentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	record, err := h.service.Create(r.Context(), payment.CreateRequest{
		MerchantID: merchantID,
		OrderID:    req.OrderID,
		Provider:   payment.Provider(req.Provider),
		Amount:     req.Amount,
	})
	if err != nil {
		switch {
		case database.IsNotFound(err):
			api.NotFound(w, "order not found")
		case errors.Is(err, payment.ErrAmountOutOfRange),
			errors.Is(err, payment.ErrUnknownProvider):
			api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeValidation, err.Error())
		case errors.Is(err, payment.ErrAmountMismatch):
			api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeAmountMismatch, err.Error())
		case errors.Is(err, payment.ErrOrderNotPayable):
			api.WriteError(w, http.StatusConflict, api.ErrCodeConflict, err.Error())
		default:
			api.InternalError(w, "failed to create payment")
		}
		return
	}

	api.WriteData(w, http.StatusCreated, record)
}

// PaymentView is a payment record with its audit trail
type PaymentView struct {
	Payment *payment.Record           `json:"payment"`
	Events  []*payment.EventLogEntry  `json:"events"`
}

// Get handles GET /payments/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	merchantID := middleware.GetMerchantID(r.Context())
	if merchantID == "" {
		api.BadRequest(w, "merchant ID required")
		return
	}

	record, entries, err := h.service.Get(r.Context(), merchantID, chi.URLParam(r, "id"))
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "payment not found")
			return
		}
		api.InternalError(w, "failed to get payment")
		return
	}

	api.WriteData(w, http.StatusOK, PaymentView{Payment: record, Events: entries})
}

// Callback handles POST /payments/callback. A processable request is
// acked with a fixed 200 body so providers do not retry-storm rejected
// callbacks; malformed requests get a 400, and a callback whose effect
// could not be persisted gets a 500 so the provider redelivers it.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		api.BadRequest(w, "unreadable request body")
		return
	}

	var peek struct {
		PaymentID string `json:"payment_id"`
		Provider  string `json:"provider"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		api.BadRequest(w, "malformed callback payload")
		return
	}

	if _, err := h.service.ProcessCallback(r.Context(), payment.CallbackRequest{
		Provider:   payment.Provider(peek.Provider),
		Signature:  r.Header.Get("X-Signature"),
		RawPayload: raw,
	}); err != nil {
		h.logger.Error("callback processing failed",
			"payment_id", peek.PaymentID,
			"provider", peek.Provider,
			"error", err,
		)
		if errors.Is(err, payment.ErrPersistenceFailure) {
			api.WriteError(w, http.StatusInternalServerError, api.ErrCodePersistenceFailure, "callback could not be recorded")
			return
		}
	}

	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
