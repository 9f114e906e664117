package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"vinowpay/internal/common/database"
	"vinowpay/internal/common/events"
	"vinowpay/internal/common/money"
	orderdomain "vinowpay/internal/order/domain"
)

// Config holds payment configuration
type Config struct {
	Secrets       Secrets
	ExpiryMinutes int `envconfig:"PAYMENT_EXPIRY_MINUTES" default:"15"`
}

// Store is the persistence interface the service depends on
type Store interface {
	Create(ctx context.Context, record *Record, entry *EventLogEntry) error
	Get(ctx context.Context, id string) (*Record, error)
	ApplyCallback(ctx context.Context, id string, status Status, transactionID string, paidAt *time.Time, entry *EventLogEntry) error
	AppendEvent(ctx context.Context, entry *EventLogEntry) error
	ListEvents(ctx context.Context, paymentID string) ([]*EventLogEntry, error)
	ExpirePending(ctx context.Context, now time.Time) ([]string, error)
}

// Orders is the slice of the order service the payment flow needs
type Orders interface {
	Get(ctx context.Context, merchantID, id string) (*orderdomain.Order, error)
	MarkPaid(ctx context.Context, orderID, reason string) (*orderdomain.Order, bool, error)
}

// Service provides payment operations
type Service struct {
	store     Store
	orders    Orders
	cfg       Config
	publisher events.EventPublisher
	logger    *slog.Logger
}

// NewService creates a new payment service
func NewService(store Store, orders Orders, cfg Config, publisher events.EventPublisher, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		orders:    orders,
		cfg:       cfg,
		publisher: publisher,
		logger:    logger,
	}
}

// CreateRequest is the request to create a payment intent
type CreateRequest struct {
	MerchantID string   `json:"merchant_id" validate:"required"`
	OrderID    string   `json:"order_id" validate:"required"`
	Provider   Provider `json:"provider" validate:"required"`
	Amount     int64    `json:"amount" validate:"required,gt=0"`
}

// Create opens a new payment intent for a pending order. Retrying a
// payment always creates a fresh record; the record ID is the
// provider-facing idempotency key.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Record, error) {
	if !req.Provider.IsValid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, req.Provider)
	}
	if req.Amount < MinAmount || req.Amount > MaxAmount {
		return nil, fmt.Errorf("%w: %d not in [%d, %d]", ErrAmountOutOfRange, req.Amount, MinAmount, MaxAmount)
	}

	order, err := s.orders.Get(ctx, req.MerchantID, req.OrderID)
	if err != nil {
		return nil, err
	}
	if order.Status != orderdomain.StatusPending {
		return nil, fmt.Errorf("%w: order is %s", ErrOrderNotPayable, order.Status)
	}
	if req.Amount != order.FinalAmount.AmountMinor {
		return nil, fmt.Errorf("%w: intent %d, order %d", ErrAmountMismatch, req.Amount, order.FinalAmount.AmountMinor)
	}

	now := time.Now().UTC()
	record := &Record{
		ID:         ulid.Make().String(),
		OrderID:    order.ID,
		MerchantID: order.MerchantID,
		Provider:   req.Provider,
		Amount:     money.VNDAmount(req.Amount),
		Status:     StatusPending,
		ExpiresAt:  now.Add(time.Duration(s.cfg.ExpiryMinutes) * time.Minute),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	entry := &EventLogEntry{
		ID:        ulid.Make().String(),
		PaymentID: record.ID,
		Kind:      EventCreated,
		Detail:    string(req.Provider),
		CreatedAt: now,
	}

	if err := s.store.Create(ctx, record, entry); err != nil {
		return nil, err
	}

	s.logger.Info("payment intent created",
		"payment_id", record.ID,
		"order_id", record.OrderID,
		"provider", record.Provider,
		"amount", record.Amount.AmountMinor,
	)

	s.publish(ctx, events.EventPaymentCreated, record)

	return record, nil
}

// Get returns a payment record with its audit trail, scoped to a merchant
func (s *Service) Get(ctx context.Context, merchantID, id string) (*Record, []*EventLogEntry, error) {
	record, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if record.MerchantID != merchantID {
		return nil, nil, database.ErrNotFound
	}

	entries, err := s.store.ListEvents(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	return record, entries, nil
}

// CallbackRequest is a provider callback before verification
type CallbackRequest struct {
	Provider   Provider
	Signature  string
	RawPayload []byte
}

// ProcessCallback applies a provider callback exactly once:
//
//  1. verify the payload signature (constant time, fail closed)
//  2. look up the payment record
//  3. same reported status as stored is a duplicate delivery: no-op
//  4. reported amount differing from the record is rejected unmutated
//  5. persist the status change; SUCCESS also marks the order PAID,
//     tolerating a lost race where the payment already took effect
//
// Every attempt that reaches a known record leaves an audit row; a
// failed audit write fails the whole call.
func (s *Service) ProcessCallback(ctx context.Context, req CallbackRequest) (*Record, error) {
	var cb Callback
	if err := json.Unmarshal(req.RawPayload, &cb); err != nil {
		return nil, fmt.Errorf("parsing callback payload: %w", err)
	}

	secret, err := s.cfg.Secrets.For(req.Provider)
	if err != nil {
		return nil, err
	}

	if !VerifySignature(req.RawPayload, req.Signature, secret) {
		s.logger.Warn("callback signature rejected",
			"payment_id", cb.PaymentID,
			"provider", req.Provider,
		)
		if _, lookupErr := s.store.Get(ctx, cb.PaymentID); lookupErr == nil {
			if logErr := s.append(ctx, cb, EventRejectedSignature, "signature mismatch", req.RawPayload); logErr != nil {
				return nil, logErr
			}
		}
		return nil, ErrSignatureVerification
	}

	record, err := s.store.Get(ctx, cb.PaymentID)
	if err != nil {
		return nil, err
	}
	if record.Provider != req.Provider {
		if logErr := s.append(ctx, cb, EventRejectedSignature, "provider mismatch", req.RawPayload); logErr != nil {
			return nil, logErr
		}
		return nil, ErrSignatureVerification
	}

	status, ok := CallbackStatus(cb.Status)
	if !ok {
		if logErr := s.append(ctx, cb, EventRejectedState, "unknown reported status", req.RawPayload); logErr != nil {
			return nil, logErr
		}
		return nil, fmt.Errorf("unknown reported status %q", cb.Status)
	}

	if record.Status == status {
		s.logger.Info("duplicate callback ignored",
			"payment_id", record.ID,
			"status", status,
		)
		if logErr := s.append(ctx, cb, EventDuplicate, "", req.RawPayload); logErr != nil {
			return nil, logErr
		}
		return record, nil
	}

	if cb.Amount != nil && *cb.Amount != record.Amount.AmountMinor {
		s.logger.Warn("callback amount mismatch",
			"payment_id", record.ID,
			"reported", *cb.Amount,
			"recorded", record.Amount.AmountMinor,
		)
		if logErr := s.append(ctx, cb, EventRejectedAmount,
			fmt.Sprintf("reported %d, recorded %d", *cb.Amount, record.Amount.AmountMinor), req.RawPayload); logErr != nil {
			return nil, logErr
		}
		return nil, ErrAmountMismatch
	}

	var paidAt *time.Time
	if status == StatusSuccess {
		now := time.Now().UTC()
		paidAt = &now
	}

	entry := &EventLogEntry{
		ID:             ulid.Make().String(),
		PaymentID:      record.ID,
		Kind:           EventAccepted,
		ReportedStatus: cb.Status,
		Payload:        req.RawPayload,
		CreatedAt:      time.Now().UTC(),
	}

	if err := s.store.ApplyCallback(ctx, record.ID, status, cb.TransactionID, paidAt, entry); err != nil {
		s.logger.Error("applying callback",
			"payment_id", record.ID,
			"provider", record.Provider,
			"status", status,
			"error", err,
		)
		return nil, err
	}

	record.Status = status
	if cb.TransactionID != "" {
		record.TransactionID = cb.TransactionID
	}
	record.PaidAt = paidAt

	s.logger.Info("callback applied",
		"payment_id", record.ID,
		"order_id", record.OrderID,
		"status", status,
	)

	if status == StatusSuccess {
		if _, _, err := s.orders.MarkPaid(ctx, record.OrderID, "payment_success"); err != nil {
			s.logger.Error("marking order paid",
				"payment_id", record.ID,
				"order_id", record.OrderID,
				"error", err,
			)
			return nil, fmt.Errorf("marking order paid: %w", err)
		}
		s.publish(ctx, events.EventPaymentSucceeded, record)
	} else {
		s.publish(ctx, events.EventPaymentFailed, record)
	}

	return record, nil
}

// Sweep expires overdue pending payments. Wired to a scheduled job.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	expired, err := s.store.ExpirePending(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	if len(expired) > 0 {
		s.logger.Info("expired pending payments", "count", len(expired))
		if s.publisher != nil {
			for _, id := range expired {
				record, err := s.store.Get(ctx, id)
				if err != nil {
					continue
				}
				s.publish(ctx, events.EventPaymentExpired, record)
			}
		}
	}

	return len(expired), nil
}

func (s *Service) append(ctx context.Context, cb Callback, kind, detail string, payload []byte) error {
	entry := &EventLogEntry{
		ID:             ulid.Make().String(),
		PaymentID:      cb.PaymentID,
		Kind:           kind,
		ReportedStatus: cb.Status,
		Detail:         detail,
		Payload:        payload,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.AppendEvent(ctx, entry); err != nil {
		s.logger.Error("appending payment audit entry",
			"payment_id", cb.PaymentID,
			"kind", kind,
			"error", err,
		)
		return err
	}
	return nil
}

func (s *Service) publish(ctx context.Context, eventType string, record *Record) {
	if s.publisher == nil {
		return
	}

	data := events.PaymentSucceededData{
		PaymentNo:     record.ID,
		OrderID:       record.OrderID,
		Channel:       string(record.Provider),
		Amount:        record.Amount.AmountMinor,
		Currency:      string(record.Amount.Currency),
		TransactionID: record.TransactionID,
	}
	if record.PaidAt != nil {
		data.PaidAt = *record.PaidAt
	}

	event, err := events.NewEvent(eventType, record.MerchantID, "payment", record.ID, data)
	if err != nil {
		s.logger.Error("building payment event", "error", err, "payment_id", record.ID)
		return
	}

	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("publishing payment event", "error", err, "payment_id", record.ID, "type", eventType)
	}
}
