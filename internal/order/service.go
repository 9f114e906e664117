package order

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"vinowpay/internal/common/events"
	"vinowpay/internal/common/money"
	"vinowpay/internal/order/domain"
	"vinowpay/internal/order/store"
)

// Store is the persistence interface the service depends on
type Store interface {
	Create(ctx context.Context, order *domain.Order) error
	Get(ctx context.Context, merchantID, id string) (*domain.Order, error)
	GetByID(ctx context.Context, id string) (*domain.Order, error)
	GetByOrderNo(ctx context.Context, merchantID, orderNo string) (*domain.Order, error)
	List(ctx context.Context, merchantID string, filter store.ListFilter, limit, offset int) ([]*domain.Order, int64, error)
	Transition(ctx context.Context, orderID string, from, to domain.Status, reason, actor string, override bool) (*domain.Order, error)
	GetStatusLog(ctx context.Context, orderID string) ([]*domain.StatusLogEntry, error)
	Statistics(ctx context.Context, merchantID string, from, to time.Time) (*domain.Statistics, error)
}

// Service provides order operations
type Service struct {
	store     Store
	publisher events.EventPublisher
	logger    *slog.Logger
}

// NewService creates a new order service
func NewService(store Store, publisher events.EventPublisher, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		publisher: publisher,
		logger:    logger,
	}
}

// CreateRequest is the request to create an order
type CreateRequest struct {
	MerchantID  string `json:"merchant_id" validate:"required"`
	CustomerID  string `json:"customer_id" validate:"required"`
	Subtotal    int64  `json:"subtotal" validate:"gte=0"`
	Discount    int64  `json:"discount" validate:"gte=0"`
	DeliveryFee int64  `json:"delivery_fee" validate:"gte=0"`
	Note        string `json:"note"`
}

// Create creates a new PENDING order
func (s *Service) Create(ctx context.Context, req CreateRequest) (*domain.Order, error) {
	id := ulid.Make().String()
	orderNo := newOrderNo(id)

	order, err := domain.NewOrder(
		id, orderNo, req.MerchantID, req.CustomerID,
		money.VNDAmount(req.Subtotal),
		money.VNDAmount(req.Discount),
		money.VNDAmount(req.DeliveryFee),
	)
	if err != nil {
		return nil, err
	}
	order.Note = req.Note

	if err := s.store.Create(ctx, order); err != nil {
		return nil, err
	}

	s.logger.Info("order created",
		"order_id", order.ID,
		"order_no", order.OrderNo,
		"merchant_id", order.MerchantID,
		"final_amount", order.FinalAmount.AmountMinor,
	)

	s.publishEvent(ctx, events.EventOrderCreated, order, "", order.Status, "created")

	return order, nil
}

// Get retrieves a merchant's order
func (s *Service) Get(ctx context.Context, merchantID, id string) (*domain.Order, error) {
	return s.store.Get(ctx, merchantID, id)
}

// List lists a merchant's orders with filters
func (s *Service) List(ctx context.Context, merchantID string, filter store.ListFilter, limit, offset int) ([]*domain.Order, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	return s.store.List(ctx, merchantID, filter, limit, offset)
}

// Cancel cancels an order with a mandatory reason
func (s *Service) Cancel(ctx context.Context, merchantID, id, reason, actor string) (*domain.Order, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("cancel reason is required")
	}

	order, err := s.store.Get(ctx, merchantID, id)
	if err != nil {
		return nil, err
	}

	return s.transition(ctx, order, domain.StatusCancelled, reason, actor, false)
}

// UpdateStatus applies an operator-initiated status change. With
// override set, the transition table check is skipped but the change is
// still CAS-guarded and logged with the override flag.
func (s *Service) UpdateStatus(ctx context.Context, merchantID, id string, to domain.Status, reason, actor string, override bool) (*domain.Order, error) {
	if !to.IsValid() {
		return nil, fmt.Errorf("unknown status %q: %w", to, domain.ErrInvalidTransition)
	}

	order, err := s.store.Get(ctx, merchantID, id)
	if err != nil {
		return nil, err
	}

	return s.transition(ctx, order, to, reason, actor, override)
}

// MarkPaid transitions an order from PENDING to PAID. A lost race where
// the order already reached PAID or beyond is treated as applied.
func (s *Service) MarkPaid(ctx context.Context, orderID, reason string) (*domain.Order, bool, error) {
	order, err := s.store.GetByID(ctx, orderID)
	if err != nil {
		return nil, false, err
	}

	if order.Status.PaymentApplied() {
		return order, false, nil
	}

	updated, err := s.transition(ctx, order, domain.StatusPaid, reason, "system", false)
	if err != nil {
		current, readErr := s.store.GetByID(ctx, orderID)
		if readErr == nil && current.Status.PaymentApplied() {
			return current, false, nil
		}
		return nil, false, err
	}

	return updated, true, nil
}

// Tracking is the tracking view of an order
type Tracking struct {
	OrderID string                   `json:"order_id"`
	OrderNo string                   `json:"order_no"`
	Status  domain.Status            `json:"status"`
	History []*domain.StatusLogEntry `json:"history"`
}

// Track returns an order's current status and transition history
func (s *Service) Track(ctx context.Context, merchantID, id string) (*Tracking, error) {
	order, err := s.store.Get(ctx, merchantID, id)
	if err != nil {
		return nil, err
	}

	history, err := s.store.GetStatusLog(ctx, order.ID)
	if err != nil {
		return nil, err
	}

	return &Tracking{
		OrderID: order.ID,
		OrderNo: order.OrderNo,
		Status:  order.Status,
		History: history,
	}, nil
}

// Statistics aggregates a merchant's orders over a trailing window
func (s *Service) Statistics(ctx context.Context, merchantID string, windowDays int) (*domain.Statistics, error) {
	if windowDays <= 0 {
		windowDays = 30
	}
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -windowDays)
	return s.store.Statistics(ctx, merchantID, from, to)
}

func (s *Service) transition(ctx context.Context, order *domain.Order, to domain.Status, reason, actor string, override bool) (*domain.Order, error) {
	from := order.Status

	if !override && !domain.CanTransition(from, to) {
		return nil, fmt.Errorf("cannot transition %s from %s to %s: %w",
			order.ID, from, to, domain.ErrInvalidTransition)
	}

	updated, err := s.store.Transition(ctx, order.ID, from, to, reason, actor, override)
	if err != nil {
		return nil, err
	}

	s.logger.Info("order transitioned",
		"order_id", order.ID,
		"from", from,
		"to", to,
		"actor", actor,
		"override", override,
	)

	s.publishEvent(ctx, transitionEventType(to), updated, from, to, reason)

	return updated, nil
}

func (s *Service) publishEvent(ctx context.Context, eventType string, order *domain.Order, from, to domain.Status, reason string) {
	if s.publisher == nil {
		return
	}

	data := events.OrderTransitionData{
		OrderID:    order.ID,
		OrderNo:    order.OrderNo,
		FromStatus: string(from),
		ToStatus:   string(to),
		Actor:      reason,
		OccurredAt: time.Now().UTC(),
	}

	event, err := events.NewEvent(eventType, order.MerchantID, "order", order.ID, data)
	if err != nil {
		s.logger.Error("building order event", "error", err, "order_id", order.ID)
		return
	}

	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("publishing order event", "error", err, "order_id", order.ID, "type", eventType)
	}
}

func transitionEventType(to domain.Status) string {
	switch to {
	case domain.StatusPaid:
		return events.EventOrderPaid
	case domain.StatusConfirmed:
		return events.EventOrderConfirmed
	case domain.StatusShipped:
		return events.EventOrderShipped
	case domain.StatusCompleted:
		return events.EventOrderCompleted
	case domain.StatusCancelled:
		return events.EventOrderCancelled
	case domain.StatusRefunded:
		return events.EventOrderRefunded
	default:
		return events.EventOrderTransition
	}
}

func newOrderNo(id string) string {
	return "ORD" + time.Now().UTC().Format("20060102") + id[len(id)-8:]
}
