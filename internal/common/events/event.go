package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id"`
	CausationID   string          `json:"causation_id,omitempty"`
	MerchantID    string          `json:"merchant_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType string, merchantID, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		MerchantID:    merchantID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation adds correlation and causation IDs
func (e *Event) WithCorrelation(correlationID, causationID string) *Event {
	e.CorrelationID = correlationID
	e.CausationID = causationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// EventPublisher publishes events to a message broker
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
	PublishBatch(ctx context.Context, events []*Event) error
}

// EventHandler handles incoming events
type EventHandler interface {
	Handle(ctx context.Context, event *Event) error
	EventTypes() []string
}

// Common event types
const (
	// Order events
	EventOrderCreated    = "order.created"
	EventOrderPaid       = "order.paid"
	EventOrderConfirmed  = "order.confirmed"
	EventOrderShipped    = "order.shipped"
	EventOrderCompleted  = "order.completed"
	EventOrderCancelled  = "order.cancelled"
	EventOrderRefunded   = "order.refunded"
	EventOrderTransition = "order.transition"

	// Payment events
	EventPaymentCreated   = "payment.created"
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentFailed    = "payment.failed"
	EventPaymentExpired   = "payment.expired"
	EventPaymentRejected  = "payment.rejected"

	// Reconciliation events
	EventReconciliationStarted   = "reconciliation.started"
	EventReconciliationCompleted = "reconciliation.completed"
	EventReconciliationFailed    = "reconciliation.failed"
	EventDisputeSubmitted        = "reconciliation.dispute.submitted"
	EventDisputeResolved         = "reconciliation.dispute.resolved"

	// Settlement events
	EventSettlementStarted   = "settlement.started"
	EventSettlementCompleted = "settlement.completed"
	EventSettlementFailed    = "settlement.failed"
)

// Event data structures

// OrderTransitionData is the data for order transition events
type OrderTransitionData struct {
	OrderID    string    `json:"order_id"`
	OrderNo    string    `json:"order_no"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Actor      string    `json:"actor"`
	OccurredAt time.Time `json:"occurred_at"`
}

// PaymentSucceededData is the data for payment.succeeded events
type PaymentSucceededData struct {
	PaymentNo     string    `json:"payment_no"`
	OrderID       string    `json:"order_id"`
	Channel       string    `json:"channel"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	TransactionID string    `json:"transaction_id"`
	PaidAt        time.Time `json:"paid_at"`
}

// ReconciliationCompletedData is the data for reconciliation.completed events
type ReconciliationCompletedData struct {
	ReconciliationID string `json:"reconciliation_id"`
	MerchantID       string `json:"merchant_id"`
	PeriodStart      string `json:"period_start"`
	PeriodEnd        string `json:"period_end"`
	Result           string `json:"result"`
	MatchedCount     int    `json:"matched_count"`
	MismatchedCount  int    `json:"mismatched_count"`
	Difference       int64  `json:"difference"`
}

// SettlementCompletedData is the data for settlement.completed events
type SettlementCompletedData struct {
	SettlementNo string    `json:"settlement_no"`
	MerchantID   string    `json:"merchant_id"`
	GrossAmount  int64     `json:"gross_amount"`
	FeeAmount    int64     `json:"fee_amount"`
	RefundAmount int64     `json:"refund_amount"`
	NetAmount    int64     `json:"net_amount"`
	Currency     string    `json:"currency"`
	SettledAt    time.Time `json:"settled_at"`
}
