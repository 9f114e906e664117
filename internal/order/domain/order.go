package domain

import (
	"errors"
	"fmt"
	"time"

	"vinowpay/internal/common/money"
)

// Status represents the lifecycle state of an order
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPaid      Status = "PAID"
	StatusConfirmed Status = "CONFIRMED"
	StatusPreparing Status = "PREPARING"
	StatusShipped   Status = "SHIPPED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
	StatusRefunded  Status = "REFUNDED"
)

// transitions is the allowed state machine. Terminal states have no
// outgoing edges.
var transitions = map[Status][]Status{
	StatusPending:   {StatusPaid, StatusConfirmed, StatusCancelled},
	StatusPaid:      {StatusConfirmed, StatusPreparing, StatusShipped, StatusCancelled, StatusRefunded},
	StatusConfirmed: {StatusPreparing, StatusShipped, StatusCancelled, StatusRefunded},
	StatusPreparing: {StatusShipped, StatusCompleted},
	StatusShipped:   {StatusCompleted},
	StatusCompleted: {},
	StatusCancelled: {},
	StatusRefunded:  {},
}

// IsValid reports whether s is a known status
func (s Status) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether s has no outgoing transitions
func (s Status) IsTerminal() bool {
	targets, ok := transitions[s]
	return ok && len(targets) == 0
}

// CanTransition reports whether from → to is an allowed transition
func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// PaymentApplied reports whether s reflects a payment that already
// took effect. A PAID transition requested against such an order is
// moot rather than invalid. CANCELLED is deliberately excluded: a
// success callback on a cancelled order must surface.
func (s Status) PaymentApplied() bool {
	switch s {
	case StatusPaid, StatusConfirmed, StatusPreparing, StatusShipped, StatusCompleted, StatusRefunded:
		return true
	default:
		return false
	}
}

// Domain errors
var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidAmount     = errors.New("invalid order amount")
)

// Order is the ledger record for a single purchase
type Order struct {
	ID            string         `json:"id"`
	OrderNo       string         `json:"order_no"`
	MerchantID    string         `json:"merchant_id"`
	CustomerID    string         `json:"customer_id"`
	Status        Status         `json:"status"`
	Subtotal      money.Money    `json:"subtotal"`
	Discount      money.Money    `json:"discount"`
	DeliveryFee   money.Money    `json:"delivery_fee"`
	FinalAmount   money.Money    `json:"final_amount"`
	Note          string         `json:"note,omitempty"`
	CancelReason  string         `json:"cancel_reason,omitempty"`
	PaidAt        *time.Time     `json:"paid_at,omitempty"`
	ConfirmedAt   *time.Time     `json:"confirmed_at,omitempty"`
	ShippedAt     *time.Time     `json:"shipped_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	CancelledAt   *time.Time     `json:"cancelled_at,omitempty"`
	RefundedAt    *time.Time     `json:"refunded_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// NewOrder creates a PENDING order and enforces the amount invariant:
// final = subtotal - discount + delivery fee, every component >= 0.
func NewOrder(id, orderNo, merchantID, customerID string, subtotal, discount, deliveryFee money.Money) (*Order, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}
	if orderNo == "" {
		return nil, errors.New("order_no is required")
	}
	if merchantID == "" {
		return nil, errors.New("merchant_id is required")
	}

	if subtotal.IsNegative() || discount.IsNegative() || deliveryFee.IsNegative() {
		return nil, fmt.Errorf("%w: components must be non-negative", ErrInvalidAmount)
	}

	final, err := subtotal.Sub(discount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	final, err = final.Add(deliveryFee)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if final.IsNegative() {
		return nil, fmt.Errorf("%w: final amount is negative", ErrInvalidAmount)
	}

	now := time.Now().UTC()
	return &Order{
		ID:          id,
		OrderNo:     orderNo,
		MerchantID:  merchantID,
		CustomerID:  customerID,
		Status:      StatusPending,
		Subtotal:    subtotal,
		Discount:    discount,
		DeliveryFee: deliveryFee,
		FinalAmount: final,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// StatusLogEntry is one immutable row of an order's transition history
type StatusLogEntry struct {
	ID         string    `json:"id"`
	OrderID    string    `json:"order_id"`
	FromStatus Status    `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	Reason     string    `json:"reason,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	Override   bool      `json:"override"`
	CreatedAt  time.Time `json:"created_at"`
}

// TerminalTimestampColumn returns the orders column that records when
// the given status was first reached, or "" if none exists.
func TerminalTimestampColumn(s Status) string {
	switch s {
	case StatusPaid:
		return "paid_at"
	case StatusConfirmed:
		return "confirmed_at"
	case StatusShipped:
		return "shipped_at"
	case StatusCompleted:
		return "completed_at"
	case StatusCancelled:
		return "cancelled_at"
	case StatusRefunded:
		return "refunded_at"
	default:
		return ""
	}
}

// Statistics summarizes orders over a trailing window
type Statistics struct {
	From          time.Time        `json:"from"`
	To            time.Time        `json:"to"`
	CountByStatus map[Status]int64 `json:"count_by_status"`
	TotalOrders   int64            `json:"total_orders"`
	TotalAmount   money.Money      `json:"total_amount"`
	AverageAmount money.Money      `json:"average_amount"`
}
