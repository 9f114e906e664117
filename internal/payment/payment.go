package payment

import (
	"encoding/json"
	"errors"
	"time"

	"vinowpay/internal/common/money"
)

// Provider identifies a payment channel
type Provider string

const (
	ProviderMomo    Provider = "momo"
	ProviderZalopay Provider = "zalopay"
)

// IsValid reports whether p is a supported provider
func (p Provider) IsValid() bool {
	return p == ProviderMomo || p == ProviderZalopay
}

// Status represents the state of a payment record
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusExpired   Status = "EXPIRED"
)

// IsValid reports whether s is a known status
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusSuccess, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Provider amount limits, in đồng
const (
	MinAmount int64 = 1_000
	MaxAmount int64 = 20_000_000
)

// Domain errors
var (
	ErrSignatureVerification = errors.New("signature verification failed")
	ErrAmountMismatch        = errors.New("callback amount does not match payment record")
	ErrAmountOutOfRange      = errors.New("amount outside provider limits")
	ErrUnknownProvider       = errors.New("unknown payment provider")
	ErrOrderNotPayable       = errors.New("order is not payable")
	ErrPersistenceFailure    = errors.New("payment event log write failed")
)

// Record is a single payment attempt against an order. The record ID
// doubles as the provider-facing payment reference and idempotency key;
// retrying a payment creates a new record.
type Record struct {
	ID            string      `json:"id"`
	OrderID       string      `json:"order_id"`
	MerchantID    string      `json:"merchant_id"`
	Provider      Provider    `json:"provider"`
	Amount        money.Money `json:"amount"`
	Status        Status      `json:"status"`
	TransactionID string      `json:"transaction_id,omitempty"`
	PaidAt        *time.Time  `json:"paid_at,omitempty"`
	ExpiresAt     time.Time   `json:"expires_at"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Expired reports whether the record's payment window has passed
func (r *Record) Expired(now time.Time) bool {
	return r.Status == StatusPending && now.After(r.ExpiresAt)
}

// Event log kinds. Every callback attempt leaves a row, accepted or not.
const (
	EventCreated           = "created"
	EventAccepted          = "accepted"
	EventDuplicate         = "duplicate"
	EventRejectedSignature = "rejected_signature"
	EventRejectedAmount    = "rejected_amount"
	EventRejectedState     = "rejected_state"
	EventExpired           = "expired"
)

// EventLogEntry is one append-only audit row for a payment
type EventLogEntry struct {
	ID             string          `json:"id"`
	PaymentID      string          `json:"payment_id"`
	Kind           string          `json:"kind"`
	ReportedStatus string          `json:"reported_status,omitempty"`
	Detail         string          `json:"detail,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Callback is the parsed provider callback payload
type Callback struct {
	PaymentID     string `json:"payment_id"`
	Status        string `json:"status"`
	Amount        *int64 `json:"amount,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// CallbackStatus maps a provider-reported status string onto a record
// status. Providers report lowercase verbs.
func CallbackStatus(reported string) (Status, bool) {
	switch reported {
	case "success", "paid":
		return StatusSuccess, true
	case "failed":
		return StatusFailed, true
	case "cancelled", "canceled":
		return StatusCancelled, true
	case "expired":
		return StatusExpired, true
	default:
		return "", false
	}
}
