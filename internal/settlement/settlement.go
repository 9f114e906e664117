package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"vinowpay/internal/common/money"
)

// Status is the lifecycle state of a settlement
type Status string

const (
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Domain errors
var (
	ErrNotReconciled = errors.New("window has not been reconciled")
	ErrPayoutFailed  = errors.New("bank payout failed")
)

// BankAccount is the payout destination snapshotted onto each
// settlement at creation time
type BankAccount struct {
	BankName    string `json:"bank_name"`
	AccountNo   string `json:"account_no"`
	AccountName string `json:"account_name"`
}

// Record is one settlement of a reconciled window. Amounts are fixed
// at creation; only status, bank reference and failure reason change
// afterwards. A FAILED settlement stays failed until an operator
// intervenes.
type Record struct {
	ID            string      `json:"id"`
	SettlementNo  string      `json:"settlement_no"`
	MerchantID    string      `json:"merchant_id"`
	PeriodStart   time.Time   `json:"period_start"`
	PeriodEnd     time.Time   `json:"period_end"`
	OrderCount    int         `json:"order_count"`
	TotalAmount   money.Money `json:"total_amount"`
	FeeAmount     money.Money `json:"fee_amount"`
	RefundAmount  money.Money `json:"refund_amount"`
	NetAmount     money.Money `json:"net_amount"`
	Status        Status      `json:"status"`
	BankAccount   BankAccount `json:"bank_account"`
	BankReference string      `json:"bank_reference,omitempty"`
	FailureReason string      `json:"failure_reason,omitempty"`
	SettledAt     *time.Time  `json:"settled_at,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// NewSettlementNo builds a human-readable settlement number, for
// example STL20250301A1B2C3D4.
func NewSettlementNo(now time.Time, id ulid.ULID) string {
	s := id.String()
	return fmt.Sprintf("STL%s%s", now.UTC().Format("20060102"), s[len(s)-8:])
}

// DailySummary is the per-day financial rollup a settlement draws its
// totals from
type DailySummary struct {
	MerchantID   string      `json:"merchant_id"`
	Day          time.Time   `json:"day"`
	OrderCount   int         `json:"order_count"`
	TotalAmount  money.Money `json:"total_amount"`
	FeeAmount    money.Money `json:"fee_amount"`
	RefundAmount money.Money `json:"refund_amount"`
}

// PayoutRequest is a bank transfer instruction
type PayoutRequest struct {
	SettlementNo string
	MerchantID   string
	Amount       money.Money
	Account      BankAccount
	Description  string
}

// BankClient executes settlement payouts
type BankClient interface {
	Payout(ctx context.Context, req PayoutRequest) (reference string, err error)
}

// StatusSummary is a merchant's settlement position
type StatusSummary struct {
	MerchantID       string      `json:"merchant_id"`
	SettledAmount    money.Money `json:"settled_amount"`
	PendingAmount    money.Money `json:"pending_amount"`
	PendingOrders    int         `json:"pending_orders"`
	BankAccount      BankAccount `json:"bank_account"`
	LastSettlementAt *time.Time  `json:"last_settlement_at,omitempty"`
}

// Estimate projects the next settlement
type Estimate struct {
	MerchantID     string      `json:"merchant_id"`
	PeriodStart    time.Time   `json:"period_start"`
	PeriodEnd      time.Time   `json:"period_end"`
	PendingAmount  money.Money `json:"pending_amount"`
	EstimatedFee   money.Money `json:"estimated_fee"`
	EstimatedNet   money.Money `json:"estimated_net"`
	EligibleOrders int         `json:"eligible_orders"`
}
