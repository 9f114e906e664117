package recon

import (
	"context"
	"errors"
	"time"

	"vinowpay/internal/common/money"
)

// Status is the outcome of a reconciliation run
type Status string

const (
	StatusMatched    Status = "MATCHED"
	StatusMismatched Status = "MISMATCHED"
	StatusError      Status = "ERROR"
)

// Domain errors
var (
	ErrAlreadyReconciling   = errors.New("reconciliation already exists for this window")
	ErrStatementUnavailable = errors.New("external statement unavailable")
	ErrInvalidDisputeOrders = errors.New("dispute orders must be a non-empty subset of the mismatched orders")
	ErrNotMismatched        = errors.New("reconciliation is not mismatched")
	ErrDisputeNotPending    = errors.New("dispute is not pending")
)

// Log is the persisted result of one reconciliation window. Everything
// except ResolvedOrderIDs is immutable after creation; ERROR rows are
// the exception and are overwritten by a successful re-run.
type Log struct {
	ID                 string      `json:"id"`
	MerchantID         string      `json:"merchant_id"`
	PeriodStart        time.Time   `json:"period_start"`
	PeriodEnd          time.Time   `json:"period_end"`
	Status             Status      `json:"status"`
	PlatformTotal      money.Money `json:"platform_total"`
	ExternalTotal      money.Money `json:"external_total"`
	Difference         money.Money `json:"difference"`
	PlatformCount      int         `json:"platform_count"`
	ExternalCount      int         `json:"external_count"`
	MatchedCount       int         `json:"matched_count"`
	MismatchedOrderIDs []string    `json:"mismatched_order_ids"`
	ResolvedOrderIDs   []string    `json:"resolved_order_ids"`
	ErrorMessage       string      `json:"error_message,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// Settleable reports whether the window may be settled: either fully
// matched, or every mismatched order has been resolved via dispute.
func (l *Log) Settleable() bool {
	switch l.Status {
	case StatusMatched:
		return true
	case StatusMismatched:
		resolved := make(map[string]struct{}, len(l.ResolvedOrderIDs))
		for _, id := range l.ResolvedOrderIDs {
			resolved[id] = struct{}{}
		}
		for _, id := range l.MismatchedOrderIDs {
			if _, ok := resolved[id]; !ok {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// RetainMismatched filters ids down to the ones still present in the
// log's mismatched set, preserving order. Resolutions only ever apply
// to orders that are actually mismatched; everything else is moot.
func (l *Log) RetainMismatched(ids []string) []string {
	mismatched := make(map[string]struct{}, len(l.MismatchedOrderIDs))
	for _, id := range l.MismatchedOrderIDs {
		mismatched[id] = struct{}{}
	}
	out := []string{}
	for _, id := range ids {
		if _, ok := mismatched[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// StatementEntry is one line of an external provider statement
type StatementEntry struct {
	ReferenceNo string `json:"reference_no"`
	Amount      int64  `json:"amount"`
}

// StatementFeed fetches the external side of a reconciliation window
type StatementFeed interface {
	Fetch(ctx context.Context, merchantID string, periodStart, periodEnd time.Time) ([]StatementEntry, error)
}

// PlatformOrder is the platform side of the match: a completed order's
// identity and amount keyed by its order number.
type PlatformOrder struct {
	OrderID string
	OrderNo string
	Amount  int64
}

// DisputeStatus is the lifecycle state of a dispute
type DisputeStatus string

const (
	DisputePending  DisputeStatus = "PENDING"
	DisputeAccepted DisputeStatus = "ACCEPTED"
	DisputeRejected DisputeStatus = "REJECTED"
)

// Dispute is a merchant challenge against mismatched orders in a
// reconciliation log
type Dispute struct {
	ID               string        `json:"id"`
	MerchantID       string        `json:"merchant_id"`
	ReconciliationID string        `json:"reconciliation_id"`
	OrderIDs         []string      `json:"order_ids"`
	Reason           string        `json:"reason"`
	Evidence         string        `json:"evidence,omitempty"`
	Status           DisputeStatus `json:"status"`
	ResolutionNote   string        `json:"resolution_note,omitempty"`
	ResolvedBy       string        `json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time    `json:"resolved_at,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
}
