package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"vinowpay/internal/common/database"
	"vinowpay/internal/common/events"
	"vinowpay/internal/common/money"
	"vinowpay/internal/recon"
)

// Config holds settlement knobs
type Config struct {
	FeeRateBasisPoints int64         `envconfig:"FEE_RATE_BASIS_POINTS" default:"200"`
	Period             time.Duration `envconfig:"SETTLEMENT_PERIOD" default:"168h"`
}

// Store defines settlement persistence operations
type Store interface {
	Insert(ctx context.Context, rec *Record) error
	Update(ctx context.Context, rec *Record) error
	Get(ctx context.Context, merchantID, id string) (*Record, error)
	GetByWindow(ctx context.Context, merchantID string, periodStart, periodEnd time.Time) (*Record, error)
	History(ctx context.Context, merchantID string, filter HistoryFilter, limit, offset int) ([]*Record, int64, error)
	LastCompleted(ctx context.Context, merchantID string) (*Record, error)
	RefreshDailySummaries(ctx context.Context, merchantID string, periodStart, periodEnd time.Time, feeBasisPoints int64) error
	SummaryTotals(ctx context.Context, merchantID string, periodStart, periodEnd time.Time) (total, refund int64, orderCount int, err error)
	PendingOrders(ctx context.Context, merchantID string, since time.Time) (count int, total int64, err error)
	SettledTotal(ctx context.Context, merchantID string) (int64, error)
	BankAccount(ctx context.Context, merchantID string) (BankAccount, error)
}

// HistoryFilter holds settlement history filters
type HistoryFilter struct {
	Status *Status
	From   *time.Time
	To     *time.Time
}

// ReconChecker reports the reconciliation state of a window
type ReconChecker interface {
	GetByWindow(ctx context.Context, merchantID string, periodStart, periodEnd time.Time) (*recon.Log, error)
}

// Service runs settlements and answers settlement queries
type Service struct {
	config    Config
	store     Store
	recons    ReconChecker
	bank      BankClient
	publisher events.EventPublisher
	logger    *slog.Logger
}

// NewService creates a new settlement service
func NewService(cfg Config, store Store, recons ReconChecker, bank BankClient, publisher events.EventPublisher, logger *slog.Logger) *Service {
	return &Service{
		config:    cfg,
		store:     store,
		recons:    recons,
		bank:      bank,
		publisher: publisher,
		logger:    logger,
	}
}

// Settle pays out a reconciled window. The window must have a
// reconciliation log that is MATCHED or fully dispute-resolved. An
// existing settlement for the window is returned unchanged, FAILED
// ones included; a failed payout is never retried implicitly.
func (s *Service) Settle(ctx context.Context, merchantID string, periodStart, periodEnd time.Time) (*Record, error) {
	existing, err := s.store.GetByWindow(ctx, merchantID, periodStart, periodEnd)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	reconLog, err := s.recons.GetByWindow(ctx, merchantID, periodStart, periodEnd)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("no reconciliation for window: %w", ErrNotReconciled)
		}
		return nil, err
	}
	if !reconLog.Settleable() {
		return nil, fmt.Errorf("reconciliation %s is %s with unresolved mismatches: %w",
			reconLog.ID, reconLog.Status, ErrNotReconciled)
	}

	if err := s.store.RefreshDailySummaries(ctx, merchantID, periodStart, periodEnd, s.config.FeeRateBasisPoints); err != nil {
		return nil, err
	}

	total, refund, orderCount, err := s.store.SummaryTotals(ctx, merchantID, periodStart, periodEnd)
	if err != nil {
		return nil, err
	}

	account, err := s.store.BankAccount(ctx, merchantID)
	if err != nil {
		return nil, err
	}

	totalAmount := money.VNDAmount(total)
	feeAmount := totalAmount.Percentage(s.config.FeeRateBasisPoints)
	refundAmount := money.VNDAmount(refund)
	netAmount := money.VNDAmount(total - feeAmount.AmountMinor - refund)

	now := time.Now().UTC()
	id := ulid.Make()
	rec := &Record{
		ID:           id.String(),
		SettlementNo: NewSettlementNo(now, id),
		MerchantID:   merchantID,
		PeriodStart:  periodStart,
		PeriodEnd:    periodEnd,
		OrderCount:   orderCount,
		TotalAmount:  totalAmount,
		FeeAmount:    feeAmount,
		RefundAmount: refundAmount,
		NetAmount:    netAmount,
		Status:       StatusProcessing,
		BankAccount:  account,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.store.Insert(ctx, rec); err != nil {
		if errors.Is(err, database.ErrAlreadyExists) {
			// Concurrent settle of the same window; the first writer wins.
			return s.store.GetByWindow(ctx, merchantID, periodStart, periodEnd)
		}
		return nil, err
	}

	s.publish(ctx, events.EventSettlementStarted, rec)

	reference, payoutErr := s.bank.Payout(ctx, PayoutRequest{
		SettlementNo: rec.SettlementNo,
		MerchantID:   merchantID,
		Amount:       netAmount,
		Account:      account,
		Description:  fmt.Sprintf("Settlement %s", rec.SettlementNo),
	})
	if payoutErr != nil {
		rec.Status = StatusFailed
		rec.FailureReason = payoutErr.Error()
		rec.UpdatedAt = time.Now().UTC()
		if err := s.store.Update(ctx, rec); err != nil {
			return nil, err
		}
		s.logger.Error("settlement payout failed",
			"settlement_no", rec.SettlementNo,
			"merchant_id", merchantID,
			"net_amount", netAmount.AmountMinor,
			"error", payoutErr,
		)
		s.publish(ctx, events.EventSettlementFailed, rec)
		return rec, fmt.Errorf("%w: %v", ErrPayoutFailed, payoutErr)
	}

	settledAt := time.Now().UTC()
	rec.Status = StatusCompleted
	rec.BankReference = reference
	rec.SettledAt = &settledAt
	rec.UpdatedAt = settledAt
	if err := s.store.Update(ctx, rec); err != nil {
		return nil, err
	}

	s.logger.Info("settlement completed",
		"settlement_no", rec.SettlementNo,
		"merchant_id", merchantID,
		"orders", orderCount,
		"total", total,
		"fee", feeAmount.AmountMinor,
		"refund", refund,
		"net", netAmount.AmountMinor,
	)

	s.publish(ctx, events.EventSettlementCompleted, rec)

	return rec, nil
}

// Status summarizes a merchant's settlement position
func (s *Service) Status(ctx context.Context, merchantID string) (*StatusSummary, error) {
	settled, err := s.store.SettledTotal(ctx, merchantID)
	if err != nil {
		return nil, err
	}

	account, err := s.store.BankAccount(ctx, merchantID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	summary := &StatusSummary{
		MerchantID:    merchantID,
		SettledAmount: money.VNDAmount(settled),
		BankAccount:   account,
	}

	var since time.Time
	last, err := s.store.LastCompleted(ctx, merchantID)
	switch {
	case err == nil:
		summary.LastSettlementAt = last.SettledAt
		since = last.PeriodEnd
	case errors.Is(err, database.ErrNotFound):
		// No settlements yet; everything completed is pending.
	default:
		return nil, err
	}

	count, pending, err := s.store.PendingOrders(ctx, merchantID, since)
	if err != nil {
		return nil, err
	}
	summary.PendingAmount = money.VNDAmount(pending)
	summary.PendingOrders = count

	return summary, nil
}

// Estimate projects the next settlement window and amounts
func (s *Service) Estimate(ctx context.Context, merchantID string) (*Estimate, error) {
	var periodStart time.Time
	last, err := s.store.LastCompleted(ctx, merchantID)
	switch {
	case err == nil:
		periodStart = last.PeriodEnd
	case errors.Is(err, database.ErrNotFound):
		periodStart = time.Now().UTC().Add(-s.config.Period).Truncate(24 * time.Hour)
	default:
		return nil, err
	}
	periodEnd := periodStart.Add(s.config.Period)

	count, pending, err := s.store.PendingOrders(ctx, merchantID, periodStart)
	if err != nil {
		return nil, err
	}

	pendingAmount := money.VNDAmount(pending)
	fee := pendingAmount.Percentage(s.config.FeeRateBasisPoints)

	return &Estimate{
		MerchantID:     merchantID,
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
		PendingAmount:  pendingAmount,
		EstimatedFee:   fee,
		EstimatedNet:   money.VNDAmount(pending - fee.AmountMinor),
		EligibleOrders: count,
	}, nil
}

// History lists a merchant's settlements
func (s *Service) History(ctx context.Context, merchantID string, filter HistoryFilter, limit, offset int) ([]*Record, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.History(ctx, merchantID, filter, limit, offset)
}

func (s *Service) publish(ctx context.Context, eventType string, rec *Record) {
	if s.publisher == nil {
		return
	}
	data := events.SettlementCompletedData{
		SettlementNo: rec.SettlementNo,
		MerchantID:   rec.MerchantID,
		GrossAmount:  rec.TotalAmount.AmountMinor,
		FeeAmount:    rec.FeeAmount.AmountMinor,
		RefundAmount: rec.RefundAmount.AmountMinor,
		NetAmount:    rec.NetAmount.AmountMinor,
		Currency:     string(rec.TotalAmount.Currency),
	}
	if rec.SettledAt != nil {
		data.SettledAt = *rec.SettledAt
	}
	event, err := events.NewEvent(eventType, rec.MerchantID, "settlement", rec.ID, data)
	if err != nil {
		s.logger.Error("failed to build event", "type", eventType, "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish event", "type", eventType, "error", err)
	}
}
