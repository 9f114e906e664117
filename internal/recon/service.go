package recon

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
)

// Store defines reconciliation persistence operations
type Store interface {
	Insert(ctx context.Context, log *Log) error
	Update(ctx context.Context, log *Log) error
	UpsertError(ctx context.Context, log *Log) error
	Get(ctx context.Context, merchantID, id string) (*Log, error)
	GetByWindow(ctx context.Context, merchantID string, periodStart, periodEnd time.Time) (*Log, error)
	History(ctx context.Context, merchantID string, filter HistoryFilter, limit, offset int) ([]*Log, int64, error)
	CompletedOrders(ctx context.Context, merchantID string, periodStart, periodEnd time.Time) ([]PlatformOrder, error)
	CreateDispute(ctx context.Context, d *Dispute) error
	ResolveDispute(ctx context.Context, id string, accept bool, note, operator string) (*Dispute, error)
}

// HistoryFilter holds reconciliation history filters
type HistoryFilter struct {
	Status *Status
	From   *time.Time
	To     *time.Time
}

// Service runs reconciliations and manages disputes
type Service struct {
	store     Store
	feed      StatementFeed
	publisher events.EventPublisher
	logger    *slog.Logger
}

// NewService creates a new reconciliation service
func NewService(store Store, feed StatementFeed, publisher events.EventPublisher, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		feed:      feed,
		publisher: publisher,
		logger:    logger,
	}
}

// Reconcile matches the platform's completed orders for a window
// against the external statement and records the outcome. A window
// that already has a MATCHED or MISMATCHED log is returned as-is
// unless force is set; an ERROR log never blocks a re-run.
func (s *Service) Reconcile(ctx context.Context, merchantID string, periodStart, periodEnd time.Time, force bool) (*Log, error) {
	existing, err := s.store.GetByWindow(ctx, merchantID, periodStart, periodEnd)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	if existing != nil && existing.Status != StatusError && !force {
		return existing, nil
	}

	orders, err := s.store.CompletedOrders(ctx, merchantID, periodStart, periodEnd)
	if err != nil {
		return nil, err
	}

	statement, err := s.feed.Fetch(ctx, merchantID, periodStart, periodEnd)
	if err != nil {
		s.logger.Error("statement fetch failed",
			"merchant_id", merchantID,
			"period_start", periodStart,
			"period_end", periodEnd,
			"error", err,
		)
		s.recordFetchError(ctx, merchantID, periodStart, periodEnd, existing, err)
		s.publish(ctx, events.EventReconciliationFailed, merchantID, "", map[string]string{
			"merchant_id": merchantID,
			"error":       err.Error(),
		})
		return nil, fmt.Errorf("%w: %v", ErrStatementUnavailable, err)
	}

	log := s.match(merchantID, periodStart, periodEnd, orders, statement)

	switch {
	case existing == nil:
		if err := s.store.Insert(ctx, log); err != nil {
			return nil, err
		}
	default:
		// Re-run over an existing row. Resolutions already granted for
		// orders that are still mismatched carry over; the rest are moot.
		log.ID = existing.ID
		log.CreatedAt = existing.CreatedAt
		log.ResolvedOrderIDs = log.RetainMismatched(existing.ResolvedOrderIDs)
		if err := s.store.Update(ctx, log); err != nil {
			return nil, err
		}
	}

	s.logger.Info("reconciliation completed",
		"merchant_id", merchantID,
		"reconciliation_id", log.ID,
		"status", log.Status,
		"platform_count", log.PlatformCount,
		"external_count", log.ExternalCount,
		"mismatched", len(log.MismatchedOrderIDs),
		"difference", log.Difference.AmountMinor,
	)

	s.publish(ctx, events.EventReconciliationCompleted, merchantID, log.ID, events.ReconciliationCompletedData{
		ReconciliationID: log.ID,
		MerchantID:       merchantID,
		PeriodStart:      periodStart.Format(time.RFC3339),
		PeriodEnd:        periodEnd.Format(time.RFC3339),
		Result:           string(log.Status),
		MatchedCount:     log.MatchedCount,
		MismatchedCount:  len(log.MismatchedOrderIDs),
		Difference:       log.Difference.AmountMinor,
	})

	return log, nil
}

func (s *Service) match(merchantID string, periodStart, periodEnd time.Time, orders []PlatformOrder, statement []StatementEntry) *Log {
	now := time.Now().UTC()

	external := make(map[string]int64, len(statement))
	var externalTotal int64
	for _, e := range statement {
		external[e.ReferenceNo] = e.Amount
		externalTotal += e.Amount
	}

	var platformTotal int64
	var matched int
	var mismatched []string
	seen := make(map[string]struct{}, len(orders))
	for _, o := range orders {
		platformTotal += o.Amount
		seen[o.OrderNo] = struct{}{}
		amount, ok := external[o.OrderNo]
		if ok && amount == o.Amount {
			matched++
		} else {
			mismatched = append(mismatched, o.OrderID)
		}
	}

	// Statement lines with no platform order also count as mismatches,
	// recorded under their external reference.
	for _, e := range statement {
		if _, ok := seen[e.ReferenceNo]; !ok {
			mismatched = append(mismatched, e.ReferenceNo)
		}
	}

	status := StatusMatched
	if len(mismatched) > 0 || platformTotal != externalTotal {
		status = StatusMismatched
	}
	if mismatched == nil {
		mismatched = []string{}
	}

	return &Log{
		ID:                 ulid.Make().String(),
		MerchantID:         merchantID,
		PeriodStart:        periodStart,
		PeriodEnd:          periodEnd,
		Status:             status,
		PlatformTotal:      money.VNDAmount(platformTotal),
		ExternalTotal:      money.VNDAmount(externalTotal),
		Difference:         money.VNDAmount(platformTotal - externalTotal),
		PlatformCount:      len(orders),
		ExternalCount:      len(statement),
		MatchedCount:       matched,
		MismatchedOrderIDs: mismatched,
		ResolvedOrderIDs:   []string{},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func (s *Service) recordFetchError(ctx context.Context, merchantID string, periodStart, periodEnd time.Time, existing *Log, cause error) {
	id := ulid.Make().String()
	if existing != nil {
		id = existing.ID
	}
	log := &Log{
		ID:           id,
		MerchantID:   merchantID,
		PeriodStart:  periodStart,
		PeriodEnd:    periodEnd,
		Status:       StatusError,
		ErrorMessage: cause.Error(),
		UpdatedAt:    time.Now().UTC(),
	}
	if err := s.store.UpsertError(ctx, log); err != nil {
		s.logger.Error("failed to record reconciliation error", "merchant_id", merchantID, "error", err)
	}
}

// Get retrieves a reconciliation log scoped to the merchant
func (s *Service) Get(ctx context.Context, merchantID, id string) (*Log, error) {
	return s.store.Get(ctx, merchantID, id)
}

// History lists a merchant's reconciliation logs
func (s *Service) History(ctx context.Context, merchantID string, filter HistoryFilter, limit, offset int) ([]*Log, int64, error) {
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

// SubmitDisputeRequest holds dispute submission parameters
type SubmitDisputeRequest struct {
	ReconciliationID string   `json:"reconciliation_id" validate:"required"`
	OrderIDs         []string `json:"order_ids" validate:"required,min=1"`
	Reason           string   `json:"reason" validate:"required,max=1000"`
	Evidence         string   `json:"evidence,omitempty" validate:"max=4000"`
}

// SubmitDispute opens a dispute against mismatched orders of a log.
// Every disputed order must be in the log's mismatched set.
func (s *Service) SubmitDispute(ctx context.Context, merchantID string, req SubmitDisputeRequest) (*Dispute, error) {
	log, err := s.store.Get(ctx, merchantID, req.ReconciliationID)
	if err != nil {
		return nil, err
	}

	if log.Status != StatusMismatched {
		return nil, fmt.Errorf("reconciliation %s is %s: %w", log.ID, log.Status, ErrNotMismatched)
	}

	mismatched := make(map[string]struct{}, len(log.MismatchedOrderIDs))
	for _, id := range log.MismatchedOrderIDs {
		mismatched[id] = struct{}{}
	}
	for _, id := range req.OrderIDs {
		if _, ok := mismatched[id]; !ok {
			return nil, fmt.Errorf("order %s is not mismatched in reconciliation %s: %w", id, log.ID, ErrInvalidDisputeOrders)
		}
	}

	dispute := &Dispute{
		ID:               ulid.Make().String(),
		MerchantID:       merchantID,
		ReconciliationID: log.ID,
		OrderIDs:         req.OrderIDs,
		Reason:           req.Reason,
		Evidence:         req.Evidence,
		Status:           DisputePending,
		CreatedAt:        time.Now().UTC(),
	}

	if err := s.store.CreateDispute(ctx, dispute); err != nil {
		return nil, err
	}

	s.logger.Info("dispute submitted",
		"dispute_id", dispute.ID,
		"merchant_id", merchantID,
		"reconciliation_id", log.ID,
		"orders", len(req.OrderIDs),
	)

	s.publish(ctx, events.EventDisputeSubmitted, merchantID, dispute.ID, dispute)

	return dispute, nil
}

// ResolveDispute accepts or rejects a pending dispute. Accepting marks
// the disputed orders as resolved on the parent reconciliation.
func (s *Service) ResolveDispute(ctx context.Context, id string, accept bool, note, operator string) (*Dispute, error) {
	dispute, err := s.store.ResolveDispute(ctx, id, accept, note, operator)
	if err != nil {
		return nil, err
	}

	s.logger.Info("dispute resolved",
		"dispute_id", dispute.ID,
		"merchant_id", dispute.MerchantID,
		"status", dispute.Status,
		"resolved_by", operator,
	)

	s.publish(ctx, events.EventDisputeResolved, dispute.MerchantID, dispute.ID, dispute)

	return dispute, nil
}

func (s *Service) publish(ctx context.Context, eventType, merchantID, aggregateID string, data interface{}) {
	if s.publisher == nil {
		return
	}
	event, err := events.NewEvent(eventType, merchantID, "reconciliation", aggregateID, data)
	if err != nil {
		s.logger.Error("failed to build event", "type", eventType, "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish event", "type", eventType, "error", err)
	}
}
