package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"vinowpay/internal/common/database"
	"vinowpay/internal/common/money"
	"vinowpay/internal/recon"
)

// Store provides reconciliation and dispute data access
type Store struct {
	db *database.DB
}

// New creates a new reconciliation store
func New(db *database.DB) *Store {
	return &Store{db: db}
}

const logColumns = `id, merchant_id, period_start, period_end, status,
	   platform_total, external_total, difference, currency,
	   platform_count, external_count, matched_count,
	   mismatched_order_ids, resolved_order_ids, error_message,
	   created_at, updated_at`

// Insert persists a new reconciliation log. The window is guarded by a
// unique constraint on (merchant_id, period_start, period_end); a
// concurrent run for the same window loses with ErrAlreadyReconciling.
func (s *Store) Insert(ctx context.Context, log *recon.Log) error {
	query := `
		INSERT INTO reconciliation_logs (
			id, merchant_id, period_start, period_end, status,
			platform_total, external_total, difference, currency,
			platform_count, external_count, matched_count,
			mismatched_order_ids, resolved_order_ids, error_message,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17
		)
	`

	_, err := s.db.Exec(ctx, query,
		log.ID, log.MerchantID, log.PeriodStart, log.PeriodEnd, log.Status,
		log.PlatformTotal.AmountMinor, log.ExternalTotal.AmountMinor,
		log.Difference.AmountMinor, log.PlatformTotal.Currency,
		log.PlatformCount, log.ExternalCount, log.MatchedCount,
		log.MismatchedOrderIDs, log.ResolvedOrderIDs, nullStr(log.ErrorMessage),
		log.CreatedAt, log.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return recon.ErrAlreadyReconciling
		}
		return fmt.Errorf("inserting reconciliation log: %w", err)
	}

	return nil
}

// Update overwrites the computed fields of an existing log. Used by
// forced re-runs and by successful runs replacing an ERROR row.
func (s *Store) Update(ctx context.Context, log *recon.Log) error {
	query := `
		UPDATE reconciliation_logs
		SET status = $1, platform_total = $2, external_total = $3, difference = $4,
		    platform_count = $5, external_count = $6, matched_count = $7,
		    mismatched_order_ids = $8, resolved_order_ids = $9,
		    error_message = $10, updated_at = $11
		WHERE id = $12
	`

	tag, err := s.db.Exec(ctx, query,
		log.Status, log.PlatformTotal.AmountMinor, log.ExternalTotal.AmountMinor,
		log.Difference.AmountMinor, log.PlatformCount, log.ExternalCount,
		log.MatchedCount, log.MismatchedOrderIDs, log.ResolvedOrderIDs,
		nullStr(log.ErrorMessage), log.UpdatedAt, log.ID,
	)
	if err != nil {
		return fmt.Errorf("updating reconciliation log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}

	return nil
}

// UpsertError records a statement-fetch failure for a window. It only
// ever creates a row or replaces a previous ERROR row; a completed
// reconciliation is never overwritten by a later failure.
func (s *Store) UpsertError(ctx context.Context, log *recon.Log) error {
	query := `
		INSERT INTO reconciliation_logs (
			id, merchant_id, period_start, period_end, status,
			platform_total, external_total, difference, currency,
			platform_count, external_count, matched_count,
			mismatched_order_ids, resolved_order_ids, error_message,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, 0, 0, 0, $6, 0, 0, 0, '{}', '{}', $7, $8, $8
		)
		ON CONFLICT (merchant_id, period_start, period_end) DO UPDATE
		SET error_message = EXCLUDED.error_message, updated_at = EXCLUDED.updated_at
		WHERE reconciliation_logs.status = $5
	`

	_, err := s.db.Exec(ctx, query,
		log.ID, log.MerchantID, log.PeriodStart, log.PeriodEnd, recon.StatusError,
		money.VND, nullStr(log.ErrorMessage), log.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("recording reconciliation error: %w", err)
	}

	return nil
}

// Get retrieves a reconciliation log scoped to a merchant
func (s *Store) Get(ctx context.Context, merchantID, id string) (*recon.Log, error) {
	query := `SELECT ` + logColumns + ` FROM reconciliation_logs WHERE merchant_id = $1 AND id = $2`
	row := s.db.QueryRow(ctx, query, merchantID, id)
	return scanLog(row)
}

// GetByWindow retrieves the log for an exact reconciliation window
func (s *Store) GetByWindow(ctx context.Context, merchantID string, periodStart, periodEnd time.Time) (*recon.Log, error) {
	query := `
		SELECT ` + logColumns + `
		FROM reconciliation_logs
		WHERE merchant_id = $1 AND period_start = $2 AND period_end = $3
	`
	row := s.db.QueryRow(ctx, query, merchantID, periodStart, periodEnd)
	return scanLog(row)
}

// History lists a merchant's reconciliation logs, newest first
func (s *Store) History(ctx context.Context, merchantID string, filter recon.HistoryFilter, limit, offset int) ([]*recon.Log, int64, error) {
	where := ` WHERE merchant_id = $1`
	args := []interface{}{merchantID}
	argIdx := 2

	if filter.Status != nil {
		where += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, *filter.Status)
		argIdx++
	}
	if filter.From != nil {
		where += fmt.Sprintf(` AND period_start >= $%d`, argIdx)
		args = append(args, *filter.From)
		argIdx++
	}
	if filter.To != nil {
		where += fmt.Sprintf(` AND period_end <= $%d`, argIdx)
		args = append(args, *filter.To)
	}

	var total int64
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM reconciliation_logs`+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting reconciliation logs: %w", err)
	}

	query := `SELECT ` + logColumns + ` FROM reconciliation_logs` + where +
		fmt.Sprintf(` ORDER BY period_start DESC LIMIT %d OFFSET %d`, limit, offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing reconciliation logs: %w", err)
	}
	defer rows.Close()

	var logs []*recon.Log
	for rows.Next() {
		log, err := scanLogRows(rows)
		if err != nil {
			return nil, 0, err
		}
		logs = append(logs, log)
	}

	return logs, total, nil
}

// CompletedOrders returns the platform side of a window: every order
// completed within it
func (s *Store) CompletedOrders(ctx context.Context, merchantID string, periodStart, periodEnd time.Time) ([]recon.PlatformOrder, error) {
	query := `
		SELECT id, order_no, final_amount
		FROM orders
		WHERE merchant_id = $1 AND status = 'COMPLETED'
		  AND completed_at >= $2 AND completed_at <= $3
		ORDER BY completed_at
	`

	rows, err := s.db.Query(ctx, query, merchantID, periodStart, periodEnd)
	if err != nil {
		return nil, fmt.Errorf("loading completed orders: %w", err)
	}
	defer rows.Close()

	var orders []recon.PlatformOrder
	for rows.Next() {
		var o recon.PlatformOrder
		if err := rows.Scan(&o.OrderID, &o.OrderNo, &o.Amount); err != nil {
			return nil, fmt.Errorf("scanning completed order: %w", err)
		}
		orders = append(orders, o)
	}

	return orders, nil
}

// CreateDispute persists a new dispute
func (s *Store) CreateDispute(ctx context.Context, d *recon.Dispute) error {
	query := `
		INSERT INTO dispute_records (
			id, merchant_id, reconciliation_id, order_ids, reason, evidence,
			status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := s.db.Exec(ctx, query,
		d.ID, d.MerchantID, d.ReconciliationID, d.OrderIDs,
		d.Reason, nullStr(d.Evidence), d.Status, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating dispute: %w", err)
	}

	return nil
}

// ResolveDispute settles a pending dispute. The status change is CAS
// guarded on PENDING; accepting unions the disputed order ids into the
// parent log's resolved set in the same transaction. The union is
// idempotent and restricted to ids still in the mismatched set, so a
// forced re-run between submission and resolution cannot leave the
// resolved set pointing at orders that are no longer mismatched.
func (s *Store) ResolveDispute(ctx context.Context, id string, accept bool, note, operator string) (*recon.Dispute, error) {
	var resolved *recon.Dispute

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		status := recon.DisputeRejected
		if accept {
			status = recon.DisputeAccepted
		}

		tag, err := tx.Exec(ctx, `
			UPDATE dispute_records
			SET status = $1, resolution_note = $2, resolved_by = $3, resolved_at = $4
			WHERE id = $5 AND status = $6
		`, status, nullStr(note), operator, now, id, recon.DisputePending)
		if err != nil {
			return fmt.Errorf("resolving dispute: %w", err)
		}

		if tag.RowsAffected() == 0 {
			row := tx.QueryRow(ctx, `
				SELECT id, merchant_id, reconciliation_id, order_ids, reason, evidence,
				       status, resolution_note, resolved_by, resolved_at, created_at
				FROM dispute_records WHERE id = $1
			`, id)
			current, err := scanDispute(row)
			if err != nil {
				return err
			}
			return fmt.Errorf("dispute %s is %s: %w", id, current.Status, recon.ErrDisputeNotPending)
		}

		row := tx.QueryRow(ctx, `
			SELECT id, merchant_id, reconciliation_id, order_ids, reason, evidence,
			       status, resolution_note, resolved_by, resolved_at, created_at
			FROM dispute_records WHERE id = $1
		`, id)
		resolved, err = scanDispute(row)
		if err != nil {
			return err
		}

		if accept {
			_, err = tx.Exec(ctx, `
				UPDATE reconciliation_logs
				SET resolved_order_ids = (
					SELECT COALESCE(array_agg(DISTINCT x), '{}')
					FROM unnest(resolved_order_ids || $1::text[]) AS x
					WHERE x = ANY(reconciliation_logs.mismatched_order_ids)
				), updated_at = $2
				WHERE id = $3
			`, resolved.OrderIDs, now, resolved.ReconciliationID)
			if err != nil {
				return fmt.Errorf("updating resolved orders: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return resolved, nil
}

func scanLog(row pgx.Row) (*recon.Log, error) {
	l, err := scanLogFrom(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning reconciliation log: %w", err)
	}
	return l, nil
}

func scanLogRows(rows pgx.Rows) (*recon.Log, error) {
	l, err := scanLogFrom(rows)
	if err != nil {
		return nil, fmt.Errorf("scanning reconciliation log: %w", err)
	}
	return l, nil
}

func scanLogFrom(row pgx.Row) (*recon.Log, error) {
	var l recon.Log
	var platformTotal, externalTotal, difference int64
	var currency string
	var errorMessage *string
	err := row.Scan(
		&l.ID, &l.MerchantID, &l.PeriodStart, &l.PeriodEnd, &l.Status,
		&platformTotal, &externalTotal, &difference, &currency,
		&l.PlatformCount, &l.ExternalCount, &l.MatchedCount,
		&l.MismatchedOrderIDs, &l.ResolvedOrderIDs, &errorMessage,
		&l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	cur := money.Currency(currency)
	l.PlatformTotal = money.New(platformTotal, cur)
	l.ExternalTotal = money.New(externalTotal, cur)
	l.Difference = money.New(difference, cur)
	if errorMessage != nil {
		l.ErrorMessage = *errorMessage
	}
	return &l, nil
}

func scanDispute(row pgx.Row) (*recon.Dispute, error) {
	var d recon.Dispute
	var evidence, note, resolvedBy *string
	err := row.Scan(
		&d.ID, &d.MerchantID, &d.ReconciliationID, &d.OrderIDs, &d.Reason,
		&evidence, &d.Status, &note, &resolvedBy, &d.ResolvedAt, &d.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning dispute: %w", err)
	}
	if evidence != nil {
		d.Evidence = *evidence
	}
	if note != nil {
		d.ResolutionNote = *note
	}
	if resolvedBy != nil {
		d.ResolvedBy = *resolvedBy
	}
	return &d, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
