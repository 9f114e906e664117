package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"vinowpay/internal/common/database"
	"vinowpay/internal/common/money"
	"vinowpay/internal/settlement"
)

// Store provides settlement data access
type Store struct {
	db *database.DB
}

// New creates a new settlement store
func New(db *database.DB) *Store {
	return &Store{db: db}
}

const recordColumns = `id, settlement_no, merchant_id, period_start, period_end,
	   order_count, total_amount, fee_amount, refund_amount, net_amount, currency,
	   status, bank_name, bank_account_no, bank_account_name,
	   bank_reference, failure_reason, settled_at, created_at, updated_at`

// Insert persists a new settlement. Both settlement_no and the
// (merchant_id, period_start, period_end) window are unique.
func (s *Store) Insert(ctx context.Context, rec *settlement.Record) error {
	query := `
		INSERT INTO settlement_records (
			id, settlement_no, merchant_id, period_start, period_end,
			order_count, total_amount, fee_amount, refund_amount, net_amount, currency,
			status, bank_name, bank_account_no, bank_account_name,
			bank_reference, failure_reason, settled_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18, $19, $20
		)
	`

	_, err := s.db.Exec(ctx, query,
		rec.ID, rec.SettlementNo, rec.MerchantID, rec.PeriodStart, rec.PeriodEnd,
		rec.OrderCount, rec.TotalAmount.AmountMinor, rec.FeeAmount.AmountMinor,
		rec.RefundAmount.AmountMinor, rec.NetAmount.AmountMinor, rec.TotalAmount.Currency,
		rec.Status, rec.BankAccount.BankName, rec.BankAccount.AccountNo, rec.BankAccount.AccountName,
		nullStr(rec.BankReference), nullStr(rec.FailureReason), rec.SettledAt,
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return database.ErrAlreadyExists
		}
		return fmt.Errorf("inserting settlement: %w", err)
	}

	return nil
}

// Update persists the outcome of a settlement's payout
func (s *Store) Update(ctx context.Context, rec *settlement.Record) error {
	query := `
		UPDATE settlement_records
		SET status = $1, bank_reference = $2, failure_reason = $3,
		    settled_at = $4, updated_at = $5
		WHERE id = $6
	`

	tag, err := s.db.Exec(ctx, query,
		rec.Status, nullStr(rec.BankReference), nullStr(rec.FailureReason),
		rec.SettledAt, rec.UpdatedAt, rec.ID,
	)
	if err != nil {
		return fmt.Errorf("updating settlement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}

	return nil
}

// Get retrieves a settlement scoped to a merchant
func (s *Store) Get(ctx context.Context, merchantID, id string) (*settlement.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM settlement_records WHERE merchant_id = $1 AND id = $2`
	row := s.db.QueryRow(ctx, query, merchantID, id)
	return scanRecord(row)
}

// GetByWindow retrieves the settlement for an exact window
func (s *Store) GetByWindow(ctx context.Context, merchantID string, periodStart, periodEnd time.Time) (*settlement.Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM settlement_records
		WHERE merchant_id = $1 AND period_start = $2 AND period_end = $3
	`
	row := s.db.QueryRow(ctx, query, merchantID, periodStart, periodEnd)
	return scanRecord(row)
}

// LastCompleted retrieves the merchant's most recent completed settlement
func (s *Store) LastCompleted(ctx context.Context, merchantID string) (*settlement.Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM settlement_records
		WHERE merchant_id = $1 AND status = $2
		ORDER BY period_end DESC
		LIMIT 1
	`
	row := s.db.QueryRow(ctx, query, merchantID, settlement.StatusCompleted)
	return scanRecord(row)
}

// History lists a merchant's settlements, newest first
func (s *Store) History(ctx context.Context, merchantID string, filter settlement.HistoryFilter, limit, offset int) ([]*settlement.Record, int64, error) {
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
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM settlement_records`+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting settlements: %w", err)
	}

	query := `SELECT ` + recordColumns + ` FROM settlement_records` + where +
		fmt.Sprintf(` ORDER BY period_end DESC LIMIT %d OFFSET %d`, limit, offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing settlements: %w", err)
	}
	defer rows.Close()

	var records []*settlement.Record
	for rows.Next() {
		rec, err := scanRecordRows(rows)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
	}

	return records, total, nil
}

// RefreshDailySummaries rebuilds the per-day rollups for a window from
// the orders table. COMPLETED orders are keyed by completion day,
// REFUNDED by refund day; the fee is the configured share of settled
// revenue. Re-running over the same window is idempotent.
func (s *Store) RefreshDailySummaries(ctx context.Context, merchantID string, periodStart, periodEnd time.Time, feeBasisPoints int64) error {
	query := `
		WITH completed AS (
			SELECT (completed_at AT TIME ZONE 'UTC')::date AS day,
			       COUNT(*) AS order_count,
			       COALESCE(SUM(final_amount), 0) AS total
			FROM orders
			WHERE merchant_id = $1 AND status = 'COMPLETED'
			  AND completed_at >= $2 AND completed_at <= $3
			GROUP BY 1
		), refunded AS (
			SELECT (refunded_at AT TIME ZONE 'UTC')::date AS day,
			       COALESCE(SUM(final_amount), 0) AS refund
			FROM orders
			WHERE merchant_id = $1 AND status = 'REFUNDED'
			  AND refunded_at >= $2 AND refunded_at <= $3
			GROUP BY 1
		)
		INSERT INTO merchant_daily_summaries (
			merchant_id, day, order_count, total_amount, fee_amount,
			refund_amount, currency, created_at, updated_at
		)
		SELECT $1,
		       COALESCE(c.day, r.day),
		       COALESCE(c.order_count, 0),
		       COALESCE(c.total, 0),
		       ROUND(COALESCE(c.total, 0) * $4 / 10000.0),
		       COALESCE(r.refund, 0),
		       $5, NOW(), NOW()
		FROM completed c
		FULL OUTER JOIN refunded r ON r.day = c.day
		ON CONFLICT (merchant_id, day) DO UPDATE
		SET order_count = EXCLUDED.order_count,
		    total_amount = EXCLUDED.total_amount,
		    fee_amount = EXCLUDED.fee_amount,
		    refund_amount = EXCLUDED.refund_amount,
		    updated_at = NOW()
	`

	_, err := s.db.Exec(ctx, query, merchantID, periodStart, periodEnd, feeBasisPoints, money.VND)
	if err != nil {
		return fmt.Errorf("refreshing daily summaries: %w", err)
	}

	return nil
}

// SummaryTotals sums the daily rollups over a window
func (s *Store) SummaryTotals(ctx context.Context, merchantID string, periodStart, periodEnd time.Time) (int64, int64, int, error) {
	query := `
		SELECT COALESCE(SUM(total_amount), 0),
		       COALESCE(SUM(refund_amount), 0),
		       COALESCE(SUM(order_count), 0)
		FROM merchant_daily_summaries
		WHERE merchant_id = $1
		  AND day >= ($2 AT TIME ZONE 'UTC')::date
		  AND day <= ($3 AT TIME ZONE 'UTC')::date
	`

	var total, refund int64
	var orderCount int
	err := s.db.QueryRow(ctx, query, merchantID, periodStart, periodEnd).Scan(&total, &refund, &orderCount)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("summing daily summaries: %w", err)
	}

	return total, refund, orderCount, nil
}

// PendingOrders counts and sums the completed orders not yet covered
// by a settlement
func (s *Store) PendingOrders(ctx context.Context, merchantID string, since time.Time) (int, int64, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(final_amount), 0)
		FROM orders
		WHERE merchant_id = $1 AND status = 'COMPLETED' AND completed_at > $2
	`

	var count int
	var total int64
	err := s.db.QueryRow(ctx, query, merchantID, since).Scan(&count, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("summing pending orders: %w", err)
	}

	return count, total, nil
}

// SettledTotal sums the net amounts the merchant has been paid out
func (s *Store) SettledTotal(ctx context.Context, merchantID string) (int64, error) {
	query := `
		SELECT COALESCE(SUM(net_amount), 0)
		FROM settlement_records
		WHERE merchant_id = $1 AND status = $2
	`

	var total int64
	err := s.db.QueryRow(ctx, query, merchantID, settlement.StatusCompleted).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("summing settled amounts: %w", err)
	}

	return total, nil
}

// ActiveMerchants lists the merchants with a payout profile
func (s *Store) ActiveMerchants(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT merchant_id FROM merchant_profiles WHERE active ORDER BY merchant_id`)
	if err != nil {
		return nil, fmt.Errorf("listing merchants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning merchant id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, nil
}

// BankAccount loads the merchant's payout account
func (s *Store) BankAccount(ctx context.Context, merchantID string) (settlement.BankAccount, error) {
	query := `
		SELECT bank_name, bank_account_no, bank_account_name
		FROM merchant_profiles
		WHERE merchant_id = $1
	`

	var account settlement.BankAccount
	err := s.db.QueryRow(ctx, query, merchantID).Scan(&account.BankName, &account.AccountNo, &account.AccountName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return settlement.BankAccount{}, database.ErrNotFound
		}
		return settlement.BankAccount{}, fmt.Errorf("loading bank account: %w", err)
	}

	return account, nil
}

func scanRecord(row pgx.Row) (*settlement.Record, error) {
	rec, err := scanRecordFrom(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning settlement: %w", err)
	}
	return rec, nil
}

func scanRecordRows(rows pgx.Rows) (*settlement.Record, error) {
	rec, err := scanRecordFrom(rows)
	if err != nil {
		return nil, fmt.Errorf("scanning settlement: %w", err)
	}
	return rec, nil
}

func scanRecordFrom(row pgx.Row) (*settlement.Record, error) {
	var rec settlement.Record
	var total, fee, refund, net int64
	var currency string
	var bankRef, failure *string
	err := row.Scan(
		&rec.ID, &rec.SettlementNo, &rec.MerchantID, &rec.PeriodStart, &rec.PeriodEnd,
		&rec.OrderCount, &total, &fee, &refund, &net, &currency,
		&rec.Status, &rec.BankAccount.BankName, &rec.BankAccount.AccountNo, &rec.BankAccount.AccountName,
		&bankRef, &failure, &rec.SettledAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	cur := money.Currency(currency)
	rec.TotalAmount = money.New(total, cur)
	rec.FeeAmount = money.New(fee, cur)
	rec.RefundAmount = money.New(refund, cur)
	rec.NetAmount = money.New(net, cur)
	if bankRef != nil {
		rec.BankReference = *bankRef
	}
	if failure != nil {
		rec.FailureReason = *failure
	}
	return &rec, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
