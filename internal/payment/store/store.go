package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"

	"vinowpay/internal/common/database"
	"vinowpay/internal/common/money"
	"vinowpay/internal/payment"
)

// Store provides payment data access
type Store struct {
	db *database.DB
}

// New creates a new payment store
func New(db *database.DB) *Store {
	return &Store{db: db}
}

const recordColumns = `id, order_id, merchant_id, provider, amount, currency, status,
	   transaction_id, paid_at, expires_at, created_at, updated_at`

// Create inserts a payment record together with its creation audit row
func (s *Store) Create(ctx context.Context, record *payment.Record, entry *payment.EventLogEntry) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO payment_records (
				id, order_id, merchant_id, provider, amount, currency, status,
				expires_at, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`

		_, err := tx.Exec(ctx, query,
			record.ID,
			record.OrderID,
			record.MerchantID,
			record.Provider,
			record.Amount.AmountMinor,
			record.Amount.Currency,
			record.Status,
			record.ExpiresAt,
			record.CreatedAt,
			record.UpdatedAt,
		)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return fmt.Errorf("payment %s already exists: %w", record.ID, database.ErrAlreadyExists)
			}
			return fmt.Errorf("creating payment record: %w", err)
		}

		return insertEvent(ctx, tx, entry)
	})
}

// Get retrieves a payment record by ID
func (s *Store) Get(ctx context.Context, id string) (*payment.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM payment_records WHERE id = $1`
	row := s.db.QueryRow(ctx, query, id)
	return scanRecord(row)
}

// ApplyCallback persists a callback outcome: the new status, any
// transaction details, and the audit row, atomically. Rolling back on
// a failed log write keeps the audit trail complete.
func (s *Store) ApplyCallback(ctx context.Context, id string, status payment.Status, transactionID string, paidAt *time.Time, entry *payment.EventLogEntry) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE payment_records
			SET status = $1, transaction_id = COALESCE($2, transaction_id),
			    paid_at = COALESCE($3, paid_at), updated_at = $4
			WHERE id = $5
		`

		tag, err := tx.Exec(ctx, query, status, nullStr(transactionID), paidAt, time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("updating payment record: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return database.ErrNotFound
		}

		return insertEvent(ctx, tx, entry)
	})
}

// AppendEvent writes a standalone audit row for a payment
func (s *Store) AppendEvent(ctx context.Context, entry *payment.EventLogEntry) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		return insertEvent(ctx, tx, entry)
	})
}

// ListEvents returns a payment's audit trail, oldest first
func (s *Store) ListEvents(ctx context.Context, paymentID string) ([]*payment.EventLogEntry, error) {
	query := `
		SELECT id, payment_id, kind, reported_status, detail, payload, created_at
		FROM payment_event_log
		WHERE payment_id = $1
		ORDER BY created_at ASC
	`

	rows, err := s.db.Query(ctx, query, paymentID)
	if err != nil {
		return nil, fmt.Errorf("listing payment events: %w", err)
	}
	defer rows.Close()

	var entries []*payment.EventLogEntry
	for rows.Next() {
		var e payment.EventLogEntry
		var reported, detail *string
		err := rows.Scan(&e.ID, &e.PaymentID, &e.Kind, &reported, &detail, &e.Payload, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning payment event: %w", err)
		}
		if reported != nil {
			e.ReportedStatus = *reported
		}
		if detail != nil {
			e.Detail = *detail
		}
		entries = append(entries, &e)
	}

	return entries, nil
}

// ExpirePending moves every PENDING record past its expiry to EXPIRED
// and logs an expiry event per record. Returns the expired IDs.
func (s *Store) ExpirePending(ctx context.Context, now time.Time) ([]string, error) {
	var expired []string

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE payment_records
			SET status = $1, updated_at = $2
			WHERE status = $3 AND expires_at < $2
			RETURNING id
		`, payment.StatusExpired, now, payment.StatusPending)
		if err != nil {
			return fmt.Errorf("expiring payments: %w", err)
		}

		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scanning expired payment id: %w", err)
			}
			expired = append(expired, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("reading expired payments: %w", err)
		}

		for _, id := range expired {
			entry := &payment.EventLogEntry{
				ID:        ulid.Make().String(),
				PaymentID: id,
				Kind:      payment.EventExpired,
				Detail:    "payment window elapsed",
				CreatedAt: now,
			}
			if err := insertEvent(ctx, tx, entry); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return expired, nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, entry *payment.EventLogEntry) error {
	query := `
		INSERT INTO payment_event_log (
			id, payment_id, kind, reported_status, detail, payload, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := tx.Exec(ctx, query,
		entry.ID,
		entry.PaymentID,
		entry.Kind,
		nullStr(entry.ReportedStatus),
		nullStr(entry.Detail),
		entry.Payload,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", payment.ErrPersistenceFailure, err)
	}
	return nil
}

func scanRecord(row pgx.Row) (*payment.Record, error) {
	var r payment.Record
	var amount int64
	var currency string
	var transactionID *string
	err := row.Scan(
		&r.ID, &r.OrderID, &r.MerchantID, &r.Provider, &amount, &currency,
		&r.Status, &transactionID, &r.PaidAt, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning payment record: %w", err)
	}
	r.Amount = money.New(amount, money.Currency(currency))
	if transactionID != nil {
		r.TransactionID = *transactionID
	}
	return &r, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
