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
	"vinowpay/internal/order/domain"
)

// Store provides order data access
type Store struct {
	db *database.DB
}

// New creates a new order store
func New(db *database.DB) *Store {
	return &Store{db: db}
}

const orderColumns = `id, order_no, merchant_id, customer_id, status,
	   subtotal, discount, delivery_fee, final_amount, currency,
	   note, cancel_reason, paid_at, confirmed_at, shipped_at,
	   completed_at, cancelled_at, refunded_at, created_at, updated_at`

// Create inserts a new order
func (s *Store) Create(ctx context.Context, order *domain.Order) error {
	query := `
		INSERT INTO orders (
			id, order_no, merchant_id, customer_id, status,
			subtotal, discount, delivery_fee, final_amount, currency,
			note, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		)
	`

	_, err := s.db.Exec(ctx, query,
		order.ID,
		order.OrderNo,
		order.MerchantID,
		order.CustomerID,
		order.Status,
		order.Subtotal.AmountMinor,
		order.Discount.AmountMinor,
		order.DeliveryFee.AmountMinor,
		order.FinalAmount.AmountMinor,
		order.FinalAmount.Currency,
		order.Note,
		order.CreatedAt,
		order.UpdatedAt,
	)

	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("order %s already exists: %w", order.OrderNo, database.ErrAlreadyExists)
		}
		return fmt.Errorf("creating order: %w", err)
	}

	return nil
}

// Get retrieves an order by ID scoped to a merchant
func (s *Store) Get(ctx context.Context, merchantID, id string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE merchant_id = $1 AND id = $2`
	row := s.db.QueryRow(ctx, query, merchantID, id)
	return scanOrder(row)
}

// GetByID retrieves an order by ID regardless of merchant
func (s *Store) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	row := s.db.QueryRow(ctx, query, id)
	return scanOrder(row)
}

// GetByOrderNo retrieves an order by its order number
func (s *Store) GetByOrderNo(ctx context.Context, merchantID, orderNo string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE merchant_id = $1 AND order_no = $2`
	row := s.db.QueryRow(ctx, query, merchantID, orderNo)
	return scanOrder(row)
}

// ListFilter holds order listing filters
type ListFilter struct {
	Status *domain.Status
	From   *time.Time
	To     *time.Time
}

// List lists a merchant's orders with optional filters
func (s *Store) List(ctx context.Context, merchantID string, filter ListFilter, limit, offset int) ([]*domain.Order, int64, error) {
	where := ` WHERE merchant_id = $1`
	args := []interface{}{merchantID}
	argIdx := 2

	if filter.Status != nil {
		where += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, *filter.Status)
		argIdx++
	}
	if filter.From != nil {
		where += fmt.Sprintf(` AND created_at >= $%d`, argIdx)
		args = append(args, *filter.From)
		argIdx++
	}
	if filter.To != nil {
		where += fmt.Sprintf(` AND created_at <= $%d`, argIdx)
		args = append(args, *filter.To)
	}

	var total int64
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM orders`+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting orders: %w", err)
	}

	query := `SELECT ` + orderColumns + ` FROM orders` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d`, limit, offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing orders: %w", err)
	}
	defer rows.Close()

	var orders []*domain.Order
	for rows.Next() {
		order, err := scanOrderRows(rows)
		if err != nil {
			return nil, 0, err
		}
		orders = append(orders, order)
	}

	return orders, total, nil
}

// Transition atomically moves an order from one status to another.
// The UPDATE is guarded on the expected current status; when zero rows
// match the order is re-read to distinguish a missing order from a lost
// race or disallowed transition. The status log row is written in the
// same transaction.
func (s *Store) Transition(ctx context.Context, orderID string, from, to domain.Status, reason, actor string, override bool) (*domain.Order, error) {
	var updated *domain.Order

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		now := time.Now().UTC()

		query := `UPDATE orders SET status = $1, updated_at = $2`
		args := []interface{}{to, now}
		argIdx := 3

		if col := domain.TerminalTimestampColumn(to); col != "" {
			query += fmt.Sprintf(`, %s = COALESCE(%s, $%d)`, col, col, argIdx)
			args = append(args, now)
			argIdx++
		}
		if to == domain.StatusCancelled && reason != "" {
			query += fmt.Sprintf(`, cancel_reason = $%d`, argIdx)
			args = append(args, reason)
			argIdx++
		}

		query += fmt.Sprintf(` WHERE id = $%d AND status = $%d`, argIdx, argIdx+1)
		args = append(args, orderID, from)

		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("updating order status: %w", err)
		}

		if tag.RowsAffected() == 0 {
			row := tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
			current, err := scanOrder(row)
			if err != nil {
				return err
			}
			return fmt.Errorf("order %s is %s, not %s: %w",
				orderID, current.Status, from, domain.ErrInvalidTransition)
		}

		logQuery := `
			INSERT INTO order_status_log (
				id, order_id, from_status, to_status, reason, actor, override, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`
		_, err = tx.Exec(ctx, logQuery,
			ulid.Make().String(), orderID, from, to, nullStr(reason), nullStr(actor), override, now,
		)
		if err != nil {
			return fmt.Errorf("writing status log: %w", err)
		}

		row := tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
		updated, err = scanOrder(row)
		return err
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// GetStatusLog returns the full transition history for an order
func (s *Store) GetStatusLog(ctx context.Context, orderID string) ([]*domain.StatusLogEntry, error) {
	query := `
		SELECT id, order_id, from_status, to_status, reason, actor, override, created_at
		FROM order_status_log
		WHERE order_id = $1
		ORDER BY created_at ASC
	`

	rows, err := s.db.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("getting status log: %w", err)
	}
	defer rows.Close()

	var entries []*domain.StatusLogEntry
	for rows.Next() {
		var e domain.StatusLogEntry
		var reason, actor *string
		err := rows.Scan(&e.ID, &e.OrderID, &e.FromStatus, &e.ToStatus, &reason, &actor, &e.Override, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning status log entry: %w", err)
		}
		if reason != nil {
			e.Reason = *reason
		}
		if actor != nil {
			e.Actor = *actor
		}
		entries = append(entries, &e)
	}

	return entries, nil
}

// Statistics aggregates a merchant's orders over a window
func (s *Store) Statistics(ctx context.Context, merchantID string, from, to time.Time) (*domain.Statistics, error) {
	stats := &domain.Statistics{
		From:          from,
		To:            to,
		CountByStatus: make(map[domain.Status]int64),
	}

	rows, err := s.db.Query(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(final_amount), 0)
		FROM orders
		WHERE merchant_id = $1 AND created_at >= $2 AND created_at <= $3
		GROUP BY status
	`, merchantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("aggregating orders: %w", err)
	}
	defer rows.Close()

	var totalAmount int64
	for rows.Next() {
		var status domain.Status
		var count, amount int64
		if err := rows.Scan(&status, &count, &amount); err != nil {
			return nil, fmt.Errorf("scanning statistics row: %w", err)
		}
		stats.CountByStatus[status] = count
		stats.TotalOrders += count
		totalAmount += amount
	}

	stats.TotalAmount = money.VNDAmount(totalAmount)
	if stats.TotalOrders > 0 {
		stats.AverageAmount = money.VNDAmount(totalAmount / stats.TotalOrders)
	} else {
		stats.AverageAmount = money.Zero(money.VND)
	}

	return stats, nil
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	o, err := scanOrderFrom(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning order: %w", err)
	}
	return o, nil
}

func scanOrderRows(rows pgx.Rows) (*domain.Order, error) {
	o, err := scanOrderFrom(rows)
	if err != nil {
		return nil, fmt.Errorf("scanning order: %w", err)
	}
	return o, nil
}

func scanOrderFrom(row pgx.Row) (*domain.Order, error) {
	var o domain.Order
	var subtotal, discount, deliveryFee, finalAmount int64
	var currency string
	var note, cancelReason *string
	err := row.Scan(
		&o.ID, &o.OrderNo, &o.MerchantID, &o.CustomerID, &o.Status,
		&subtotal, &discount, &deliveryFee, &finalAmount, &currency,
		&note, &cancelReason, &o.PaidAt, &o.ConfirmedAt, &o.ShippedAt,
		&o.CompletedAt, &o.CancelledAt, &o.RefundedAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	cur := money.Currency(currency)
	o.Subtotal = money.New(subtotal, cur)
	o.Discount = money.New(discount, cur)
	o.DeliveryFee = money.New(deliveryFee, cur)
	o.FinalAmount = money.New(finalAmount, cur)
	if note != nil {
		o.Note = *note
	}
	if cancelReason != nil {
		o.CancelReason = *cancelReason
	}
	return &o, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
