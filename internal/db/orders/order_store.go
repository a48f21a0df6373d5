package ordersdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fulfillment/internal/orders/saga"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

const orderColumns = `id, customer_id, status, total_amount, shipping_address,
	inventory_locked, payment_processed, shipping_scheduled, failure_reason,
	reservation_id, transaction_id, tracking_number, payment_method, version,
	created_at, updated_at`

const attemptColumns = `id, order_id, step_name, attempt_number, idempotency_key,
	outcome, external_reference, detail, created_at, updated_at`

// OrderStore persists orders and their step attempts in Postgres.
type OrderStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewOrderStore constructs an OrderStore backed by Postgres.
func NewOrderStore(db *sql.DB) *OrderStore {
	return &OrderStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// NewOrderStoreWithSchema initializes the schema then returns the store.
func NewOrderStoreWithSchema(ctx context.Context, db *sql.DB) (*OrderStore, error) {
	store := NewOrderStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates order tables if they do not exist.
func (s *OrderStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL,
			status TEXT NOT NULL,
			total_amount NUMERIC(14,2) NOT NULL,
			shipping_address TEXT NOT NULL,
			inventory_locked BOOLEAN NOT NULL DEFAULT FALSE,
			payment_processed BOOLEAN NOT NULL DEFAULT FALSE,
			shipping_scheduled BOOLEAN NOT NULL DEFAULT FALSE,
			failure_reason TEXT,
			reservation_id TEXT NOT NULL DEFAULT '',
			transaction_id TEXT NOT NULL DEFAULT '',
			tracking_number TEXT NOT NULL DEFAULT '',
			payment_method JSONB,
			version BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS orders_customer_idx ON orders (customer_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS order_items (
			order_id TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
			line INTEGER NOT NULL,
			product_id TEXT NOT NULL,
			quantity INTEGER NOT NULL CHECK (quantity > 0),
			unit_price NUMERIC(14,2) NOT NULL CHECK (unit_price >= 0),
			PRIMARY KEY (order_id, line)
		)`,
		`CREATE TABLE IF NOT EXISTS step_attempts (
			id BIGSERIAL PRIMARY KEY,
			order_id TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
			step_name TEXT NOT NULL,
			attempt_number INTEGER NOT NULL,
			idempotency_key TEXT NOT NULL UNIQUE,
			outcome TEXT NOT NULL,
			external_reference TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (order_id, step_name, attempt_number)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS step_attempts_one_pending
			ON step_attempts (order_id, step_name) WHERE outcome = 'PENDING'`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Create inserts a new order with its items.
func (s *OrderStore) Create(ctx context.Context, order saga.Order) (err error) {
	method, err := encodeMethod(order.PaymentMethod)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		order.ID, order.CustomerID, string(order.Status), order.TotalAmount, order.ShippingAddress,
		order.InventoryLocked, order.PaymentProcessed, order.ShippingScheduled, nullReason(order.FailureReason),
		order.ReservationID, order.TransactionID, order.TrackingNumber, method, order.Version,
		order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return saga.ErrDuplicateOrder
		}
		return err
	}

	for i, item := range order.Items {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, line, product_id, quantity, unit_price)
			VALUES ($1, $2, $3, $4, $5)`,
			order.ID, i, item.ProductID, item.Quantity, item.UnitPrice,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Get loads an order and its items.
func (s *OrderStore) Get(ctx context.Context, id string) (saga.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return saga.Order{}, saga.ErrNotFound
		}
		return saga.Order{}, err
	}
	if order.Items, err = s.items(ctx, id); err != nil {
		return saga.Order{}, err
	}
	return order, nil
}

// ListByCustomer returns a customer's orders, oldest first.
func (s *OrderStore) ListByCustomer(ctx context.Context, customerID string) ([]saga.Order, error) {
	return s.list(ctx, `SELECT `+orderColumns+` FROM orders WHERE customer_id = $1 ORDER BY created_at, id`, customerID)
}

// ListActive returns orders that still need saga work.
func (s *OrderStore) ListActive(ctx context.Context) ([]saga.Order, error) {
	return s.list(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE status NOT IN ('DELIVERED', 'CANCELLED', 'FAILED')
			OR (status = 'FAILED' AND (payment_processed OR inventory_locked))
		ORDER BY created_at, id`)
}

func (s *OrderStore) list(ctx context.Context, query string, args ...any) ([]saga.Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var out []saga.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		out = append(out, order)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	for i := range out {
		if out[i].Items, err = s.items(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *OrderStore) items(ctx context.Context, orderID string) ([]saga.Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, quantity, unit_price
		FROM order_items
		WHERE order_id = $1
		ORDER BY line`,
		orderID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []saga.Item
	for rows.Next() {
		var item saga.Item
		if err := rows.Scan(&item.ProductID, &item.Quantity, &item.UnitPrice); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Update writes order if its version still matches, bumping the version, and
// closes the pending attempt named by result in the same transaction.
func (s *OrderStore) Update(ctx context.Context, order saga.Order, result *saga.AttemptResult) (saved saga.Order, err error) {
	method, err := encodeMethod(order.PaymentMethod)
	if err != nil {
		return saga.Order{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return saga.Order{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := s.now()
	var version int64
	var createdAt time.Time
	err = tx.QueryRowContext(ctx, `
		UPDATE orders SET
			status = $3, inventory_locked = $4, payment_processed = $5, shipping_scheduled = $6,
			failure_reason = $7, reservation_id = $8, transaction_id = $9, tracking_number = $10,
			payment_method = $11, version = version + 1, updated_at = $12
		WHERE id = $1 AND version = $2
		RETURNING version, created_at`,
		order.ID, order.Version, string(order.Status), order.InventoryLocked, order.PaymentProcessed,
		order.ShippingScheduled, nullReason(order.FailureReason), order.ReservationID, order.TransactionID,
		order.TrackingNumber, method, now,
	).Scan(&version, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		var exists int
		switch scanErr := tx.QueryRowContext(ctx, `SELECT 1 FROM orders WHERE id = $1`, order.ID).Scan(&exists); scanErr {
		case nil:
			err = saga.ErrVersionConflict
		case sql.ErrNoRows:
			err = saga.ErrNotFound
		default:
			err = scanErr
		}
		return saga.Order{}, err
	}
	if err != nil {
		return saga.Order{}, err
	}

	if result != nil {
		var res sql.Result
		res, err = tx.ExecContext(ctx, `
			UPDATE step_attempts
			SET outcome = $3, external_reference = $4, detail = $5, updated_at = $6
			WHERE order_id = $1 AND idempotency_key = $2 AND outcome = 'PENDING'`,
			order.ID, result.IdempotencyKey, string(result.Outcome), result.ExternalReference, result.Detail, now,
		)
		if err != nil {
			return saga.Order{}, err
		}
		var affected int64
		if affected, err = res.RowsAffected(); err != nil {
			return saga.Order{}, err
		}
		if affected == 0 {
			err = saga.ErrVersionConflict
			return saga.Order{}, err
		}
	}

	if err = tx.Commit(); err != nil {
		return saga.Order{}, err
	}

	saved = order.Clone()
	saved.Version = version
	saved.CreatedAt = createdAt
	saved.UpdatedAt = now
	return saved, nil
}

// BeginAttempt opens the next attempt of step. The order row is locked so a
// stale caller cannot open an attempt for a state another process has left.
func (s *OrderStore) BeginAttempt(ctx context.Context, orderID string, step saga.StepName, expectedVersion int64) (attempt saga.StepAttempt, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return saga.StepAttempt{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var version int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM orders WHERE id = $1 FOR UPDATE`, orderID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		err = saga.ErrNotFound
		return saga.StepAttempt{}, err
	}
	if err != nil {
		return saga.StepAttempt{}, err
	}
	if version != expectedVersion {
		err = saga.ErrVersionConflict
		return saga.StepAttempt{}, err
	}

	var last, pending int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(attempt_number), 0), COUNT(*) FILTER (WHERE outcome = 'PENDING')
		FROM step_attempts
		WHERE order_id = $1 AND step_name = $2`,
		orderID, string(step),
	).Scan(&last, &pending)
	if err != nil {
		return saga.StepAttempt{}, err
	}
	if pending > 0 {
		err = saga.ErrAttemptPending
		return saga.StepAttempt{}, err
	}

	now := s.now()
	attempt = saga.StepAttempt{
		OrderID:        orderID,
		Step:           step,
		AttemptNumber:  last + 1,
		IdempotencyKey: saga.IdempotencyKey(orderID, step, last+1),
		Outcome:        saga.OutcomePending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO step_attempts (order_id, step_name, attempt_number, idempotency_key, outcome, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING id`,
		orderID, string(step), attempt.AttemptNumber, attempt.IdempotencyKey, string(attempt.Outcome), now,
	).Scan(&attempt.ID)
	if err != nil {
		if isUniqueViolation(err) {
			err = saga.ErrAttemptPending
		}
		return saga.StepAttempt{}, err
	}

	if err = tx.Commit(); err != nil {
		return saga.StepAttempt{}, err
	}
	return attempt, nil
}

// PendingAttempt returns the open attempt of step, if any.
func (s *OrderStore) PendingAttempt(ctx context.Context, orderID string, step saga.StepName) (saga.StepAttempt, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+attemptColumns+`
		FROM step_attempts
		WHERE order_id = $1 AND step_name = $2 AND outcome = 'PENDING'`,
		orderID, string(step),
	)
	attempt, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return saga.StepAttempt{}, false, nil
	}
	if err != nil {
		return saga.StepAttempt{}, false, err
	}
	return attempt, true, nil
}

// Attempts returns every attempt of an order in creation order.
func (s *OrderStore) Attempts(ctx context.Context, orderID string) ([]saga.StepAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+attemptColumns+`
		FROM step_attempts
		WHERE order_id = $1
		ORDER BY id`,
		orderID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []saga.StepAttempt
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, attempt)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (saga.Order, error) {
	var (
		order  saga.Order
		status string
		reason sql.NullString
		method []byte
	)
	err := row.Scan(
		&order.ID, &order.CustomerID, &status, &order.TotalAmount, &order.ShippingAddress,
		&order.InventoryLocked, &order.PaymentProcessed, &order.ShippingScheduled, &reason,
		&order.ReservationID, &order.TransactionID, &order.TrackingNumber, &method, &order.Version,
		&order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		return saga.Order{}, err
	}
	order.Status = saga.Status(status)
	if reason.Valid {
		order.FailureReason = saga.FailureReason(reason.String)
	}
	if len(method) > 0 {
		var pm saga.PaymentMethod
		if err := json.Unmarshal(method, &pm); err != nil {
			return saga.Order{}, fmt.Errorf("decode payment method of %s: %w", order.ID, err)
		}
		order.PaymentMethod = &pm
	}
	return order, nil
}

func scanAttempt(row scanner) (saga.StepAttempt, error) {
	var (
		attempt saga.StepAttempt
		step    string
		outcome string
	)
	err := row.Scan(
		&attempt.ID, &attempt.OrderID, &step, &attempt.AttemptNumber, &attempt.IdempotencyKey,
		&outcome, &attempt.ExternalReference, &attempt.Detail, &attempt.CreatedAt, &attempt.UpdatedAt,
	)
	if err != nil {
		return saga.StepAttempt{}, err
	}
	attempt.Step = saga.StepName(step)
	attempt.Outcome = saga.Outcome(outcome)
	return attempt, nil
}

func encodeMethod(method *saga.PaymentMethod) ([]byte, error) {
	if method == nil {
		return nil, nil
	}
	raw, err := json.Marshal(method)
	if err != nil {
		return nil, fmt.Errorf("encode payment method: %w", err)
	}
	return raw, nil
}

func nullReason(reason saga.FailureReason) sql.NullString {
	return sql.NullString{String: string(reason), Valid: reason != saga.ReasonNone}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
