package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fulfillment/internal/orders"
	"fulfillment/internal/orders/saga"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentLedger is a PaymentClient that settles charges in a local Postgres
// ledger. It stands in for the payment service in single-node deployments.
type PaymentLedger struct {
	db    *sql.DB
	newTx func() string
}

// NewPaymentLedger constructs a PaymentLedger backed by Postgres.
func NewPaymentLedger(db *sql.DB) *PaymentLedger {
	return &PaymentLedger{db: db, newTx: func() string { return "tx-" + uuid.NewString() }}
}

// NewPaymentLedgerWithSchema initializes the schema then returns the ledger.
func NewPaymentLedgerWithSchema(ctx context.Context, db *sql.DB) (*PaymentLedger, error) {
	ledger := NewPaymentLedger(db)
	if err := ledger.InitSchema(ctx); err != nil {
		return nil, err
	}
	return ledger, nil
}

// InitSchema creates the payment_charges table if it does not exist.
func (p *PaymentLedger) InitSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS payment_charges (
			idempotency_key TEXT PRIMARY KEY,
			transaction_id TEXT UNIQUE NOT NULL,
			order_id TEXT NOT NULL,
			amount NUMERIC(14,2) NOT NULL,
			charged_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			refund_key TEXT,
			refund_amount NUMERIC(14,2),
			refunded_at TIMESTAMPTZ
		)
	`)
	return err
}

// ErrNotCharged signals a refund for a transaction the ledger never recorded.
var ErrNotCharged = errors.New("transaction not charged")

// ErrKeyReused signals an idempotency key already used for another order.
var ErrKeyReused = errors.New("idempotency key reused for a different order")

// ErrChargeVoided signals a charge whose key was refunded before it arrived.
var ErrChargeVoided = errors.New("charge key voided")

func (p *PaymentLedger) Charge(ctx context.Context, key, orderID string, amount decimal.Decimal, method saga.PaymentMethod) (string, error) {
	if key == "" || orderID == "" {
		return "", orders.Terminal(fmt.Errorf("idempotency key and order id are required"))
	}

	res, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_charges (idempotency_key, transaction_id, order_id, amount)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		key, p.newTx(), orderID, amount,
	)
	if err != nil {
		return "", orders.Transient(err)
	}
	if _, err := res.RowsAffected(); err != nil {
		return "", orders.Transient(err)
	}

	var txID, owner string
	row := p.db.QueryRowContext(ctx, `SELECT transaction_id, order_id FROM payment_charges WHERE idempotency_key = $1`, key)
	switch err := row.Scan(&txID, &owner); {
	case errors.Is(err, sql.ErrNoRows):
		return "", orders.Transient(fmt.Errorf("charge %s not found after insert", key))
	case err != nil:
		return "", orders.Transient(err)
	}
	switch owner {
	case orderID:
	case "":
		return "", orders.Terminal(ErrChargeVoided)
	default:
		return "", orders.Terminal(ErrKeyReused)
	}
	return txID, nil
}

func (p *PaymentLedger) Refund(ctx context.Context, key, transactionID string, amount decimal.Decimal) error {
	if transactionID == "" {
		return orders.Terminal(fmt.Errorf("transaction id required"))
	}

	res, err := p.db.ExecContext(ctx, `
		UPDATE payment_charges SET refund_amount = $2, refund_key = $3, refunded_at = NOW()
		WHERE transaction_id = $1 AND refunded_at IS NULL`,
		transactionID, amount, key,
	)
	if err != nil {
		return orders.Transient(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return orders.Transient(err)
	}
	if affected > 0 {
		return nil
	}

	var refunded bool
	row := p.db.QueryRowContext(ctx, `SELECT refunded_at IS NOT NULL FROM payment_charges WHERE transaction_id = $1`, transactionID)
	switch scanErr := row.Scan(&refunded); scanErr {
	case nil:
		// A second refund of the same transaction is a replay.
		return nil
	case sql.ErrNoRows:
		return orders.Terminal(ErrNotCharged)
	default:
		return orders.Transient(scanErr)
	}
}

// RefundByKey refunds the charge recorded under chargeKey. An unknown key
// gets a voided row with an empty order id so a late Charge is rejected.
func (p *PaymentLedger) RefundByKey(ctx context.Context, key, chargeKey string, amount decimal.Decimal) error {
	if chargeKey == "" {
		return orders.Terminal(fmt.Errorf("charge key required"))
	}

	res, err := p.db.ExecContext(ctx, `
		UPDATE payment_charges SET refund_amount = $2, refund_key = $3, refunded_at = NOW()
		WHERE idempotency_key = $1 AND refunded_at IS NULL`,
		chargeKey, amount, key,
	)
	if err != nil {
		return orders.Transient(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return orders.Transient(err)
	}
	if affected > 0 {
		return nil
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO payment_charges (idempotency_key, transaction_id, order_id, amount, refund_key, refund_amount, refunded_at)
		VALUES ($1, $2, '', 0, $3, 0, NOW())
		ON CONFLICT (idempotency_key) DO NOTHING`,
		chargeKey, "void-"+uuid.NewString(), key,
	)
	if err != nil {
		return orders.Transient(err)
	}
	return nil
}

func (p *PaymentLedger) Lookup(ctx context.Context, key string) (orders.StepResult, error) {
	var txID, owner string
	row := p.db.QueryRowContext(ctx, `SELECT transaction_id, order_id FROM payment_charges WHERE idempotency_key = $1`, key)
	switch err := row.Scan(&txID, &owner); {
	case errors.Is(err, sql.ErrNoRows):
		return orders.StepResult{}, orders.ErrUnknownKey
	case err != nil:
		return orders.StepResult{}, err
	}
	if owner == "" {
		return orders.StepResult{Status: orders.ResultFailed, Detail: ErrChargeVoided.Error()}, nil
	}
	return orders.StepResult{Status: orders.ResultSucceeded, Reference: txID}, nil
}
