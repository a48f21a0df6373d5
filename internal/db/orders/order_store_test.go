package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"fulfillment/internal/orders/saga"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

var (
	created = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	updated = time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)
)

var orderRowColumns = []string{
	"id", "customer_id", "status", "total_amount", "shipping_address",
	"inventory_locked", "payment_processed", "shipping_scheduled", "failure_reason",
	"reservation_id", "transaction_id", "tracking_number", "payment_method", "version",
	"created_at", "updated_at",
}

func newOrderMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Fatalf("close db: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet expectations: %v", err)
		}
	}

	return db, mock, cleanup
}

func newTestStore(db *sql.DB) *OrderStore {
	store := NewOrderStore(db)
	store.now = func() time.Time { return updated }
	return store
}

func sampleOrder() saga.Order {
	return saga.Order{
		ID:              "order-1",
		CustomerID:      "cust-1",
		Status:          saga.StatusCreated,
		Items:           []saga.Item{{ProductID: "p1", Quantity: 2, UnitPrice: decimal.RequireFromString("10.00")}},
		TotalAmount:     decimal.RequireFromString("20.00"),
		ShippingAddress: "1 Main St",
		Version:         1,
		CreatedAt:       created,
		UpdatedAt:       created,
	}
}

func itemRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"product_id", "quantity", "unit_price"}).AddRow("p1", 2, "10.00")
}

func TestOrderStore_InitSchema(t *testing.T) {
	db, mock, cleanup := newOrderMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS orders").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS orders_customer_idx").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS order_items").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS step_attempts").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE UNIQUE INDEX IF NOT EXISTS step_attempts_one_pending").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	if err := NewOrderStore(db).InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
}

func TestOrderStore_WithSchemaFails(t *testing.T) {
	db, mock, cleanup := newOrderMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS orders").
		WillReturnError(errors.New("permission denied"))
	mock.ExpectClose()

	if _, err := NewOrderStoreWithSchema(context.Background(), db); err == nil {
		t.Fatalf("expected schema error")
	}
}

func TestOrderStore_Create(t *testing.T) {
	db, mock, cleanup := newOrderMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO orders").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO order_items").
		WithArgs("order-1", 0, "p1", 2, decimal.RequireFromString("10.00")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectClose()

	if err := newTestStore(db).Create(context.Background(), sampleOrder()); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func TestOrderStore_CreateDuplicate(t *testing.T) {
	db, mock, cleanup := newOrderMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO orders").
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()
	mock.ExpectClose()

	err := newTestStore(db).Create(context.Background(), sampleOrder())
	if !errors.Is(err, saga.ErrDuplicateOrder) {
		t.Fatalf("expected ErrDuplicateOrder, got %v", err)
	}
}

func TestOrderStore_Get(t *testing.T) {
	db, mock, cleanup := newOrderMockDB(t)
	t.Cleanup(cleanup)

	method := []byte(`{"type":"card","card":{"number":"4242424242424242","expiry_month":12,"expiry_year":2099,"cvv":"123"}}`)
	mock.ExpectQuery("SELECT (.+) FROM orders WHERE id").
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows(orderRowColumns).AddRow(
			"order-1", "cust-1", "FAILED", "20.00", "1 Main St",
			true, false, false, "payment_failed",
			"res-1", "", "", method, int64(4),
			created, updated,
		))
	mock.ExpectQuery("SELECT product_id, quantity, unit_price").
		WithArgs("order-1").
		WillReturnRows(itemRows())
	mock.ExpectClose()

	order, err := newTestStore(db).Get(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if order.Status != saga.StatusFailed || order.FailureReason != saga.ReasonPaymentFailed {
		t.Fatalf("unexpected status %s/%s", order.Status, order.FailureReason)
	}
	if !order.TotalAmount.Equal(decimal.RequireFromString("20")) || order.Version != 4 {
		t.Fatalf("unexpected order: %+v", order)
	}
	if len(order.Items) != 1 || order.Items[0].Quantity != 2 {
		t.Fatalf("unexpected items: %+v", order.Items)
	}
	if order.PaymentMethod == nil || order.PaymentMethod.Card.Number != "4242424242424242" {
		t.Fatalf("payment method not decoded: %+v", order.PaymentMethod)
	}
}

func TestOrderStore_GetNotFound(t *testing.T) {
	db, mock, cleanup := newOrderMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT (.+) FROM orders WHERE id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(orderRowColumns))
	mock.ExpectClose()

	if _, err := newTestStore(db).Get(context.Background(), "missing"); !errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOrderStore_ListActive(t *testing.T) {
	db, mock, cleanup := newOrderMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT (.+) FROM orders WHERE status NOT IN").
		WillReturnRows(sqlmock.NewRows(orderRowColumns).AddRow(
			"order-1", "cust-1", "CREATED", "20.00", "1 Main St",
			false, false, false, nil,
			"", "", "", nil, int64(1),
			created, created,
		))
	mock.ExpectQuery("SELECT product_id, quantity, unit_price").
		WithArgs("order-1").
		WillReturnRows(itemRows())
	mock.ExpectClose()

	orders, err := newTestStore(db).ListActive(context.Background())
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(orders) != 1 || orders[0].FailureReason != saga.ReasonNone || orders[0].PaymentMethod != nil {
		t.Fatalf("unexpected orders: %+v", orders)
	}
}

func TestOrderStore_UpdateClosesAttempt(t *testing.T) {
	db, mock, cleanup := newOrderMockDB(t)
	t.Cleanup(cleanup)

	order := sampleOrder()
	order.Status = saga.StatusInventoryChecked
	order.InventoryLocked = true
	order.ReservationID = "res-1"
	key := saga.IdempotencyKey(order.ID, saga.StepInventory, 1)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE orders SET").
		WillReturnRows(sqlmock.NewRows([]string{"version", "created_at"}).AddRow(int64(2), created))
	mock.ExpectExec("UPDATE step_attempts").
		WithArgs(order.ID, key, "SUCCESS", "res-1", "", updated).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectClose()

	saved, err := newTestStore(db).Update(context.Background(), order, &saga.AttemptResult{
		IdempotencyKey:    key,
		Outcome:           saga.OutcomeSuccess,
		ExternalReference: "res-1",
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if saved.Version != 2 || !saved.UpdatedAt.Equal(updated) || saved.Status != saga.StatusInventoryChecked {
		t.Fatalf("unexpected saved order: %+v", saved)
	}
}

func TestOrderStore_UpdateVersionConflict(t *testing.T) {
	db, mock, cleanup := newOrderMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE orders SET").
		WillReturnRows(sqlmock.NewRows([]string{"version", "created_at"}))
	mock.ExpectQuery("SELECT 1 FROM orders").
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(1))
	mock.ExpectRollback()
	mock.ExpectClose()

	_, err := newTestStore(db).Update(context.Background(), sampleOrder(), nil)
	if !errors.Is(err, saga.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestOrderStore_UpdateNotFound(t *testing.T) {
	db, mock, cleanup := newOrderMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE orders SET").
		WillReturnRows(sqlmock.NewRows([]string{"version", "created_at"}))
	mock.ExpectQuery("SELECT 1 FROM orders").
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}))
	mock.ExpectRollback()
	mock.ExpectClose()

	_, err := newTestStore(db).Update(context.Background(), sampleOrder(), nil)
	if !errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOrderStore_UpdateAttemptAlreadyClosed(t *testing.T) {
	db, mock, cleanup := newOrderMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE orders SET").
		WillReturnRows(sqlmock.NewRows([]string{"version", "created_at"}).AddRow(int64(2), created))
	mock.ExpectExec("UPDATE step_attempts").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	mock.ExpectClose()

	_, err := newTestStore(db).Update(context.Background(), sampleOrder(), &saga.AttemptResult{
		IdempotencyKey: "stale",
		Outcome:        saga.OutcomeFailure,
	})
	if !errors.Is(err, saga.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestOrderStore_BeginAttempt(t *testing.T) {
	db, mock, cleanup := newOrderMockDB(t)
	t.Cleanup(cleanup)

	key := saga.IdempotencyKey("order-1", saga.StepPayment, 2)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT version FROM orders").
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(5)))
	mock.ExpectQuery("SELECT COALESCE").
		WithArgs("order-1", "PAYMENT").
		WillReturnRows(sqlmock.NewRows([]string{"max", "pending"}).AddRow(1, 0))
	mock.ExpectQuery("INSERT INTO step_attempts").
		WithArgs("order-1", "PAYMENT", 2, key, "PENDING", updated).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectCommit()
	mock.ExpectClose()

	attempt, err := newTestStore(db).BeginAttempt(context.Background(), "order-1", saga.StepPayment, 5)
	if err != nil {
		t.Fatalf("BeginAttempt: %v", err)
	}
	if attempt.ID != 7 || attempt.AttemptNumber != 2 || attempt.IdempotencyKey != key || attempt.Outcome != saga.OutcomePending {
		t.Fatalf("unexpected attempt: %+v", attempt)
	}
}

func TestOrderStore_BeginAttemptStaleVersion(t *testing.T) {
	db, mock, cleanup := newOrderMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT version FROM orders").
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(6)))
	mock.ExpectRollback()
	mock.ExpectClose()

	_, err := newTestStore(db).BeginAttempt(context.Background(), "order-1", saga.StepPayment, 5)
	if !errors.Is(err, saga.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestOrderStore_BeginAttemptAlreadyPending(t *testing.T) {
	db, mock, cleanup := newOrderMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT version FROM orders").
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(5)))
	mock.ExpectQuery("SELECT COALESCE").
		WithArgs("order-1", "PAYMENT").
		WillReturnRows(sqlmock.NewRows([]string{"max", "pending"}).AddRow(1, 1))
	mock.ExpectRollback()
	mock.ExpectClose()

	_, err := newTestStore(db).BeginAttempt(context.Background(), "order-1", saga.StepPayment, 5)
	if !errors.Is(err, saga.ErrAttemptPending) {
		t.Fatalf("expected ErrAttemptPending, got %v", err)
	}
}

func TestOrderStore_BeginAttemptRaceOnInsert(t *testing.T) {
	db, mock, cleanup := newOrderMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT version FROM orders").
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(5)))
	mock.ExpectQuery("SELECT COALESCE").
		WithArgs("order-1", "SHIPPING").
		WillReturnRows(sqlmock.NewRows([]string{"max", "pending"}).AddRow(0, 0))
	mock.ExpectQuery("INSERT INTO step_attempts").
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()
	mock.ExpectClose()

	_, err := newTestStore(db).BeginAttempt(context.Background(), "order-1", saga.StepShipping, 5)
	if !errors.Is(err, saga.ErrAttemptPending) {
		t.Fatalf("expected ErrAttemptPending, got %v", err)
	}
}

func TestOrderStore_PendingAttempt(t *testing.T) {
	db, mock, cleanup := newOrderMockDB(t)
	t.Cleanup(cleanup)

	columns := []string{"id", "order_id", "step_name", "attempt_number", "idempotency_key",
		"outcome", "external_reference", "detail", "created_at", "updated_at"}
	mock.ExpectQuery("FROM step_attempts").
		WithArgs("order-1", "INVENTORY").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow(int64(3), "order-1", "INVENTORY", 1, "key-1", "PENDING", "", "", created, created))
	mock.ExpectQuery("FROM step_attempts").
		WithArgs("order-1", "PAYMENT").
		WillReturnRows(sqlmock.NewRows(columns))
	mock.ExpectClose()

	store := newTestStore(db)
	attempt, ok, err := store.PendingAttempt(context.Background(), "order-1", saga.StepInventory)
	if err != nil || !ok {
		t.Fatalf("expected pending attempt, ok=%v err=%v", ok, err)
	}
	if attempt.Step != saga.StepInventory || attempt.Outcome != saga.OutcomePending {
		t.Fatalf("unexpected attempt: %+v", attempt)
	}

	if _, ok, err := store.PendingAttempt(context.Background(), "order-1", saga.StepPayment); err != nil || ok {
		t.Fatalf("expected no pending attempt, ok=%v err=%v", ok, err)
	}
}
