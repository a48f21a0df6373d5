package main

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"testing"
	"time"

	"fulfillment/cmd/server/config"
	"fulfillment/internal/orders"
	"fulfillment/internal/orders/saga"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func stubOpenDB(t *testing.T) sqlmock.Sqlmock {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	prev := openDB
	openDB = func(driver, dsn string) (*sql.DB, error) {
		if driver != "pgx" {
			t.Fatalf("unexpected driver %q", driver)
		}
		return db, nil
	}
	t.Cleanup(func() { openDB = prev })
	return mock
}

func TestBuildStore_FallsBackToMemory(t *testing.T) {
	store, db, cleanup, err := buildStore(context.Background(), config.DatabaseConfig{}, quietLogger())
	if err != nil {
		t.Fatalf("build store: %v", err)
	}
	defer cleanup()
	if db != nil {
		t.Fatalf("expected no database handle")
	}
	if _, ok := store.(*saga.MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}
}

func TestBuildStore_SchemaFailureClosesDB(t *testing.T) {
	mock := stubOpenDB(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS orders").WillReturnError(errors.New("permission denied"))
	mock.ExpectClose()

	_, _, _, err := buildStore(context.Background(), config.DatabaseConfig{URL: "postgres://db/orders"}, quietLogger())
	if err == nil {
		t.Fatalf("expected schema error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBuildClients_InMemoryByDefault(t *testing.T) {
	rel, err := config.LoadReliability()
	if err != nil {
		t.Fatalf("load reliability: %v", err)
	}
	svc := config.ServicesConfig{InitialStock: map[string]int{"sku-1": 1}}

	clients, err := buildClients(context.Background(), svc, config.DatabaseConfig{}, nil, rel, nil, quietLogger())
	if err != nil {
		t.Fatalf("build clients: %v", err)
	}
	if _, ok := clients.payments.(*orders.ReliablePaymentClient); !ok {
		t.Fatalf("expected guarded payments client, got %T", clients.payments)
	}

	items := []saga.Item{{ProductID: "sku-1", Quantity: 1, UnitPrice: decimal.NewFromInt(5)}}
	if _, err := clients.inventory.Reserve(context.Background(), "k1", "o1", items); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	_, err = clients.inventory.Reserve(context.Background(), "k2", "o2", items)
	if !errors.Is(err, orders.ErrOutOfStock) || orders.IsTransient(err) {
		t.Fatalf("expected terminal out of stock, got %v", err)
	}
}

func TestBuildClients_RejectsBadServiceURL(t *testing.T) {
	svc := config.ServicesConfig{ShippingURL: "shipping-without-scheme"}
	if _, err := buildClients(context.Background(), svc, config.DatabaseConfig{}, nil, orders.ReliabilityConfig{RetryMaxAttempts: 1}, nil, quietLogger()); err == nil {
		t.Fatalf("expected invalid url error")
	}
}

func TestBuildClients_UsesPaymentLedgerWithDatabase(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS payment_charges").WillReturnResult(sqlmock.NewResult(0, 0))

	dbCfg := config.DatabaseConfig{URL: "postgres://db/orders", PaymentLedger: true}
	if _, err := buildClients(context.Background(), config.ServicesConfig{}, dbCfg, db, orders.ReliabilityConfig{RetryMaxAttempts: 1}, nil, quietLogger()); err != nil {
		t.Fatalf("build clients: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ledger schema not created: %v", err)
	}
}

func TestBuildPublisher_WritesRedisStream(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	redisCfg := config.RedisConfig{Stream: "order_events", StatusTTL: time.Hour, StreamMaxLen: 100}
	publisher, cleanup := buildPublisher(config.KafkaConfig{}, redisCfg, rdb, quietLogger())
	defer cleanup()

	order := saga.Order{ID: "o-1", CustomerID: "c-1", Status: saga.StatusCreated, Version: 1, UpdatedAt: time.Now()}
	if err := publisher.Publish(context.Background(), orders.NewEvent(orders.EventOrderCreated, order, "")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	n, err := rdb.XLen(context.Background(), "order_events").Result()
	if err != nil || n != 1 {
		t.Fatalf("expected one stream entry, got %d (%v)", n, err)
	}
	status, err := rdb.HGet(context.Background(), "order:o-1", "status").Result()
	if err != nil || status != string(saga.StatusCreated) {
		t.Fatalf("unexpected status hash: %q (%v)", status, err)
	}
}

func TestNewLogger(t *testing.T) {
	log, err := newLogger(config.ObservabilityConfig{LogLevel: "debug", LogFormat: "text"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	if log.GetLevel() != logrus.DebugLevel {
		t.Fatalf("unexpected level: %v", log.GetLevel())
	}
	if _, ok := log.Formatter.(*logrus.TextFormatter); !ok {
		t.Fatalf("expected text formatter, got %T", log.Formatter)
	}

	if _, err := newLogger(config.ObservabilityConfig{LogLevel: "chatty"}); err == nil {
		t.Fatalf("expected bad level error")
	}
}
