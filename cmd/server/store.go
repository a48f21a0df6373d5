package main

import (
	"context"
	"database/sql"
	"strings"

	"fulfillment/cmd/server/config"
	dborders "fulfillment/internal/db/orders"
	"fulfillment/internal/orders/saga"

	"github.com/sirupsen/logrus"
)

var openDB = func(driver, dsn string) (*sql.DB, error) {
	return sql.Open(driver, dsn)
}

// buildStore opens the Postgres order store, or an in-memory one when no
// DATABASE_URL is set. The returned *sql.DB is nil in the in-memory case.
func buildStore(ctx context.Context, cfg config.DatabaseConfig, log logrus.FieldLogger) (saga.Store, *sql.DB, func(), error) {
	dsn := strings.TrimSpace(cfg.URL)
	if dsn == "" {
		log.Warn("DATABASE_URL not set; orders are kept in memory")
		return saga.NewMemoryStore(), nil, func() {}, nil
	}

	db, err := openDB("pgx", dsn)
	if err != nil {
		return nil, nil, nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	store, err := dborders.NewOrderStoreWithSchema(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, nil, nil, err
	}
	cleanup := func() {
		if err := db.Close(); err != nil {
			log.WithError(err).Warn("close orders db")
		}
	}
	return store, db, cleanup, nil
}
