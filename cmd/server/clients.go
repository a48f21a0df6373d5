package main

import (
	"context"
	"database/sql"

	"fulfillment/cmd/server/config"
	"fulfillment/internal/adapters/rest"
	dborders "fulfillment/internal/db/orders"
	"fulfillment/internal/observability"
	"fulfillment/internal/orders"

	"github.com/sirupsen/logrus"
)

type stepClients struct {
	inventory orders.InventoryClient
	payments  orders.PaymentClient
	shipping  orders.ShippingClient
}

// buildClients picks each step service: the HTTP client when its URL is set,
// the Postgres payment ledger when a database is available, and otherwise
// the in-memory implementation. Every client is wrapped in its guard.
func buildClients(ctx context.Context, svc config.ServicesConfig, dbCfg config.DatabaseConfig, db *sql.DB, rel orders.ReliabilityConfig, metrics *observability.Metrics, log logrus.FieldLogger) (stepClients, error) {
	var (
		inventory orders.InventoryClient
		payments  orders.PaymentClient
		shipping  orders.ShippingClient
	)

	if svc.InventoryURL != "" {
		c, err := rest.NewClient(svc.InventoryURL, nil, rel.Timeout)
		if err != nil {
			return stepClients{}, err
		}
		inventory = rest.NewInventoryClient(c)
	} else {
		log.WithField("products", len(svc.InitialStock)).Warn("INVENTORY_SERVICE_URL not set; using in-memory inventory")
		inventory = orders.NewInMemoryInventoryClient(svc.InitialStock)
	}

	switch {
	case svc.PaymentURL != "":
		c, err := rest.NewClient(svc.PaymentURL, nil, rel.Timeout)
		if err != nil {
			return stepClients{}, err
		}
		payments = rest.NewPaymentClient(c)
	case db != nil && dbCfg.PaymentLedger:
		ledger, err := dborders.NewPaymentLedgerWithSchema(ctx, db)
		if err != nil {
			return stepClients{}, err
		}
		log.Info("PAYMENT_SERVICE_URL not set; booking charges in the payment ledger")
		payments = ledger
	default:
		log.Warn("PAYMENT_SERVICE_URL not set; using in-memory payments")
		payments = orders.NewInMemoryPaymentClient()
	}

	if svc.ShippingURL != "" {
		c, err := rest.NewClient(svc.ShippingURL, nil, rel.Timeout)
		if err != nil {
			return stepClients{}, err
		}
		shipping = rest.NewShippingClient(c)
	} else {
		log.Warn("SHIPPING_SERVICE_URL not set; using in-memory shipping")
		shipping = orders.NewInMemoryShippingClient()
	}

	return stepClients{
		inventory: orders.NewReliableInventoryClient(inventory, rel.NewGuard("inventory", metrics)),
		payments:  orders.NewReliablePaymentClient(payments, rel.NewGuard("payments", metrics)),
		shipping:  orders.NewReliableShippingClient(shipping, rel.NewGuard("shipping", metrics)),
	}, nil
}
