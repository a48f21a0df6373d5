// Package app is the customer-facing command and query surface. It scopes
// every call to the authenticated customer and hands saga progress to the
// background runner.
package app

import (
	"context"
	"fmt"

	"fulfillment/internal/orders"
	"fulfillment/internal/orders/saga"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Orders is the orchestrator surface the service needs.
type Orders interface {
	CreateOrder(ctx context.Context, in orders.CreateOrderInput) (saga.Order, error)
	Get(ctx context.Context, orderID string) (saga.Order, error)
	ListByCustomer(ctx context.Context, customerID string) ([]saga.Order, error)
	Cancel(ctx context.Context, orderID string) (saga.Order, error)
	RetryPayment(ctx context.Context, orderID string, method saga.PaymentMethod) (saga.Order, error)
	SubmitPayment(ctx context.Context, orderID string, method saga.PaymentMethod) (saga.Order, error)
	PaymentView(ctx context.Context, orderID string) (orders.PaymentView, error)
	ShipmentView(ctx context.Context, orderID string) (orders.ShipmentView, error)
}

// Scheduler serializes commands with background runs and triggers them.
type Scheduler interface {
	Do(ctx context.Context, orderID string, fn func(context.Context) error) error
	Trigger(orderID string)
}

// Service implements the API operations for one customer at a time.
type Service struct {
	orders Orders
	runner Scheduler
	log    logrus.FieldLogger
}

// NewService constructs a Service.
func NewService(o Orders, runner Scheduler, log logrus.FieldLogger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{orders: o, runner: runner, log: log}
}

// CreateOrder persists the order and starts its saga in the background.
func (s *Service) CreateOrder(ctx context.Context, customerID string, in orders.CreateOrderInput) (saga.Order, error) {
	if in.CustomerID != "" && in.CustomerID != customerID {
		return saga.Order{}, &orders.ValidationError{Fields: map[string]string{"customer_id": "does not match the authenticated customer"}}
	}
	in.CustomerID = customerID
	order, err := s.orders.CreateOrder(ctx, in)
	if err != nil {
		return saga.Order{}, err
	}
	s.runner.Trigger(order.ID)
	return order, nil
}

// GetOrder returns the customer's order. Orders owned by someone else are
// reported as not found.
func (s *Service) GetOrder(ctx context.Context, customerID, orderID string) (saga.Order, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return saga.Order{}, err
	}
	if order.CustomerID != customerID {
		return saga.Order{}, saga.ErrNotFound
	}
	return order, nil
}

func (s *Service) ListOrders(ctx context.Context, customerID string) ([]saga.Order, error) {
	return s.orders.ListByCustomer(ctx, customerID)
}

// CancelOrder cancels a CREATED order while holding its lease.
func (s *Service) CancelOrder(ctx context.Context, customerID, orderID string) (saga.Order, error) {
	if _, err := s.GetOrder(ctx, customerID, orderID); err != nil {
		return saga.Order{}, err
	}
	var out saga.Order
	err := s.runner.Do(ctx, orderID, func(ctx context.Context) error {
		var err error
		out, err = s.orders.Cancel(ctx, orderID)
		return err
	})
	if err != nil {
		return saga.Order{}, err
	}
	return out, nil
}

// RetryPayment re-arms a payment-failed order and resumes its saga.
func (s *Service) RetryPayment(ctx context.Context, customerID, orderID string, method saga.PaymentMethod) (saga.Order, error) {
	return s.paymentCommand(ctx, customerID, orderID, s.orders.RetryPayment, method)
}

// SubmitPayment attaches or retries payment details. A non-nil amount must
// equal the order total.
func (s *Service) SubmitPayment(ctx context.Context, customerID, orderID string, amount *decimal.Decimal, method saga.PaymentMethod) (saga.Order, error) {
	order, err := s.GetOrder(ctx, customerID, orderID)
	if err != nil {
		return saga.Order{}, err
	}
	if amount != nil && !amount.Equal(order.TotalAmount) {
		return saga.Order{}, &orders.ValidationError{Fields: map[string]string{
			"amount": fmt.Sprintf("must equal the order total %s", order.TotalAmount.StringFixed(2)),
		}}
	}
	return s.paymentCommand(ctx, customerID, orderID, s.orders.SubmitPayment, method)
}

type paymentFn func(ctx context.Context, orderID string, method saga.PaymentMethod) (saga.Order, error)

func (s *Service) paymentCommand(ctx context.Context, customerID, orderID string, fn paymentFn, method saga.PaymentMethod) (saga.Order, error) {
	if _, err := s.GetOrder(ctx, customerID, orderID); err != nil {
		return saga.Order{}, err
	}
	var out saga.Order
	err := s.runner.Do(ctx, orderID, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx, orderID, method)
		return err
	})
	if err != nil {
		return saga.Order{}, err
	}
	s.runner.Trigger(orderID)
	return out, nil
}

func (s *Service) PaymentView(ctx context.Context, customerID, orderID string) (orders.PaymentView, error) {
	if _, err := s.GetOrder(ctx, customerID, orderID); err != nil {
		return orders.PaymentView{}, err
	}
	return s.orders.PaymentView(ctx, orderID)
}

func (s *Service) ShipmentView(ctx context.Context, customerID, orderID string) (orders.ShipmentView, error) {
	if _, err := s.GetOrder(ctx, customerID, orderID); err != nil {
		return orders.ShipmentView{}, err
	}
	return s.orders.ShipmentView(ctx, orderID)
}

// ShipmentEvent records a carrier notification by re-running the saga, which
// polls the carrier for the parcel's state.
func (s *Service) ShipmentEvent(ctx context.Context, orderID string) error {
	if _, err := s.orders.Get(ctx, orderID); err != nil {
		return err
	}
	s.log.WithField("order_id", orderID).Info("carrier event received")
	s.runner.Trigger(orderID)
	return nil
}
