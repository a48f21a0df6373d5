package rest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"fulfillment/internal/orders"
	"fulfillment/internal/orders/saga"

	"github.com/shopspring/decimal"
)

// InventoryClient reserves stock through the inventory service.
type InventoryClient struct {
	c *Client
}

// NewInventoryClient constructs an InventoryClient.
func NewInventoryClient(c *Client) *InventoryClient { return &InventoryClient{c: c} }

type reserveItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type reserveRequest struct {
	OrderID string        `json:"order_id"`
	Items   []reserveItem `json:"items"`
}

type reserveResponse struct {
	ReservationID string `json:"reservation_id"`
}

func (i *InventoryClient) Reserve(ctx context.Context, key, orderID string, items []saga.Item) (string, error) {
	req := reserveRequest{OrderID: orderID, Items: make([]reserveItem, len(items))}
	for n, it := range items {
		req.Items[n] = reserveItem{ProductID: it.ProductID, Quantity: it.Quantity}
	}
	var out reserveResponse
	if err := i.c.do(ctx, http.MethodPost, "/inventory/reserve", key, req, &out); err != nil {
		return "", classify(err, orders.ErrOutOfStock)
	}
	if out.ReservationID == "" {
		return "", orders.Transient(fmt.Errorf("reserve: empty reservation id"))
	}
	return out.ReservationID, nil
}

func (i *InventoryClient) Release(ctx context.Context, key, reservationID string) error {
	req := map[string]string{"reservation_id": reservationID}
	return classify(i.c.do(ctx, http.MethodPost, "/inventory/release", key, req, nil), orders.ErrOutOfStock)
}

func (i *InventoryClient) ReleaseByKey(ctx context.Context, key, reserveKey string) error {
	path := byKey("/inventory/reservations", reserveKey) + "/release"
	return classify(i.c.do(ctx, http.MethodPost, path, key, nil, nil), orders.ErrOutOfStock)
}

func (i *InventoryClient) Lookup(ctx context.Context, key string) (orders.StepResult, error) {
	return i.c.lookup(ctx, byKey("/inventory/reservations", key), orders.ErrOutOfStock)
}

// PaymentClient charges cards through the payment service.
type PaymentClient struct {
	c *Client
}

// NewPaymentClient constructs a PaymentClient.
func NewPaymentClient(c *Client) *PaymentClient { return &PaymentClient{c: c} }

type chargeRequest struct {
	OrderID       string          `json:"order_id"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"payment_method"`
	CardNumber    string          `json:"card_number"`
	ExpiryMonth   int             `json:"expiry_month"`
	ExpiryYear    int             `json:"expiry_year"`
	CVV           string          `json:"cvv"`
}

type chargeResponse struct {
	TransactionID string `json:"transaction_id"`
}

type refundRequest struct {
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
}

func (p *PaymentClient) Charge(ctx context.Context, key, orderID string, amount decimal.Decimal, method saga.PaymentMethod) (string, error) {
	req := chargeRequest{OrderID: orderID, Amount: amount, PaymentMethod: string(method.Type)}
	if card := method.Card; card != nil {
		req.CardNumber = card.Number
		req.ExpiryMonth = card.ExpiryMonth
		req.ExpiryYear = card.ExpiryYear
		req.CVV = card.CVV
	}
	var out chargeResponse
	if err := p.c.do(ctx, http.MethodPost, "/payments", key, req, &out); err != nil {
		return "", classify(err, orders.ErrPaymentDeclined)
	}
	if out.TransactionID == "" {
		return "", orders.Transient(fmt.Errorf("charge: empty transaction id"))
	}
	return out.TransactionID, nil
}

func (p *PaymentClient) Refund(ctx context.Context, key, transactionID string, amount decimal.Decimal) error {
	req := refundRequest{TransactionID: transactionID, Amount: amount}
	return classify(p.c.do(ctx, http.MethodPost, "/payments/refund", key, req, nil), orders.ErrPaymentDeclined)
}

func (p *PaymentClient) RefundByKey(ctx context.Context, key, chargeKey string, amount decimal.Decimal) error {
	req := map[string]decimal.Decimal{"amount": amount}
	path := byKey("/payments", chargeKey) + "/refund"
	return classify(p.c.do(ctx, http.MethodPost, path, key, req, nil), orders.ErrPaymentDeclined)
}

func (p *PaymentClient) Lookup(ctx context.Context, key string) (orders.StepResult, error) {
	return p.c.lookup(ctx, byKey("/payments", key), orders.ErrPaymentDeclined)
}

// ShippingClient books and tracks shipments through the shipping service.
type ShippingClient struct {
	c *Client
}

// NewShippingClient constructs a ShippingClient.
func NewShippingClient(c *Client) *ShippingClient { return &ShippingClient{c: c} }

type scheduleRequest struct {
	OrderID string `json:"order_id"`
	Address string `json:"address"`
}

type scheduleResponse struct {
	TrackingNumber string `json:"tracking_number"`
}

type trackingResponse struct {
	Status string `json:"status"`
}

func (s *ShippingClient) Schedule(ctx context.Context, key, orderID, address string) (string, error) {
	var out scheduleResponse
	req := scheduleRequest{OrderID: orderID, Address: address}
	if err := s.c.do(ctx, http.MethodPost, "/shipments", key, req, &out); err != nil {
		return "", classify(err, orders.ErrShippingUnavailable)
	}
	if out.TrackingNumber == "" {
		return "", orders.Transient(fmt.Errorf("schedule: empty tracking number"))
	}
	return out.TrackingNumber, nil
}

func (s *ShippingClient) Cancel(ctx context.Context, key, scheduleKey string) error {
	path := byKey("/shipments", scheduleKey) + "/cancel"
	return classify(s.c.do(ctx, http.MethodPost, path, key, nil, nil), orders.ErrShippingUnavailable)
}

func (s *ShippingClient) Lookup(ctx context.Context, key string) (orders.StepResult, error) {
	return s.c.lookup(ctx, byKey("/shipments", key), orders.ErrShippingUnavailable)
}

func (s *ShippingClient) Track(ctx context.Context, trackingNumber string) (orders.CarrierStatus, error) {
	var out trackingResponse
	path := "/shipments/" + url.PathEscape(trackingNumber) + "/tracking"
	if err := s.c.do(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		return "", classify(err, orders.ErrShippingUnavailable)
	}
	switch status := orders.CarrierStatus(out.Status); status {
	case orders.CarrierPending, orders.CarrierPickedUp, orders.CarrierDelivered:
		return status, nil
	default:
		return "", fmt.Errorf("track %s: unknown carrier status %q", trackingNumber, out.Status)
	}
}
