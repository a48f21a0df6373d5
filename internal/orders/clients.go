package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"fulfillment/internal/orders/saga"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ResultStatus is what a step service reports for an idempotency key.
type ResultStatus string

const (
	ResultSucceeded ResultStatus = "SUCCEEDED"
	ResultFailed    ResultStatus = "FAILED"
	ResultPending   ResultStatus = "PENDING"
)

// StepResult is the remote view of a keyed operation.
type StepResult struct {
	Status    ResultStatus
	Reference string
	Detail    string
}

// CarrierStatus is the shipping service's view of a parcel.
type CarrierStatus string

const (
	CarrierPending   CarrierStatus = "PENDING"
	CarrierPickedUp  CarrierStatus = "PICKED_UP"
	CarrierDelivered CarrierStatus = "DELIVERED"
)

// InventoryClient reserves and releases stock. Calls are idempotent per key.
// ReleaseByKey releases whatever was reserved under reserveKey; when nothing
// was, the key is voided so a late Reserve with it is rejected.
type InventoryClient interface {
	Reserve(ctx context.Context, key, orderID string, items []saga.Item) (string, error)
	Release(ctx context.Context, key, reservationID string) error
	ReleaseByKey(ctx context.Context, key, reserveKey string) error
	Lookup(ctx context.Context, key string) (StepResult, error)
}

// PaymentClient charges and refunds. Calls are idempotent per key.
// RefundByKey refunds whatever was charged under chargeKey and voids the key
// when nothing was.
type PaymentClient interface {
	Charge(ctx context.Context, key, orderID string, amount decimal.Decimal, method saga.PaymentMethod) (string, error)
	Refund(ctx context.Context, key, transactionID string, amount decimal.Decimal) error
	RefundByKey(ctx context.Context, key, chargeKey string, amount decimal.Decimal) error
	Lookup(ctx context.Context, key string) (StepResult, error)
}

// ShippingClient books and tracks shipments. Cancel voids whatever was booked
// under scheduleKey.
type ShippingClient interface {
	Schedule(ctx context.Context, key, orderID, address string) (string, error)
	Cancel(ctx context.Context, key, scheduleKey string) error
	Lookup(ctx context.Context, key string) (StepResult, error)
	Track(ctx context.Context, trackingNumber string) (CarrierStatus, error)
}

var (
	errLostResponse = errors.New("response lost")
	errKeyVoided    = errors.New("idempotency key voided")
)

// stepLedger remembers keyed outcomes and lets tests inject faults.
type stepLedger struct {
	mu      sync.Mutex
	results map[string]StepResult
	replay  map[string]error
	fail    map[string][]error
	lose    map[string]int
	calls   map[string]int
}

func newStepLedger() *stepLedger {
	return &stepLedger{
		results: make(map[string]StepResult),
		replay:  make(map[string]error),
		fail:    make(map[string][]error),
		lose:    make(map[string]int),
		calls:   make(map[string]int),
	}
}

// FailNext queues errors returned, in order, by the next calls of op.
func (l *stepLedger) FailNext(op string, errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail[op] = append(l.fail[op], errs...)
}

// LoseNextResponse applies the next op but reports a transient failure to the caller.
func (l *stepLedger) LoseNextResponse(op string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lose[op]++
}

// Calls reports how many times op was invoked, replays included.
func (l *stepLedger) Calls(op string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[op]
}

func (l *stepLedger) Lookup(ctx context.Context, key string) (StepResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls["lookup"]++
	res, ok := l.results[key]
	if !ok {
		return StepResult{}, ErrUnknownKey
	}
	return res, nil
}

// begin must be called with l.mu held. done is true when key was already processed.
func (l *stepLedger) begin(op, key string) (res StepResult, done bool, err error) {
	l.calls[op]++
	if res, ok := l.results[key]; ok {
		return res, true, l.replay[key]
	}
	if queued := l.fail[op]; len(queued) > 0 {
		err := queued[0]
		l.fail[op] = queued[1:]
		if !IsTransient(err) {
			l.results[key] = StepResult{Status: ResultFailed, Detail: err.Error()}
			l.replay[key] = err
		}
		return StepResult{}, false, err
	}
	return StepResult{}, false, nil
}

// settled returns the success recorded under key, or voids key when nothing
// was recorded. Must be called with l.mu held.
func (l *stepLedger) settled(key string) (StepResult, bool) {
	res, ok := l.results[key]
	if !ok {
		err := Terminal(errKeyVoided)
		l.results[key] = StepResult{Status: ResultFailed, Detail: err.Error()}
		l.replay[key] = err
		return StepResult{}, false
	}
	return res, res.Status == ResultSucceeded
}

// finish must be called with l.mu held.
func (l *stepLedger) finish(op, key string, res StepResult) error {
	l.results[key] = res
	if l.lose[op] > 0 {
		l.lose[op]--
		return Transient(errLostResponse)
	}
	return nil
}

// NewInMemoryInventoryClient constructs an inventory client over the given stock.
// A nil stock map means unlimited stock.
func NewInMemoryInventoryClient(stock map[string]int) *InMemoryInventoryClient {
	return &InMemoryInventoryClient{
		stepLedger:   newStepLedger(),
		stock:        stock,
		reservations: make(map[string][]saga.Item),
		released:     make(map[string]bool),
	}
}

// InMemoryInventoryClient tracks reservations in memory.
type InMemoryInventoryClient struct {
	*stepLedger
	stock        map[string]int
	reservations map[string][]saga.Item
	released     map[string]bool
}

func (c *InMemoryInventoryClient) Reserve(ctx context.Context, key, orderID string, items []saga.Item) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, done, err := c.begin("reserve", key)
	if done || err != nil {
		return res.Reference, err
	}
	if c.stock != nil {
		for _, it := range items {
			if c.stock[it.ProductID] < it.Quantity {
				err := Terminal(fmt.Errorf("%w: %s", ErrOutOfStock, it.ProductID))
				c.results[key] = StepResult{Status: ResultFailed, Detail: err.Error()}
				c.replay[key] = err
				return "", err
			}
		}
		for _, it := range items {
			c.stock[it.ProductID] -= it.Quantity
		}
	}
	id := "res-" + uuid.NewString()
	c.reservations[id] = append([]saga.Item(nil), items...)
	return id, c.finish("reserve", key, StepResult{Status: ResultSucceeded, Reference: id})
}

func (c *InMemoryInventoryClient) Release(ctx context.Context, key, reservationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, done, err := c.begin("release", key)
	if done || err != nil {
		return err
	}
	if _, ok := c.reservations[reservationID]; !ok {
		return Terminal(fmt.Errorf("reservation %s not found", reservationID))
	}
	c.release(reservationID)
	return c.finish("release", key, StepResult{Status: ResultSucceeded, Reference: reservationID})
}

func (c *InMemoryInventoryClient) ReleaseByKey(ctx context.Context, key, reserveKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, done, err := c.begin("release", key)
	if done || err != nil {
		return err
	}
	res, ok := c.settled(reserveKey)
	if ok {
		c.release(res.Reference)
	}
	return c.finish("release", key, StepResult{Status: ResultSucceeded, Reference: res.Reference})
}

// release must be called with c.mu held.
func (c *InMemoryInventoryClient) release(reservationID string) {
	if !c.released[reservationID] && c.stock != nil {
		for _, it := range c.reservations[reservationID] {
			c.stock[it.ProductID] += it.Quantity
		}
	}
	c.released[reservationID] = true
}

// Held reports the number of reservations not yet released.
func (c *InMemoryInventoryClient) Held() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id := range c.reservations {
		if !c.released[id] {
			n++
		}
	}
	return n
}

// Stock returns the remaining stock of a product.
func (c *InMemoryInventoryClient) Stock(productID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stock[productID]
}

// NewInMemoryPaymentClient constructs an in-memory payment client.
func NewInMemoryPaymentClient() *InMemoryPaymentClient {
	return &InMemoryPaymentClient{
		stepLedger: newStepLedger(),
		charges:    make(map[string]string),
		amounts:    make(map[string]decimal.Decimal),
		refunded:   make(map[string]bool),
		declined:   make(map[string]bool),
	}
}

// InMemoryPaymentClient tracks charges and refunds in memory.
type InMemoryPaymentClient struct {
	*stepLedger
	charges  map[string]string
	amounts  map[string]decimal.Decimal
	refunded map[string]bool
	declined map[string]bool
}

// Decline makes every charge against the card number fail as a business rejection.
func (c *InMemoryPaymentClient) Decline(cardNumber string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declined[cardNumber] = true
}

func (c *InMemoryPaymentClient) Charge(ctx context.Context, key, orderID string, amount decimal.Decimal, method saga.PaymentMethod) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, done, err := c.begin("charge", key)
	if done || err != nil {
		return res.Reference, err
	}
	if method.Card != nil && c.declined[method.Card.Number] {
		err := Terminal(ErrPaymentDeclined)
		c.results[key] = StepResult{Status: ResultFailed, Detail: err.Error()}
		c.replay[key] = err
		return "", err
	}
	txID := "tx-" + uuid.NewString()
	c.charges[txID] = orderID
	c.amounts[txID] = amount
	return txID, c.finish("charge", key, StepResult{Status: ResultSucceeded, Reference: txID})
}

func (c *InMemoryPaymentClient) Refund(ctx context.Context, key, transactionID string, amount decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, done, err := c.begin("refund", key)
	if done || err != nil {
		return err
	}
	if _, ok := c.charges[transactionID]; !ok {
		return Terminal(errors.New("refund without charge"))
	}
	c.refunded[transactionID] = true
	return c.finish("refund", key, StepResult{Status: ResultSucceeded, Reference: transactionID})
}

func (c *InMemoryPaymentClient) RefundByKey(ctx context.Context, key, chargeKey string, amount decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, done, err := c.begin("refund", key)
	if done || err != nil {
		return err
	}
	res, ok := c.settled(chargeKey)
	if ok {
		c.refunded[res.Reference] = true
	}
	return c.finish("refund", key, StepResult{Status: ResultSucceeded, Reference: res.Reference})
}

// Charges reports how many distinct charges were captured for an order.
func (c *InMemoryPaymentClient) Charges(orderID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, id := range c.charges {
		if id == orderID {
			n++
		}
	}
	return n
}

// WasRefunded reports whether any charge of the order was refunded.
func (c *InMemoryPaymentClient) WasRefunded(orderID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for tx, id := range c.charges {
		if id == orderID && c.refunded[tx] {
			return true
		}
	}
	return false
}

// NewInMemoryShippingClient constructs an in-memory shipping client.
func NewInMemoryShippingClient() *InMemoryShippingClient {
	return &InMemoryShippingClient{
		stepLedger: newStepLedger(),
		shipments:  make(map[string]string),
		carrier:    make(map[string]CarrierStatus),
		cancelled:  make(map[string]bool),
	}
}

// InMemoryShippingClient tracks shipments and carrier progress in memory.
type InMemoryShippingClient struct {
	*stepLedger
	shipments map[string]string
	carrier   map[string]CarrierStatus
	cancelled map[string]bool
	trackErr  error
}

func (c *InMemoryShippingClient) Schedule(ctx context.Context, key, orderID, address string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, done, err := c.begin("schedule", key)
	if done || err != nil {
		return res.Reference, err
	}
	tracking := "trk-" + uuid.NewString()
	c.shipments[tracking] = orderID
	c.carrier[tracking] = CarrierPending
	return tracking, c.finish("schedule", key, StepResult{Status: ResultSucceeded, Reference: tracking})
}

func (c *InMemoryShippingClient) Cancel(ctx context.Context, key, scheduleKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, done, err := c.begin("cancel", key)
	if done || err != nil {
		return err
	}
	if res, ok := c.results[scheduleKey]; ok && res.Reference != "" {
		c.cancelled[res.Reference] = true
	}
	return c.finish("cancel", key, StepResult{Status: ResultSucceeded})
}

func (c *InMemoryShippingClient) Track(ctx context.Context, trackingNumber string) (CarrierStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["track"]++
	if c.trackErr != nil {
		return "", c.trackErr
	}
	status, ok := c.carrier[trackingNumber]
	if !ok {
		return "", fmt.Errorf("tracking number %s unknown", trackingNumber)
	}
	return status, nil
}

// SetCarrierStatus simulates carrier progress for a parcel.
func (c *InMemoryShippingClient) SetCarrierStatus(trackingNumber string, status CarrierStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.carrier[trackingNumber] = status
}

// SetTrackError makes Track fail until cleared with nil.
func (c *InMemoryShippingClient) SetTrackError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trackErr = err
}

// Shipments reports how many shipments were booked for an order.
func (c *InMemoryShippingClient) Shipments(orderID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, id := range c.shipments {
		if id == orderID {
			n++
		}
	}
	return n
}

// WasCancelled reports whether the shipment was voided.
func (c *InMemoryShippingClient) WasCancelled(trackingNumber string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled[trackingNumber]
}
