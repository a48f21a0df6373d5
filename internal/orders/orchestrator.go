package orders

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"fulfillment/internal/observability"
	"fulfillment/internal/orders/saga"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Config wires an Orchestrator. Store and the three step clients are required.
type Config struct {
	Store     saga.Store
	Inventory InventoryClient
	Payments  PaymentClient
	Shipping  ShippingClient
	Events    EventPublisher
	Metrics   *observability.Metrics
	Logger    logrus.FieldLogger
	Now       func() time.Time
	NewID     func() string
}

// Orchestrator drives orders through reserve, charge, confirm, ship and
// delivery, compensating completed steps when a later one fails.
type Orchestrator struct {
	store     saga.Store
	inventory InventoryClient
	payments  PaymentClient
	shipping  ShippingClient
	events    EventPublisher
	metrics   *observability.Metrics
	log       logrus.FieldLogger
	now       func() time.Time
	newID     func() string
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(cfg Config) *Orchestrator {
	o := &Orchestrator{
		store:     cfg.Store,
		inventory: cfg.Inventory,
		payments:  cfg.Payments,
		shipping:  cfg.Shipping,
		events:    cfg.Events,
		metrics:   cfg.Metrics,
		log:       cfg.Logger,
		now:       cfg.Now,
		newID:     cfg.NewID,
	}
	if o.log == nil {
		o.log = logrus.StandardLogger()
	}
	if o.now == nil {
		o.now = func() time.Time { return time.Now().UTC() }
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	return o
}

// CreateOrderInput is a validated request for a new order.
type CreateOrderInput struct {
	CustomerID      string
	ShippingAddress string
	Items           []saga.Item
	PaymentMethod   *saga.PaymentMethod
}

func (in CreateOrderInput) validate(now time.Time) error {
	fields := map[string]string{}
	if strings.TrimSpace(in.CustomerID) == "" {
		fields["customer_id"] = "is required"
	}
	if strings.TrimSpace(in.ShippingAddress) == "" {
		fields["shipping_address"] = "is required"
	}
	if len(in.Items) == 0 {
		fields["items"] = "at least one item is required"
	}
	for i, it := range in.Items {
		prefix := "items[" + strconv.Itoa(i) + "]."
		if strings.TrimSpace(it.ProductID) == "" {
			fields[prefix+"product_id"] = "is required"
		}
		if it.Quantity <= 0 {
			fields[prefix+"quantity"] = "must be greater than 0"
		}
		switch {
		case it.UnitPrice.IsNegative():
			fields[prefix+"unit_price"] = "must not be negative"
		case !it.UnitPrice.Equal(it.UnitPrice.Round(2)):
			fields[prefix+"unit_price"] = "must have at most 2 decimal places"
		}
	}
	if in.PaymentMethod != nil {
		for k, v := range in.PaymentMethod.Validate(now) {
			fields[k] = v
		}
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// CreateOrder persists a new order in CREATED with its total computed once.
func (o *Orchestrator) CreateOrder(ctx context.Context, in CreateOrderInput) (saga.Order, error) {
	now := o.now()
	if err := in.validate(now); err != nil {
		return saga.Order{}, err
	}

	items := make([]saga.Item, len(in.Items))
	for i, it := range in.Items {
		items[i] = saga.Item{ProductID: strings.TrimSpace(it.ProductID), Quantity: it.Quantity, UnitPrice: it.UnitPrice}
	}
	order := saga.Order{
		ID:              o.newID(),
		CustomerID:      in.CustomerID,
		Status:          saga.StatusCreated,
		Items:           items,
		TotalAmount:     saga.Total(items),
		ShippingAddress: strings.TrimSpace(in.ShippingAddress),
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if in.PaymentMethod != nil {
		pm := *in.PaymentMethod
		order.PaymentMethod = &pm
	}
	order = order.Clone()

	if err := o.store.Create(ctx, order); err != nil {
		return saga.Order{}, fmt.Errorf("create order: %w", err)
	}
	o.metrics.Transition("", string(order.Status))
	o.publish(ctx, NewEvent(EventOrderCreated, order, ""))
	o.orderLog(order).WithField("total", order.TotalAmount.StringFixed(2)).Info("order created")
	return order, nil
}

// Get returns an order by id.
func (o *Orchestrator) Get(ctx context.Context, orderID string) (saga.Order, error) {
	return o.store.Get(ctx, orderID)
}

// ListByCustomer returns a customer's orders, oldest first.
func (o *Orchestrator) ListByCustomer(ctx context.Context, customerID string) ([]saga.Order, error) {
	return o.store.ListByCustomer(ctx, customerID)
}

// Advance moves the order forward until it reaches a waiting or terminal state.
// It is safe to call repeatedly: with no external change it writes nothing.
func (o *Orchestrator) Advance(ctx context.Context, orderID string) error {
	for {
		order, err := o.store.Get(ctx, orderID)
		if err != nil {
			return fmt.Errorf("load order %s: %w", orderID, err)
		}
		progressed, err := o.advanceOnce(ctx, order)
		if err != nil || !progressed {
			return err
		}
	}
}

func (o *Orchestrator) advanceOnce(ctx context.Context, order saga.Order) (bool, error) {
	switch order.Status {
	case saga.StatusCreated:
		return o.runStep(ctx, order, saga.StepInventory)
	case saga.StatusInventoryChecked:
		if order.PaymentMethod == nil {
			o.orderLog(order).Debug("awaiting payment details")
			return false, nil
		}
		return o.runStep(ctx, order, saga.StepPayment)
	case saga.StatusPaymentProcessed:
		next := order.Clone()
		next.Status = saga.StatusConfirmed
		if _, err := o.transition(ctx, order, next, nil); err != nil {
			return false, err
		}
		return true, nil
	case saga.StatusConfirmed:
		return o.runStep(ctx, order, saga.StepShipping)
	case saga.StatusShippingScheduled, saga.StatusShipped:
		return o.track(ctx, order)
	default:
		return false, nil
	}
}

// Cancel stops an order that has not reserved anything yet.
func (o *Orchestrator) Cancel(ctx context.Context, orderID string) (saga.Order, error) {
	order, err := o.store.Get(ctx, orderID)
	if err != nil {
		return saga.Order{}, err
	}
	if order.Status != saga.StatusCreated {
		return saga.Order{}, fmt.Errorf("%w: cannot cancel order in %s", ErrInvalidTransition, order.Status)
	}
	if _, pending, err := o.store.PendingAttempt(ctx, orderID, saga.StepInventory); err != nil {
		return saga.Order{}, err
	} else if pending {
		return saga.Order{}, fmt.Errorf("%w: inventory reservation in flight", ErrInvalidTransition)
	}

	next := order.Clone()
	next.Status = saga.StatusCancelled
	return o.transition(ctx, order, next, nil)
}

// RetryPayment re-arms a payment-failed order with new payment details. A
// reservation whose release has not run yet is kept; a released one is taken
// again first, and if that is impossible the call fails with
// ErrInventoryReleased and the order stays FAILED. On success the order is
// back in INVENTORY_CHECKED and the caller should Advance it.
func (o *Orchestrator) RetryPayment(ctx context.Context, orderID string, method saga.PaymentMethod) (saga.Order, error) {
	order, err := o.store.Get(ctx, orderID)
	if err != nil {
		return saga.Order{}, err
	}
	if order.Status != saga.StatusFailed || order.FailureReason != saga.ReasonPaymentFailed {
		return saga.Order{}, fmt.Errorf("%w: retry-payment needs a payment-failed order, order is %s", ErrInvalidTransition, order.Status)
	}
	if fields := method.Validate(o.now()); fields != nil {
		return saga.Order{}, &ValidationError{Fields: fields}
	}
	if order.PaymentProcessed {
		return saga.Order{}, fmt.Errorf("%w: refund of the previous charge has not run", ErrCompensationPending)
	}

	next := order.Clone()
	next.Status = saga.StatusInventoryChecked
	next.FailureReason = saga.ReasonNone
	next.PaymentMethod = &method
	if order.InventoryLocked && order.ReservationID != "" {
		o.orderLog(order).WithField("reservation_id", order.ReservationID).Info("payment retry keeps unreleased reservation")
		return o.transition(ctx, order, next, nil)
	}
	if order.InventoryLocked {
		return saga.Order{}, fmt.Errorf("%w: release of an unconfirmed reservation has not run", ErrCompensationPending)
	}

	attempt, resumed, err := o.openAttempt(ctx, order, saga.StepInventory)
	if err != nil {
		return saga.Order{}, err
	}
	ref, stepErr := o.execute(ctx, order, attempt, resumed)
	if stepErr != nil && stepErr.Transient {
		o.attemptLog(order, attempt).WithError(stepErr).Warn("re-reservation pending")
		return saga.Order{}, stepErr
	}
	if stepErr != nil {
		if _, err := o.store.Update(ctx, order, &saga.AttemptResult{
			IdempotencyKey: attempt.IdempotencyKey,
			Outcome:        saga.OutcomeFailure,
			Detail:         stepErr.Error(),
		}); err != nil {
			return saga.Order{}, err
		}
		o.attemptLog(order, attempt).WithError(stepErr).Warn("payment retry rejected, inventory gone")
		return saga.Order{}, fmt.Errorf("%w (%v)", ErrInventoryReleased, stepErr.Err)
	}

	next.InventoryLocked = true
	next.ReservationID = ref
	return o.transition(ctx, order, next, &saga.AttemptResult{
		IdempotencyKey:    attempt.IdempotencyKey,
		Outcome:           saga.OutcomeSuccess,
		ExternalReference: ref,
	})
}

// SubmitPayment attaches payment details to an order still waiting for them,
// or retries a payment-failed order.
func (o *Orchestrator) SubmitPayment(ctx context.Context, orderID string, method saga.PaymentMethod) (saga.Order, error) {
	order, err := o.store.Get(ctx, orderID)
	if err != nil {
		return saga.Order{}, err
	}
	switch {
	case order.Status == saga.StatusFailed && order.FailureReason == saga.ReasonPaymentFailed:
		return o.RetryPayment(ctx, orderID, method)
	case (order.Status == saga.StatusCreated || order.Status == saga.StatusInventoryChecked) && order.PaymentMethod == nil:
		if fields := method.Validate(o.now()); fields != nil {
			return saga.Order{}, &ValidationError{Fields: fields}
		}
		next := order.Clone()
		next.PaymentMethod = &method
		return o.transition(ctx, order, next, nil)
	case order.PaymentMethod != nil && !order.Status.Terminal():
		return saga.Order{}, fmt.Errorf("%w: payment details already submitted", ErrInvalidTransition)
	default:
		return saga.Order{}, fmt.Errorf("%w: order is %s", ErrInvalidTransition, order.Status)
	}
}

// Abandon gives up on the step whose transient failures exhausted the
// runner's retries. Shipment tracking is never abandoned.
func (o *Orchestrator) Abandon(ctx context.Context, orderID string, cause error) error {
	order, err := o.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	step, ok := pendingStep(order)
	if !ok {
		o.orderLog(order).WithError(cause).Info("retries exhausted in waiting state; leaving order as is")
		return nil
	}
	attempt, pending, err := o.store.PendingAttempt(ctx, orderID, step)
	if err != nil {
		return err
	}
	if !pending {
		o.orderLog(order).WithError(cause).Warn("retries exhausted without a pending attempt")
		return nil
	}

	res, lookupErr := o.lookup(ctx, step, attempt.IdempotencyKey)
	if lookupErr == nil && res.Status == ResultSucceeded {
		_, err := o.transition(ctx, order, applySuccess(order, step, res.Reference), &saga.AttemptResult{
			IdempotencyKey:    attempt.IdempotencyKey,
			Outcome:           saga.OutcomeSuccess,
			ExternalReference: res.Reference,
		})
		return err
	}
	failed := order
	if uncertain := lookupErr != nil || res.Status == ResultPending; uncertain {
		// The step may have landed under the attempt's key. Flags set with an
		// empty reference are undone by that key during compensation.
		switch step {
		case saga.StepInventory:
			failed = order.Clone()
			failed.InventoryLocked = true
		case saga.StepPayment:
			failed = order.Clone()
			failed.PaymentProcessed = true
		case saga.StepShipping:
			key := saga.DeriveKey(orderID, "CANCEL", attempt.IdempotencyKey)
			if err := o.shipping.Cancel(ctx, key, attempt.IdempotencyKey); err != nil {
				o.attemptLog(order, attempt).WithError(err).Warn("could not void shipment booked under abandoned key")
			}
		}
	}
	return o.fail(ctx, failed, attempt, &StepError{Step: step, Err: fmt.Errorf("retries exhausted: %w", cause)})
}

// PaymentView is the read-only payment projection of an order.
type PaymentView struct {
	OrderID       string                 `json:"order_id"`
	Status        string                 `json:"status"`
	Amount        decimal.Decimal        `json:"amount"`
	TransactionID string                 `json:"transaction_id,omitempty"`
	Method        saga.PaymentMethodType `json:"payment_method,omitempty"`
	CardNumber    string                 `json:"card_number,omitempty"`
	Attempts      []saga.StepAttempt     `json:"attempts"`
}

// PaymentView projects the payment state of an order.
func (o *Orchestrator) PaymentView(ctx context.Context, orderID string) (PaymentView, error) {
	order, err := o.store.Get(ctx, orderID)
	if err != nil {
		return PaymentView{}, err
	}
	attempts, err := o.stepAttempts(ctx, orderID, saga.StepPayment)
	if err != nil {
		return PaymentView{}, err
	}
	view := PaymentView{
		OrderID:       order.ID,
		Amount:        order.TotalAmount,
		TransactionID: order.TransactionID,
		Attempts:      attempts,
	}
	if order.PaymentMethod != nil {
		view.Method = order.PaymentMethod.Type
		view.CardNumber = order.PaymentMethod.Masked()
	}
	switch {
	case order.PaymentProcessed:
		view.Status = "COMPLETED"
	case order.TransactionID != "":
		view.Status = "REFUNDED"
	case order.Status == saga.StatusFailed && order.FailureReason == saga.ReasonPaymentFailed:
		view.Status = "FAILED"
	case order.Status == saga.StatusCancelled || order.Status == saga.StatusFailed:
		view.Status = "CANCELLED"
	case order.PaymentMethod == nil:
		view.Status = "AWAITING_DETAILS"
	default:
		view.Status = "PENDING"
	}
	return view, nil
}

// ShipmentView is the read-only shipment projection of an order.
type ShipmentView struct {
	OrderID         string             `json:"order_id"`
	Status          string             `json:"status"`
	TrackingNumber  string             `json:"tracking_number,omitempty"`
	ShippingAddress string             `json:"shipping_address"`
	Attempts        []saga.StepAttempt `json:"attempts"`
}

// ShipmentView projects the shipment state of an order.
func (o *Orchestrator) ShipmentView(ctx context.Context, orderID string) (ShipmentView, error) {
	order, err := o.store.Get(ctx, orderID)
	if err != nil {
		return ShipmentView{}, err
	}
	attempts, err := o.stepAttempts(ctx, orderID, saga.StepShipping)
	if err != nil {
		return ShipmentView{}, err
	}
	view := ShipmentView{
		OrderID:         order.ID,
		TrackingNumber:  order.TrackingNumber,
		ShippingAddress: order.ShippingAddress,
		Attempts:        attempts,
	}
	switch order.Status {
	case saga.StatusDelivered:
		view.Status = "DELIVERED"
	case saga.StatusShipped:
		view.Status = "SHIPPED"
	case saga.StatusShippingScheduled:
		view.Status = "SCHEDULED"
	case saga.StatusCancelled, saga.StatusFailed:
		view.Status = "CANCELLED"
	default:
		view.Status = "NOT_SCHEDULED"
	}
	return view, nil
}

func (o *Orchestrator) stepAttempts(ctx context.Context, orderID string, step saga.StepName) ([]saga.StepAttempt, error) {
	all, err := o.store.Attempts(ctx, orderID)
	if err != nil {
		return nil, err
	}
	out := []saga.StepAttempt{}
	for _, a := range all {
		if a.Step == step {
			out = append(out, a)
		}
	}
	return out, nil
}

// transition persists next over prev and emits the matching event and metric.
func (o *Orchestrator) transition(ctx context.Context, prev, next saga.Order, result *saga.AttemptResult) (saga.Order, error) {
	next.Version = prev.Version
	saved, err := o.store.Update(ctx, next, result)
	if err != nil {
		if errors.Is(err, saga.ErrVersionConflict) {
			o.orderLog(prev).Debug("lost write race")
		}
		return saga.Order{}, err
	}
	if saved.Status == prev.Status {
		return saved, nil
	}

	o.metrics.Transition(string(prev.Status), string(saved.Status))
	kind := EventOrderStatusChanged
	switch saved.Status {
	case saga.StatusFailed:
		kind = EventOrderFailed
	case saga.StatusCancelled:
		kind = EventOrderCancelled
	}
	o.publish(ctx, NewEvent(kind, saved, prev.Status))
	entry := o.orderLog(saved).WithField("from", prev.Status)
	if saved.FailureReason != saga.ReasonNone {
		entry = entry.WithField("failure_reason", string(saved.FailureReason))
	}
	entry.Info("order transitioned")
	return saved, nil
}

func (o *Orchestrator) publish(ctx context.Context, event Event) {
	if o.events == nil {
		return
	}
	if err := o.events.Publish(ctx, event); err != nil {
		o.log.WithFields(logrus.Fields{
			"order_id":   event.OrderID,
			"event_type": event.Type,
		}).WithError(err).Warn("publish order event")
	}
}

func (o *Orchestrator) orderLog(order saga.Order) *logrus.Entry {
	return o.log.WithFields(logrus.Fields{
		"order_id": order.ID,
		"status":   order.Status,
		"version":  order.Version,
	})
}

func (o *Orchestrator) attemptLog(order saga.Order, attempt saga.StepAttempt) *logrus.Entry {
	return o.orderLog(order).WithFields(logrus.Fields{
		"step":            attempt.Step,
		"attempt":         attempt.AttemptNumber,
		"idempotency_key": attempt.IdempotencyKey,
	})
}
