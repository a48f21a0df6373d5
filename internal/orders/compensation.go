package orders

import (
	"context"
	"errors"
	"fmt"

	"fulfillment/internal/orders/saga"

	"github.com/sirupsen/logrus"
)

// Compensation undoes one completed step of a failed order.
type Compensation string

const (
	CompensateRefund  Compensation = "REFUND"
	CompensateRelease Compensation = "RELEASE"
)

const clearFlagAttempts = 5

// Outstanding lists the compensations a failed order still needs, in the
// order they must run: refund before release.
func Outstanding(order saga.Order) []Compensation {
	if order.Status != saga.StatusFailed {
		return nil
	}
	var out []Compensation
	if order.PaymentProcessed {
		out = append(out, CompensateRefund)
	}
	if order.InventoryLocked {
		out = append(out, CompensateRelease)
	}
	return out
}

// Compensate runs one compensation and clears the matching flag. It is a
// no-op when the order is no longer FAILED or the flag is already clear.
func (o *Orchestrator) Compensate(ctx context.Context, orderID string, kind Compensation) error {
	order, err := o.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != saga.StatusFailed {
		return nil
	}

	entry := o.orderLog(order).WithField("compensation", kind)
	switch kind {
	case CompensateRefund:
		if !order.PaymentProcessed {
			return nil
		}
		if err := o.refund(ctx, order); err != nil {
			o.metrics.Compensation(string(kind), "error")
			return err
		}
	case CompensateRelease:
		if !order.InventoryLocked {
			return nil
		}
		if err := o.release(ctx, order); err != nil {
			o.metrics.Compensation(string(kind), "error")
			return err
		}
	default:
		return fmt.Errorf("unknown compensation %q", kind)
	}

	if err := o.clearFlag(ctx, orderID, kind); err != nil {
		return err
	}
	o.metrics.Compensation(string(kind), "ok")
	entry.Info("compensation applied")
	return nil
}

// refund undoes the charge. Without a transaction id the charge outcome was
// never learned, so it is refunded by the PAYMENT attempt's key.
func (o *Orchestrator) refund(ctx context.Context, order saga.Order) error {
	if order.TransactionID != "" {
		key := saga.DeriveKey(order.ID, string(CompensateRefund), order.TransactionID)
		if err := o.payments.Refund(ctx, key, order.TransactionID, order.TotalAmount); err != nil {
			return fmt.Errorf("refund %s: %w", order.TransactionID, err)
		}
		return nil
	}
	chargeKey, err := o.lastAttemptKey(ctx, order.ID, saga.StepPayment)
	if err != nil {
		return err
	}
	key := saga.DeriveKey(order.ID, string(CompensateRefund), chargeKey)
	if err := o.payments.RefundByKey(ctx, key, chargeKey, order.TotalAmount); err != nil {
		return fmt.Errorf("refund charge keyed %s: %w", chargeKey, err)
	}
	return nil
}

// release frees the reservation, by the INVENTORY attempt's key when the
// reservation id was never learned.
func (o *Orchestrator) release(ctx context.Context, order saga.Order) error {
	if order.ReservationID != "" {
		key := saga.DeriveKey(order.ID, string(CompensateRelease), order.ReservationID)
		if err := o.inventory.Release(ctx, key, order.ReservationID); err != nil {
			return fmt.Errorf("release %s: %w", order.ReservationID, err)
		}
		return nil
	}
	reserveKey, err := o.lastAttemptKey(ctx, order.ID, saga.StepInventory)
	if err != nil {
		return err
	}
	key := saga.DeriveKey(order.ID, string(CompensateRelease), reserveKey)
	if err := o.inventory.ReleaseByKey(ctx, key, reserveKey); err != nil {
		return fmt.Errorf("release reservation keyed %s: %w", reserveKey, err)
	}
	return nil
}

func (o *Orchestrator) lastAttemptKey(ctx context.Context, orderID string, step saga.StepName) (string, error) {
	attempts, err := o.stepAttempts(ctx, orderID, step)
	if err != nil {
		return "", err
	}
	if len(attempts) == 0 {
		return "", fmt.Errorf("order %s has no %s attempt to undo", orderID, step)
	}
	last := attempts[0]
	for _, a := range attempts[1:] {
		if a.AttemptNumber > last.AttemptNumber {
			last = a
		}
	}
	return last.IdempotencyKey, nil
}

func (o *Orchestrator) clearFlag(ctx context.Context, orderID string, kind Compensation) error {
	var err error
	for i := 0; i < clearFlagAttempts; i++ {
		var order saga.Order
		order, err = o.store.Get(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != saga.StatusFailed {
			return nil
		}
		next := order.Clone()
		switch kind {
		case CompensateRefund:
			next.PaymentProcessed = false
		case CompensateRelease:
			next.InventoryLocked = false
		}
		if _, err = o.store.Update(ctx, next, nil); !errors.Is(err, saga.ErrVersionConflict) {
			return err
		}
	}
	return fmt.Errorf("clear %s flag on %s: %w", kind, orderID, err)
}

// compensateAll runs every outstanding compensation best-effort. Failures are
// returned as a CompensationError so the caller can queue them.
func (o *Orchestrator) compensateAll(ctx context.Context, order saga.Order) error {
	var pending []Compensation
	var errs []error
	for _, kind := range Outstanding(order) {
		if err := o.Compensate(ctx, order.ID, kind); err != nil {
			o.orderLog(order).WithField("compensation", kind).WithError(err).Warn("compensation failed, will retry in background")
			pending = append(pending, kind)
			errs = append(errs, err)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	return &CompensationError{OrderID: order.ID, Pending: pending, Err: errors.Join(errs...)}
}

// CompensationAbandoned records a compensation that exhausted its background
// retries. The order needs manual reconciliation.
func (o *Orchestrator) CompensationAbandoned(ctx context.Context, orderID string, kind Compensation, cause error) {
	o.metrics.Compensation(string(kind), "abandoned")
	o.log.WithFields(logrus.Fields{
		"order_id":     orderID,
		"compensation": kind,
	}).WithError(cause).Error("compensation exhausted retries; manual reconciliation required")

	order, err := o.store.Get(ctx, orderID)
	if err != nil {
		return
	}
	event := NewEvent(EventCompensationFailed, order, order.Status)
	event.Detail = string(kind) + ": " + cause.Error()
	o.publish(ctx, event)
}

// Recovery is work found for an order after a restart.
type Recovery struct {
	OrderID       string
	Compensations []Compensation
}

// Recoverable lists every order that still needs saga work.
func (o *Orchestrator) Recoverable(ctx context.Context) ([]Recovery, error) {
	active, err := o.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active orders: %w", err)
	}
	out := make([]Recovery, 0, len(active))
	for _, order := range active {
		out = append(out, Recovery{OrderID: order.ID, Compensations: Outstanding(order)})
	}
	return out, nil
}
