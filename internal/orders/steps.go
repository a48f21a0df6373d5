package orders

import (
	"context"
	"errors"
	"fmt"

	"fulfillment/internal/orders/saga"
)

var errStillPending = errors.New("step still pending at the remote service")

// pendingStep is the external step an order in this status is waiting on.
func pendingStep(order saga.Order) (saga.StepName, bool) {
	switch order.Status {
	case saga.StatusCreated:
		return saga.StepInventory, true
	case saga.StatusInventoryChecked:
		return saga.StepPayment, order.PaymentMethod != nil
	case saga.StatusConfirmed:
		return saga.StepShipping, true
	}
	return "", false
}

func failureReason(step saga.StepName) saga.FailureReason {
	switch step {
	case saga.StepInventory:
		return saga.ReasonInventoryUnavailable
	case saga.StepPayment:
		return saga.ReasonPaymentFailed
	default:
		return saga.ReasonShippingUnavailable
	}
}

func rejection(step saga.StepName) error {
	switch step {
	case saga.StepInventory:
		return ErrOutOfStock
	case saga.StepPayment:
		return ErrPaymentDeclined
	default:
		return ErrShippingUnavailable
	}
}

// applySuccess is the order after step completed with the remote reference.
func applySuccess(order saga.Order, step saga.StepName, ref string) saga.Order {
	next := order.Clone()
	switch step {
	case saga.StepInventory:
		next.Status = saga.StatusInventoryChecked
		next.InventoryLocked = true
		next.ReservationID = ref
	case saga.StepPayment:
		next.Status = saga.StatusPaymentProcessed
		next.PaymentProcessed = true
		next.TransactionID = ref
		next.PaymentMethod.DropCVV()
	case saga.StepShipping:
		next.Status = saga.StatusShippingScheduled
		next.ShippingScheduled = true
		next.TrackingNumber = ref
	}
	return next
}

func (o *Orchestrator) runStep(ctx context.Context, order saga.Order, step saga.StepName) (bool, error) {
	attempt, resumed, err := o.openAttempt(ctx, order, step)
	if err != nil {
		return false, err
	}

	ref, stepErr := o.execute(ctx, order, attempt, resumed)
	if stepErr != nil {
		if stepErr.Transient {
			o.attemptLog(order, attempt).WithError(stepErr).Warn("step failed transiently, attempt left pending")
			return false, stepErr
		}
		return false, o.fail(ctx, order, attempt, stepErr)
	}

	_, err = o.transition(ctx, order, applySuccess(order, step, ref), &saga.AttemptResult{
		IdempotencyKey:    attempt.IdempotencyKey,
		Outcome:           saga.OutcomeSuccess,
		ExternalReference: ref,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// openAttempt returns the pending attempt of step, or opens the next one.
func (o *Orchestrator) openAttempt(ctx context.Context, order saga.Order, step saga.StepName) (saga.StepAttempt, bool, error) {
	attempt, pending, err := o.store.PendingAttempt(ctx, order.ID, step)
	if err != nil {
		return saga.StepAttempt{}, false, err
	}
	if pending {
		return attempt, true, nil
	}
	attempt, err = o.store.BeginAttempt(ctx, order.ID, step, order.Version)
	if err != nil {
		return saga.StepAttempt{}, false, fmt.Errorf("begin %s attempt: %w", step, err)
	}
	o.attemptLog(order, attempt).Debug("attempt opened")
	return attempt, false, nil
}

// execute settles an attempt. A resumed attempt is polled by key first and
// only re-issued, with the same key, when the remote never saw it.
func (o *Orchestrator) execute(ctx context.Context, order saga.Order, attempt saga.StepAttempt, resumed bool) (string, *StepError) {
	step := attempt.Step
	if resumed {
		res, err := o.lookup(ctx, step, attempt.IdempotencyKey)
		switch {
		case errors.Is(err, ErrUnknownKey):
			o.attemptLog(order, attempt).Info("remote has no record of attempt, re-issuing with same key")
		case err != nil:
			return "", &StepError{Step: step, Transient: true, Err: err}
		case res.Status == ResultSucceeded:
			return res.Reference, nil
		case res.Status == ResultFailed:
			return "", &StepError{Step: step, Err: fmt.Errorf("%w: %s", rejection(step), res.Detail)}
		default:
			return "", &StepError{Step: step, Transient: true, Err: errStillPending}
		}
	}

	ref, err := o.invoke(ctx, order, attempt)
	if err != nil {
		return "", classify(step, err)
	}
	return ref, nil
}

func (o *Orchestrator) invoke(ctx context.Context, order saga.Order, attempt saga.StepAttempt) (string, error) {
	key := attempt.IdempotencyKey
	switch attempt.Step {
	case saga.StepInventory:
		return o.inventory.Reserve(ctx, key, order.ID, order.Items)
	case saga.StepPayment:
		if order.PaymentMethod == nil {
			return "", Terminal(errors.New("no payment method on order"))
		}
		return o.payments.Charge(ctx, key, order.ID, order.TotalAmount, *order.PaymentMethod)
	case saga.StepShipping:
		return o.shipping.Schedule(ctx, key, order.ID, order.ShippingAddress)
	}
	return "", fmt.Errorf("unknown step %s", attempt.Step)
}

func (o *Orchestrator) lookup(ctx context.Context, step saga.StepName, key string) (StepResult, error) {
	switch step {
	case saga.StepInventory:
		return o.inventory.Lookup(ctx, key)
	case saga.StepPayment:
		return o.payments.Lookup(ctx, key)
	case saga.StepShipping:
		return o.shipping.Lookup(ctx, key)
	}
	return StepResult{}, fmt.Errorf("unknown step %s", step)
}

// fail moves the order to FAILED, closes the attempt and runs compensations.
func (o *Orchestrator) fail(ctx context.Context, order saga.Order, attempt saga.StepAttempt, cause *StepError) error {
	next := order.Clone()
	next.Status = saga.StatusFailed
	next.FailureReason = failureReason(attempt.Step)
	if attempt.Step == saga.StepPayment {
		next.PaymentMethod.DropCVV()
	}
	failed, err := o.transition(ctx, order, next, &saga.AttemptResult{
		IdempotencyKey: attempt.IdempotencyKey,
		Outcome:        saga.OutcomeFailure,
		Detail:         cause.Error(),
	})
	if err != nil {
		return err
	}
	o.attemptLog(failed, attempt).WithError(cause).Warn("step failed, compensating")
	return o.compensateAll(ctx, failed)
}

// track polls the carrier for pickup and delivery.
func (o *Orchestrator) track(ctx context.Context, order saga.Order) (bool, error) {
	if order.TrackingNumber == "" {
		return false, nil
	}
	status, err := o.shipping.Track(ctx, order.TrackingNumber)
	if err != nil {
		return false, &StepError{Step: saga.StepShipping, Transient: true, Err: fmt.Errorf("track %s: %w", order.TrackingNumber, err)}
	}

	next := order.Clone()
	switch {
	case order.Status == saga.StatusShippingScheduled && (status == CarrierPickedUp || status == CarrierDelivered):
		next.Status = saga.StatusShipped
	case order.Status == saga.StatusShipped && status == CarrierDelivered:
		next.Status = saga.StatusDelivered
	default:
		return false, nil
	}
	if _, err := o.transition(ctx, order, next, nil); err != nil {
		return false, err
	}
	return true, nil
}
