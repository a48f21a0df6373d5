package orders

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"fulfillment/internal/orders/saga"
)

var (
	// ErrInvalidTransition signals a command that is illegal in the order's current state.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrInventoryReleased signals a payment retry whose inventory could not be reserved again.
	ErrInventoryReleased = fmt.Errorf("%w: inventory was released and could not be reserved again", ErrInvalidTransition)
	// ErrCompensationPending signals a retry blocked by an outstanding compensation.
	ErrCompensationPending = fmt.Errorf("%w: compensation still outstanding", ErrInvalidTransition)

	// ErrUnknownKey is returned by a step client lookup for a key it has never seen.
	ErrUnknownKey = errors.New("idempotency key unknown")
	// ErrOutOfStock is a business rejection from the inventory service.
	ErrOutOfStock = errors.New("out of stock")
	// ErrPaymentDeclined is a business rejection from the payment service.
	ErrPaymentDeclined = errors.New("payment declined")
	// ErrShippingUnavailable is a business rejection from the shipping service.
	ErrShippingUnavailable = errors.New("shipping unavailable")
)

// ValidationError carries per-field messages for malformed input.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// StepError wraps a step client failure with its retry classification.
type StepError struct {
	Step      saga.StepName
	Transient bool
	Err       error
}

func (e *StepError) Error() string {
	kind := "terminal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s step %s failure: %v", e.Step, kind, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Transient builds a retryable step error.
func Transient(err error) *StepError { return &StepError{Transient: true, Err: err} }

// Terminal builds a business rejection.
func Terminal(err error) *StepError { return &StepError{Err: err} }

// IsTransient reports whether err is a step failure the runner should retry.
func IsTransient(err error) bool {
	var stepErr *StepError
	return errors.As(err, &stepErr) && stepErr.Transient
}

// CompensationError lists compensations that failed inline and still need to run.
type CompensationError struct {
	OrderID string
	Pending []Compensation
	Err     error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("order %s: %d compensation(s) outstanding: %v", e.OrderID, len(e.Pending), e.Err)
}

func (e *CompensationError) Unwrap() error { return e.Err }

// classify tags a raw client error. Anything not explicitly terminal is treated
// as transient: network errors, timeouts, an open breaker.
func classify(step saga.StepName, err error) *StepError {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		out := *stepErr
		out.Step = step
		return &out
	}
	if errors.Is(err, ErrOutOfStock) || errors.Is(err, ErrPaymentDeclined) || errors.Is(err, ErrShippingUnavailable) {
		return &StepError{Step: step, Err: err}
	}
	return &StepError{Step: step, Transient: true, Err: err}
}
