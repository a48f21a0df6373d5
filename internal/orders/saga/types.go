package saga

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the saga position of an order.
type Status string

const (
	StatusCreated           Status = "CREATED"
	StatusInventoryChecked  Status = "INVENTORY_CHECKED"
	StatusPaymentProcessed  Status = "PAYMENT_PROCESSED"
	StatusConfirmed         Status = "CONFIRMED"
	StatusShippingScheduled Status = "SHIPPING_SCHEDULED"
	StatusShipped           Status = "SHIPPED"
	StatusDelivered         Status = "DELIVERED"
	StatusCancelled         Status = "CANCELLED"
	StatusFailed            Status = "FAILED"
)

// Terminal reports whether no further transition can leave the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusInventoryChecked, StatusPaymentProcessed, StatusConfirmed,
		StatusShippingScheduled, StatusShipped, StatusDelivered, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// FailureReason is the coded cause recorded on a FAILED order.
type FailureReason string

const (
	ReasonNone                 FailureReason = ""
	ReasonInventoryUnavailable FailureReason = "inventory_unavailable"
	ReasonPaymentFailed        FailureReason = "payment_failed"
	ReasonShippingUnavailable  FailureReason = "shipping_unavailable"
)

// MarshalJSON renders an unset reason as null.
func (r FailureReason) MarshalJSON() ([]byte, error) {
	if r == ReasonNone {
		return []byte("null"), nil
	}
	return []byte(`"` + string(r) + `"`), nil
}

// UnmarshalJSON accepts null or one of the coded reasons.
func (r *FailureReason) UnmarshalJSON(data []byte) error {
	raw := string(data)
	if raw == "null" || raw == `""` {
		*r = ReasonNone
		return nil
	}
	if len(raw) < 2 || raw[0] != '"' || raw[len(raw)-1] != '"' {
		return errors.New("failure_reason must be a string")
	}
	reason := FailureReason(raw[1 : len(raw)-1])
	switch reason {
	case ReasonInventoryUnavailable, ReasonPaymentFailed, ReasonShippingUnavailable:
		*r = reason
		return nil
	}
	return errors.New("unknown failure_reason " + raw)
}

// StepName identifies an external saga step.
type StepName string

const (
	StepInventory StepName = "INVENTORY"
	StepPayment   StepName = "PAYMENT"
	StepShipping  StepName = "SHIPPING"
)

// Outcome is the recorded result of a step attempt.
type Outcome string

const (
	OutcomePending Outcome = "PENDING"
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
)

// Item is one order line.
type Item struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Order is the aggregate root driven through the saga.
type Order struct {
	ID                string          `json:"id"`
	CustomerID        string          `json:"customer_id"`
	Status            Status          `json:"status"`
	Items             []Item          `json:"items"`
	TotalAmount       decimal.Decimal `json:"total_amount"`
	ShippingAddress   string          `json:"shipping_address"`
	InventoryLocked   bool            `json:"inventory_locked"`
	PaymentProcessed  bool            `json:"payment_processed"`
	ShippingScheduled bool            `json:"shipping_scheduled"`
	FailureReason     FailureReason   `json:"failure_reason"`
	ReservationID     string          `json:"reservation_id,omitempty"`
	TransactionID     string          `json:"transaction_id,omitempty"`
	TrackingNumber    string          `json:"tracking_number,omitempty"`
	PaymentMethod     *PaymentMethod  `json:"-"`
	Version           int64           `json:"version"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Clone returns a deep copy so callers never share slices or pointers with a store.
func (o Order) Clone() Order {
	out := o
	if o.Items != nil {
		out.Items = append([]Item(nil), o.Items...)
	}
	if o.PaymentMethod != nil {
		pm := *o.PaymentMethod
		if pm.Card != nil {
			card := *pm.Card
			pm.Card = &card
		}
		out.PaymentMethod = &pm
	}
	return out
}

// Total computes Σ quantity × unit_price.
func Total(items []Item) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	return total
}

// StepAttempt records one idempotent invocation of a step.
type StepAttempt struct {
	ID                int64     `json:"id"`
	OrderID           string    `json:"order_id"`
	Step              StepName  `json:"step_name"`
	AttemptNumber     int       `json:"attempt_number"`
	IdempotencyKey    string    `json:"idempotency_key"`
	Outcome           Outcome   `json:"outcome"`
	ExternalReference string    `json:"external_reference,omitempty"`
	Detail            string    `json:"detail,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// AttemptResult closes a pending attempt together with an order write.
type AttemptResult struct {
	IdempotencyKey    string
	Outcome           Outcome
	ExternalReference string
	Detail            string
}

var keyNamespace = uuid.MustParse("6f1d8c2a-4b7e-5d3f-9a10-2c4e6b8d0f12")

// IdempotencyKey derives the deterministic key for an attempt.
func IdempotencyKey(orderID string, step StepName, attempt int) string {
	return DeriveKey(orderID, string(step), strconv.Itoa(attempt))
}

// DeriveKey builds a name-based UUID from the joined parts.
func DeriveKey(parts ...string) string {
	return uuid.NewSHA1(keyNamespace, []byte(strings.Join(parts, "/"))).String()
}

var (
	// ErrNotFound signals an unknown order.
	ErrNotFound = errors.New("order not found")
	// ErrVersionConflict signals a stale write.
	ErrVersionConflict = errors.New("order version conflict")
	// ErrAttemptPending signals another attempt of the same step is still pending.
	ErrAttemptPending = errors.New("step attempt already pending")
	// ErrDuplicateOrder signals an order id collision on create.
	ErrDuplicateOrder = errors.New("order already exists")
)

// Store persists orders and their step attempts.
//
// Update writes the order only if the stored version equals order.Version and
// returns it with the version incremented. When result is non-nil the matching
// pending attempt is closed in the same atomic write.
//
// BeginAttempt opens attempt n+1 for the step, keyed deterministically, and
// fails with ErrVersionConflict when the order moved past expectedVersion.
type Store interface {
	Create(ctx context.Context, order Order) error
	Get(ctx context.Context, id string) (Order, error)
	ListByCustomer(ctx context.Context, customerID string) ([]Order, error)
	ListActive(ctx context.Context) ([]Order, error)
	Update(ctx context.Context, order Order, result *AttemptResult) (Order, error)
	BeginAttempt(ctx context.Context, orderID string, step StepName, expectedVersion int64) (StepAttempt, error)
	PendingAttempt(ctx context.Context, orderID string, step StepName) (StepAttempt, bool, error)
	Attempts(ctx context.Context, orderID string) ([]StepAttempt, error)
}
