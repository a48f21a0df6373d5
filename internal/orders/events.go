package orders

import (
	"context"
	"time"

	"fulfillment/internal/orders/saga"

	"github.com/shopspring/decimal"
)

// EventType names an order lifecycle event.
type EventType string

const (
	EventOrderCreated       EventType = "order_created"
	EventOrderStatusChanged EventType = "order_status_changed"
	EventOrderFailed        EventType = "order_failed"
	EventOrderCancelled     EventType = "order_cancelled"
	EventCompensationFailed EventType = "compensation_failed"
)

// Event is published after every persisted transition.
type Event struct {
	Type           EventType          `json:"event_type"`
	OrderID        string             `json:"order_id"`
	CustomerID     string             `json:"customer_id"`
	Status         saga.Status        `json:"status"`
	PreviousStatus saga.Status        `json:"previous_status,omitempty"`
	TotalAmount    decimal.Decimal    `json:"total_amount"`
	FailureReason  saga.FailureReason `json:"failure_reason"`
	Detail         string             `json:"detail,omitempty"`
	Version        int64              `json:"version"`
	Timestamp      time.Time          `json:"timestamp"`
}

// EventPublisher delivers lifecycle events. Delivery is best-effort.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// NewEvent describes order as it was just persisted.
func NewEvent(kind EventType, order saga.Order, previous saga.Status) Event {
	return Event{
		Type:           kind,
		OrderID:        order.ID,
		CustomerID:     order.CustomerID,
		Status:         order.Status,
		PreviousStatus: previous,
		TotalAmount:    order.TotalAmount,
		FailureReason:  order.FailureReason,
		Version:        order.Version,
		Timestamp:      order.UpdatedAt,
	}
}
