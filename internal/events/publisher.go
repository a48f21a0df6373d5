package events

import (
	"context"
	"errors"

	"fulfillment/internal/orders"

	"github.com/sirupsen/logrus"
)

// LogPublisher writes events to a logger. It is the default sink when no
// broker is configured.
type LogPublisher struct {
	log logrus.FieldLogger
}

// NewLogPublisher constructs a publisher that logs at info level.
func NewLogPublisher(log logrus.FieldLogger) *LogPublisher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(ctx context.Context, event orders.Event) error {
	entry := p.log.WithFields(logrus.Fields{
		"event_type": event.Type,
		"order_id":   event.OrderID,
		"status":     event.Status,
		"version":    event.Version,
	})
	if event.PreviousStatus != "" {
		entry = entry.WithField("previous_status", event.PreviousStatus)
	}
	if event.FailureReason != "" {
		entry = entry.WithField("failure_reason", string(event.FailureReason))
	}
	entry.Info("order event")
	return nil
}

// MultiPublisher publishes to several sinks in order.
type MultiPublisher struct {
	publishers []orders.EventPublisher
}

// NewMultiPublisher constructs a publisher that forwards to each publisher in sequence.
func NewMultiPublisher(publishers ...orders.EventPublisher) *MultiPublisher {
	return &MultiPublisher{publishers: publishers}
}

// Publish forwards the event to each sink, collecting errors so all sinks get a chance to receive it.
func (m *MultiPublisher) Publish(ctx context.Context, event orders.Event) error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
