package runner

import (
	"context"
	"sync"
	"time"

	"fulfillment/internal/orders"

	"github.com/sirupsen/logrus"
)

// Compensator runs and gives up on compensations.
type Compensator interface {
	Compensate(ctx context.Context, orderID string, kind orders.Compensation) error
	CompensationAbandoned(ctx context.Context, orderID string, kind orders.Compensation, cause error)
}

// CompensationQueue retries failed compensations in the background until
// they succeed or exhaust their policy.
type CompensationQueue struct {
	comp   Compensator
	policy orders.RetryPolicy
	log    logrus.FieldLogger

	mu       sync.Mutex
	ctx      context.Context
	inflight map[string]bool
	wg       sync.WaitGroup
}

// DefaultCompensationPolicy retries for roughly four minutes.
func DefaultCompensationPolicy() orders.RetryPolicy {
	return orders.RetryPolicy{
		MaxAttempts: 8,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
		ShouldRetry: func(error) bool { return true },
	}
}

// NewCompensationQueue constructs a queue. Work starts immediately; Start only
// binds it to a lifetime context.
func NewCompensationQueue(comp Compensator, policy orders.RetryPolicy, log logrus.FieldLogger) *CompensationQueue {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &CompensationQueue{
		comp:     comp,
		policy:   policy,
		log:      log,
		ctx:      context.Background(),
		inflight: make(map[string]bool),
	}
}

// Start binds queued work to ctx; cancelling it stops retries.
func (q *CompensationQueue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ctx = ctx
}

// Enqueue schedules compensations for an order, in the order given. A kind
// already being retried for the order is skipped.
func (q *CompensationQueue) Enqueue(orderID string, kinds []orders.Compensation) {
	q.mu.Lock()
	ctx := q.ctx
	var todo []orders.Compensation
	for _, kind := range kinds {
		key := orderID + "/" + string(kind)
		if q.inflight[key] {
			continue
		}
		q.inflight[key] = true
		todo = append(todo, kind)
	}
	q.mu.Unlock()
	if len(todo) == 0 {
		return
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for _, kind := range todo {
			q.run(ctx, orderID, kind)
			q.mu.Lock()
			delete(q.inflight, orderID+"/"+string(kind))
			q.mu.Unlock()
		}
	}()
}

func (q *CompensationQueue) run(ctx context.Context, orderID string, kind orders.Compensation) {
	entry := q.log.WithFields(logrus.Fields{"order_id": orderID, "compensation": kind})
	attempt := 0
	err := q.policy.Do(ctx, func() error {
		attempt++
		err := q.comp.Compensate(ctx, orderID, kind)
		if err != nil {
			entry.WithError(err).WithField("attempt", attempt).Warn("compensation retry failed")
		}
		return err
	})
	if err == nil {
		entry.WithField("attempt", attempt).Info("compensation completed in background")
		return
	}
	if ctx.Err() != nil {
		entry.WithError(err).Warn("compensation interrupted by shutdown; will resume on recovery")
		return
	}
	q.comp.CompensationAbandoned(ctx, orderID, kind, err)
}

// Wait blocks until queued work finishes.
func (q *CompensationQueue) Wait() {
	q.wg.Wait()
}
