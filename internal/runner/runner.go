package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"fulfillment/internal/observability"
	"fulfillment/internal/orders"
	"fulfillment/internal/orders/saga"

	"github.com/sirupsen/logrus"
)

// Orchestrator is the saga surface the runner drives.
type Orchestrator interface {
	Advance(ctx context.Context, orderID string) error
	Abandon(ctx context.Context, orderID string, cause error) error
	Recoverable(ctx context.Context) ([]orders.Recovery, error)
}

// Config tunes a Runner.
type Config struct {
	Workers  int
	LeaseTTL time.Duration
	// Retry governs re-running Advance after transient failures.
	Retry   orders.RetryPolicy
	Metrics *observability.Metrics
	Logger  logrus.FieldLogger
}

// DefaultRetry is 500ms doubling, five attempts.
func DefaultRetry() orders.RetryPolicy {
	return orders.RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
		ShouldRetry: retryableRun,
	}
}

func retryableRun(err error) bool {
	var compErr *orders.CompensationError
	if errors.As(err, &compErr) {
		return false
	}
	return orders.IsTransient(err) ||
		errors.Is(err, saga.ErrVersionConflict) ||
		errors.Is(err, saga.ErrAttemptPending)
}

type runState struct {
	running bool
	rerun   bool
}

// Runner advances orders in the background. Triggers for one order coalesce:
// at most one run per order is queued or executing in this process, and a
// lease keeps other processes out while it runs.
type Runner struct {
	orch    Orchestrator
	comp    *CompensationQueue
	locker  Locker
	workers int
	ttl     time.Duration
	retry   orders.RetryPolicy
	metrics *observability.Metrics
	log     logrus.FieldLogger

	mu      sync.Mutex
	state   map[string]*runState
	pending []string
	wake    chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Runner. Call Start to launch its workers.
func New(orch Orchestrator, comp *CompensationQueue, locker Locker, cfg Config) *Runner {
	r := &Runner{
		orch:    orch,
		comp:    comp,
		locker:  locker,
		workers: cfg.Workers,
		ttl:     cfg.LeaseTTL,
		retry:   cfg.Retry,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
		state:   make(map[string]*runState),
		wake:    make(chan struct{}, 1),
	}
	if r.workers <= 0 {
		r.workers = 4
	}
	if r.ttl <= 0 {
		r.ttl = 30 * time.Second
	}
	if r.retry.MaxAttempts == 0 {
		r.retry = DefaultRetry()
	}
	if r.retry.ShouldRetry == nil {
		r.retry.ShouldRetry = retryableRun
	}
	if r.log == nil {
		r.log = logrus.StandardLogger()
	}
	if r.locker == nil {
		r.locker = NewLocalLocker()
	}
	return r
}

// Start launches the workers; they exit when ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	if r.comp != nil {
		r.comp.Start(ctx)
	}
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.work(ctx)
	}
}

// Wait blocks until workers and queued compensations have stopped.
func (r *Runner) Wait() {
	r.wg.Wait()
	if r.comp != nil {
		r.comp.Wait()
	}
}

// Trigger asks for the order to be advanced. It never blocks.
func (r *Runner) Trigger(orderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.state[orderID]; ok {
		if st.running {
			st.rerun = true
		}
		r.metrics.Trigger("coalesced")
		return
	}
	r.state[orderID] = &runState{}
	r.pending = append(r.pending, orderID)
	r.metrics.Trigger("queued")
	r.signal()
}

func (r *Runner) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runner) next() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return "", false
	}
	id := r.pending[0]
	r.pending = r.pending[1:]
	r.state[id].running = true
	if len(r.pending) > 0 {
		r.signal()
	}
	return id, true
}

func (r *Runner) work(ctx context.Context) {
	defer r.wg.Done()
	for {
		id, ok := r.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-r.wake:
				continue
			}
		}
		r.run(ctx, id)
		r.finish(id)
	}
}

func (r *Runner) finish(orderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.state[orderID]
	if st.rerun {
		st.running = false
		st.rerun = false
		r.pending = append(r.pending, orderID)
		r.signal()
		return
	}
	delete(r.state, orderID)
}

// Do runs fn while holding the order's lease, so a command never interleaves
// with a background run of the same order.
func (r *Runner) Do(ctx context.Context, orderID string, fn func(context.Context) error) error {
	obtainCtx, cancel := context.WithTimeout(ctx, r.ttl)
	lease, err := r.locker.Obtain(obtainCtx, leaseKey(orderID), r.ttl)
	cancel()
	if err != nil {
		return err
	}
	defer r.release(orderID, lease)
	return fn(ctx)
}

func (r *Runner) run(ctx context.Context, orderID string) {
	entry := r.log.WithField("order_id", orderID)

	obtainCtx, cancel := context.WithTimeout(ctx, r.ttl)
	lease, err := r.locker.Obtain(obtainCtx, leaseKey(orderID), r.ttl)
	cancel()
	if err != nil {
		if errors.Is(err, ErrLeaseHeld) {
			r.metrics.Trigger("lease_held")
			entry.Debug("order leased elsewhere; skipping run")
			return
		}
		r.metrics.Trigger("error")
		entry.WithError(err).Error("obtain order lease")
		return
	}
	defer r.release(orderID, lease)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go r.keepAlive(runCtx, stop, lease, entry)

	err = r.retry.Do(runCtx, func() error {
		return r.orch.Advance(runCtx, orderID)
	})
	r.settle(runCtx, orderID, err, entry)
}

func (r *Runner) settle(ctx context.Context, orderID string, err error, entry *logrus.Entry) {
	var compErr *orders.CompensationError
	switch {
	case err == nil:
		r.metrics.Trigger("ok")
	case errors.As(err, &compErr):
		r.metrics.Trigger("compensating")
		r.enqueue(compErr)
	case ctx.Err() != nil:
		entry.WithError(err).Warn("run interrupted")
	case orders.IsTransient(err):
		r.metrics.Trigger("abandoned")
		entry.WithError(err).Warn("retries exhausted; abandoning step")
		if abandonErr := r.orch.Abandon(ctx, orderID, err); abandonErr != nil {
			if errors.As(abandonErr, &compErr) {
				r.enqueue(compErr)
				return
			}
			entry.WithError(abandonErr).Error("abandon step")
		}
	case errors.Is(err, saga.ErrVersionConflict), errors.Is(err, saga.ErrAttemptPending):
		r.metrics.Trigger("contended")
		entry.WithError(err).Warn("order kept changing underneath the run")
	default:
		r.metrics.Trigger("error")
		entry.WithError(err).Error("advance order")
	}
}

func (r *Runner) enqueue(compErr *orders.CompensationError) {
	if r.comp == nil {
		r.log.WithField("order_id", compErr.OrderID).WithError(compErr).Error("compensation outstanding and no queue configured")
		return
	}
	r.comp.Enqueue(compErr.OrderID, compErr.Pending)
}

func (r *Runner) keepAlive(ctx context.Context, stop context.CancelFunc, lease Lease, entry *logrus.Entry) {
	ticker := time.NewTicker(r.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lease.Refresh(ctx, r.ttl); err != nil {
				if ctx.Err() == nil {
					entry.WithError(err).Warn("lease lost; stopping run")
					stop()
				}
				return
			}
		}
	}
}

func (r *Runner) release(orderID string, lease Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := lease.Release(ctx); err != nil {
		r.log.WithField("order_id", orderID).WithError(err).Warn("release order lease")
	}
}

// Recover re-triggers every order with unfinished saga work and queues the
// compensations that were outstanding when the process stopped.
func (r *Runner) Recover(ctx context.Context) error {
	recoveries, err := r.orch.Recoverable(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recoveries {
		if len(rec.Compensations) > 0 {
			r.enqueue(&orders.CompensationError{OrderID: rec.OrderID, Pending: rec.Compensations})
			continue
		}
		r.Trigger(rec.OrderID)
	}
	r.log.WithField("orders", len(recoveries)).Info("recovery scheduled")
	return nil
}

func leaseKey(orderID string) string {
	return "fulfillment:order-lease:" + orderID
}
