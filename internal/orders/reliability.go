package orders

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"fulfillment/internal/observability"
	"fulfillment/internal/orders/saga"

	"github.com/shopspring/decimal"
)

// ErrCircuitOpen indicates the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// RetryPolicy controls retry behavior for outbound calls and saga runs.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      func(time.Duration) time.Duration
	Sleep       func(context.Context, time.Duration) error
	ShouldRetry func(error) bool
}

// Do executes the function with retries according to the policy.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = func(err error) bool {
			return !errors.Is(err, context.Canceled) &&
				!errors.Is(err, context.DeadlineExceeded) &&
				!errors.Is(err, ErrCircuitOpen)
		}
	}
	jitter := p.Jitter
	if jitter == nil {
		jitter = defaultJitter
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn()
		if err == nil {
			return nil
		}
		if attempt == attempts || !shouldRetry(err) {
			return err
		}

		if delay := jitter(p.Delay(attempt)); delay > 0 {
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}
	}
	return nil
}

// Delay is the un-jittered wait after the given failed attempt: BaseDelay doubled
// per attempt, capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := p.BaseDelay
	if delay > 0 && attempt > 1 {
		delay = delay << (attempt - 1)
	}
	if p.MaxDelay > 0 && (delay > p.MaxDelay || delay < 0) {
		delay = p.MaxDelay
	}
	return delay
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	MaxFailures  int
	ResetTimeout time.Duration
	Now          func() time.Time
	// IsFailure decides which errors count toward opening. Defaults to every error.
	IsFailure func(error) bool
}

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// CircuitBreaker stops calls after repeated failures.
type CircuitBreaker struct {
	mu         sync.Mutex
	maxFails   int
	resetAfter time.Duration
	now        func() time.Time
	isFailure  func(error) bool

	state          circuitState
	failures       int
	openedAt       time.Time
	halfOpenFlight bool
}

// NewCircuitBreaker constructs a circuit breaker with sane defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	maxFails := cfg.MaxFailures
	if maxFails < 1 {
		maxFails = 1
	}
	resetAfter := cfg.ResetTimeout
	if resetAfter <= 0 {
		resetAfter = 2 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	isFailure := cfg.IsFailure
	if isFailure == nil {
		isFailure = func(err error) bool { return err != nil }
	}
	return &CircuitBreaker{
		maxFails:   maxFails,
		resetAfter: resetAfter,
		now:        now,
		isFailure:  isFailure,
		state:      circuitClosed,
	}
}

// Execute runs the given function while enforcing breaker state.
func (c *CircuitBreaker) Execute(fn func() error) error {
	if c == nil {
		return fn()
	}

	now := c.now()

	c.mu.Lock()
	switch c.state {
	case circuitOpen:
		if now.Sub(c.openedAt) < c.resetAfter {
			c.mu.Unlock()
			return ErrCircuitOpen
		}
		c.state = circuitHalfOpen
	case circuitHalfOpen:
		if c.halfOpenFlight {
			c.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	if c.state == circuitHalfOpen {
		c.halfOpenFlight = true
	}
	c.mu.Unlock()

	err := fn()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == circuitHalfOpen {
		c.halfOpenFlight = false
	}

	if err == nil || !c.isFailure(err) {
		c.state = circuitClosed
		c.failures = 0
		return err
	}

	if c.state == circuitHalfOpen {
		c.state = circuitOpen
		c.openedAt = now
		c.failures = 0
		return err
	}

	c.failures++
	if c.failures >= c.maxFails {
		c.state = circuitOpen
		c.openedAt = now
	}
	return err
}

// RateLimiter is a token-bucket limiter.
type RateLimiter struct {
	mu     sync.Mutex
	rate   time.Duration
	burst  int
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
	onWait func(time.Duration)

	tokens int
	last   time.Time
}

// NewRateLimiter constructs a limiter that refills one token every rate.
// onWait, if set, is told about every throttled wait.
func NewRateLimiter(rate time.Duration, burst int, onWait func(time.Duration)) *RateLimiter {
	limiter := &RateLimiter{
		rate:   rate,
		burst:  burst,
		now:    time.Now,
		sleep:  sleepWithContext,
		onWait: onWait,
	}
	limiter.tokens = burst
	limiter.last = limiter.now()
	return limiter
}

// Wait blocks until a token is available or the context ends.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil || r.rate <= 0 || r.burst <= 0 {
		if ctx == nil {
			return nil
		}
		return ctx.Err()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.mu.Lock()
		now := r.now()
		r.refill(now)
		if r.tokens > 0 {
			r.tokens--
			r.mu.Unlock()
			return nil
		}
		wait := r.rate - now.Sub(r.last)
		r.mu.Unlock()
		if wait <= 0 {
			continue
		}
		if r.onWait != nil {
			r.onWait(wait)
		}
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (r *RateLimiter) refill(now time.Time) {
	elapsed := now.Sub(r.last)
	if elapsed < r.rate {
		return
	}
	add := int(elapsed / r.rate)
	if add <= 0 {
		return
	}
	r.tokens += add
	if r.tokens > r.burst {
		r.tokens = r.burst
	}
	r.last = r.last.Add(time.Duration(add) * r.rate)
}

// Guard applies rate limiting, a circuit breaker, a per-call timeout and a short
// retry loop to one downstream service. Every call is recorded as a span.
type Guard struct {
	Name    string
	Limiter *RateLimiter
	Breaker *CircuitBreaker
	Retry   RetryPolicy
	Timeout time.Duration
	Metrics *observability.Metrics
}

// Do runs fn under the guard. fn receives a context bounded by Timeout.
func (g *Guard) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	if g == nil {
		return fn(ctx)
	}
	span := g.Metrics.Start(g.Name + "." + op)
	attempt := func() error {
		if g.Limiter != nil {
			if err := g.Limiter.Wait(ctx); err != nil {
				return err
			}
		}
		call := func() error {
			callCtx := ctx
			if g.Timeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, g.Timeout)
				defer cancel()
			}
			return fn(callCtx)
		}
		if g.Breaker != nil {
			return g.Breaker.Execute(call)
		}
		return call()
	}
	err := g.Retry.Do(ctx, attempt)
	span.End(err)
	return err
}

// retryableCall reports whether a single downstream call is worth repeating
// under the same idempotency key.
func retryableCall(err error) bool {
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrUnknownKey) || errors.Is(err, context.Canceled) {
		return false
	}
	return classify("", err).Transient
}

// countsAsOutage reports whether err says something about service health.
// Business rejections and unknown keys do not.
func countsAsOutage(err error) bool {
	if errors.Is(err, ErrUnknownKey) {
		return false
	}
	return classify("", err).Transient
}

// ReliableInventoryClient wraps an InventoryClient with a Guard.
type ReliableInventoryClient struct {
	base  InventoryClient
	guard *Guard
}

// NewReliableInventoryClient constructs a guarded inventory client.
func NewReliableInventoryClient(base InventoryClient, guard *Guard) *ReliableInventoryClient {
	return &ReliableInventoryClient{base: base, guard: guard}
}

func (c *ReliableInventoryClient) Reserve(ctx context.Context, key, orderID string, items []saga.Item) (string, error) {
	var id string
	err := c.guard.Do(ctx, "Reserve", func(ctx context.Context) error {
		var err error
		id, err = c.base.Reserve(ctx, key, orderID, items)
		return err
	})
	return id, err
}

func (c *ReliableInventoryClient) Release(ctx context.Context, key, reservationID string) error {
	return c.guard.Do(ctx, "Release", func(ctx context.Context) error {
		return c.base.Release(ctx, key, reservationID)
	})
}

func (c *ReliableInventoryClient) ReleaseByKey(ctx context.Context, key, reserveKey string) error {
	return c.guard.Do(ctx, "ReleaseByKey", func(ctx context.Context) error {
		return c.base.ReleaseByKey(ctx, key, reserveKey)
	})
}

func (c *ReliableInventoryClient) Lookup(ctx context.Context, key string) (StepResult, error) {
	var res StepResult
	err := c.guard.Do(ctx, "Lookup", func(ctx context.Context) error {
		var err error
		res, err = c.base.Lookup(ctx, key)
		return err
	})
	return res, err
}

// ReliablePaymentClient wraps a PaymentClient with a Guard.
type ReliablePaymentClient struct {
	base  PaymentClient
	guard *Guard
}

// NewReliablePaymentClient constructs a guarded payment client.
func NewReliablePaymentClient(base PaymentClient, guard *Guard) *ReliablePaymentClient {
	return &ReliablePaymentClient{base: base, guard: guard}
}

func (c *ReliablePaymentClient) Charge(ctx context.Context, key, orderID string, amount decimal.Decimal, method saga.PaymentMethod) (string, error) {
	var tx string
	err := c.guard.Do(ctx, "Charge", func(ctx context.Context) error {
		var err error
		tx, err = c.base.Charge(ctx, key, orderID, amount, method)
		return err
	})
	return tx, err
}

func (c *ReliablePaymentClient) Refund(ctx context.Context, key, transactionID string, amount decimal.Decimal) error {
	return c.guard.Do(ctx, "Refund", func(ctx context.Context) error {
		return c.base.Refund(ctx, key, transactionID, amount)
	})
}

func (c *ReliablePaymentClient) RefundByKey(ctx context.Context, key, chargeKey string, amount decimal.Decimal) error {
	return c.guard.Do(ctx, "RefundByKey", func(ctx context.Context) error {
		return c.base.RefundByKey(ctx, key, chargeKey, amount)
	})
}

func (c *ReliablePaymentClient) Lookup(ctx context.Context, key string) (StepResult, error) {
	var res StepResult
	err := c.guard.Do(ctx, "Lookup", func(ctx context.Context) error {
		var err error
		res, err = c.base.Lookup(ctx, key)
		return err
	})
	return res, err
}

// ReliableShippingClient wraps a ShippingClient with a Guard.
type ReliableShippingClient struct {
	base  ShippingClient
	guard *Guard
}

// NewReliableShippingClient constructs a guarded shipping client.
func NewReliableShippingClient(base ShippingClient, guard *Guard) *ReliableShippingClient {
	return &ReliableShippingClient{base: base, guard: guard}
}

func (c *ReliableShippingClient) Schedule(ctx context.Context, key, orderID, address string) (string, error) {
	var tracking string
	err := c.guard.Do(ctx, "Schedule", func(ctx context.Context) error {
		var err error
		tracking, err = c.base.Schedule(ctx, key, orderID, address)
		return err
	})
	return tracking, err
}

func (c *ReliableShippingClient) Cancel(ctx context.Context, key, scheduleKey string) error {
	return c.guard.Do(ctx, "Cancel", func(ctx context.Context) error {
		return c.base.Cancel(ctx, key, scheduleKey)
	})
}

func (c *ReliableShippingClient) Lookup(ctx context.Context, key string) (StepResult, error) {
	var res StepResult
	err := c.guard.Do(ctx, "Lookup", func(ctx context.Context) error {
		var err error
		res, err = c.base.Lookup(ctx, key)
		return err
	})
	return res, err
}

func (c *ReliableShippingClient) Track(ctx context.Context, trackingNumber string) (CarrierStatus, error) {
	var status CarrierStatus
	err := c.guard.Do(ctx, "Track", func(ctx context.Context) error {
		var err error
		status, err = c.base.Track(ctx, trackingNumber)
		return err
	})
	return status, err
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func defaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
