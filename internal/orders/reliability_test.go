package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"fulfillment/internal/orders/saga"

	"github.com/shopspring/decimal"
)

type stubPayment struct {
	errs    []error
	calls   int
	lookups int
}

func (s *stubPayment) Charge(ctx context.Context, key, orderID string, amount decimal.Decimal, method saga.PaymentMethod) (string, error) {
	s.calls++
	if s.calls <= len(s.errs) && s.errs[s.calls-1] != nil {
		return "", s.errs[s.calls-1]
	}
	return "tx-" + key, nil
}

func (s *stubPayment) Refund(ctx context.Context, key, transactionID string, amount decimal.Decimal) error {
	s.calls++
	if s.calls <= len(s.errs) {
		return s.errs[s.calls-1]
	}
	return nil
}

func (s *stubPayment) RefundByKey(ctx context.Context, key, chargeKey string, amount decimal.Decimal) error {
	return s.Refund(ctx, key, chargeKey, amount)
}

func (s *stubPayment) Lookup(ctx context.Context, key string) (StepResult, error) {
	s.lookups++
	return StepResult{}, ErrUnknownKey
}

type stubShipping struct {
	err   error
	calls int
}

func (s *stubShipping) Schedule(ctx context.Context, key, orderID, address string) (string, error) {
	s.calls++
	return "", s.err
}

func (s *stubShipping) Cancel(ctx context.Context, key, scheduleKey string) error {
	s.calls++
	return s.err
}

func (s *stubShipping) Lookup(ctx context.Context, key string) (StepResult, error) {
	return StepResult{}, ErrUnknownKey
}

func (s *stubShipping) Track(ctx context.Context, trackingNumber string) (CarrierStatus, error) {
	s.calls++
	return "", s.err
}

func instantRetry(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		Jitter:      func(d time.Duration) time.Duration { return d },
		Sleep:       func(context.Context, time.Duration) error { return nil },
		ShouldRetry: retryableCall,
	}
}

func TestRetryPolicy_RetriesWithBackoff(t *testing.T) {
	attempts := 0
	var delays []time.Duration

	policy := RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    1500 * time.Millisecond,
		Jitter:      func(d time.Duration) time.Duration { return d },
		Sleep: func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
		ShouldRetry: func(error) bool { return true },
	}

	err := policy.Do(context.Background(), func() error {
		attempts++
		if attempts < 4 {
			return errors.New("fail")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 4 {
		t.Fatalf("expected 4 attempts, got %d", attempts)
	}
	want := []time.Duration{500 * time.Millisecond, time.Second, 1500 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("unexpected delays: %v", delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("unexpected delays: %v", delays)
		}
	}
}

func TestRetryPolicy_StopsOnNonRetryable(t *testing.T) {
	attempts := 0
	var delays []time.Duration
	expected := Terminal(ErrPaymentDeclined)

	policy := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		Sleep: func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
		ShouldRetry: retryableCall,
	}

	err := policy.Do(context.Background(), func() error {
		attempts++
		return expected
	})
	if err != expected {
		t.Fatalf("expected %v, got %v", expected, err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
	if len(delays) != 0 {
		t.Fatalf("expected no delay, got %v", delays)
	}
}

func TestRetryPolicy_StopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	policy := RetryPolicy{
		MaxAttempts: 5,
		Sleep:       func(context.Context, time.Duration) error { return nil },
		ShouldRetry: func(error) bool { return true },
	}
	err := policy.Do(ctx, func() error {
		attempts++
		cancel()
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestCircuitBreaker_OpensAndResets(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	calls := 0

	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  2,
		ResetTimeout: time.Second,
		Now:          func() time.Time { return now },
	})

	fail := func() error {
		calls++
		return errors.New("fail")
	}

	if err := breaker.Execute(fail); err == nil {
		t.Fatalf("expected failure")
	}
	if err := breaker.Execute(fail); err == nil {
		t.Fatalf("expected failure")
	}

	if err := breaker.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open error, got %v", err)
	}

	now = now.Add(2 * time.Second)

	if err := breaker.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected breaker to allow trial, got %v", err)
	}
	if err := breaker.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected breaker to close, got %v", err)
	}

	if calls != 2 {
		t.Fatalf("expected 2 failed calls, got %d", calls)
	}
}

func TestCircuitBreaker_IgnoresBusinessRejections(t *testing.T) {
	breaker := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, IsFailure: countsAsOutage})

	for i := 0; i < 3; i++ {
		err := breaker.Execute(func() error { return Terminal(ErrPaymentDeclined) })
		if !errors.Is(err, ErrPaymentDeclined) {
			t.Fatalf("call %d: expected decline to pass through, got %v", i, err)
		}
	}
}

func TestRateLimiter_WaitsWhenExhausted(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	var waits, reported []time.Duration

	limiter := NewRateLimiter(100*time.Millisecond, 1, func(d time.Duration) { reported = append(reported, d) })
	limiter.now = func() time.Time { return now }
	limiter.last = now
	limiter.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		now = now.Add(d)
		return nil
	}

	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(waits) != 1 || waits[0] != 100*time.Millisecond {
		t.Fatalf("expected one wait of 100ms, got %v", waits)
	}
	if len(reported) != 1 {
		t.Fatalf("expected wait to be reported once, got %v", reported)
	}
}

func TestReliablePaymentClient_ChargeRetriesTransient(t *testing.T) {
	base := &stubPayment{errs: []error{Transient(errors.New("503")), nil}}
	client := NewReliablePaymentClient(base, &Guard{Name: "payments", Retry: instantRetry(2)})

	tx, err := client.Charge(context.Background(), "k1", "order-1", decimal.NewFromInt(10), saga.PaymentMethod{})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if tx != "tx-k1" {
		t.Fatalf("unexpected transaction %q", tx)
	}
	if base.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", base.calls)
	}
}

func TestReliablePaymentClient_DeclineNotRetried(t *testing.T) {
	base := &stubPayment{errs: []error{Terminal(ErrPaymentDeclined)}}
	client := NewReliablePaymentClient(base, &Guard{Name: "payments", Retry: instantRetry(3)})

	_, err := client.Charge(context.Background(), "k1", "order-1", decimal.NewFromInt(10), saga.PaymentMethod{})
	if !errors.Is(err, ErrPaymentDeclined) {
		t.Fatalf("expected decline, got %v", err)
	}
	if base.calls != 1 {
		t.Fatalf("expected 1 attempt, got %d", base.calls)
	}
}

func TestReliablePaymentClient_LookupUnknownKeyNotRetried(t *testing.T) {
	base := &stubPayment{}
	client := NewReliablePaymentClient(base, &Guard{Name: "payments", Retry: instantRetry(3)})

	if _, err := client.Lookup(context.Background(), "k1"); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected unknown key, got %v", err)
	}
	if base.lookups != 1 {
		t.Fatalf("expected 1 lookup, got %d", base.lookups)
	}
}

func TestReliableShippingClient_ScheduleCircuitOpen(t *testing.T) {
	base := &stubShipping{err: errors.New("connection refused")}
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Second,
		Now:          func() time.Time { return now },
		IsFailure:    countsAsOutage,
	})

	client := NewReliableShippingClient(base, &Guard{Name: "shipping", Breaker: breaker, Retry: instantRetry(1)})
	if _, err := client.Schedule(context.Background(), "k1", "order-1", "addr"); err == nil {
		t.Fatalf("expected failure")
	}
	_, err := client.Schedule(context.Background(), "k1", "order-1", "addr")
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
	if !classify(saga.StepShipping, err).Transient {
		t.Fatalf("open circuit must count as transient")
	}
	if base.calls != 1 {
		t.Fatalf("expected 1 call, got %d", base.calls)
	}
}

func TestGuard_AppliesTimeout(t *testing.T) {
	guard := &Guard{Name: "inventory", Timeout: 5 * time.Millisecond, Retry: RetryPolicy{MaxAttempts: 1}}
	err := guard.Do(context.Background(), "Reserve", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if !classify(saga.StepInventory, err).Transient {
		t.Fatalf("timeouts must count as transient")
	}
}
