package orders

import (
	"testing"
	"time"

	"fulfillment/internal/observability"
)

func TestLoadReliabilityConfig_Parses(t *testing.T) {
	t.Setenv("STEP_RETRY_MAX_ATTEMPTS", "3")
	t.Setenv("STEP_RETRY_BASE_DELAY", "50ms")
	t.Setenv("STEP_RETRY_MAX_DELAY", "500ms")
	t.Setenv("STEP_BREAKER_MAX_FAILURES", "4")
	t.Setenv("STEP_BREAKER_RESET_TIMEOUT", "2s")
	t.Setenv("STEP_RATE_LIMIT_INTERVAL", "1ms")
	t.Setenv("STEP_RATE_LIMIT_BURST", "100")
	t.Setenv("STEP_TIMEOUT", "3s")

	cfg, err := LoadReliabilityConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.RetryMaxAttempts != 3 {
		t.Fatalf("expected retry attempts 3, got %d", cfg.RetryMaxAttempts)
	}
	if cfg.RetryBaseDelay != 50*time.Millisecond {
		t.Fatalf("expected retry base delay 50ms, got %v", cfg.RetryBaseDelay)
	}
	if cfg.RetryMaxDelay != 500*time.Millisecond {
		t.Fatalf("expected retry max delay 500ms, got %v", cfg.RetryMaxDelay)
	}
	if cfg.BreakerMaxFailures != 4 {
		t.Fatalf("expected breaker failures 4, got %d", cfg.BreakerMaxFailures)
	}
	if cfg.BreakerResetTimeout != 2*time.Second {
		t.Fatalf("expected breaker reset 2s, got %v", cfg.BreakerResetTimeout)
	}
	if cfg.RateLimitInterval != time.Millisecond || cfg.RateLimitBurst != 100 {
		t.Fatalf("unexpected rate limit %v/%d", cfg.RateLimitInterval, cfg.RateLimitBurst)
	}
	if cfg.Timeout != 3*time.Second {
		t.Fatalf("expected timeout 3s, got %v", cfg.Timeout)
	}
}

func TestLoadReliabilityConfig_Defaults(t *testing.T) {
	cfg, err := LoadReliabilityConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Timeout != 8*time.Second || cfg.RetryMaxAttempts != 2 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadReliabilityConfig_Invalid(t *testing.T) {
	t.Setenv("STEP_RETRY_MAX_ATTEMPTS", "0")
	if _, err := LoadReliabilityConfig(); err == nil {
		t.Fatalf("expected error for zero attempts")
	}
	t.Setenv("STEP_RETRY_MAX_ATTEMPTS", "2")
	t.Setenv("STEP_TIMEOUT", "soon")
	if _, err := LoadReliabilityConfig(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestReliabilityConfig_NewGuard(t *testing.T) {
	cfg := ReliabilityConfig{
		RetryMaxAttempts:   2,
		BreakerMaxFailures: 3,
		RateLimitInterval:  time.Millisecond,
		RateLimitBurst:     5,
		Timeout:            time.Second,
	}
	guard := cfg.NewGuard("payments", observability.NewMetrics())
	if guard.Breaker == nil || guard.Limiter == nil {
		t.Fatalf("expected breaker and limiter: %+v", guard)
	}
	if guard.Timeout != time.Second || guard.Retry.MaxAttempts != 2 {
		t.Fatalf("unexpected guard: %+v", guard)
	}

	bare := ReliabilityConfig{RetryMaxAttempts: 1}.NewGuard("shipping", nil)
	if bare.Breaker != nil || bare.Limiter != nil {
		t.Fatalf("expected no breaker or limiter: %+v", bare)
	}
}
