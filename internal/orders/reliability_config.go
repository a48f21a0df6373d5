package orders

import (
	"fmt"
	"time"

	"fulfillment/internal/observability"

	"github.com/caarlos0/env/v11"
)

// ReliabilityConfig tunes the guards placed in front of every step service.
type ReliabilityConfig struct {
	RetryMaxAttempts    int           `env:"STEP_RETRY_MAX_ATTEMPTS" envDefault:"2"`
	RetryBaseDelay      time.Duration `env:"STEP_RETRY_BASE_DELAY" envDefault:"100ms"`
	RetryMaxDelay       time.Duration `env:"STEP_RETRY_MAX_DELAY" envDefault:"1s"`
	BreakerMaxFailures  int           `env:"STEP_BREAKER_MAX_FAILURES" envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"STEP_BREAKER_RESET_TIMEOUT" envDefault:"10s"`
	RateLimitInterval   time.Duration `env:"STEP_RATE_LIMIT_INTERVAL" envDefault:"0s"`
	RateLimitBurst      int           `env:"STEP_RATE_LIMIT_BURST" envDefault:"0"`
	Timeout             time.Duration `env:"STEP_TIMEOUT" envDefault:"8s"`
}

// LoadReliabilityConfig reads STEP_* variables.
func LoadReliabilityConfig() (ReliabilityConfig, error) {
	var cfg ReliabilityConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse step reliability env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c ReliabilityConfig) validate() error {
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("STEP_RETRY_MAX_ATTEMPTS must be >= 1")
	}
	for name, d := range map[string]time.Duration{
		"STEP_RETRY_BASE_DELAY":      c.RetryBaseDelay,
		"STEP_RETRY_MAX_DELAY":       c.RetryMaxDelay,
		"STEP_BREAKER_RESET_TIMEOUT": c.BreakerResetTimeout,
		"STEP_RATE_LIMIT_INTERVAL":   c.RateLimitInterval,
		"STEP_TIMEOUT":               c.Timeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must be >= 0", name)
		}
	}
	if c.BreakerMaxFailures < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("STEP_BREAKER_MAX_FAILURES and STEP_RATE_LIMIT_BURST must be >= 0")
	}
	return nil
}

// NewGuard builds the guard for one downstream service.
func (c ReliabilityConfig) NewGuard(name string, metrics *observability.Metrics) *Guard {
	guard := &Guard{
		Name:    name,
		Timeout: c.Timeout,
		Metrics: metrics,
		Retry: RetryPolicy{
			MaxAttempts: c.RetryMaxAttempts,
			BaseDelay:   c.RetryBaseDelay,
			MaxDelay:    c.RetryMaxDelay,
			ShouldRetry: retryableCall,
		},
	}
	if c.BreakerMaxFailures > 0 {
		guard.Breaker = NewCircuitBreaker(CircuitBreakerConfig{
			MaxFailures:  c.BreakerMaxFailures,
			ResetTimeout: c.BreakerResetTimeout,
			IsFailure:    countsAsOutage,
		})
	}
	if c.RateLimitInterval > 0 && c.RateLimitBurst > 0 {
		guard.Limiter = NewRateLimiter(c.RateLimitInterval, c.RateLimitBurst, metrics.AddRateLimitWait)
	}
	return guard
}
