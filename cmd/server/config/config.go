package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"fulfillment/internal/orders"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// HTTPConfig holds the public API listener settings.
type HTTPConfig struct {
	Addr              string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout   time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	RateLimitInterval time.Duration `env:"HTTP_RATE_LIMIT_INTERVAL" envDefault:"0s"`
	RateLimitBurst    int           `env:"HTTP_RATE_LIMIT_BURST" envDefault:"0"`
	RateLimitWait     time.Duration `env:"HTTP_RATE_LIMIT_WAIT" envDefault:"250ms"`
	CarrierToken      string        `env:"CARRIER_WEBHOOK_TOKEN"`
}

// RedisConfig holds Redis connection settings. Redis is optional; an empty
// URL keeps leases in-process and disables the status stream.
type RedisConfig struct {
	URL                string        `env:"REDIS_URL"`
	DialTimeout        time.Duration `env:"REDIS_DIAL_TIMEOUT"`
	ReadTimeout        time.Duration `env:"REDIS_READ_TIMEOUT"`
	WriteTimeout       time.Duration `env:"REDIS_WRITE_TIMEOUT"`
	PoolSize           int           `env:"REDIS_POOL_SIZE"`
	MinIdleConns       int           `env:"REDIS_MIN_IDLE_CONNS"`
	MaxRetries         int           `env:"REDIS_MAX_RETRIES"`
	HealthcheckTimeout time.Duration `env:"REDIS_HEALTHCHECK_TIMEOUT" envDefault:"2s"`
	LockRetry          time.Duration `env:"REDIS_LOCK_RETRY" envDefault:"50ms"`
	Stream             string        `env:"REDIS_STREAM" envDefault:"order_events"`
	StreamMaxLen       int64         `env:"REDIS_STREAM_MAXLEN" envDefault:"10000"`
	StatusTTL          time.Duration `env:"REDIS_STATUS_TTL" envDefault:"24h"`
	EnableOTel         bool          `env:"REDIS_OTEL"`

	TLSCAFile             string `env:"REDIS_TLS_CA_FILE"`
	TLSCertFile           string `env:"REDIS_TLS_CERT_FILE"`
	TLSKeyFile            string `env:"REDIS_TLS_KEY_FILE"`
	TLSServerName         string `env:"REDIS_TLS_SERVER_NAME"`
	TLSInsecureSkipVerify bool   `env:"REDIS_TLS_INSECURE_SKIP_VERIFY"`
}

// Enabled reports whether a Redis URL is configured.
func (c RedisConfig) Enabled() bool { return strings.TrimSpace(c.URL) != "" }

// DatabaseConfig holds the Postgres DSN. Empty means in-memory storage.
type DatabaseConfig struct {
	URL             string        `env:"DATABASE_URL"`
	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"10"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"30m"`
	// PaymentLedger books charges in the local database when no payment
	// service URL is set.
	PaymentLedger bool `env:"DB_PAYMENT_LEDGER" envDefault:"true"`
}

// RunnerConfig tunes the saga runner and the compensation queue.
type RunnerConfig struct {
	Workers                 int           `env:"RUNNER_WORKERS" envDefault:"4"`
	LeaseTTL                time.Duration `env:"RUNNER_LEASE_TTL" envDefault:"30s"`
	RetryMaxAttempts        int           `env:"RUNNER_RETRY_MAX_ATTEMPTS" envDefault:"5"`
	RetryBaseDelay          time.Duration `env:"RUNNER_RETRY_BASE_DELAY" envDefault:"500ms"`
	RetryMaxDelay           time.Duration `env:"RUNNER_RETRY_MAX_DELAY" envDefault:"8s"`
	CompensationMaxAttempts int           `env:"COMPENSATION_MAX_ATTEMPTS" envDefault:"8"`
	CompensationBaseDelay   time.Duration `env:"COMPENSATION_BASE_DELAY" envDefault:"1s"`
	CompensationMaxDelay    time.Duration `env:"COMPENSATION_MAX_DELAY" envDefault:"1m"`
}

// ServicesConfig locates the step services. An empty URL selects the
// in-memory implementation.
type ServicesConfig struct {
	InventoryURL string         `env:"INVENTORY_SERVICE_URL"`
	PaymentURL   string         `env:"PAYMENT_SERVICE_URL"`
	ShippingURL  string         `env:"SHIPPING_SERVICE_URL"`
	InitialStock map[string]int `env:"INVENTORY_STOCK" envSeparator:"," envKeyValSeparator:":"`
}

// KafkaConfig enables lifecycle events on Kafka when brokers are set.
type KafkaConfig struct {
	Brokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	Topic   string   `env:"KAFKA_TOPIC" envDefault:"order-events"`
}

// ObservabilityConfig holds logging and the metrics listener.
type ObservabilityConfig struct {
	Addr      string `env:"OBS_ADDR" envDefault:":9090"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	AppEnv    string `env:"APP_ENV" envDefault:"development"`
}

// AuthConfig configures bearer token checks. An empty secret trusts the
// gateway's X-Customer-ID header.
type AuthConfig struct {
	JWTSecret string `env:"JWT_SECRET"`
	Issuer    string `env:"JWT_ISSUER"`
	Audience  string `env:"JWT_AUDIENCE"`
}

// GRPCConfig holds the ops gRPC listener (health and reflection).
type GRPCConfig struct {
	Addr              string        `env:"GRPC_ADDR" envDefault:":50051"`
	RateLimitInterval time.Duration `env:"GRPC_RATE_LIMIT_INTERVAL" envDefault:"0s"`
	RateLimitBurst    int           `env:"GRPC_RATE_LIMIT_BURST" envDefault:"0"`
}

// LoadDotEnv loads variables from the given files, or .env, when present.
// Variables already set in the environment win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func parse[T any](name string) (T, error) {
	var cfg T
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse %s env: %w", name, err)
	}
	return cfg, nil
}

// LoadHTTP reads HTTP_* settings.
func LoadHTTP() (HTTPConfig, error) {
	cfg, err := parse[HTTPConfig]("http")
	if err != nil {
		return cfg, err
	}
	if cfg.Addr == "" {
		return cfg, errors.New("HTTP_ADDR is required")
	}
	if cfg.RateLimitInterval < 0 || cfg.RateLimitBurst < 0 || cfg.RateLimitWait < 0 {
		return cfg, errors.New("HTTP_RATE_LIMIT_* must be >= 0")
	}
	return cfg, nil
}

// LoadRedis reads REDIS_* settings.
func LoadRedis() (RedisConfig, error) {
	cfg, err := parse[RedisConfig]("redis")
	if err != nil {
		return cfg, err
	}
	for name, d := range map[string]time.Duration{
		"REDIS_DIAL_TIMEOUT":        cfg.DialTimeout,
		"REDIS_READ_TIMEOUT":        cfg.ReadTimeout,
		"REDIS_WRITE_TIMEOUT":       cfg.WriteTimeout,
		"REDIS_HEALTHCHECK_TIMEOUT": cfg.HealthcheckTimeout,
		"REDIS_STATUS_TTL":          cfg.StatusTTL,
	} {
		if d < 0 {
			return cfg, fmt.Errorf("%s must be >= 0", name)
		}
	}
	if cfg.PoolSize < 0 || cfg.MinIdleConns < 0 || cfg.MaxRetries < 0 || cfg.StreamMaxLen < 0 {
		return cfg, errors.New("REDIS_POOL_SIZE, REDIS_MIN_IDLE_CONNS, REDIS_MAX_RETRIES and REDIS_STREAM_MAXLEN must be >= 0")
	}
	return cfg, nil
}

// TLS builds the client TLS config from the REDIS_TLS_* settings, or nil when
// none are set.
func (c RedisConfig) TLS() (*tls.Config, error) {
	if c.TLSCAFile == "" && c.TLSCertFile == "" && c.TLSKeyFile == "" && c.TLSServerName == "" && !c.TLSInsecureSkipVerify {
		return nil, nil
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         c.TLSServerName,
		InsecureSkipVerify: c.TLSInsecureSkipVerify,
	}
	if c.TLSCAFile != "" {
		pemData, err := os.ReadFile(c.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}
	if c.TLSCertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.TLSCertFile, c.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// LoadDatabase reads DATABASE_URL and pool settings.
func LoadDatabase() (DatabaseConfig, error) {
	cfg, err := parse[DatabaseConfig]("database")
	if err != nil {
		return cfg, err
	}
	if cfg.MaxOpenConns < 0 || cfg.MaxIdleConns < 0 || cfg.ConnMaxLifetime < 0 {
		return cfg, errors.New("DB_* pool settings must be >= 0")
	}
	return cfg, nil
}

// LoadRunner reads RUNNER_* and COMPENSATION_* settings.
func LoadRunner() (RunnerConfig, error) {
	cfg, err := parse[RunnerConfig]("runner")
	if err != nil {
		return cfg, err
	}
	if cfg.Workers < 1 {
		return cfg, errors.New("RUNNER_WORKERS must be >= 1")
	}
	if cfg.RetryMaxAttempts < 1 || cfg.CompensationMaxAttempts < 1 {
		return cfg, errors.New("RUNNER_RETRY_MAX_ATTEMPTS and COMPENSATION_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.LeaseTTL <= 0 {
		return cfg, errors.New("RUNNER_LEASE_TTL must be > 0")
	}
	return cfg, nil
}

// RunRetry is the policy for re-running a saga after transient failures.
func (c RunnerConfig) RunRetry() orders.RetryPolicy {
	return orders.RetryPolicy{MaxAttempts: c.RetryMaxAttempts, BaseDelay: c.RetryBaseDelay, MaxDelay: c.RetryMaxDelay}
}

// CompensationRetry is the policy for background compensations.
func (c RunnerConfig) CompensationRetry() orders.RetryPolicy {
	return orders.RetryPolicy{
		MaxAttempts: c.CompensationMaxAttempts,
		BaseDelay:   c.CompensationBaseDelay,
		MaxDelay:    c.CompensationMaxDelay,
		ShouldRetry: func(error) bool { return true },
	}
}

// LoadReliability reads the STEP_* guard settings.
func LoadReliability() (orders.ReliabilityConfig, error) {
	return orders.LoadReliabilityConfig()
}

// LoadServices reads the step service URLs.
func LoadServices() (ServicesConfig, error) {
	return parse[ServicesConfig]("services")
}

// LoadKafka reads KAFKA_* settings.
func LoadKafka() (KafkaConfig, error) {
	cfg, err := parse[KafkaConfig]("kafka")
	if err != nil {
		return cfg, err
	}
	if len(cfg.Brokers) > 0 && cfg.Topic == "" {
		return cfg, errors.New("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}
	return cfg, nil
}

// LoadObservability reads the metrics address and log settings.
func LoadObservability() (ObservabilityConfig, error) {
	cfg, err := parse[ObservabilityConfig]("observability")
	if err != nil {
		return cfg, err
	}
	switch cfg.LogFormat {
	case "json", "text":
	default:
		return cfg, fmt.Errorf("LOG_FORMAT must be json or text, got %q", cfg.LogFormat)
	}
	return cfg, nil
}

// LoadAuth reads JWT_* settings.
func LoadAuth() (AuthConfig, error) {
	return parse[AuthConfig]("auth")
}

// LoadGRPC reads the ops gRPC listener settings.
func LoadGRPC() (GRPCConfig, error) {
	cfg, err := parse[GRPCConfig]("grpc")
	if err != nil {
		return cfg, err
	}
	if cfg.RateLimitInterval < 0 || cfg.RateLimitBurst < 0 {
		return cfg, errors.New("GRPC_RATE_LIMIT_* must be >= 0")
	}
	return cfg, nil
}
