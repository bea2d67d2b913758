package core

import (
	"fmt"
	"strings"
	"time"
)

type RateLimitConfig struct {
	FailOpen        bool          `koanf:"fail_open" mapstructure:"fail_open"`
	RuleCacheTTL    time.Duration `koanf:"rule_cache_ttl" mapstructure:"rule_cache_ttl"`
	ClientKeyHeader string        `koanf:"client_key_header" mapstructure:"client_key_header"`
	SweepSchedule   string        `koanf:"sweep_schedule" mapstructure:"sweep_schedule"`
}

type QueueConfig struct {
	VisibilityTimeout time.Duration `koanf:"visibility_timeout" mapstructure:"visibility_timeout"`
	DequeueWait       time.Duration `koanf:"dequeue_wait" mapstructure:"dequeue_wait"`
	PollInterval      time.Duration `koanf:"poll_interval" mapstructure:"poll_interval"`
}

type RetryConfig struct {
	MaxRetries            int           `koanf:"max_retries" mapstructure:"max_retries"`
	BaseDelay             time.Duration `koanf:"base_delay" mapstructure:"base_delay"`
	MaxDelay              time.Duration `koanf:"max_delay" mapstructure:"max_delay"`
	Jitter                float64       `koanf:"jitter" mapstructure:"jitter"`
	PermanentClientErrors bool          `koanf:"permanent_client_errors" mapstructure:"permanent_client_errors"`
}

type DeliveryConfig struct {
	Timeout         time.Duration `koanf:"timeout" mapstructure:"timeout"`
	Workers         int           `koanf:"workers" mapstructure:"workers"`
	SignatureHeader string        `koanf:"signature_header" mapstructure:"signature_header"`
}

type ReconcileConfig struct {
	Schedule  string `koanf:"schedule" mapstructure:"schedule"`
	BatchSize int    `koanf:"batch_size" mapstructure:"batch_size"`
}

type HTTPConfig struct {
	Addr string `koanf:"addr" mapstructure:"addr"`
}

type PersistenceConfig struct {
	Driver string `koanf:"driver" mapstructure:"driver"`
	DSN    string `koanf:"dsn" mapstructure:"dsn"`
	Debug  bool   `koanf:"debug" mapstructure:"debug"`
}

// SecurityConfig enables encryption of endpoint secrets at rest when
// SecretKey is set.
type SecurityConfig struct {
	SecretKey string `koanf:"secret_key" mapstructure:"secret_key"`
	KeyID     string `koanf:"key_id" mapstructure:"key_id"`
}

type Config struct {
	ServiceName string            `koanf:"service_name" mapstructure:"service_name"`
	RateLimit   RateLimitConfig   `koanf:"rate_limit" mapstructure:"rate_limit"`
	Queue       QueueConfig       `koanf:"queue" mapstructure:"queue"`
	Retry       RetryConfig       `koanf:"retry" mapstructure:"retry"`
	Delivery    DeliveryConfig    `koanf:"delivery" mapstructure:"delivery"`
	Reconcile   ReconcileConfig   `koanf:"reconcile" mapstructure:"reconcile"`
	HTTP        HTTPConfig        `koanf:"http" mapstructure:"http"`
	Persistence PersistenceConfig `koanf:"persistence" mapstructure:"persistence"`
	Security    SecurityConfig    `koanf:"security" mapstructure:"security"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "relay",
		RateLimit: RateLimitConfig{
			RuleCacheTTL:  30 * time.Second,
			SweepSchedule: "@every 1m",
		},
		Queue: QueueConfig{
			VisibilityTimeout: 30 * time.Second,
			DequeueWait:       5 * time.Second,
			PollInterval:      250 * time.Millisecond,
		},
		Retry: RetryConfig{
			MaxRetries: 5,
			BaseDelay:  time.Second,
			MaxDelay:   10 * time.Minute,
			Jitter:     0.2,
		},
		Delivery: DeliveryConfig{
			Timeout:         10 * time.Second,
			Workers:         4,
			SignatureHeader: "X-Relay-Signature",
		},
		Reconcile: ReconcileConfig{
			Schedule:  "@every 30s",
			BatchSize: 100,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Persistence: PersistenceConfig{
			Driver: "sqlite3",
			DSN:    "file:relay.db?cache=shared&_foreign_keys=on",
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if c.Retry.MaxRetries <= 0 {
		return fmt.Errorf("core: retry.max_retries must be greater than zero")
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		return fmt.Errorf("core: retry delays must not be negative")
	}
	if c.Retry.MaxDelay > 0 && c.Retry.BaseDelay > c.Retry.MaxDelay {
		return fmt.Errorf("core: retry.base_delay must not exceed retry.max_delay")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return fmt.Errorf("core: retry.jitter must be in [0, 1)")
	}
	if c.Queue.VisibilityTimeout < 0 || c.Queue.DequeueWait < 0 || c.Queue.PollInterval < 0 {
		return fmt.Errorf("core: queue durations must not be negative")
	}
	if c.Delivery.Timeout < 0 {
		return fmt.Errorf("core: delivery.timeout must not be negative")
	}
	// A claim must outlive the HTTP attempt, otherwise the job is handed to a
	// second worker while the first is still sending it.
	if c.Delivery.Timeout > 0 && c.Queue.VisibilityTimeout > 0 && c.Delivery.Timeout >= c.Queue.VisibilityTimeout {
		return fmt.Errorf("core: delivery.timeout (%s) must be shorter than queue.visibility_timeout (%s)", c.Delivery.Timeout, c.Queue.VisibilityTimeout)
	}
	if c.Delivery.Workers < 0 {
		return fmt.Errorf("core: delivery.workers must not be negative")
	}
	switch strings.ToLower(strings.TrimSpace(c.Persistence.Driver)) {
	case "", "sqlite3", "sqlite", "postgres", "pg":
	default:
		return fmt.Errorf("core: persistence.driver %q is not supported", c.Persistence.Driver)
	}
	return nil
}
