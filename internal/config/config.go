package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// ErrMissingSecret indicates a required secret is not set in the environment.
var ErrMissingSecret = errors.New("missing secret")

// Config holds all application configuration.
type Config struct {
	Verbose     bool
	HTTP        HTTPConfig
	Database    DatabaseConfig
	Queue       QueueConfig
	Payment     PaymentConfig
	Machines    []MachineConfig
	Idempotency IdempotencyConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	Nostr       NostrConfig
	Tracing     TracingConfig
}

// HTTPConfig holds API server settings.
type HTTPConfig struct {
	Addr              string
	ReadHeaderTimeout time.Duration
}

// DatabaseConfig holds database settings.
type DatabaseConfig struct {
	Path string
}

// QueueConfig holds command queue settings.
type QueueConfig struct {
	ClaimWindow int // pending commands inspected per claim
}

// PaymentConfig holds payment processor settings.
type PaymentConfig struct {
	Currency        string
	Timeout         time.Duration // per processor call
	MaxRetries      uint64
	BreakerFailures int
	BreakerReset    time.Duration
	StripeSecretKey string // from STRIPE_SECRET_KEY
}

// MachineConfig seeds the machines table.
type MachineConfig struct {
	ID       string `mapstructure:"id"`
	ReaderID string `mapstructure:"reader_id"`
}

// IdempotencyConfig holds Idempotency-Key settings.
type IdempotencyConfig struct {
	TTL time.Duration // lifetime of a key; unbound reservations go stale after it
}

// RedisConfig holds idempotency store settings. Empty Addr keeps keys in SQLite.
type RedisConfig struct {
	Addr     string
	Password string
}

// KafkaConfig holds command notification settings. Empty Brokers disables Kafka.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// NostrConfig holds command notification settings. Empty Relays disables Nostr.
type NostrConfig struct {
	Relays       []string
	SecretKeyHex string // from NOSTR_SECRET_KEY
}

// TracingConfig holds OpenTelemetry settings. Empty JaegerEndpoint disables export.
type TracingConfig struct {
	JaegerEndpoint string
}

// Load reads configuration from Viper and returns a Config struct.
func Load() (*Config, error) {
	cfg := &Config{
		Verbose: viper.GetBool("verbose"),
		HTTP: HTTPConfig{
			Addr:              viper.GetString("http.addr"),
			ReadHeaderTimeout: viper.GetDuration("http.read_header_timeout"),
		},
		Database: DatabaseConfig{
			Path: viper.GetString("database.path"),
		},
		Queue: QueueConfig{
			ClaimWindow: viper.GetInt("queue.claim_window"),
		},
		Payment: PaymentConfig{
			Currency:        viper.GetString("payment.currency"),
			Timeout:         viper.GetDuration("payment.timeout"),
			MaxRetries:      viper.GetUint64("payment.max_retries"),
			BreakerFailures: viper.GetInt("payment.breaker_failures"),
			BreakerReset:    viper.GetDuration("payment.breaker_reset"),
		},
		Idempotency: IdempotencyConfig{
			TTL: viper.GetDuration("idempotency.ttl"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
		},
		Kafka: KafkaConfig{
			Brokers: viper.GetStringSlice("kafka.brokers"),
			Topic:   viper.GetString("kafka.topic"),
		},
		Nostr: NostrConfig{
			Relays: viper.GetStringSlice("nostr.relays"),
		},
		Tracing: TracingConfig{
			JaegerEndpoint: viper.GetString("tracing.jaeger_endpoint"),
		},
	}

	if err := viper.UnmarshalKey("machines", &cfg.Machines); err != nil {
		return nil, fmt.Errorf("parsing machines: %w", err)
	}
	for i, m := range cfg.Machines {
		if m.ID == "" {
			return nil, fmt.Errorf("machines[%d]: id is required", i)
		}
	}

	// Apply defaults
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.HTTP.ReadHeaderTimeout <= 0 {
		cfg.HTTP.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "vendorder.db"
	}
	if cfg.Queue.ClaimWindow <= 0 {
		cfg.Queue.ClaimWindow = 20
	}
	if cfg.Payment.Currency == "" {
		cfg.Payment.Currency = "usd"
	}
	if cfg.Payment.Timeout <= 0 {
		cfg.Payment.Timeout = 10 * time.Second
	}
	if !viper.IsSet("payment.max_retries") {
		cfg.Payment.MaxRetries = 3
	}
	if cfg.Payment.BreakerFailures <= 0 {
		cfg.Payment.BreakerFailures = 5
	}
	if cfg.Payment.BreakerReset <= 0 {
		cfg.Payment.BreakerReset = 30 * time.Second
	}
	if cfg.Idempotency.TTL <= 0 {
		cfg.Idempotency.TTL = 24 * time.Hour
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "machine_commands"
	}

	return cfg, nil
}

// LoadWithSecrets loads configuration and the secrets kept out of config files.
// STRIPE_SECRET_KEY is always required; NOSTR_SECRET_KEY only when relays are set.
func LoadWithSecrets() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	cfg.Payment.StripeSecretKey = os.Getenv("STRIPE_SECRET_KEY")
	if cfg.Payment.StripeSecretKey == "" {
		return nil, fmt.Errorf("%w: STRIPE_SECRET_KEY", ErrMissingSecret)
	}

	if len(cfg.Nostr.Relays) > 0 {
		cfg.Nostr.SecretKeyHex = os.Getenv("NOSTR_SECRET_KEY")
		if cfg.Nostr.SecretKeyHex == "" {
			return nil, fmt.Errorf("%w: NOSTR_SECRET_KEY", ErrMissingSecret)
		}
	}

	return cfg, nil
}
