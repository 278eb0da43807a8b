// Package config loads process configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env              string        `mapstructure:"ENV"`
	Port             string        `mapstructure:"PORT"`
	DatabaseURL      string        `mapstructure:"DATABASE_URL"`
	DBMaxConns       int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns       int32         `mapstructure:"DB_MIN_CONNS"`
	LogLevel         string        `mapstructure:"LOG_LEVEL"`
	LogFormat        string        `mapstructure:"LOG_FORMAT"`
	KafkaBrokers     []string      `mapstructure:"KAFKA_BROKERS"`
	KafkaReplication int16         `mapstructure:"KAFKA_REPLICATION"`
	OTLPEndpoint     string        `mapstructure:"OTLP_ENDPOINT"`
	TracingEnabled   bool          `mapstructure:"TRACING_ENABLED"`
	TraceSampleRate  float64       `mapstructure:"TRACE_SAMPLE_RATE"`
	OutboxPoll       time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
	OutboxBatchSize  int           `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxRetries    int           `mapstructure:"OUTBOX_MAX_RETRIES"`
	OutboxRetention  time.Duration `mapstructure:"OUTBOX_RETENTION"`
	AuditWorkers     int           `mapstructure:"AUDIT_WORKERS"`
	RateLimitRPS     float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst   int           `mapstructure:"RATE_LIMIT_BURST"`
	MetricsPort      string        `mapstructure:"METRICS_PORT"`
	ShutdownTimeout  time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
}

var keys = []string{
	"ENV", "PORT", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"LOG_LEVEL", "LOG_FORMAT", "KAFKA_BROKERS", "KAFKA_REPLICATION", "OTLP_ENDPOINT",
	"TRACING_ENABLED", "TRACE_SAMPLE_RATE", "OUTBOX_POLL_INTERVAL",
	"OUTBOX_BATCH_SIZE", "OUTBOX_MAX_RETRIES", "OUTBOX_RETENTION", "AUDIT_WORKERS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "METRICS_PORT", "SHUTDOWN_TIMEOUT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("ENV", "development")
	v.SetDefault("PORT", "8080")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_REPLICATION", 1)
	v.SetDefault("OTLP_ENDPOINT", "localhost:4317")
	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("TRACE_SAMPLE_RATE", 0.1)
	v.SetDefault("OUTBOX_POLL_INTERVAL", "100ms")
	v.SetDefault("OUTBOX_BATCH_SIZE", 100)
	v.SetDefault("OUTBOX_MAX_RETRIES", 5)
	v.SetDefault("OUTBOX_RETENTION", "24h")
	v.SetDefault("AUDIT_WORKERS", 8)
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("METRICS_PORT", "9090")
	v.SetDefault("SHUTDOWN_TIMEOUT", "30s")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitList normalises a broker list that arrived either as a slice or as a
// single comma separated value.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// RequireDatabase reports a missing DATABASE_URL. It is checked when a
// connection is opened, so binaries running on in-memory storage start
// without one.
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.DBMaxConns <= 0 {
		errs = append(errs, fmt.Errorf("DB_MAX_CONNS must be positive, got %d", c.DBMaxConns))
	}
	if c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		errs = append(errs, fmt.Errorf("DB_MIN_CONNS must be between 0 and DB_MAX_CONNS, got %d", c.DBMinConns))
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be \"json\" or \"console\", got %q", c.LogFormat))
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		errs = append(errs, fmt.Errorf("TRACE_SAMPLE_RATE must be within [0,1], got %v", c.TraceSampleRate))
	}
	if c.KafkaReplication < 1 {
		errs = append(errs, fmt.Errorf("KAFKA_REPLICATION must be at least 1, got %d", c.KafkaReplication))
	}
	if c.OutboxPoll <= 0 {
		errs = append(errs, errors.New("OUTBOX_POLL_INTERVAL must be positive"))
	}
	if c.OutboxBatchSize <= 0 {
		errs = append(errs, errors.New("OUTBOX_BATCH_SIZE must be positive"))
	}
	if c.OutboxRetries < 0 {
		errs = append(errs, errors.New("OUTBOX_MAX_RETRIES must not be negative"))
	}
	if c.AuditWorkers <= 0 {
		errs = append(errs, errors.New("AUDIT_WORKERS must be positive"))
	}
	// zero disables rate limiting
	if c.RateLimitRPS < 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS must not be negative, got %v", c.RateLimitRPS))
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_BURST must be positive when rate limiting is enabled"))
	}
	return errors.Join(errs...)
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Addr returns the HTTP listen address
func (c *Config) Addr() string {
	return ":" + c.Port
}

// MetricsAddr is the listen address of the worker binaries' metrics and health server
func (c *Config) MetricsAddr() string {
	return ":" + c.MetricsPort
}
