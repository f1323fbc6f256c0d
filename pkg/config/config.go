// Package config loads runtime configuration from environment variables and
// optional YAML topic-policy profiles.
package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Seconds is a duration that accepts either a bare integer (seconds) or a Go
// duration string, so GENESIS_DEDUP_TTL_SECS=86400 and
// GENESIS_DEDUP_TTL_SECS=24h both work.
type Seconds time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for env parsing.
func (s *Seconds) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		return nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*s = Seconds(time.Duration(n) * time.Second)
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*s = Seconds(d)
	return nil
}

// Duration returns the value as a time.Duration.
func (s Seconds) Duration() time.Duration { return time.Duration(s) }

// Config holds all runtime configuration parsed from environment variables.
type Config struct {
	// Persistence
	Backend     string `env:"GENESIS_PERSIST_BACKEND" envDefault:"sqlite"` // sqlite | postgres | memory
	DBPath      string `env:"GENESIS_DB_PATH" envDefault:"genesis/events.db"`
	DatabaseURL string `env:"GENESIS_DATABASE_URL"`

	// Deduplication
	DedupTTL      Seconds `env:"GENESIS_DEDUP_TTL_SECS" envDefault:"86400"`
	DedupBackend  string  `env:"GENESIS_DEDUP_BACKEND" envDefault:"store"` // store | redis
	SweepInterval Seconds `env:"GENESIS_DEDUP_SWEEP_INTERVAL" envDefault:"1h"`

	// Redis (dedup index backend)
	RedisAddr     string `env:"GENESIS_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"GENESIS_REDIS_PASSWORD"`
	RedisDB       int    `env:"GENESIS_REDIS_DB" envDefault:"0"`

	// Dead letter queue
	DLQMaxRetries      int  `env:"GENESIS_DLQ_MAX_RETRIES" envDefault:"3"`
	DLQDeleteOnSuccess bool `env:"GENESIS_DLQ_DELETE_ON_SUCCESS" envDefault:"true"`

	// Dispatch
	HandlerTimeout Seconds `env:"GENESIS_HANDLER_TIMEOUT" envDefault:"0"` // 0 = unbounded

	// Topic policy profile (optional YAML file)
	ProfilePath string `env:"GENESIS_PROFILE"`

	// Archive export
	ArchiveSink   string `env:"GENESIS_ARCHIVE_SINK" envDefault:"fs"` // fs | s3 | gcs
	ArchiveDir    string `env:"GENESIS_ARCHIVE_DIR" envDefault:"genesis/archive"`
	ArchiveBucket string `env:"GENESIS_ARCHIVE_BUCKET"`
	S3Endpoint    string `env:"GENESIS_S3_ENDPOINT"`
	S3PathStyle   bool   `env:"GENESIS_S3_PATH_STYLE" envDefault:"false"`

	// Observability
	LogLevel     string  `env:"GENESIS_LOG_LEVEL" envDefault:"info"`
	OTelEnabled  bool    `env:"GENESIS_OTEL_ENABLED" envDefault:"false"`
	OTelEndpoint string  `env:"GENESIS_OTEL_ENDPOINT" envDefault:"localhost:4317"`
	OTelInsecure bool    `env:"GENESIS_OTEL_INSECURE" envDefault:"true"`
	OTelSample   float64 `env:"GENESIS_OTEL_SAMPLE_RATE" envDefault:"1.0"`
}

// Load parses environment variables into a Config struct.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot work before any component is
// wired from them.
func (c *Config) Validate() error {
	switch c.Backend {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("GENESIS_PERSIST_BACKEND must be sqlite, postgres, or memory; got %q", c.Backend)
	}
	if c.Backend == "postgres" && c.DatabaseURL == "" {
		return fmt.Errorf("GENESIS_DATABASE_URL is required when GENESIS_PERSIST_BACKEND=postgres")
	}
	switch c.DedupBackend {
	case "store", "redis":
	default:
		return fmt.Errorf("GENESIS_DEDUP_BACKEND must be store or redis; got %q", c.DedupBackend)
	}
	switch c.ArchiveSink {
	case "fs", "s3", "gcs":
	default:
		return fmt.Errorf("GENESIS_ARCHIVE_SINK must be fs, s3, or gcs; got %q", c.ArchiveSink)
	}
	if c.DedupTTL.Duration() <= 0 {
		return fmt.Errorf("GENESIS_DEDUP_TTL_SECS must be positive")
	}
	if c.DLQMaxRetries < 0 {
		return fmt.Errorf("GENESIS_DLQ_MAX_RETRIES must be non-negative")
	}
	return nil
}

// SlogLevel maps the configured log level onto slog's leveling.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
