// Package config loads server configuration from the environment.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// minSeedBytes is the shortest master seed accepted for key derivation.
const minSeedBytes = 32

// Config holds server configuration.
type Config struct {
	Port      string `env:"PORT" envDefault:"8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"INFO"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// DatabaseURL selects Postgres; empty runs lite mode on SQLite in DataDir.
	DatabaseURL string `env:"DATABASE_URL"`
	DataDir     string `env:"DATA_DIR" envDefault:"data"`

	ProcessorURL     string        `env:"PROCESSOR_URL"`
	ProcessorAPIKey  string        `env:"PROCESSOR_API_KEY"`
	ProcessorTimeout time.Duration `env:"PROCESSOR_TIMEOUT" envDefault:"30s"`
	ProcessorRPS     float64       `env:"PROCESSOR_RPS" envDefault:"0"`
	ProcessorBurst   int           `env:"PROCESSOR_BURST" envDefault:"10"`

	CartTTL       time.Duration `env:"CART_TTL" envDefault:"15m"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	SweepBatch    int           `env:"SWEEP_BATCH" envDefault:"500"`

	// SigningKeySeed is a hex master seed; keys are derived per key id.
	SigningKeySeed string `env:"SIGNING_KEY_SEED"`
	SigningKeyID   string `env:"SIGNING_KEY_ID" envDefault:"helm-pay-1"`
	// TrustedKeyIDs are rotated-out key ids still accepted for verification.
	TrustedKeyIDs []string `env:"TRUSTED_KEY_IDS" envSeparator:","`
	MandateTokens bool     `env:"MANDATE_TOKENS" envDefault:"true"`

	RegistryPath string `env:"REGISTRY_PATH"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisPrefix   string `env:"REDIS_CHANNEL_PREFIX" envDefault:"helm-pay"`

	RateLimitRPS   float64       `env:"RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst int           `env:"RATE_LIMIT_BURST" envDefault:"40"`
	IdempotencyTTL time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`
	RelayInterval  time.Duration `env:"EVENT_RELAY_INTERVAL" envDefault:"1s"`

	Archive ArchiveConfig `envPrefix:"ARCHIVE_"`
	OTel    OTelConfig    `envPrefix:"OTEL_"`
}

// ArchiveConfig selects the audit archive backend.
type ArchiveConfig struct {
	Backend  string `env:"BACKEND" envDefault:"fs"`
	Bucket   string `env:"BUCKET"`
	Region   string `env:"REGION"`
	Endpoint string `env:"ENDPOINT"`
	Prefix   string `env:"PREFIX" envDefault:"helm-pay/"`
}

// OTelConfig configures trace and metric export.
type OTelConfig struct {
	Enabled     bool    `env:"ENABLED" envDefault:"false"`
	Endpoint    string  `env:"EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	Insecure    bool    `env:"EXPORTER_OTLP_INSECURE" envDefault:"false"`
	SampleRate  float64 `env:"TRACES_SAMPLER_ARG" envDefault:"1.0"`
	ServiceName string  `env:"SERVICE_NAME" envDefault:"helm-pay"`
	Environment string  `env:"ENVIRONMENT" envDefault:"development"`
}

// Load parses and validates configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.ProcessorTimeout <= 0 {
		errs = append(errs, errors.New("PROCESSOR_TIMEOUT must be positive"))
	}
	if c.CartTTL <= 0 {
		errs = append(errs, errors.New("CART_TTL must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be positive"))
	}
	if c.ProcessorRPS < 0 || c.RateLimitRPS < 0 {
		errs = append(errs, errors.New("rate limits must not be negative"))
	}
	if c.OTel.SampleRate < 0 || c.OTel.SampleRate > 1 {
		errs = append(errs, errors.New("OTEL_TRACES_SAMPLER_ARG must be within [0, 1]"))
	}
	if c.SigningKeySeed != "" {
		if _, err := c.Seed(); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// LiteMode reports whether the server runs on embedded SQLite.
func (c *Config) LiteMode() bool {
	return c.DatabaseURL == ""
}

// Seed decodes SIGNING_KEY_SEED. It returns nil when no seed is configured.
func (c *Config) Seed() ([]byte, error) {
	if c.SigningKeySeed == "" {
		return nil, nil
	}
	seed, err := hex.DecodeString(strings.TrimSpace(c.SigningKeySeed))
	if err != nil {
		return nil, fmt.Errorf("SIGNING_KEY_SEED is not hex: %w", err)
	}
	if len(seed) < minSeedBytes {
		return nil, fmt.Errorf("SIGNING_KEY_SEED must be at least %d bytes, got %d", minSeedBytes, len(seed))
	}
	return seed, nil
}

// SlogLevel parses LOG_LEVEL.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}
