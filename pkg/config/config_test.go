package config_test

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-pay/pkg/config"
)

// TestLoad_Defaults verifies that Load() returns sensible defaults
// when no environment variables are set.
func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "LOG_LEVEL", "DATABASE_URL", "PROCESSOR_TIMEOUT", "SIGNING_KEY_SEED", "ARCHIVE_BACKEND"} {
		t.Setenv(k, "")
	}

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.True(t, cfg.LiteMode())
	assert.Equal(t, 30*time.Second, cfg.ProcessorTimeout)
	assert.Equal(t, 15*time.Minute, cfg.CartTTL)
	assert.Equal(t, "fs", cfg.Archive.Backend)
	assert.False(t, cfg.OTel.Enabled)
	assert.True(t, cfg.MandateTokens)

	seed, err := cfg.Seed()
	require.NoError(t, err)
	assert.Nil(t, seed)
}

// TestLoad_Overrides verifies that environment variables correctly
// override default values.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DATABASE_URL", "postgres://production:5432/db")
	t.Setenv("PROCESSOR_TIMEOUT", "5s")
	t.Setenv("PROCESSOR_RPS", "12.5")
	t.Setenv("SIGNING_KEY_SEED", strings.Repeat("ab", 32))
	t.Setenv("TRUSTED_KEY_IDS", "helm-pay-0, helm-pay-legacy")
	t.Setenv("ARCHIVE_BACKEND", "s3")
	t.Setenv("ARCHIVE_BUCKET", "audit")
	t.Setenv("OTEL_ENABLED", "true")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.False(t, cfg.LiteMode())
	assert.Equal(t, 5*time.Second, cfg.ProcessorTimeout)
	assert.InDelta(t, 12.5, cfg.ProcessorRPS, 0.001)
	assert.Len(t, cfg.TrustedKeyIDs, 2)
	assert.Equal(t, "s3", cfg.Archive.Backend)
	assert.Equal(t, "audit", cfg.Archive.Bucket)
	assert.True(t, cfg.OTel.Enabled)

	level, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	seed, err := cfg.Seed()
	require.NoError(t, err)
	assert.Len(t, seed, 32)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"unparseable duration", "PROCESSOR_TIMEOUT", "soon"},
		{"zero timeout", "PROCESSOR_TIMEOUT", "0s"},
		{"seed not hex", "SIGNING_KEY_SEED", "not-hex"},
		{"seed too short", "SIGNING_KEY_SEED", "abcd"},
		{"log level", "LOG_LEVEL", "LOUD"},
		{"sample rate", "OTEL_TRACES_SAMPLER_ARG", "2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := config.Load()
			assert.Error(t, err)
		})
	}
}
