package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridgelabs/genesis/pkg/config"
)

// TestLoad_Defaults verifies that Load() returns the documented defaults
// when no environment variables are set.
func TestLoad_Defaults(t *testing.T) {
	clearGenesisEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Backend)
	assert.Equal(t, "genesis/events.db", cfg.DBPath)
	assert.Equal(t, 24*time.Hour, cfg.DedupTTL.Duration())
	assert.Equal(t, "store", cfg.DedupBackend)
	assert.Equal(t, 3, cfg.DLQMaxRetries)
	assert.True(t, cfg.DLQDeleteOnSuccess)
	assert.Equal(t, time.Duration(0), cfg.HandlerTimeout.Duration())
	assert.Equal(t, "fs", cfg.ArchiveSink)
	assert.False(t, cfg.OTelEnabled)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

// TestLoad_Overrides verifies the 12-factor env surface.
func TestLoad_Overrides(t *testing.T) {
	clearGenesisEnv(t)
	t.Setenv("GENESIS_PERSIST_BACKEND", "postgres")
	t.Setenv("GENESIS_DATABASE_URL", "postgres://genesis:5432/events?sslmode=disable")
	t.Setenv("GENESIS_DEDUP_TTL_SECS", "3600")
	t.Setenv("GENESIS_DLQ_MAX_RETRIES", "5")
	t.Setenv("GENESIS_HANDLER_TIMEOUT", "30s")
	t.Setenv("GENESIS_LOG_LEVEL", "debug")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Backend)
	assert.Equal(t, time.Hour, cfg.DedupTTL.Duration())
	assert.Equal(t, 5, cfg.DLQMaxRetries)
	assert.Equal(t, 30*time.Second, cfg.HandlerTimeout.Duration())
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}

// TestLoad_TTLAcceptsGoDurations covers the dual-format TTL parser.
func TestLoad_TTLAcceptsGoDurations(t *testing.T) {
	clearGenesisEnv(t)
	t.Setenv("GENESIS_DEDUP_TTL_SECS", "24h")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, cfg.DedupTTL.Duration())
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"unknown backend", map[string]string{"GENESIS_PERSIST_BACKEND": "dynamo"}},
		{"postgres without DSN", map[string]string{"GENESIS_PERSIST_BACKEND": "postgres"}},
		{"unknown dedup backend", map[string]string{"GENESIS_DEDUP_BACKEND": "memcached"}},
		{"unknown archive sink", map[string]string{"GENESIS_ARCHIVE_SINK": "ftp"}},
		{"zero ttl", map[string]string{"GENESIS_DEDUP_TTL_SECS": "0"}},
		{"negative retries", map[string]string{"GENESIS_DLQ_MAX_RETRIES": "-1"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearGenesisEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := config.Load()
			assert.Error(t, err)
		})
	}
}

func TestTopicPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	body := "strict: true\nnamespaces:\n  - engine.intent\n  - engine.truth\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	policy, err := config.LoadTopicPolicy(path)
	require.NoError(t, err)

	assert.True(t, policy.Allows("engine.truth.fact.created"))
	assert.True(t, policy.Allows("engine.intent"))
	assert.False(t, policy.Allows("engine.metric.cpu"))
	assert.False(t, policy.Allows("engine.truthiness.fact"))
}

func TestTopicPolicy_PermissiveWhenAbsent(t *testing.T) {
	var policy *config.TopicPolicy
	assert.True(t, policy.Allows("anything.at.all"))

	relaxed := &config.TopicPolicy{Strict: false, Namespaces: []string{"engine.intent"}}
	assert.True(t, relaxed.Allows("outside.namespace"))
}

func TestTopicPolicy_LoadErrors(t *testing.T) {
	_, err := config.LoadTopicPolicy(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

// clearGenesisEnv unsets every GENESIS_* variable the suite might inherit.
// t.Setenv registers the restore; the explicit Unsetenv makes the variable
// truly absent so envDefault values apply.
func clearGenesisEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		key, _, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "GENESIS_") {
			continue
		}
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}
