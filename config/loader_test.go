package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// --- Load ---

func TestLoader_DefaultsOnly(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 30*time.Minute, cfg.Gateway.SessionTTL)
	assert.Equal(t, "memory", cfg.HITL.Store)
	assert.Equal(t, "agentgate", cfg.Metrics.Namespace)
}

func TestLoader_YAMLOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9000"
gateway:
  auth_secret: topsecret
  session_ttl: 10m
session:
  messages_per_minute: 30
hitl:
  default_timeout: 2h
  store: redis
redis:
  addr: redis.internal:6379
log:
  level: debug
`)

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "topsecret", cfg.Gateway.AuthSecret)
	assert.Equal(t, 10*time.Minute, cfg.Gateway.SessionTTL)
	assert.Equal(t, 30, cfg.Session.MessagesPerMinute)
	assert.Equal(t, 2*time.Hour, cfg.HITL.DefaultTimeout)
	assert.Equal(t, "redis", cfg.HITL.Store)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)

	// 未覆盖的段保持默认值
	assert.Equal(t, 3, cfg.Execution.MaxRetries)
	assert.Equal(t, 256, cfg.Dispatch.QueueSize)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9000"
`)
	t.Setenv("AGENTGATE_SERVER_ADDR", ":7070")
	t.Setenv("AGENTGATE_GATEWAY_SESSION_TTL", "5m")
	t.Setenv("AGENTGATE_SESSION_MESSAGES_PER_MINUTE", "15")
	t.Setenv("AGENTGATE_TELEMETRY_ENABLED", "true")
	t.Setenv("AGENTGATE_LOG_OUTPUT_PATHS", "stdout, /var/log/agentgate.log")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, 5*time.Minute, cfg.Gateway.SessionTTL)
	assert.Equal(t, 15, cfg.Session.MessagesPerMinute)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, []string{"stdout", "/var/log/agentgate.log"}, cfg.Log.OutputPaths)
}

func TestLoader_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/config.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoader_MalformedYAMLRejected(t *testing.T) {
	path := writeConfig(t, "server: [not a mapping")
	_, err := NewLoader().WithConfigPath(path).Load()
	assert.Error(t, err)
}

func TestLoader_CustomValidator(t *testing.T) {
	_, err := NewLoader().
		WithValidator(func(c *Config) error {
			if c.Gateway.AuthSecret == "" {
				return assert.AnError
			}
			return nil
		}).
		Load()
	assert.Error(t, err)
}

// --- Validate ---

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty server addr", func(c *Config) { c.Server.Addr = "" }},
		{"zero session ttl", func(c *Config) { c.Gateway.SessionTTL = 0 }},
		{"zero messages limit", func(c *Config) { c.Session.MessagesPerMinute = 0 }},
		{"zero hitl timeout", func(c *Config) { c.HITL.DefaultTimeout = 0 }},
		{"unknown hitl store", func(c *Config) { c.HITL.Store = "etcd" }},
		{"negative retries", func(c *Config) { c.Execution.MaxRetries = -1 }},
		{"zero dispatch queue", func(c *Config) { c.Dispatch.QueueSize = 0 }},
		{"telemetry without endpoint", func(c *Config) { c.Telemetry.Enabled = true; c.Telemetry.OTLPEndpoint = "" }},
		{"sample rate out of range", func(c *Config) { c.Telemetry.SampleRate = 1.5 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bad := DefaultConfig()
			tc.mutate(bad)
			assert.Error(t, bad.Validate())
		})
	}
}

// --- DSN ---

func TestDatabaseConfig_DSN(t *testing.T) {
	pg := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "gate", Password: "pw", Name: "agentgate", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=gate password=pw dbname=agentgate sslmode=disable", pg.DSN())

	my := DatabaseConfig{Driver: "mysql", Host: "db", Port: 3306, User: "gate", Password: "pw", Name: "agentgate"}
	assert.Equal(t, "gate:pw@tcp(db:3306)/agentgate?parseTime=true", my.DSN())

	lite := DatabaseConfig{Driver: "sqlite", Name: "agentgate.db"}
	assert.Equal(t, "agentgate.db", lite.DSN())

	unknown := DatabaseConfig{Driver: "oracle"}
	assert.Empty(t, unknown.DSN())
}
