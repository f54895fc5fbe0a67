package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// FUNCTIONAL VALIDATION TEST: Default configuration provides production-ready settings
func TestConfig_DefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.NoError(t, config.Validate())

	assert.Equal(t, 60*time.Second, config.Presence.HeartbeatInterval)
	assert.Equal(t, 5*time.Minute, config.Presence.StaleThreshold)
	assert.Equal(t, 10*time.Minute, config.Presence.DisconnectAfter)
	assert.Equal(t, 5*time.Minute, config.Presence.ReconcileInterval)
	assert.Equal(t, 30*24*time.Hour, config.Presence.PurgeAfter)
	assert.Equal(t, "02:00", config.Presence.PurgeAt)

	loc, err := config.Presence.PurgeLocation()
	require.NoError(t, err)
	assert.Equal(t, "Asia/Manila", loc.String())

	store := config.StoreConfig()
	assert.Equal(t, config.Database.Path, store.DatabasePath)
	assert.NoError(t, store.Validate())
}

// TECHNICAL VALIDATION TEST: Complete validation coverage
func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{"nil database", func(c *Config) { c.Database = nil }, "Config.Database is required"},
		{"nil websocket", func(c *Config) { c.WebSocket = nil }, "Config.WebSocket is required"},
		{"empty path", func(c *Config) { c.Database.Path = "" }, "Config.Database.Path is required"},
		{"port zero", func(c *Config) { c.HTTP.Port = 0 }, "Config.HTTP.Port"},
		{"port too high", func(c *Config) { c.HTTP.Port = 65536 }, "Config.HTTP.Port must be at most 65535"},
		{"empty host", func(c *Config) { c.HTTP.Host = "" }, "Config.HTTP.Host is required"},
		{"zero ping", func(c *Config) { c.WebSocket.PingInterval = 0 }, "Config.WebSocket.PingInterval"},
		{"zero buffer", func(c *Config) { c.WebSocket.BufferSize = 0 }, "Config.WebSocket.BufferSize"},
		{"bad purge time", func(c *Config) { c.Presence.PurgeAt = "25:00" }, "HH:MM"},
		{"bad timezone", func(c *Config) { c.Presence.PurgeTimezone = "Mars/Olympus" }, "IANA time zone"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "Config.Log.Level must be one of"},
		{"sample rate", func(c *Config) { c.Tracing.SampleRate = 2 }, "Config.Tracing.SampleRate"},
		{
			"stale below 4 heartbeats",
			func(c *Config) { c.Presence.StaleThreshold = 3 * time.Minute },
			"at least 4x",
		},
		{
			"disconnect not after stale",
			func(c *Config) { c.Presence.DisconnectAfter = c.Presence.StaleThreshold },
			"must be greater than",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			err := config.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

// FUNCTIONAL VALIDATION TEST: Environment variable configuration loading
func TestConfig_LoadFromEnv(t *testing.T) {
	t.Setenv("KIOSKWATCH_HTTP_PORT", "9090")
	t.Setenv("KIOSKWATCH_DATABASE_PATH", "/tmp/test.db")
	t.Setenv("KIOSKWATCH_PRESENCE_DISCONNECT_AFTER", "15m")
	t.Setenv("KIOSKWATCH_HTTP_ALLOWED_ORIGINS", "https://a.example,https://b.example")

	config, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 9090, config.HTTP.Port)
	assert.Equal(t, "/tmp/test.db", config.Database.Path)
	assert.Equal(t, 15*time.Minute, config.Presence.DisconnectAfter)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, config.HTTP.AllowedOrigins)
	assert.Equal(t, DefaultConfig().WebSocket.PingInterval, config.WebSocket.PingInterval)
}

// TECHNICAL VALIDATION TEST: Environment variable edge cases
func TestConfig_LoadFromEnvInvalid(t *testing.T) {
	t.Setenv("KIOSKWATCH_HTTP_PORT", "invalid")
	_, err := LoadFromEnv()
	assert.Error(t, err)
}

func TestConfig_LoadFromEnvFailsCrossFieldCheck(t *testing.T) {
	t.Setenv("KIOSKWATCH_PRESENCE_HEARTBEAT_INTERVAL", "2m")
	_, err := LoadFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 4x")
}

// TECHNICAL VALIDATION TEST: Configuration file parsing
func TestConfig_LoadFromFile(t *testing.T) {
	path := writeFile(t, "kioskwatch.json", `{
		"database": {"path": "/tmp/testfile.db", "timeout": "10s"},
		"http": {"port": 8081, "read_timeout": "10s"},
		"presence": {"purge_at": "03:30", "purge_timezone": "UTC"}
	}`)

	config, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/testfile.db", config.Database.Path)
	assert.Equal(t, 10*time.Second, config.Database.Timeout)
	assert.Equal(t, 8081, config.HTTP.Port)
	assert.Equal(t, 10*time.Second, config.HTTP.ReadTimeout)
	assert.Equal(t, 30*time.Second, config.HTTP.WriteTimeout)
	assert.Equal(t, "03:30", config.Presence.PurgeAt)
	assert.Equal(t, "UTC", config.Presence.PurgeTimezone)
}

func TestConfig_LoadFromYAMLFile(t *testing.T) {
	path := writeFile(t, "kioskwatch.yaml", `
log:
  level: debug
tracing:
  enabled: true
  sample_rate: 0.25
`)

	config, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", config.Log.Level)
	assert.True(t, config.Tracing.Enabled)
	assert.InDelta(t, 0.25, config.Tracing.SampleRate, 1e-9)
}

// TECHNICAL VALIDATION TEST: Invalid JSON configuration handling
func TestConfig_LoadFromFileInvalid(t *testing.T) {
	path := writeFile(t, "broken.json", `{"database": {"path": "/tmp/x.db"`)
	_, err := LoadFromFile(path)
	assert.Error(t, err)

	path = writeFile(t, "invalid.json", `{"http": {"port": 70000}}`)
	_, err = LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")

	_, err = LoadFromFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

// FUNCTIONAL VALIDATION TEST: LoadConfigWithPrecedence function
func TestConfig_LoadConfigWithPrecedence(t *testing.T) {
	config, err := LoadConfigWithPrecedence("")
	require.NoError(t, err)
	assert.Equal(t, 8080, config.HTTP.Port)

	config, err = LoadConfigWithPrecedence(filepath.Join(t.TempDir(), "nonexistent.json"))
	require.NoError(t, err)
	assert.Equal(t, 8080, config.HTTP.Port)

	path := writeFile(t, "kioskwatch.json", `{"http": {"port": 7777, "host": "127.0.0.1"}}`)
	config, err = LoadConfigWithPrecedence(path)
	require.NoError(t, err)
	assert.Equal(t, 7777, config.HTTP.Port)

	// environment wins over the file
	t.Setenv("KIOSKWATCH_HTTP_PORT", "9999")
	config, err = LoadConfigWithPrecedence(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, config.HTTP.Port)
	assert.Equal(t, "127.0.0.1", config.HTTP.Host)

	broken := writeFile(t, "broken.json", `{`)
	_, err = LoadConfigWithPrecedence(broken)
	assert.Error(t, err)
}
