package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata" // purge_timezone must resolve on hosts without zoneinfo

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"kioskwatch/internal/logging"
	dbconfig "kioskwatch/pkg/database"
)

// EnvPrefix namespaces every environment override, e.g.
// KIOSKWATCH_HTTP_PORT overrides http.port.
const EnvPrefix = "KIOSKWATCH"

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	Database  *DatabaseConfig  `mapstructure:"database" json:"database" validate:"required"`
	HTTP      *HTTPConfig      `mapstructure:"http" json:"http" validate:"required"`
	WebSocket *WebSocketConfig `mapstructure:"websocket" json:"websocket" validate:"required"`
	Presence  *PresenceConfig  `mapstructure:"presence" json:"presence" validate:"required"`
	Log       *logging.Config  `mapstructure:"log" json:"log" validate:"required"`
	Tracing   *TracingConfig   `mapstructure:"tracing" json:"tracing" validate:"required"`
}

// DatabaseConfig locates the SQLite file and sizes its pool.
type DatabaseConfig struct {
	Path           string        `mapstructure:"path" json:"path" validate:"required"`
	Timeout        time.Duration `mapstructure:"timeout" json:"timeout" validate:"gt=0"`
	MaxConnections int           `mapstructure:"max_connections" json:"max_connections" validate:"gt=0"`
}

// HTTPConfig covers the listener, CORS and the per-kiosk heartbeat limiter.
type HTTPConfig struct {
	Host           string        `mapstructure:"host" json:"host" validate:"required"`
	Port           int           `mapstructure:"port" json:"port" validate:"min=1,max=65535"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" json:"read_timeout" validate:"gt=0"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" json:"write_timeout" validate:"gt=0"`
	AllowedOrigins []string      `mapstructure:"allowed_origins" json:"allowed_origins"`
	HeartbeatRate  float64       `mapstructure:"heartbeat_rate" json:"heartbeat_rate" validate:"gt=0"`
	HeartbeatBurst int           `mapstructure:"heartbeat_burst" json:"heartbeat_burst" validate:"gt=0"`
}

// FUNCTIONAL DISCOVERY: WebSocket configuration sized for a dashboard per operator
type WebSocketConfig struct {
	PingInterval time.Duration `mapstructure:"ping_interval" json:"ping_interval" validate:"gt=0"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" json:"read_timeout" validate:"gt=0"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" json:"write_timeout" validate:"gt=0"`
	BufferSize   int           `mapstructure:"buffer_size" json:"buffer_size" validate:"gt=0"`
}

// PresenceConfig holds every liveness threshold. Call sites never hardcode these.
type PresenceConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" json:"heartbeat_interval" validate:"gt=0"`
	StaleThreshold    time.Duration `mapstructure:"stale_threshold" json:"stale_threshold" validate:"gt=0"`
	DisconnectAfter   time.Duration `mapstructure:"disconnect_after" json:"disconnect_after" validate:"gt=0"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval" json:"reconcile_interval" validate:"gt=0"`
	PurgeAfter        time.Duration `mapstructure:"purge_after" json:"purge_after" validate:"gt=0"`
	PurgeAt           string        `mapstructure:"purge_at" json:"purge_at" validate:"clock"`
	PurgeTimezone     string        `mapstructure:"purge_timezone" json:"purge_timezone" validate:"required,timezone"`
	MaxBatchSize      int           `mapstructure:"max_batch_size" json:"max_batch_size" validate:"gt=0,lte=10000"`
	RefreshInterval   time.Duration `mapstructure:"refresh_interval" json:"refresh_interval" validate:"gte=0"`
}

// PurgeLocation resolves PurgeTimezone.
func (p *PresenceConfig) PurgeLocation() (*time.Location, error) {
	return time.LoadLocation(p.PurgeTimezone)
}

// TracingConfig toggles span export to stdout.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" json:"enabled"`
	ServiceName string  `mapstructure:"service_name" json:"service_name" validate:"required"`
	SampleRate  float64 `mapstructure:"sample_rate" json:"sample_rate" validate:"gte=0,lte=1"`
}

// FUNCTIONAL DISCOVERY: Production-ready defaults based on kiosk farm requirements
// 60s heartbeats, stale after 5 minutes, auto-disconnect after 10, purge after 30 days at 02:00 Manila
func DefaultConfig() *Config {
	log := logging.DefaultConfig()
	return &Config{
		Database: &DatabaseConfig{
			Path:           "./data/kioskwatch.db",
			Timeout:        30 * time.Second,
			MaxConnections: 10,
		},
		HTTP: &HTTPConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			AllowedOrigins: []string{"*"},
			HeartbeatRate:  1,
			HeartbeatBurst: 5,
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			BufferSize:   16,
		},
		Presence: &PresenceConfig{
			HeartbeatInterval: 60 * time.Second,
			StaleThreshold:    5 * time.Minute,
			DisconnectAfter:   10 * time.Minute,
			ReconcileInterval: 5 * time.Minute,
			PurgeAfter:        30 * 24 * time.Hour,
			PurgeAt:           "02:00",
			PurgeTimezone:     "Asia/Manila",
			MaxBatchSize:      500,
			RefreshInterval:   30 * time.Second,
		},
		Log: &log,
		Tracing: &TracingConfig{
			Enabled:     false,
			ServiceName: "kioskwatch",
			SampleRate:  1,
		},
	}
}

// StoreConfig converts the database section into the store's config.
func (c *Config) StoreConfig() *dbconfig.Config {
	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = c.Database.Path
	cfg.MaxConnections = c.Database.MaxConnections
	cfg.BusyTimeout = c.Database.Timeout
	return cfg
}

// Validate checks struct tags, then the cross-field threshold ordering.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("clock", validateClock); err != nil {
		return fmt.Errorf("failed to register clock validator: %w", err)
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	// A kiosk that misses a few beats to network jitter must not flap to stale.
	p := c.Presence
	if p.StaleThreshold < 4*p.HeartbeatInterval {
		return fmt.Errorf("presence.stale_threshold (%s) must be at least 4x presence.heartbeat_interval (%s)",
			p.StaleThreshold, p.HeartbeatInterval)
	}
	if p.DisconnectAfter <= p.StaleThreshold {
		return fmt.Errorf("presence.disconnect_after (%s) must be greater than presence.stale_threshold (%s)",
			p.DisconnectAfter, p.StaleThreshold)
	}
	return nil
}

// validateClock accepts a 24h HH:MM time of day.
func validateClock(fl validator.FieldLevel) bool {
	_, err := time.Parse("15:04", fl.Field().String())
	return err == nil
}

func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}
	messages := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		field := e.Namespace()
		switch e.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", field))
		case "gt", "gte", "min":
			messages = append(messages, fmt.Sprintf("%s must be at least %s", field, minBound(e)))
		case "lte", "max":
			messages = append(messages, fmt.Sprintf("%s must be at most %s", field, e.Param()))
		case "oneof":
			messages = append(messages, fmt.Sprintf("%s must be one of: %s", field, e.Param()))
		case "timezone":
			messages = append(messages, fmt.Sprintf("%s must be an IANA time zone", field))
		case "clock":
			messages = append(messages, fmt.Sprintf("%s must be a 24h HH:MM time", field))
		default:
			messages = append(messages, fmt.Sprintf("%s failed validation: %s", field, e.Tag()))
		}
	}
	return errors.New(strings.Join(messages, "; "))
}

func minBound(e validator.FieldError) string {
	if e.Tag() == "gt" {
		return "above " + e.Param()
	}
	return e.Param()
}

// newViper returns a viper instance seeded with defaults so that every key
// is known to AutomaticEnv during Unmarshal.
func newViper() *viper.Viper {
	v := viper.New()
	d := DefaultConfig()

	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.timeout", d.Database.Timeout)
	v.SetDefault("database.max_connections", d.Database.MaxConnections)

	v.SetDefault("http.host", d.HTTP.Host)
	v.SetDefault("http.port", d.HTTP.Port)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)
	v.SetDefault("http.allowed_origins", d.HTTP.AllowedOrigins)
	v.SetDefault("http.heartbeat_rate", d.HTTP.HeartbeatRate)
	v.SetDefault("http.heartbeat_burst", d.HTTP.HeartbeatBurst)

	v.SetDefault("websocket.ping_interval", d.WebSocket.PingInterval)
	v.SetDefault("websocket.read_timeout", d.WebSocket.ReadTimeout)
	v.SetDefault("websocket.write_timeout", d.WebSocket.WriteTimeout)
	v.SetDefault("websocket.buffer_size", d.WebSocket.BufferSize)

	v.SetDefault("presence.heartbeat_interval", d.Presence.HeartbeatInterval)
	v.SetDefault("presence.stale_threshold", d.Presence.StaleThreshold)
	v.SetDefault("presence.disconnect_after", d.Presence.DisconnectAfter)
	v.SetDefault("presence.reconcile_interval", d.Presence.ReconcileInterval)
	v.SetDefault("presence.purge_after", d.Presence.PurgeAfter)
	v.SetDefault("presence.purge_at", d.Presence.PurgeAt)
	v.SetDefault("presence.purge_timezone", d.Presence.PurgeTimezone)
	v.SetDefault("presence.max_batch_size", d.Presence.MaxBatchSize)
	v.SetDefault("presence.refresh_interval", d.Presence.RefreshInterval)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// FUNCTIONAL DISCOVERY: Environment variable configuration enables deployment flexibility
// Supports containerized deployments and configuration management systems
func LoadFromEnv() (*Config, error) {
	return unmarshal(newViper())
}

// LoadFromFile reads a JSON or YAML file (by extension) over the defaults.
// Environment variables still override file values.
func LoadFromFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg, err := unmarshal(v)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

// FUNCTIONAL DISCOVERY: Configuration precedence: environment > file > defaults
// A missing file falls back to environment and defaults; a malformed one is an error.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	if path == "" {
		return LoadFromEnv()
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return LoadFromEnv()
	}
	return LoadFromFile(path)
}
