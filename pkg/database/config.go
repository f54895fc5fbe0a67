package database

import (
	"errors"
	"strconv"
	"time"
)

// Config holds database configuration
type Config struct {
	DatabasePath    string        `json:"database_path"`
	MaxConnections  int           `json:"max_connections"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
	BusyTimeout     time.Duration `json:"busy_timeout"`
}

// DefaultConfig returns production-ready database configuration.
// SQLite handles a farm's worth of kiosks comfortably with 10 pooled readers.
func DefaultConfig() *Config {
	return &Config{
		DatabasePath:    "./data/kioskwatch.db",
		MaxConnections:  10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute * 10,
		BusyTimeout:     5 * time.Second,
	}
}

// Validate ensures the configuration is valid
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return errors.New("database path cannot be empty")
	}
	if c.MaxConnections <= 0 {
		return errors.New("max connections must be greater than 0")
	}
	if c.ConnMaxLifetime <= 0 {
		return errors.New("connection max lifetime must be greater than 0")
	}
	if c.ConnMaxIdleTime <= 0 {
		return errors.New("connection max idle time must be greater than 0")
	}
	if c.BusyTimeout < 0 {
		return errors.New("busy timeout cannot be negative")
	}
	return nil
}

// DSN returns the go-sqlite3 connection string with WAL, foreign keys and
// busy timeout applied to every pooled connection.
func (c *Config) DSN() string {
	return "file:" + c.DatabasePath +
		"?_busy_timeout=" + strconv.FormatInt(c.BusyTimeout.Milliseconds(), 10) +
		"&_journal_mode=WAL&_foreign_keys=on&_synchronous=NORMAL"
}

// Pragmas are applied once after opening the pool.
var Pragmas = []string{
	"PRAGMA journal_mode = WAL",   // Write-Ahead Logging for concurrent readers
	"PRAGMA synchronous = NORMAL", // Balance safety and performance
	"PRAGMA cache_size = -16000",  // 16MB cache
	"PRAGMA temp_store = MEMORY",
	"PRAGMA foreign_keys = ON",
}
