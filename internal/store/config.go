package store

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config configures how the durable queue store opens its SQLite database.
// Mirrors the shape of tarsy's pkg/database.Config, trimmed to what a
// single-file embedded database needs.
type Config struct {
	Path            string
	BusyTimeout     time.Duration
	MaxOpenConns    int
	MigrationsTable string
}

// DefaultConfig returns the store's built-in defaults.
func DefaultConfig() Config {
	return Config{
		Path:            "loom.db",
		BusyTimeout:     5 * time.Second,
		MaxOpenConns:    1,
		MigrationsTable: "schema_migrations",
	}
}

// Validate checks the config for obviously invalid values.
func (c Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("store: path must not be empty")
	}
	if c.MaxOpenConns < 1 {
		return fmt.Errorf("store: max_open_conns must be at least 1 (sqlite serializes writers)")
	}
	return nil
}

// LoadConfigFromEnv layers environment overrides onto DefaultConfig, the
// same getEnvOrDefault idiom tarsy's pkg/database/config.go uses.
func LoadConfigFromEnv() Config {
	cfg := DefaultConfig()
	if v := os.Getenv("LOOM_DB_PATH"); v != "" {
		cfg.Path = v
	}
	if v := os.Getenv("LOOM_DB_BUSY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.BusyTimeout = d
		}
	}
	if v := os.Getenv("LOOM_DB_MAX_OPEN_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxOpenConns = n
		}
	}
	return cfg
}
