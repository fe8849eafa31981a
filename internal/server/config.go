package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the store server configuration.
type Config struct {
	ListenAddr      string        `yaml:"listen_addr"`
	DBPath          string        `yaml:"db_path"`
	APIToken        string        `yaml:"api_token"`
	LogFormat       string        `yaml:"log_format"` // "json" (default) or "text"
	LogLevel        string        `yaml:"log_level"`  // "debug", "info" (default), "warn", "error"
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// MaxPollWait caps how long a change poll is held open.
	MaxPollWait time.Duration `yaml:"max_poll_wait"`

	// ChangeRetention bounds the replayable change feed history.
	ChangeRetention time.Duration `yaml:"change_retention"`

	// EventRetention bounds the security event log.
	EventRetention time.Duration `yaml:"event_retention"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":8080",
		DBPath:          "./data/crmsync.db",
		LogFormat:       "json",
		LogLevel:        "info",
		ShutdownTimeout: 30 * time.Second,
		MaxPollWait:     30 * time.Second,
		ChangeRetention: 7 * 24 * time.Hour,
		EventRetention:  90 * 24 * time.Hour,
	}
}

// LoadConfig reads configuration from a YAML file, falling back to defaults
// for any field the file omits. An empty path returns the defaults;
// environment variables override both.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv("CRMSYNC_STORE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CRMSYNC_STORE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CRMSYNC_STORE_API_TOKEN"); v != "" {
		cfg.APIToken = v
	}
	if v := os.Getenv("CRMSYNC_STORE_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("CRMSYNC_STORE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CRMSYNC_STORE_MAX_POLL_WAIT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.MaxPollWait = d
		}
	}
	return cfg, nil
}
