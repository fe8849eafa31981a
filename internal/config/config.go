package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Params holds the tunable timing and retry constants of the sync engine.
// The defaults match production behavior; tests construct their own.
type Params struct {
	CacheTTL         time.Duration `json:"cache_ttl"`
	SkewThreshold    time.Duration `json:"skew_threshold"`
	BreakerCooldown  time.Duration `json:"breaker_cooldown"`
	MaxRetries       int           `json:"max_retries"`
	PeriodicInterval time.Duration `json:"periodic_interval"`
	AutoResolve      bool          `json:"auto_resolve"`
	// BuiltinCredentials is the hardcoded last-resort credential layer.
	BuiltinCredentials map[string]string `json:"builtin_credentials,omitempty"`
}

// DefaultParams returns the production defaults.
func DefaultParams() Params {
	return Params{
		CacheTTL:         5 * time.Minute,
		SkewThreshold:    5 * time.Second,
		BreakerCooldown:  30 * time.Second,
		MaxRetries:       3,
		PeriodicInterval: 60 * time.Second,
		AutoResolve:      true,
	}
}

// Config is the client config stored at ~/.config/crmsync/config.json.
type Config struct {
	StoreURL    string `json:"store_url"`
	TenantID    string `json:"tenant_id"`
	Sync        Sync   `json:"sync"`
	LocalDBPath string `json:"local_db_path,omitempty"`
}

// Sync holds sync-related settings.
type Sync struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval,omitempty"` // duration string, default "60s"
}

// AuthCredentials stores login state at ~/.config/crmsync/auth.json.
type AuthCredentials struct {
	APIKey      string `json:"api_key"`
	UserID      string `json:"user_id"`
	TenantID    string `json:"tenant_id"`
	StoreURL    string `json:"store_url"`
	MFAVerified bool   `json:"mfa_verified"`
}

const defaultStoreURL = "http://localhost:8080"

// ConfigDir returns ~/.config/crmsync, creating it if necessary.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".config", "crmsync")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// LoadConfig reads the client config. A missing file yields zero-value config.
func LoadConfig() (*Config, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveConfig writes the client config.
func SaveConfig(cfg *Config) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0644)
}

// LoadAuth reads auth credentials. Returns nil when not logged in.
func LoadAuth() (*AuthCredentials, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "auth.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var creds AuthCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

// SaveAuth writes auth credentials (0600 perms).
func SaveAuth(creds *AuthCredentials) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "auth.json"), data, 0600)
}

// ClearAuth removes auth.json. Missing file is not an error.
func ClearAuth() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(dir, "auth.json"))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// StoreURL returns the remote store URL.
// Priority: CRMSYNC_STORE_URL env > config.json > default.
func StoreURL() string {
	if v := os.Getenv("CRMSYNC_STORE_URL"); v != "" {
		return v
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.StoreURL != "" {
		return cfg.StoreURL
	}
	return defaultStoreURL
}

// LocalDBPath returns the path of the durable local store.
// Priority: CRMSYNC_LOCAL_DB env > config.json > ~/.config/crmsync/local.db.
func LocalDBPath() (string, error) {
	if v := os.Getenv("CRMSYNC_LOCAL_DB"); v != "" {
		return v, nil
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.LocalDBPath != "" {
		return cfg.LocalDBPath, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "local.db"), nil
}

// LoadParams returns engine params with env overrides applied on top of defaults.
func LoadParams() Params {
	p := DefaultParams()
	if d, ok := durationEnv("CRMSYNC_CACHE_TTL"); ok {
		p.CacheTTL = d
	}
	if d, ok := durationEnv("CRMSYNC_SKEW_THRESHOLD"); ok {
		p.SkewThreshold = d
	}
	if d, ok := durationEnv("CRMSYNC_BREAKER_COOLDOWN"); ok {
		p.BreakerCooldown = d
	}
	if d, ok := durationEnv("CRMSYNC_SYNC_INTERVAL"); ok {
		p.PeriodicInterval = d
	}
	if v := os.Getenv("CRMSYNC_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			p.MaxRetries = n
		}
	}
	if cfg, err := LoadConfig(); err == nil && cfg.Sync.Interval != "" {
		if d, err := time.ParseDuration(cfg.Sync.Interval); err == nil {
			p.PeriodicInterval = d
		}
	}
	return p
}

func durationEnv(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}
