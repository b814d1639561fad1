package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the process-wide configuration. Values come from an optional
// YAML file, overridden by environment variables.
type Config struct {
	// IPC server
	Host        string
	Port        int
	IPCPassword string

	// Storage
	DatabasePath  string
	EncryptionKey string

	// Matching directory
	StatisticsServer string

	// Platform
	PlatformKeyFile string
	WebProxy        string

	// Throttling
	LoadBalancingDelay    time.Duration
	InventoryLimiterDelay time.Duration
	WebLimiterDelay       time.Duration
	ConnectionTimeout     time.Duration
	MaxConnections        int

	// Trading limits, sourced from the platform's current caps.
	MaxItemsPerTrade    int
	MaxTradesPerAccount int

	// Logging
	LogLevel string
}

// fileConfig mirrors the YAML layout. Delay fields are plain numbers in the
// units the options are documented in (seconds, except the web limiter which
// is milliseconds).
type fileConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	IPCPassword string `yaml:"ipc_password"`

	DatabasePath  string `yaml:"database_path"`
	EncryptionKey string `yaml:"encryption_key"`

	StatisticsServer string `yaml:"statistics_server"`

	PlatformKeyFile string `yaml:"platform_key_file"`
	WebProxy        string `yaml:"web_proxy"`

	LoadBalancingDelay    *int `yaml:"load_balancing_delay"`    // seconds
	InventoryLimiterDelay *int `yaml:"inventory_limiter_delay"` // seconds
	WebLimiterDelay       *int `yaml:"web_limiter_delay"`       // milliseconds
	ConnectionTimeout     *int `yaml:"connection_timeout"`      // seconds
	MaxConnections        *int `yaml:"max_connections"`

	MaxItemsPerTrade    *int `yaml:"max_items_per_trade"`
	MaxTradesPerAccount *int `yaml:"max_trades_per_account"`

	LogLevel string `yaml:"log_level"`
}

// Load reads the YAML file at path (if non-empty and present) and applies
// environment overrides on top of it.
func Load(path string) (*Config, error) {
	fc := fileConfig{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg := &Config{
		Host:        envOr("HOST", strOr(fc.Host, "127.0.0.1")),
		Port:        envInt("PORT", intOr(fc.Port, 1242)),
		IPCPassword: envOr("IPC_PASSWORD", fc.IPCPassword),

		DatabasePath:  envOr("DATABASE_PATH", strOr(fc.DatabasePath, "tradematch.db")),
		EncryptionKey: envOr("ENCRYPTION_KEY", fc.EncryptionKey),

		StatisticsServer: envOr("STATISTICS_SERVER", strOr(fc.StatisticsServer, "matcher.tradematch.dev")),

		PlatformKeyFile: envOr("PLATFORM_KEY_FILE", fc.PlatformKeyFile),
		WebProxy:        envOr("WEB_PROXY", fc.WebProxy),

		LoadBalancingDelay:    envSeconds("LOAD_BALANCING_DELAY", seconds(fc.LoadBalancingDelay, 10*time.Second)),
		InventoryLimiterDelay: envSeconds("INVENTORY_LIMITER_DELAY", seconds(fc.InventoryLimiterDelay, 4*time.Second)),
		WebLimiterDelay:       envMillis("WEB_LIMITER_DELAY", millis(fc.WebLimiterDelay, 300*time.Millisecond)),
		ConnectionTimeout:     envSeconds("CONNECTION_TIMEOUT", seconds(fc.ConnectionTimeout, 90*time.Second)),
		MaxConnections:        envInt("MAX_CONNECTIONS", intPtrOr(fc.MaxConnections, 5)),

		MaxItemsPerTrade:    envInt("MAX_ITEMS_PER_TRADE", intPtrOr(fc.MaxItemsPerTrade, 255)),
		MaxTradesPerAccount: envInt("MAX_TRADES_PER_ACCOUNT", intPtrOr(fc.MaxTradesPerAccount, 5)),

		LogLevel: envOr("LOG_LEVEL", strOr(fc.LogLevel, "info")),
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.EncryptionKey == "" {
		return errMissing("ENCRYPTION_KEY")
	}
	if c.ConnectionTimeout <= 0 {
		return &configError{field: "CONNECTION_TIMEOUT", reason: "must be positive"}
	}
	if c.MaxItemsPerTrade < 2 {
		return &configError{field: "MAX_ITEMS_PER_TRADE", reason: "must allow at least one swap"}
	}
	if c.MaxTradesPerAccount < 1 {
		return &configError{field: "MAX_TRADES_PER_ACCOUNT", reason: "must allow at least one offer"}
	}
	return nil
}

// SessionValidityWindow is how long a session probe outcome stays trusted.
func (c *Config) SessionValidityWindow() time.Duration {
	return c.ConnectionTimeout / 6
}

type configError struct {
	field  string
	reason string
}

func (e *configError) Error() string {
	if e.reason != "" {
		return "config " + e.field + ": " + e.reason
	}
	return "missing required config: " + e.field
}

func errMissing(f string) error { return &configError{field: f} }

func strOr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func intOr(v, fallback int) int {
	if v != 0 {
		return v
	}
	return fallback
}

func intPtrOr(v *int, fallback int) int {
	if v != nil {
		return *v
	}
	return fallback
}

func seconds(v *int, fallback time.Duration) time.Duration {
	if v != nil {
		return time.Duration(*v) * time.Second
	}
	return fallback
}

func millis(v *int, fallback time.Duration) time.Duration {
	if v != nil {
		return time.Duration(*v) * time.Millisecond
	}
	return fallback
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envSeconds(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}

func envMillis(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}
