// Package config loads the gateway's configuration from an optional TOML
// file plus environment variable overrides, and exposes it as a process
// singleton.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Logging  LoggingConfig  `toml:"logging"`
	Accounts AccountsConfig `toml:"accounts"`
	Cache    CacheConfig    `toml:"cache"`
	Cloud    CloudCodeConfig `toml:"cloudcode"`
	Stats    StatsConfig    `toml:"stats"`
}

type ServerConfig struct {
	Host              string `toml:"host"`
	Port              int    `toml:"port"`
	APIKey            string `toml:"api_key"`
	RequestTimeoutSecs int   `toml:"request_timeout_secs"`
	CORSOrigins       []string `toml:"cors_origins"`
}

type LoggingConfig struct {
	Debug       bool `toml:"debug"`
	LogRequests bool `toml:"log_requests"`
}

type AccountsConfig struct {
	Strategy                string  `toml:"strategy"`
	QuotaThreshold          float64 `toml:"quota_threshold"`
	Fallback                bool    `toml:"fallback"`
	MaxConcurrentPerAccount int     `toml:"max_concurrent_per_account"`
	MinRequestIntervalMs    int     `toml:"min_request_interval_ms"`
	EncryptionKeyBase64     string  `toml:"encryption_key_base64"`
	StatePath               string  `toml:"state_path"`
}

type CacheConfig struct {
	Enabled       bool `toml:"enabled"`
	MaxEntries    int  `toml:"max_entries"`
	DefaultTTLSecs int `toml:"default_ttl_secs"`
}

type CloudCodeConfig struct {
	Endpoints      []string `toml:"endpoints"`
	ProjectID      string   `toml:"project_id"`
	TimeoutSecs    int      `toml:"timeout_secs"`
	ConnectTimeoutSecs int  `toml:"connect_timeout_secs"`
	MaxRetries     int      `toml:"max_retries"`
}

type StatsConfig struct {
	MySQLDSN string `toml:"mysql_dsn"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               8080,
			RequestTimeoutSecs: 300,
		},
		Accounts: AccountsConfig{
			Strategy:                "hybrid",
			QuotaThreshold:          0.1,
			Fallback:                false,
			MaxConcurrentPerAccount: 4,
			MinRequestIntervalMs:    150,
			StatePath:               "accounts.json",
		},
		Cache: CacheConfig{
			Enabled:        true,
			MaxEntries:     512,
			DefaultTTLSecs: 300,
		},
		Cloud: CloudCodeConfig{
			Endpoints: []string{
				"https://daily-cloudcode-pa.googleapis.com",
				"https://cloudcode-pa.googleapis.com",
			},
			TimeoutSecs:        120,
			ConnectTimeoutSecs: 120,
			MaxRetries:         3,
		},
	}
}

// Load reads path (if non-empty and present) as TOML over top of the
// defaults, then applies environment variable overrides, matching the
// layering jiaobendaye-go-claude-code-proxy's env-driven config uses.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(c *Config) {
	if v := os.Getenv("GATEWAY_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := getEnvInt("GATEWAY_PORT"); v != nil {
		c.Server.Port = *v
	}
	if v := os.Getenv("GATEWAY_API_KEY"); v != "" {
		c.Server.APIKey = v
	}
	if v := os.Getenv("GATEWAY_ACCOUNTS_STRATEGY"); v != "" {
		c.Accounts.Strategy = v
	}
	if v := getEnvFloat("GATEWAY_QUOTA_THRESHOLD"); v != nil {
		c.Accounts.QuotaThreshold = *v
	}
	if v := os.Getenv("GATEWAY_ACCOUNTS_FALLBACK"); v != "" {
		c.Accounts.Fallback = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("GATEWAY_ENCRYPTION_KEY"); v != "" {
		c.Accounts.EncryptionKeyBase64 = v
	}
	if v := os.Getenv("GATEWAY_ACCOUNTS_STATE_PATH"); v != "" {
		c.Accounts.StatePath = v
	}
	if v := os.Getenv("GATEWAY_STATS_MYSQL_DSN"); v != "" {
		c.Stats.MySQLDSN = v
	}
	if v := os.Getenv("GATEWAY_DEBUG"); v != "" {
		c.Logging.Debug = strings.EqualFold(v, "true") || v == "1"
	}
}

func getEnvInt(key string) *int {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &n
}

func getEnvFloat(key string) *float64 {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return &f
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide config, loading it from the path named by
// GATEWAY_CONFIG (or "gateway.toml" if unset) on first call.
func Get() *Config {
	once.Do(func() {
		path := os.Getenv("GATEWAY_CONFIG")
		if path == "" {
			path = "gateway.toml"
		}
		cfg, err := Load(path)
		if err != nil {
			cfg = func() *Config { d := defaults(); return &d }()
		}
		instance = cfg
	})
	return instance
}
