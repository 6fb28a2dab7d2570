// Package config loads the daemon's JSON configuration document,
// applies environment variable overrides, and hot-reloads the subset
// of fields that are safe to change without a restart. It uses a
// scoped viper.Viper instance per file rather than the package-global
// viper.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/viper"
)

// ServiceConfig controls the daemon's two listeners.
type ServiceConfig struct {
	Host       string `json:"host" mapstructure:"host"`
	TCPPort    int    `json:"tcp_port" mapstructure:"tcp_port"`
	NoTCP      bool   `json:"no_tcp" mapstructure:"no_tcp"`
	SocketPath string `json:"socket_path" mapstructure:"socket_path"`
	DBPath     string `json:"db_path" mapstructure:"db_path"`
}

// PortsConfig bounds the range services.Registry assigns from.
type PortsConfig struct {
	RangeStart int   `json:"range_start" mapstructure:"range_start"`
	RangeEnd   int   `json:"range_end" mapstructure:"range_end"`
	Reserved   []int `json:"reserved" mapstructure:"reserved"`
}

// CleanupConfig controls the reaper's cadence.
type CleanupConfig struct {
	IntervalMS int64 `json:"interval_ms" mapstructure:"interval_ms"`
}

// LoggingConfig controls slog verbosity.
type LoggingConfig struct {
	Silent bool   `json:"silent" mapstructure:"silent"`
	Level  string `json:"level" mapstructure:"level"`
	JSON   bool   `json:"json" mapstructure:"json"`
}

// RateLimitConfig bounds the HTTP surface's per-origin token bucket.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// SecurityConfig groups the HTTP surface's defensive settings.
type SecurityConfig struct {
	RateLimit RateLimitConfig `json:"rate_limit" mapstructure:"rate_limit"`
}

// Config is the single JSON document the daemon loads its settings from.
type Config struct {
	Service  ServiceConfig  `json:"service" mapstructure:"service"`
	Ports    PortsConfig    `json:"ports" mapstructure:"ports"`
	Cleanup  CleanupConfig  `json:"cleanup" mapstructure:"cleanup"`
	Logging  LoggingConfig  `json:"logging" mapstructure:"logging"`
	Security SecurityConfig `json:"security" mapstructure:"security"`
}

// Default returns the built-in defaults, used when no config file is
// present and as the base every loaded document is merged over.
func Default() Config {
	return Config{
		Service: ServiceConfig{
			Host:       "127.0.0.1",
			TCPPort:    9876,
			SocketPath: "/tmp/port-daddy.sock",
			DBPath:     "port-daddy.db",
		},
		Ports: PortsConfig{
			RangeStart: 3000,
			RangeEnd:   9000,
			Reserved:   []int{22, 80, 443, 3306, 5432, 6379, 9876},
		},
		Cleanup: CleanupConfig{IntervalMS: 5 * 60 * 1000},
		Logging: LoggingConfig{Level: "info", JSON: true},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{RequestsPerMinute: 100},
		},
	}
}

// Load reads path (a JSON document) over the defaults and applies
// PORT_DADDY_* environment overrides. A missing file is not an error:
// the defaults (plus env) are returned.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	setDefaults(v, cfg)
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyLegacyEnv(&cfg)
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("service", cfg.Service)
	v.SetDefault("ports", cfg.Ports)
	v.SetDefault("cleanup", cfg.Cleanup)
	v.SetDefault("logging", cfg.Logging)
	v.SetDefault("security", cfg.Security)
}

func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("service.tcp_port", "PORT_DADDY_PORT")
	_ = v.BindEnv("service.db_path", "PORT_DADDY_DB")
	_ = v.BindEnv("service.socket_path", "PORT_DADDY_SOCK")
	_ = v.BindEnv("service.no_tcp", "PORT_DADDY_NO_TCP")
	_ = v.BindEnv("logging.silent", "PORT_DADDY_SILENT")
}

// applyLegacyEnv handles the boolean/int environment variables viper's
// BindEnv leaves as raw strings when the key isn't already present in
// the config file (viper only type-converts through Unmarshal when it
// recognizes the default's type, which an unset file value skips).
func applyLegacyEnv(cfg *Config) {
	if raw := os.Getenv("PORT_DADDY_PORT"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			cfg.Service.TCPPort = n
		}
	}
	if raw := os.Getenv("PORT_DADDY_DB"); raw != "" {
		cfg.Service.DBPath = raw
	}
	if raw := os.Getenv("PORT_DADDY_SOCK"); raw != "" {
		cfg.Service.SocketPath = raw
	}
	if raw := os.Getenv("PORT_DADDY_NO_TCP"); raw != "" {
		if b, err := strconv.ParseBool(raw); err == nil {
			cfg.Service.NoTCP = b
		}
	}
	if raw := os.Getenv("PORT_DADDY_SILENT"); raw != "" {
		if b, err := strconv.ParseBool(raw); err == nil {
			cfg.Logging.Silent = b
		}
	}
}

// ReservedSet returns Ports.Reserved as a lookup set.
func (c Config) ReservedSet() map[int]bool {
	out := make(map[int]bool, len(c.Ports.Reserved))
	for _, p := range c.Ports.Reserved {
		out[p] = true
	}
	return out
}

// Save writes cfg to path as indented JSON, used by `portd init`.
func Save(path string, cfg Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// HotReloadable is the subset of fields the lifecycle layer applies
// live when the config file changes: rate limit, cleanup interval, and
// reserved ports can change without a restart.
type HotReloadable struct {
	RateLimitPerMinute int
	CleanupIntervalMS  int64
	Reserved           map[int]bool
}

// Hot extracts the live-reloadable subset of cfg.
func (c Config) Hot() HotReloadable {
	return HotReloadable{
		RateLimitPerMinute: c.Security.RateLimit.RequestsPerMinute,
		CleanupIntervalMS:  c.Cleanup.IntervalMS,
		Reserved:           c.ReservedSet(),
	}
}
