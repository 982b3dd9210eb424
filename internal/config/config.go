// Package config defines the top-level runtime configuration for the RTM
// broker and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by RTMBROKER_* environment
// variables.
type Config struct {
	Backend   BackendConfig   `toml:"backend"`
	Server    ServerConfig    `toml:"server"`
	Apps      AppsConfig      `toml:"apps"`
	Audit     AuditConfig     `toml:"audit"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	LogLevel  string          `toml:"log_level"`
}

// BackendConfig holds connection parameters for the Redis-compatible
// stream backend.
type BackendConfig struct {
	Addr             string   `toml:"addr"`
	Password         string   `toml:"password"`
	DB               int      `toml:"db"`
	PoolSize         int      `toml:"pool_size"`
	MaxRetries       int      `toml:"max_retries"`
	TLSEnabled       bool     `toml:"tls_enabled"`
	Cluster          bool     `toml:"cluster"`
	StreamMaxLen     int64    `toml:"stream_max_len"`
	ReconnectSleep   duration `toml:"reconnect_sleep"`
	ClusterSlotsTTL  duration `toml:"cluster_slots_ttl"`
}

// ServerConfig holds WebSocket listener parameters.
type ServerConfig struct {
	Host                    string   `toml:"host"`
	Port                    int      `toml:"port"`
	MaxSubscriptionsPerConn int      `toml:"max_subscriptions_per_conn"`
	IdleTimeout             duration `toml:"idle_timeout"`
	HandshakeTimeout        duration `toml:"handshake_timeout"`
}

// AppsConfig points to the read-only apps document.
type AppsConfig struct {
	Path string `toml:"path"`
}

// AuditConfig holds connection parameters for the operational audit log.
type AuditConfig struct {
	Enabled      bool   `toml:"enabled"`
	DSN          string `toml:"dsn"`
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	Database     string `toml:"database"`
	User         string `toml:"user"`
	Password     string `toml:"password"`
	SSLMode      string `toml:"ssl_mode"`
	PoolMaxConns int    `toml:"pool_max_conns"`
	PoolMinConns int    `toml:"pool_min_conns"`
}

// TelemetryConfig holds OTLP metrics exporter parameters.
type TelemetryConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Backend: BackendConfig{
			Addr:            "localhost:6379",
			DB:              0,
			PoolSize:        50,
			MaxRetries:      3,
			TLSEnabled:      false,
			Cluster:         false,
			StreamMaxLen:    10000,
			ReconnectSleep:  duration{1 * time.Second},
			ClusterSlotsTTL: duration{5 * time.Second},
		},
		Server: ServerConfig{
			Host:                    "0.0.0.0",
			Port:                    8765,
			MaxSubscriptionsPerConn: 64,
			IdleTimeout:             duration{5 * time.Minute},
			HandshakeTimeout:        duration{10 * time.Second},
		},
		Apps: AppsConfig{
			Path: "apps.json",
		},
		Audit: AuditConfig{
			Enabled:      false,
			Host:         "localhost",
			Port:         5432,
			Database:     "rtmbroker",
			User:         "rtmbroker",
			SSLMode:      "disable",
			PoolMaxConns: 5,
			PoolMinConns: 1,
		},
		Telemetry: TelemetryConfig{
			Enabled: false,
		},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and
// returns a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Backend.Addr == "" {
		errs = append(errs, "backend: addr must not be empty")
	}
	if c.Backend.PoolSize < 1 {
		errs = append(errs, "backend: pool_size must be >= 1")
	}
	if c.Backend.StreamMaxLen < 0 {
		errs = append(errs, "backend: stream_max_len must be >= 0")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.MaxSubscriptionsPerConn < 1 {
		errs = append(errs, "server: max_subscriptions_per_conn must be >= 1")
	}

	if c.Apps.Path == "" {
		errs = append(errs, "apps: path must not be empty")
	}

	if c.Audit.Enabled && strings.TrimSpace(c.Audit.DSN) == "" {
		if c.Audit.Host == "" {
			errs = append(errs, "audit: host must not be empty (or set audit.dsn)")
		}
		if c.Audit.Database == "" {
			errs = append(errs, "audit: database must not be empty")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
