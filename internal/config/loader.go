package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies RTMBROKER_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known RTMBROKER_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e.
// not empty). This lets operators inject secrets at deploy time without
// touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Backend ──
	setStr(&cfg.Backend.Addr, "RTMBROKER_BACKEND_ADDR")
	setStr(&cfg.Backend.Password, "RTMBROKER_BACKEND_PASSWORD")
	setInt(&cfg.Backend.DB, "RTMBROKER_BACKEND_DB")
	setInt(&cfg.Backend.PoolSize, "RTMBROKER_BACKEND_POOL_SIZE")
	setInt(&cfg.Backend.MaxRetries, "RTMBROKER_BACKEND_MAX_RETRIES")
	setBool(&cfg.Backend.TLSEnabled, "RTMBROKER_BACKEND_TLS_ENABLED")
	setBool(&cfg.Backend.Cluster, "RTMBROKER_BACKEND_CLUSTER")
	setInt64(&cfg.Backend.StreamMaxLen, "RTMBROKER_BACKEND_STREAM_MAX_LEN")
	setDuration(&cfg.Backend.ReconnectSleep, "RTMBROKER_BACKEND_RECONNECT_SLEEP")
	setDuration(&cfg.Backend.ClusterSlotsTTL, "RTMBROKER_BACKEND_CLUSTER_SLOTS_TTL")

	// ── Server ──
	setStr(&cfg.Server.Host, "RTMBROKER_SERVER_HOST")
	setInt(&cfg.Server.Port, "RTMBROKER_SERVER_PORT")
	setInt(&cfg.Server.MaxSubscriptionsPerConn, "RTMBROKER_SERVER_MAX_SUBSCRIPTIONS_PER_CONN")
	setDuration(&cfg.Server.IdleTimeout, "RTMBROKER_SERVER_IDLE_TIMEOUT")
	setDuration(&cfg.Server.HandshakeTimeout, "RTMBROKER_SERVER_HANDSHAKE_TIMEOUT")

	// ── Apps ──
	setStr(&cfg.Apps.Path, "RTMBROKER_APPS_PATH")

	// ── Audit ──
	setBool(&cfg.Audit.Enabled, "RTMBROKER_AUDIT_ENABLED")
	setStr(&cfg.Audit.DSN, "RTMBROKER_AUDIT_DSN")
	setStr(&cfg.Audit.Host, "RTMBROKER_AUDIT_HOST")
	setInt(&cfg.Audit.Port, "RTMBROKER_AUDIT_PORT")
	setStr(&cfg.Audit.Database, "RTMBROKER_AUDIT_DATABASE")
	setStr(&cfg.Audit.User, "RTMBROKER_AUDIT_USER")
	setStr(&cfg.Audit.Password, "RTMBROKER_AUDIT_PASSWORD")
	setStr(&cfg.Audit.SSLMode, "RTMBROKER_AUDIT_SSL_MODE")
	setInt(&cfg.Audit.PoolMaxConns, "RTMBROKER_AUDIT_POOL_MAX_CONNS")
	setInt(&cfg.Audit.PoolMinConns, "RTMBROKER_AUDIT_POOL_MIN_CONNS")

	// ── Telemetry ──
	setBool(&cfg.Telemetry.Enabled, "RTMBROKER_TELEMETRY_ENABLED")
	setStr(&cfg.Telemetry.Endpoint, "RTMBROKER_TELEMETRY_ENDPOINT")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "RTMBROKER_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
