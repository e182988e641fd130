// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example HEARTBEAT_INTERVAL becomes
// heartbeat_interval in YAML.
//
// The gateway has no mandatory external dependencies. Redis is optional —
// it is only required when LOG_SINK_MODE=redis or when RPM_LIMIT > 0.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Pool controls client-session liveness and request dispatch timing.
	Pool PoolConfig

	// Redis holds the connection URL for the optional Redis-backed log sink
	// and rate limiter.
	Redis RedisConfig

	// LogSink controls where client_log frames are persisted.
	LogSink LogSinkConfig

	// RateLimit controls request-rate limiting.
	RateLimit RateLimitConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// PoolConfig holds timing parameters for the client-session pool.
type PoolConfig struct {
	// HeartbeatInterval is how often the server pings attached clients.
	// Default: 25s.
	HeartbeatInterval time.Duration

	// ConnectionTimeout is how long a client may stay silent before its
	// session is considered dead. Must exceed HeartbeatInterval. Default: 30s.
	ConnectionTimeout time.Duration

	// RequestTimeout is the maximum time a dispatched completion request may
	// wait for the client's reply. Default: 120s.
	RequestTimeout time.Duration
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// LogSinkConfig controls the client_log sink.
type LogSinkConfig struct {
	// Mode selects the sink backend:
	//   "memory" — In-process ring buffer. No external deps; lost on restart.
	//   "redis"  — Capped Redis list (requires REDIS_URL). Shared across replicas.
	//   "none"   — Client logs are dropped after being written to the server log.
	// Default: "memory".
	Mode string

	// Capacity is the maximum number of retained entries. Default: 1000.
	Capacity int
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed globally.
	// 0 disables rate limiting. Requires REDIS_URL when > 0. Default: 0.
	RPMLimit int
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Pool timing defaults.
	v.SetDefault("HEARTBEAT_INTERVAL", "25s")
	v.SetDefault("CONNECTION_TIMEOUT", "30s")
	v.SetDefault("REQUEST_TIMEOUT", "120s")

	// Log sink defaults.
	v.SetDefault("LOG_SINK_MODE", "memory")
	v.SetDefault("LOG_SINK_CAPACITY", 1000)

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Pool: PoolConfig{
			HeartbeatInterval: v.GetDuration("HEARTBEAT_INTERVAL"),
			ConnectionTimeout: v.GetDuration("CONNECTION_TIMEOUT"),
			RequestTimeout:    v.GetDuration("REQUEST_TIMEOUT"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		LogSink: LogSinkConfig{
			Mode:     strings.ToLower(v.GetString("LOG_SINK_MODE")),
			Capacity: v.GetInt("LOG_SINK_CAPACITY"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT must be in 1..65535, got %d", c.Port)
	}

	// Validate log level.
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	// Pool timing sanity checks.
	if c.Pool.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: HEARTBEAT_INTERVAL must be a positive duration")
	}
	if c.Pool.ConnectionTimeout <= c.Pool.HeartbeatInterval {
		return fmt.Errorf(
			"config: CONNECTION_TIMEOUT (%s) must exceed HEARTBEAT_INTERVAL (%s), "+
				"otherwise every client is evicted between heartbeats",
			c.Pool.ConnectionTimeout, c.Pool.HeartbeatInterval,
		)
	}
	if c.Pool.RequestTimeout <= 0 {
		return fmt.Errorf("config: REQUEST_TIMEOUT must be a positive duration")
	}

	// Validate log sink mode.
	switch c.LogSink.Mode {
	case "memory", "redis", "none":
	default:
		return fmt.Errorf(
			"config: invalid LOG_SINK_MODE %q; must be one of: memory, redis, none",
			c.LogSink.Mode,
		)
	}
	if c.LogSink.Capacity < 1 {
		return fmt.Errorf("config: LOG_SINK_CAPACITY must be ≥ 1, got %d", c.LogSink.Capacity)
	}

	// Redis URL is required by the Redis-backed components.
	if c.LogSink.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when LOG_SINK_MODE=redis; " +
				"set LOG_SINK_MODE=memory to use the built-in in-process sink",
		)
	}
	if c.RateLimit.RPMLimit < 0 {
		return fmt.Errorf("config: RPM_LIMIT must be ≥ 0, got %d", c.RateLimit.RPMLimit)
	}
	if c.RateLimit.RPMLimit > 0 && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when RPM_LIMIT > 0; " +
				"set RPM_LIMIT=0 to disable rate limiting",
		)
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
