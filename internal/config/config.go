package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all governd configuration.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr        string `env:"GOVERN_ADDR" envDefault:":3010"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Backing store (cache entries + rate-limit counters)
	RedisAddr     string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string        `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	StoreTimeout  time.Duration `env:"STORE_TIMEOUT" envDefault:"250ms"`

	// Cache namespaces
	CacheDashboardTTL time.Duration `env:"CACHE_DASHBOARD_TTL" envDefault:"60s"`
	CacheLookupTTL    time.Duration `env:"CACHE_LOOKUP_TTL" envDefault:"1h"`
	CacheDefaultTTL   time.Duration `env:"CACHE_DEFAULT_TTL" envDefault:"5m"`

	// Connection quotas
	MaxConnections        int           `env:"CONN_MAX_TOTAL" envDefault:"10000"`
	MaxConnectionsPerUser int           `env:"CONN_MAX_PER_USER" envDefault:"20"`
	MaxConnectionsPerRoom int           `env:"CONN_MAX_PER_ROOM" envDefault:"100"`
	ConnIdleTimeout       time.Duration `env:"CONN_IDLE_TIMEOUT" envDefault:"10m"`
	ConnSendTimeout       time.Duration `env:"CONN_SEND_TIMEOUT" envDefault:"5s"`
	MaxBroadcastRate      int           `env:"CONN_MAX_BROADCAST_RATE" envDefault:"100"`

	// Resource registry
	ResourceMaxAge time.Duration `env:"RESOURCE_MAX_AGE" envDefault:"1h"`

	// Memory thresholds
	MemoryWarnBytes    int64 `env:"MEMORY_WARN_BYTES" envDefault:"402653184"`    // 384MB
	MemoryCleanupBytes int64 `env:"MEMORY_CLEANUP_BYTES" envDefault:"536870912"` // 512MB

	// Optimization scheduler intervals
	MemoryCheckInterval     time.Duration `env:"SCHED_MEMORY_INTERVAL" envDefault:"30s"`
	ConnCleanupInterval     time.Duration `env:"SCHED_CONN_CLEANUP_INTERVAL" envDefault:"60s"`
	ResourceCleanupInterval time.Duration `env:"SCHED_RESOURCE_CLEANUP_INTERVAL" envDefault:"5m"`

	// Event bridge (optional; empty disables)
	NATSURL string `env:"NATS_URL" envDefault:""`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; in production environment
	// variables are injected directly.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("GOVERN_ADDR is required")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required")
	}

	// Range checks
	if c.MaxConnections < 1 {
		return fmt.Errorf("CONN_MAX_TOTAL must be > 0, got %d", c.MaxConnections)
	}
	if c.MaxConnectionsPerUser < 1 {
		return fmt.Errorf("CONN_MAX_PER_USER must be > 0, got %d", c.MaxConnectionsPerUser)
	}
	if c.MaxConnectionsPerRoom < 1 {
		return fmt.Errorf("CONN_MAX_PER_ROOM must be > 0, got %d", c.MaxConnectionsPerRoom)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be > 0, got %s", c.StoreTimeout)
	}
	if c.MemoryWarnBytes <= 0 {
		return fmt.Errorf("MEMORY_WARN_BYTES must be > 0, got %d", c.MemoryWarnBytes)
	}

	// Logical checks
	if c.MemoryCleanupBytes < c.MemoryWarnBytes {
		return fmt.Errorf("MEMORY_CLEANUP_BYTES (%d) must be >= MEMORY_WARN_BYTES (%d)",
			c.MemoryCleanupBytes, c.MemoryWarnBytes)
	}

	// Enum checks
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs the effective configuration at startup.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("redis_addr", c.RedisAddr).
		Dur("store_timeout", c.StoreTimeout).
		Int("max_connections", c.MaxConnections).
		Int("max_connections_per_user", c.MaxConnectionsPerUser).
		Int("max_connections_per_room", c.MaxConnectionsPerRoom).
		Dur("conn_idle_timeout", c.ConnIdleTimeout).
		Int64("memory_warn_mb", c.MemoryWarnBytes/(1024*1024)).
		Int64("memory_cleanup_mb", c.MemoryCleanupBytes/(1024*1024)).
		Str("nats_url", c.NATSURL).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
