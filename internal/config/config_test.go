package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Addr:                  ":3010",
		RedisAddr:             "localhost:6379",
		StoreTimeout:          250 * time.Millisecond,
		MaxConnections:        100,
		MaxConnectionsPerUser: 10,
		MaxConnectionsPerRoom: 10,
		MemoryWarnBytes:       1 << 28,
		MemoryCleanupBytes:    1 << 29,
		LogLevel:              "info",
		LogFormat:             "json",
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"empty addr":               func(c *Config) { c.Addr = "" },
		"empty redis addr":         func(c *Config) { c.RedisAddr = "" },
		"zero max connections":     func(c *Config) { c.MaxConnections = 0 },
		"zero per-user quota":      func(c *Config) { c.MaxConnectionsPerUser = 0 },
		"zero per-room quota":      func(c *Config) { c.MaxConnectionsPerRoom = 0 },
		"zero store timeout":       func(c *Config) { c.StoreTimeout = 0 },
		"bad log level":            func(c *Config) { c.LogLevel = "verbose" },
		"bad log format":           func(c *Config) { c.LogFormat = "xml" },
		"cleanup below warn bytes": func(c *Config) { c.MemoryCleanupBytes = c.MemoryWarnBytes - 1 },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
