// Package config loads quotaward's runtime configuration through a small
// provider chain (defaults, then environment overrides), in the teacher's
// Manager/Provider shape, backed by koanf.
package config

import "time"

// RedisConfig describes how to reach the Redis instance backing the
// acquisition and restriction stores.
type RedisConfig struct {
	URL             string        `koanf:"url"`
	Host            string        `koanf:"host"`
	Port            string        `koanf:"port"`
	Password        string        `koanf:"password"`
	DB              int           `koanf:"db"`
	PoolSize        int           `koanf:"pool_size"`
	MinIdleConns    int           `koanf:"min_idle_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	DialTimeout     time.Duration `koanf:"dial_timeout"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	PoolTimeout     time.Duration `koanf:"pool_timeout"`
	PingTimeout     time.Duration `koanf:"ping_timeout"`
	MaxRetries      int           `koanf:"max_retries"`
	MinRetryBackoff time.Duration `koanf:"min_retry_backoff"`
	MaxRetryBackoff time.Duration `koanf:"max_retry_backoff"`
	TLSEnabled      bool          `koanf:"tls_enabled"`
}

// ServerConfig controls the optional HTTP surface in quota/router.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// QuotaConfig holds defaults applied when a caller omits per-request values.
type QuotaConfig struct {
	// DefaultAcquisitionTTL is used as the retention for any tracked
	// resource whose matched restriction returns no ttl of its own.
	DefaultAcquisitionTTL time.Duration `koanf:"default_acquisition_ttl"`
	// DefaultZones is not read by quota.DecisionEngine, which substitutes
	// the single zone "default" when a request carries no zones.
	DefaultZones []string `koanf:"default_zones"`
}

// RuntimeConfig controls ambient process behavior.
type RuntimeConfig struct {
	LogLevel string `koanf:"log_level"`
	LogJSON  bool   `koanf:"log_json"`
}

// Config is the fully resolved configuration for a quotaward process.
type Config struct {
	Redis   RedisConfig   `koanf:"redis"`
	Server  ServerConfig  `koanf:"server"`
	Quota   QuotaConfig   `koanf:"quota"`
	Runtime RuntimeConfig `koanf:"runtime"`
}

// Default returns the built-in configuration baseline, overridden by any
// provider supplied to Manager.Load afterward.
func Default() *Config {
	return &Config{
		Redis: RedisConfig{
			Host:            "localhost",
			Port:            "6379",
			DB:              0,
			PoolSize:        10,
			MaxIdleConns:    10,
			DialTimeout:     5 * time.Second,
			ReadTimeout:     3 * time.Second,
			WriteTimeout:    3 * time.Second,
			PoolTimeout:     4 * time.Second,
			PingTimeout:     time.Second,
			MaxRetries:      3,
			MinRetryBackoff: 8 * time.Millisecond,
			MaxRetryBackoff: 512 * time.Millisecond,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8089,
		},
		Quota: QuotaConfig{
			DefaultAcquisitionTTL: 24 * time.Hour,
			DefaultZones:          []string{"default"},
		},
		Runtime: RuntimeConfig{
			LogLevel: "info",
			LogJSON:  false,
		},
	}
}
