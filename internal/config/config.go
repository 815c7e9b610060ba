// Package config provides configuration management for settingsd.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends
const (
	StoreBackendMemory = "memory"
	StoreBackendFile   = "file"
	StoreBackendRedis  = "redis"
)

// Config holds all configuration for settingsd.
type Config struct {
	Server         ServerConfig      `mapstructure:"server"`
	GRPC           GRPCConfig        `mapstructure:"grpc"`
	Store          StoreConfig       `mapstructure:"store"`
	Updater        UpdaterConfig     `mapstructure:"updater"`
	ContentBlocker UpstreamConfig    `mapstructure:"content_blocker"`
	VPN            UpstreamConfig    `mapstructure:"vpn"`
	RateLimiter    RateLimiterConfig `mapstructure:"rate_limiter"`
	Metrics        MetricsConfig     `mapstructure:"metrics"`
	Logging        LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	NodeID          string        `mapstructure:"node_id"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// WaitTimeout bounds requests made with wait=true
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
}

// GRPCConfig holds configuration of the gRPC health endpoint.
type GRPCConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// StoreConfig selects and configures the flag store.
type StoreConfig struct {
	Backend string      `mapstructure:"backend"`
	File    FileConfig  `mapstructure:"file"`
	Redis   RedisConfig `mapstructure:"redis"`
	// Initial values for the memory backend
	Initial map[string]bool `mapstructure:"initial"`
}

// FileConfig configures the file backend.
type FileConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// UpdaterConfig configures the optimistic flag updater.
type UpdaterConfig struct {
	PendingPolicy   string        `mapstructure:"pending_policy"`
	Workers         int           `mapstructure:"workers"`
	QueueSize       int           `mapstructure:"queue_size"`
	MainQueueSize   int           `mapstructure:"main_queue_size"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// UpstreamConfig holds HTTP client configuration for a downstream service.
type UpstreamConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryWaitMin time.Duration `mapstructure:"retry_wait_min"`
	RetryWaitMax time.Duration `mapstructure:"retry_wait_max"`
}

// RateLimiterConfig holds rate limiter configuration.
type RateLimiterConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/settingsd/")
	}

	v.SetEnvPrefix("SETTINGSD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// A missing config file falls back to defaults and env
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.node_id", "settingsd-1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.wait_timeout", "20s")

	v.SetDefault("grpc.enabled", true)
	v.SetDefault("grpc.port", 9091)

	// Store defaults
	v.SetDefault("store.backend", StoreBackendFile)
	v.SetDefault("store.file.path", "/var/lib/settingsd/flags.yaml")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.key_prefix", "settingsd:flag:")

	// Updater defaults
	v.SetDefault("updater.pending_policy", "queue")
	v.SetDefault("updater.workers", 8)
	v.SetDefault("updater.queue_size", 256)
	v.SetDefault("updater.main_queue_size", 1024)
	v.SetDefault("updater.shutdown_timeout", "30s")

	// Upstream defaults
	v.SetDefault("content_blocker.base_url", "http://localhost:8181")
	v.SetDefault("content_blocker.timeout", "60s")
	v.SetDefault("content_blocker.max_retries", 2)
	v.SetDefault("content_blocker.retry_wait_min", "200ms")
	v.SetDefault("content_blocker.retry_wait_max", "2s")
	v.SetDefault("vpn.base_url", "http://localhost:8282")
	v.SetDefault("vpn.timeout", "10s")
	v.SetDefault("vpn.max_retries", 3)
	v.SetDefault("vpn.retry_wait_min", "100ms")
	v.SetDefault("vpn.retry_wait_max", "1s")

	// Rate limiter defaults
	v.SetDefault("rate_limiter.enabled", true)
	v.SetDefault("rate_limiter.requests_per_second", 100.0)
	v.SetDefault("rate_limiter.burst_size", 20)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.WaitTimeout <= 0 || (c.Server.WriteTimeout > 0 && c.Server.WaitTimeout >= c.Server.WriteTimeout) {
		return fmt.Errorf("server wait timeout must be positive and shorter than the write timeout")
	}

	if c.GRPC.Enabled {
		if c.GRPC.Port <= 0 || c.GRPC.Port > 65535 {
			return fmt.Errorf("invalid grpc port: %d", c.GRPC.Port)
		}
		if c.GRPC.Port == c.Server.Port {
			return fmt.Errorf("grpc port %d collides with server port", c.GRPC.Port)
		}
	}

	switch c.Store.Backend {
	case StoreBackendMemory:
	case StoreBackendFile:
		if c.Store.File.Path == "" {
			return fmt.Errorf("store.file.path is required for the file backend")
		}
	case StoreBackendRedis:
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown store backend: %q", c.Store.Backend)
	}

	switch c.Updater.PendingPolicy {
	case "queue", "reject":
	default:
		return fmt.Errorf("invalid updater pending policy: %q", c.Updater.PendingPolicy)
	}
	if c.Updater.Workers <= 0 {
		return fmt.Errorf("updater workers must be positive")
	}
	if c.Updater.QueueSize <= 0 || c.Updater.MainQueueSize <= 0 {
		return fmt.Errorf("updater queue sizes must be positive")
	}

	for name, up := range map[string]UpstreamConfig{"content_blocker": c.ContentBlocker, "vpn": c.VPN} {
		if up.BaseURL == "" {
			return fmt.Errorf("%s.base_url is required", name)
		}
		if up.Timeout <= 0 {
			return fmt.Errorf("%s timeout must be positive", name)
		}
		if up.MaxRetries < 0 {
			return fmt.Errorf("%s max retries must not be negative", name)
		}
	}

	if c.RateLimiter.Enabled {
		if c.RateLimiter.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate limiter requests per second must be positive")
		}
		if c.RateLimiter.BurstSize <= 0 {
			return fmt.Errorf("rate limiter burst size must be positive")
		}
	}

	return nil
}
