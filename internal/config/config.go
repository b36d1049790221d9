// Package config loads the complete service configuration from file and
// environment, applies defaults, and validates the result before any
// subsystem is constructed.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/riskmesh/riskmesh/pkg/analyzer"
	"github.com/riskmesh/riskmesh/pkg/cache"
	"github.com/riskmesh/riskmesh/pkg/dedup"
	"github.com/riskmesh/riskmesh/pkg/metrics"
	"github.com/riskmesh/riskmesh/pkg/observability"
	"github.com/riskmesh/riskmesh/pkg/querier"
	"github.com/riskmesh/riskmesh/pkg/resilience"
	"github.com/riskmesh/riskmesh/pkg/retry"
)

// ServerConfig holds the HTTP surface configuration.
type ServerConfig struct {
	ListenAddress string        `mapstructure:"listen_address"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	BasePath      string        `mapstructure:"base_path"`

	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig controls per-client request throttling.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	Rate    float64 `mapstructure:"rate"`
	Burst   int     `mapstructure:"burst"`
}

// DatabaseConfig holds relational store connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// DSN builds the postgres connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.Username, c.Password, c.SSLMode)
}

// Config is the complete application configuration.
type Config struct {
	Server   ServerConfig                `mapstructure:"server"`
	Logging  observability.LoggingConfig `mapstructure:"logging"`
	Database DatabaseConfig              `mapstructure:"database"`
	Redis    cache.RedisConfig           `mapstructure:"redis"`
	Cache    cache.Config                `mapstructure:"cache"`
	Dedup    dedup.Config                `mapstructure:"dedup"`
	Breaker  resilience.Config           `mapstructure:"breaker"`
	Retry    retry.Policy                `mapstructure:"retry"`
	Querier  querier.Config              `mapstructure:"querier"`
	Metrics  metrics.Config              `mapstructure:"metrics"`
	Analyzer analyzer.Config             `mapstructure:"analyzer"`
}

// Load reads configuration from RISKMESH_CONFIG_FILE (default
// configs/config.yaml) and RISKMESH_-prefixed environment variables.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	configFile := os.Getenv("RISKMESH_CONFIG_FILE")
	if configFile == "" {
		configFile = "configs/config.yaml"
	}
	v.SetConfigFile(configFile)

	v.SetEnvPrefix("RISKMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A config file is optional when environment variables are set.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations no subsystem could run with.
func (c *Config) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address must not be empty")
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.Rate <= 0 {
		return fmt.Errorf("server.rate_limit.rate must be positive when rate limiting is enabled")
	}
	if c.Database.Host == "" || c.Database.Database == "" {
		return fmt.Errorf("database.host and database.database are required")
	}
	if c.Redis.Enabled && c.Redis.Address == "" {
		return fmt.Errorf("redis.address is required when the remote cache tier is enabled")
	}
	if c.Cache.BackgroundRefreshThreshold < 0 || c.Cache.BackgroundRefreshThreshold > 1 {
		return fmt.Errorf("cache.background_refresh_threshold must be within [0,1]")
	}
	if c.Breaker.FailureRateThreshold < 0 || c.Breaker.FailureRateThreshold > 1 {
		return fmt.Errorf("breaker.failure_rate_threshold must be within [0,1]")
	}
	if c.Breaker.SlowCallRateThreshold < 0 || c.Breaker.SlowCallRateThreshold > 1 {
		return fmt.Errorf("breaker.slow_call_rate_threshold must be within [0,1]")
	}
	if c.Breaker.PersistenceEnabled && c.Breaker.PersistencePath == "" {
		return fmt.Errorf("breaker.persistence_path is required when persistence is enabled")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.listen_address", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 90*time.Second)
	v.SetDefault("server.base_path", "/api/v1")
	v.SetDefault("server.rate_limit.enabled", true)
	v.SetDefault("server.rate_limit.rate", 100)
	v.SetDefault("server.rate_limit.burst", 150)

	// Logging defaults
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.ring_size", 2048)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "riskmesh")
	v.SetDefault("database.username", "riskmesh")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.migrations_path", "migrations")

	// Remote cache tier defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.key_prefix", "riskmesh:")

	// Cache defaults
	v.SetDefault("cache.default_ttl", 10*time.Minute)
	v.SetDefault("cache.max_size", 10000)
	v.SetDefault("cache.max_memory_usage", 256<<20)
	v.SetDefault("cache.background_refresh_threshold", 0.8)
	v.SetDefault("cache.compression_enabled", true)
	v.SetDefault("cache.compression_threshold", 1024)
	v.SetDefault("cache.cleanup_interval", time.Minute)

	// Deduplication defaults
	v.SetDefault("dedup.ttl", 5*time.Minute)
	v.SetDefault("dedup.sweep_interval", time.Minute)

	// Circuit breaker defaults
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.failure_rate_threshold", 0.5)
	v.SetDefault("breaker.slow_call_threshold", 2*time.Second)
	v.SetDefault("breaker.slow_call_rate_threshold", 0.8)
	v.SetDefault("breaker.minimum_samples", 10)
	v.SetDefault("breaker.recovery_timeout", 30*time.Second)
	v.SetDefault("breaker.half_open_max_calls", 3)
	v.SetDefault("breaker.success_threshold", 2)
	v.SetDefault("breaker.monitoring_window", time.Minute)
	v.SetDefault("breaker.request_timeout", 10*time.Second)
	v.SetDefault("breaker.metrics_retention_period", 10*time.Minute)
	v.SetDefault("breaker.persistence_enabled", false)
	v.SetDefault("breaker.persistence_path", "data/breaker.json")

	// Retry defaults
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", 100*time.Millisecond)
	v.SetDefault("retry.max_delay", 10*time.Second)
	v.SetDefault("retry.backoff_multiplier", 2.0)
	v.SetDefault("retry.jitter_enabled", true)
	v.SetDefault("retry.timeout", 30*time.Second)

	// Querier defaults
	v.SetDefault("querier.slow_query_threshold", 500*time.Millisecond)
	v.SetDefault("querier.metrics_retention", 10*time.Minute)
	v.SetDefault("querier.default_event_limit", 50)
	v.SetDefault("querier.batch_concurrency", 4)

	// Metrics defaults
	v.SetDefault("metrics.window", 5*time.Minute)
	v.SetDefault("metrics.sample_interval", 30*time.Second)
	v.SetDefault("metrics.max_samples", 120)

	// Analyzer defaults
	v.SetDefault("analyzer.window", 5*time.Minute)
	v.SetDefault("analyzer.top_errors", 10)
}
