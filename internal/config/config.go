// Package config loads the prodpipe configuration: a YAML file with PP_*
// environment overrides, unmarshalled into typed structs with sane defaults
// so the server boots with no file at all.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/prodpipe/prodpipe/internal/cache"
)

// RateLimitConfig enables token-bucket limiting per client IP.
type RateLimitConfig struct {
	Enabled bool `mapstructure:"enabled"`
	RPS     int  `mapstructure:"rps"`
	Burst   int  `mapstructure:"burst"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host                 string          `mapstructure:"host"`
	Port                 int             `mapstructure:"port"`
	LogLevel             string          `mapstructure:"log_level"`
	MaxRequestSizeMB     int             `mapstructure:"max_request_size_mb"`
	ShutdownGraceSeconds int             `mapstructure:"shutdown_grace_seconds"`
	AuthToken            string          `mapstructure:"auth_token"`
	RateLimit            RateLimitConfig `mapstructure:"rate_limit"`
	CORSOrigins          []string        `mapstructure:"cors_origins"`
}

// ListenAddress renders host:port for http.Server.
func (s ServerConfig) ListenAddress() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// WarmQuery is one dispatcher call run during startup cache warming.
type WarmQuery struct {
	Tool      string                 `mapstructure:"tool"`
	Arguments map[string]interface{} `mapstructure:"arguments"`
}

// WarmingConfig lists the startup warming queries.
type WarmingConfig struct {
	Queries []WarmQuery `mapstructure:"queries"`
}

// CacheConfig wraps the cache service config plus warming queries.
type CacheConfig struct {
	cache.Config `mapstructure:",squash"`
	Warming      WarmingConfig `mapstructure:"warming"`
}

// PerformanceConfig tunes the performance monitor.
type PerformanceConfig struct {
	MaxSamples         int `mapstructure:"max_samples"`
	WindowSeconds      int `mapstructure:"window_seconds"`
	RealtimeIntervalMS int `mapstructure:"realtime_interval_ms"`
}

// SQSConfig enables the optional SQS alert sink.
type SQSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	QueueURL string `mapstructure:"queue_url"`
	Region   string `mapstructure:"region"`
}

// MonitoringConfig tunes the alerting engine.
type MonitoringConfig struct {
	Enabled             bool      `mapstructure:"enabled"`
	CheckIntervalMS     int       `mapstructure:"check_interval_ms"`
	MaxActiveAlerts     int       `mapstructure:"max_active_alerts"`
	AlertRetentionHours int       `mapstructure:"alert_retention_hours"`
	WebhookURL          string    `mapstructure:"webhook_url"`
	SQS                 SQSConfig `mapstructure:"sqs"`
}

// SourceConfig declares one source adapter instance.
type SourceConfig struct {
	Name    string                 `mapstructure:"name"`
	Type    string                 `mapstructure:"type"`
	Enabled bool                   `mapstructure:"enabled"`
	Config  map[string]interface{} `mapstructure:"config"`
}

// TracingConfig enables the optional OTLP trace exporter.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

// Config is the complete application configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Performance PerformanceConfig `mapstructure:"performance"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
	Sources     []SourceConfig    `mapstructure:"sources"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

// Load reads the configuration from the given file (or the PP_CONFIG_FILE
// override), applies defaults and PP_* environment overrides, and validates
// the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	v.SetEnvPrefix("PP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			// No file: defaults plus environment only.
		} else if path != "" {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.MaxRequestSizeMB <= 0 {
		return fmt.Errorf("server.max_request_size_mb must be positive")
	}
	if !cache.ValidStrategy(c.Cache.Strategy) {
		return fmt.Errorf("cache.strategy %q is not one of memory_only, hybrid, remote_only", c.Cache.Strategy)
	}
	if c.Cache.Strategy != cache.StrategyMemoryOnly && !c.Cache.Redis.Enabled {
		return fmt.Errorf("cache.strategy %q requires cache.redis.enabled", c.Cache.Strategy)
	}
	for i, src := range c.Sources {
		if src.Name == "" {
			return fmt.Errorf("sources[%d].name is required", i)
		}
		if src.Type == "" {
			return fmt.Errorf("sources[%d].type is required", i)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.max_request_size_mb", 10)
	v.SetDefault("server.shutdown_grace_seconds", 15)
	v.SetDefault("server.rate_limit.enabled", false)
	v.SetDefault("server.rate_limit.rps", 50)
	v.SetDefault("server.rate_limit.burst", 100)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.strategy", "memory_only")
	v.SetDefault("cache.memory.max_keys", 1000)
	v.SetDefault("cache.memory.ttl_seconds", 3600)
	v.SetDefault("cache.memory.check_period_seconds", 600)
	v.SetDefault("cache.redis.enabled", false)
	v.SetDefault("cache.redis.url", "redis://localhost:6379")
	v.SetDefault("cache.redis.ttl_seconds", 7200)
	v.SetDefault("cache.redis.key_prefix", "pp:cache:")
	v.SetDefault("cache.redis.connection_timeout_ms", 5000)
	v.SetDefault("cache.redis.retry_delay_ms", 1000)
	v.SetDefault("cache.redis.max_retry_delay_ms", 30000)
	v.SetDefault("cache.redis.backoff_multiplier", 2.0)
	v.SetDefault("cache.redis.connection_retry_limit", 5)
	v.SetDefault("cache.content_types.runbooks.ttl_seconds", 3600)
	v.SetDefault("cache.content_types.runbooks.warmup", true)
	v.SetDefault("cache.content_types.procedures.ttl_seconds", 1800)
	v.SetDefault("cache.content_types.decision_trees.ttl_seconds", 2400)
	v.SetDefault("cache.content_types.decision_trees.warmup", true)
	v.SetDefault("cache.content_types.knowledge_base.ttl_seconds", 900)
	v.SetDefault("cache.content_types.web_response.ttl_seconds", 600)

	v.SetDefault("performance.max_samples", 1000)
	v.SetDefault("performance.window_seconds", 300)
	v.SetDefault("performance.realtime_interval_ms", 30000)

	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.check_interval_ms", 30000)
	v.SetDefault("monitoring.max_active_alerts", 50)
	v.SetDefault("monitoring.alert_retention_hours", 24)
	v.SetDefault("monitoring.sqs.enabled", false)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.service_name", "prodpipe")
}
