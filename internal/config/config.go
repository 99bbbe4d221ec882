// Package config loads and validates engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig             `mapstructure:"server"`
	Logging   LoggingConfig            `mapstructure:"logging"`
	Governor  GovernorLimits           `mapstructure:"governor"`
	Adapters  map[string]AdapterConfig `mapstructure:"adapters"`
	Isolation IsolationConfig          `mapstructure:"isolation"`
	Scheduler SchedulerConfig          `mapstructure:"scheduler"`
	Health    HealthConfig             `mapstructure:"health"`
	Resolver  ResolverConfig           `mapstructure:"resolver"`
	DB        DBConfig                 `mapstructure:"db"`
	Blobs     BlobConfig               `mapstructure:"blobs"`
	PubSub    PubSubConfig             `mapstructure:"pubsub"`
}

// ServerConfig controls the operational HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// GovernorLimits holds the admission-control knobs for one adapter. The
// top-level block is the default; per-adapter blocks override it wholesale.
type GovernorLimits struct {
	MaxConcurrent           int  `mapstructure:"max_concurrent"`
	MinTimeMs               int  `mapstructure:"min_time_ms"`
	MaxRequestsPerMinute    int  `mapstructure:"max_requests_per_minute"`
	BurstLimit              int  `mapstructure:"burst_limit"`
	BurstWindowMs           int  `mapstructure:"burst_window_ms"`
	CircuitBreakerThreshold int  `mapstructure:"circuit_breaker_threshold"`
	CircuitBreakerTimeoutMs int  `mapstructure:"circuit_breaker_timeout_ms"`
	HalfOpenSuccesses       int  `mapstructure:"half_open_successes"`
	AdaptiveAdjustment      bool `mapstructure:"adaptive_adjustment"`
	AdaptiveFloorMs         int  `mapstructure:"adaptive_floor_ms"`
	AdaptiveCeilingMs       int  `mapstructure:"adaptive_ceiling_ms"`
	MinAdjustmentRequests   int  `mapstructure:"min_adjustment_requests"`
}

// MinTime returns the configured minimum inter-call spacing.
func (g GovernorLimits) MinTime() time.Duration {
	return time.Duration(g.MinTimeMs) * time.Millisecond
}

// BurstWindow returns the burst accounting window.
func (g GovernorLimits) BurstWindow() time.Duration {
	return time.Duration(g.BurstWindowMs) * time.Millisecond
}

// BreakerTimeout returns how long an open circuit stays open.
func (g GovernorLimits) BreakerTimeout() time.Duration {
	return time.Duration(g.CircuitBreakerTimeoutMs) * time.Millisecond
}

// AdapterConfig describes one configured source adapter.
type AdapterConfig struct {
	Tier     string          `mapstructure:"tier"`
	BaseURL  string          `mapstructure:"base_url"`
	Disabled bool            `mapstructure:"disabled"`
	Governor *GovernorLimits `mapstructure:"governor"`
}

// IsolationConfig controls the bulkhead layer.
type IsolationConfig struct {
	MaxConcurrentRequests int `mapstructure:"max_concurrent_requests"`
	TimeoutMs             int `mapstructure:"timeout_ms"`
	FailureWindowMs       int `mapstructure:"failure_window_ms"`
	FailureThreshold      int `mapstructure:"failure_threshold"`
}

// Timeout returns the bulkhead operation timeout.
func (c IsolationConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// FailureWindow returns the quarantine pattern window.
func (c IsolationConfig) FailureWindow() time.Duration {
	return time.Duration(c.FailureWindowMs) * time.Millisecond
}

// SchedulerConfig governs job dispatch.
type SchedulerConfig struct {
	Workers                   int `mapstructure:"workers"`
	QueueDepth                int `mapstructure:"queue_depth"`
	MaxConcurrent             int `mapstructure:"max_concurrent"`
	MaxConcurrentDownloads    int `mapstructure:"max_concurrent_downloads"`
	MaxConcurrentHealthChecks int `mapstructure:"max_concurrent_health_checks"`
	DefaultMaxRetries         int `mapstructure:"default_max_retries"`
	DefaultTimeoutSeconds     int `mapstructure:"default_timeout_seconds"`
	BackoffInitialMs          int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs              int `mapstructure:"backoff_max_ms"`
}

// HealthConfig controls the health monitor policy.
type HealthConfig struct {
	MaxConsecutiveFailures int `mapstructure:"max_consecutive_failures"`
	CheckIntervalSeconds   int `mapstructure:"check_interval_seconds"`
	ProbeTimeoutSeconds    int `mapstructure:"probe_timeout_seconds"`
}

// CheckInterval returns the probe sweep interval.
func (c HealthConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// ProbeTimeout returns the per-probe timeout.
func (c HealthConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

// ResolverConfig controls tiered resolution and refresh policy.
type ResolverConfig struct {
	RefreshIntervalHours int     `mapstructure:"refresh_interval_hours"`
	AutoRefreshEnabled   bool    `mapstructure:"auto_refresh_enabled"`
	SimilarityThreshold  float64 `mapstructure:"similarity_threshold"`
	SearchTimeoutMs      int     `mapstructure:"search_timeout_ms"`
}

// RefreshInterval returns the canonical-entry refresh interval.
func (c ResolverConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalHours) * time.Hour
}

// SearchTimeout returns the per-adapter search timeout.
func (c ResolverConfig) SearchTimeout() time.Duration {
	return time.Duration(c.SearchTimeoutMs) * time.Millisecond
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MinOpenConns int    `mapstructure:"min_open_conns"`
}

// BlobConfig sets the artifact store backend for downloads.
type BlobConfig struct {
	Backend     string `mapstructure:"backend"` // memory, local, gcs
	BaseDir     string `mapstructure:"base_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TSUNDOKU")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("governor.max_concurrent", 2)
	v.SetDefault("governor.min_time_ms", 500)
	v.SetDefault("governor.max_requests_per_minute", 60)
	v.SetDefault("governor.burst_limit", 5)
	v.SetDefault("governor.burst_window_ms", 2000)
	v.SetDefault("governor.circuit_breaker_threshold", 5)
	v.SetDefault("governor.circuit_breaker_timeout_ms", 30000)
	v.SetDefault("governor.half_open_successes", 3)
	v.SetDefault("governor.adaptive_adjustment", true)
	v.SetDefault("governor.adaptive_floor_ms", 100)
	v.SetDefault("governor.adaptive_ceiling_ms", 5000)
	v.SetDefault("governor.min_adjustment_requests", 20)
	v.SetDefault("isolation.max_concurrent_requests", 4)
	v.SetDefault("isolation.timeout_ms", 15000)
	v.SetDefault("isolation.failure_window_ms", 60000)
	v.SetDefault("isolation.failure_threshold", 8)
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.queue_depth", 256)
	v.SetDefault("scheduler.max_concurrent", 8)
	v.SetDefault("scheduler.max_concurrent_downloads", 3)
	v.SetDefault("scheduler.max_concurrent_health_checks", 4)
	v.SetDefault("scheduler.default_max_retries", 2)
	v.SetDefault("scheduler.default_timeout_seconds", 600)
	v.SetDefault("scheduler.backoff_initial_ms", 250)
	v.SetDefault("scheduler.backoff_max_ms", 30000)
	v.SetDefault("health.max_consecutive_failures", 5)
	v.SetDefault("health.check_interval_seconds", 300)
	v.SetDefault("health.probe_timeout_seconds", 10)
	v.SetDefault("resolver.refresh_interval_hours", 24)
	v.SetDefault("resolver.auto_refresh_enabled", true)
	v.SetDefault("resolver.similarity_threshold", 0.85)
	v.SetDefault("resolver.search_timeout_ms", 10000)
	v.SetDefault("blobs.backend", "local")
	v.SetDefault("blobs.base_dir", "./data/pages")
	v.SetDefault("blobs.prefix", "chapters")
	v.SetDefault("blobs.content_type", "application/octet-stream")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if err := c.Governor.validate("governor"); err != nil {
		return err
	}
	for name, a := range c.Adapters {
		if a.Governor != nil {
			if err := a.Governor.validate("adapters." + name + ".governor"); err != nil {
				return err
			}
		}
		switch a.Tier {
		case "", "primary", "secondary", "tertiary":
		default:
			return fmt.Errorf("adapters.%s.tier must be primary, secondary or tertiary", name)
		}
	}
	if c.Isolation.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("isolation.max_concurrent_requests must be > 0")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be > 0")
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		return fmt.Errorf("scheduler.max_concurrent must be > 0")
	}
	if c.Health.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("health.max_consecutive_failures must be > 0")
	}
	if c.Resolver.SimilarityThreshold < 0 || c.Resolver.SimilarityThreshold > 1 {
		return fmt.Errorf("resolver.similarity_threshold must be in [0,1]")
	}
	if c.Blobs.Backend == "gcs" && c.Blobs.GCSBucket == "" {
		return fmt.Errorf("blobs.gcs_bucket must be set when backend is gcs")
	}
	return nil
}

func (g GovernorLimits) validate(prefix string) error {
	if g.MaxConcurrent <= 0 {
		return fmt.Errorf("%s.max_concurrent must be > 0", prefix)
	}
	if g.CircuitBreakerThreshold <= 0 {
		return fmt.Errorf("%s.circuit_breaker_threshold must be > 0", prefix)
	}
	if g.AdaptiveAdjustment && g.AdaptiveFloorMs > g.AdaptiveCeilingMs {
		return fmt.Errorf("%s.adaptive_floor_ms must be <= adaptive_ceiling_ms", prefix)
	}
	return nil
}

// LimitsFor resolves the governor limits for one adapter, falling back to the
// top-level defaults when the adapter has no override.
func (c Config) LimitsFor(adapter string) GovernorLimits {
	if a, ok := c.Adapters[adapter]; ok && a.Governor != nil {
		return *a.Governor
	}
	return c.Governor
}
