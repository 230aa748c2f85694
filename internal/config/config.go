// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sourcescout/sourcescout/internal/ratelimit"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Renderer  RendererConfig  `mapstructure:"renderer"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Robots    RobotsConfig    `mapstructure:"robots"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	RequestTimeout int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DiscoveryConfig governs the discovery cascade.
type DiscoveryConfig struct {
	MaxItems           int      `mapstructure:"max_items"`
	MaxScrapePages     int      `mapstructure:"max_scrape_pages"`
	SubdomainPrefixes  []string `mapstructure:"subdomain_prefixes"`
	EnhanceConcurrency int      `mapstructure:"enhance_concurrency"`
	MinContentLength   int      `mapstructure:"min_content_length"`
}

// HTTPConfig configures the outbound HTTP client.
type HTTPConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxBodyBytes   int64  `mapstructure:"max_body_bytes"`
}

// RendererConfig configures the headless rendering fallback.
type RendererConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// RateLimitConfig selects a limiter preset, with optional overrides.
type RateLimitConfig struct {
	Preset               string  `mapstructure:"preset"`
	RequestsPerSecond    float64 `mapstructure:"requests_per_second"`
	GlobalMaxConcurrent  int     `mapstructure:"global_max_concurrent"`
	PerHostMaxConcurrent int     `mapstructure:"per_host_max_concurrent"`
	MaxRetries           int     `mapstructure:"max_retries"`
}

// RobotsConfig tunes the robots.txt cache.
type RobotsConfig struct {
	CacheTTLMinutes   int `mapstructure:"cache_ttl_minutes"`
	FailureTTLMinutes int `mapstructure:"failure_ttl_minutes"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SOURCESCOUT")
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
	v.SetDefault("server.request_timeout_seconds", 120)
	v.SetDefault("discovery.max_items", 1000)
	v.SetDefault("discovery.max_scrape_pages", 3)
	v.SetDefault("discovery.enhance_concurrency", 5)
	v.SetDefault("discovery.min_content_length", 300)
	v.SetDefault("http.user_agent", "sourcescout/1.0 (+https://github.com/sourcescout/sourcescout)")
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_body_bytes", 10<<20)
	v.SetDefault("renderer.enabled", false)
	v.SetDefault("renderer.max_parallel", 1)
	v.SetDefault("renderer.nav_timeout_seconds", 30)
	v.SetDefault("ratelimit.preset", "moderate")
	v.SetDefault("robots.cache_ttl_minutes", 1440)
	v.SetDefault("robots.failure_ttl_minutes", 5)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Discovery.MaxItems <= 0 {
		return fmt.Errorf("discovery.max_items must be > 0")
	}
	if c.Renderer.Enabled && c.Renderer.MaxParallel <= 0 {
		return fmt.Errorf("renderer.max_parallel must be > 0 when renderer is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch strings.ToLower(c.RateLimit.Preset) {
	case "", "conservative", "moderate", "aggressive":
	default:
		return fmt.Errorf("ratelimit.preset must be conservative, moderate, or aggressive")
	}
	return nil
}

// HTTPTimeout returns the outbound request timeout as a duration.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// LimiterConfig resolves the rate-limit preset and applies any overrides.
func (c Config) LimiterConfig() ratelimit.Config {
	var rl ratelimit.Config
	switch strings.ToLower(c.RateLimit.Preset) {
	case "conservative":
		rl = ratelimit.Conservative()
	case "aggressive":
		rl = ratelimit.Aggressive()
	default:
		rl = ratelimit.Moderate()
	}
	if c.RateLimit.RequestsPerSecond > 0 {
		rl.RequestsPerSecond = c.RateLimit.RequestsPerSecond
	}
	if c.RateLimit.GlobalMaxConcurrent > 0 {
		rl.GlobalMaxConcurrent = c.RateLimit.GlobalMaxConcurrent
	}
	if c.RateLimit.PerHostMaxConcurrent > 0 {
		rl.PerHostMaxConcurrent = c.RateLimit.PerHostMaxConcurrent
	}
	if c.RateLimit.MaxRetries > 0 {
		rl.DefaultMaxRetries = c.RateLimit.MaxRetries
	}
	return rl
}
