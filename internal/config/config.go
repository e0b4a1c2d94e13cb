// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all engine configuration knobs loaded via Viper.
type Config struct {
	DB      DBConfig      `mapstructure:"db"`
	Crawler CrawlerConfig `mapstructure:"crawler"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Follow  FollowConfig  `mapstructure:"follow"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int    `mapstructure:"max_conns"`
	MinConns        int    `mapstructure:"min_conns"`
	ConnLifetimeMin int    `mapstructure:"conn_lifetime_minutes"`
}

// CrawlerConfig governs the fetch pipeline.
type CrawlerConfig struct {
	UserAgent        string `mapstructure:"user_agent"`
	BaseURL          string `mapstructure:"base_url"`
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	MaxRetries       int    `mapstructure:"max_retries"`
	Workers          int    `mapstructure:"workers"`
	MinContentLength int    `mapstructure:"min_content_length"`
	RenderEnabled    bool   `mapstructure:"render_enabled"`
}

// AuthConfig holds the API credential pool.
type AuthConfig struct {
	Tokens     []string `mapstructure:"tokens"`
	MinDelayMs int      `mapstructure:"min_delay_ms"`
}

// FollowConfig bounds social-graph traversal.
type FollowConfig struct {
	Depth          int `mapstructure:"depth"`
	PerSide        int `mapstructure:"per_side"`
	D2Cap          int `mapstructure:"d2_cap"`
	SleepMinMs     int `mapstructure:"sleep_min_ms"`
	SleepMaxMs     int `mapstructure:"sleep_max_ms"`
	BackoffMinSecs int `mapstructure:"backoff_min_seconds"`
	BackoffMaxSecs int `mapstructure:"backoff_max_seconds"`
}

// MetricsConfig configures the optional debug listener.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SPIDERMIND")
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
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.conn_lifetime_minutes", 30)
	v.SetDefault("crawler.user_agent", "spidermind/1.0 (+https://github.com/ianWYHH/Spidermind)")
	v.SetDefault("crawler.base_url", "https://github.com")
	v.SetDefault("crawler.timeout_seconds", 15)
	v.SetDefault("crawler.max_retries", 3)
	v.SetDefault("crawler.workers", 2)
	v.SetDefault("crawler.min_content_length", 200)
	v.SetDefault("crawler.render_enabled", false)
	v.SetDefault("auth.min_delay_ms", 100)
	v.SetDefault("follow.depth", 1)
	v.SetDefault("follow.per_side", 20)
	v.SetDefault("follow.d2_cap", 200)
	v.SetDefault("follow.sleep_min_ms", 800)
	v.SetDefault("follow.sleep_max_ms", 2500)
	v.SetDefault("follow.backoff_min_seconds", 2)
	v.SetDefault("follow.backoff_max_seconds", 5)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Crawler.UserAgent == "" {
		return fmt.Errorf("crawler.user_agent must be set")
	}
	if c.Crawler.TimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.timeout_seconds must be > 0")
	}
	if c.Crawler.Workers < 1 || c.Crawler.Workers > 2 {
		return fmt.Errorf("crawler.workers must be 1 or 2")
	}
	if c.Follow.Depth < 0 || c.Follow.Depth > 2 {
		return fmt.Errorf("follow.depth must be 0, 1 or 2")
	}
	if c.Follow.Depth > 0 && c.Follow.PerSide <= 0 {
		return fmt.Errorf("follow.per_side must be > 0 when follow.depth > 0")
	}
	if c.Follow.SleepMinMs > c.Follow.SleepMaxMs {
		return fmt.Errorf("follow.sleep_min_ms must not exceed follow.sleep_max_ms")
	}
	if c.Follow.BackoffMinSecs > c.Follow.BackoffMaxSecs {
		return fmt.Errorf("follow.backoff_min_seconds must not exceed follow.backoff_max_seconds")
	}
	return nil
}

// RequestTimeout converts the HTTP timeout into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Crawler.TimeoutSeconds) * time.Second
}

// SleepWindow returns the inter-request politeness window for traversal.
func (c Config) SleepWindow() (time.Duration, time.Duration) {
	return time.Duration(c.Follow.SleepMinMs) * time.Millisecond,
		time.Duration(c.Follow.SleepMaxMs) * time.Millisecond
}

// BackoffWindow returns the quota backoff window for traversal.
func (c Config) BackoffWindow() (time.Duration, time.Duration) {
	return time.Duration(c.Follow.BackoffMinSecs) * time.Second,
		time.Duration(c.Follow.BackoffMaxSecs) * time.Second
}
