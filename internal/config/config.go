// Package config loads the YAML configuration file for the extraction
// tool. Every field has a working default, so the file is optional and may
// set only what it wants to change.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/openarmenia/cpc-extract/pkg/client"
	"github.com/openarmenia/cpc-extract/pkg/logging"
	"gopkg.in/yaml.v3"
)

// Validation errors.
var (
	ErrMissingBaseURL   = errors.New("upstream base_url is required")
	ErrMissingUserAgent = errors.New("upstream user_agent is required")
	ErrInvalidTimeout   = errors.New("upstream timeout_sec must be positive")
	ErrInvalidRetry     = errors.New("invalid retry configuration")
	ErrInvalidLimits    = errors.New("invalid limits configuration")
	ErrMissingOutputDir = errors.New("output dir is required")
	ErrInvalidLogLevel  = errors.New("invalid logging level")
)

// defaultUserAgent mimics a browser. The registry serves a public web
// frontend and rejects obviously synthetic agents.
const defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Config is the full configuration of the extraction tool.
type Config struct {
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Retry     RetryConfig     `yaml:"retry"`
	Limits    LimitsConfig    `yaml:"limits"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Output    OutputConfig    `yaml:"output"`
	Redis     RedisConfig     `yaml:"redis"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// UpstreamConfig locates the declaration registry.
type UpstreamConfig struct {
	BaseURL    string `yaml:"base_url"`
	UserAgent  string `yaml:"user_agent"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// Timeout returns the per-request HTTP timeout.
func (c UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// RetryConfig shapes the client's backoff behavior.
type RetryConfig struct {
	MaxAttempts       int     `yaml:"max_attempts"`
	InitialDelayMs    int     `yaml:"initial_delay_ms"`
	MaxDelayMs        int     `yaml:"max_delay_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
}

// Policy converts the file representation into the client's retry policy.
func (c RetryConfig) Policy() client.RetryPolicy {
	return client.RetryPolicy{
		MaxAttempts:       c.MaxAttempts,
		InitialBackoff:    time.Duration(c.InitialDelayMs) * time.Millisecond,
		MaxBackoff:        time.Duration(c.MaxDelayMs) * time.Millisecond,
		BackoffMultiplier: c.BackoffMultiplier,
	}
}

// LimitsConfig bounds a run.
type LimitsConfig struct {
	MaxPages          int `yaml:"max_pages"`
	PageSize          int `yaml:"page_size"`
	DetailWorkers     int `yaml:"detail_workers"`
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`
}

// RateLimitConfig shapes the shared cooldown after upstream 429s.
type RateLimitConfig struct {
	CooldownSec int `yaml:"cooldown_sec"`
}

// Cooldown returns the fallback cooldown window.
func (c RateLimitConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSec) * time.Second
}

// OutputConfig names the artifact directory.
type OutputConfig struct {
	Dir string `yaml:"dir"`
}

// RedisConfig connects the shared cooldown state to Redis. An empty Addr
// keeps the state process-local.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoggingConfig shapes log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Setup returns the logging package configuration.
func (c LoggingConfig) Setup() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.Level)
	cfg.Pretty = c.Pretty
	return cfg
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Upstream: UpstreamConfig{
			BaseURL:    "https://file-online.cpcarmenia.am/armepdwebservice/v1",
			UserAgent:  defaultUserAgent,
			TimeoutSec: 30,
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			InitialDelayMs:    1000,
			MaxDelayMs:        30000,
			BackoffMultiplier: 2.0,
		},
		Limits: LimitsConfig{
			MaxPages:          1000,
			PageSize:          100,
			DetailWorkers:     3,
			MaxConcurrentRuns: 2,
		},
		RateLimit: RateLimitConfig{
			CooldownSec: 60,
		},
		Output: OutputConfig{
			Dir: "out",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a configuration file over the defaults. An empty path returns
// the defaults unchanged. Fields absent from the file keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values no component can work with.
func (c Config) Validate() error {
	if c.Upstream.BaseURL == "" {
		return ErrMissingBaseURL
	}
	if c.Upstream.UserAgent == "" {
		return ErrMissingUserAgent
	}
	if c.Upstream.TimeoutSec <= 0 {
		return ErrInvalidTimeout
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("%w: max_attempts must be at least 1", ErrInvalidRetry)
	}
	if c.Retry.InitialDelayMs <= 0 {
		return fmt.Errorf("%w: initial_delay_ms must be positive", ErrInvalidRetry)
	}
	if c.Retry.MaxDelayMs < c.Retry.InitialDelayMs {
		return fmt.Errorf("%w: max_delay_ms must not undercut initial_delay_ms", ErrInvalidRetry)
	}
	if c.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("%w: backoff_multiplier must be at least 1", ErrInvalidRetry)
	}

	if c.Limits.MaxPages < 1 {
		return fmt.Errorf("%w: max_pages must be at least 1", ErrInvalidLimits)
	}
	if c.Limits.PageSize < 1 || c.Limits.PageSize > 100 {
		return fmt.Errorf("%w: page_size must be between 1 and 100", ErrInvalidLimits)
	}
	if c.Limits.DetailWorkers < 1 {
		return fmt.Errorf("%w: detail_workers must be at least 1", ErrInvalidLimits)
	}
	if c.Limits.MaxConcurrentRuns < 1 {
		return fmt.Errorf("%w: max_concurrent_runs must be at least 1", ErrInvalidLimits)
	}

	if c.Output.Dir == "" {
		return ErrMissingOutputDir
	}

	switch logging.LogLevel(c.Logging.Level) {
	case logging.LevelDebug, logging.LevelInfo, logging.LevelWarn, logging.LevelError:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Logging.Level)
	}

	return nil
}
