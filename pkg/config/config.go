package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the full scheduler configuration. Values are resolved in
// layers: built-in defaults, then an optional config file, then DECKFLOW_*
// environment variables.
type Config struct {
	DatabaseURL string `mapstructure:"database_url"`

	HeartbeatIntervalSeconds int `mapstructure:"heartbeat_interval_seconds"`
	HeartbeatDeathMultiplier int `mapstructure:"heartbeat_death_multiplier"`

	DefaultLeaseDurationSeconds int `mapstructure:"default_lease_duration_seconds"`

	MaxRetriesDefault          int     `mapstructure:"max_retries_default"`
	RetryBackoffBaseSeconds    int     `mapstructure:"retry_backoff_base_seconds"`
	RetryBackoffCapSeconds     int     `mapstructure:"retry_backoff_cap_seconds"`
	RetryBackoffJitterFraction float64 `mapstructure:"retry_backoff_jitter_fraction"`

	RecoveryIntervalSeconds int `mapstructure:"recovery_interval_seconds"`

	WorkerMaxConcurrent    int `mapstructure:"worker_max_concurrent"`
	DispatchIdleSleepMsMin int `mapstructure:"dispatch_idle_sleep_ms_min"`
	DispatchIdleSleepMsMax int `mapstructure:"dispatch_idle_sleep_ms_max"`

	PayloadMaxBytes int `mapstructure:"payload_max_bytes"`
}

// Load reads configuration from the given file (optional, empty to skip)
// plus environment overrides, on top of defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DECKFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_url", "")
	v.SetDefault("heartbeat_interval_seconds", 30)
	v.SetDefault("heartbeat_death_multiplier", 3)
	v.SetDefault("default_lease_duration_seconds", 1800)
	v.SetDefault("max_retries_default", 3)
	v.SetDefault("retry_backoff_base_seconds", 300)
	v.SetDefault("retry_backoff_cap_seconds", 3600)
	v.SetDefault("retry_backoff_jitter_fraction", 0.2)
	v.SetDefault("recovery_interval_seconds", 60)
	v.SetDefault("worker_max_concurrent", 3)
	v.SetDefault("dispatch_idle_sleep_ms_min", 1000)
	v.SetDefault("dispatch_idle_sleep_ms_max", 5000)
	v.SetDefault("payload_max_bytes", 1<<20)
}

// Validate checks configuration invariants
func (c *Config) Validate() error {
	if c.HeartbeatIntervalSeconds <= 0 {
		return fmt.Errorf("heartbeat_interval_seconds must be positive, got %d", c.HeartbeatIntervalSeconds)
	}
	if c.HeartbeatDeathMultiplier < 2 {
		return fmt.Errorf("heartbeat_death_multiplier must be at least 2, got %d", c.HeartbeatDeathMultiplier)
	}
	if c.DefaultLeaseDurationSeconds <= 0 {
		return fmt.Errorf("default_lease_duration_seconds must be positive, got %d", c.DefaultLeaseDurationSeconds)
	}
	if c.MaxRetriesDefault < 0 {
		return fmt.Errorf("max_retries_default must not be negative, got %d", c.MaxRetriesDefault)
	}
	if c.RetryBackoffBaseSeconds <= 0 {
		return fmt.Errorf("retry_backoff_base_seconds must be positive, got %d", c.RetryBackoffBaseSeconds)
	}
	if c.RetryBackoffCapSeconds < c.RetryBackoffBaseSeconds {
		return fmt.Errorf("retry_backoff_cap_seconds must be >= retry_backoff_base_seconds")
	}
	if c.RetryBackoffJitterFraction < 0 || c.RetryBackoffJitterFraction >= 1 {
		return fmt.Errorf("retry_backoff_jitter_fraction must be in [0, 1), got %g", c.RetryBackoffJitterFraction)
	}
	if c.RecoveryIntervalSeconds <= 0 {
		return fmt.Errorf("recovery_interval_seconds must be positive, got %d", c.RecoveryIntervalSeconds)
	}
	if c.WorkerMaxConcurrent <= 0 {
		return fmt.Errorf("worker_max_concurrent must be positive, got %d", c.WorkerMaxConcurrent)
	}
	if c.DispatchIdleSleepMsMin <= 0 || c.DispatchIdleSleepMsMax < c.DispatchIdleSleepMsMin {
		return fmt.Errorf("dispatch idle sleep bounds invalid: min=%d max=%d", c.DispatchIdleSleepMsMin, c.DispatchIdleSleepMsMax)
	}
	if c.PayloadMaxBytes <= 0 {
		return fmt.Errorf("payload_max_bytes must be positive, got %d", c.PayloadMaxBytes)
	}
	return nil
}

// HeartbeatInterval returns the worker heartbeat period
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// DeathThreshold returns how long a worker may go without heartbeating
// before it is declared dead.
func (c *Config) DeathThreshold() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds*c.HeartbeatDeathMultiplier) * time.Second
}

// DefaultLeaseDuration returns the lease duration granted at claim time
func (c *Config) DefaultLeaseDuration() time.Duration {
	return time.Duration(c.DefaultLeaseDurationSeconds) * time.Second
}

// RetryBackoffBase returns the first retry delay
func (c *Config) RetryBackoffBase() time.Duration {
	return time.Duration(c.RetryBackoffBaseSeconds) * time.Second
}

// RetryBackoffCap returns the maximum retry delay
func (c *Config) RetryBackoffCap() time.Duration {
	return time.Duration(c.RetryBackoffCapSeconds) * time.Second
}

// RecoveryInterval returns the period between recovery sweeps
func (c *Config) RecoveryInterval() time.Duration {
	return time.Duration(c.RecoveryIntervalSeconds) * time.Second
}

// DispatchIdleSleepMin returns the lower bound of the idle dispatch sleep
func (c *Config) DispatchIdleSleepMin() time.Duration {
	return time.Duration(c.DispatchIdleSleepMsMin) * time.Millisecond
}

// DispatchIdleSleepMax returns the upper bound of the idle dispatch sleep
func (c *Config) DispatchIdleSleepMax() time.Duration {
	return time.Duration(c.DispatchIdleSleepMsMax) * time.Millisecond
}
