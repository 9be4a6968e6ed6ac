package config

import (
	"errors"
	"fmt"
	"time"
)

// Config represents a spriteforge.yaml configuration file.
// Zero values fall back to the documented defaults via ApplyDefaults;
// only the provider credentials and storage bucket are required.
type Config struct {
	Server        ServerConfig   `yaml:"server"`
	Redis         RedisConfig    `yaml:"redis"`
	Queue         QueueConfig    `yaml:"queue"`
	Retry         RetryConfig    `yaml:"retry"`
	Cache         CacheConfig    `yaml:"cache"`
	Storage       StorageConfig  `yaml:"storage"`
	Provider      ProviderConfig `yaml:"provider"`
	Push          PushConfig     `yaml:"push"`
	Deduplication DedupConfig    `yaml:"deduplication"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr        string   `yaml:"addr"`
	ReadTimeout Duration `yaml:"read_timeout"`
}

// RedisConfig points at the volatile store backing the queue, the
// dedup gate, and the fast cache tier.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// QueueConfig holds work queue admission and pool settings.
type QueueConfig struct {
	Name             string `yaml:"name"`
	DB               int    `yaml:"db"`
	Concurrency      int    `yaml:"concurrency"`
	MaxJobsPerUser   int    `yaml:"max_jobs_per_user"`
	SystemQueueLimit int    `yaml:"system_queue_limit"`
	WarningThreshold int    `yaml:"warning_threshold"`
}

// RetryConfig holds the retry policy for failed jobs.
type RetryConfig struct {
	MaxRetries        int      `yaml:"max_retries"`
	BackoffDelay      Duration `yaml:"backoff_delay"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier"`
}

// CacheConfig holds result cache settings. A zero SizeWarnBytes keeps
// the durable tier's built-in threshold.
type CacheConfig struct {
	TTLDays       int   `yaml:"ttl_days"`
	SizeWarnBytes int64 `yaml:"size_warn_bytes"`
}

// StorageConfig holds the durable cache tier's object store settings.
type StorageConfig struct {
	Bucket      string `yaml:"bucket"`
	Prefix      string `yaml:"prefix"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// ProviderConfig holds the external generation service settings.
type ProviderConfig struct {
	BaseURL string   `yaml:"base_url"`
	APIKey  string   `yaml:"api_key"`
	Timeout Duration `yaml:"timeout"`
}

// PushConfig holds progress streaming settings.
type PushConfig struct {
	UpdateInterval    Duration `yaml:"update_interval"`
	KeepAliveInterval Duration `yaml:"keep_alive_interval"`
}

// DedupConfig holds duplicate suppression settings.
type DedupConfig struct {
	WindowSeconds int `yaml:"window_seconds"`
}

// Defaults applied by ApplyDefaults.
const (
	DefaultQueueName         = "spriteforge"
	DefaultConcurrency       = 5
	DefaultMaxJobsPerUser    = 5
	DefaultSystemQueueLimit  = 500
	DefaultWarningThreshold  = 400
	DefaultMaxRetries        = 1
	DefaultBackoffDelay      = 5 * time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultCacheTTLDays      = 30
	DefaultUpdateInterval    = 2500 * time.Millisecond
	DefaultKeepAliveInterval = 30 * time.Second
	DefaultDedupWindowSecs   = 10
)

// ApplyDefaults fills unset fields with their documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Queue.Name == "" {
		c.Queue.Name = DefaultQueueName
	}
	if c.Queue.Concurrency <= 0 {
		c.Queue.Concurrency = DefaultConcurrency
	}
	if c.Queue.MaxJobsPerUser <= 0 {
		c.Queue.MaxJobsPerUser = DefaultMaxJobsPerUser
	}
	if c.Queue.SystemQueueLimit <= 0 {
		c.Queue.SystemQueueLimit = DefaultSystemQueueLimit
	}
	if c.Queue.WarningThreshold <= 0 {
		c.Queue.WarningThreshold = DefaultWarningThreshold
	}
	if c.Retry.MaxRetries < 0 {
		c.Retry.MaxRetries = DefaultMaxRetries
	}
	if c.Retry.BackoffDelay.Duration <= 0 {
		c.Retry.BackoffDelay.Duration = DefaultBackoffDelay
	}
	if c.Retry.BackoffMultiplier <= 0 {
		c.Retry.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if c.Cache.TTLDays <= 0 {
		c.Cache.TTLDays = DefaultCacheTTLDays
	}
	if c.Push.UpdateInterval.Duration <= 0 {
		c.Push.UpdateInterval.Duration = DefaultUpdateInterval
	}
	if c.Push.KeepAliveInterval.Duration <= 0 {
		c.Push.KeepAliveInterval.Duration = DefaultKeepAliveInterval
	}
	if c.Deduplication.WindowSeconds <= 0 {
		c.Deduplication.WindowSeconds = DefaultDedupWindowSecs
	}
	if c.Redis.URL == "" {
		c.Redis.URL = "redis://localhost:6379"
	}
}

// Validate checks the fields that have no sensible default.
func (c *Config) Validate() error {
	if c.Provider.BaseURL == "" {
		return errors.New("provider.base_url is required")
	}
	if c.Provider.APIKey == "" {
		return errors.New("provider.api_key is required")
	}
	if c.Storage.Bucket == "" {
		return errors.New("storage.bucket is required")
	}
	if c.Queue.DB < 0 || c.Queue.DB > 15 {
		return fmt.Errorf("queue.db must be in [0, 15], got %d", c.Queue.DB)
	}
	return nil
}

// CacheTTL returns the result lifetime as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLDays) * 24 * time.Hour
}

// DedupWindow returns the suppression window as a duration.
func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.Deduplication.WindowSeconds) * time.Second
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}
