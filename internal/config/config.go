// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Pool isolation modes.
const (
	ModeInProcess  = "inprocess"
	ModeSubprocess = "subprocess"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Queue     QueueConfig     `mapstructure:"queue"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Store     StoreConfig     `mapstructure:"store"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Server    ServerConfig    `mapstructure:"server"`
	Shutdown  ShutdownConfig  `mapstructure:"shutdown"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// CrawlerConfig describes what to crawl.
type CrawlerConfig struct {
	BaseURL       string   `mapstructure:"base_url"`
	Categories    []string `mapstructure:"categories"`
	Subcategories bool     `mapstructure:"subcategories"`
	UserAgent     string   `mapstructure:"user_agent"`
	RespectRobots bool     `mapstructure:"respect_robots"`
}

// PoolConfig governs the supervised worker pool.
type PoolConfig struct {
	Size           int           `mapstructure:"size"`
	Mode           string        `mapstructure:"mode"`
	// MemoryLimitMB applies per worker child and only in subprocess mode.
	MemoryLimitMB  int           `mapstructure:"memory_limit_mb"`
	DequeueTimeout time.Duration `mapstructure:"dequeue_timeout"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
	MaxRestarts    int           `mapstructure:"max_restarts"`
	RestartWindow  time.Duration `mapstructure:"restart_window"`
}

// QueueConfig bounds the task and result queues.
type QueueConfig struct {
	TaskCapacity   int `mapstructure:"task_capacity"`
	ResultCapacity int `mapstructure:"result_capacity"`
}

// HTTPConfig configures fetch timeouts and retry behavior.
type HTTPConfig struct {
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// HeadlessConfig configures the headless rendering fetcher.
type HeadlessConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	MaxParallel      int  `mapstructure:"max_parallel"`
	NavTimeoutSec    int  `mapstructure:"nav_timeout_seconds"`
	PromoteBodyBytes int  `mapstructure:"promote_body_bytes"`
}

// RateLimitConfig controls per-host request pacing. RPS <= 0 disables it.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// StoreConfig selects and configures the record store.
type StoreConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// ArchiveConfig selects where raw item pages are archived, if anywhere.
type ArchiveConfig struct {
	Provider    string `mapstructure:"provider"`
	BaseDir     string `mapstructure:"base_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for new-record notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ServerConfig controls the status server. An empty Addr disables it.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// ShutdownConfig bounds the graceful drain.
type ShutdownConfig struct {
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

// LoggingConfig toggles zap development features and the rotating log file.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
	Compress    bool   `mapstructure:"compress"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
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
	v.SetDefault("crawler.base_url", "https://www.vendr.com")
	v.SetDefault("crawler.categories", []string{"devops", "it-infrastructure", "data-analytics-and-management"})
	v.SetDefault("crawler.subcategories", true)
	v.SetDefault("crawler.user_agent", "catalog-crawler/0.1")
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("pool.size", 5)
	v.SetDefault("pool.mode", ModeInProcess)
	v.SetDefault("pool.memory_limit_mb", 500)
	v.SetDefault("pool.dequeue_timeout", "1s")
	v.SetDefault("pool.health_interval", "5s")
	v.SetDefault("pool.max_restarts", 20)
	v.SetDefault("pool.restart_window", "1m")
	v.SetDefault("queue.task_capacity", 2048)
	v.SetDefault("queue.result_capacity", 2048)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_retries", 2)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 5000)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 30)
	v.SetDefault("headless.promote_body_bytes", 2048)
	v.SetDefault("ratelimit.rps", 0)
	v.SetDefault("ratelimit.burst", 1)
	v.SetDefault("store.driver", "duckdb")
	v.SetDefault("store.path", "products.duckdb")
	v.SetDefault("store.table", "products")
	v.SetDefault("archive.provider", "none")
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("archive.content_type", "text/html; charset=utf-8")
	v.SetDefault("server.addr", "")
	v.SetDefault("shutdown.grace_period", "30s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
	v.SetDefault("logging.compress", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	u, err := url.Parse(c.Crawler.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("crawler.base_url must be an absolute URL, got %q", c.Crawler.BaseURL)
	}
	if len(c.Crawler.Categories) == 0 {
		return fmt.Errorf("crawler.categories must not be empty")
	}
	if c.Pool.Size <= 0 {
		return fmt.Errorf("pool.size must be > 0")
	}
	if c.Pool.Mode != ModeInProcess && c.Pool.Mode != ModeSubprocess {
		return fmt.Errorf("pool.mode must be %q or %q, got %q", ModeInProcess, ModeSubprocess, c.Pool.Mode)
	}
	if c.Pool.MemoryLimitMB < 0 {
		return fmt.Errorf("pool.memory_limit_mb must be >= 0")
	}
	if c.Pool.DequeueTimeout <= 0 {
		return fmt.Errorf("pool.dequeue_timeout must be > 0")
	}
	if c.Pool.HealthInterval <= 0 {
		return fmt.Errorf("pool.health_interval must be > 0")
	}
	if c.Pool.MaxRestarts < 0 || c.Pool.RestartWindow <= 0 {
		return fmt.Errorf("pool.max_restarts must be >= 0 and pool.restart_window > 0")
	}
	if c.Queue.TaskCapacity <= 0 || c.Queue.ResultCapacity <= 0 {
		return fmt.Errorf("queue capacities must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Store.Driver {
	case "duckdb":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the duckdb driver")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	switch c.Archive.Provider {
	case "", "none", "memory":
	case "local":
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir is required for the local provider")
		}
	case "gcs":
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket is required for the gcs provider")
		}
	default:
		return fmt.Errorf("unknown archive.provider %q", c.Archive.Provider)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.Shutdown.GracePeriod <= 0 {
		return fmt.Errorf("shutdown.grace_period must be > 0")
	}
	return nil
}

// FetchTimeout converts the HTTP timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// MemoryLimitBytes returns the per-worker resident memory limit; zero disables the check.
// In-process workers share one RSS, so the limit is off in that mode.
func (c Config) MemoryLimitBytes() uint64 {
	if c.Pool.Mode != ModeSubprocess {
		return 0
	}
	return uint64(c.Pool.MemoryLimitMB) * 1024 * 1024
}

// MemoryLimitIgnored reports a configured limit that the pool mode cannot enforce.
func (c Config) MemoryLimitIgnored() bool {
	return c.Pool.MemoryLimitMB > 0 && c.Pool.Mode != ModeSubprocess
}
