// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
	"github.com/JakeFAU/adaptive-crawler/internal/proxypool"
	"github.com/JakeFAU/adaptive-crawler/internal/storage/postgres"
	"github.com/JakeFAU/adaptive-crawler/internal/storage/redis"
)

// Backend names accepted by the state, archive and pubsub sections.
const (
	BackendNone     = "none"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendGCP      = "gcp"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	ProxyPool ProxyPoolConfig `mapstructure:"proxy_pool"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	State     StateConfig     `mapstructure:"state"`
	Redis     redis.Config    `mapstructure:"redis"`
	Postgres  postgres.Config `mapstructure:"postgres"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
	MaxSeeds               int `mapstructure:"max_seeds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// CrawlerConfig governs the worker pool, scope and fetch pipeline.
type CrawlerConfig struct {
	Workers             int           `mapstructure:"workers"`
	UserAgent           string        `mapstructure:"user_agent"`
	RespectRobots       bool          `mapstructure:"respect_robots"`
	RobotsCacheTTL      time.Duration `mapstructure:"robots_cache_ttl"`
	RobotsFailureTTL    time.Duration `mapstructure:"robots_failure_ttl"`
	AllowDirect         bool          `mapstructure:"allow_direct"`
	FetchTimeoutSeconds int           `mapstructure:"fetch_timeout_seconds"`
	MaxDepth            int           `mapstructure:"max_depth"`
	MaxSteps            int           `mapstructure:"max_steps"`
	SameHostOnly        bool          `mapstructure:"same_host_only"`
	AllowHosts          []string      `mapstructure:"allow_hosts"`
	DenyHosts           []string      `mapstructure:"deny_hosts"`
	SeedPriority        int           `mapstructure:"seed_priority"`
	LinkPriority        int           `mapstructure:"link_priority"`
	IdlePollMs          int           `mapstructure:"idle_poll_ms"`
	Seeds               []string      `mapstructure:"seeds"`
	BlockKeywords       []string      `mapstructure:"block_keywords"`
	BlockSelectors      []string      `mapstructure:"block_selectors"`
	BlockMaxBytes       int           `mapstructure:"block_max_bytes"`
}

// PolicyConfig tunes domain policy transitions.
type PolicyConfig struct {
	MinDelaySeconds     float64       `mapstructure:"min_delay_seconds"`
	MaxDelaySeconds     float64       `mapstructure:"max_delay_seconds"`
	BackoffFactor       float64       `mapstructure:"backoff_factor"`
	SuccessDecay        float64       `mapstructure:"success_decay"`
	ErrorRateAlpha      float64       `mapstructure:"error_rate_alpha"`
	TTL                 time.Duration `mapstructure:"ttl"`
	BlockingStatuses    []int         `mapstructure:"blocking_statuses"`
	DefaultHeaderFamily string        `mapstructure:"default_header_family"`
}

// ProxyPoolConfig selects the rotation strategy and the inventory source.
type ProxyPoolConfig struct {
	Strategy                   string                    `mapstructure:"strategy"`
	BanThreshold               int                       `mapstructure:"ban_threshold"`
	BanDurationSeconds         int                       `mapstructure:"ban_duration_seconds"`
	HealthCheckIntervalSeconds int                       `mapstructure:"health_check_interval_seconds"`
	StickyThreshold            float64                   `mapstructure:"sticky_threshold"`
	StickyMaxDomains           int                       `mapstructure:"sticky_max_domains"`
	InventoryFile              string                    `mapstructure:"inventory_file"`
	Proxies                    []crawler.ProxyDescriptor `mapstructure:"proxies"`
}

// HTTPConfig configures the direct HTTP transport.
type HTTPConfig struct {
	MaxBodyBytes   int                `mapstructure:"max_body_bytes"`
	RateLimitRPS   float64            `mapstructure:"rate_limit_rps"`
	RateLimitBurst int                `mapstructure:"rate_limit_burst"`
	PerDomainRPS   map[string]float64 `mapstructure:"per_domain_rps"`
}

// HeadlessConfig configures the browser transport.
type HeadlessConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	MaxParallel   int    `mapstructure:"max_parallel"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
	SettleDelayMs int    `mapstructure:"settle_delay_ms"`
	ExecPath      string `mapstructure:"exec_path"`
}

// StateConfig picks the backends for crawl state. Proxy health follows Policy.
type StateConfig struct {
	Frontier string `mapstructure:"frontier"`
	Policy   string `mapstructure:"policy"`
	Scope    string `mapstructure:"scope"`
}

// ArchiveConfig sets where successful page bodies are written.
type ArchiveConfig struct {
	Backend     string `mapstructure:"backend"`
	LocalDir    string `mapstructure:"local_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for fetch-completed notifications.
type PubSubConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("server.max_seeds", 1000)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")

	v.SetDefault("crawler.workers", 4)
	v.SetDefault("crawler.user_agent", "adaptive-crawler/0.1")
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.robots_cache_ttl", "6h")
	v.SetDefault("crawler.robots_failure_ttl", "5m")
	v.SetDefault("crawler.allow_direct", true)
	v.SetDefault("crawler.fetch_timeout_seconds", 30)
	v.SetDefault("crawler.max_depth", 2)
	v.SetDefault("crawler.max_steps", 0)
	v.SetDefault("crawler.same_host_only", true)
	v.SetDefault("crawler.seed_priority", 10)
	v.SetDefault("crawler.link_priority", 5)
	v.SetDefault("crawler.idle_poll_ms", 500)
	v.SetDefault("crawler.block_max_bytes", 64<<10)

	v.SetDefault("policy.min_delay_seconds", 2.0)
	v.SetDefault("policy.max_delay_seconds", 60.0)
	v.SetDefault("policy.backoff_factor", 5.0)
	v.SetDefault("policy.success_decay", 0.95)
	v.SetDefault("policy.error_rate_alpha", 0.1)
	v.SetDefault("policy.ttl", "24h")
	v.SetDefault("policy.blocking_statuses", []int{429, 403, 503})
	v.SetDefault("policy.default_header_family", crawler.DefaultHeaderFamily)

	v.SetDefault("proxy_pool.strategy", string(proxypool.Adaptive))
	v.SetDefault("proxy_pool.ban_threshold", 5)
	v.SetDefault("proxy_pool.ban_duration_seconds", 3600)
	v.SetDefault("proxy_pool.health_check_interval_seconds", 300)
	v.SetDefault("proxy_pool.sticky_threshold", 0.5)
	v.SetDefault("proxy_pool.sticky_max_domains", 10000)

	v.SetDefault("http.max_body_bytes", 10<<20)
	v.SetDefault("http.rate_limit_rps", 0)
	v.SetDefault("http.rate_limit_burst", 1)

	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.settle_delay_ms", 500)

	v.SetDefault("state.frontier", BackendMemory)
	v.SetDefault("state.policy", BackendMemory)
	v.SetDefault("state.scope", "default")
	v.SetDefault("redis.prefix", redis.DefaultPrefix)
	v.SetDefault("postgres.policy_table", postgres.DefaultPolicyTable)
	v.SetDefault("postgres.health_table", postgres.DefaultHealthTable)
	v.SetDefault("postgres.migrate", true)

	v.SetDefault("archive.backend", BackendNone)
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("archive.content_type", "text/html; charset=utf-8")
	v.SetDefault("pubsub.backend", BackendNone)
	v.SetDefault("pubsub.topic_name", "crawl-fetches")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.Crawler.FetchTimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.fetch_timeout_seconds must be > 0")
	}
	if c.Crawler.MaxSteps < 0 {
		return fmt.Errorf("crawler.max_steps must be >= 0")
	}
	if c.Policy.MinDelaySeconds <= 0 || c.Policy.MaxDelaySeconds < c.Policy.MinDelaySeconds {
		return fmt.Errorf("policy delays must satisfy 0 < min_delay_seconds <= max_delay_seconds")
	}
	if c.Policy.SuccessDecay <= 0 || c.Policy.SuccessDecay > 1 {
		return fmt.Errorf("policy.success_decay must be in (0, 1]")
	}
	if c.Policy.ErrorRateAlpha <= 0 || c.Policy.ErrorRateAlpha > 1 {
		return fmt.Errorf("policy.error_rate_alpha must be in (0, 1]")
	}
	if _, err := proxypool.ParseStrategy(c.ProxyPool.Strategy); err != nil {
		return fmt.Errorf("proxy_pool.strategy: %w", err)
	}
	for i, p := range c.ProxyPool.Proxies {
		if err := proxypool.WithID(p).Validate(); err != nil {
			return fmt.Errorf("proxy_pool.proxies[%d]: %w", i, err)
		}
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if err := c.validateState(); err != nil {
		return err
	}
	return c.validateArchive()
}

func (c Config) validateState() error {
	switch c.State.Frontier {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr must be set when state.frontier is redis")
		}
	default:
		return fmt.Errorf("state.frontier must be memory or redis, got %q", c.State.Frontier)
	}
	switch c.State.Policy {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr must be set when state.policy is redis")
		}
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("postgres.dsn must be set when state.policy is postgres")
		}
	default:
		return fmt.Errorf("state.policy must be memory, redis or postgres, got %q", c.State.Policy)
	}
	return nil
}

func (c Config) validateArchive() error {
	switch c.Archive.Backend {
	case BackendNone, BackendMemory:
	case BackendLocal:
		if c.Archive.LocalDir == "" {
			return fmt.Errorf("archive.local_dir must be set when archive.backend is local")
		}
	case BackendGCS:
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket must be set when archive.backend is gcs")
		}
	default:
		return fmt.Errorf("archive.backend must be none, memory, local or gcs, got %q", c.Archive.Backend)
	}
	switch c.PubSub.Backend {
	case BackendNone, BackendMemory:
	case BackendGCP:
		if c.PubSub.ProjectID == "" || c.PubSub.TopicName == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub.backend is gcp")
		}
	default:
		return fmt.Errorf("pubsub.backend must be none, memory or gcp, got %q", c.PubSub.Backend)
	}
	return nil
}

// FetchTimeout returns the per-fetch deadline.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Crawler.FetchTimeoutSeconds) * time.Second
}

// ProxyInventory merges inline proxies with the inventory file, if any.
func (c Config) ProxyInventory() ([]crawler.ProxyDescriptor, error) {
	out := make([]crawler.ProxyDescriptor, 0, len(c.ProxyPool.Proxies))
	for _, p := range c.ProxyPool.Proxies {
		out = append(out, proxypool.WithID(p))
	}
	if c.ProxyPool.InventoryFile == "" {
		return out, nil
	}
	fromFile, err := proxypool.LoadFile(c.ProxyPool.InventoryFile)
	if err != nil {
		return nil, err
	}
	return append(out, fromFile...), nil
}
