// Package app builds the long-lived crawler services from configuration and
// owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/adaptive-crawler/internal/api"
	"github.com/JakeFAU/adaptive-crawler/internal/archive"
	"github.com/JakeFAU/adaptive-crawler/internal/clock"
	"github.com/JakeFAU/adaptive-crawler/internal/config"
	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
	"github.com/JakeFAU/adaptive-crawler/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/adaptive-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/adaptive-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/adaptive-crawler/internal/frontier"
	"github.com/JakeFAU/adaptive-crawler/internal/hash/sha256"
	"github.com/JakeFAU/adaptive-crawler/internal/id/uuid"
	"github.com/JakeFAU/adaptive-crawler/internal/orchestrator"
	"github.com/JakeFAU/adaptive-crawler/internal/policy"
	"github.com/JakeFAU/adaptive-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/adaptive-crawler/internal/proxypool"
	memorypublisher "github.com/JakeFAU/adaptive-crawler/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/adaptive-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/adaptive-crawler/internal/storage/gcs"
	"github.com/JakeFAU/adaptive-crawler/internal/storage/local"
	"github.com/JakeFAU/adaptive-crawler/internal/storage/memory"
	"github.com/JakeFAU/adaptive-crawler/internal/storage/postgres"
	"github.com/JakeFAU/adaptive-crawler/internal/storage/redis"
)

const robotsTimeout = 10 * time.Second

// App holds the wired crawler services.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  crawler.Clock
	pauser crawler.Pauser

	orchestrator *orchestrator.Orchestrator
	dispatcher   *dispatcher.Dispatcher
	pool         *proxypool.Pool
	api          *api.Server

	closers []closer
}

type closer struct {
	name string
	fn   func() error
}

// Option customizes New.
type Option func(*App)

// WithClock replaces the system clock.
func WithClock(c crawler.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithPauser replaces the timer-based pauser used for politeness delays.
func WithPauser(p crawler.Pauser) Option {
	return func(a *App) { a.pauser = p }
}

// New connects the configured backends and builds every service. On error,
// anything already opened is closed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, clock: clock.New(), pauser: crawler.TimerPauser{}}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	logger.Info("Application services initialized",
		zap.String("frontier_backend", cfg.State.Frontier),
		zap.String("policy_backend", cfg.State.Policy),
		zap.String("archive_backend", cfg.Archive.Backend),
		zap.Int("workers", cfg.Crawler.Workers),
	)
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	stores, err := a.openStores(ctx)
	if err != nil {
		return err
	}

	front, err := frontier.New(stores.frontier, a.clock, a.logger.Named("frontier"))
	if err != nil {
		return fmt.Errorf("init frontier: %w", err)
	}
	policies, err := policy.NewManager(stores.policy, a.clock, policy.Config{
		MinDelay:            cfg.Policy.MinDelaySeconds,
		MaxDelay:            cfg.Policy.MaxDelaySeconds,
		BackoffFactor:       cfg.Policy.BackoffFactor,
		SuccessDecay:        cfg.Policy.SuccessDecay,
		ErrorRateAlpha:      cfg.Policy.ErrorRateAlpha,
		TTL:                 cfg.Policy.TTL,
		BlockingStatuses:    cfg.Policy.BlockingStatuses,
		DefaultHeaderFamily: cfg.Policy.DefaultHeaderFamily,
	}, a.logger.Named("policy"))
	if err != nil {
		return fmt.Errorf("init policy manager: %w", err)
	}

	if err := a.buildPool(ctx, stores.health); err != nil {
		return err
	}

	httpFetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.Crawler.UserAgent,
		Timeout:      cfg.FetchTimeout(),
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
	}, ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.HTTP.RateLimitRPS,
		DefaultBurst: cfg.HTTP.RateLimitBurst,
		PerDomainRPS: cfg.HTTP.PerDomainRPS,
	}))
	a.onClose("http fetcher", func() error { httpFetcher.Close(); return nil })

	var browser crawler.Fetcher
	if cfg.Headless.Enabled {
		headless, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
			SettleDelay:       time.Duration(cfg.Headless.SettleDelayMs) * time.Millisecond,
			ExecPath:          cfg.Headless.ExecPath,
		})
		if err != nil {
			return fmt.Errorf("init headless fetcher: %w", err)
		}
		a.onClose("headless fetcher", func() error { headless.Close(); return nil })
		browser = headless
	} else {
		a.logger.Warn("Headless transport disabled; escalated domains fetch over http")
	}

	archiver, err := a.buildArchiver(ctx)
	if err != nil {
		return err
	}

	a.orchestrator, err = orchestrator.New(orchestrator.Config{
		UserAgent:    cfg.Crawler.UserAgent,
		AllowDirect:  cfg.Crawler.AllowDirect,
		FetchTimeout: cfg.FetchTimeout(),
		SeedPriority: cfg.Crawler.SeedPriority,
		LinkPriority: cfg.Crawler.LinkPriority,
	}, orchestrator.Deps{
		Frontier: front,
		Policies: policies,
		Proxies:  a.pool,
		Robots: crawler.NewRobotsEnforcer(crawler.RobotsConfig{
			Respect:     cfg.Crawler.RespectRobots,
			CacheTTL:    cfg.Crawler.RobotsCacheTTL,
			FailureTTL:  cfg.Crawler.RobotsFailureTTL,
			Timeout:     robotsTimeout,
			Fetcher:     httpFetcher,
			Proxies:     a.pool,
			AllowDirect: cfg.Crawler.AllowDirect,
		}, a.clock, a.logger.Named("robots")),
		HTTP:    httpFetcher,
		Browser: browser,
		Blocks: crawler.NewHeuristicBlockDetector(
			cfg.Crawler.BlockMaxBytes,
			cfg.Crawler.BlockKeywords,
			cfg.Crawler.BlockSelectors,
		),
		Scope: crawler.NewScope(crawler.ScopeConfig{
			AllowHosts:   cfg.Crawler.AllowHosts,
			DenyHosts:    cfg.Crawler.DenyHosts,
			SameHostOnly: cfg.Crawler.SameHostOnly,
			MaxDepth:     cfg.Crawler.MaxDepth,
		}),
		Archiver: archiver,
		Pauser:   a.pauser,
		Clock:    a.clock,
		Logger:   a.logger.Named("orchestrator"),
	})
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}

	a.dispatcher = dispatcher.New(a.orchestrator, dispatcher.Config{
		Workers:  cfg.Crawler.Workers,
		IdleWait: time.Duration(cfg.Crawler.IdlePollMs) * time.Millisecond,
		MaxSteps: cfg.Crawler.MaxSteps,
	}, a.pauser, a.logger.Named("dispatcher"))

	apiCfg := api.Config{
		RequestTimeout: time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second,
		MaxSeeds:       cfg.Server.MaxSeeds,
	}
	if cfg.Auth.Enabled {
		apiCfg.APIKey = cfg.Auth.APIKey
	}
	a.api = api.NewServer(a.orchestrator, a.pool, apiCfg, a.logger.Named("api"))
	return nil
}

type stateStores struct {
	frontier crawler.FrontierStore
	policy   crawler.PolicyStore
	health   crawler.HealthStore
}

func (a *App) openStores(ctx context.Context) (stateStores, error) {
	cfg := a.cfg
	var (
		out stateStores
		rdb *goredis.Client
	)
	if cfg.State.Frontier == config.BackendRedis || cfg.State.Policy == config.BackendRedis {
		client, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return out, fmt.Errorf("connect redis: %w", err)
		}
		a.onClose("redis", client.Close)
		rdb = client
	}

	switch cfg.State.Frontier {
	case config.BackendRedis:
		out.frontier = redis.NewFrontierStore(rdb, frontierPrefix(cfg))
	default:
		out.frontier = memory.NewFrontierStore()
	}

	switch cfg.State.Policy {
	case config.BackendRedis:
		out.policy = redis.NewPolicyStore(rdb, cfg.Redis.Prefix)
		out.health = redis.NewHealthStore(rdb, cfg.Redis.Prefix)
	case config.BackendPostgres:
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return out, err
		}
		a.onClose("postgres", func() error { pool.Close(); return nil })
		if cfg.Postgres.Migrate {
			if err := postgres.Migrate(ctx, pool, cfg.Postgres); err != nil {
				return out, fmt.Errorf("migrate postgres: %w", err)
			}
		}
		if out.policy, err = postgres.NewPolicyStore(pool, cfg.Postgres.PolicyTable, a.clock); err != nil {
			return out, err
		}
		if out.health, err = postgres.NewHealthStore(pool, cfg.Postgres.HealthTable); err != nil {
			return out, err
		}
	default:
		out.policy = memory.NewPolicyStore(a.clock)
	}
	return out, nil
}

// frontierPrefix namespaces the frontier keys by crawl scope so separate
// crawls can share one Redis.
func frontierPrefix(cfg config.Config) string {
	prefix := cfg.Redis.Prefix
	if prefix == "" {
		prefix = redis.DefaultPrefix
	}
	if cfg.State.Scope == "" {
		return prefix
	}
	return prefix + ":" + cfg.State.Scope
}

func (a *App) buildPool(ctx context.Context, health crawler.HealthStore) error {
	cfg := a.cfg.ProxyPool
	strategy, err := proxypool.ParseStrategy(cfg.Strategy)
	if err != nil {
		return err
	}
	opts := []proxypool.Option{proxypool.WithLogger(a.logger.Named("proxypool"))}
	if health != nil {
		opts = append(opts, proxypool.WithHealthStore(health))
	}
	a.pool, err = proxypool.New(proxypool.Config{
		Strategy:            strategy,
		BanThreshold:        cfg.BanThreshold,
		BanDuration:         time.Duration(cfg.BanDurationSeconds) * time.Second,
		HealthCheckInterval: time.Duration(cfg.HealthCheckIntervalSeconds) * time.Second,
		StickyThreshold:     cfg.StickyThreshold,
		StickyMaxDomains:    cfg.StickyMaxDomains,
	}, a.clock, opts...)
	if err != nil {
		return fmt.Errorf("init proxy pool: %w", err)
	}
	inventory, err := a.cfg.ProxyInventory()
	if err != nil {
		return err
	}
	if err := a.pool.AddAll(ctx, inventory); err != nil {
		return fmt.Errorf("load proxy inventory: %w", err)
	}
	if len(inventory) == 0 && !a.cfg.Crawler.AllowDirect {
		a.logger.Warn("No proxies configured and direct fetches disabled; add proxies through the admin API")
	}
	a.logger.Info("Proxy pool ready", zap.Int("proxies", len(inventory)), zap.String("strategy", string(strategy)))
	return nil
}

func (a *App) buildArchiver(ctx context.Context) (orchestrator.Archiver, error) {
	cfg := a.cfg
	var blobs crawler.BlobStore
	switch cfg.Archive.Backend {
	case config.BackendMemory:
		blobs = memory.NewBlobStore()
	case config.BackendLocal:
		store, err := local.New(local.Config{BaseDir: cfg.Archive.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("init local archive: %w", err)
		}
		a.onClose("local archive", store.Close)
		blobs = store
	case config.BackendGCS:
		store, err := gcs.Open(ctx, gcs.Config{Bucket: cfg.Archive.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs archive: %w", err)
		}
		a.onClose("gcs archive", store.Close)
		blobs = store
	}

	var pub crawler.Publisher
	switch cfg.PubSub.Backend {
	case config.BackendMemory:
		pub = memorypublisher.New()
	case config.BackendGCP:
		p, err := pubsubpublisher.Open(ctx, pubsubpublisher.Config{
			ProjectID: cfg.PubSub.ProjectID,
			Topic:     cfg.PubSub.TopicName,
		})
		if err != nil {
			return nil, fmt.Errorf("init pubsub publisher: %w", err)
		}
		a.onClose("pubsub", p.Close)
		pub = p
	}

	if blobs == nil && pub == nil {
		return nil, nil
	}
	arch, err := archive.New(archive.Config{
		BlobPrefix:  cfg.Archive.Prefix,
		ContentType: cfg.Archive.ContentType,
		Topic:       cfg.PubSub.TopicName,
	}, blobs, pub, sha256.New(), uuid.New(), a.clock, a.logger.Named("archive"))
	if err != nil {
		return nil, fmt.Errorf("init archiver: %w", err)
	}
	return arch, nil
}

func (a *App) onClose(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config { return a.cfg }

// Orchestrator returns the step coordinator.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orchestrator }

// Dispatcher returns the worker pool.
func (a *App) Dispatcher() *dispatcher.Dispatcher { return a.dispatcher }

// ProxyPool returns the shared proxy pool.
func (a *App) ProxyPool() *proxypool.Pool { return a.pool }

// API returns the admin HTTP server.
func (a *App) API() *api.Server { return a.api }

// Seed enqueues urls through the orchestrator. Invalid or out-of-scope URLs
// are logged and skipped; a store failure aborts.
func (a *App) Seed(ctx context.Context, urls []string) (int, error) {
	accepted := 0
	for _, raw := range urls {
		ok, err := a.orchestrator.EnqueueSeed(ctx, raw)
		switch {
		case errors.Is(err, crawler.ErrStoreUnavailable):
			return accepted, err
		case err != nil:
			a.logger.Warn("Seed rejected", zap.String("url", raw), zap.Error(err))
		case ok:
			accepted++
		}
	}
	a.logger.Info("Seeds enqueued", zap.Int("accepted", accepted), zap.Int("submitted", len(urls)))
	return accepted, nil
}

// Close releases every opened resource in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("Error closing service", zap.String("service", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}
