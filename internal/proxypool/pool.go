// Package proxypool tracks proxy health and selects proxies per request.
package proxypool

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
	"github.com/JakeFAU/adaptive-crawler/internal/metrics"
)

// ErrDuplicateProxy is returned when adding an id that is already registered.
var ErrDuplicateProxy = errors.New("proxy already registered")

// Config tunes ban and sweep behavior. Zero values take the defaults.
type Config struct {
	Strategy            StrategyName
	BanThreshold        int
	BanDuration         time.Duration
	HealthCheckInterval time.Duration
	StickyThreshold     float64
	StickyMaxDomains    int
}

func (c Config) withDefaults() Config {
	if c.Strategy == "" {
		c.Strategy = Adaptive
	}
	if c.BanThreshold <= 0 {
		c.BanThreshold = 5
	}
	if c.BanDuration <= 0 {
		c.BanDuration = time.Hour
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 5 * time.Minute
	}
	if c.StickyThreshold <= 0 {
		c.StickyThreshold = 0.5
	}
	return c
}

// Result is the outcome of one request made through a proxy.
type Result struct {
	Success      bool
	ResponseTime time.Duration
	StatusCode   int
}

// ProxyStats is the per-proxy section of RotationStats.
type ProxyStats struct {
	ID                  string    `json:"id"`
	Host                string    `json:"host"`
	Region              string    `json:"region,omitempty"`
	TotalRequests       int64     `json:"total_requests"`
	SuccessRate         float64   `json:"success_rate"`
	AvgResponseMillis   int64     `json:"avg_response_ms"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	HealthScore         float64   `json:"health_score"`
	Banned              bool      `json:"banned"`
	BannedUntil         time.Time `json:"banned_until,omitzero"`
}

// RotationStats summarizes the pool for operators.
type RotationStats struct {
	Strategy           StrategyName `json:"strategy"`
	TotalProxies       int          `json:"total_proxies"`
	AvailableProxies   int          `json:"available_proxies"`
	BannedProxies      int          `json:"banned_proxies"`
	AverageHealthScore float64      `json:"average_health_score"`
	Proxies            []ProxyStats `json:"proxies"`
}

type entry struct {
	seq    uint64
	desc   crawler.ProxyDescriptor
	health crawler.ProxyHealth
}

// Pool owns proxy descriptors and their health. All methods are safe for concurrent use.
type Pool struct {
	mu        sync.Mutex
	cfg       Config
	order     []string
	nextSeq   uint64
	entries   map[string]*entry
	strategy  Strategy
	rng       *rand.Rand
	clock     crawler.Clock
	store     crawler.HealthStore
	lastSweep time.Time
	logger    *zap.Logger
}

// Option customizes a Pool.
type Option func(*Pool)

// WithHealthStore persists health counters through store.
func WithHealthStore(store crawler.HealthStore) Option {
	return func(p *Pool) { p.store = store }
}

// WithRand overrides the random source used by the random strategies.
func WithRand(rng *rand.Rand) Option {
	return func(p *Pool) { p.rng = rng }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New creates an empty Pool.
func New(cfg Config, clock crawler.Clock, opts ...Option) (*Pool, error) {
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	cfg = cfg.withDefaults()
	strategy, err := NewStrategy(cfg.Strategy, cfg.StickyThreshold, cfg.StickyMaxDomains)
	if err != nil {
		return nil, err
	}
	p := &Pool{
		cfg:      cfg,
		entries:  make(map[string]*entry),
		strategy: strategy,
		rng:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		clock:    clock,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Strategy returns the active strategy name.
func (p *Pool) Strategy() StrategyName {
	return p.strategy.Name()
}

// Add registers a proxy. Health saved under the same ID is restored.
func (p *Pool) Add(ctx context.Context, desc crawler.ProxyDescriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	health := crawler.ProxyHealth{ProxyID: desc.ID}
	if p.store != nil {
		saved, ok, err := p.store.LoadHealth(ctx, desc.ID)
		if err != nil {
			return crawler.StoreError("load proxy health", err)
		}
		if ok {
			health = saved
			health.ProxyID = desc.ID
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.entries[desc.ID]; exists {
		return fmt.Errorf("add %s: %w", desc.ID, ErrDuplicateProxy)
	}
	p.nextSeq++
	p.entries[desc.ID] = &entry{seq: p.nextSeq, desc: desc, health: health}
	p.order = append(p.order, desc.ID)
	metrics.SetAvailableProxies(p.availableLocked(p.clock.Now()))
	p.logger.Info("Proxy added", zap.String("proxy_id", desc.ID), zap.String("host", desc.Host))
	return nil
}

// Remove evicts a proxy and its stored health.
func (p *Pool) Remove(ctx context.Context, id string) error {
	p.mu.Lock()
	if _, ok := p.entries[id]; !ok {
		p.mu.Unlock()
		return fmt.Errorf("remove %s: %w", id, crawler.ErrUnknownProxy)
	}
	delete(p.entries, id)
	for i, existing := range p.order {
		if existing == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	if a, ok := p.strategy.(*adaptive); ok {
		a.forget(id)
	}
	metrics.SetAvailableProxies(p.availableLocked(p.clock.Now()))
	p.mu.Unlock()

	if p.store != nil {
		if err := p.store.DeleteHealth(ctx, id); err != nil {
			return crawler.StoreError("delete proxy health", err)
		}
	}
	return nil
}

// Select picks an eligible proxy for domain. Banned proxies and those listed in
// exclude are never returned. It returns crawler.ErrNoProxyAvailable when none is eligible.
func (p *Pool) Select(_ context.Context, purpose, domain string, exclude ...string) (crawler.ProxyDescriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	p.maybeSweepLocked(now)

	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	candidates := make([]candidate, 0, len(p.order))
	for _, id := range p.order {
		if _, excluded := skip[id]; excluded {
			continue
		}
		e := p.entries[id]
		if !p.eligibleLocked(e, now) {
			continue
		}
		candidates = append(candidates, candidate{
			id:       id,
			seq:      e.seq,
			score:    HealthScore(e.health, now, p.cfg.BanThreshold),
			requests: e.health.TotalRequests,
		})
	}
	if len(candidates) == 0 {
		metrics.ObserveProxySelection(string(p.strategy.Name()), "none")
		return crawler.ProxyDescriptor{}, crawler.ErrNoProxyAvailable
	}
	id := p.strategy.Pick(candidates, domain, p.rng)
	metrics.ObserveProxySelection(string(p.strategy.Name()), "ok")
	p.logger.Debug("Proxy selected",
		zap.String("proxy_id", id),
		zap.String("domain", domain),
		zap.String("purpose", purpose),
	)
	return p.entries[id].desc, nil
}

// Report folds a request outcome into the proxy's health and bans it once the
// consecutive failure count reaches the threshold.
func (p *Pool) Report(ctx context.Context, id string, result Result) error {
	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("report %s: %w", id, crawler.ErrUnknownProxy)
	}
	now := p.clock.Now()
	h := &e.health
	h.TotalRequests++
	if result.Success {
		h.Successes++
		h.ConsecutiveFailures = 0
		h.CumulativeResponseTime += result.ResponseTime
		h.LastSuccess = now
	} else {
		h.Failures++
		h.ConsecutiveFailures++
		h.LastFailure = now
		if h.ConsecutiveFailures >= p.cfg.BanThreshold && !IsBanned(*h, now) {
			h.BannedUntil = now.Add(p.cfg.BanDuration)
			metrics.ObserveProxyBan()
			p.logger.Warn("Proxy banned",
				zap.String("proxy_id", id),
				zap.Int("consecutive_failures", h.ConsecutiveFailures),
				zap.Int("status_code", result.StatusCode),
				zap.Time("banned_until", h.BannedUntil),
			)
		}
	}
	snapshot := *h
	metrics.SetAvailableProxies(p.availableLocked(now))
	p.mu.Unlock()

	if p.store != nil {
		if err := p.store.SaveHealth(ctx, snapshot); err != nil {
			return crawler.StoreError("save proxy health", err)
		}
	}
	return nil
}

// Sweep clears expired bans and resets the failure streak of recovered proxies.
// It returns the number of proxies recovered.
func (p *Pool) Sweep(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sweepLocked(now)
}

func (p *Pool) maybeSweepLocked(now time.Time) {
	if !p.lastSweep.IsZero() && now.Sub(p.lastSweep) < p.cfg.HealthCheckInterval {
		return
	}
	p.sweepLocked(now)
}

func (p *Pool) sweepLocked(now time.Time) int {
	p.lastSweep = now
	recovered := 0
	for _, id := range p.order {
		h := &p.entries[id].health
		if h.BannedUntil.IsZero() || IsBanned(*h, now) {
			continue
		}
		h.BannedUntil = time.Time{}
		h.ConsecutiveFailures = 0
		recovered++
		p.logger.Info("Proxy ban expired", zap.String("proxy_id", id))
	}
	metrics.SetAvailableProxies(p.availableLocked(now))
	return recovered
}

func (p *Pool) eligibleLocked(e *entry, now time.Time) bool {
	if IsBanned(e.health, now) {
		return false
	}
	return e.health.ConsecutiveFailures < p.cfg.BanThreshold
}

func (p *Pool) availableLocked(now time.Time) int {
	n := 0
	for _, id := range p.order {
		if p.eligibleLocked(p.entries[id], now) {
			n++
		}
	}
	return n
}

// Health returns the raw counters and current score for id.
func (p *Pool) Health(id string) (crawler.ProxyHealth, float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return crawler.ProxyHealth{}, 0, false
	}
	return e.health, HealthScore(e.health, p.clock.Now(), p.cfg.BanThreshold), true
}

// Len returns the number of registered proxies.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

// Stats returns a snapshot for operators.
func (p *Pool) Stats() RotationStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	stats := RotationStats{
		Strategy:     p.strategy.Name(),
		TotalProxies: len(p.order),
		Proxies:      make([]ProxyStats, 0, len(p.order)),
	}
	var scoreSum float64
	for _, id := range p.order {
		e := p.entries[id]
		score := HealthScore(e.health, now, p.cfg.BanThreshold)
		banned := IsBanned(e.health, now)
		if banned {
			stats.BannedProxies++
		}
		if p.eligibleLocked(e, now) {
			stats.AvailableProxies++
		}
		scoreSum += score
		ps := ProxyStats{
			ID:                  id,
			Host:                e.desc.Host,
			Region:              e.desc.Region,
			TotalRequests:       e.health.TotalRequests,
			SuccessRate:         SuccessRate(e.health),
			AvgResponseMillis:   AverageResponseTime(e.health).Milliseconds(),
			ConsecutiveFailures: e.health.ConsecutiveFailures,
			HealthScore:         score,
			Banned:              banned,
		}
		if banned {
			ps.BannedUntil = e.health.BannedUntil
		}
		stats.Proxies = append(stats.Proxies, ps)
	}
	if len(p.order) > 0 {
		stats.AverageHealthScore = scoreSum / float64(len(p.order))
	}
	return stats
}
