// Package policy maintains the adaptive per-domain crawl policy: politeness
// delay, backoff windows and transport escalation driven by fetch feedback.
package policy

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
	"github.com/JakeFAU/adaptive-crawler/internal/metrics"
)

// Config tunes the policy transitions. Zero values take the defaults.
type Config struct {
	MinDelay            float64
	MaxDelay            float64
	BackoffFactor       float64
	SuccessDecay        float64
	ErrorRateAlpha      float64
	TTL                 time.Duration
	BlockingStatuses    []int
	DefaultHeaderFamily string
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		MinDelay:            2.0,
		MaxDelay:            60.0,
		BackoffFactor:       5.0,
		SuccessDecay:        0.95,
		ErrorRateAlpha:      0.1,
		TTL:                 24 * time.Hour,
		BlockingStatuses:    []int{http.StatusTooManyRequests, http.StatusForbidden, http.StatusServiceUnavailable},
		DefaultHeaderFamily: crawler.DefaultHeaderFamily,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinDelay <= 0 {
		c.MinDelay = d.MinDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = d.BackoffFactor
	}
	if c.SuccessDecay <= 0 || c.SuccessDecay > 1 {
		c.SuccessDecay = d.SuccessDecay
	}
	if c.ErrorRateAlpha <= 0 || c.ErrorRateAlpha > 1 {
		c.ErrorRateAlpha = d.ErrorRateAlpha
	}
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
	if len(c.BlockingStatuses) == 0 {
		c.BlockingStatuses = d.BlockingStatuses
	}
	if c.DefaultHeaderFamily == "" {
		c.DefaultHeaderFamily = d.DefaultHeaderFamily
	}
	return c
}

const lockStripes = 64

// Manager owns DomainPolicy state. Read-modify-write cycles for one domain are
// serialized within the process; across processes the store is last-write-wins.
type Manager struct {
	store    crawler.PolicyStore
	clock    crawler.Clock
	cfg      Config
	blocking map[int]struct{}
	stripes  [lockStripes]sync.Mutex
	logger   *zap.Logger
}

// NewManager constructs a Manager.
func NewManager(store crawler.PolicyStore, clock crawler.Clock, cfg Config, logger *zap.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("policy store is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	blocking := make(map[int]struct{}, len(cfg.BlockingStatuses))
	for _, code := range cfg.BlockingStatuses {
		blocking[code] = struct{}{}
	}
	return &Manager{
		store:    store,
		clock:    clock,
		cfg:      cfg,
		blocking: blocking,
		logger:   logger,
	}, nil
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// IsBlockingStatus reports whether code is a blocking signal.
func (m *Manager) IsBlockingStatus(code int) bool {
	_, ok := m.blocking[code]
	return ok
}

// GetPolicy returns the stored policy or fresh defaults. Defaults are not persisted.
func (m *Manager) GetPolicy(ctx context.Context, domain string) (crawler.DomainPolicy, error) {
	domain = normalizeDomain(domain)
	p, ok, err := m.store.Load(ctx, domain)
	if err != nil {
		return crawler.DomainPolicy{}, crawler.StoreError("load policy", err)
	}
	if !ok {
		return m.defaults(domain), nil
	}
	return p, nil
}

// UpdateOnSuccess decays the delay toward the floor. The transport is never downgraded.
func (m *Manager) UpdateOnSuccess(ctx context.Context, domain string) (crawler.DomainPolicy, error) {
	return m.mutate(ctx, domain, func(p *crawler.DomainPolicy, _ time.Time) bool {
		p.CurrentDelay = math.Max(p.CurrentDelay*m.cfg.SuccessDecay, m.cfg.MinDelay)
		p.ErrorRate *= 1 - m.cfg.ErrorRateAlpha
		p.ConsecutiveBlocks = 0
		return true
	})
}

// UpdateOnFailure folds a failed fetch into the policy. Blocking statuses double the
// delay, open a backoff window and escalate to the browser transport. Other statuses,
// including 0 for transport errors, only move the error rate.
func (m *Manager) UpdateOnFailure(ctx context.Context, domain string, statusCode int) (crawler.DomainPolicy, error) {
	blocking := m.IsBlockingStatus(statusCode)
	return m.mutate(ctx, domain, func(p *crawler.DomainPolicy, now time.Time) bool {
		p.ErrorRate = p.ErrorRate*(1-m.cfg.ErrorRateAlpha) + m.cfg.ErrorRateAlpha
		if blocking {
			m.applyBlock(p, now)
		}
		return true
	})
}

// RecordBlock applies the blocking transition for a challenge page served with a 2xx status.
func (m *Manager) RecordBlock(ctx context.Context, domain string) (crawler.DomainPolicy, error) {
	return m.mutate(ctx, domain, func(p *crawler.DomainPolicy, now time.Time) bool {
		p.ErrorRate = p.ErrorRate*(1-m.cfg.ErrorRateAlpha) + m.cfg.ErrorRateAlpha
		m.applyBlock(p, now)
		return true
	})
}

// ApplyCrawlDelay raises the delay to a robots.txt Crawl-delay hint, capped at MaxDelay.
// The policy is only written when the delay changes.
func (m *Manager) ApplyCrawlDelay(ctx context.Context, domain string, hint time.Duration) (crawler.DomainPolicy, error) {
	seconds := math.Min(hint.Seconds(), m.cfg.MaxDelay)
	return m.mutate(ctx, domain, func(p *crawler.DomainPolicy, _ time.Time) bool {
		if seconds <= p.CurrentDelay {
			return false
		}
		p.CurrentDelay = seconds
		return true
	})
}

func (m *Manager) applyBlock(p *crawler.DomainPolicy, now time.Time) {
	p.CurrentDelay = math.Min(p.CurrentDelay*2, m.cfg.MaxDelay)
	window := time.Duration(p.CurrentDelay * m.cfg.BackoffFactor * float64(time.Second))
	p.BackoffUntil = now.Add(window)
	p.ConsecutiveBlocks++
	metrics.ObserveBackoff(p.Domain)
	if p.Transport != crawler.TransportBrowser {
		p.Transport = crawler.TransportBrowser
		metrics.ObserveEscalation(p.Domain)
		m.logger.Info("Escalated domain to browser transport", zap.String("domain", p.Domain))
	}
	m.logger.Debug("Domain backoff",
		zap.String("domain", p.Domain),
		zap.Float64("delay_seconds", p.CurrentDelay),
		zap.Time("backoff_until", p.BackoffUntil),
	)
}

func (m *Manager) mutate(
	ctx context.Context,
	domain string,
	fn func(p *crawler.DomainPolicy, now time.Time) bool,
) (crawler.DomainPolicy, error) {
	domain = normalizeDomain(domain)
	if domain == "" {
		return crawler.DomainPolicy{}, errors.New("domain is required")
	}
	mu := m.stripe(domain)
	mu.Lock()
	defer mu.Unlock()

	p, ok, err := m.store.Load(ctx, domain)
	if err != nil {
		return crawler.DomainPolicy{}, crawler.StoreError("load policy", err)
	}
	if !ok {
		p = m.defaults(domain)
	}
	now := m.clock.Now()
	if !fn(&p, now) {
		return p, nil
	}
	p.UpdatedAt = now
	if err := m.store.Save(ctx, p, m.cfg.TTL); err != nil {
		return crawler.DomainPolicy{}, crawler.StoreError("save policy", err)
	}
	return p, nil
}

func (m *Manager) defaults(domain string) crawler.DomainPolicy {
	return crawler.DomainPolicy{
		Domain:       domain,
		Transport:    crawler.TransportHTTP,
		CurrentDelay: m.cfg.MinDelay,
		HeaderFamily: m.cfg.DefaultHeaderFamily,
	}
}

func (m *Manager) stripe(domain string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(domain))
	return &m.stripes[h.Sum32()%lockStripes]
}

func normalizeDomain(domain string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
}
