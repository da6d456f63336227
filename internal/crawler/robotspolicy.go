package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultRobotsTTL        = 6 * time.Hour
	defaultRobotsFailureTTL = 5 * time.Minute
	robotsMaxBytes          = 1 << 20

	// RobotsPurpose is the proxy selection purpose for robots.txt requests.
	RobotsPurpose = "robots"
)

// errNoRobotsRoute means no proxy was eligible and direct access is disallowed.
var errNoRobotsRoute = errors.New("no proxy for robots.txt and direct access disallowed")

// ProxySelector picks a proxy for a request to domain.
type ProxySelector interface {
	Select(ctx context.Context, purpose, domain string, exclude ...string) (ProxyDescriptor, error)
}

// RobotsConfig controls robots.txt enforcement.
type RobotsConfig struct {
	Respect    bool
	CacheTTL   time.Duration
	FailureTTL time.Duration
	Timeout    time.Duration
	// Fetcher carries robots.txt requests. Nil uses a plain HTTP client.
	Fetcher Fetcher
	// Proxies supplies the proxy for each request. Nil fetches directly.
	Proxies     ProxySelector
	AllowDirect bool
}

// RobotsEnforcer evaluates robots.txt per host and caches the parsed rules.
// Failed fetches are cached for FailureTTL and allow every URL on the host.
type RobotsEnforcer struct {
	cfg    RobotsConfig
	client *http.Client
	cache  sync.Map
	group  singleflight.Group
	clock  Clock
	logger *zap.Logger
}

type robotsEntry struct {
	data      *robotstxt.RobotsData
	err       error
	expiresAt time.Time
}

// NewRobotsEnforcer builds a Robots implementation. When respect is off every URL is allowed.
func NewRobotsEnforcer(cfg RobotsConfig, clock Clock, logger *zap.Logger) Robots {
	if !cfg.Respect {
		return allowAllRobots{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultRobotsTTL
	}
	if cfg.FailureTTL <= 0 {
		cfg.FailureTTL = defaultRobotsFailureTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &RobotsEnforcer{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		clock:  clock,
		logger: logger,
	}
}

// CanFetch reports whether userAgent may fetch rawURL and any Crawl-delay the host declares.
// Fetch or parse failures allow the URL.
func (r *RobotsEnforcer) CanFetch(ctx context.Context, rawURL, userAgent string) (bool, time.Duration) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return false, 0
	}
	data, err := r.load(ctx, parsed, userAgent)
	if err != nil {
		return true, 0
	}
	group := data.FindGroup(userAgent)
	if group == nil {
		return true, 0
	}
	target := parsed.EscapedPath()
	if parsed.RawQuery != "" {
		target += "?" + parsed.RawQuery
	}
	return group.Test(target), group.CrawlDelay
}

func (r *RobotsEnforcer) load(ctx context.Context, parsed *url.URL, userAgent string) (*robotstxt.RobotsData, error) {
	hostKey := strings.ToLower(parsed.Scheme + "://" + parsed.Host)
	if entry, ok := r.cached(hostKey); ok {
		return entry.data, entry.err
	}

	v, err, _ := r.group.Do(hostKey, func() (any, error) {
		if entry, ok := r.cached(hostKey); ok {
			return entry.data, entry.err
		}
		data, err := r.fetch(ctx, parsed, userAgent)
		now := r.now()
		switch {
		case err == nil:
			r.cache.Store(hostKey, robotsEntry{data: data, expiresAt: now.Add(r.cfg.CacheTTL)})
		case ctx.Err() != nil:
			// Shutdown says nothing about the host.
		default:
			r.logger.Warn("Robots fetch failed; allowing access",
				zap.String("host", parsed.Host),
				zap.Duration("retry_after", r.cfg.FailureTTL),
				zap.Error(err),
			)
			r.cache.Store(hostKey, robotsEntry{err: err, expiresAt: now.Add(r.cfg.FailureTTL)})
		}
		return data, err
	})
	if err != nil {
		return nil, err
	}
	data, ok := v.(*robotstxt.RobotsData)
	if !ok {
		return nil, fmt.Errorf("robots result type mismatch: %T", v)
	}
	return data, nil
}

func (r *RobotsEnforcer) cached(hostKey string) (robotsEntry, bool) {
	v, ok := r.cache.Load(hostKey)
	if !ok {
		return robotsEntry{}, false
	}
	entry, ok := v.(robotsEntry)
	if !ok || !r.now().Before(entry.expiresAt) {
		return robotsEntry{}, false
	}
	return entry, true
}

func (r *RobotsEnforcer) fetch(ctx context.Context, parsed *url.URL, userAgent string) (*robotstxt.RobotsData, error) {
	robotsURL := url.URL{Scheme: parsed.Scheme, Host: strings.ToLower(parsed.Host), Path: "/robots.txt"}
	proxy, err := r.route(ctx, strings.ToLower(parsed.Hostname()))
	if err != nil {
		return nil, err
	}

	var (
		status int
		body   []byte
	)
	if r.cfg.Fetcher != nil {
		headers := http.Header{}
		headers.Set("User-Agent", userAgent)
		resp, err := r.cfg.Fetcher.Fetch(ctx, FetchRequest{
			URL:     robotsURL.String(),
			Headers: headers,
			Proxy:   proxy,
			Timeout: r.cfg.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("fetch robots: %w", err)
		}
		status, body = resp.StatusCode, resp.Body
		if len(body) > robotsMaxBytes {
			body = body[:robotsMaxBytes]
		}
	} else {
		status, body, err = r.fetchDirect(ctx, robotsURL.String(), userAgent)
		if err != nil {
			return nil, err
		}
	}

	data, err := robotstxt.FromStatusAndBytes(status, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}

// route picks the proxy for a robots.txt request. A nil proxy means direct.
func (r *RobotsEnforcer) route(ctx context.Context, domain string) (*ProxyDescriptor, error) {
	if r.cfg.Proxies == nil {
		return nil, nil
	}
	desc, err := r.cfg.Proxies.Select(ctx, RobotsPurpose, domain)
	switch {
	case err == nil:
		return &desc, nil
	case errors.Is(err, ErrNoProxyAvailable) && r.cfg.AllowDirect:
		return nil, nil
	case errors.Is(err, ErrNoProxyAvailable):
		return nil, errNoRobotsRoute
	default:
		return nil, fmt.Errorf("select robots proxy: %w", err)
	}
}

func (r *RobotsEnforcer) fetchDirect(ctx context.Context, robotsURL, userAgent string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := r.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			r.logger.Debug("Failed to close robots response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, robotsMaxBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("read robots body: %w", err)
	}
	return resp.StatusCode, body, nil
}

func (r *RobotsEnforcer) now() time.Time {
	if r.clock == nil {
		return time.Now().UTC()
	}
	return r.clock.Now()
}

type allowAllRobots struct{}

func (allowAllRobots) CanFetch(context.Context, string, string) (bool, time.Duration) {
	return true, 0
}
