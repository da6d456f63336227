package orchestrator

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/adaptive-crawler/internal/archive"
	"github.com/JakeFAU/adaptive-crawler/internal/clock"
	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
	"github.com/JakeFAU/adaptive-crawler/internal/frontier"
	"github.com/JakeFAU/adaptive-crawler/internal/hash/sha256"
	"github.com/JakeFAU/adaptive-crawler/internal/id/uuid"
	"github.com/JakeFAU/adaptive-crawler/internal/policy"
	"github.com/JakeFAU/adaptive-crawler/internal/proxypool"
	pubmemory "github.com/JakeFAU/adaptive-crawler/internal/publisher/memory"
	"github.com/JakeFAU/adaptive-crawler/internal/storage/memory"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeReply struct {
	resp crawler.FetchResponse
	err  error
}

type fakeFetcher struct {
	mu      sync.Mutex
	replies map[string]fakeReply
	calls   []crawler.FetchRequest
	onFetch func(crawler.FetchRequest)
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{replies: make(map[string]fakeReply)}
}

func (f *fakeFetcher) reply(rawURL string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[rawURL] = fakeReply{resp: crawler.FetchResponse{StatusCode: status, Body: []byte(body)}}
}

func (f *fakeFetcher) fail(rawURL string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[rawURL] = fakeReply{err: err}
}

func (f *fakeFetcher) redirect(rawURL, finalURL string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[rawURL] = fakeReply{resp: crawler.FetchResponse{URL: finalURL, StatusCode: http.StatusOK}}
}

func (f *fakeFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	r, ok := f.replies[req.URL]
	hook := f.onFetch
	f.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	if !ok {
		r = fakeReply{resp: crawler.FetchResponse{StatusCode: http.StatusOK, Body: []byte("<html></html>")}}
	}
	if r.err != nil {
		return crawler.FetchResponse{}, r.err
	}
	if r.resp.URL == "" {
		r.resp.URL = req.URL
	}
	return r.resp, nil
}

func (f *fakeFetcher) requests() []crawler.FetchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]crawler.FetchRequest(nil), f.calls...)
}

type fakeRobots struct {
	allowed bool
	delay   time.Duration
}

func (r fakeRobots) CanFetch(context.Context, string, string) (bool, time.Duration) {
	return r.allowed, r.delay
}

type cancelPauser struct{}

func (cancelPauser) Pause(context.Context, time.Duration) error {
	return context.Canceled
}

// hookPauser runs onPause once, standing in for another worker acting
// while this one sleeps.
type hookPauser struct {
	once    sync.Once
	onPause func()
}

func (p *hookPauser) Pause(context.Context, time.Duration) error {
	if p.onPause != nil {
		p.once.Do(p.onPause)
	}
	return nil
}

type brokenPolicyStore struct{}

func (brokenPolicyStore) Load(context.Context, string) (crawler.DomainPolicy, bool, error) {
	return crawler.DomainPolicy{}, false, errors.New("connection refused")
}

func (brokenPolicyStore) Save(context.Context, crawler.DomainPolicy, time.Duration) error {
	return errors.New("connection refused")
}

type harness struct {
	orch     *Orchestrator
	frontier *frontier.Frontier
	policies *policy.Manager
	pool     *proxypool.Pool
	clock    *clock.Manual
	http     *fakeFetcher
	browser  *fakeFetcher
}

type harnessOptions struct {
	cfg      Config
	proxies  []string
	robots   crawler.Robots
	pauser   crawler.Pauser
	store    crawler.PolicyStore
	scope    *crawler.Scope
	archiver Archiver
	blocks   crawler.BlockDetector
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	clk := clock.NewManual(start)
	f, err := frontier.New(memory.NewFrontierStore(), clk, nil)
	require.NoError(t, err)

	store := opts.store
	if store == nil {
		store = memory.NewPolicyStore(clk)
	}
	policies, err := policy.NewManager(store, clk, policy.Config{}, nil)
	require.NoError(t, err)

	var pool *proxypool.Pool
	if opts.proxies != nil {
		pool, err = proxypool.New(proxypool.Config{Strategy: proxypool.RoundRobin}, clk,
			proxypool.WithRand(rand.New(rand.NewPCG(1, 2))))
		require.NoError(t, err)
		for _, id := range opts.proxies {
			require.NoError(t, pool.Add(context.Background(), crawler.ProxyDescriptor{ID: id, Host: id + ".proxy.test", Port: 8080}))
		}
	}
	pauser := opts.pauser
	if pauser == nil {
		pauser = crawler.NoopPauser{}
	}
	robots := opts.robots
	if robots == nil {
		robots = fakeRobots{allowed: true}
	}

	h := &harness{
		frontier: f,
		policies: policies,
		pool:     pool,
		clock:    clk,
		http:     newFakeFetcher(),
		browser:  newFakeFetcher(),
	}
	deps := Deps{
		Frontier: f,
		Policies: policies,
		Robots:   robots,
		HTTP:     h.http,
		Browser:  h.browser,
		Blocks:   opts.blocks,
		Scope:    opts.scope,
		Archiver: opts.archiver,
		Pauser:   pauser,
		Clock:    clk,
	}
	if pool != nil {
		deps.Proxies = pool
	}
	h.orch, err = New(opts.cfg, deps)
	require.NoError(t, err)
	return h
}

func (h *harness) seed(t *testing.T, urls ...string) {
	t.Helper()
	for _, u := range urls {
		ok, err := h.orch.EnqueueSeed(context.Background(), u)
		require.NoError(t, err)
		require.True(t, ok, u)
	}
}

func TestNewRequiresCoreDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	require.Error(t, err)

	h := newHarness(t, harnessOptions{})
	_, err = New(Config{}, Deps{Frontier: h.frontier, Policies: h.policies, Clock: h.clock})
	require.ErrorContains(t, err, "http fetcher")
}

func TestStepIdleOnEmptyFrontier(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})
	res, err := h.orch.Step(context.Background())
	require.NoError(t, err)
	require.Equal(t, StepIdle, res.Outcome)
}

func TestStepSkipsRobotsDisallowed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{robots: fakeRobots{allowed: false}})
	h.seed(t, "https://shop.test/private")

	res, err := h.orch.Step(context.Background())
	require.NoError(t, err)
	require.Equal(t, StepSkipped, res.Outcome)
	require.ErrorIs(t, res.Err, crawler.ErrRobotsDisallowed)
	require.Empty(t, h.http.requests())

	visited, err := h.frontier.IsVisited(context.Background(), "https://shop.test/private")
	require.NoError(t, err)
	require.True(t, visited)
}

func TestStepAppliesRobotsCrawlDelay(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{robots: fakeRobots{allowed: true, delay: 10 * time.Second}})
	h.seed(t, "https://shop.test/a")

	_, err := h.orch.Step(context.Background())
	require.NoError(t, err)
	p, err := h.policies.GetPolicy(context.Background(), "shop.test")
	require.NoError(t, err)
	// 10s raised by the hint, then one success decay.
	require.InDelta(t, 9.5, p.CurrentDelay, 1e-9)
}

func TestStepRequeuesDuringBackoff(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})
	_, err := h.policies.RecordBlock(context.Background(), "shop.test")
	require.NoError(t, err)
	h.seed(t, "https://shop.test/a")

	res, err := h.orch.Step(context.Background())
	require.NoError(t, err)
	require.Equal(t, StepBackoff, res.Outcome)
	require.Empty(t, h.http.requests())
	n, err := h.orch.Pending(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	h.clock.Advance(21 * time.Second)
	res, err = h.orch.Step(context.Background())
	require.NoError(t, err)
	require.Equal(t, StepSuccess, res.Outcome)
}

func TestStepRechecksPolicyAfterPause(t *testing.T) {
	t.Parallel()

	pauser := &hookPauser{}
	h := newHarness(t, harnessOptions{pauser: pauser})
	pauser.onPause = func() {
		_, err := h.policies.UpdateOnFailure(context.Background(), "shop.test", http.StatusTooManyRequests)
		require.NoError(t, err)
	}
	h.seed(t, "https://shop.test/a")

	res, err := h.orch.Step(context.Background())
	require.NoError(t, err)
	require.Equal(t, StepBackoff, res.Outcome)
	require.Nil(t, res.Fetch)
	require.Empty(t, h.http.requests())
	require.Empty(t, h.browser.requests())
	n, err := h.orch.Pending(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	h.clock.Advance(time.Hour)
	res, err = h.orch.Step(context.Background())
	require.NoError(t, err)
	require.Equal(t, StepSuccess, res.Outcome)
	require.Equal(t, crawler.TransportBrowser, res.Fetch.Transport)
	require.Empty(t, h.http.requests())
	require.Len(t, h.browser.requests(), 1)
}

func TestStepSuccessArchivesAndExpandsLinks(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	pub := pubmemory.New()
	arch, err := archive.New(archive.Config{BlobPrefix: "pages", Topic: "crawl-events"},
		blobs, pub, sha256.New(), uuid.New(), clock.NewManual(start), nil)
	require.NoError(t, err)

	h := newHarness(t, harnessOptions{
		cfg:      Config{LinkPriority: 5},
		proxies:  []string{"p1"},
		scope:    crawler.NewScope(crawler.ScopeConfig{SameHostOnly: true, MaxDepth: 2}),
		archiver: arch,
	})
	h.seed(t, "https://shop.test/")
	h.http.reply("https://shop.test/", http.StatusOK, `<html><body>
		<a href="/item/1">one</a>
		<a href="https://shop.test/item/2#reviews">two</a>
		<a href="https://elsewhere.test/">away</a>
	</body></html>`)

	res, err := h.orch.Step(context.Background())
	require.NoError(t, err)
	require.Equal(t, StepSuccess, res.Outcome)
	require.Equal(t, 2, res.Enqueued)
	require.Equal(t, "p1", res.Fetch.ProxyID)
	require.Len(t, res.Fetch.Links, 3)

	reqs := h.http.requests()
	require.Len(t, reqs, 1)
	require.NotNil(t, reqs[0].Proxy)
	require.Contains(t, reqs[0].Headers.Get("User-Agent"), "Chrome")

	require.Len(t, blobs.Paths(), 1)
	msgs := pub.Messages("crawl-events")
	require.Len(t, msgs, 1)
	var ev archive.Event
	require.NoError(t, msgs[0].Decode(&ev))
	require.Equal(t, "shop.test", ev.Domain)
	require.Equal(t, "p1", ev.ProxyID)

	health, _, ok := h.pool.Health("p1")
	require.True(t, ok)
	require.EqualValues(t, 1, health.Successes)

	next, ok, err := h.frontier.Dequeue(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, next.Depth)
	require.Equal(t, 5, next.Priority)
	require.Equal(t, "https://shop.test/", next.ParentURL)
}

func TestStepEscalatesAfterBlockingStatuses(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})
	urls := []string{
		"https://shop.test/1", "https://shop.test/2", "https://shop.test/3",
		"https://shop.test/4", "https://shop.test/5", "https://shop.test/6",
	}
	h.seed(t, urls...)
	h.http.reply(urls[0], http.StatusServiceUnavailable, "")
	for _, u := range urls[1:5] {
		h.browser.reply(u, http.StatusServiceUnavailable, "")
	}

	wantDelay := []float64{4, 8, 16, 32, 60}
	for i := range 5 {
		res, err := h.orch.Step(context.Background())
		require.NoError(t, err)
		require.Equal(t, StepFailure, res.Outcome, "step %d", i)
		p, err := h.policies.GetPolicy(context.Background(), "shop.test")
		require.NoError(t, err)
		require.Equal(t, crawler.TransportBrowser, p.Transport)
		require.InDelta(t, wantDelay[i], p.CurrentDelay, 1e-9)
		require.True(t, p.InBackoff(h.clock.Now()))
		h.clock.Advance(time.Hour)
	}
	require.Len(t, h.http.requests(), 1)
	require.Len(t, h.browser.requests(), 4)

	p, state, err := h.orch.GetPolicy(context.Background(), "shop.test")
	require.NoError(t, err)
	require.Equal(t, policy.StateEscalated, state)
	require.Equal(t, 5, p.ConsecutiveBlocks)

	res, err := h.orch.Step(context.Background())
	require.NoError(t, err)
	require.Equal(t, StepSuccess, res.Outcome)
	require.Equal(t, crawler.TransportBrowser, res.Fetch.Transport)
	p, err = h.policies.GetPolicy(context.Background(), "shop.test")
	require.NoError(t, err)
	require.Equal(t, crawler.TransportBrowser, p.Transport, "never downgraded")
	require.InDelta(t, 57, p.CurrentDelay, 1e-9)
}

func TestStepDetectsBlockPage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{
		proxies: []string{"p1"},
		blocks:  crawler.NewHeuristicBlockDetector(0, nil, nil),
	})
	h.seed(t, "https://shop.test/a")
	h.http.reply("https://shop.test/a", http.StatusOK, "<html><body>Please complete the CAPTCHA</body></html>")

	res, err := h.orch.Step(context.Background())
	require.NoError(t, err)
	require.Equal(t, StepFailure, res.Outcome)
	require.True(t, res.Fetch.Blocked)
	require.Zero(t, res.Enqueued)

	p, err := h.policies.GetPolicy(context.Background(), "shop.test")
	require.NoError(t, err)
	require.Equal(t, crawler.TransportBrowser, p.Transport)
	require.Equal(t, 1, p.ConsecutiveBlocks)

	health, _, _ := h.pool.Health("p1")
	require.EqualValues(t, 1, health.Failures)
}

func TestStepTransportErrorCountsAgainstProxyOnly(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{proxies: []string{"p1"}})
	h.seed(t, "https://shop.test/a")
	h.http.fail("https://shop.test/a", errors.New("connection reset"))

	res, err := h.orch.Step(context.Background())
	require.NoError(t, err)
	require.Equal(t, StepFailure, res.Outcome)
	require.ErrorContains(t, res.Err, "connection reset")

	p, err := h.policies.GetPolicy(context.Background(), "shop.test")
	require.NoError(t, err)
	require.Equal(t, crawler.TransportHTTP, p.Transport)
	require.InDelta(t, 0.1, p.ErrorRate, 1e-9)
	require.False(t, p.InBackoff(h.clock.Now()))

	health, _, _ := h.pool.Health("p1")
	require.EqualValues(t, 1, health.Failures)
	require.Equal(t, 1, health.ConsecutiveFailures)

	visited, err := h.frontier.IsVisited(context.Background(), "https://shop.test/a")
	require.NoError(t, err)
	require.True(t, visited, "no retries")
}

func TestStepNonBlockingStatus(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{proxies: []string{"p1"}})
	h.seed(t, "https://shop.test/missing", "https://shop.test/broken")
	h.http.reply("https://shop.test/missing", http.StatusNotFound, "")
	h.http.reply("https://shop.test/broken", http.StatusInternalServerError, "")

	res, err := h.orch.Step(context.Background())
	require.NoError(t, err)
	require.Equal(t, StepFailure, res.Outcome)
	health, _, _ := h.pool.Health("p1")
	require.EqualValues(t, 1, health.Successes, "404 is not the proxy's fault")

	res, err = h.orch.Step(context.Background())
	require.NoError(t, err)
	require.Equal(t, StepFailure, res.Outcome)
	health, _, _ = h.pool.Health("p1")
	require.EqualValues(t, 1, health.Failures)

	p, err := h.policies.GetPolicy(context.Background(), "shop.test")
	require.NoError(t, err)
	require.Equal(t, crawler.TransportHTTP, p.Transport)
	require.InDelta(t, 2.0, p.CurrentDelay, 1e-9)
}

func TestStepWithoutProxies(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{proxies: []string{}})
	h.seed(t, "https://shop.test/a")
	res, err := h.orch.Step(context.Background())
	require.NoError(t, err)
	require.Equal(t, StepFailure, res.Outcome)
	require.ErrorIs(t, res.Err, crawler.ErrNoProxyAvailable)
	require.Empty(t, h.http.requests())
	visited, err := h.frontier.IsVisited(context.Background(), "https://shop.test/a")
	require.NoError(t, err)
	require.True(t, visited)

	direct := newHarness(t, harnessOptions{proxies: []string{}, cfg: Config{AllowDirect: true}})
	direct.seed(t, "https://shop.test/a")
	res, err = direct.orch.Step(context.Background())
	require.NoError(t, err)
	require.Equal(t, StepSuccess, res.Outcome)
	require.Empty(t, res.Fetch.ProxyID)
	reqs := direct.http.requests()
	require.Len(t, reqs, 1)
	require.Nil(t, reqs[0].Proxy)
}

func TestStepIgnoresProxyRemovedMidFlight(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{proxies: []string{"p1"}})
	h.http.onFetch = func(req crawler.FetchRequest) {
		require.NoError(t, h.pool.Remove(context.Background(), req.Proxy.ID))
	}
	h.seed(t, "https://shop.test/a")

	res, err := h.orch.Step(context.Background())
	require.NoError(t, err)
	require.Equal(t, StepSuccess, res.Outcome)
	require.Zero(t, h.orch.GetRotationStats().TotalProxies)
}

func TestStepMarksRedirectTargetVisited(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})
	h.seed(t, "https://shop.test/old")
	h.http.redirect("https://shop.test/old", "https://shop.test/new")

	res, err := h.orch.Step(context.Background())
	require.NoError(t, err)
	require.Equal(t, StepSuccess, res.Outcome)

	visited, err := h.frontier.IsVisited(context.Background(), "https://shop.test/new")
	require.NoError(t, err)
	require.True(t, visited)
	ok, err := h.orch.EnqueueSeed(context.Background(), "https://shop.test/new")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStepStoreFailureIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{store: brokenPolicyStore{}})
	h.seed(t, "https://shop.test/a")

	_, err := h.orch.Step(context.Background())
	require.ErrorIs(t, err, crawler.ErrStoreUnavailable)
	require.Empty(t, h.http.requests())
}

func TestStepRequeuesWhenPauseCanceled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{pauser: cancelPauser{}})
	h.seed(t, "https://shop.test/a")

	_, err := h.orch.Step(context.Background())
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, h.http.requests())
	n, err := h.frontier.Len(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestEnqueueSeed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{
		cfg:   Config{SeedPriority: 10},
		scope: crawler.NewScope(crawler.ScopeConfig{DenyHosts: []string{"*.blocked.test"}}),
	})

	_, err := h.orch.EnqueueSeed(context.Background(), "not a url")
	require.ErrorIs(t, err, crawler.ErrInvalidURL)

	ok, err := h.orch.EnqueueSeed(context.Background(), "https://www.blocked.test/")
	require.ErrorIs(t, err, crawler.ErrOutOfScope)
	require.False(t, ok)

	ok, err = h.orch.EnqueueSeed(context.Background(), "https://Shop.test/a?gclid=1")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = h.orch.EnqueueSeed(context.Background(), "https://shop.test/a")
	require.NoError(t, err)
	require.False(t, ok, "duplicate after normalization")

	task, found, err := h.frontier.Dequeue(context.Background())
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 10, task.Priority)
	require.Zero(t, task.Depth)
}

func TestGetPolicyAndRotationStats(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})
	p, state, err := h.orch.GetPolicy(context.Background(), "Shop.Test")
	require.NoError(t, err)
	require.Equal(t, "shop.test", p.Domain)
	require.Equal(t, policy.StateNormal, state)

	_, err = h.policies.UpdateOnFailure(context.Background(), "shop.test", http.StatusTooManyRequests)
	require.NoError(t, err)
	_, state, err = h.orch.GetPolicy(context.Background(), "shop.test")
	require.NoError(t, err)
	require.Equal(t, policy.StateBackoff, state)

	stats := h.orch.GetRotationStats()
	require.Zero(t, stats.TotalProxies)
	require.NotNil(t, stats.Proxies)

	withPool := newHarness(t, harnessOptions{proxies: []string{"p1", "p2"}})
	stats = withPool.orch.GetRotationStats()
	require.Equal(t, 2, stats.TotalProxies)
	require.Equal(t, proxypool.RoundRobin, stats.Strategy)
}
