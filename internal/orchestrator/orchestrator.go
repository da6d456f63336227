// Package orchestrator runs one crawl step at a time: dequeue a task, check
// robots and the domain policy, pick a proxy, fetch through the transport the
// policy names, then report the outcome and expand links.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/adaptive-crawler/internal/archive"
	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
	"github.com/JakeFAU/adaptive-crawler/internal/frontier"
	"github.com/JakeFAU/adaptive-crawler/internal/metrics"
	"github.com/JakeFAU/adaptive-crawler/internal/policy"
	"github.com/JakeFAU/adaptive-crawler/internal/proxypool"
)

// Purpose is the proxy selection purpose used for page fetches.
const Purpose = "crawl"

// Outcome is the terminal state of one step.
type Outcome string

// Step outcomes.
const (
	StepIdle    Outcome = "idle"
	StepSkipped Outcome = "skipped"
	StepBackoff Outcome = "backoff_wait"
	StepSuccess Outcome = "success"
	StepFailure Outcome = "failure"
)

// StepResult describes what a step did. Fetch is set once a fetch was attempted.
type StepResult struct {
	Outcome  Outcome
	Task     crawler.URLTask
	Fetch    *crawler.FetchOutcome
	Enqueued int
	Err      error
}

// Config tunes the orchestrator.
type Config struct {
	UserAgent    string
	AllowDirect  bool
	FetchTimeout time.Duration
	SeedPriority int
	LinkPriority int
}

// Archiver stores successful fetches.
type Archiver interface {
	Archive(ctx context.Context, outcome crawler.FetchOutcome) (archive.Event, error)
}

// Deps are the collaborators of an Orchestrator. Proxies, Browser, Blocks,
// Scope and Archiver are optional.
type Deps struct {
	Frontier *frontier.Frontier
	Policies *policy.Manager
	Proxies  *proxypool.Pool
	Robots   crawler.Robots
	Links    crawler.LinkExtractor
	Headers  crawler.HeaderGenerator
	HTTP     crawler.Fetcher
	Browser  crawler.Fetcher
	Blocks   crawler.BlockDetector
	Scope    *crawler.Scope
	Archiver Archiver
	Pauser   crawler.Pauser
	Clock    crawler.Clock
	Logger   *zap.Logger
}

// Orchestrator is safe for concurrent Step calls.
type Orchestrator struct {
	cfg Config
	d   Deps
	log *zap.Logger
}

// New validates deps and builds an Orchestrator.
func New(cfg Config, d Deps) (*Orchestrator, error) {
	switch {
	case d.Frontier == nil:
		return nil, errors.New("frontier is required")
	case d.Policies == nil:
		return nil, errors.New("policy manager is required")
	case d.HTTP == nil:
		return nil, errors.New("http fetcher is required")
	case d.Clock == nil:
		return nil, errors.New("clock is required")
	}
	if d.Robots == nil {
		d.Robots = crawler.NewRobotsEnforcer(crawler.RobotsConfig{Respect: false}, d.Clock, d.Logger)
	}
	if d.Links == nil {
		d.Links = crawler.NewLinkExtractor()
	}
	if d.Headers == nil {
		d.Headers = crawler.NewHeaderGenerator()
	}
	if d.Pauser == nil {
		d.Pauser = crawler.TimerPauser{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	return &Orchestrator{cfg: cfg, d: d, log: d.Logger}, nil
}

// EnqueueSeed adds an operator-supplied URL at depth 0. It reports false for
// URLs the frontier has already seen.
func (o *Orchestrator) EnqueueSeed(ctx context.Context, rawURL string) (bool, error) {
	task, err := frontier.NewTask(rawURL, o.cfg.SeedPriority, 0, "", o.d.Clock.Now())
	if err != nil {
		return false, err
	}
	if o.d.Scope.Denied(task.NormalizedURL) {
		return false, fmt.Errorf("seed %s: %w", task.NormalizedURL, crawler.ErrOutOfScope)
	}
	accepted, err := o.d.Frontier.EnqueueTask(ctx, task)
	if err != nil {
		return false, err
	}
	if accepted {
		metrics.ObserveEnqueued(1)
	}
	return accepted, nil
}

// GetPolicy returns the current policy for domain and its derived state.
func (o *Orchestrator) GetPolicy(ctx context.Context, domain string) (crawler.DomainPolicy, policy.State, error) {
	p, err := o.d.Policies.GetPolicy(ctx, domain)
	if err != nil {
		return crawler.DomainPolicy{}, "", err
	}
	return p, o.d.Policies.StateOf(p, o.d.Clock.Now()), nil
}

// Pending returns the number of queued tasks.
func (o *Orchestrator) Pending(ctx context.Context) (int, error) {
	return o.d.Frontier.Len(ctx)
}

// GetRotationStats returns proxy pool statistics.
func (o *Orchestrator) GetRotationStats() proxypool.RotationStats {
	if o.d.Proxies == nil {
		return proxypool.RotationStats{Proxies: []proxypool.ProxyStats{}}
	}
	return o.d.Proxies.Stats()
}

// Step processes at most one task. The returned error is non-nil only when
// crawl state can no longer be trusted (store failures) or ctx ended before
// the fetch began; per-task failures are reported in StepResult.
func (o *Orchestrator) Step(ctx context.Context) (StepResult, error) {
	task, ok, err := o.d.Frontier.Dequeue(ctx)
	if err != nil {
		return StepResult{}, err
	}
	if !ok {
		return StepResult{Outcome: StepIdle}, nil
	}
	res, err := o.process(ctx, task)
	if err != nil {
		return res, err
	}
	metrics.ObserveStep(string(res.Outcome))
	return res, nil
}

func (o *Orchestrator) process(ctx context.Context, task crawler.URLTask) (StepResult, error) {
	domain := task.Domain()
	log := o.log.With(zap.String("url", task.NormalizedURL), zap.String("domain", domain))

	allowed, crawlDelay := o.d.Robots.CanFetch(ctx, task.NormalizedURL, o.cfg.UserAgent)
	if !allowed {
		if err := o.d.Frontier.MarkTaskVisited(ctx, task); err != nil {
			return StepResult{Task: task}, err
		}
		log.Debug("Disallowed by robots.txt")
		return StepResult{Outcome: StepSkipped, Task: task, Err: crawler.ErrRobotsDisallowed}, nil
	}
	if crawlDelay > 0 {
		if _, err := o.d.Policies.ApplyCrawlDelay(ctx, domain, crawlDelay); err != nil {
			return StepResult{Task: task}, err
		}
	}

	pol, err := o.d.Policies.GetPolicy(ctx, domain)
	if err != nil {
		return StepResult{Task: task}, err
	}
	if pol.InBackoff(o.d.Clock.Now()) {
		return o.deferTask(ctx, task, pol, log)
	}

	if err := o.d.Pauser.Pause(ctx, pol.Delay()); err != nil {
		return StepResult{Task: task}, o.abandon(ctx, task, err)
	}
	// Other workers may have blocked or escalated the domain during the pause.
	pol, err = o.d.Policies.GetPolicy(ctx, domain)
	if err != nil {
		return StepResult{Task: task}, o.abandon(ctx, task, err)
	}
	if pol.InBackoff(o.d.Clock.Now()) {
		return o.deferTask(ctx, task, pol, log)
	}

	proxy, err := o.selectProxy(ctx, domain)
	if err != nil {
		if !errors.Is(err, crawler.ErrNoProxyAvailable) {
			return StepResult{Task: task}, err
		}
		if markErr := o.d.Frontier.MarkTaskVisited(ctx, task); markErr != nil {
			return StepResult{Task: task}, markErr
		}
		log.Warn("No proxy available", zap.Error(err))
		return StepResult{Outcome: StepFailure, Task: task, Err: err}, nil
	}

	outcome := o.fetch(ctx, task, pol, proxy)
	// A fetch cut short by shutdown is still a failure that must be recorded.
	ctx = context.WithoutCancel(ctx)
	if err := o.report(ctx, domain, &outcome); err != nil {
		return StepResult{Task: task, Fetch: &outcome}, err
	}
	if err := o.d.Frontier.MarkTaskVisited(ctx, task); err != nil {
		return StepResult{Task: task, Fetch: &outcome}, err
	}
	if outcome.FinalURL != "" && outcome.FinalURL != task.NormalizedURL {
		if err := o.d.Frontier.MarkVisited(ctx, outcome.FinalURL); err != nil && !errors.Is(err, crawler.ErrInvalidURL) {
			return StepResult{Task: task, Fetch: &outcome}, err
		}
	}

	if !outcome.Success() {
		log.Info("Fetch failed",
			zap.Int("status_code", outcome.StatusCode),
			zap.String("transport", string(outcome.Transport)),
			zap.String("proxy_id", outcome.ProxyID),
			zap.Bool("blocked", outcome.Blocked),
			zap.Error(outcome.Err),
		)
		return StepResult{Outcome: StepFailure, Task: task, Fetch: &outcome, Err: outcome.Err}, nil
	}

	if o.d.Archiver != nil {
		if _, err := o.d.Archiver.Archive(ctx, outcome); err != nil {
			log.Error("Archive failed", zap.Error(err))
		}
	}
	enqueued, err := o.expand(ctx, task, &outcome)
	if err != nil {
		return StepResult{Task: task, Fetch: &outcome}, err
	}
	log.Debug("Fetch succeeded",
		zap.Int("status_code", outcome.StatusCode),
		zap.Duration("elapsed", outcome.Elapsed),
		zap.Int("links_enqueued", enqueued),
	)
	return StepResult{Outcome: StepSuccess, Task: task, Fetch: &outcome, Enqueued: enqueued}, nil
}

// deferTask requeues a task whose domain is backing off.
func (o *Orchestrator) deferTask(
	ctx context.Context,
	task crawler.URLTask,
	pol crawler.DomainPolicy,
	log *zap.Logger,
) (StepResult, error) {
	if err := o.d.Frontier.Requeue(ctx, task); err != nil {
		return StepResult{Task: task}, err
	}
	log.Debug("Domain in backoff", zap.Time("backoff_until", pol.BackoffUntil))
	return StepResult{Outcome: StepBackoff, Task: task}, nil
}

// abandon puts a dequeued task back when the run stops before its fetch starts.
func (o *Orchestrator) abandon(ctx context.Context, task crawler.URLTask, cause error) error {
	if err := o.d.Frontier.Requeue(context.WithoutCancel(ctx), task); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (o *Orchestrator) selectProxy(ctx context.Context, domain string) (*crawler.ProxyDescriptor, error) {
	if o.d.Proxies == nil {
		return nil, nil
	}
	desc, err := o.d.Proxies.Select(ctx, Purpose, domain)
	if errors.Is(err, crawler.ErrNoProxyAvailable) && o.cfg.AllowDirect {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &desc, nil
}

func (o *Orchestrator) fetcherFor(t crawler.Transport) (crawler.Fetcher, crawler.Transport) {
	if t == crawler.TransportBrowser && o.d.Browser != nil {
		return o.d.Browser, crawler.TransportBrowser
	}
	return o.d.HTTP, crawler.TransportHTTP
}

func (o *Orchestrator) fetch(
	ctx context.Context,
	task crawler.URLTask,
	pol crawler.DomainPolicy,
	proxy *crawler.ProxyDescriptor,
) crawler.FetchOutcome {
	fetcher, transport := o.fetcherFor(pol.Transport)
	outcome := crawler.FetchOutcome{Task: task, Transport: transport}
	if proxy != nil {
		outcome.ProxyID = proxy.ID
	}

	fetchCtx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout)
	defer cancel()
	start := o.d.Clock.Now()
	resp, err := fetcher.Fetch(fetchCtx, crawler.FetchRequest{
		URL:     task.NormalizedURL,
		Headers: o.d.Headers.Headers(pol.HeaderFamily, transport),
		Proxy:   proxy,
		Timeout: o.cfg.FetchTimeout,
		Profile: pol.HeaderFamily,
	})
	outcome.Elapsed = o.d.Clock.Now().Sub(start)
	if err != nil {
		outcome.Err = err
		metrics.ObserveFetch(task.NormalizedURL, string(transport), 0, outcome.Elapsed, 0)
		return outcome
	}
	if resp.Duration > 0 {
		outcome.Elapsed = resp.Duration
	}
	outcome.FinalURL = resp.URL
	outcome.StatusCode = resp.StatusCode
	outcome.Body = resp.Body
	outcome.Headers = resp.Headers
	if o.d.Blocks != nil && o.d.Blocks.IsBlocked(resp) {
		outcome.Blocked = true
	}
	metrics.ObserveFetch(task.NormalizedURL, string(transport), resp.StatusCode, outcome.Elapsed, len(resp.Body))
	return outcome
}

// report feeds the outcome to the policy manager and proxy pool. Transport
// errors, blocking signals and 5xx responses count against the proxy.
func (o *Orchestrator) report(ctx context.Context, domain string, outcome *crawler.FetchOutcome) error {
	var (
		proxyOK bool
		err     error
	)
	switch {
	case outcome.Err != nil:
		_, err = o.d.Policies.UpdateOnFailure(ctx, domain, 0)
	case o.d.Policies.IsBlockingStatus(outcome.StatusCode):
		_, err = o.d.Policies.UpdateOnFailure(ctx, domain, outcome.StatusCode)
	case outcome.Blocked:
		_, err = o.d.Policies.RecordBlock(ctx, domain)
	case outcome.Success():
		proxyOK = true
		_, err = o.d.Policies.UpdateOnSuccess(ctx, domain)
	default:
		proxyOK = outcome.StatusCode < 500
		_, err = o.d.Policies.UpdateOnFailure(ctx, domain, outcome.StatusCode)
	}
	if err != nil {
		return err
	}

	if outcome.ProxyID == "" || o.d.Proxies == nil {
		return nil
	}
	err = o.d.Proxies.Report(ctx, outcome.ProxyID, proxypool.Result{
		Success:      proxyOK,
		ResponseTime: outcome.Elapsed,
		StatusCode:   outcome.StatusCode,
	})
	if errors.Is(err, crawler.ErrUnknownProxy) {
		// Removed while the fetch was in flight.
		return nil
	}
	return err
}

func (o *Orchestrator) expand(ctx context.Context, task crawler.URLTask, outcome *crawler.FetchOutcome) (int, error) {
	base := outcome.FinalURL
	if base == "" {
		base = task.NormalizedURL
	}
	links, err := o.d.Links.ExtractLinks(base, outcome.Body)
	if err != nil {
		o.log.Debug("Link extraction failed", zap.String("url", base), zap.Error(err))
		return 0, nil
	}
	outcome.Links = links
	depth := task.Depth + 1
	enqueued := 0
	for _, link := range links {
		if !o.d.Scope.Follow(base, link, depth) {
			continue
		}
		accepted, err := o.d.Frontier.Enqueue(ctx, link, o.cfg.LinkPriority, depth, task.NormalizedURL)
		if err != nil {
			return enqueued, fmt.Errorf("enqueue discovered link: %w", err)
		}
		if accepted {
			enqueued++
		}
	}
	metrics.ObserveEnqueued(enqueued)
	return enqueued, nil
}
