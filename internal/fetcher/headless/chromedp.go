// Package headless implements the browser transport with chromedp. One Chrome
// allocator is kept per proxy because the proxy is a browser launch flag.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	NavigationTimeout time.Duration
	SettleDelay       time.Duration
	ExecPath          string
}

const directKey = "direct"

type allocator struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Fetcher implements crawler.Fetcher and crawler.Renderer.
type Fetcher struct {
	cfg     Config
	limiter chan struct{}

	mu         sync.Mutex
	allocators map[string]allocator
}

type renderResult struct {
	html    string
	status  int
	headers http.Header
	url     string
}

// NewChromedp creates a headless fetcher. Chrome starts lazily on first use.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	return &Fetcher{
		cfg:        cfg,
		limiter:    limiter,
		allocators: make(map[string]allocator),
	}, nil
}

// Close shuts down every browser this fetcher started.
func (f *Fetcher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, a := range f.allocators {
		a.cancel()
		delete(f.allocators, key)
	}
}

// Fetch renders request.URL and returns the rendered DOM.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	start := time.Now()
	res, err := f.render(ctx, request.URL, request.Proxy, request.Profile, request.Timeout, request.Headers)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	return crawler.FetchResponse{
		URL:        res.url,
		StatusCode: res.status,
		Headers:    res.headers,
		Body:       []byte(res.html),
		Duration:   time.Since(start),
		Transport:  crawler.TransportBrowser,
	}, nil
}

// Render implements crawler.Renderer.
func (f *Fetcher) Render(
	ctx context.Context,
	rawURL string,
	proxy *crawler.ProxyDescriptor,
	profile string,
	timeout time.Duration,
) ([]byte, int, error) {
	res, err := f.render(ctx, rawURL, proxy, profile, timeout, nil)
	if err != nil {
		return nil, 0, err
	}
	return []byte(res.html), res.status, nil
}

func (f *Fetcher) render(
	ctx context.Context,
	rawURL string,
	proxy *crawler.ProxyDescriptor,
	profile string,
	timeout time.Duration,
	headers http.Header,
) (renderResult, error) {
	if err := f.acquire(ctx); err != nil {
		return renderResult{}, err
	}
	defer f.release()

	taskCtx, taskCancel := chromedp.NewContext(f.allocatorFor(proxy))
	defer taskCancel()
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	if timeout <= 0 {
		timeout = f.cfg.NavigationTimeout
	}
	taskCtx, cancel := context.WithTimeout(taskCtx, timeout)
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)
	if proxy != nil && proxy.Username != "" {
		listenProxyAuth(taskCtx, proxy.Username, proxy.Password)
	}

	var html, finalURL string
	actions := []chromedp.Action{
		setupAction(crawler.BrowserProfileFor(profile), headers, proxy != nil && proxy.Username != ""),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if f.cfg.SettleDelay > 0 {
		actions = append(actions, chromedp.Sleep(f.cfg.SettleDelay))
	}
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return renderResult{}, fmt.Errorf("chromedp run: %w", ctx.Err())
		}
		return renderResult{}, fmt.Errorf("chromedp run: %w", err)
	}

	status, respHeaders, responseURL := meta.snapshotWithFallbacks(rawURL, finalURL)
	return renderResult{html: html, status: status, headers: respHeaders, url: responseURL}, nil
}

func (f *Fetcher) allocatorFor(proxy *crawler.ProxyDescriptor) context.Context {
	key := directKey
	if proxy != nil {
		key = proxy.ID
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.allocators[key]; ok {
		return a.ctx
	}
	ctx, cancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(f.cfg, proxy)...)
	f.allocators[key] = allocator{ctx: ctx, cancel: cancel}
	return ctx
}

func allocatorOptions(cfg Config, proxy *crawler.ProxyDescriptor) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if proxy != nil {
		opts = append(opts, chromedp.ProxyServer(proxyServer(*proxy)))
	}
	return opts
}

// proxyServer renders the --proxy-server value. Chrome rejects embedded credentials.
func proxyServer(p crawler.ProxyDescriptor) string {
	u := p.URL()
	return (&url.URL{Scheme: u.Scheme, Host: u.Host}).String()
}

func setupAction(profile crawler.BrowserProfile, headers http.Header, handleAuth bool) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if handleAuth {
			if err := fetch.Enable().WithHandleAuthRequests(true).Do(ctx); err != nil {
				return fmt.Errorf("enable fetch domain: %w", err)
			}
		}
		if profile.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(profile.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if profile.Mobile {
			if err := emulation.SetDeviceMetricsOverride(390, 844, 3, true).Do(ctx); err != nil {
				return fmt.Errorf("set device metrics: %w", err)
			}
			if err := emulation.SetTouchEmulationEnabled(true).Do(ctx); err != nil {
				return fmt.Errorf("enable touch: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// listenProxyAuth answers proxy auth challenges. With auth handling enabled every
// request is paused and must be continued explicitly.
func listenProxyAuth(ctx context.Context, username, password string) {
	chromedp.ListenTarget(ctx, func(ev any) {
		switch e := ev.(type) {
		case *fetch.EventRequestPaused:
			go func() {
				_ = chromedp.Run(ctx, fetch.ContinueRequest(e.RequestID))
			}()
		case *fetch.EventAuthRequired:
			go func() {
				_ = chromedp.Run(ctx, fetch.ContinueWithAuth(e.RequestID, &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseProvideCredentials,
					Username: username,
					Password: password,
				}))
			}()
		}
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	<-f.limiter
}

type responseMeta struct {
	mu      sync.RWMutex
	frame   cdp.FrameID
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

// capture keeps the most recent main frame document response, which is the
// final hop of a redirect chain. The first document response pins the main
// frame since no subframe can load before it; iframe documents are ignored.
func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	if m.frame == "" {
		m.frame = event.FrameID
	}
	mainFrame := event.FrameID == m.frame
	m.mu.Unlock()
	if !mainFrame {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status, headers, u := m.status, m.headers.Clone(), m.url
	m.mu.RUnlock()

	switch {
	case u != "":
	case finalURL != "":
		u = finalURL
	default:
		u = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, u
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
