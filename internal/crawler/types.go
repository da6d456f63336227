package crawler

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Transport names the network path used to fetch a domain.
type Transport string

const (
	// TransportHTTP fetches with a plain HTTP client.
	TransportHTTP Transport = "http"
	// TransportBrowser fetches by rendering the page in a headless browser.
	TransportBrowser Transport = "browser"
)

// Valid reports whether t is a known transport.
func (t Transport) Valid() bool {
	return t == TransportHTTP || t == TransportBrowser
}

// DefaultHeaderFamily is the header family assigned to new domains.
const DefaultHeaderFamily = "chrome-desktop"

// URLTask is a unit of crawl work held by the frontier.
type URLTask struct {
	RawURL        string    `json:"raw_url"`
	NormalizedURL string    `json:"normalized_url"`
	CanonicalKey  string    `json:"canonical_key"`
	Depth         int       `json:"depth"`
	Priority      int       `json:"priority"`
	DiscoveredAt  time.Time `json:"discovered_at"`
	ParentURL     string    `json:"parent_url,omitempty"`
	TemplateHint  string    `json:"template_hint,omitempty"`
}

// Domain returns the lower-cased host of the normalized URL.
func (t URLTask) Domain() string {
	u, err := url.Parse(t.NormalizedURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// DomainPolicy is the adaptive per-domain crawl state.
type DomainPolicy struct {
	Domain            string    `json:"domain"`
	Transport         Transport `json:"transport"`
	CurrentDelay      float64   `json:"current_delay"`
	BackoffUntil      time.Time `json:"backoff_until"`
	ErrorRate         float64   `json:"error_rate"`
	HeaderFamily      string    `json:"header_family"`
	ConsecutiveBlocks int       `json:"consecutive_blocks"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Delay returns the politeness delay as a duration.
func (p DomainPolicy) Delay() time.Duration {
	return time.Duration(p.CurrentDelay * float64(time.Second))
}

// InBackoff reports whether the domain must not be fetched at now.
func (p DomainPolicy) InBackoff(now time.Time) bool {
	return !p.BackoffUntil.IsZero() && now.Before(p.BackoffUntil)
}

// ProxyDescriptor identifies an upstream proxy. It is immutable once added to a pool.
type ProxyDescriptor struct {
	ID       string `json:"id" yaml:"id"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Scheme   string `json:"scheme" yaml:"scheme"`
	Region   string `json:"region,omitempty" yaml:"region"`
	Premium  bool   `json:"premium,omitempty" yaml:"premium"`
	Username string `json:"-" yaml:"username"`
	Password string `json:"-" yaml:"password"`
}

// URL renders the proxy as a URL usable by http.Transport and Chrome.
func (p ProxyDescriptor) URL() *url.URL {
	scheme := p.Scheme
	if scheme == "" {
		scheme = "http"
	}
	u := &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

// Validate checks the descriptor has enough data to dial.
func (p ProxyDescriptor) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("proxy id is required")
	}
	if p.Host == "" {
		return fmt.Errorf("proxy %s: host is required", p.ID)
	}
	if p.Port <= 0 || p.Port > 65535 {
		return fmt.Errorf("proxy %s: port %d out of range", p.ID, p.Port)
	}
	switch p.Scheme {
	case "", "http", "https", "socks5":
	default:
		return fmt.Errorf("proxy %s: unsupported scheme %q", p.ID, p.Scheme)
	}
	return nil
}

// ProxyHealth holds the raw counters tracked for one proxy.
type ProxyHealth struct {
	ProxyID                string        `json:"proxy_id"`
	TotalRequests          int64         `json:"total_requests"`
	Successes              int64         `json:"successes"`
	Failures               int64         `json:"failures"`
	ConsecutiveFailures    int           `json:"consecutive_failures"`
	CumulativeResponseTime time.Duration `json:"cumulative_response_time"`
	BannedUntil            time.Time     `json:"banned_until"`
	LastSuccess            time.Time     `json:"last_success"`
	LastFailure            time.Time     `json:"last_failure"`
}

// FetchRequest describes a single fetch handed to a Fetcher.
type FetchRequest struct {
	URL     string
	Headers http.Header
	Proxy   *ProxyDescriptor
	Timeout time.Duration
	Profile string
}

// FetchResponse is what a Fetcher returns for a completed exchange.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Transport  Transport
}

// FetchOutcome records the result of one orchestrated fetch.
type FetchOutcome struct {
	Task       URLTask
	FinalURL   string
	StatusCode int
	Err        error
	Elapsed    time.Duration
	Body       []byte
	Headers    http.Header
	Transport  Transport
	ProxyID    string
	Blocked    bool
	Links      []string
}

// Success reports whether the outcome is a 2xx response that was not a block page.
func (o FetchOutcome) Success() bool {
	return o.Err == nil && !o.Blocked && o.StatusCode >= 200 && o.StatusCode < 300
}
