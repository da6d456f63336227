// Package metrics exposes Prometheus collectors for the crawl core.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerStepsTotal             *prometheus.CounterVec
	crawlerFetchesTotal           *prometheus.CounterVec
	crawlerFetchDurationSeconds   *prometheus.HistogramVec
	crawlerBytesTotal             *prometheus.CounterVec
	crawlerEnqueuedTotal          prometheus.Counter
	policyEscalationsTotal        *prometheus.CounterVec
	policyBackoffsTotal           *prometheus.CounterVec
	proxySelectionsTotal          *prometheus.CounterVec
	proxyBansTotal                prometheus.Counter
	proxyAvailable                prometheus.Gauge
	crawlerActiveWorkers          prometheus.Gauge
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerStepsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_steps_total",
				Help: "Orchestrator steps, labeled by terminal outcome.",
			},
			[]string{"outcome"},
		)

		crawlerFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetches_total",
				Help: "Fetches performed, labeled by site, transport and status class.",
			},
			[]string{"site", "transport", "status"},
		)

		crawlerFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_fetch_duration_seconds",
				Help:    "Fetch latency by transport.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"transport"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerEnqueuedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_enqueued_total",
				Help: "URLs accepted into the frontier.",
			},
		)

		policyEscalationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_policy_escalations_total",
				Help: "Domains switched to the browser transport.",
			},
			[]string{"site"},
		)

		policyBackoffsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_policy_backoffs_total",
				Help: "Backoff windows opened after a blocking signal.",
			},
			[]string{"site"},
		)

		proxySelectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_proxy_selections_total",
				Help: "Proxy selections, labeled by strategy and result.",
			},
			[]string{"strategy", "result"},
		)

		proxyBansTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_proxy_bans_total",
				Help: "Proxies banned after consecutive failures.",
			},
		)

		proxyAvailable = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_proxy_available",
				Help: "Proxies currently eligible for selection.",
			},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently executing a step.",
			},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of admin HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of admin HTTP latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL or host to a lowercase hostname.
// It returns "unknown" if the input is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// StatusClass buckets an HTTP status into "2xx".."5xx", or "error" for transport failures.
func StatusClass(code int) string {
	if code < 100 || code > 599 {
		return "error"
	}
	return strconv.Itoa(code/100) + "xx"
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveStep counts a finished orchestrator step.
func ObserveStep(outcome string) {
	Init()
	crawlerStepsTotal.WithLabelValues(outcome).Inc()
}

// ObserveFetch records one fetch. statusCode 0 means a transport error.
func ObserveFetch(site, transport string, statusCode int, duration time.Duration, bytesFetched int) {
	Init()
	sanitized := SanitizeSite(site)
	crawlerFetchesTotal.WithLabelValues(sanitized, transport, StatusClass(statusCode)).Inc()
	crawlerFetchDurationSeconds.WithLabelValues(transport).Observe(duration.Seconds())
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitized).Add(float64(bytesFetched))
	}
}

// ObserveEnqueued counts URLs accepted by the frontier.
func ObserveEnqueued(n int) {
	Init()
	if n > 0 {
		crawlerEnqueuedTotal.Add(float64(n))
	}
}

// ObserveEscalation counts a domain switching to the browser transport.
func ObserveEscalation(domain string) {
	Init()
	policyEscalationsTotal.WithLabelValues(SanitizeSite(domain)).Inc()
}

// ObserveBackoff counts a backoff window opened for a domain.
func ObserveBackoff(domain string) {
	Init()
	policyBackoffsTotal.WithLabelValues(SanitizeSite(domain)).Inc()
}

// ObserveProxySelection counts a Select call. result is "ok" or "none".
func ObserveProxySelection(strategy, result string) {
	Init()
	proxySelectionsTotal.WithLabelValues(strategy, result).Inc()
}

// ObserveProxyBan counts a proxy ban.
func ObserveProxyBan() {
	Init()
	proxyBansTotal.Inc()
}

// SetAvailableProxies sets the eligible proxy gauge.
func SetAvailableProxies(n int) {
	Init()
	proxyAvailable.Set(float64(n))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	crawlerActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest records an admin API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
