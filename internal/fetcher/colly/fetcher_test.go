package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
	"github.com/JakeFAU/adaptive-crawler/internal/policy/ratelimit"
)

func TestFetchReturnsBodyAndHeaders(t *testing.T) {
	t.Parallel()

	var gotUA, gotLang string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotLang = r.Header.Get("Accept-Language")
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<html><body>ok</body></html>")
	}))
	t.Cleanup(srv.Close)

	f := New(Config{UserAgent: "fallback-agent"}, nil)
	t.Cleanup(f.Close)
	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{
		URL:     srv.URL + "/page",
		Headers: http.Header{"User-Agent": {"Mozilla/5.0 test"}, "Accept-Language": {"en-US"}},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "<html><body>ok</body></html>", string(resp.Body))
	require.Equal(t, "text/html", resp.Headers.Get("Content-Type"))
	require.Equal(t, crawler.TransportHTTP, resp.Transport)
	require.Equal(t, srv.URL+"/page", resp.URL)
	require.Equal(t, "Mozilla/5.0 test", gotUA)
	require.Equal(t, "en-US", gotLang)
}

func TestFetchSurfacesErrorStatuses(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code, _ := strconv.Atoi(r.URL.Query().Get("code"))
		w.WriteHeader(code)
		_, _ = io.WriteString(w, "blocked")
	}))
	t.Cleanup(srv.Close)

	f := New(Config{}, nil)
	for _, code := range []int{http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusNotFound} {
		resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: fmt.Sprintf("%s/?code=%d", srv.URL, code)})
		require.NoError(t, err, "status %d is a response, not a transport error", code)
		require.Equal(t, code, resp.StatusCode)
		require.Equal(t, "blocked", string(resp.Body))
	}
}

func TestFetchThroughProxy(t *testing.T) {
	t.Parallel()

	var proxied atomic.Int32
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxied.Add(1)
		// Forward proxies receive the absolute target URL.
		_, _ = io.WriteString(w, "via proxy "+r.URL.Host)
	}))
	t.Cleanup(proxy.Close)
	u, err := url.Parse(proxy.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	desc := &crawler.ProxyDescriptor{ID: "p1", Host: u.Hostname(), Port: port}
	f := New(Config{}, nil)
	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: "http://target.test/x", Proxy: desc})
	require.NoError(t, err)
	require.Equal(t, "via proxy target.test", string(resp.Body))
	require.EqualValues(t, 1, proxied.Load())

	_, err = f.Fetch(context.Background(), crawler.FetchRequest{URL: "http://target.test/y", Proxy: desc})
	require.NoError(t, err)
	require.Len(t, f.transports, 1, "transport reused per proxy")
}

func TestFetchTransportErrors(t *testing.T) {
	t.Parallel()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(slow.Close)

	f := New(Config{}, nil)
	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: slow.URL, Timeout: 50 * time.Millisecond})
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.Fetch(ctx, crawler.FetchRequest{URL: slow.URL})
	require.ErrorIs(t, err, context.Canceled)

	closed := httptest.NewServer(http.NotFoundHandler())
	addr := closed.URL
	closed.Close()
	_, err = f.Fetch(context.Background(), crawler.FetchRequest{URL: addr})
	require.Error(t, err)
}

func TestFetchWaitsOnLimiter(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	t.Cleanup(srv.Close)

	limiter := ratelimit.New(ratelimit.Config{DefaultRPS: 0.001, DefaultBurst: 1})
	f := New(Config{}, limiter)
	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL})
	require.Error(t, err, "second request exceeds the ceiling")
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	hooks := &stubHooks{}
	configureCollectorHooks(hooks, time.Now(), &result, &fetchErr)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	target, err := url.Parse("https://example.com/a")
	require.NoError(t, err)
	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusTooManyRequests,
		Body:       []byte("slow down"),
		Headers:    &http.Header{"Retry-After": {"30"}},
		Request:    &colly.Request{URL: target},
	})
	require.Equal(t, http.StatusTooManyRequests, result.StatusCode)
	require.Equal(t, "30", result.Headers.Get("Retry-After"))

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

type stubHooks struct {
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) { s.onResponse = cb }
func (s *stubHooks) OnError(cb colly.ErrorCallback)       { s.onError = cb }
