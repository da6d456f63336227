package crawler

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// Hasher hashes arbitrary bytes to a stable hex digest.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Pauser sleeps for the politeness delay and wakes early when ctx ends.
type Pauser interface {
	Pause(ctx context.Context, d time.Duration) error
}

// FrontierStore persists queued tasks and the visited set.
// Push must reject keys that are already queued or visited.
type FrontierStore interface {
	Push(ctx context.Context, task URLTask) (bool, error)
	Requeue(ctx context.Context, task URLTask) error
	Pop(ctx context.Context) (URLTask, bool, error)
	MarkVisited(ctx context.Context, key string) error
	IsVisited(ctx context.Context, key string) (bool, error)
	Len(ctx context.Context) (int, error)
}

// PolicyStore persists domain policies with a refreshing TTL.
type PolicyStore interface {
	Load(ctx context.Context, domain string) (DomainPolicy, bool, error)
	Save(ctx context.Context, policy DomainPolicy, ttl time.Duration) error
}

// HealthStore persists proxy health counters.
type HealthStore interface {
	LoadHealth(ctx context.Context, proxyID string) (ProxyHealth, bool, error)
	SaveHealth(ctx context.Context, health ProxyHealth) error
	DeleteHealth(ctx context.Context, proxyID string) error
}

// Robots answers robots.txt questions for a URL.
type Robots interface {
	CanFetch(ctx context.Context, rawURL, userAgent string) (bool, time.Duration)
}

// LinkExtractor pulls absolute links from an HTML document.
type LinkExtractor interface {
	ExtractLinks(baseURL string, html []byte) ([]string, error)
}

// HeaderGenerator produces a realistic header set for a family and transport.
type HeaderGenerator interface {
	Headers(family string, transport Transport) http.Header
}

// Fetcher executes one network exchange.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// Renderer renders a URL in a browser and returns the resulting HTML and status.
type Renderer interface {
	Render(ctx context.Context, rawURL string, proxy *ProxyDescriptor, profile string, timeout time.Duration) ([]byte, int, error)
}

// BlockDetector recognizes challenge or block pages served with a 2xx status.
type BlockDetector interface {
	IsBlocked(resp FetchResponse) bool
}

// BlobStore persists fetched bodies.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher emits events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}
