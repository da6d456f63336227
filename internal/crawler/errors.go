package crawler

import (
	"errors"
	"fmt"
)

var (
	// ErrNoProxyAvailable is returned when every proxy is banned or excluded.
	ErrNoProxyAvailable = errors.New("no proxy available")
	// ErrStoreUnavailable wraps backing store failures. It halts a crawl.
	ErrStoreUnavailable = errors.New("state store unavailable")
	// ErrInvalidURL marks a URL that cannot be normalized.
	ErrInvalidURL = errors.New("invalid url")
	// ErrRobotsDisallowed explains a skipped task. It is informational and never halts a crawl.
	ErrRobotsDisallowed = errors.New("disallowed by robots.txt")
	// ErrOutOfScope marks a seed whose host is excluded by the crawl scope.
	ErrOutOfScope = errors.New("out of crawl scope")
	// ErrUnknownProxy is returned for operations on a proxy that is not in the pool.
	ErrUnknownProxy = errors.New("unknown proxy")
)

// StoreError wraps err so that errors.Is(err, ErrStoreUnavailable) holds.
func StoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
