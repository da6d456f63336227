package frontier

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
	"github.com/JakeFAU/adaptive-crawler/internal/hash/sha256"
)

// trackingParams are dropped from the query during normalization.
var trackingParams = map[string]struct{}{
	"fbclid":  {},
	"gclid":   {},
	"gclsrc":  {},
	"dclid":   {},
	"msclkid": {},
}

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

var (
	errEmptyInput          = errors.New("empty input")
	errMissingSchemeOrHost = errors.New("missing scheme or host")
	errUnsupportedScheme   = errors.New("unsupported scheme")
)

// Normalize returns the canonical form of rawURL. Equivalent spellings of the
// same resource map to the same string; the scheme is never rewritten.
func Normalize(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", fmt.Errorf("%w: %w", crawler.ErrInvalidURL, errEmptyInput)
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", crawler.ErrInvalidURL, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("%w: %w", crawler.ErrInvalidURL, errMissingSchemeOrHost)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if _, ok := defaultPorts[scheme]; !ok {
		return "", fmt.Errorf("%w: %w %q", crawler.ErrInvalidURL, errUnsupportedScheme, parsed.Scheme)
	}
	if parsed.Hostname() == "" {
		return "", fmt.Errorf("%w: %w", crawler.ErrInvalidURL, errMissingSchemeOrHost)
	}

	out := url.URL{
		Scheme: scheme,
		User:   parsed.User,
		Host:   normalizeHost(parsed, scheme),
	}
	out.Path = normalizePath(parsed)
	out.RawQuery = buildCleanQuery(parsed.Query())
	return out.String(), nil
}

// CanonicalKey returns the hex SHA-256 of the normalized URL.
func CanonicalKey(rawURL string) (string, error) {
	normalized, err := Normalize(rawURL)
	if err != nil {
		return "", err
	}
	return sha256.Sum(normalized), nil
}

func normalizeHost(u *url.URL, scheme string) string {
	hostname := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	port := u.Port()
	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	if port == "" || port == defaultPorts[scheme] {
		return hostname
	}
	return hostname + ":" + port
}

// normalizePath resolves dot segments; url.URL re-encodes the decoded path
// canonically. A trailing slash is significant and kept.
func normalizePath(u *url.URL) string {
	p := u.Path
	if p == "" {
		return "/"
	}
	trailing := strings.HasSuffix(p, "/")
	cleaned := path.Clean("/" + p)
	if trailing && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

func isTracking(key string) bool {
	if strings.HasPrefix(strings.ToLower(key), "utm_") {
		return true
	}
	_, ok := trackingParams[strings.ToLower(key)]
	return ok
}

// buildCleanQuery drops tracking params and sorts the rest by key, then value.
func buildCleanQuery(values url.Values) string {
	keys := make([]string, 0, len(values))
	for key := range values {
		if !isTracking(key) {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		vals := append([]string(nil), values[key]...)
		sort.Strings(vals)
		for _, val := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(key))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(val))
		}
	}
	return b.String()
}
