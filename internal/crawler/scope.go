package crawler

import (
	"net/url"
	"strings"
)

// hostPatterns stores exact hosts and suffix wildcards derived from configuration.
type hostPatterns struct {
	exact    map[string]struct{}
	suffixes []string
}

func newHostPatterns(patterns []string) *hostPatterns {
	matcher := &hostPatterns{
		exact: make(map[string]struct{}),
	}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
		case strings.HasPrefix(value, "*."):
			matcher.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			matcher.addSuffix(strings.TrimPrefix(value, "."))
		default:
			matcher.exact[value] = struct{}{}
		}
	}
	if len(matcher.exact) == 0 && len(matcher.suffixes) == 0 {
		return nil
	}
	return matcher
}

func (m *hostPatterns) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range m.suffixes {
		if existing == suffix {
			return
		}
	}
	m.suffixes = append(m.suffixes, suffix)
}

func (m *hostPatterns) match(host string) bool {
	if m == nil || host == "" {
		return false
	}
	if _, exact := m.exact[host]; exact {
		return true
	}
	for _, suffix := range m.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// Scope decides which discovered links are followed.
type Scope struct {
	allow    *hostPatterns
	deny     *hostPatterns
	sameHost bool
	maxDepth int
}

// ScopeConfig configures a Scope. MaxDepth <= 0 means unlimited.
type ScopeConfig struct {
	AllowHosts   []string
	DenyHosts    []string
	SameHostOnly bool
	MaxDepth     int
}

// NewScope builds a Scope from configuration.
func NewScope(cfg ScopeConfig) *Scope {
	return &Scope{
		allow:    newHostPatterns(cfg.AllowHosts),
		deny:     newHostPatterns(cfg.DenyHosts),
		sameHost: cfg.SameHostOnly,
		maxDepth: cfg.MaxDepth,
	}
}

// Follow reports whether link, found on parent, should be enqueued at depth.
func (s *Scope) Follow(parent, link string, depth int) bool {
	if s == nil {
		return true
	}
	if s.maxDepth > 0 && depth > s.maxDepth {
		return false
	}
	target, err := url.Parse(link)
	if err != nil {
		return false
	}
	host := strings.ToLower(target.Hostname())
	if s.deny.match(host) {
		return false
	}
	if s.allow != nil {
		return s.allow.match(host)
	}
	if s.sameHost && parent != "" {
		origin, perr := url.Parse(parent)
		if perr != nil {
			return false
		}
		return strings.EqualFold(origin.Hostname(), host)
	}
	return true
}

// Denied reports whether a seed host is excluded outright.
func (s *Scope) Denied(rawURL string) bool {
	if s == nil {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	return s.deny.match(strings.ToLower(u.Hostname()))
}
