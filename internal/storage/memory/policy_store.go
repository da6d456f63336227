package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
)

type policyEntry struct {
	policy    crawler.DomainPolicy
	expiresAt time.Time
}

// PolicyStore keeps domain policies in memory and honors TTLs on read.
type PolicyStore struct {
	mu      sync.RWMutex
	clock   crawler.Clock
	entries map[string]policyEntry
}

// NewPolicyStore creates an in-memory PolicyStore using clock for expiry.
func NewPolicyStore(clock crawler.Clock) *PolicyStore {
	return &PolicyStore{
		clock:   clock,
		entries: make(map[string]policyEntry),
	}
}

// Load implements crawler.PolicyStore.
func (s *PolicyStore) Load(_ context.Context, domain string) (crawler.DomainPolicy, bool, error) {
	s.mu.RLock()
	entry, ok := s.entries[domain]
	s.mu.RUnlock()
	if !ok {
		return crawler.DomainPolicy{}, false, nil
	}
	if !entry.expiresAt.IsZero() && !s.clock.Now().Before(entry.expiresAt) {
		s.mu.Lock()
		if current, still := s.entries[domain]; still && current.expiresAt.Equal(entry.expiresAt) {
			delete(s.entries, domain)
		}
		s.mu.Unlock()
		return crawler.DomainPolicy{}, false, nil
	}
	return entry.policy, true, nil
}

// Save implements crawler.PolicyStore. A non-positive ttl never expires.
func (s *PolicyStore) Save(_ context.Context, policy crawler.DomainPolicy, ttl time.Duration) error {
	var expires time.Time
	if ttl > 0 {
		expires = s.clock.Now().Add(ttl)
	}
	s.mu.Lock()
	s.entries[policy.Domain] = policyEntry{policy: policy, expiresAt: expires}
	s.mu.Unlock()
	return nil
}
