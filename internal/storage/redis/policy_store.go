package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
)

// PolicyStore keeps one JSON document per domain. Every save refreshes the TTL.
type PolicyStore struct {
	client goredis.UniversalClient
	prefix string
}

// NewPolicyStore creates a PolicyStore under prefix.
func NewPolicyStore(client goredis.UniversalClient, prefix string) *PolicyStore {
	return &PolicyStore{client: client, prefix: prefixOr(prefix)}
}

func (s *PolicyStore) key(domain string) string {
	return fmt.Sprintf("%s:policy:%s", s.prefix, domain)
}

// Load implements crawler.PolicyStore.
func (s *PolicyStore) Load(ctx context.Context, domain string) (crawler.DomainPolicy, bool, error) {
	raw, err := s.client.Get(ctx, s.key(domain)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return crawler.DomainPolicy{}, false, nil
	}
	if err != nil {
		return crawler.DomainPolicy{}, false, fmt.Errorf("redis get policy %s: %w", domain, err)
	}
	var p crawler.DomainPolicy
	if err := json.Unmarshal(raw, &p); err != nil {
		return crawler.DomainPolicy{}, false, fmt.Errorf("decode policy %s: %w", domain, err)
	}
	return p, true, nil
}

// Save implements crawler.PolicyStore. A non-positive ttl stores without expiry.
func (s *PolicyStore) Save(ctx context.Context, policy crawler.DomainPolicy, ttl time.Duration) error {
	raw, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("encode policy %s: %w", policy.Domain, err)
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.key(policy.Domain), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set policy %s: %w", policy.Domain, err)
	}
	return nil
}

// HealthStore persists proxy health counters.
type HealthStore struct {
	client goredis.UniversalClient
	prefix string
}

// NewHealthStore creates a HealthStore under prefix.
func NewHealthStore(client goredis.UniversalClient, prefix string) *HealthStore {
	return &HealthStore{client: client, prefix: prefixOr(prefix)}
}

func (s *HealthStore) key(id string) string {
	return fmt.Sprintf("%s:proxy:%s", s.prefix, id)
}

// LoadHealth implements crawler.HealthStore.
func (s *HealthStore) LoadHealth(ctx context.Context, proxyID string) (crawler.ProxyHealth, bool, error) {
	raw, err := s.client.Get(ctx, s.key(proxyID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return crawler.ProxyHealth{}, false, nil
	}
	if err != nil {
		return crawler.ProxyHealth{}, false, fmt.Errorf("redis get proxy %s: %w", proxyID, err)
	}
	var h crawler.ProxyHealth
	if err := json.Unmarshal(raw, &h); err != nil {
		return crawler.ProxyHealth{}, false, fmt.Errorf("decode proxy %s: %w", proxyID, err)
	}
	return h, true, nil
}

// SaveHealth implements crawler.HealthStore.
func (s *HealthStore) SaveHealth(ctx context.Context, health crawler.ProxyHealth) error {
	raw, err := json.Marshal(health)
	if err != nil {
		return fmt.Errorf("encode proxy %s: %w", health.ProxyID, err)
	}
	if err := s.client.Set(ctx, s.key(health.ProxyID), raw, 0).Err(); err != nil {
		return fmt.Errorf("redis set proxy %s: %w", health.ProxyID, err)
	}
	return nil
}

// DeleteHealth implements crawler.HealthStore.
func (s *HealthStore) DeleteHealth(ctx context.Context, proxyID string) error {
	if err := s.client.Del(ctx, s.key(proxyID)).Err(); err != nil {
		return fmt.Errorf("redis delete proxy %s: %w", proxyID, err)
	}
	return nil
}
