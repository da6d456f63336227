package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
)

// HealthStore keeps proxy health counters in memory.
type HealthStore struct {
	mu     sync.RWMutex
	health map[string]crawler.ProxyHealth
}

// NewHealthStore creates an empty HealthStore.
func NewHealthStore() *HealthStore {
	return &HealthStore{health: make(map[string]crawler.ProxyHealth)}
}

// LoadHealth implements crawler.HealthStore.
func (s *HealthStore) LoadHealth(_ context.Context, proxyID string) (crawler.ProxyHealth, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.health[proxyID]
	return h, ok, nil
}

// SaveHealth implements crawler.HealthStore.
func (s *HealthStore) SaveHealth(_ context.Context, health crawler.ProxyHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health[health.ProxyID] = health
	return nil
}

// DeleteHealth implements crawler.HealthStore.
func (s *HealthStore) DeleteHealth(_ context.Context, proxyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.health, proxyID)
	return nil
}
