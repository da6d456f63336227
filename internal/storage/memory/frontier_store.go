package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
)

// FrontierStore keeps queued tasks in per-priority FIFO lanes.
// A key is "seen" from the moment it is pushed; seen keys are never accepted again.
type FrontierStore struct {
	mu         sync.Mutex
	lanes      map[int][]crawler.URLTask
	priorities []int
	seen       map[string]struct{}
	visited    map[string]struct{}
	size       int
}

// NewFrontierStore creates an empty FrontierStore.
func NewFrontierStore() *FrontierStore {
	return &FrontierStore{
		lanes:   make(map[int][]crawler.URLTask),
		seen:    make(map[string]struct{}),
		visited: make(map[string]struct{}),
	}
}

// Push implements crawler.FrontierStore.
func (s *FrontierStore) Push(_ context.Context, task crawler.URLTask) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[task.CanonicalKey]; ok {
		return false, nil
	}
	s.seen[task.CanonicalKey] = struct{}{}
	s.appendLocked(task)
	return true, nil
}

// Requeue implements crawler.FrontierStore.
func (s *FrontierStore) Requeue(_ context.Context, task crawler.URLTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.visited[task.CanonicalKey]; ok {
		return nil
	}
	s.seen[task.CanonicalKey] = struct{}{}
	s.appendLocked(task)
	return nil
}

func (s *FrontierStore) appendLocked(task crawler.URLTask) {
	if _, ok := s.lanes[task.Priority]; !ok {
		s.priorities = append(s.priorities, task.Priority)
		sort.Sort(sort.Reverse(sort.IntSlice(s.priorities)))
	}
	s.lanes[task.Priority] = append(s.lanes[task.Priority], task)
	s.size++
}

// Pop implements crawler.FrontierStore.
func (s *FrontierStore) Pop(_ context.Context) (crawler.URLTask, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, prio := range s.priorities {
		lane := s.lanes[prio]
		if len(lane) == 0 {
			continue
		}
		task := lane[0]
		lane[0] = crawler.URLTask{}
		s.lanes[prio] = lane[1:]
		s.size--
		return task, true, nil
	}
	return crawler.URLTask{}, false, nil
}

// MarkVisited implements crawler.FrontierStore.
func (s *FrontierStore) MarkVisited(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visited[key] = struct{}{}
	s.seen[key] = struct{}{}
	return nil
}

// IsVisited implements crawler.FrontierStore.
func (s *FrontierStore) IsVisited(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.visited[key]
	return ok, nil
}

// Len implements crawler.FrontierStore.
func (s *FrontierStore) Len(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size, nil
}
