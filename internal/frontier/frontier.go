// Package frontier owns the lifecycle of URL tasks: normalization,
// deduplication, priority ordering and the visited set.
package frontier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
	"github.com/JakeFAU/adaptive-crawler/internal/hash/sha256"
)

// Frontier is a priority queue of URL tasks with at-most-once semantics per
// canonical key. It is safe for concurrent use when its store is.
type Frontier struct {
	store  crawler.FrontierStore
	clock  crawler.Clock
	logger *zap.Logger
}

// New constructs a Frontier over store.
func New(store crawler.FrontierStore, clock crawler.Clock, logger *zap.Logger) (*Frontier, error) {
	if store == nil {
		return nil, errors.New("frontier store is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Frontier{store: store, clock: clock, logger: logger}, nil
}

// Enqueue normalizes rawURL and adds it unless its key is already queued,
// in flight or visited. Malformed URLs are rejected without an error.
func (f *Frontier) Enqueue(ctx context.Context, rawURL string, priority, depth int, parent string) (bool, error) {
	task, err := NewTask(rawURL, priority, depth, parent, f.clock.Now())
	if err != nil {
		f.logger.Debug("Rejected url", zap.String("url", rawURL), zap.Error(err))
		return false, nil
	}
	return f.push(ctx, task)
}

// EnqueueTask adds a pre-built task. The normalized URL and key are recomputed.
func (f *Frontier) EnqueueTask(ctx context.Context, task crawler.URLTask) (bool, error) {
	rebuilt, err := NewTask(task.RawURL, task.Priority, task.Depth, task.ParentURL, task.DiscoveredAt)
	if err != nil {
		return false, nil
	}
	rebuilt.TemplateHint = task.TemplateHint
	if rebuilt.DiscoveredAt.IsZero() {
		rebuilt.DiscoveredAt = f.clock.Now()
	}
	return f.push(ctx, rebuilt)
}

func (f *Frontier) push(ctx context.Context, task crawler.URLTask) (bool, error) {
	accepted, err := f.store.Push(ctx, task)
	if err != nil {
		return false, crawler.StoreError("frontier push", err)
	}
	return accepted, nil
}

// Requeue puts a dequeued task back unchanged. Only backoff deferral uses it.
func (f *Frontier) Requeue(ctx context.Context, task crawler.URLTask) error {
	if task.CanonicalKey == "" {
		return fmt.Errorf("requeue: %w: task has no canonical key", crawler.ErrInvalidURL)
	}
	if err := f.store.Requeue(ctx, task); err != nil {
		return crawler.StoreError("frontier requeue", err)
	}
	return nil
}

// Dequeue removes the highest priority task, FIFO within a priority class.
// It never blocks; ok is false when the frontier is drained.
func (f *Frontier) Dequeue(ctx context.Context) (crawler.URLTask, bool, error) {
	task, ok, err := f.store.Pop(ctx)
	if err != nil {
		return crawler.URLTask{}, false, crawler.StoreError("frontier pop", err)
	}
	return task, ok, nil
}

// MarkVisited records rawURL as visited so it is never enqueued again.
func (f *Frontier) MarkVisited(ctx context.Context, rawURL string) error {
	key, err := CanonicalKey(rawURL)
	if err != nil {
		return err
	}
	return f.markKey(ctx, key)
}

// MarkTaskVisited records a dequeued task as visited.
func (f *Frontier) MarkTaskVisited(ctx context.Context, task crawler.URLTask) error {
	return f.markKey(ctx, task.CanonicalKey)
}

func (f *Frontier) markKey(ctx context.Context, key string) error {
	if err := f.store.MarkVisited(ctx, key); err != nil {
		return crawler.StoreError("frontier mark visited", err)
	}
	return nil
}

// IsVisited reports whether rawURL has been visited.
func (f *Frontier) IsVisited(ctx context.Context, rawURL string) (bool, error) {
	key, err := CanonicalKey(rawURL)
	if err != nil {
		return false, err
	}
	visited, err := f.store.IsVisited(ctx, key)
	if err != nil {
		return false, crawler.StoreError("frontier is visited", err)
	}
	return visited, nil
}

// Len returns the number of queued tasks.
func (f *Frontier) Len(ctx context.Context) (int, error) {
	n, err := f.store.Len(ctx)
	if err != nil {
		return 0, crawler.StoreError("frontier len", err)
	}
	return n, nil
}

// NewTask builds a URLTask for rawURL.
func NewTask(rawURL string, priority, depth int, parent string, now time.Time) (crawler.URLTask, error) {
	normalized, err := Normalize(rawURL)
	if err != nil {
		return crawler.URLTask{}, err
	}
	return crawler.URLTask{
		RawURL:        rawURL,
		NormalizedURL: normalized,
		CanonicalKey:  sha256.Sum(normalized),
		Depth:         depth,
		Priority:      priority,
		DiscoveredAt:  now,
		ParentURL:     parent,
	}, nil
}
