package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/adaptive-crawler/internal/clock"
	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
)

func task(key string, prio int) crawler.URLTask {
	return crawler.URLTask{CanonicalKey: key, NormalizedURL: "https://example.com/" + key, Priority: prio}
}

func TestFrontierStorePriorityThenFIFO(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewFrontierStore()

	for _, tk := range []crawler.URLTask{task("a", 0), task("b", 5), task("c", 0), task("d", 5), task("e", -1)} {
		ok, err := s.Push(ctx, tk)
		require.NoError(t, err)
		require.True(t, ok)
	}
	n, err := s.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	var order []string
	for {
		tk, ok, err := s.Pop(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		order = append(order, tk.CanonicalKey)
	}
	require.Equal(t, []string{"b", "d", "a", "c", "e"}, order)
}

func TestFrontierStoreDedupe(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewFrontierStore()

	ok, err := s.Push(ctx, task("a", 0))
	require.NoError(t, err)
	require.True(t, ok)
	ok, _ = s.Push(ctx, task("a", 9))
	require.False(t, ok, "queued key must not be accepted twice")

	popped, ok, _ := s.Pop(ctx)
	require.True(t, ok)
	ok, _ = s.Push(ctx, task("a", 0))
	require.False(t, ok, "in-flight key must not be accepted")

	require.NoError(t, s.MarkVisited(ctx, popped.CanonicalKey))
	visited, err := s.IsVisited(ctx, "a")
	require.NoError(t, err)
	require.True(t, visited)
	ok, _ = s.Push(ctx, task("a", 0))
	require.False(t, ok)

	require.NoError(t, s.MarkVisited(ctx, "never-queued"))
	ok, _ = s.Push(ctx, task("never-queued", 0))
	require.False(t, ok)
}

func TestFrontierStoreRequeue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewFrontierStore()

	_, _ = s.Push(ctx, task("a", 1))
	_, _ = s.Push(ctx, task("b", 1))
	a, _, _ := s.Pop(ctx)
	require.NoError(t, s.Requeue(ctx, a))

	first, _, _ := s.Pop(ctx)
	second, _, _ := s.Pop(ctx)
	require.Equal(t, "b", first.CanonicalKey)
	require.Equal(t, "a", second.CanonicalKey)

	require.NoError(t, s.MarkVisited(ctx, "a"))
	require.NoError(t, s.Requeue(ctx, a))
	n, _ := s.Len(ctx)
	require.Zero(t, n, "visited tasks are not requeued")
}

func TestPolicyStoreTTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := clock.NewManual(time.Unix(0, 0))
	s := NewPolicyStore(clk)

	_, ok, err := s.Load(ctx, "example.com")
	require.NoError(t, err)
	require.False(t, ok)

	p := crawler.DomainPolicy{Domain: "example.com", CurrentDelay: 4}
	require.NoError(t, s.Save(ctx, p, time.Hour))
	got, ok, err := s.Load(ctx, "example.com")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 4.0, got.CurrentDelay)

	clk.Advance(59 * time.Minute)
	require.NoError(t, s.Save(ctx, p, time.Hour))
	clk.Advance(59 * time.Minute)
	_, ok, _ = s.Load(ctx, "example.com")
	require.True(t, ok, "save refreshes the ttl")

	clk.Advance(2 * time.Minute)
	_, ok, _ = s.Load(ctx, "example.com")
	require.False(t, ok)

	require.NoError(t, s.Save(ctx, p, 0))
	clk.Advance(1000 * time.Hour)
	_, ok, _ = s.Load(ctx, "example.com")
	require.True(t, ok)
}

func TestHealthStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewHealthStore()

	_, ok, err := s.LoadHealth(ctx, "p1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SaveHealth(ctx, crawler.ProxyHealth{ProxyID: "p1", Successes: 3}))
	h, ok, err := s.LoadHealth(ctx, "p1")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 3, h.Successes)

	require.NoError(t, s.DeleteHealth(ctx, "p1"))
	_, ok, _ = s.LoadHealth(ctx, "p1")
	require.False(t, ok)
}
