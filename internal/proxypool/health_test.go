package proxypool

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
)

func TestHealthScoreUnseenProxy(t *testing.T) {
	t.Parallel()

	now := time.Unix(10_000, 0)
	h := crawler.ProxyHealth{ProxyID: "p"}
	require.Equal(t, 1.0, SuccessRate(h))
	require.Equal(t, 1.0, HealthScore(h, now, 5))
	require.Zero(t, AverageResponseTime(h))
}

func TestHealthScoreFormula(t *testing.T) {
	t.Parallel()

	now := time.Unix(10_000, 0)
	h := crawler.ProxyHealth{
		TotalRequests:          10,
		Successes:              8,
		Failures:               2,
		ConsecutiveFailures:    2,
		CumulativeResponseTime: 8 * 2 * time.Second,
		LastSuccess:            now.Add(-2 * time.Hour),
	}
	// 0.8 * (1 - 0.2) * (1 - 0.2)
	require.InDelta(t, 0.512, HealthScore(h, now, 5), 1e-9)

	h.LastSuccess = now.Add(-time.Minute)
	require.InDelta(t, 0.5632, HealthScore(h, now, 5), 1e-9)

	h.CumulativeResponseTime = 8 * 30 * time.Second
	// response factor floors at 0.5
	require.InDelta(t, 0.8*0.5*0.8*1.1, HealthScore(h, now, 5), 1e-9)
}

func TestHealthScoreClippedAndZeroWhenBanned(t *testing.T) {
	t.Parallel()

	now := time.Unix(10_000, 0)
	perfect := crawler.ProxyHealth{TotalRequests: 5, Successes: 5, LastSuccess: now}
	require.Equal(t, 1.0, HealthScore(perfect, now, 5))

	banned := perfect
	banned.BannedUntil = now.Add(time.Minute)
	require.True(t, IsBanned(banned, now))
	require.Zero(t, HealthScore(banned, now, 5))

	streak := perfect
	streak.ConsecutiveFailures = 5
	require.Zero(t, HealthScore(streak, now, 5))
}

func TestHealthScoreBoundsRandomized(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(1, 2))
	now := time.Unix(1_000_000, 0)
	for range 5000 {
		total := rng.Int64N(1000)
		succ := int64(0)
		if total > 0 {
			succ = rng.Int64N(total + 1)
		}
		h := crawler.ProxyHealth{
			TotalRequests:          total,
			Successes:              succ,
			Failures:               total - succ,
			ConsecutiveFailures:    rng.IntN(20),
			CumulativeResponseTime: time.Duration(rng.Int64N(int64(time.Hour))),
			LastSuccess:            now.Add(-time.Duration(rng.Int64N(int64(3 * time.Hour)))),
		}
		if rng.IntN(4) == 0 {
			h.BannedUntil = now.Add(time.Duration(rng.Int64N(int64(2*time.Hour))) - time.Hour)
		}
		score := HealthScore(h, now, 5)
		require.GreaterOrEqual(t, score, 0.0)
		require.LessOrEqual(t, score, 1.0)
		if h.ConsecutiveFailures >= 5 || IsBanned(h, now) {
			require.Zero(t, score)
		}
	}
}
