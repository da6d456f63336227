package proxypool

import (
	"math"
	"time"

	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
)

const recentSuccessWindow = time.Hour

// SuccessRate is successes over total requests, 1.0 for an unseen proxy.
func SuccessRate(h crawler.ProxyHealth) float64 {
	if h.TotalRequests == 0 {
		return 1.0
	}
	return float64(h.Successes) / float64(h.TotalRequests)
}

// AverageResponseTime is the mean latency of successful requests.
func AverageResponseTime(h crawler.ProxyHealth) time.Duration {
	if h.Successes == 0 {
		return 0
	}
	return h.CumulativeResponseTime / time.Duration(h.Successes)
}

// IsBanned reports whether h is inside its ban window at now.
func IsBanned(h crawler.ProxyHealth, now time.Time) bool {
	return !h.BannedUntil.IsZero() && now.Before(h.BannedUntil)
}

// HealthScore rates a proxy in [0,1]. It is 0 while banned or while the
// consecutive failure count is at or above banThreshold.
func HealthScore(h crawler.ProxyHealth, now time.Time, banThreshold int) float64 {
	if IsBanned(h, now) || (banThreshold > 0 && h.ConsecutiveFailures >= banThreshold) {
		return 0
	}
	score := SuccessRate(h)
	score *= 1 - math.Min(0.5, AverageResponseTime(h).Seconds()/10)
	score *= 1 - math.Min(0.8, float64(h.ConsecutiveFailures)*0.1)
	if !h.LastSuccess.IsZero() && now.Sub(h.LastSuccess) < recentSuccessWindow {
		score *= 1.1
	}
	return math.Max(0, math.Min(1, score))
}
