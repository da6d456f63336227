package proxypool

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const defaultStickyMaxDomains = 10000

// StrategyName identifies a selection policy.
type StrategyName string

// Supported strategies.
const (
	RoundRobin      StrategyName = "round_robin"
	Random          StrategyName = "random"
	WeightedRandom  StrategyName = "weighted_random"
	LeastUsed       StrategyName = "least_used"
	BestPerformance StrategyName = "best_performance"
	Adaptive        StrategyName = "adaptive"
)

// ParseStrategy maps a config string to a StrategyName. Empty means Adaptive.
func ParseStrategy(s string) (StrategyName, error) {
	name := StrategyName(strings.ToLower(strings.TrimSpace(s)))
	switch name {
	case "":
		return Adaptive, nil
	case RoundRobin, Random, WeightedRandom, LeastUsed, BestPerformance, Adaptive:
		return name, nil
	default:
		return "", fmt.Errorf("unknown proxy strategy %q", s)
	}
}

// candidate is an eligible proxy as seen by a strategy. seq is the proxy's
// insertion sequence, unique for the life of the pool.
type candidate struct {
	id       string
	seq      uint64
	score    float64
	requests int64
}

// Strategy picks one of the eligible candidates. candidates is never empty and
// is ordered by insertion. Implementations are called with the pool lock held.
type Strategy interface {
	Name() StrategyName
	Pick(candidates []candidate, domain string, rng *rand.Rand) string
}

// NewStrategy builds the strategy for name. stickyMaxDomains bounds the
// adaptive domain-to-proxy map; the least recently used domain is evicted.
func NewStrategy(name StrategyName, stickyThreshold float64, stickyMaxDomains int) (Strategy, error) {
	switch name {
	case RoundRobin:
		return &roundRobin{}, nil
	case Random:
		return randomPick{}, nil
	case WeightedRandom:
		return weightedRandom{}, nil
	case LeastUsed:
		return leastUsed{}, nil
	case BestPerformance:
		return bestPerformance{}, nil
	case Adaptive, "":
		return newAdaptive(stickyThreshold, stickyMaxDomains)
	default:
		return nil, fmt.Errorf("unknown proxy strategy %q", name)
	}
}

// roundRobin resumes after the last pick in insertion order, so proxies
// leaving or rejoining the eligible set do not shift the rotation.
type roundRobin struct {
	last uint64
}

func (*roundRobin) Name() StrategyName { return RoundRobin }

func (r *roundRobin) Pick(candidates []candidate, _ string, _ *rand.Rand) string {
	pick := candidates[0]
	for _, c := range candidates {
		if c.seq > r.last {
			pick = c
			break
		}
	}
	r.last = pick.seq
	return pick.id
}

type randomPick struct{}

func (randomPick) Name() StrategyName { return Random }

func (randomPick) Pick(candidates []candidate, _ string, rng *rand.Rand) string {
	return candidates[rng.IntN(len(candidates))].id
}

type weightedRandom struct{}

func (weightedRandom) Name() StrategyName { return WeightedRandom }

func (weightedRandom) Pick(candidates []candidate, _ string, rng *rand.Rand) string {
	return pickWeighted(candidates, rng)
}

// pickWeighted draws proportionally to score, uniformly when every score is 0.
func pickWeighted(candidates []candidate, rng *rand.Rand) string {
	var total float64
	for _, c := range candidates {
		total += c.score
	}
	if total <= 0 {
		return candidates[rng.IntN(len(candidates))].id
	}
	target := rng.Float64() * total
	for _, c := range candidates {
		target -= c.score
		if target < 0 {
			return c.id
		}
	}
	return candidates[len(candidates)-1].id
}

type leastUsed struct{}

func (leastUsed) Name() StrategyName { return LeastUsed }

func (leastUsed) Pick(candidates []candidate, _ string, _ *rand.Rand) string {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.requests < best.requests {
			best = c
		}
	}
	return best.id
}

type bestPerformance struct{}

func (bestPerformance) Name() StrategyName { return BestPerformance }

func (bestPerformance) Pick(candidates []candidate, _ string, _ *rand.Rand) string {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.score > best.score {
			best = c
		}
	}
	return best.id
}

// adaptive keeps a domain on the same proxy while that proxy stays healthy.
// The mapping is an in-memory hint and is not persisted.
type adaptive struct {
	threshold float64
	sticky    *simplelru.LRU[string, string]
}

func newAdaptive(threshold float64, maxDomains int) (*adaptive, error) {
	if threshold <= 0 || threshold >= 1 {
		threshold = 0.5
	}
	if maxDomains <= 0 {
		maxDomains = defaultStickyMaxDomains
	}
	sticky, err := simplelru.NewLRU[string, string](maxDomains, nil)
	if err != nil {
		return nil, fmt.Errorf("sticky map: %w", err)
	}
	return &adaptive{threshold: threshold, sticky: sticky}, nil
}

func (*adaptive) Name() StrategyName { return Adaptive }

func (a *adaptive) Pick(candidates []candidate, domain string, rng *rand.Rand) string {
	if id, ok := a.sticky.Get(domain); ok {
		for _, c := range candidates {
			if c.id == id && c.score > a.threshold {
				return id
			}
		}
	}
	id := pickWeighted(candidates, rng)
	if domain != "" {
		a.sticky.Add(domain, id)
	}
	return id
}

func (a *adaptive) forget(proxyID string) {
	for _, domain := range a.sticky.Keys() {
		if id, ok := a.sticky.Peek(domain); ok && id == proxyID {
			a.sticky.Remove(domain)
		}
	}
}
