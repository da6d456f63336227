package policy

import (
	"time"

	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
)

// State is the derived lifecycle state of a domain policy.
type State string

const (
	// StateNormal is the floor delay over plain HTTP.
	StateNormal State = "NORMAL"
	// StateThrottled means the delay sits above the floor.
	StateThrottled State = "THROTTLED"
	// StateBackoff means the domain must not be fetched yet.
	StateBackoff State = "BACKOFF"
	// StateEscalated means the backoff expired and the domain is fetched through a browser.
	StateEscalated State = "ESCALATED"
)

// StateOf derives the state of p at now.
func (m *Manager) StateOf(p crawler.DomainPolicy, now time.Time) State {
	switch {
	case p.InBackoff(now):
		return StateBackoff
	case p.Transport == crawler.TransportBrowser:
		return StateEscalated
	case p.CurrentDelay > m.cfg.MinDelay:
		return StateThrottled
	default:
		return StateNormal
	}
}
