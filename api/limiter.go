package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DecisionLimiter rate-limits decision submissions per approval ID so
// double-click storms are absorbed before they reach the store. The store's
// compare-and-set still arbitrates correctness; the limiter only sheds load.
type DecisionLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	interval time.Duration
	burst    int
}

type entry struct {
	lim  *rate.Limiter
	seen time.Time
}

// DefaultDecisionInterval is the minimum spacing between decision attempts
// for one approval once the burst is spent.
const DefaultDecisionInterval = 500 * time.Millisecond

// NewDecisionLimiter builds a limiter allowing burst immediate attempts per
// approval, then one per interval. Non-positive arguments select defaults.
func NewDecisionLimiter(interval time.Duration, burst int) *DecisionLimiter {
	if interval <= 0 {
		interval = DefaultDecisionInterval
	}
	if burst <= 0 {
		burst = 3
	}
	return &DecisionLimiter{
		limiters: make(map[string]*entry),
		interval: interval,
		burst:    burst,
	}
}

// Allow reports whether a decision attempt for approvalID may proceed.
func (l *DecisionLimiter) Allow(approvalID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	e, ok := l.limiters[approvalID]
	if !ok {
		e = &entry{lim: rate.NewLimiter(rate.Every(l.interval), l.burst)}
		l.limiters[approvalID] = e
	}
	e.seen = now
	l.evict(now)
	return e.lim.Allow()
}

// evict drops limiters idle for an hour. Called under mu.
func (l *DecisionLimiter) evict(now time.Time) {
	if len(l.limiters) < 1024 {
		return
	}
	for id, e := range l.limiters {
		if now.Sub(e.seen) > time.Hour {
			delete(l.limiters, id)
		}
	}
}
