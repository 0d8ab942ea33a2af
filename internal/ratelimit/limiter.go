// Package ratelimit enforces the per-principal MCP_RATE_LIMIT_PER_MIN cap
// (spec.md §6) with one token bucket per principal, using
// golang.org/x/time/rate — already an indirect dependency of the teacher's
// own go.mod, promoted here to direct use (SPEC_FULL.md §4.J).
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const maxTrackedPrincipals = 10_000

// Limiter holds one rate.Limiter per principal; past a fixed cap the
// oldest-inserted principal's bucket is dropped (insertion order, not
// recency of use), so an unbounded stream of distinct principals cannot
// grow memory without bound.
type Limiter struct {
	mu         sync.Mutex
	perMinute  int
	buckets    map[string]*bucket
	order      []string // insertion order, used for eviction
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New builds a Limiter allowing perMinute requests/minute/principal.
func New(perMinute int) *Limiter {
	if perMinute <= 0 {
		perMinute = 600
	}
	return &Limiter{perMinute: perMinute, buckets: map[string]*bucket{}}
}

// Allow reports whether principal may proceed now, consuming one token if so.
func (l *Limiter) Allow(principal string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[principal]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(float64(l.perMinute)/60.0), l.perMinute)}
		l.buckets[principal] = b
		l.order = append(l.order, principal)
		l.evictLocked()
	}
	b.lastSeen = time.Now()
	return b.limiter.Allow()
}

// evictLocked drops the oldest-inserted bucket once the tracked set grows
// past maxTrackedPrincipals; caller holds l.mu.
func (l *Limiter) evictLocked() {
	for len(l.order) > maxTrackedPrincipals {
		oldest := l.order[0]
		l.order = l.order[1:]
		delete(l.buckets, oldest)
	}
}
