package ratelimit

import (
	"sync"
	"time"
)

// sweepThreshold is the entry-count high-water mark that triggers a
// sweep of idle buckets on the next Allow call.
const sweepThreshold = 4096

// entry tracks the token state for a single caller.
type entry struct {
	tokens   float64
	rate     int
	lastSeen time.Time
}

// Limiter is a token-bucket rate limiter keyed by caller identity. Keys
// are organization ids for authenticated requests and client IPs for
// anonymous ones, so the key space is unbounded; idle entries are swept
// once the map grows past a threshold.
type Limiter struct {
	mu          sync.Mutex
	entries     map[string]*entry
	defaultRate int
	window      time.Duration
	now         func() time.Time // injectable clock for testing
}

// New creates a Limiter allowing defaultRate requests per window.
func New(defaultRate int, window time.Duration) *Limiter {
	return &Limiter{
		entries:     make(map[string]*entry),
		defaultRate: defaultRate,
		window:      window,
		now:         time.Now,
	}
}

// Allow consumes one token for key and reports whether the request is
// permitted. A positive customRate overrides the default rate, letting
// an organization carry its own limit.
func (l *Limiter) Allow(key string, customRate int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) > sweepThreshold {
		l.sweep()
	}

	e := l.advance(key, customRate)
	if e.tokens < 1 {
		return false
	}
	e.tokens--
	return true
}

// Status reports the limit, the whole tokens remaining, and the time at
// which the bucket for key will be fully replenished. It does not
// consume a token.
func (l *Limiter) Status(key string, customRate int) (limit, remaining int, resetAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.advance(key, customRate)
	limit = e.rate
	remaining = int(e.tokens)

	deficit := float64(e.rate) - e.tokens
	if deficit <= 0 {
		return limit, remaining, e.lastSeen
	}
	resetAt = e.lastSeen.Add(time.Duration(deficit / float64(e.rate) * float64(l.window)))
	return limit, remaining, resetAt
}

// advance returns the entry for key with its tokens refilled up to the
// current time. Must be called with l.mu held.
func (l *Limiter) advance(key string, customRate int) *entry {
	rate := l.defaultRate
	if customRate > 0 {
		rate = customRate
	}

	now := l.now()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{tokens: float64(rate), rate: rate, lastSeen: now}
		l.entries[key] = e
		return e
	}

	// A changed rate (an org's limit was updated) takes effect on the
	// next request.
	e.rate = rate

	if elapsed := now.Sub(e.lastSeen); elapsed > 0 {
		e.tokens += float64(elapsed) / float64(l.window) * float64(rate)
		if e.tokens > float64(rate) {
			e.tokens = float64(rate)
		}
	}
	e.lastSeen = now
	return e
}

// sweep drops entries idle for at least a full window. Such a bucket
// has fully replenished, so dropping it is indistinguishable from
// keeping it. Must be called with l.mu held.
func (l *Limiter) sweep() {
	now := l.now()
	for k, e := range l.entries {
		if now.Sub(e.lastSeen) >= l.window {
			delete(l.entries, k)
		}
	}
}
