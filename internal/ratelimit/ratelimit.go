// Package ratelimit throttles new WebSocket upgrades, globally and per client address.
// It never limits bytes on established sessions.
package ratelimit

import (
	"sync"
	"time"
)

// Reasons reported by Limiter.Allow when an upgrade is refused.
const (
	ReasonGlobal    = "global"
	ReasonPerClient = "per_client"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	rate       int // tokens per second
	lastRefill time.Time
	lastUsed   time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity
func NewTokenBucket(rate, capacity int) *TokenBucket {
	now := time.Now()
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: now,
		lastUsed:   now,
	}
}

// Allow checks if a request can be allowed and consumes a token if available
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.lastUsed = now
	tokensToAdd := int(now.Sub(tb.lastRefill).Seconds() * float64(tb.rate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *TokenBucket) idleSince() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastUsed
}

// Limiter admits new upgrades. A zero rate disables that tier.
type Limiter struct {
	mu        sync.Mutex
	global    *TokenBucket
	perClient map[string]*TokenBucket
	rate      int
	burst     int
}

// New builds a limiter allowing globalRate upgrades/s overall and perClientRate upgrades/s for each
// client address, both with the same burst.
func New(globalRate, perClientRate, burst int) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	l := &Limiter{
		perClient: make(map[string]*TokenBucket),
		rate:      perClientRate,
		burst:     burst,
	}
	if globalRate > 0 {
		l.global = NewTokenBucket(globalRate, burst)
	}
	return l
}

// Allow reports whether client may open a new session, and if not, which tier refused it.
// The per-client tier is checked first so one noisy client does not drain the global bucket.
func (l *Limiter) Allow(client string) (bool, string) {
	if l == nil {
		return true, ""
	}
	if l.rate > 0 {
		l.mu.Lock()
		bucket, ok := l.perClient[client]
		if !ok {
			bucket = NewTokenBucket(l.rate, l.burst)
			l.perClient[client] = bucket
		}
		l.mu.Unlock()
		if !bucket.Allow() {
			return false, ReasonPerClient
		}
	}
	if l.global != nil && !l.global.Allow() {
		return false, ReasonGlobal
	}
	return true, ""
}

// Prune drops per-client buckets unused for longer than idle and returns how many were removed.
func (l *Limiter) Prune(idle time.Duration) int {
	if l == nil {
		return 0
	}
	cutoff := time.Now().Add(-idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for client, b := range l.perClient {
		if b.idleSince().Before(cutoff) {
			delete(l.perClient, client)
			removed++
		}
	}
	return removed
}

// Clients returns the number of tracked client buckets.
func (l *Limiter) Clients() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perClient)
}
