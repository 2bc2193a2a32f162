// Package limit gates admission-side requests: per-owner token buckets and
// the persistent ban list.
package limit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"driplet/internal/ident"
)

// Family groups routes that share a token bucket.
type Family string

const (
	FamilyUpload Family = "upload" // multipart upload, chunk init
	FamilyDelete Family = "delete"
	FamilyReport Family = "report"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// bucket tracks the limiter and last-seen time for one owner+family pair.
type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter tracks per-owner token buckets. Buckets are created lazily and
// compacted by the maintenance sweeper once idle.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    rate.Limit
	burst   int
	now     func() time.Time
}

// LimiterConfig holds Limiter construction parameters.
type LimiterConfig struct {
	// PerMinute is the sustained admission rate per owner per family.
	PerMinute float64

	// Burst is the bucket depth.
	Burst int

	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// NewLimiter creates a Limiter.
func NewLimiter(cfg LimiterConfig) *Limiter {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    rate.Limit(cfg.PerMinute / 60.0),
		burst:   cfg.Burst,
		now:     now,
	}
}

// Admit performs an atomic check-and-increment for the owner on the given
// route family.
func (l *Limiter) Admit(owner ident.OwnerID, family Family) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := string(owner) + "/" + string(family)
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = l.now()

	now := l.now()
	res := b.limiter.ReserveN(now, 1)
	delay := res.DelayFrom(now)
	if delay > 0 {
		res.CancelAt(now)
		return Decision{Allowed: false, RetryAfter: delay}
	}
	return Decision{Allowed: true}
}

// Compact removes buckets not seen for staleAfter. Called by the sweeper.
func (l *Limiter) Compact(staleAfter time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-staleAfter)
	removed := 0
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
