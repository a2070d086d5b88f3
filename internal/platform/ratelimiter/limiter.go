// Package ratelimiter throttles callers by key, typically the remote address
// of an RPC client.
package ratelimiter

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const sweepEvery = 256

// Keyed holds one token bucket per caller. Buckets idle for longer than the
// TTL are dropped on a periodic sweep.
type Keyed struct {
	limit rate.Limit
	burst int
	ttl   time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
	calls   uint64
}

type bucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// NewKeyed returns nil when rps or burst is not positive; a nil *Keyed allows
// everything.
func NewKeyed(rps float64, burst int, ttl time.Duration) *Keyed {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Keyed{
		limit:   rate.Limit(rps),
		burst:   burst,
		ttl:     ttl,
		buckets: make(map[string]*bucket),
	}
}

// Allow consumes one token for key at now.
func (k *Keyed) Allow(key string, now time.Time) bool {
	if k == nil {
		return true
	}
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return true
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	b := k.buckets[key]
	if b == nil {
		b = &bucket{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.buckets[key] = b
	}
	b.seen = now
	ok := b.limiter.AllowN(now, 1)

	k.calls++
	if k.calls%sweepEvery == 0 {
		k.sweepLocked(now)
	}
	return ok
}

func (k *Keyed) sweepLocked(now time.Time) {
	cutoff := now.Add(-k.ttl)
	for key, b := range k.buckets {
		if b.seen.Before(cutoff) {
			delete(k.buckets, key)
		}
	}
}

// Len reports the number of tracked callers.
func (k *Keyed) Len() int {
	if k == nil {
		return 0
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}
