package ratelimiter

import (
	"testing"
	"time"
)

func TestKeyedLimitsPerCaller(t *testing.T) {
	l := NewKeyed(1, 2, time.Minute)
	now := time.Unix(1700000000, 0)
	if !l.Allow("10.0.0.1", now) || !l.Allow("10.0.0.1", now) {
		t.Fatal("burst of 2 must be allowed")
	}
	if l.Allow("10.0.0.1", now) {
		t.Fatal("third call in the same instant must be throttled")
	}
	if !l.Allow("10.0.0.2", now) {
		t.Fatal("another caller has its own bucket")
	}
	if !l.Allow("10.0.0.1", now.Add(time.Second)) {
		t.Fatal("token must refill after one second")
	}
}

func TestKeyedSweepsIdleCallers(t *testing.T) {
	l := NewKeyed(100, 100, time.Second)
	start := time.Unix(1700000000, 0)
	l.Allow("old", start)
	later := start.Add(time.Minute)
	for i := 0; i < sweepEvery; i++ {
		l.Allow("fresh", later)
	}
	if l.Len() != 1 {
		t.Fatalf("expected idle caller to be swept, got %d buckets", l.Len())
	}
}

func TestNilKeyedAllows(t *testing.T) {
	var l *Keyed
	if NewKeyed(0, 1, 0) != nil {
		t.Fatal("invalid rate must disable the limiter")
	}
	if !l.Allow("x", time.Now()) || l.Len() != 0 {
		t.Fatal("nil limiter must allow everything")
	}
}
