package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestLimiter_UnlimitedWhenRateZero(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 0})
	for i := 0; i < 100; i++ {
		if err := l.Allow("anyone"); err != nil {
			t.Fatalf("unlimited limiter rejected request %d: %v", i, err)
		}
	}
}

func TestLimiter_BurstThenLimited(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		if err := l.Allow("caller"); err != nil {
			t.Fatalf("burst request %d rejected: %v", i, err)
		}
	}
	if err := l.Allow("caller"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited after burst, got %v", err)
	}
}

func TestLimiter_CallersIsolated(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	if err := l.Allow("a"); err != nil {
		t.Fatalf("first caller: %v", err)
	}
	if err := l.Allow("a"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected first caller limited, got %v", err)
	}
	// A different caller still has a full bucket.
	if err := l.Allow("b"); err != nil {
		t.Fatalf("second caller should not be limited: %v", err)
	}
}

func TestLimiter_Refills(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 6000, BurstSize: 1}) // 100 tokens/s

	if err := l.Allow("caller"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if err := l.Allow("caller"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected limited, got %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := l.Allow("caller"); err != nil {
		t.Fatalf("expected refill after wait, got %v", err)
	}
}

func TestLimiter_PrunesStaleBuckets(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	if err := l.Allow("old"); err != nil {
		t.Fatalf("seed request: %v", err)
	}

	// Age the bucket and the prune clock past the stale window.
	l.mu.Lock()
	l.buckets["old"].lastFill = time.Now().Add(-2 * staleAfter)
	l.lastPrune = time.Now().Add(-2 * staleAfter)
	l.mu.Unlock()

	if err := l.Allow("fresh"); err != nil {
		t.Fatalf("trigger request: %v", err)
	}

	l.mu.Lock()
	_, ok := l.buckets["old"]
	l.mu.Unlock()
	if ok {
		t.Fatal("stale bucket survived prune")
	}
}
