package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestTokenBucketSecondCallAtBurstIsRejected(t *testing.T) {
	l := New(Config{Strategy: StrategyTokenBucket, RequestsPerMinute: 60, BurstSize: 1})
	defer l.Close()

	if !l.Allow("tenant-a", 1) {
		t.Fatal("expected first call with a fresh bucket at burst to be allowed")
	}
	if l.Allow("tenant-a", 1) {
		t.Fatal("expected second immediate call to be rejected")
	}
}

func TestTokenBucketRefillsOverTime(t *testing.T) {
	l := New(Config{Strategy: StrategyTokenBucket, RequestsPerMinute: 600, BurstSize: 1})
	defer l.Close()

	l.Allow("tenant-a", 1)
	time.Sleep(150 * time.Millisecond)
	if !l.Allow("tenant-a", 1) {
		t.Fatal("expected bucket to have refilled after waiting")
	}
}

func TestTokenBucketIsolatesIdentities(t *testing.T) {
	l := New(Config{Strategy: StrategyTokenBucket, RequestsPerMinute: 60, BurstSize: 1})
	defer l.Close()

	l.Allow("tenant-a", 1)
	if !l.Allow("tenant-b", 1) {
		t.Fatal("expected a different identity to have its own bucket")
	}
}

func TestLeakyBucketRejectsBeyondCapacity(t *testing.T) {
	l := New(Config{Strategy: StrategyLeakyBucket, RequestsPerMinute: 60, BurstSize: 2})
	defer l.Close()

	if !l.Allow("tenant-a", 1) || !l.Allow("tenant-a", 1) {
		t.Fatal("expected the first two admissions within capacity to succeed")
	}
	if l.Allow("tenant-a", 1) {
		t.Fatal("expected the third admission to overflow capacity")
	}
}

func TestFixedWindowResetsOnRollover(t *testing.T) {
	l := newFixedWindowLimiter(2)
	defer l.Close()

	identity := "tenant-a"
	if !l.Allow(identity, 1) || !l.Allow(identity, 1) {
		t.Fatal("expected first two calls within the window to be allowed")
	}
	if l.Allow(identity, 1) {
		t.Fatal("expected third call in the same window to be rejected")
	}

	// Force a rollover by rewriting the window start directly.
	l.mu.Lock()
	l.windows[identity].windowStart = time.Now().Add(-2 * fixedWindowSize)
	l.mu.Unlock()

	if !l.Allow(identity, 1) {
		t.Fatal("expected the counter to reset once the window rolls over")
	}
}

func TestSlidingWindowNeverExceedsLimitInTrailingMinute(t *testing.T) {
	l := newSlidingWindowLimiter(3)
	defer l.Close()

	identity := "tenant-a"
	admitted := 0
	for i := 0; i < 10; i++ {
		if l.Allow(identity, 1) {
			admitted++
		}
	}
	if admitted > 3 {
		t.Fatalf("expected no more than 3 admissions in the trailing window, got %d", admitted)
	}
}

func TestSlidingWindowExpiresOldEntries(t *testing.T) {
	l := newSlidingWindowLimiter(1)
	defer l.Close()

	identity := "tenant-a"
	if !l.Allow(identity, 1) {
		t.Fatal("expected the first admission to succeed")
	}
	if l.Allow(identity, 1) {
		t.Fatal("expected the second immediate admission to be rejected")
	}

	l.mu.Lock()
	for i := range l.queue[identity] {
		l.queue[identity][i] = l.queue[identity][i].Add(-2 * slidingWindowSize)
	}
	l.mu.Unlock()

	if !l.Allow(identity, 1) {
		t.Fatal("expected the admission to succeed once the earlier entry expired out of the window")
	}
}

func TestFailOpenAdmitsAfterPanic(t *testing.T) {
	f := NewFailOpen(panickyLimiter{}, nil)
	if !f.Allow("tenant-a", 1) {
		t.Fatal("expected a fault inside the wrapped limiter to fail open")
	}
}

type panickyLimiter struct{}

func (panickyLimiter) Allow(string, int) bool { panic("boom") }
func (panickyLimiter) Close() error           { return nil }

func TestRedisLimiterSharesStateAcrossInstances(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	a := newRedisLimiterWithClient(client, 2)
	b := newRedisLimiterWithClient(client, 2)

	if !a.Allow("tenant-a", 1) {
		t.Fatal("expected first admission to succeed")
	}
	if !b.Allow("tenant-a", 1) {
		t.Fatal("expected second admission, via a different limiter instance, to still be within the shared limit")
	}
	if a.Allow("tenant-a", 1) {
		t.Fatal("expected third admission to exceed the shared limit")
	}
}
