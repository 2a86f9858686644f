package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// tokenBucketLimiter grants tokens at a steady rate up to a burst
// ceiling. It is grounded directly on the teacher's TokenBucketLimiter:
// one golang.org/x/time/rate.Limiter per identity, created lazily and
// evicted after it has sat idle, with the identity -> *rate.Limiter map
// protected by a single mutex.
type tokenBucketLimiter struct {
	ratePerSecond float64
	burst         int

	mu      sync.Mutex
	buckets map[string]*tokenBucketEntry

	stop chan struct{}
	done chan struct{}
}

type tokenBucketEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

func newTokenBucketLimiter(requestsPerMinute, burst int) *tokenBucketLimiter {
	if burst <= 0 {
		burst = 1
	}
	l := &tokenBucketLimiter{
		ratePerSecond: float64(requestsPerMinute) / 60.0,
		burst:         burst,
		buckets:       make(map[string]*tokenBucketEntry),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go l.evictIdle()
	return l
}

func (l *tokenBucketLimiter) Allow(identity string, tokens int) bool {
	if tokens <= 0 {
		tokens = 1
	}
	l.mu.Lock()
	entry, ok := l.buckets[identity]
	if !ok {
		entry = &tokenBucketEntry{limiter: rate.NewLimiter(rate.Limit(l.ratePerSecond), l.burst)}
		l.buckets[identity] = entry
	}
	entry.lastAccess = time.Now()
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.AllowN(time.Now(), tokens)
}

func (l *tokenBucketLimiter) evictIdle() {
	defer close(l.done)
	ticker := time.NewTicker(idleEvictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case now := <-ticker.C:
			l.mu.Lock()
			for id, entry := range l.buckets {
				if now.Sub(entry.lastAccess) > idleEvictionInterval {
					delete(l.buckets, id)
				}
			}
			l.mu.Unlock()
		}
	}
}

func (l *tokenBucketLimiter) Close() error {
	close(l.stop)
	<-l.done
	return nil
}
