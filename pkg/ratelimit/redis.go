package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisFixedWindowLimiter is a distributed counterpart to
// fixedWindowLimiter: the counter lives in Redis under a key scoped to
// the current 60-second epoch, so every gateway replica shares the
// same admission decision for a given identity. It is additive beyond
// the in-process strategies, selected via RATE_LIMIT_BACKEND=redis.
type redisFixedWindowLimiter struct {
	client *redis.Client
	limit  int
	prefix string
}

// NewRedisLimiter builds a distributed fixed-window limiter backed by
// addr. Callers should still wrap the result in FailOpen: a Redis
// outage must not turn into blocked traffic.
func NewRedisLimiter(addr, password string, db int, requestsPerMinute int) Limiter {
	return &redisFixedWindowLimiter{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		limit:  requestsPerMinute,
		prefix: "gateway:ratelimit:",
	}
}

// newRedisLimiterWithClient is used by tests to inject a miniredis-backed
// client without dialing a real network address.
func newRedisLimiterWithClient(client *redis.Client, requestsPerMinute int) Limiter {
	return &redisFixedWindowLimiter{client: client, limit: requestsPerMinute, prefix: "gateway:ratelimit:"}
}

func (l *redisFixedWindowLimiter) Allow(identity string, tokens int) bool {
	if tokens <= 0 {
		tokens = 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	epoch := time.Now().Unix() / 60
	key := l.prefix + identity + ":" + time.Unix(epoch*60, 0).Format("150405")

	count, err := l.client.IncrBy(ctx, key, int64(tokens)).Result()
	if err != nil {
		panic(err) // converted to fail-open by the FailOpen wrapper
	}
	if count == int64(tokens) {
		l.client.Expire(ctx, key, slidingWindowSize)
	}
	return count <= int64(l.limit)
}

func (l *redisFixedWindowLimiter) Close() error {
	return l.client.Close()
}
