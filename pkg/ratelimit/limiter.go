// Package ratelimit implements per-client admission control ahead of
// the load balancer. Four interchangeable algorithms share one
// contract; exactly one is active per gateway process, chosen at
// startup. Rate limiting is best-effort availability protection, not a
// security control: any internal fault fails open (admits the
// request) rather than rejecting traffic the gateway couldn't
// evaluate.
package ratelimit

import (
	"log/slog"
	"time"
)

// Strategy names the selectable algorithm, matching spec.md's
// RATE_LIMIT_STRATEGY configuration values.
type Strategy string

const (
	StrategyTokenBucket   Strategy = "token_bucket"
	StrategyLeakyBucket   Strategy = "leaky_bucket"
	StrategyFixedWindow   Strategy = "fixed_window"
	StrategySlidingWindow Strategy = "sliding_window"
)

// Limiter is the admission-control contract every strategy implements.
// Allow is deterministic for a given interleaving of calls, never
// blocks, and never suspends the caller.
type Limiter interface {
	// Allow reports whether tokens admissions are granted to identity
	// right now.
	Allow(identity string, tokens int) bool

	// Close releases background resources (idle-bucket eviction).
	Close() error
}

// Config tunes the active strategy.
type Config struct {
	Strategy          Strategy
	RequestsPerMinute int
	BurstSize         int
}

// DefaultConfig matches spec.md's documented defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:          StrategyTokenBucket,
		RequestsPerMinute: 100,
		BurstSize:         10,
	}
}

// New constructs the configured strategy's limiter.
func New(cfg Config) Limiter {
	switch cfg.Strategy {
	case StrategyLeakyBucket:
		return newLeakyBucketLimiter(cfg.RequestsPerMinute, cfg.BurstSize)
	case StrategyFixedWindow:
		return newFixedWindowLimiter(cfg.RequestsPerMinute)
	case StrategySlidingWindow:
		return newSlidingWindowLimiter(cfg.RequestsPerMinute)
	case StrategyTokenBucket:
		fallthrough
	default:
		return newTokenBucketLimiter(cfg.RequestsPerMinute, cfg.BurstSize)
	}
}

// noop admits everything; used when RATE_LIMIT_ENABLED=false.
type noop struct{}

// NewNoop returns a limiter that admits every request.
func NewNoop() Limiter { return noop{} }

func (noop) Allow(string, int) bool { return true }
func (noop) Close() error           { return nil }

// FailOpen wraps a Limiter so any panic inside Allow is treated as an
// internal fault: the request is admitted and the fault is logged,
// per spec.md §4.1's failure semantics.
type FailOpen struct {
	inner  Limiter
	logger *slog.Logger
}

// NewFailOpen wraps inner with fail-open semantics.
func NewFailOpen(inner Limiter, logger *slog.Logger) *FailOpen {
	if logger == nil {
		logger = slog.Default()
	}
	return &FailOpen{inner: inner, logger: logger}
}

func (f *FailOpen) Allow(identity string, tokens int) (allowed bool) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("rate limiter fault, failing open", "identity", identity, "panic", r)
			allowed = true
		}
	}()
	return f.inner.Allow(identity, tokens)
}

func (f *FailOpen) Close() error { return f.inner.Close() }

const idleEvictionInterval = 5 * time.Minute
