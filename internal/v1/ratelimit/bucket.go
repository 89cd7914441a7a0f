package ratelimit

import (
	"sync"
	"time"

	"github.com/schemacollab/liveshare-core/internal/v1/clock"
	"github.com/schemacollab/liveshare-core/internal/v1/protocol"
)

// BucketConfig is the {capacity, refill_per_sec} pair for one priority
// class, per spec §4.1's default table.
type BucketConfig struct {
	Capacity     float64
	RefillPerSec float64
}

// DefaultClassConfig returns the spec-mandated defaults for each priority
// class.
func DefaultClassConfig(p protocol.Priority) BucketConfig {
	switch p {
	case protocol.PriorityVolatile:
		return BucketConfig{Capacity: 120, RefillPerSec: 60}
	case protocol.PriorityLow:
		return BucketConfig{Capacity: 60, RefillPerSec: 30}
	case protocol.PriorityNormal:
		return BucketConfig{Capacity: 60, RefillPerSec: 30}
	default: // Critical
		return BucketConfig{Capacity: 20, RefillPerSec: 10}
	}
}

// bucket is a single token bucket: capacity, refill rate, current tokens
// and the last refill timestamp.
type bucket struct {
	capacity     float64
	refillPerSec float64
	tokens       float64
	lastRefill   time.Time
}

func newBucket(cfg BucketConfig, now time.Time) *bucket {
	return &bucket{capacity: cfg.Capacity, refillPerSec: cfg.RefillPerSec, tokens: cfg.Capacity, lastRefill: now}
}

// checkAndConsume refills since lastRefill at refillPerSec, clamped to
// capacity, then atomically subtracts n if tokens >= n. Must be called
// with the owning ConnectionLimiter's lock held.
func (b *bucket) checkAndConsume(n float64, now time.Time) bool {
	if elapsed := now.Sub(b.lastRefill); elapsed > 0 {
		b.tokens += elapsed.Seconds() * b.refillPerSec
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastRefill = now
	}
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// ConnectionLimiter holds one token bucket per priority class for a single
// WebSocket connection. It is owned exclusively by that connection's
// session and is only called from the session's own inbound dispatch
// loop; it is mutex-guarded regardless.
type ConnectionLimiter struct {
	mu      sync.Mutex
	clk     clock.Clock
	buckets map[protocol.Priority]*bucket
}

// NewConnectionLimiter builds a limiter with the default bucket
// configuration per class. Pass a clock.Fake in tests for determinism.
func NewConnectionLimiter(clk clock.Clock) *ConnectionLimiter {
	if clk == nil {
		clk = clock.Real
	}
	now := clk.Now()
	buckets := make(map[protocol.Priority]*bucket, 4)
	for _, p := range []protocol.Priority{protocol.PriorityCritical, protocol.PriorityVolatile, protocol.PriorityLow, protocol.PriorityNormal} {
		buckets[p] = newBucket(DefaultClassConfig(p), now)
	}
	return &ConnectionLimiter{clk: clk, buckets: buckets}
}

// Allow consumes one token from the bucket for the message type's
// priority class. On failure no token is subtracted; the time-based
// refill is still applied.
func (c *ConnectionLimiter) Allow(t protocol.MessageType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.buckets[t.Priority()]
	return b.checkAndConsume(1, c.clk.Now())
}

// Tokens reports the current token count for a class, for diagnostics and
// tests; it does not trigger a refill.
func (c *ConnectionLimiter) Tokens(p protocol.Priority) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buckets[p].tokens
}
