package alert

import (
	"sync"
	"time"
)

// RefillPeriod is the token bucket's full-refill interval (§4.6 step 2:
// "per minute").
const RefillPeriod = time.Minute

// bucket is a per-rule token bucket, refilled to capacity once per
// RefillPeriod. Unlike the teacher's always-running refill goroutine
// (appropriate for one daemon-lifetime bucket), refill here is lazy —
// computed from elapsed wall time on access — because the rule engine
// may hold up to 10,000 independent buckets (one per rule_id) and a
// goroutine-per-bucket refill loop would not scale to that count.
type bucket struct {
	capacity    int
	tokens      int
	lastRefill  time.Time
}

func newBucket(capacity int, now time.Time) *bucket {
	return &bucket{capacity: capacity, tokens: capacity, lastRefill: now}
}

func (b *bucket) consume(now time.Time) bool {
	if now.Sub(b.lastRefill) >= RefillPeriod {
		b.tokens = b.capacity
		b.lastRefill = now
	}
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// perRuleLimiter enforces §4.6 step 2: a token bucket per rule_id,
// capped at alert_rate_limit_per_rule per minute.
type perRuleLimiter struct {
	mu       sync.Mutex
	capacity int
	buckets  map[string]*bucket
}

func newPerRuleLimiter(capacityPerRule int) *perRuleLimiter {
	return &perRuleLimiter{capacity: capacityPerRule, buckets: make(map[string]*bucket)}
}

func (l *perRuleLimiter) allow(ruleID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[ruleID]
	if !ok {
		b = newBucket(l.capacity, now)
		l.buckets[ruleID] = b
	}
	return b.consume(now)
}
