package alert

import (
	"testing"
	"time"
)

func TestPerRuleLimiterIndependentPerRule(t *testing.T) {
	l := newPerRuleLimiter(1)
	now := time.Now()
	if !l.allow("r1", now) {
		t.Fatal("expected first token for r1 to be available")
	}
	if l.allow("r1", now) {
		t.Fatal("expected r1's bucket to be exhausted")
	}
	if !l.allow("r2", now) {
		t.Fatal("expected r2 to have its own independent bucket")
	}
}

func TestBucketRefillsAfterPeriod(t *testing.T) {
	b := newBucket(1, time.Unix(0, 0))
	if !b.consume(time.Unix(0, 0)) {
		t.Fatal("expected initial token to be available")
	}
	if b.consume(time.Unix(0, 0)) {
		t.Fatal("expected bucket to be empty")
	}
	if !b.consume(time.Unix(0, 0).Add(RefillPeriod)) {
		t.Fatal("expected bucket to refill after RefillPeriod elapses")
	}
}
