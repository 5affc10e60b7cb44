package rules

import (
	"sync"
	"time"
)

// MaxCounterEntries bounds the threshold engine's global counter map
// (§3's Counter entry invariant).
const MaxCounterEntries = 100_000

// MinSweepInterval is the minimum spacing between counter sweeps. The
// sweep runs inline from Matcher.Evaluate, not from a background
// goroutine, so expired counters stay in the map until the first
// Evaluate call after the interval has elapsed.
const MinSweepInterval = 60 * time.Second

type counterKey struct {
	ruleID   string
	groupKey string
}

type counterEntry struct {
	count         int
	windowStart   time.Time
	timeframeSecs int
}

func (e *counterEntry) expired(now time.Time) bool {
	return now.Sub(e.windowStart) >= time.Duration(e.timeframeSecs)*time.Second
}

// thresholdEngine implements §4.5 step 3: group-by counters with
// window-expiry reset and emit-on-reaching-count semantics, plus §4.5's
// counter-hygiene sweep and the §3 100,000-entry global cap.
type thresholdEngine struct {
	mu           sync.Mutex
	counters     map[counterKey]*counterEntry
	lastSweep    time.Time
	evictedTotal int
	onEvicted    func()
}

func newThresholdEngine(onEvicted func()) *thresholdEngine {
	return &thresholdEngine{counters: make(map[counterKey]*counterEntry), onEvicted: onEvicted}
}

// increment folds one rule match into its (rule_id, group_key) counter
// and reports whether this observation should emit (counter reached
// the configured count). On emission the counter resets to prevent
// immediate re-firing.
func (e *thresholdEngine) increment(ruleID, groupKey string, count, timeframeSecs int) bool {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	key := counterKey{ruleID: ruleID, groupKey: groupKey}
	entry, ok := e.counters[key]
	if !ok {
		if len(e.counters) >= MaxCounterEntries {
			e.evictOldestLocked()
		}
		entry = &counterEntry{windowStart: now, timeframeSecs: timeframeSecs}
		e.counters[key] = entry
	}

	if entry.expired(now) {
		entry.count = 0
		entry.windowStart = now
		entry.timeframeSecs = timeframeSecs
	}

	entry.count++
	if entry.count >= count {
		entry.count = 0
		entry.windowStart = now
		return true
	}
	return false
}

func (e *thresholdEngine) evictOldestLocked() {
	var oldestKey counterKey
	var oldestTime time.Time
	first := true
	for k, v := range e.counters {
		if first || v.windowStart.Before(oldestTime) {
			oldestKey, oldestTime, first = k, v.windowStart, false
		}
	}
	if !first {
		delete(e.counters, oldestKey)
		e.evictedTotal++
		if e.onEvicted != nil {
			e.onEvicted()
		}
	}
}

// sweepIfDue removes expired counter entries if at least
// MinSweepInterval has elapsed since the last sweep.
func (e *thresholdEngine) sweepIfDue() {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.lastSweep.IsZero() && now.Sub(e.lastSweep) < MinSweepInterval {
		return
	}
	e.lastSweep = now
	for k, v := range e.counters {
		if v.expired(now) {
			delete(e.counters, k)
		}
	}
}

// CounterCount reports the current number of tracked counter entries,
// for metrics/tests.
func (e *thresholdEngine) CounterCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.counters)
}
