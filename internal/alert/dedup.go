package alert

import (
	"sync"
	"time"
)

// MaxDedupEntries bounds the dedup map (§4.6 step 1 / §3).
const MaxDedupEntries = 100_000

// DefaultDedupWindow is the suppression window when config doesn't
// override it.
const DefaultDedupWindow = 300 * time.Second

// dedupTracker suppresses repeated emissions of the same (rule_id,
// group_key) within a trailing window, evicting least-recently-seen
// entries once the map hits its cap.
type dedupTracker struct {
	mu        sync.Mutex
	window    time.Duration
	lastSeen  map[DedupKey]int64 // monotonic nanoseconds
}

func newDedupTracker(window time.Duration) *dedupTracker {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &dedupTracker{window: window, lastSeen: make(map[DedupKey]int64)}
}

// allow reports whether key should be forwarded: true if it has never
// been seen, or was last seen outside the dedup window. Always
// records the observation as "seen now" regardless of outcome.
func (d *dedupTracker) allow(key DedupKey, nowMonotonicNS int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	last, seen := d.lastSeen[key]
	suppressed := seen && time.Duration(nowMonotonicNS-last) < d.window

	if !seen && len(d.lastSeen) >= MaxDedupEntries {
		d.evictOldestLocked()
	}
	d.lastSeen[key] = nowMonotonicNS
	return !suppressed
}

func (d *dedupTracker) evictOldestLocked() {
	var oldestKey DedupKey
	var oldestTime int64
	first := true
	for k, t := range d.lastSeen {
		if first || t < oldestTime {
			oldestKey, oldestTime, first = k, t, false
		}
	}
	if !first {
		delete(d.lastSeen, oldestKey)
	}
}
