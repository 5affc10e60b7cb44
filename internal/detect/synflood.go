package detect

import (
	"time"

	"github.com/dongwonkwak/ironpost/internal/xdp"
)

// MaxTrackedDestinations bounds per-destination SYN-flood state, mirroring
// the rule engine's counter-hygiene cap (§4.5) against unbounded growth
// from address-spoofed traffic.
const MaxTrackedDestinations = 100_000

type synFloodState struct {
	total slidingCounter
	synOnly slidingCounter
	lastSeen time.Time
}

// SynFloodDetector implements §4.8's SYN-flood rule: per-destination
// sliding window over TCP segment rate and SYN-only ratio.
type SynFloodDetector struct {
	window            time.Duration
	threshold         int
	synRatioThreshold float64

	byDst map[uint32]*synFloodState
}

func NewSynFloodDetector(windowSecs, threshold int, synRatioThreshold float64) *SynFloodDetector {
	return &SynFloodDetector{
		window:            time.Duration(windowSecs) * time.Second,
		threshold:         threshold,
		synRatioThreshold: synRatioThreshold,
		byDst:             make(map[uint32]*synFloodState),
	}
}

// Observe folds one TCP packet event into the detector state and
// reports whether it crosses the SYN-flood threshold for its
// destination. Only called for TCP events.
func (d *SynFloodDetector) Observe(e xdp.PacketEvent, now time.Time) (fired bool, rate int, ratio float64) {
	st, ok := d.byDst[e.DstIP]
	if !ok {
		if len(d.byDst) >= MaxTrackedDestinations {
			d.evictOldest(now)
		}
		st = &synFloodState{}
		d.byDst[e.DstIP] = st
	}
	st.lastSeen = now
	st.total.observe(now, d.window)
	if e.IsSYNOnly() {
		st.synOnly.observe(now, d.window)
	} else {
		st.synOnly.evict(now, d.window)
	}

	rate = st.synOnly.count()
	total := st.total.count()
	if total == 0 {
		return false, rate, 0
	}
	ratio = float64(rate) / float64(total)
	fired = rate >= d.threshold && ratio >= d.synRatioThreshold
	return fired, rate, ratio
}

func (d *SynFloodDetector) evictOldest(now time.Time) {
	var oldestKey uint32
	var oldestTime time.Time
	first := true
	for k, st := range d.byDst {
		if first || st.lastSeen.Before(oldestTime) {
			oldestKey, oldestTime, first = k, st.lastSeen, false
		}
	}
	if !first {
		delete(d.byDst, oldestKey)
	}
}
