package detect

import (
	"time"

	"github.com/dongwonkwak/ironpost/internal/xdp"
)

// MaxTrackedSources bounds per-source port-scan state (see
// MaxTrackedDestinations).
const MaxTrackedSources = 100_000

type portScanState struct {
	ports    *slidingSet
	lastSeen time.Time
}

// PortScanDetector implements §4.8's port-scan rule: per-source sliding
// window over the set of distinct destination ports touched.
type PortScanDetector struct {
	window        time.Duration
	portThreshold int

	bySrc map[uint32]*portScanState
}

func NewPortScanDetector(windowSecs, portThreshold int) *PortScanDetector {
	return &PortScanDetector{
		window:        time.Duration(windowSecs) * time.Second,
		portThreshold: portThreshold,
		bySrc:         make(map[uint32]*portScanState),
	}
}

// Observe folds one packet event into the detector state and reports
// whether the source's distinct-destination-port count has crossed the
// threshold.
func (d *PortScanDetector) Observe(e xdp.PacketEvent, now time.Time) (fired bool, portCount int) {
	st, ok := d.bySrc[e.SrcIP]
	if !ok {
		if len(d.bySrc) >= MaxTrackedSources {
			d.evictOldest(now)
		}
		st = &portScanState{ports: newSlidingSet()}
		d.bySrc[e.SrcIP] = st
	}
	st.lastSeen = now
	st.ports.evict(now, d.window)
	st.ports.observe(e.DstPort, now)

	portCount = st.ports.size()
	fired = portCount >= d.portThreshold
	return fired, portCount
}

func (d *PortScanDetector) evictOldest(now time.Time) {
	var oldestKey uint32
	var oldestTime time.Time
	first := true
	for k, st := range d.bySrc {
		if first || st.lastSeen.Before(oldestTime) {
			oldestKey, oldestTime, first = k, st.lastSeen, false
		}
	}
	if !first {
		delete(d.bySrc, oldestKey)
	}
}
