package alert

import "time"

// processStart anchors MonotonicTimestamp the same way
// internal/collector anchors RawLog.ReceivedAtMonotonicNS: a
// process-lifetime reference point rather than a wall-clock value that
// can jump on NTP adjustment.
var processStart = time.Now()

func monotonicNow() int64 {
	return time.Since(processStart).Nanoseconds()
}
