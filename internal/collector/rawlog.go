// Package collector implements the input side of the log pipeline
// (§4.2–§4.3): the RawLog type, the bounded buffer collectors write
// into, and the four concrete collectors (file, syslog-UDP, syslog-TCP,
// and — via internal/detect — the eBPF event receiver).
package collector

import (
	"fmt"
	"time"
)

// MaxRawLogBytes bounds a single RawLog payload (§3: "length bounded:
// <= 64 KiB").
const MaxRawLogBytes = 64 * 1024

// processStart anchors the monotonic clock RawLog timestamps are
// measured against, independent of wall-clock adjustments.
var processStart = time.Now()

// monotonicNow returns nanoseconds elapsed since process start.
func monotonicNow() int64 {
	return time.Since(processStart).Nanoseconds()
}

// RawLog is an opaque byte payload annotated with its origin and
// arrival time. Created by collectors, consumed once by the parser
// stage, never mutated after construction.
type RawLog struct {
	// Source free-form identifies the collector instance (e.g.
	// "file:/var/log/auth.log", "syslog_udp", "ebpf").
	Source string

	// Payload is the raw, unparsed bytes.
	Payload []byte

	// ReceivedAtWall is the wall-clock arrival time.
	ReceivedAtWall time.Time

	// ReceivedAtMonotonicNS is nanoseconds since process start at
	// arrival, immune to wall-clock adjustments.
	ReceivedAtMonotonicNS int64
}

// NewRawLog constructs a RawLog, rejecting oversized payloads per
// MaxRawLogBytes.
func NewRawLog(source string, payload []byte) (RawLog, error) {
	if len(payload) > MaxRawLogBytes {
		return RawLog{}, fmt.Errorf("collector: raw log from %q exceeds %d bytes (got %d)", source, MaxRawLogBytes, len(payload))
	}
	return RawLog{
		Source:                source,
		Payload:               payload,
		ReceivedAtWall:        time.Now(),
		ReceivedAtMonotonicNS: monotonicNow(),
	}, nil
}

// Len returns the payload length in bytes.
func (r RawLog) Len() int { return len(r.Payload) }
