// Package xdp — reader.go
//
// Ring buffer event receiver for ironpostd's packet plane.
//
// Architecture:
//
//	[pinned BPF ring buffer map]
//	      ↓  (cilium/ebpf ringbuf.Reader)
//	[Reader.Run goroutine]
//	      ↓  (buffered channel, cap=queueCap)
//	[internal/detect consumer — renders RawLog and runs SYN-flood/port-scan windows]
//
// Backpressure: if the channel is full, the event is dropped and a
// caller-supplied counter is incremented; the reader never blocks on a
// slow consumer.
//
// Shutdown: ctx cancellation stops the reader goroutine; the channel is
// then closed so the consumer observes end-of-stream.
package xdp

import (
	"context"
	"fmt"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"
	"golang.org/x/sys/unix"
)

// PinnedMapPresent reports whether a bpffs pin exists at path. Ironpostd
// checks this at startup so a missing kernel-side attachment fails fast
// with a clear message rather than surfacing as an opaque ringbuf open
// error.
func PinnedMapPresent(path string) (bool, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		if err == unix.ENOENT {
			return false, nil
		}
		return false, fmt.Errorf("xdp: stat pinned map %q: %w", path, err)
	}
	return true, nil
}

// OpenPinnedRingBuffer loads the ring buffer map pinned at path. The map
// itself is created and populated by the kernel-space program; ironpostd
// only ever opens it read-side.
func OpenPinnedRingBuffer(path string) (*ebpf.Map, error) {
	m, err := ebpf.LoadPinnedMap(path, nil)
	if err != nil {
		return nil, fmt.Errorf("xdp: load pinned ring buffer %q: %w", path, err)
	}
	return m, nil
}

// Reader consumes PacketEvent records from a ring buffer map and
// dispatches them to a bounded channel.
type Reader struct {
	ringMap  *ebpf.Map
	queue    chan PacketEvent
	onDrop   func()
	onRecord func()
}

// NewReader creates a Reader over ringMap with the given queue capacity.
// onDrop is invoked (if non-nil) each time a record is dropped for lack
// of a free queue slot; onRecord is invoked for each record successfully
// parsed, before the enqueue attempt (so also for records then dropped).
func NewReader(ringMap *ebpf.Map, queueCap int, onDrop, onRecord func()) *Reader {
	return &Reader{
		ringMap:  ringMap,
		queue:    make(chan PacketEvent, queueCap),
		onDrop:   onDrop,
		onRecord: onRecord,
	}
}

// malformedHandler is invoked for each record that fails to parse; tests
// substitute a recording stub, production wires a zap logger call.
type malformedHandler func(raw []byte, err error)

// Run starts the ring buffer reader and returns the event channel. The
// caller should range over the returned channel; it closes when ctx is
// cancelled or the reader hits an unrecoverable error.
func (r *Reader) Run(ctx context.Context, onMalformed malformedHandler) (<-chan PacketEvent, error) {
	rd, err := ringbuf.NewReader(r.ringMap)
	if err != nil {
		return nil, fmt.Errorf("xdp: ringbuf.NewReader: %w", err)
	}

	go func() {
		defer close(r.queue)
		defer rd.Close()

		for {
			select {
			case <-ctx.Done():
				return
			default:
				_ = rd.SetDeadline(time.Now().Add(100 * time.Millisecond))
				record, err := rd.Read()
				if err != nil {
					if ringbuf.IsUnrecoverableError(err) {
						return
					}
					continue
				}

				event, err := ParseEvent(record.RawSample)
				if err != nil {
					if onMalformed != nil {
						onMalformed(record.RawSample, err)
					}
					continue
				}

				if r.onRecord != nil {
					r.onRecord()
				}

				select {
				case r.queue <- event:
				default:
					if r.onDrop != nil {
						r.onDrop()
					}
				}
			}
		}
	}()

	return r.queue, nil
}
