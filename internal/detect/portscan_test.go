package detect

import (
	"testing"
	"time"

	"github.com/dongwonkwak/ironpost/internal/xdp"
)

func scanEvent(src uint32, dstPort uint16) xdp.PacketEvent {
	return xdp.PacketEvent{SrcIP: src, DstPort: dstPort, Protocol: xdp.ProtocolTCP}
}

func TestPortScanFiresAtThreshold(t *testing.T) {
	d := NewPortScanDetector(10, 5)
	now := time.Unix(2000, 0)
	ports := []uint16{22, 23, 80, 443, 3306, 5432, 6379, 8080}

	var fired bool
	var count int
	for _, p := range ports {
		fired, count = d.Observe(scanEvent(99, p), now)
		now = now.Add(time.Second)
		if fired {
			break
		}
	}
	if !fired {
		t.Fatal("expected port scan to fire once distinct port count reaches threshold")
	}
	if count < 5 {
		t.Fatalf("expected dst_port_count >= 5 at fire time, got %d", count)
	}
}

func TestPortScanRepeatedPortDoesNotInflateCount(t *testing.T) {
	d := NewPortScanDetector(10, 3)
	now := time.Unix(2000, 0)
	d.Observe(scanEvent(1, 80), now)
	d.Observe(scanEvent(1, 80), now)
	_, count := d.Observe(scanEvent(1, 80), now)
	if count != 1 {
		t.Fatalf("expected repeated port to count once, got %d", count)
	}
}

func TestPortScanWindowExpiresOldPorts(t *testing.T) {
	d := NewPortScanDetector(2, 3)
	now := time.Unix(2000, 0)
	d.Observe(scanEvent(1, 22), now)
	d.Observe(scanEvent(1, 23), now)
	now = now.Add(10 * time.Second)
	_, count := d.Observe(scanEvent(1, 80), now)
	if count != 1 {
		t.Fatalf("expected stale ports evicted from window, got count %d", count)
	}
}
