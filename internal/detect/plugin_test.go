package detect

import (
	"context"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/dongwonkwak/ironpost/internal/collector"
	"github.com/dongwonkwak/ironpost/internal/config"
	"github.com/dongwonkwak/ironpost/internal/pluginapi"
)

type stubDetectMetrics struct{}

func (stubDetectMetrics) ObservePacketEventProcessed() {}
func (stubDetectMetrics) ObservePacketEventDropped()   {}
func (stubDetectMetrics) ObserveDetectorAlert(string)  {}

func noBuffer() *collector.Buffer { return nil }

func TestPluginDisabledLifecycleNeverTouchesBpffs(t *testing.T) {
	p := New(config.EBPFConfig{Enabled: false}, noBuffer, zap.NewNop(), stubDetectMetrics{})

	if err := p.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if p.State() != pluginapi.StateInitialized {
		t.Fatalf("expected Initialized, got %v", p.State())
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p.State() != pluginapi.StateRunning {
		t.Fatalf("expected Running, got %v", p.State())
	}
	if p.Egress() != nil {
		t.Error("expected nil Egress channel when the eBPF plane is disabled")
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop should be a no-op, got %v", err)
	}
}

func TestPluginInitFailsWithoutPinnedMap(t *testing.T) {
	cfg := config.EBPFConfig{Enabled: true, RingBufferPinPath: filepath.Join(t.TempDir(), "missing-pin")}
	p := New(cfg, noBuffer, zap.NewNop(), stubDetectMetrics{})

	if err := p.Init(context.Background()); err == nil {
		t.Fatal("expected Init to fail when no ring buffer is pinned at the configured path")
	}
	if p.State() != pluginapi.StateFailed {
		t.Fatalf("expected Failed, got %v", p.State())
	}
}

func TestPluginHealthCheckReflectsState(t *testing.T) {
	p := New(config.EBPFConfig{Enabled: false}, noBuffer, zap.NewNop(), stubDetectMetrics{})
	if h := p.HealthCheck(context.Background()); h.Health != pluginapi.HealthDegraded {
		t.Errorf("expected Degraded before Init, got %v", h.Health)
	}
	p.Init(context.Background())
	if h := p.HealthCheck(context.Background()); h.Health != pluginapi.HealthHealthy {
		t.Errorf("expected Healthy after Init, got %v", h.Health)
	}
}

func TestPluginInfo(t *testing.T) {
	p := New(config.EBPFConfig{}, noBuffer, zap.NewNop(), stubDetectMetrics{})
	info := p.Info()
	if info.Name != "packet_detector" || info.Type != pluginapi.TypeDetector {
		t.Fatalf("unexpected Info: %+v", info)
	}
}
