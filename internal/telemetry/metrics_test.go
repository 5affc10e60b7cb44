package telemetry

import (
	"context"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestNewMetricsRegistersWithoutPanicking(t *testing.T) {
	m := NewMetrics()
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestSetPluginHealthRecordsLabel(t *testing.T) {
	m := NewMetrics()
	m.SetPluginHealth("log-pipeline", 0)
	m.SetPluginHealth("container-guard", 2)

	metric := &dto.Metric{}
	if err := m.PluginHealth.WithLabelValues("container-guard").Write(metric); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := metric.GetGauge().GetValue(); got != 2 {
		t.Errorf("expected container-guard health=2, got %v", got)
	}
}

func TestUpdateUptimeStopsOnCancel(t *testing.T) {
	m := NewMetrics()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		m.updateUptime(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("updateUptime did not exit after context cancellation")
	}
}
