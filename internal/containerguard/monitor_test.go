package containerguard

import (
	"context"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"go.uber.org/zap"
)

type fakeDockerClient struct {
	containers []types.Container
	calls      int
}

func (f *fakeDockerClient) ContainerList(ctx context.Context, options types.ContainerListOptions) ([]types.Container, error) {
	f.calls++
	return f.containers, nil
}

func TestMonitorSweepPopulatesCache(t *testing.T) {
	fc := &fakeDockerClient{containers: []types.Container{
		{ID: "abc123", Names: []string{"/web-01"}, Image: "nginx:latest", State: "running"},
	}}
	m := NewMonitor(fc, time.Hour, zap.NewNop())
	m.sweep(context.Background())

	snap := m.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 container, got %d", len(snap))
	}
	if snap[0].Name != "web-01" {
		t.Errorf("expected leading slash to be stripped, got %q", snap[0].Name)
	}
}

func TestMonitorSnapshotSortedByID(t *testing.T) {
	fc := &fakeDockerClient{containers: []types.Container{
		{ID: "zzz", Names: []string{"/z"}},
		{ID: "aaa", Names: []string{"/a"}},
	}}
	m := NewMonitor(fc, time.Hour, zap.NewNop())
	m.sweep(context.Background())

	snap := m.Snapshot()
	if len(snap) != 2 || snap[0].ID != "aaa" || snap[1].ID != "zzz" {
		t.Fatalf("expected snapshot sorted ascending by id, got %+v", snap)
	}
}

func TestMonitorCacheEvictsStaleContainers(t *testing.T) {
	fc := &fakeDockerClient{containers: []types.Container{{ID: "abc", Names: []string{"/web"}}}}
	m := NewMonitor(fc, time.Hour, zap.NewNop())
	m.sweep(context.Background())
	if m.Len() != 1 {
		t.Fatalf("expected 1 container after first sweep, got %d", m.Len())
	}

	fc.containers = nil
	m.sweep(context.Background())
	if m.Len() != 0 {
		t.Fatalf("expected stale container to be evicted, got %d", m.Len())
	}
}

func TestMonitorLookupByUnambiguousPrefix(t *testing.T) {
	fc := &fakeDockerClient{containers: []types.Container{
		{ID: "abcdef123456", Names: []string{"/web"}},
	}}
	m := NewMonitor(fc, time.Hour, zap.NewNop())
	m.sweep(context.Background())

	if _, ok := m.Lookup("abcdef"); !ok {
		t.Error("expected unambiguous prefix lookup to succeed")
	}
	if _, ok := m.Lookup("nonexistent"); ok {
		t.Error("expected lookup of unknown id to fail")
	}
}

func TestMonitorRunStopsOnContextCancel(t *testing.T) {
	fc := &fakeDockerClient{}
	m := NewMonitor(fc, time.Millisecond, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("monitor.Run did not return after context cancellation")
	}
	if fc.calls == 0 {
		t.Error("expected at least one sweep to have run")
	}
}
