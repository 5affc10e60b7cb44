package registry

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/dongwonkwak/ironpost/internal/pluginapi"
)

// fakePlugin is a minimal pluginapi.Plugin for exercising Registry in
// isolation, independent of any real collector/detector implementation.
type fakePlugin struct {
	info      pluginapi.Info
	state     pluginapi.State
	initErr   error
	startErr  error
	stopErr   error
	health    pluginapi.Health
	stopCalls int
}

func (f *fakePlugin) Info() pluginapi.Info { return f.info }
func (f *fakePlugin) State() pluginapi.State { return f.state }

func (f *fakePlugin) Init(ctx context.Context) error {
	if f.initErr != nil {
		f.state = pluginapi.StateFailed
		return f.initErr
	}
	f.state = pluginapi.StateInitialized
	return nil
}

func (f *fakePlugin) Start(ctx context.Context) error {
	if f.startErr != nil {
		f.state = pluginapi.StateFailed
		return f.startErr
	}
	f.state = pluginapi.StateRunning
	return nil
}

func (f *fakePlugin) Stop(ctx context.Context) error {
	f.stopCalls++
	if f.stopErr != nil {
		return f.stopErr
	}
	f.state = pluginapi.StateStopped
	return nil
}

func (f *fakePlugin) HealthCheck(ctx context.Context) pluginapi.HealthStatus {
	return pluginapi.HealthStatus{Health: f.health}
}

func newFake(name string) *fakePlugin {
	return &fakePlugin{info: pluginapi.Info{Name: name, Version: "1.0.0", Type: pluginapi.TypeDetector}}
}

func TestRegisterDuplicateNameRejected(t *testing.T) {
	r := New(zap.NewNop())
	a := newFake("a")
	b := newFake("a")

	if err := r.Register(a); err != nil {
		t.Fatalf("first registration: unexpected error: %v", err)
	}
	err := r.Register(b)
	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
	if len(r.Names()) != 1 {
		t.Fatalf("registry mutated after failed registration: names=%v", r.Names())
	}
}

func TestInitAllFailFastOrder(t *testing.T) {
	r := New(zap.NewNop())
	a := newFake("a")
	b := newFake("b")
	b.initErr = errors.New("boom")
	c := newFake("c")

	for _, p := range []*fakePlugin{a, b, c} {
		if err := r.Register(p); err != nil {
			t.Fatalf("register %s: %v", p.info.Name, err)
		}
	}

	err := r.InitAll(context.Background())
	if err == nil {
		t.Fatal("expected InitAll to fail")
	}
	if a.state != pluginapi.StateInitialized {
		t.Fatalf("plugin a should have initialized before the failure, got %s", a.state)
	}
	if b.state != pluginapi.StateFailed {
		t.Fatalf("plugin b should be Failed, got %s", b.state)
	}
	if c.state != pluginapi.StateCreated {
		t.Fatalf("plugin c should never have been initialized, got %s", c.state)
	}
}

func TestStopAllContinuesOnErrorAndAggregates(t *testing.T) {
	r := New(zap.NewNop())
	a := newFake("a")
	b := newFake("b")
	b.stopErr = errors.New("stop failed")
	c := newFake("c")

	for _, p := range []*fakePlugin{a, b, c} {
		r.Register(p)
		p.state = pluginapi.StateRunning
	}

	err := r.StopAll(context.Background())
	if err == nil {
		t.Fatal("expected StopAll to report the failing plugin")
	}
	var sf *StopFailedError
	if !errors.As(err, &sf) {
		t.Fatalf("expected *StopFailedError, got %T: %v", err, err)
	}
	if _, ok := sf.Errors["b"]; !ok {
		t.Fatalf("expected failure recorded for plugin b, got %v", sf.Errors)
	}
	if a.stopCalls != 1 || b.stopCalls != 1 || c.stopCalls != 1 {
		t.Fatalf("expected Stop called on every plugin despite b's failure: a=%d b=%d c=%d",
			a.stopCalls, b.stopCalls, c.stopCalls)
	}
	// a and c stopped cleanly; only b remains un-Stopped.
	if a.state != pluginapi.StateStopped || c.state != pluginapi.StateStopped {
		t.Fatalf("a and c should be Stopped: a=%s c=%s", a.state, c.state)
	}
}

func TestStopAllTwiceIsIdempotent(t *testing.T) {
	r := New(zap.NewNop())
	a := newFake("a")
	r.Register(a)
	a.state = pluginapi.StateRunning

	if err := r.StopAll(context.Background()); err != nil {
		t.Fatalf("first StopAll: unexpected error: %v", err)
	}
	if err := r.StopAll(context.Background()); err != nil {
		t.Fatalf("second StopAll: unexpected error: %v", err)
	}
	if a.stopCalls != 1 {
		t.Fatalf("Stop should not be invoked again once a plugin is Stopped, got %d calls", a.stopCalls)
	}
}

func TestCompositeHealthWorstWins(t *testing.T) {
	r := New(zap.NewNop())
	a := newFake("a")
	b := newFake("b")
	b.health = pluginapi.HealthDegraded
	c := newFake("c")
	c.health = pluginapi.HealthUnhealthy

	r.Register(a)
	r.Register(b)
	r.Register(c)

	status, name := r.CompositeHealth(context.Background())
	if status.Health != pluginapi.HealthUnhealthy {
		t.Fatalf("expected Unhealthy, got %s", status.Health)
	}
	if name != "c" {
		t.Fatalf("expected first unhealthy plugin 'c', got %q", name)
	}
}

func TestCompositeHealthReportsToHealthSink(t *testing.T) {
	r := New(zap.NewNop())
	a := newFake("a")
	b := newFake("b")
	b.health = pluginapi.HealthDegraded
	r.Register(a)
	r.Register(b)

	seen := map[string]int{}
	r.SetHealthSink(func(plugin string, health int) { seen[plugin] = health })

	r.CompositeHealth(context.Background())

	if seen["a"] != int(pluginapi.HealthHealthy) {
		t.Errorf("expected plugin a health %d, got %d", pluginapi.HealthHealthy, seen["a"])
	}
	if seen["b"] != int(pluginapi.HealthDegraded) {
		t.Errorf("expected plugin b health %d, got %d", pluginapi.HealthDegraded, seen["b"])
	}
}

func TestCompositeHealthAllHealthy(t *testing.T) {
	r := New(zap.NewNop())
	r.Register(newFake("a"))
	r.Register(newFake("b"))

	status, name := r.CompositeHealth(context.Background())
	if status.Health != pluginapi.HealthHealthy {
		t.Fatalf("expected Healthy, got %s", status.Health)
	}
	if name != "" {
		t.Fatalf("expected no failing plugin name, got %q", name)
	}
}
