package scanner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dongwonkwak/ironpost/internal/alert"
	"github.com/dongwonkwak/ironpost/internal/config"
	"github.com/dongwonkwak/ironpost/internal/pluginapi"
)

// MetricsSink is the narrow observation surface this plugin reports
// to, mirroring internal/pipeline.MetricsSink's shape.
type MetricsSink interface {
	ObserveScanCompleted(outcome string, findings int)
}

// Plugin is the Scanner plugin stub: it polls a Scanner on an interval
// and forwards every AlertEvent it returns onto egress, a second
// independent producer into the alert stream alongside LogPipeline
// (§2 dataflow; §5 "no global ordering" across producers).
type Plugin struct {
	mu    sync.Mutex
	state pluginapi.State

	cfg     config.SBOMConfig
	scanner Scanner
	log     *zap.Logger
	metrics MetricsSink

	egress chan alert.AlertEvent
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Scanner plugin around the given Scanner
// implementation. Pass scanner.NullScanner{} when no SBOM backend is
// wired — the plugin still runs its full lifecycle and poll loop,
// simply producing no findings.
func New(cfg config.SBOMConfig, sc Scanner, log *zap.Logger, metrics MetricsSink) *Plugin {
	return &Plugin{
		state:   pluginapi.StateCreated,
		cfg:     cfg,
		scanner: sc,
		log:     log,
		metrics: metrics,
		egress:  make(chan alert.AlertEvent, 256),
	}
}

func (p *Plugin) Info() pluginapi.Info {
	return pluginapi.Info{Name: "scanner", Version: "1.0.0", Type: pluginapi.TypeScanner}
}

func (p *Plugin) State() pluginapi.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Plugin) setState(s pluginapi.State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Plugin) Init(ctx context.Context) error {
	if p.State() != pluginapi.StateCreated {
		return fmt.Errorf("scanner: Init called from state %s", p.State())
	}
	p.setState(pluginapi.StateInitialized)
	return nil
}

// Start launches the poll loop. When cfg.Enabled is false the loop
// still runs but every tick is a no-op scan — the plugin keeps a live
// heartbeat for the registry's health check either way.
func (p *Plugin) Start(ctx context.Context) error {
	if p.State() != pluginapi.StateInitialized {
		return fmt.Errorf("scanner: Start called from state %s", p.State())
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(1)
	go p.pollLoop(runCtx)

	p.setState(pluginapi.StateRunning)
	return nil
}

func (p *Plugin) pollLoop(ctx context.Context) {
	defer p.wg.Done()

	interval := time.Duration(p.cfg.ScanIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.cfg.Enabled {
				p.runOnce(ctx)
			}
		}
	}
}

func (p *Plugin) runOnce(ctx context.Context) {
	events, err := p.scanner.Scan(ctx)
	if err != nil {
		p.log.Warn("scanner: scan pass failed", zap.Error(err))
		p.metrics.ObserveScanCompleted("error", 0)
		return
	}
	p.metrics.ObserveScanCompleted("success", len(events))
	for _, ev := range events {
		select {
		case p.egress <- ev:
		case <-ctx.Done():
			return
		default:
			p.log.Warn("scanner: egress channel full, finding dropped")
		}
	}
}

// Egress exposes the scanner's AlertEvent stream for the orchestrator
// to merge with LogPipeline's.
func (p *Plugin) Egress() <-chan alert.AlertEvent {
	return p.egress
}

func (p *Plugin) Stop(ctx context.Context) error {
	if p.State() == pluginapi.StateStopped {
		return nil
	}
	if p.cancel != nil {
		p.cancel()
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.setState(pluginapi.StateFailed)
		return ctx.Err()
	}
	p.setState(pluginapi.StateStopped)
	return nil
}

func (p *Plugin) HealthCheck(ctx context.Context) pluginapi.HealthStatus {
	switch p.State() {
	case pluginapi.StateRunning, pluginapi.StateInitialized:
		return pluginapi.HealthStatus{Health: pluginapi.HealthHealthy}
	case pluginapi.StateFailed:
		return pluginapi.HealthStatus{Health: pluginapi.HealthUnhealthy}
	default:
		return pluginapi.HealthStatus{Health: pluginapi.HealthDegraded, Message: p.State().String()}
	}
}
