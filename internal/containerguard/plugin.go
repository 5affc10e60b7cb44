package containerguard

import (
	"context"
	"fmt"
	"sync"
	"time"

	dockerclient "github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/dongwonkwak/ironpost/internal/alert"
	"github.com/dongwonkwak/ironpost/internal/config"
	"github.com/dongwonkwak/ironpost/internal/pluginapi"
)

// MetricsSink is the narrow observation surface this plugin reports
// to, mirroring internal/pipeline.MetricsSink's shape.
type MetricsSink interface {
	ObserveActionExecuted(action, outcome string)
	ObserveActionRetry()
	ObserveContainersTracked(n int)
}

// Plugin is the ContainerGuard plugin of §4.7.
type Plugin struct {
	mu    sync.Mutex
	state pluginapi.State

	cfg     config.ContainerConfig
	ingress <-chan alert.AlertEvent
	log     *zap.Logger
	metrics MetricsSink

	dockerClient *dockerclient.Client
	monitor      *Monitor
	matcher      *Matcher
	executor     *Executor

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a ContainerGuard plugin. ingress is the receive end
// of the shared alert channel the orchestrator wires from LogPipeline
// and Scanner; the plugin never creates its own channel endpoints
// (§9).
func New(cfg config.ContainerConfig, ingress <-chan alert.AlertEvent, log *zap.Logger, metrics MetricsSink) *Plugin {
	return &Plugin{state: pluginapi.StateCreated, cfg: cfg, ingress: ingress, log: log, metrics: metrics}
}

func (p *Plugin) Info() pluginapi.Info {
	return pluginapi.Info{Name: "container_guard", Version: "1.0.0", Type: pluginapi.TypeEnforcer}
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

// Init connects to the Docker daemon and loads the policy directory.
// When cfg.Enabled is false, Init skips both and only moves to
// Initialized; Start runs a drain task instead of the
// monitor/matcher/executor trio.
func (p *Plugin) Init(ctx context.Context) error {
	if p.State() != pluginapi.StateCreated {
		return fmt.Errorf("containerguard: Init called from state %s", p.State())
	}

	if !p.cfg.Enabled {
		p.setState(pluginapi.StateInitialized)
		return nil
	}

	dc, err := dockerclient.NewClientWithOpts(
		dockerclient.WithHost(p.cfg.DockerHost),
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		p.setState(pluginapi.StateFailed)
		return fmt.Errorf("containerguard: docker client: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := dc.Ping(pingCtx); err != nil {
		p.setState(pluginapi.StateFailed)
		return fmt.Errorf("containerguard: docker ping: %w", err)
	}
	p.dockerClient = dc

	policies, err := LoadDir(p.cfg.PolicyPath, p.log)
	if err != nil {
		if _, partial := err.(*LoadErrors); !partial {
			p.setState(pluginapi.StateFailed)
			return fmt.Errorf("containerguard: policy_path %q: %w", p.cfg.PolicyPath, err)
		}
		p.log.Warn("containerguard: some policy files failed to load", zap.Error(err))
	}

	p.monitor = NewMonitor(dc, time.Duration(p.cfg.PollIntervalSecs)*time.Second, p.log)
	p.matcher = NewMatcher(policies)
	p.executor = NewExecutor(dc, 10_000, p.log, p.onActionEvent, p.metrics.ObserveActionRetry)

	p.setState(pluginapi.StateInitialized)
	return nil
}

func (p *Plugin) onActionEvent(ev ActionEvent) {
	outcome := "success"
	if !ev.Success {
		outcome = "failure"
	}
	p.metrics.ObserveActionExecuted(ev.Action.Kind.String(), outcome)
	if ev.Success {
		p.log.Info("containerguard: isolation action succeeded",
			zap.String("container", ev.ContainerID), zap.String("action", ev.Action.Kind.String()))
	} else {
		p.log.Error("containerguard: isolation action failed",
			zap.String("container", ev.ContainerID), zap.String("action", ev.Action.Kind.String()),
			zap.String("error", ev.Error))
	}
}

// Start launches the monitor, the matching loop, and the isolation
// executor — or, when disabled, a drain task that discards incoming
// alerts so upstream sends never block (§4.7).
func (p *Plugin) Start(ctx context.Context) error {
	if p.State() != pluginapi.StateInitialized {
		return fmt.Errorf("containerguard: Start called from state %s", p.State())
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	if !p.cfg.Enabled {
		p.wg.Add(1)
		go p.drain(runCtx)
		p.setState(pluginapi.StateRunning)
		return nil
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.monitor.Run(runCtx); err != nil && runCtx.Err() == nil {
			p.log.Warn("containerguard: monitor exited with error", zap.Error(err))
		}
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.executor.Run(runCtx); err != nil && runCtx.Err() == nil {
			p.log.Warn("containerguard: executor exited with error", zap.Error(err))
		}
	}()

	p.wg.Add(1)
	go p.matchLoop(runCtx)

	p.setState(pluginapi.StateRunning)
	return nil
}

// drain discards incoming alerts when ContainerGuard is disabled, so
// LogPipeline's and Scanner's non-blocking sends never see a full
// channel (§4.7: "a drain task logs and discards").
func (p *Plugin) drain(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-p.ingress:
			if !ok {
				return
			}
			p.log.Debug("containerguard: disabled, discarding alert", zap.String("rule_id", ev.Alert.RuleID))
		}
	}
}

func (p *Plugin) matchLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-p.ingress:
			if !ok {
				return
			}
			p.metrics.ObserveContainersTracked(p.monitor.Len())
			if !p.cfg.AutoIsolate {
				continue
			}
			for _, m := range p.matcher.Match(ev, p.monitor.Snapshot()) {
				if !p.executor.Enqueue(m.Container.ID, m.Policy.Action) {
					p.log.Warn("containerguard: isolation queue full, job dropped",
						zap.String("container", m.Container.ID), zap.String("policy", m.Policy.ID))
				}
			}
		}
	}
}

// Stop cancels the background loops and waits for them to exit. Safe
// to call more than once; matches the "no alert emitted after stop()
// returns" requirement of §8's shutdown-ordering scenario because the
// match loop selects on ctx.Done() before ever touching the executor.
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
