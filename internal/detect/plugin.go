package detect

import (
	"context"
	"fmt"
	"sync"

	"github.com/cilium/ebpf"
	"go.uber.org/zap"

	"github.com/dongwonkwak/ironpost/internal/collector"
	"github.com/dongwonkwak/ironpost/internal/config"
	"github.com/dongwonkwak/ironpost/internal/parse"
	"github.com/dongwonkwak/ironpost/internal/pluginapi"
	"github.com/dongwonkwak/ironpost/internal/xdp"
)

// MetricsSink is the narrow observation surface this plugin reports
// to, mirroring internal/pipeline.MetricsSink's shape.
type MetricsSink interface {
	ObservePacketEventProcessed()
	ObservePacketEventDropped()
	ObserveDetectorAlert(detector string)
}

// BufferSource resolves the RawLog buffer this plugin renders packet
// events into. Always the LogPipeline plugin's own Buffer() method
// value — kept as an indirection so this package never imports
// internal/pipeline directly.
type BufferSource func() *collector.Buffer

// Plugin is the Packet Detector plugin of §4.8: it opens the pinned
// eBPF ring buffer, renders every PacketEvent into the shared RawLog
// buffer, and runs the SYN-flood/port-scan sliding-window detectors
// over the same stream.
type Plugin struct {
	mu    sync.Mutex
	state pluginapi.State

	cfg       config.EBPFConfig
	bufSource BufferSource
	log       *zap.Logger
	metrics   MetricsSink
	ringMap   *ebpf.Map
	out       chan parse.LogEntry
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New constructs a Packet Detector plugin. bufSource is resolved at
// Start, by which point the registry guarantees every plugin's Init
// (including LogPipeline's, which allocates the buffer) has completed.
//
// The Egress channel, by contrast, is allocated here rather than in
// Start: the orchestrator wires this plugin's Egress() into
// LogPipeline's constructor before either plugin's Init runs, so the
// channel identity must be stable from construction — unlike the
// buffer, which is only ever read from Start.
func New(cfg config.EBPFConfig, bufSource BufferSource, log *zap.Logger, metrics MetricsSink) *Plugin {
	p := &Plugin{state: pluginapi.StateCreated, cfg: cfg, bufSource: bufSource, log: log, metrics: metrics}
	if cfg.Enabled {
		p.out = make(chan parse.LogEntry, DefaultAlertChannelCapacity)
	}
	return p
}

func (p *Plugin) Info() pluginapi.Info {
	return pluginapi.Info{Name: "packet_detector", Version: "1.0.0", Type: pluginapi.TypeDetector}
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

// Init opens the pinned ring buffer map. When disabled, Init is a
// no-op so the plugin still satisfies the registry without ever
// touching bpffs (§4.8: the kernel-space attachment is an external
// collaborator concern this layer only consumes).
func (p *Plugin) Init(ctx context.Context) error {
	if p.State() != pluginapi.StateCreated {
		return fmt.Errorf("detect: Init called from state %s", p.State())
	}
	if !p.cfg.Enabled {
		p.setState(pluginapi.StateInitialized)
		return nil
	}

	present, err := xdp.PinnedMapPresent(p.cfg.RingBufferPinPath)
	if err != nil {
		p.setState(pluginapi.StateFailed)
		return fmt.Errorf("detect: %w", err)
	}
	if !present {
		p.setState(pluginapi.StateFailed)
		return fmt.Errorf("detect: no pinned ring buffer map at %q (is the XDP program attached?)", p.cfg.RingBufferPinPath)
	}
	m, err := xdp.OpenPinnedRingBuffer(p.cfg.RingBufferPinPath)
	if err != nil {
		p.setState(pluginapi.StateFailed)
		return fmt.Errorf("detect: %w", err)
	}
	p.ringMap = m

	p.setState(pluginapi.StateInitialized)
	return nil
}

// Egress exposes the synthesized-LogEntry stream for LogPipeline's
// sole-consumer detectorLoop. nil when the eBPF plane is disabled,
// matching internal/pipeline.DetectorSource's documented nil
// convention.
func (p *Plugin) Egress() <-chan parse.LogEntry {
	return p.out
}

// Start opens the ring buffer reader and runs the detection pipeline
// until Stop cancels it.
func (p *Plugin) Start(ctx context.Context) error {
	if p.State() != pluginapi.StateInitialized {
		return fmt.Errorf("detect: Start called from state %s", p.State())
	}
	if !p.cfg.Enabled {
		p.setState(pluginapi.StateRunning)
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	buf := p.bufSource()
	if buf == nil {
		p.setState(pluginapi.StateFailed)
		return fmt.Errorf("detect: log pipeline buffer unavailable")
	}

	// PacketEventsProcessedTotal/PacketEventsDroppedTotal are counted at
	// the ring-buffer reader below (the point where a record is actually
	// consumed from or dropped off the kernel-fed queue); Hooks only
	// carries the detector-alert callback here to avoid double-counting
	// the same event at both the reader and the pipeline stage.
	hooks := Hooks{OnDetectorAlert: p.metrics.ObserveDetectorAlert}
	pipeline := NewPipeline(
		buf,
		p.cfg.SynFlood.WindowSecs, p.cfg.SynFlood.Threshold, p.cfg.SynFlood.SynRatioThreshold,
		p.cfg.PortScan.WindowSecs, p.cfg.PortScan.PortThreshold,
		p.log, hooks,
	)

	reader := xdp.NewReader(p.ringMap, DefaultAlertChannelCapacity, p.metrics.ObservePacketEventDropped, p.metrics.ObservePacketEventProcessed)
	events, err := reader.Run(runCtx, func(raw []byte, err error) {
		p.log.Warn("detect: malformed packet event", zap.Error(err), zap.Int("len", len(raw)))
	})
	if err != nil {
		cancel()
		p.setState(pluginapi.StateFailed)
		return fmt.Errorf("detect: %w", err)
	}

	alerts := pipeline.Run(runCtx, events)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(p.out)
		for entry := range alerts {
			select {
			case p.out <- entry:
			case <-runCtx.Done():
				return
			}
		}
	}()

	p.setState(pluginapi.StateRunning)
	return nil
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
