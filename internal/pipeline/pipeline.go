// Package pipeline implements the LogPipeline plugin (§4.2–§4.6): it
// owns every collector, the bounded RawLog buffer, the parser router,
// the detection rule matcher, and the alert generator, running them in
// background goroutines: one per collector, a drain-and-match loop, and
// a detector loop when detector input is wired.
//
// The packet-detector plane (internal/detect) feeds synthesized
// LogEntry records into the same matching stage through a second input
// channel the orchestrator hands to Start — LogPipeline does not own
// the eBPF event receiver itself (that lives behind internal/xdp and
// internal/detect), but it is the single consumer of detector output,
// per the sole-consumer rule recorded for internal/detect.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dongwonkwak/ironpost/internal/alert"
	"github.com/dongwonkwak/ironpost/internal/collector"
	"github.com/dongwonkwak/ironpost/internal/config"
	"github.com/dongwonkwak/ironpost/internal/parse"
	"github.com/dongwonkwak/ironpost/internal/pluginapi"
	"github.com/dongwonkwak/ironpost/internal/rules"
)

// MetricsSink is the subset of *telemetry.Metrics the pipeline reports
// to. Defined as an interface so tests can supply a stub instead of
// standing up a real Prometheus registry.
type MetricsSink interface {
	ObserveRawLogCollected(source string)
	ObserveCollectorDropped(source, reason string)
	ObserveBufferDepth(n int)
	ObserveBufferDropped(policy string)
	ObserveEntryParsed(parser string)
	ObserveParseError(reason string)
	ObserveJSONDepthTruncated()
	ObserveRuleMatch(severity string)
	ObserveRulesActive(n int)
	ObserveRuleLoadError()
	ObserveThresholdCounterEvicted()
	ObserveRegexCacheSize(n int)
	ObserveAlertEmitted()
	ObserveAlertDeduped()
	ObserveAlertRateLimited()
	ObserveAlertChannelFull()
	ObserveTCPConnectionDelta(delta int)
}

// DetectorSource supplies the synthesized LogEntry stream produced by
// the packet-detector plane. Nil means the eBPF plane is disabled
// (config.EBPFConfig.Enabled == false).
type DetectorSource <-chan parse.LogEntry

// Plugin is the LogPipeline plugin of §4.2–§4.6.
type Plugin struct {
	mu    sync.Mutex
	state pluginapi.State

	cfg     config.LogPipelineConfig
	log     *zap.Logger
	metrics MetricsSink

	buf       *collector.Buffer
	router    *parse.Router
	matcher   *rules.Matcher
	generator *alert.Generator

	collectors []runner
	detectorIn DetectorSource

	cancel context.CancelFunc
	wg     sync.WaitGroup

	lastHealthErr string
}

type runner interface {
	Run(ctx context.Context) error
}

// New constructs a LogPipeline plugin. detectorIn may be nil when the
// eBPF plane is disabled; collectors are constructed and validated in
// Init, not here, so config errors surface through the plugin lifecycle
// rather than at wiring time.
func New(cfg config.LogPipelineConfig, detectorIn DetectorSource, log *zap.Logger, metrics MetricsSink) *Plugin {
	return &Plugin{
		state:      pluginapi.StateCreated,
		cfg:        cfg,
		detectorIn: detectorIn,
		log:        log,
		metrics:    metrics,
	}
}

func (p *Plugin) Info() pluginapi.Info {
	return pluginapi.Info{Name: "log_pipeline", Version: "1.0.0", Type: pluginapi.TypeLogPipeline}
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

// Init builds the buffer, parser router, rule matcher, alert generator,
// and the configured collector set. A malformed rules directory or an
// invalid watch path is a fatal Init error (§7: configuration failures
// are fatal at startup, not degraded at runtime).
func (p *Plugin) Init(ctx context.Context) error {
	if p.State() != pluginapi.StateCreated {
		return fmt.Errorf("pipeline: Init called from state %s", p.State())
	}

	policy, err := collector.ParseDropPolicy(p.cfg.Buffer.DropPolicy)
	if err != nil {
		p.setState(pluginapi.StateFailed)
		return err
	}
	p.buf = collector.NewBuffer(p.cfg.Buffer.Capacity, policy, p.cfg.Buffer.BatchSize, func() {
		p.metrics.ObserveBufferDropped(policy.String())
	})

	set, err := rules.LoadDir(p.cfg.RulesDir, p.log)
	if err != nil {
		if _, partial := err.(*rules.LoadErrors); !partial {
			p.setState(pluginapi.StateFailed)
			return fmt.Errorf("pipeline: rules dir %q: %w", p.cfg.RulesDir, err)
		}
		p.log.Warn("pipeline: some rule files failed to load", zap.Error(err))
		p.metrics.ObserveRuleLoadError()
	}
	if set == nil {
		p.setState(pluginapi.StateFailed)
		return fmt.Errorf("pipeline: rules dir %q: no rules loaded", p.cfg.RulesDir)
	}
	p.matcher = rules.NewMatcher(set, false, rules.Hooks{OnCounterEvicted: p.metrics.ObserveThresholdCounterEvicted})
	active := 0
	for _, r := range set.Rules {
		if r.Enabled() {
			active++
		}
	}
	p.metrics.ObserveRulesActive(active)
	p.metrics.ObserveRegexCacheSize(set.RegexCacheSize())

	jsonParser := parse.DefaultJSONParser()
	jsonParser.OnDepthTruncated = p.metrics.ObserveJSONDepthTruncated
	p.router = parse.NewRouter(&parse.SyslogParser{}, jsonParser)

	p.generator = alert.NewGenerator(
		time.Duration(p.cfg.Alert.DedupWindowSecs)*time.Second,
		p.cfg.Alert.RateLimitPerRule,
		p.log,
		alert.Hooks{
			OnEmitted:     p.metrics.ObserveAlertEmitted,
			OnDeduped:     p.metrics.ObserveAlertDeduped,
			OnRateLimited: p.metrics.ObserveAlertRateLimited,
			OnChannelFull: p.metrics.ObserveAlertChannelFull,
		},
	)

	if err := p.buildCollectors(); err != nil {
		p.setState(pluginapi.StateFailed)
		return err
	}

	p.setState(pluginapi.StateInitialized)
	return nil
}

func (p *Plugin) buildCollectors() error {
	onCollected := func(source string) { p.metrics.ObserveRawLogCollected(source) }
	onDropped := func(source, reason string) { p.metrics.ObserveCollectorDropped(source, reason) }

	for _, src := range p.cfg.Sources {
		switch src {
		case "file":
			fc, err := collector.NewFileCollector(p.cfg.WatchPaths, p.buf, p.log, onCollected, onDropped)
			if err != nil {
				return fmt.Errorf("pipeline: file collector: %w", err)
			}
			p.collectors = append(p.collectors, fc)
		case "syslog_udp":
			p.collectors = append(p.collectors, collector.NewSyslogUDPCollector(p.cfg.SyslogBind, p.buf, p.log, onCollected, onDropped))
		case "syslog_tcp":
			tc := collector.NewSyslogTCPCollector(
				p.cfg.SyslogBind, p.buf, p.log,
				p.cfg.TCPMaxConnections, p.cfg.TCPIdleTimeout,
				onCollected, onDropped,
				p.metrics.ObserveTCPConnectionDelta,
			)
			p.collectors = append(p.collectors, tc)
		case "ebpf":
			// The eBPF event receiver and packet detectors are owned by
			// internal/detect; this plugin only consumes their output
			// via detectorIn.
		default:
			return fmt.Errorf("pipeline: unknown source %q", src)
		}
	}
	return nil
}

// Start launches the collectors, the drain-and-match loop, and the
// alert-forwarding loop.
func (p *Plugin) Start(ctx context.Context) error {
	if p.State() != pluginapi.StateInitialized {
		return fmt.Errorf("pipeline: Start called from state %s", p.State())
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	for _, c := range p.collectors {
		c := c
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := c.Run(runCtx); err != nil && runCtx.Err() == nil {
				p.log.Warn("pipeline: collector exited with error", zap.Error(err))
			}
		}()
	}

	p.wg.Add(1)
	go p.drainLoop(runCtx)

	if p.detectorIn != nil {
		p.wg.Add(1)
		go p.detectorLoop(runCtx)
	}

	p.setState(pluginapi.StateRunning)
	return nil
}

// drainLoop reads RawLog batches from the buffer on the "ready or
// flush interval, whichever first" schedule (§4.3), parses each entry,
// and feeds it to the shared matching stage.
func (p *Plugin) drainLoop(ctx context.Context) {
	defer p.wg.Done()
	flush := time.Duration(p.cfg.Buffer.FlushIntervalSecs) * time.Second
	if flush <= 0 {
		flush = time.Second
	}
	ticker := time.NewTicker(flush)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.drainOnce()
			return
		case <-p.buf.Ready():
			p.drainOnce()
		case <-ticker.C:
			p.drainOnce()
		}
		p.metrics.ObserveBufferDepth(p.buf.Len())
	}
}

func (p *Plugin) drainOnce() {
	for {
		batch := p.buf.DrainUpTo(p.cfg.Buffer.BatchSize)
		if len(batch) == 0 {
			return
		}
		for _, raw := range batch {
			entry, parserName, err := p.router.ParseNamed(raw)
			if err != nil {
				p.metrics.ObserveParseError(parseErrorReason(parserName, err))
				p.log.Debug("pipeline: parse error", zap.String("source", raw.Source), zap.Error(err))
				continue
			}
			p.metrics.ObserveEntryParsed(parserName)
			p.matchAndAlert(entry)
		}
	}
}

// parseErrorReason maps a router rejection to an ObserveParseError
// label (§7's ParseError taxonomy): an empty parserName means no
// registered parser claimed the input at all, distinct from a named
// parser claiming it and then failing on malformed content.
func parseErrorReason(parserName string, err error) string {
	if parserName == "" {
		return "no_parser"
	}
	switch {
	case errors.Is(err, parse.ErrInvalidPRI):
		return "invalid_pri"
	case errors.Is(err, parse.ErrMalformedSyslog):
		return "malformed_syslog"
	default:
		return parserName + "_error"
	}
}

// detectorLoop consumes synthesized LogEntry records from the
// packet-detector plane and feeds them through the same matching stage
// as parsed log entries.
func (p *Plugin) detectorLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-p.detectorIn:
			if !ok {
				return
			}
			p.matchAndAlert(entry)
		}
	}
}

func (p *Plugin) matchAndAlert(entry parse.LogEntry) {
	for _, match := range p.matcher.Evaluate(entry) {
		p.metrics.ObserveRuleMatch(match.Rule.Severity.String())
		p.generator.Emit(match, entry)
	}
}

// Egress exposes the alert stream for the orchestrator to wire to
// ContainerGuard and any other alert consumer.
func (p *Plugin) Egress() <-chan alert.AlertEvent {
	return p.generator.Egress()
}

// Buffer exposes the bounded RawLog queue so the packet-detector plane
// can push synthesized ebpf-sourced RawLog records onto the same
// queue file/syslog collectors drain, rather than owning a second one.
// Only valid to call once Init has returned successfully; the
// orchestrator's registry guarantees every plugin's Init completes
// before any plugin's Start runs, so a detector plugin's Start may
// safely resolve this.
func (p *Plugin) Buffer() *collector.Buffer {
	return p.buf
}

// Stop cancels the background loops and waits for them to exit. Safe
// to call more than once.
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
	st := p.State()
	switch st {
	case pluginapi.StateRunning:
		if p.buf != nil && p.buf.Len() >= p.cfg.Buffer.Capacity {
			return pluginapi.HealthStatus{Health: pluginapi.HealthDegraded, Message: "buffer at capacity"}
		}
		return pluginapi.HealthStatus{Health: pluginapi.HealthHealthy}
	case pluginapi.StateFailed:
		return pluginapi.HealthStatus{Health: pluginapi.HealthUnhealthy, Message: p.lastHealthErr}
	default:
		return pluginapi.HealthStatus{Health: pluginapi.HealthDegraded, Message: st.String()}
	}
}
