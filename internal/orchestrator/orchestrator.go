// Package orchestrator wires the Ironpost plugins together: it owns
// the channel endpoints between producers and consumers (§9 — plugins
// never hold onto one another directly, only the orchestrator threads
// channels between them), registers plugins in producer-first order,
// and drives the shared lifecycle through internal/registry.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/dongwonkwak/ironpost/internal/alert"
	"github.com/dongwonkwak/ironpost/internal/collector"
	"github.com/dongwonkwak/ironpost/internal/config"
	"github.com/dongwonkwak/ironpost/internal/containerguard"
	"github.com/dongwonkwak/ironpost/internal/detect"
	"github.com/dongwonkwak/ironpost/internal/pipeline"
	"github.com/dongwonkwak/ironpost/internal/pluginapi"
	"github.com/dongwonkwak/ironpost/internal/registry"
	"github.com/dongwonkwak/ironpost/internal/scanner"
)

// mergeChannelCapacity bounds the fan-in channel between the two alert
// producers (LogPipeline, Scanner) and ContainerGuard.
const mergeChannelCapacity = 4096

// Orchestrator owns the plugin registry plus the alert-stream fan-in
// that sits between the two producers and ContainerGuard.
type Orchestrator struct {
	registry *registry.Registry
	log      *zap.Logger

	pipelinePlugin *pipeline.Plugin
	scannerPlugin  *scanner.Plugin

	mergeIngress chan alert.AlertEvent
	mergeCancel  context.CancelFunc
	mergeWG      sync.WaitGroup
}

// Build constructs every plugin and wires their channel endpoints, but
// does not start any background work — call Start for that. Plugins
// are registered in the producer-first order §8's shutdown-ordering
// scenario names: eBPF (packet detector), LogPipeline, Scanner,
// ContainerGuard.
func Build(cfg *config.Config, log *zap.Logger, metrics Metrics) (*Orchestrator, error) {
	reg := registry.New(log)
	reg.SetHealthSink(metrics.SetPluginHealth)

	// detectPlugin needs LogPipeline's buffer, but LogPipeline needs
	// detectPlugin's Egress channel at construction time. Break the
	// cycle with a forward-declared variable the closure captures by
	// reference; by the time Start ever calls bufSource, pipelinePlugin
	// below is long since assigned (InitAll precedes every StartAll
	// call, registry-wide).
	var pipelinePlugin *pipeline.Plugin
	bufSource := func() *collector.Buffer {
		if pipelinePlugin == nil {
			return nil
		}
		return pipelinePlugin.Buffer()
	}
	detectPlugin := detect.New(cfg.EBPF, bufSource, log, metrics)

	pipelinePlugin = pipeline.New(cfg.LogPipeline, pipeline.DetectorSource(detectPlugin.Egress()), log, metrics)

	scannerPlugin := scanner.New(cfg.SBOM, scanner.NullScanner{}, log, metrics)

	mergeIngress := make(chan alert.AlertEvent, mergeChannelCapacity)
	guardPlugin := containerguard.New(cfg.Container, mergeIngress, log, metrics)

	for _, p := range []pluginapi.Plugin{detectPlugin, pipelinePlugin, scannerPlugin, guardPlugin} {
		if err := reg.Register(p); err != nil {
			return nil, fmt.Errorf("orchestrator: %w", err)
		}
	}

	return &Orchestrator{
		registry:       reg,
		log:            log,
		pipelinePlugin: pipelinePlugin,
		scannerPlugin:  scannerPlugin,
		mergeIngress:   mergeIngress,
	}, nil
}

// Metrics is the union of every plugin's narrow MetricsSink interface.
// *telemetry.Metrics implements it via its Observe* helper methods.
type Metrics interface {
	pipeline.MetricsSink
	detect.MetricsSink
	containerguard.MetricsSink

	// SetPluginHealth reports the per-plugin health gauge observed on
	// every CompositeHealth call (registry.Registry.SetHealthSink).
	SetPluginHealth(plugin string, healthyDegradedUnhealthy int)
}

// Start runs InitAll then StartAll across the registry, and — once
// every plugin is running — launches the fan-in goroutines that merge
// LogPipeline's and Scanner's alert streams into ContainerGuard's
// ingress channel (§2 dataflow, §5 "no global ordering" across
// producers). On InitAll/StartAll failure, already-started plugins are
// stopped before the error is returned, per §7's "a failed Init/Start
// leaves no orphaned background work" expectation.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.registry.InitAll(ctx); err != nil {
		return fmt.Errorf("orchestrator: init: %w", err)
	}
	if err := o.registry.StartAll(ctx); err != nil {
		if stopErr := o.registry.StopAll(ctx); stopErr != nil {
			o.log.Error("orchestrator: cleanup after failed start also failed", zap.Error(stopErr))
		}
		return fmt.Errorf("orchestrator: start: %w", err)
	}

	mergeCtx, cancel := context.WithCancel(context.Background())
	o.mergeCancel = cancel
	o.mergeWG.Add(2)
	go o.fanIn(mergeCtx, "log_pipeline", o.pipelinePlugin.Egress())
	go o.fanIn(mergeCtx, "scanner", o.scannerPlugin.Egress())

	return nil
}

// fanIn copies one producer's alert stream into the shared ingress
// channel until ctx is cancelled or src is closed. alert.Generator
// never closes its egress channel on Stop, so termination always runs
// through ctx, not channel-closed semantics — Orchestrator.Stop
// cancels mergeCtx before it ever touches the registry's StopAll.
func (o *Orchestrator) fanIn(ctx context.Context, producer string, src <-chan alert.AlertEvent) {
	defer o.mergeWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-src:
			if !ok {
				return
			}
			select {
			case o.mergeIngress <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Stop halts the fan-in goroutines and then every plugin, producers
// first (the registry's own registration order). Continue-on-error:
// a *registry.StopFailedError aggregating every plugin's failure is
// returned rather than aborting at the first.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if o.mergeCancel != nil {
		o.mergeCancel()
	}
	o.mergeWG.Wait()
	return o.registry.StopAll(ctx)
}

// Health reports the aggregate health across every registered plugin.
func (o *Orchestrator) Health(ctx context.Context) (pluginapi.HealthStatus, string) {
	return o.registry.CompositeHealth(ctx)
}
