// Package registry implements the plugin lifecycle and health aggregation
// described in spec §4.1.
//
// The registry is an insertion-ordered collection of plugins keyed by
// name. init_all and start_all iterate in registration order and are
// fail-fast: the first error aborts the remainder, leaving prior plugins
// at their last successful state and the failing plugin marked Failed.
// stop_all iterates in the same registration order (producers before
// consumers, so consumers may drain) and is continue-on-error: every
// plugin's Stop is invoked and all errors are aggregated.
//
// The registry never invokes two lifecycle methods concurrently — all
// mutating calls are serialized by the caller's single goroutine, as
// required by §5 ("Plugin lifecycle calls are sequential").
package registry

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dongwonkwak/ironpost/internal/pluginapi"
)

// entry pairs a plugin with the name it was registered under, so lookups
// and logging don't need to call Info() repeatedly.
type entry struct {
	name   string
	plugin pluginapi.Plugin
}

// Registry holds plugins in registration order.
type Registry struct {
	log        *zap.Logger
	entries    []entry
	byName     map[string]int // name -> index into entries
	healthSink func(plugin string, health int)
}

// New creates an empty Registry.
func New(log *zap.Logger) *Registry {
	return &Registry{
		log:    log,
		byName: make(map[string]int),
	}
}

// SetHealthSink wires a per-plugin health gauge callback, invoked once
// per plugin on every CompositeHealth call. Nil (the default) disables
// the observation entirely.
func (r *Registry) SetHealthSink(sink func(plugin string, health int)) {
	r.healthSink = sink
}

// Register adds a plugin under its Info().Name. Returns ErrAlreadyRegistered
// if that name is already present; the registry is left unchanged.
func (r *Registry) Register(p pluginapi.Plugin) error {
	name := p.Info().Name
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("%w: %q", ErrAlreadyRegistered, name)
	}
	r.byName[name] = len(r.entries)
	r.entries = append(r.entries, entry{name: name, plugin: p})
	return nil
}

// Get returns the named plugin, or ErrNotFound.
func (r *Registry) Get(name string) (pluginapi.Plugin, error) {
	idx, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return r.entries[idx].plugin, nil
}

// Names returns plugin names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.name
	}
	return names
}

// InitAll calls Init on every plugin in registration order. Fail-fast:
// the first error aborts the remainder. The failing plugin is left in
// whatever state its own Init call produced (Failed, by convention);
// plugins already initialized keep their Initialized state. The caller
// may invoke StopAll for cleanup.
func (r *Registry) InitAll(ctx context.Context) error {
	for _, e := range r.entries {
		if e.plugin.State() != pluginapi.StateCreated {
			return &InvalidStateError{Plugin: e.name, Current: e.plugin.State(), Expected: pluginapi.StateCreated}
		}
		r.log.Info("initializing plugin", zap.String("plugin", e.name))
		if err := e.plugin.Init(ctx); err != nil {
			r.log.Error("plugin init failed", zap.String("plugin", e.name), zap.Error(err))
			return fmt.Errorf("registry: init %q: %w", e.name, err)
		}
	}
	return nil
}

// StartAll calls Start on every plugin in registration order. Fail-fast,
// matching InitAll's semantics.
func (r *Registry) StartAll(ctx context.Context) error {
	for _, e := range r.entries {
		if e.plugin.State() != pluginapi.StateInitialized {
			return &InvalidStateError{Plugin: e.name, Current: e.plugin.State(), Expected: pluginapi.StateInitialized}
		}
		r.log.Info("starting plugin", zap.String("plugin", e.name))
		if err := e.plugin.Start(ctx); err != nil {
			r.log.Error("plugin start failed", zap.String("plugin", e.name), zap.Error(err))
			return fmt.Errorf("registry: start %q: %w", e.name, err)
		}
	}
	return nil
}

// StopAll calls Stop on every plugin in registration order (producers
// first, so consumers can drain queued events). Continue-on-error: every
// plugin's Stop is attempted even if an earlier one failed; all failures
// are returned as a single *StopFailedError. Calling StopAll a second
// time is safe and equivalent to calling it once (§8) because Stop is
// specified as idempotent and only Running/Failed plugins are eligible —
// a plugin already Stopped is skipped.
func (r *Registry) StopAll(ctx context.Context) error {
	failed := map[string]error{}
	for _, e := range r.entries {
		st := e.plugin.State()
		if st == pluginapi.StateStopped {
			continue
		}
		if st != pluginapi.StateRunning && st != pluginapi.StateFailed {
			failed[e.name] = &InvalidStateError{Plugin: e.name, Current: st, Expected: pluginapi.StateRunning}
			continue
		}
		r.log.Info("stopping plugin", zap.String("plugin", e.name))
		if err := e.plugin.Stop(ctx); err != nil {
			r.log.Error("plugin stop failed", zap.String("plugin", e.name), zap.Error(err))
			failed[e.name] = err
		}
	}
	if len(failed) > 0 {
		return &StopFailedError{Errors: failed}
	}
	return nil
}

// CompositeHealth walks every registered plugin's HealthCheck. The
// aggregate is Unhealthy if any plugin reports Unhealthy, Degraded if
// any reports Degraded (and none Unhealthy), else Healthy. The name of
// the first failing plugin (Unhealthy, else Degraded) is surfaced.
func (r *Registry) CompositeHealth(ctx context.Context) (pluginapi.HealthStatus, string) {
	var degradedName, unhealthyName string
	worst := pluginapi.HealthHealthy
	for _, e := range r.entries {
		hs := e.plugin.HealthCheck(ctx)
		if r.healthSink != nil {
			r.healthSink(e.name, int(hs.Health))
		}
		switch hs.Health {
		case pluginapi.HealthUnhealthy:
			if unhealthyName == "" {
				unhealthyName = e.name
			}
			worst = pluginapi.HealthUnhealthy
		case pluginapi.HealthDegraded:
			if degradedName == "" {
				degradedName = e.name
			}
			if worst != pluginapi.HealthUnhealthy {
				worst = pluginapi.HealthDegraded
			}
		}
	}
	switch worst {
	case pluginapi.HealthUnhealthy:
		return pluginapi.HealthStatus{Health: pluginapi.HealthUnhealthy}, unhealthyName
	case pluginapi.HealthDegraded:
		return pluginapi.HealthStatus{Health: pluginapi.HealthDegraded}, degradedName
	default:
		return pluginapi.HealthStatus{Health: pluginapi.HealthHealthy}, ""
	}
}
