// Package telemetry — metrics.go
//
// Prometheus metrics for ironpostd.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: ironpost_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Container/rule identifiers are NOT used as labels (unbounded
//     cardinality); only bounded enums (reason, outcome, severity,
//     plugin name — small and known at registration time) are used.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for ironpostd.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Packet plane (§4.8) ──────────────────────────────────────────────

	// PacketEventsProcessedTotal counts PacketEvent records consumed from
	// the ring buffer.
	PacketEventsProcessedTotal prometheus.Counter

	// PacketEventsDroppedTotal counts ring-buffer records dropped because
	// the event-receiver queue was full.
	PacketEventsDroppedTotal prometheus.Counter

	// DetectorAlertsTotal counts synthesized LogEntries emitted by the
	// packet detectors. Labels: detector (syn_flood, port_scan).
	DetectorAlertsTotal *prometheus.CounterVec

	// ─── Collectors (§4.2) ────────────────────────────────────────────────

	// RawLogsCollectedTotal counts RawLog records produced. Labels:
	// source (file, syslog_udp, syslog_tcp, ebpf).
	RawLogsCollectedTotal *prometheus.CounterVec

	// CollectorDroppedTotal counts input discarded before reaching the
	// buffer. Labels: source, reason (connection_limit, oversize_frame,
	// frame_error, oversize_line, oversize_datagram).
	CollectorDroppedTotal *prometheus.CounterVec

	// TCPConnectionsActive is the current syslog-TCP connection count.
	TCPConnectionsActive prometheus.Gauge

	// ─── Bounded buffer (§4.3) ────────────────────────────────────────────

	// BufferDepth is the current RawLog queue depth.
	BufferDepth prometheus.Gauge

	// BufferDroppedTotal counts entries discarded on overflow. Labels:
	// policy (DropOldest, DropNewest).
	BufferDroppedTotal *prometheus.CounterVec

	// ─── Parser router (§4.4) ─────────────────────────────────────────────

	// EntriesParsedTotal counts LogEntries successfully produced. Labels:
	// parser (syslog, json).
	EntriesParsedTotal *prometheus.CounterVec

	// ParseErrorsTotal counts per-entry parse failures. Labels: reason
	// (no_parser, invalid_pri, malformed_syslog, or <parser>_error such as
	// json_error).
	ParseErrorsTotal *prometheus.CounterVec

	// JSONDepthTruncatedTotal counts JSON subtrees kept un-flattened
	// because they reached the flattening depth cap.
	JSONDepthTruncatedTotal prometheus.Counter

	// ─── Rule engine (§4.5) ───────────────────────────────────────────────

	// RuleLoadErrorsTotal counts per-file rule load failures.
	RuleLoadErrorsTotal prometheus.Counter

	// RulesActive is the current count of enabled, loaded rules.
	RulesActive prometheus.Gauge

	// RuleMatchesTotal counts rule matches. Labels: severity.
	RuleMatchesTotal *prometheus.CounterVec

	// ThresholdCountersEvictedTotal counts counter entries evicted to stay
	// under the capacity cap; entries removed by the expiry sweep are not
	// counted.
	ThresholdCountersEvictedTotal prometheus.Counter

	// RegexCacheSize is the current compiled-pattern cache size.
	RegexCacheSize prometheus.Gauge

	// ─── Alert generator (§4.6) ───────────────────────────────────────────

	// AlertsEmittedTotal counts alerts forwarded downstream.
	AlertsEmittedTotal prometheus.Counter

	// AlertsDedupedTotal counts alerts suppressed by the dedup window.
	AlertsDedupedTotal prometheus.Counter

	// AlertsRateLimitedTotal counts alerts dropped by the per-rule token
	// bucket.
	AlertsRateLimitedTotal prometheus.Counter

	// AlertsDroppedChannelFullTotal counts alerts dropped because the
	// egress channel had no receiver or was full.
	AlertsDroppedChannelFullTotal prometheus.Counter

	// ─── Container policy engine (§4.7) ───────────────────────────────────

	// ActionsExecutedTotal counts terminal isolation outcomes. Labels:
	// action (NetworkDisconnect, Pause, Stop), outcome (success, failure).
	ActionsExecutedTotal *prometheus.CounterVec

	// ActionRetriesTotal counts isolation retry attempts beyond the first.
	ActionRetriesTotal prometheus.Counter

	// ContainersTracked is the current container monitor cache size.
	ContainersTracked prometheus.Gauge

	// ─── Scanner (§1 Scanner collaborator) ─────────────────────────────────

	// ScansCompletedTotal counts finished scan passes. Labels: outcome
	// (success, error).
	ScansCompletedTotal *prometheus.CounterVec

	// ScanFindingsTotal counts AlertEvents produced by scan passes.
	ScanFindingsTotal prometheus.Counter

	// ─── Plugin registry (§4.1) ───────────────────────────────────────────

	// PluginHealth reports 0/1/2 (Healthy/Degraded/Unhealthy) per plugin.
	// Labels: plugin.
	PluginHealth *prometheus.GaugeVec

	// ─── Process ───────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since the daemon started.
	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all ironpostd Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		PacketEventsProcessedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ironpost", Subsystem: "packet", Name: "events_processed_total",
			Help: "Total PacketEvent records consumed from the ring buffer.",
		}),
		PacketEventsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ironpost", Subsystem: "packet", Name: "events_dropped_total",
			Help: "Total PacketEvent records dropped because the receiver queue was full.",
		}),
		DetectorAlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ironpost", Subsystem: "packet", Name: "detector_alerts_total",
			Help: "Total synthesized LogEntries emitted by packet detectors, by detector.",
		}, []string{"detector"}),

		RawLogsCollectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ironpost", Subsystem: "collector", Name: "raw_logs_total",
			Help: "Total RawLog records produced, by source.",
		}, []string{"source"}),
		CollectorDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ironpost", Subsystem: "collector", Name: "dropped_total",
			Help: "Total input discarded before reaching the buffer, by source and reason.",
		}, []string{"source", "reason"}),
		TCPConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ironpost", Subsystem: "collector", Name: "tcp_connections_active",
			Help: "Current number of active syslog-TCP connections.",
		}),

		BufferDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ironpost", Subsystem: "buffer", Name: "depth",
			Help: "Current depth of the bounded RawLog queue.",
		}),
		BufferDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ironpost", Subsystem: "buffer", Name: "dropped_total",
			Help: "Total RawLog entries discarded on overflow, by drop policy.",
		}, []string{"policy"}),

		EntriesParsedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ironpost", Subsystem: "parse", Name: "entries_total",
			Help: "Total LogEntries produced, by parser.",
		}, []string{"parser"}),
		ParseErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ironpost", Subsystem: "parse", Name: "errors_total",
			Help: "Total per-entry parse failures, by reason.",
		}, []string{"reason"}),
		JSONDepthTruncatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ironpost", Subsystem: "parse", Name: "json_depth_truncated_total",
			Help: "Total JSON subtrees kept un-flattened at the flattening depth cap.",
		}),

		RuleLoadErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ironpost", Subsystem: "rules", Name: "load_errors_total",
			Help: "Total per-file rule load failures.",
		}),
		RulesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ironpost", Subsystem: "rules", Name: "active",
			Help: "Current count of enabled, loaded detection rules.",
		}),
		RuleMatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ironpost", Subsystem: "rules", Name: "matches_total",
			Help: "Total rule matches, by severity.",
		}, []string{"severity"}),
		ThresholdCountersEvictedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ironpost", Subsystem: "rules", Name: "threshold_counters_evicted_total",
			Help: "Total threshold counter entries evicted to stay under the capacity cap.",
		}),
		RegexCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ironpost", Subsystem: "rules", Name: "regex_cache_size",
			Help: "Current size of the compiled regex pattern cache.",
		}),

		AlertsEmittedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ironpost", Subsystem: "alert", Name: "emitted_total",
			Help: "Total alerts forwarded downstream.",
		}),
		AlertsDedupedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ironpost", Subsystem: "alert", Name: "deduped_total",
			Help: "Total alerts suppressed by the dedup window.",
		}),
		AlertsRateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ironpost", Subsystem: "alert", Name: "rate_limited_total",
			Help: "Total alerts dropped by the per-rule token bucket.",
		}),
		AlertsDroppedChannelFullTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ironpost", Subsystem: "alert", Name: "dropped_channel_full_total",
			Help: "Total alerts dropped because the egress channel had no receiver or was full.",
		}),

		ActionsExecutedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ironpost", Subsystem: "containerguard", Name: "actions_executed_total",
			Help: "Total terminal isolation outcomes, by action and outcome.",
		}, []string{"action", "outcome"}),
		ActionRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ironpost", Subsystem: "containerguard", Name: "action_retries_total",
			Help: "Total isolation retry attempts beyond the first.",
		}),
		ContainersTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ironpost", Subsystem: "containerguard", Name: "containers_tracked",
			Help: "Current size of the container monitor cache.",
		}),

		ScansCompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ironpost", Subsystem: "scanner", Name: "scans_completed_total",
			Help: "Total finished scan passes, by outcome.",
		}, []string{"outcome"}),
		ScanFindingsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ironpost", Subsystem: "scanner", Name: "findings_total",
			Help: "Total AlertEvents produced by scan passes.",
		}),

		PluginHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ironpost", Subsystem: "registry", Name: "plugin_health",
			Help: "Plugin health: 0=Healthy, 1=Degraded, 2=Unhealthy.",
		}, []string{"plugin"}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ironpost", Subsystem: "process", Name: "uptime_seconds",
			Help: "Number of seconds since the daemon started.",
		}),
	}

	reg.MustRegister(
		m.PacketEventsProcessedTotal,
		m.PacketEventsDroppedTotal,
		m.DetectorAlertsTotal,
		m.RawLogsCollectedTotal,
		m.CollectorDroppedTotal,
		m.TCPConnectionsActive,
		m.BufferDepth,
		m.BufferDroppedTotal,
		m.EntriesParsedTotal,
		m.ParseErrorsTotal,
		m.JSONDepthTruncatedTotal,
		m.RuleLoadErrorsTotal,
		m.RulesActive,
		m.RuleMatchesTotal,
		m.ThresholdCountersEvictedTotal,
		m.RegexCacheSize,
		m.AlertsEmittedTotal,
		m.AlertsDedupedTotal,
		m.AlertsRateLimitedTotal,
		m.AlertsDroppedChannelFullTotal,
		m.ActionsExecutedTotal,
		m.ActionRetriesTotal,
		m.ContainersTracked,
		m.ScansCompletedTotal,
		m.ScanFindingsTotal,
		m.PluginHealth,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on addr. Blocks
// until ctx is cancelled or the server fails. Binds to addr (e.g.
// "127.0.0.1:9091") and serves GET /metrics and GET /healthz.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}

// SetPluginHealth records h for the named plugin using the 0/1/2
// convention documented on PluginHealth.
func (m *Metrics) SetPluginHealth(plugin string, healthyDegradedUnhealthy int) {
	m.PluginHealth.WithLabelValues(plugin).Set(float64(healthyDegradedUnhealthy))
}

// The Observe* methods below adapt the raw counter/gauge descriptors
// above to the narrow MetricsSink interfaces internal/pipeline and
// internal/containerguard depend on, so those packages don't import
// prometheus directly.

func (m *Metrics) ObserveRawLogCollected(source string) {
	m.RawLogsCollectedTotal.WithLabelValues(source).Inc()
}

func (m *Metrics) ObserveCollectorDropped(source, reason string) {
	m.CollectorDroppedTotal.WithLabelValues(source, reason).Inc()
}

func (m *Metrics) ObserveTCPConnectionDelta(delta int) {
	m.TCPConnectionsActive.Add(float64(delta))
}

func (m *Metrics) ObserveBufferDepth(n int) {
	m.BufferDepth.Set(float64(n))
}

func (m *Metrics) ObserveBufferDropped(policy string) {
	m.BufferDroppedTotal.WithLabelValues(policy).Inc()
}

func (m *Metrics) ObserveEntryParsed(parser string) {
	m.EntriesParsedTotal.WithLabelValues(parser).Inc()
}

func (m *Metrics) ObserveParseError(reason string) {
	m.ParseErrorsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveJSONDepthTruncated() {
	m.JSONDepthTruncatedTotal.Inc()
}

func (m *Metrics) ObserveRuleLoadError() {
	m.RuleLoadErrorsTotal.Inc()
}

func (m *Metrics) ObserveRulesActive(n int) {
	m.RulesActive.Set(float64(n))
}

func (m *Metrics) ObserveRuleMatch(severity string) {
	m.RuleMatchesTotal.WithLabelValues(severity).Inc()
}

func (m *Metrics) ObserveThresholdCounterEvicted() {
	m.ThresholdCountersEvictedTotal.Inc()
}

func (m *Metrics) ObserveRegexCacheSize(n int) {
	m.RegexCacheSize.Set(float64(n))
}

func (m *Metrics) ObserveAlertEmitted() {
	m.AlertsEmittedTotal.Inc()
}

func (m *Metrics) ObserveAlertDeduped() {
	m.AlertsDedupedTotal.Inc()
}

func (m *Metrics) ObserveAlertRateLimited() {
	m.AlertsRateLimitedTotal.Inc()
}

func (m *Metrics) ObserveAlertChannelFull() {
	m.AlertsDroppedChannelFullTotal.Inc()
}

func (m *Metrics) ObserveActionExecuted(action, outcome string) {
	m.ActionsExecutedTotal.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) ObserveActionRetry() {
	m.ActionRetriesTotal.Inc()
}

func (m *Metrics) ObserveContainersTracked(n int) {
	m.ContainersTracked.Set(float64(n))
}

func (m *Metrics) ObserveDetectorAlert(detector string) {
	m.DetectorAlertsTotal.WithLabelValues(detector).Inc()
}

func (m *Metrics) ObservePacketEventProcessed() {
	m.PacketEventsProcessedTotal.Inc()
}

func (m *Metrics) ObservePacketEventDropped() {
	m.PacketEventsDroppedTotal.Inc()
}

func (m *Metrics) ObserveScanCompleted(outcome string, findings int) {
	m.ScansCompletedTotal.WithLabelValues(outcome).Inc()
	m.ScanFindingsTotal.Add(float64(findings))
}
