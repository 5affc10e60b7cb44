// Package main — cmd/ironpostd/main.go
//
// ironpostd entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/ironpost/config.yaml.
//  2. Initialise structured logger (zap; JSON or console per
//     observability.log_format).
//  3. Create the PID file exclusively; abort if one already exists.
//  4. Build the plugin registry (eBPF, LogPipeline, Scanner, ContainerGuard).
//  5. Start Prometheus metrics server.
//  6. Init every plugin, fail-fast, exit 2 on failure.
//  7. Start every plugin, fail-fast, exit 2 on failure.
//  8. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Stop every plugin in registration order (producers before consumers),
//     bounded by general.shutdown_grace_period.
//  2. Remove the PID file.
//  3. Flush the logger.
//  4. Exit 0, or 1 if any plugin's Stop failed.
//
// On config load/validation failure: exit 2 immediately (no partial state).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dongwonkwak/ironpost/internal/config"
	"github.com/dongwonkwak/ironpost/internal/orchestrator"
	"github.com/dongwonkwak/ironpost/internal/telemetry"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "/etc/ironpost/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("ironpostd %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		return 0
	}

	// ── Step 1: Load config ───────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		return 2
	}

	// ── Step 2: Initialise logger ─────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		return 2
	}
	defer log.Sync() //nolint:errcheck

	log.Info("ironpostd starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	// ── Step 3: PID file ───────────────────────────────────────────────────
	pidFile, err := acquirePIDFile(cfg.General.PIDFile)
	if err != nil {
		log.Error("pid file acquisition failed", zap.Error(err), zap.String("path", cfg.General.PIDFile))
		return 2
	}
	defer releasePIDFile(pidFile, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 4: Build the plugin set ───────────────────────────────────────
	metrics := telemetry.NewMetrics()
	orch, err := orchestrator.Build(cfg, log, metrics)
	if err != nil {
		log.Error("orchestrator build failed", zap.Error(err))
		return 2
	}

	// ── Step 5: Prometheus metrics server ───────────────────────────────────
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Steps 6 & 7: Init + Start every plugin ──────────────────────────────
	if err := orch.Start(ctx); err != nil {
		log.Error("plugin startup failed", zap.Error(err))
		return 2
	}
	log.Info("all plugins running")

	// ── Step 8: Wait for shutdown signal ────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.General.ShutdownGracePeriod)
	defer stopCancel()
	if err := orch.Stop(stopCtx); err != nil {
		log.Error("plugin shutdown reported errors", zap.Error(err))
		log.Info("ironpostd shutdown complete with errors")
		return 1
	}

	log.Info("ironpostd shutdown complete")
	return 0
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}

// acquirePIDFile creates path exclusively and writes the current PID
// into it, refusing to start if a PID file is already present (a prior
// instance may still be running).
func acquirePIDFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pid file %q: %w", path, err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("pid file %q: write: %w", path, err)
	}
	return f, nil
}

func releasePIDFile(f *os.File, log *zap.Logger) {
	path := f.Name()
	if err := f.Close(); err != nil {
		log.Warn("pid file close failed", zap.Error(err), zap.String("path", path))
	}
	if err := os.Remove(path); err != nil {
		log.Warn("pid file removal failed", zap.Error(err), zap.String("path", path))
	}
}
