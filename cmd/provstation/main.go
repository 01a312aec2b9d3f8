// Package main implements the entry point for the provisioning station
// service. It loads a solution catalog, connects to the provisioning
// backend, and exposes the workflow that drives device deployments.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/provstation/backend"
	"github.com/c360/provstation/catalog"
	"github.com/c360/provstation/channel"
	"github.com/c360/provstation/health"
	"github.com/c360/provstation/metric"
	"github.com/c360/provstation/state"
	"github.com/c360/provstation/workflow"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "provstation"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting provisioning station",
		"version", Version,
		"build_time", BuildTime,
		"catalog_path", cliCfg.CatalogPath,
		"backend_url", cliCfg.BackendURL)

	solution, err := catalog.Load(cliCfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	slog.Info("Solution catalog loaded",
		"solution", solution.ID,
		"devices", len(solution.Devices),
		"presets", len(solution.Presets))

	if cliCfg.Validate {
		slog.Info("Catalog is valid")
		return nil
	}

	metricsRegistry := metric.NewMetricsRegistry()
	client, err := backend.NewClient(backend.Config{
		BaseURL: cliCfg.BackendURL,
		Metrics: metricsRegistry.CoreMetrics(),
	}, logger)
	if err != nil {
		return fmt.Errorf("create backend client: %w", err)
	}

	metricsServer := metric.NewServer(cliCfg.MetricsPort, "/metrics", metricsRegistry)
	if cliCfg.MetricsPort > 0 {
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer func() { _ = metricsServer.Stop() }()
		slog.Info("Metrics server listening", "address", metricsServer.Address())
	}

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	// Block until the backend answers; it often starts alongside this
	// process and needs a moment to come up.
	if err := client.WaitReady(signalCtx); err != nil {
		return fmt.Errorf("backend not reachable: %w", err)
	}

	monitor := health.NewMonitor(metricsRegistry.CoreMetrics())
	prober := health.NewProber(monitor, cliCfg.HealthInterval, logger)
	prober.Register("backend", func(ctx context.Context) error {
		_, err := client.ListSerialPorts(ctx)
		return err
	})
	go prober.Run(signalCtx)

	wf, err := workflow.New(workflow.Config{
		Solution: solution,
		Backend:  client,
		Notifier: &logNotifier{logger: logger},
		Metrics:  metricsRegistry.CoreMetrics(),
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}
	defer wf.Close()

	if err := wf.SelectPreset(cliCfg.Preset); err != nil {
		return fmt.Errorf("select preset: %w", err)
	}
	slog.Info("Workflow ready", "preset", cliCfg.Preset, "devices", wf.Store().Len())

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		wf.Close()
	}()
	select {
	case <-shutdownDone:
	case <-time.After(cliCfg.ShutdownTimeout):
		slog.Warn("Shutdown timed out", "timeout", cliCfg.ShutdownTimeout)
	}

	slog.Info("Provisioning station shutdown complete")
	return nil
}

// logNotifier surfaces workflow notifications on the service log. A UI
// front end replaces this with its own notifier.
type logNotifier struct {
	logger *slog.Logger
}

func (n *logNotifier) Notify(deviceID string, level state.LogLevel, message string) {
	switch level {
	case state.LevelError:
		n.logger.Error("device notification", "device", deviceID, "message", message)
	case state.LevelWarning:
		n.logger.Warn("device notification", "device", deviceID, "message", message)
	default:
		n.logger.Info("device notification", "device", deviceID, "message", message)
	}
}

func (n *logNotifier) ConfirmFix(fix channel.FixRequest) {
	n.logger.Warn("remediation awaiting decision",
		"device", fix.DeviceID,
		"issue", fix.Issue,
		"fix_action", fix.FixAction,
		"host", fix.Host)
}
