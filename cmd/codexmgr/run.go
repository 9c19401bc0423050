package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codexmgr/codexmgr/internal/app"
	"github.com/codexmgr/codexmgr/internal/config"
	"github.com/codexmgr/codexmgr/internal/routing"
	"github.com/codexmgr/codexmgr/internal/server"
	"github.com/codexmgr/codexmgr/internal/storage/sqlite"
	"github.com/codexmgr/codexmgr/internal/telemetry"
	"github.com/codexmgr/codexmgr/internal/upstream"
	"github.com/codexmgr/codexmgr/internal/usage"
	"github.com/codexmgr/codexmgr/internal/worker"
)

// masterKeyEnv holds the passphrase that encrypts credentials at rest.
const masterKeyEnv = "CODEX_MANAGER_MASTER_KEY"

func run(configPath string) error {
	// Load config
	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
	}

	masterKey := os.Getenv(masterKeyEnv)
	if masterKey == "" {
		return fmt.Errorf("%s is not set; refusing to start without a master key", masterKeyEnv)
	}

	logger := slog.Default()
	logger.Info("starting codexmgr", "version", version, "addr", cfg.Proxy.BindAddr)

	// Open database
	store, err := sqlite.New(cfg.Database.DSN, masterKey)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	var metrics *telemetry.Metrics
	if cfg.Telemetry.Metrics.Enabled {
		metrics = telemetry.NewMetrics(prometheus.DefaultRegisterer)
	}

	// Upstream HTTP plumbing: cached DNS, pooled connections, no global
	// timeout so streamed completions are never cut off.
	resolver := upstream.NewResolver(ctx)
	transport := upstream.NewTransport(resolver)

	// Wire services
	strategy, err := routing.ParseStrategy(cfg.Routing.Strategy)
	if err != nil {
		return err
	}
	engine, err := routing.NewEngine(strategy, routing.DefaultCircuitConfig(), logger)
	if err != nil {
		return err
	}

	usageClient := usage.New(cfg.Proxy.OpenAIBaseURL, upstream.NewClient(resolver), logger)
	mgr := app.NewManager(store, engine, usageClient, logger)
	if metrics != nil {
		mgr.SetMetrics(metrics)
		engine.OnCircuitOpen(metrics.CircuitOpens.Inc)
	}
	if err := mgr.RefreshEngine(ctx); err != nil {
		return err
	}

	// Create HTTP server
	proxy := server.NewProxy(cfg.Proxy.BindAddr, cfg.Proxy.ReadTimeout, logger)
	handler := server.New(server.Deps{
		Manager:  mgr,
		Upstream: transport,
		BaseURL:  cfg.Proxy.OpenAIBaseURL,
		APIKey:   cfg.Proxy.APIKey,
		Version:  version,
		Proxy:    proxy,
		Metrics:  metrics,
	})
	if err := proxy.Start(handler); err != nil {
		return err
	}

	// Background workers
	var workers []worker.Worker
	if cfg.Usage.PollEnabled {
		workers = append(workers, worker.NewUsagePollWorker(mgr))
	}
	if cfg.Usage.SnapshotsKept > 0 {
		workers = append(workers, worker.NewSnapshotPruneWorker(store, cfg.Usage.SnapshotsKept))
	}

	errCh := startWorkers(ctx, workers)

	logger.Info("codexmgr ready", "addr", cfg.Proxy.BindAddr, "strategy", string(strategy))

	// Wait for signal, admin stop request, or worker failure
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case <-proxy.StopRequested():
		logger.Info("shutting down", "reason", "stop requested via admin api")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = err
		}
	}

	// Shutdown
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Proxy.ShutdownTimeout)
	defer shutdownCancel()

	if err := proxy.Stop(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}

	logger.Info("codexmgr stopped")
	return runErr
}

// startWorkers launches the runner and returns its completion channel.
// With no workers configured it returns nil; a nil channel never fires,
// so the shutdown select keeps waiting on the other cases.
func startWorkers(ctx context.Context, workers []worker.Worker) <-chan error {
	if len(workers) == 0 {
		return nil
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- worker.NewRunner(workers...).Run(ctx)
	}()
	return errCh
}
