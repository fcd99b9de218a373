package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	gateway "github.com/khazad/mellon/internal"
	"github.com/khazad/mellon/internal/adapter"
	"github.com/khazad/mellon/internal/backup"
	"github.com/khazad/mellon/internal/config"
	"github.com/khazad/mellon/internal/crypto"
	"github.com/khazad/mellon/internal/health"
	"github.com/khazad/mellon/internal/pipeline"
	"github.com/khazad/mellon/internal/routing"
	"github.com/khazad/mellon/internal/server"
	"github.com/khazad/mellon/internal/storage/sqlite"
	"github.com/khazad/mellon/internal/telemetry"
	"github.com/khazad/mellon/internal/worker"
)

// checkerDrainTimeout bounds how long shutdown waits for an in-flight
// health sweep before giving up.
const checkerDrainTimeout = 5 * time.Second

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)
	log.Info("starting mellon", "version", version, "addr", cfg.Server.Addr)

	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	cipher, err := crypto.New(cfg.Security.APIKeySecret)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)

	bk := backup.New(store, cfg.Backup.File, log)
	bk.OnResult = func(result string) {
		metrics.BackupWrites.WithLabelValues(result).Inc()
	}

	ctx := context.Background()
	if err := restoreOnBoot(ctx, store, bk, log); err != nil {
		return err
	}

	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, telemetry.TracingConfig{
			Endpoint:       cfg.Telemetry.Tracing.Endpoint,
			SampleRate:     cfg.Telemetry.Tracing.SampleRate,
			ServiceVersion: version,
		})
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Warn("tracing shutdown failed", "error", err)
			}
		}()
	}

	resolver := &dnscache.Resolver{}
	client := &http.Client{Transport: adapter.NewTransport(resolver)}

	engine := routing.New(store, log)
	pipe := pipeline.New(store, engine, cipher, client, log, metrics,
		cfg.Upstream.RequestTimeout(), cfg.Upstream.MaxRetries)

	prober := health.NewProber(client, cfg.HealthCheck.Timeout())
	checker := health.NewChecker(store, cipher, prober, bk, log, metrics,
		cfg.HealthCheck.Interval(), cfg.HealthCheck.FailureThreshold)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	workersDone := make(chan error, 1)
	if cfg.HealthCheck.Enabled {
		runner := worker.NewRunner(log, checker)
		go func() { workersDone <- runner.Run(workerCtx) }()
	} else {
		close(workersDone)
	}

	deps := server.Deps{
		Store:    store,
		Pipeline: pipe,
		Engine:   engine,
		Cipher:   cipher,
		Backup:   bk,
		Checker:  checker,
		Prober:   prober,
		Log:      log,
		Ready:    store.Ping,
	}
	if cfg.Telemetry.Metrics.Enabled {
		deps.Metrics = metrics
		deps.MetricsH = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.New(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	log.Info("mellon ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		stopWorkers()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		stopWorkers()
		return err
	}

	stopWorkers()
	select {
	case <-workersDone:
	case <-time.After(checkerDrainTimeout):
		log.Warn("health checker did not stop in time")
	}

	log.Info("mellon stopped")
	return nil
}

// restoreOnBoot replays the backup snapshot into an empty store. A fresh
// database next to an existing snapshot means data loss; a populated store
// is left alone.
func restoreOnBoot(ctx context.Context, store *sqlite.Store, bk *backup.Manager, log *slog.Logger) error {
	count, err := store.CountProviders(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	result, err := bk.Restore(ctx)
	if err != nil {
		if errors.Is(err, gateway.ErrBackupMissing) {
			return nil
		}
		return err
	}
	log.Info("restored configuration from backup",
		"providers", result.Providers, "routes", result.Routes)
	return nil
}
