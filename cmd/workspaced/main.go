// Command workspaced runs the environment lifecycle daemon: the HTTP API that
// accepts lifecycle requests and the worker pool that drives the workflows.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/api"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/continuation"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/environment"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/internal/config"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/internal/logger"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/plugins/engine/audit"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/plugins/engine/metrics"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/plugins/engine/telemetry"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/workflows"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/workflows/archive"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/workflows/shutdown"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/workflows/start"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "workspaced: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath string
		httpAddr   string
		logLevel   string
		workers    int
		auditLog   bool
	)

	flagSet := pflag.NewFlagSet("workspaced", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"), "path to the YAML configuration file")
	flagSet.StringVar(&httpAddr, "http-addr", "", "HTTP listen address (overrides http.addr)")
	flagSet.StringVar(&logLevel, "log-level", "", "log level (overrides log.level)")
	flagSet.IntVar(&workers, "workers", 0, "number of workflow workers (overrides worker.count)")
	flagSet.BoolVar(&auditLog, "audit", false, "log an audit record for every workflow step")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if flagSet.Changed("http-addr") {
		cfg.HTTP.Addr = httpAddr
	}
	if flagSet.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flagSet.Changed("workers") {
		cfg.Worker.Count = workers
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, log, auditLog)
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger, auditLog bool) error {
	shutdownTracing, err := setupTracing(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	var cl closers
	defer cl.close(log)

	repo, err := openRepository(ctx, cfg.Repository, &cl)
	if err != nil {
		return err
	}

	store := environment.NewStore(repo, environment.RetryPolicy{
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
		MaxAttempts:     cfg.Retry.MaxAttempts,
	})

	queue, err := openQueue(ctx, cfg, &cl)
	if err != nil {
		return err
	}

	collab := newCollaborators(cfg, store, log)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "workspaced_queue_length",
			Help: "Continuation jobs waiting in the queue",
		}, func() float64 {
			n, err := queue.Len(context.Background())
			if err != nil {
				return -1
			}
			return float64(n)
		}),
	)

	pluginManager := continuation.NewPluginManager(log)
	pluginManager.Register(metrics.New(metrics.NewPrometheusCollector(registry)))
	pluginManager.Register(telemetry.New(otel.Tracer("workspaced")))
	if auditLog {
		pluginManager.Register(audit.New(audit.NewZapWriter(log)))
	}

	engine := continuation.NewEngine(queue, store,
		continuation.WithEngineLogger(log.Named("engine")),
		continuation.WithEnginePluginManager(pluginManager),
		continuation.WithEngineStepTimeout(cfg.Worker.StepTimeout),
	)

	shutdownWF := shutdown.New(shutdown.Dependencies{
		Queue:    engine,
		Store:    store,
		Broker:   collab.broker,
		Sessions: collab.sessions,
		Archival: collab.archival,
	}, shutdown.Config{
		PollInterval:    cfg.Shutdown.PollInterval,
		DynamicArchival: cfg.Shutdown.DynamicArchival,
	}, log)

	startWF := start.New(start.Dependencies{
		Queue:      engine,
		Store:      store,
		Broker:     collab.broker,
		Selector:   workflows.NewSKUSelector(cfg.SKUs),
		Sessions:   collab.sessions,
		Heartbeats: collab.heartbeats,
		Repairer:   shutdownWF,
	}, start.Config{
		ResourcePollInterval: cfg.Start.ResourcePollInterval,
		StartPollInterval:    cfg.Start.StartPollInterval,
		PrivilegedIdentity:   cfg.Start.PrivilegedIdentity,
	}, log)

	archiveWF := archive.New(archive.Dependencies{
		Queue:  engine,
		Store:  store,
		Broker: collab.broker,
	}, archive.Config{
		PollInterval: cfg.Archive.PollInterval,
		BlobSKU:      cfg.Archive.BlobSKU,
		DiskArchival: cfg.Archive.DiskArchival,
	}, log)

	engine.Register(startWF, shutdownWF, archiveWF)

	pool := continuation.NewWorkerPool(engine, cfg.Worker.Count, cfg.Worker.PollInterval)
	pool.Start(ctx)

	server := api.NewServer(startWF, shutdownWF, archiveWF, store, log, api.NewMetricsRoute(registry))
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           server.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("http server listening",
			zap.String("addr", cfg.HTTP.Addr),
			zap.String("repository", cfg.Repository.Driver),
			zap.String("queue", cfg.Queue.Driver),
			zap.String("broker", cfg.Broker.Mode),
			zap.Int("workers", cfg.Worker.Count))

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			pool.Stop()
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown failed", zap.Error(err))
	}

	pool.Stop()

	return nil
}
