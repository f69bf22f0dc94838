package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/broker"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/broker/simulated"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/continuation"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/environment"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/internal/config"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/internal/migrations"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/internal/remote"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/workflows"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/workflows/inprocess"
)

// closers releases opened backends in reverse order. Postgres pools are
// shared per DSN so the repository and the queue use one pool.
type closers struct {
	fns   []func() error
	pools map[string]*pgxpool.Pool
}

func (c *closers) add(fn func() error) {
	c.fns = append(c.fns, fn)
}

func (c *closers) close(log *zap.Logger) {
	for i := len(c.fns) - 1; i >= 0; i-- {
		if err := c.fns[i](); err != nil {
			log.Warn("close failed", zap.Error(err))
		}
	}
}

func openPostgres(ctx context.Context, dsn string, cl *closers) (*pgxpool.Pool, error) {
	if pool, ok := cl.pools[dsn]; ok {
		return pool, nil
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	cl.add(func() error { pool.Close(); return nil })

	if err := migrations.Up(ctx, pool); err != nil {
		return nil, err
	}

	if cl.pools == nil {
		cl.pools = make(map[string]*pgxpool.Pool)
	}
	cl.pools[dsn] = pool

	return pool, nil
}

func openRepository(ctx context.Context, cfg config.RepositoryConfig, cl *closers) (environment.Repository, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err := openPostgres(ctx, cfg.DSN, cl)
		if err != nil {
			return nil, err
		}
		return environment.NewPostgresRepository(pool), nil
	case config.DriverSQLite:
		repo, err := environment.NewSQLiteRepository(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		cl.add(repo.Close)
		return repo, nil
	default:
		return environment.NewMemoryRepository(), nil
	}
}

func openQueue(ctx context.Context, cfg *config.Config, cl *closers) (continuation.Queue, error) {
	switch cfg.Queue.Driver {
	case config.DriverPostgres:
		dsn := cfg.Queue.DSN
		if dsn == "" {
			dsn = cfg.Repository.DSN
		}
		pool, err := openPostgres(ctx, dsn, cl)
		if err != nil {
			return nil, err
		}
		return continuation.NewPostgresQueue(pool, cfg.Worker.Visibility), nil
	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.Queue.RedisAddr})
		cl.add(client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return continuation.NewRedisQueue(client, cfg.Queue.RedisPrefix, cfg.Worker.Visibility), nil
	default:
		return continuation.NewMemoryQueue(cfg.Worker.Visibility), nil
	}
}

type collaborators struct {
	broker     broker.Broker
	sessions   workflows.SessionManager
	heartbeats workflows.HeartbeatMonitor
	archival   workflows.ArchivalCalculator
}

// newCollaborators picks the external boundaries. Archival scheduling is
// always local.
func newCollaborators(cfg *config.Config, store *environment.Store, log *zap.Logger) collaborators {
	archival := inprocess.FixedArchival{After: cfg.Shutdown.ArchiveAfter}

	if cfg.Broker.Mode == config.BrokerRemote {
		opts := []remote.Option{
			remote.WithHTTPClient(&http.Client{Timeout: cfg.Broker.Timeout}),
			remote.WithLogger(log.Named("remote")),
		}

		return collaborators{
			broker:     remote.NewBroker(cfg.Broker.URL, opts...),
			sessions:   remote.NewSessions(cfg.Broker.SessionsURL, opts...),
			heartbeats: remote.NewHeartbeats(cfg.Broker.HeartbeatsURL, opts...),
			archival:   archival,
		}
	}

	log.Warn("using the simulated broker; resources exist only in memory")

	return collaborators{
		broker:     simulated.New(simulated.WithLogger(log)),
		sessions:   inprocess.NewSessions(cfg.Broker.SessionBaseURI),
		heartbeats: inprocess.NewHeartbeats(store, log),
		archival:   archival,
	}
}

// setupTracing installs an OTLP/HTTP exporter when an endpoint is set and
// otherwise leaves the global no-op provider in place.
func setupTracing(ctx context.Context, cfg config.TracingConfig) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}
