// Command gatekeeper serves access decisions and the role, delegation,
// entitlement and audit APIs for a multi-tenant application.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/gatekeeper/pkg/api"
	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/catalog"
	"github.com/platinummonkey/gatekeeper/pkg/config"
	"github.com/platinummonkey/gatekeeper/pkg/decision"
	"github.com/platinummonkey/gatekeeper/pkg/delegation"
	"github.com/platinummonkey/gatekeeper/pkg/entitlements"
	"github.com/platinummonkey/gatekeeper/pkg/epoch"
	"github.com/platinummonkey/gatekeeper/pkg/lifecycle"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
	"github.com/platinummonkey/gatekeeper/pkg/projection"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
	"github.com/platinummonkey/gatekeeper/pkg/resolver"
	"github.com/platinummonkey/gatekeeper/pkg/scheduler"
	"github.com/platinummonkey/gatekeeper/pkg/schema"
	"github.com/platinummonkey/gatekeeper/pkg/storage"
)

var version = "dev"

func main() {
	runJob := flag.String("run-job", "", "Run one maintenance job and exit (projection_refresh, delegation_expiry, audit_retention, db_stats)")
	migrateOnly := flag.Bool("migrate-only", false, "Apply migrations, seed the catalog and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gatekeeper: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gatekeeper: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, logger, *runJob, *migrateOnly); err != nil {
		logger.WithError(err).Fatal("gatekeeper exited with error")
	}
}

func run(cfg *config.Config, logger *logrus.Logger, runJob string, migrateOnly bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := observability.InitOTel(ctx, cfg.Observability.OTel(), logger)
	if err != nil {
		return fmt.Errorf("init opentelemetry: %w", err)
	}

	cat, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		return err
	}

	db, err := storage.OpenPostgres(cfg.Postgres.Storage())
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.Postgres.Migrate || migrateOnly {
		if err := schema.Migrate(ctx, db, logger); err != nil {
			return err
		}
	}

	roleStore := rbac.NewPostgresStore(db)
	delegationStore := delegation.NewPostgresStore(db)
	entitlementStore := entitlements.NewPostgresStore(db)

	if err := roleStore.SeedCatalog(ctx, cat); err != nil {
		return fmt.Errorf("seed role catalog: %w", err)
	}
	if err := entitlementStore.SeedCatalog(ctx, cat); err != nil {
		return fmt.Errorf("seed entitlement catalog: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"permissions": len(cat.Permissions),
		"features":    len(cat.Features),
		"plans":       len(cat.Plans),
	}).Info("Catalog seeded")

	if migrateOnly {
		return nil
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	otelMetrics, err := observability.NewOTelMetrics()
	if err != nil {
		return fmt.Errorf("init otel metrics: %w", err)
	}

	var redisClient *redis.Client
	cacheOpts := []projection.Option{
		projection.WithMetrics(metrics),
		projection.WithOTelMetrics(otelMetrics),
		projection.WithLogger(logger),
	}
	if cfg.Redis.Enabled() {
		redisClient, err = storage.NewRedisClient(cfg.Redis.Storage())
		if err != nil {
			return err
		}
		defer redisClient.Close()
		cacheOpts = append(cacheOpts, projection.WithRemote(projection.NewRedisRemote(redisClient, cfg.Redis.KeyPrefix)))
	}

	var archiver audit.Archiver
	if cfg.Audit.ArchiveEnabled {
		s3Archiver, err := audit.NewS3Archiver(ctx, cfg.Audit.S3.Archive())
		if err != nil {
			return fmt.Errorf("init audit archive: %w", err)
		}
		archiver = s3Archiver
	}
	auditStore, err := audit.NewPostgresLogger(db, archiver)
	if err != nil {
		return err
	}
	var auditLogger audit.Logger = auditStore
	if cfg.Audit.LogToStdout {
		auditLogger = audit.NewMultiLogger(auditStore, audit.NewLogrusLogger(logger))
	}

	res := resolver.New(roleStore, delegationStore, entitlementStore, epoch.NewPostgresSource(db), logger)
	cache := projection.New(res, cfg.Cache.Projection(), cacheOpts...)

	decisions := decision.NewService(cache, cfg.Decision.Service(),
		decision.WithAuditLogger(auditLogger),
		decision.WithMetrics(metrics),
		decision.WithOTelMetrics(otelMetrics),
		decision.WithLogger(logger),
	)
	roles := rbac.NewService(roleStore, decisions, auditLogger, cache, cat, logger)
	for _, id := range cfg.PlatformOperators {
		if err := roles.BootstrapOperator(ctx, id); err != nil {
			return fmt.Errorf("failed to bootstrap platform operator %d: %w", id, err)
		}
	}
	delegations := delegation.NewManager(delegationStore, roleStore, decisions, auditLogger, cache, logger)
	ents := entitlements.NewService(entitlementStore, decisions, auditLogger, cache, logger)
	controller := lifecycle.NewController(entitlementStore, cache, auditLogger, metrics, logger)

	jobs := scheduler.New(
		scheduler.WithMetrics(metrics),
		scheduler.WithLogger(logger),
		scheduler.WithJobTimeout(cfg.Scheduler.JobTimeout),
	)
	for _, job := range []scheduler.Job{
		scheduler.ProjectionRefresh(cfg.Scheduler.ProjectionRefresh, cache, logger),
		scheduler.DelegationExpiry(cfg.Scheduler.DelegationExpiry, delegations, logger),
		scheduler.AuditRetention(cfg.Scheduler.AuditRetention, auditStore, cfg.Audit.RetentionPolicy(), logger),
		scheduler.DBStats(cfg.Scheduler.DBStats, db, metrics),
	} {
		if err := jobs.Add(job); err != nil {
			return err
		}
	}

	if runJob != "" {
		return jobs.RunNow(ctx, runJob)
	}

	consistency, err := cfg.Decision.Consistency()
	if err != nil {
		return err
	}
	apiServer := api.NewServer(api.Deps{
		Decisions:    decisions,
		Roles:        roles,
		Delegations:  delegations,
		Entitlements: ents,
		Lifecycle:    controller,
		Audit:        auditStore,
		Metrics:      metrics,
	}, api.Options{
		DefaultConsistency: consistency,
		MaxBodyBytes:       cfg.Server.MaxBodyBytes,
		Tracing:            cfg.Observability.OTelEnabled,
	}, logger)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      apiServer,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	healthServer := &http.Server{
		Addr:        cfg.Server.HealthAddr(),
		Handler:     healthRouter(db, redisClient, registry, cfg.Observability.MetricsEnabled),
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(healthServer.Shutdown)
	shutdown.RegisterShutdownFunc(jobs.Stop)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})

	if cfg.Scheduler.Enabled {
		jobs.Start()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(httpServer, logger, "api") })
	g.Go(func() error { return serve(healthServer, logger, "health") })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully...")
		return shutdown.Shutdown()
	})

	logger.WithFields(logrus.Fields{
		"addr":        httpServer.Addr,
		"health_addr": healthServer.Addr,
		"version":     version,
		"redis":       cfg.Redis.Enabled(),
	}).Info("Gatekeeper started")

	return g.Wait()
}

func serve(srv *http.Server, logger logrus.FieldLogger, name string) error {
	logger.WithFields(logrus.Fields{"server": name, "addr": srv.Addr}).Info("Listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default()
	}
	cat, err := catalog.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load catalog %s: %w", path, err)
	}
	return cat, nil
}

func healthRouter(db *sql.DB, redisClient *redis.Client, registry *prometheus.Registry, metricsEnabled bool) http.Handler {
	router := mux.NewRouter()
	observability.RegisterHealthRoutes(router, observability.NewHealthChecker(db, redisClient, version))
	if metricsEnabled {
		router.Handle("/metrics", observability.Handler(registry)).Methods(http.MethodGet)
	}
	return router
}
