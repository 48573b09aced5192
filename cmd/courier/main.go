package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/courier/pkg/config"
	"github.com/platinummonkey/courier/pkg/events"
	"github.com/platinummonkey/courier/pkg/httputil"
	"github.com/platinummonkey/courier/pkg/observability"
	"github.com/platinummonkey/courier/pkg/provisioning"
	"github.com/platinummonkey/courier/pkg/retention"
	"github.com/platinummonkey/courier/pkg/storage/postgres"
	"github.com/platinummonkey/courier/pkg/webhooks"
)

// Set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	pruneOnly := flag.Bool("prune", false, "Prune delivery history once and exit")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg.Observability.OTelServiceVersion == "" {
		cfg.Observability.OTelServiceVersion = version
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithField("service", cfg.Observability.OTelServiceName)

	if err := run(cfg, logger, *pruneOnly); err != nil {
		logger.WithError(err).Error("Courier exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger, pruneOnly bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// OpenTelemetry
	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Environment:    cfg.Observability.OTelEnvironment,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)
	if otelProviders != nil {
		otelMetrics, err := observability.NewOTelMetrics()
		if err != nil {
			logger.WithError(err).Warn("Failed to create OpenTelemetry instruments")
		} else {
			metrics.AttachOTel(otelMetrics)
		}
	}

	// Storage
	var (
		db          *sql.DB
		persister   webhooks.Persister
		redisClient *redis.Client
		archive     *postgres.Archive
	)
	if cfg.Storage.Persistent() {
		connCfg, err := postgres.ConnectionConfigFrom(cfg.Storage)
		if err != nil {
			return err
		}
		db, err = postgres.Open(ctx, connCfg)
		if err != nil {
			return err
		}
		store := postgres.NewStore(db, connCfg.Dialect)
		if err := store.Migrate(ctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to migrate %s schema: %w", connCfg.Dialect, err)
		}
		persister = store
		logger.WithField("storage", cfg.Storage.Type).Info("Persistent storage initialized")
	} else {
		logger.Warn("Running with in-memory storage; state is lost on restart")
	}

	manager := webhooks.NewManager(webhooks.Options{
		Logger:    logger,
		Metrics:   metrics,
		Persister: persister,
		Dispatcher: webhooks.DispatcherConfig{
			TickInterval: cfg.Delivery.TickInterval,
			Concurrency:  cfg.Delivery.Concurrency,
		},
		Validation: webhooks.ValidationOptions{
			MinSecretLength:      cfg.Delivery.MinSecretLength,
			DefaultTimeout:       cfg.Delivery.DefaultTimeout,
			BlockPrivateNetworks: cfg.Delivery.BlockPrivateNetworks,
		},
		IdempotencyTTL:        cfg.Delivery.IdempotencyTTL,
		NotificationQueueSize: cfg.Delivery.NotificationQueueSize,
	})

	if err := manager.Restore(ctx); err != nil {
		return err
	}

	retentionScheduler, err := retention.NewScheduler(retention.Config{
		Schedule: cfg.Retention.Schedule,
		MaxAge:   cfg.Retention.MaxAge,
		Timeout:  retention.DefaultConfig().Timeout,
	}, manager, logger)
	if err != nil {
		return err
	}

	if pruneOnly {
		removed, err := retentionScheduler.RunOnce(ctx)
		if db != nil {
			_ = db.Close()
		}
		if err != nil {
			return err
		}
		logger.WithField("removed", removed).Info("Prune completed")
		return nil
	}

	if cfg.Storage.RedisURL != "" {
		redisClient, err = postgres.NewRedisClient(ctx, cfg.Storage)
		if err != nil {
			return err
		}
		manager.Subscribe("redis", postgres.NewNotificationPublisher(redisClient, cfg.Storage.RedisChannel))
		logger.WithField("channel", cfg.Storage.RedisChannel).Info("Publishing delivery notifications to Redis")
	}

	if cfg.Storage.ArchiveEnabled() {
		s3Client, err := postgres.NewS3Client(ctx, cfg.Storage)
		if err != nil {
			return err
		}
		archive = postgres.NewArchive(s3Client, cfg.Storage.S3Bucket, cfg.Storage.S3Prefix)
		if err := archive.EnsureBucket(ctx); err != nil {
			return err
		}
		manager.Subscribe("s3-archive", archive)
		logger.WithField("bucket", cfg.Storage.S3Bucket).Info("Archiving failed deliveries to S3")
	}

	// Event filtering and buffering
	filters := events.NewFilterSet()
	webhookHandlers := webhooks.NewHandlers(manager)
	var buffer *events.Buffer
	if cfg.Buffer.Enabled {
		buffer = events.NewBuffer(events.BufferConfig{
			Capacity:      cfg.Buffer.Capacity,
			BatchSize:     cfg.Buffer.BatchSize,
			FlushInterval: cfg.Buffer.FlushInterval,
		}, manager, filters, logger, metrics)
		webhookHandlers.WithSubmitter(buffer)
	} else {
		webhookHandlers.WithSubmitter(events.NewClassifier(manager))
	}

	// Declared endpoints
	var provisioner *provisioning.Provisioner
	if cfg.Provisioning.EndpointsFile != "" {
		// Filters only take effect through the buffer
		var declaredFilters *events.FilterSet
		if buffer != nil {
			declaredFilters = filters
		}
		provisioner = provisioning.NewProvisioner(cfg.Provisioning.EndpointsFile, manager, declaredFilters, logger)
		result, err := provisioner.Sync(ctx)
		if err != nil {
			return err
		}
		if err := result.Err(); err != nil {
			logger.WithError(err).Warn("Some declared endpoints could not be applied")
		}
	}

	// API server
	router := mux.NewRouter()
	if cfg.Observability.MetricsEnabled {
		// Inside the router so the route template is known
		router.Use(observability.HTTPMetricsMiddleware(metrics))
	}
	api := router.PathPrefix("/api/v1").Subrouter()
	webhookHandlers.RegisterRoutes(api)
	if buffer != nil {
		events.NewHandlers(filters).RegisterRoutes(api)
	}

	var handler http.Handler = httputil.Chain(
		httputil.RequestIDMiddleware(logger),
		httputil.LoggingMiddleware,
		httputil.RecoveryMiddleware,
		httputil.MaxBytesMiddleware(cfg.Server.MaxBodyBytes),
	)(router)
	if otelProviders != nil {
		handler = otelhttp.NewHandler(handler, "courier-api")
	}

	apiServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Health and metrics server
	healthChecker := observability.NewHealthChecker(db, redisClient)
	healthChecker.SetVersion(version)
	healthChecker.AddCheck("dispatcher", manager.Dispatcher().Healthy)
	if archive != nil {
		healthChecker.AddCheck("s3_archive", archive.HealthCheck)
	}
	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, healthChecker)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:              cfg.Server.HealthAddr(),
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Start background work
	manager.Start(ctx)
	if buffer != nil {
		buffer.Start(ctx)
	}
	if cfg.Retention.Enabled {
		retentionScheduler.Start()
	}
	if provisioner != nil && cfg.Provisioning.Watch {
		go func() {
			defer observability.RecoverPanic(logger, "endpoints file watcher")
			if err := provisioner.Watch(ctx, provisioning.DefaultWatchDelay); err != nil {
				logger.WithError(err).Error("Endpoints file watcher stopped")
			}
		}()
	}

	// Buffered events drain into the manager, and deliveries drain before
	// the stores they write to are closed
	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, apiServer, healthServer)
	if buffer != nil {
		shutdown.RegisterShutdownFunc("event buffer", buffer.Stop)
	}
	shutdown.RegisterShutdownFunc("retention scheduler", retentionScheduler.Stop)
	shutdown.RegisterShutdownFunc("webhook manager", manager.Stop)
	shutdown.RegisterShutdownFunc("endpoints file watcher", func(context.Context) error {
		cancel()
		return nil
	})
	if redisClient != nil {
		shutdown.RegisterShutdownFunc("redis", func(context.Context) error {
			return redisClient.Close()
		})
	}
	if db != nil {
		shutdown.RegisterShutdownFunc("database", func(context.Context) error {
			return db.Close()
		})
	}
	if otelProviders != nil {
		shutdown.RegisterShutdownFunc("opentelemetry", func(ctx context.Context) error {
			return observability.ShutdownOTel(ctx, otelProviders, logger)
		})
	}

	serverErr := make(chan error, 2)
	for _, srv := range []*http.Server{apiServer, healthServer} {
		srv := srv
		go func() {
			logger.WithField("addr", srv.Addr).Info("HTTP server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- fmt.Errorf("server %s: %w", srv.Addr, err)
			}
		}()
	}

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- shutdown.WaitForShutdown() }()

	logger.WithField("version", version).Info("Courier started")

	select {
	case err := <-shutdownDone:
		return err
	case err := <-serverErr:
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		return errors.Join(err, shutdown.Shutdown(shutdownCtx))
	}
}
