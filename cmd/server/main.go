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

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/erp/fleetsync/internal/application/collection"
	"github.com/erp/fleetsync/internal/domain/reconcile"
	"github.com/erp/fleetsync/internal/domain/record"
	"github.com/erp/fleetsync/internal/infrastructure/cache"
	"github.com/erp/fleetsync/internal/infrastructure/config"
	"github.com/erp/fleetsync/internal/infrastructure/logger"
	"github.com/erp/fleetsync/internal/infrastructure/persistence"
	"github.com/erp/fleetsync/internal/infrastructure/remote"
	"github.com/erp/fleetsync/internal/infrastructure/telemetry"
	"github.com/erp/fleetsync/internal/interfaces/http/handler"
	"github.com/erp/fleetsync/internal/interfaces/http/router"

	_ "github.com/erp/fleetsync/docs"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

// Readiness reports the remote client's last initialization error.
var _ handler.ErrorReporter = (*remote.DocumentClient)(nil)

//	@title			Fleetsync API
//	@version		1.0
//	@description	Tenant-scoped reconciliation of local and remote fleet collections

//	@contact.name	API Support
//	@contact.url	https://github.com/erp/fleetsync

//	@license.name	Apache 2.0
//	@license.url	http://www.apache.org/licenses/LICENSE-2.0.html

//	@host		localhost:8080
//	@BasePath	/api/v1

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	baseLog, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	tel, log := setupTelemetry(ctx, cfg, baseLog)
	defer func() { _ = log.Sync() }()

	log.Info("Starting fleetsync",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
		zap.String("version", version),
	)

	// Remote document store
	notifier, err := newNotifier(cfg, log)
	if err != nil {
		log.Fatal("Failed to create change feed", zap.Error(err))
	}
	client := remote.Connect(
		persistence.Opener(&cfg.Database, tel.dbOptions(cfg, log)...),
		remote.WithTenantResolver(remote.StaticTenant(cfg.Sync.DefaultTenantID)),
		remote.WithNotifier(notifier),
		remote.WithClientLogger(log.Named("remote")),
		remote.WithConnectRetries(cfg.Database.ConnectRetries, cfg.Database.ConnectBackoff),
		remote.WithAutoMigrate(cfg.Database.Driver == "sqlite"),
	)

	// Local cache
	factory := cache.NewLocalCacheFactory(cfg.Cache, cfg.Redis, cache.WithLogger(log.Named("cache")))
	local, err := factory.CreateStore()
	if err != nil {
		log.Fatal("Failed to create local cache", zap.Error(err))
	}

	engine, err := newEngine(cfg.Sync)
	if err != nil {
		log.Fatal("Invalid sync policy", zap.Error(err))
	}

	opts := []collection.Option{
		collection.WithReadiness(client),
		collection.WithEngine(engine),
		collection.WithLogger(log.Named("sync")),
		collection.WithConfig(collection.Config{
			ReadyAttempts:     cfg.Sync.ReadyAttempts,
			ReadyInterval:     cfg.Sync.ReadyInterval,
			StrictConsistency: cfg.Sync.StrictConsistency,
		}),
	}
	if tel.sync != nil {
		opts = append(opts, collection.WithMetrics(tel.sync))
	}
	service := collection.NewService(client, local, opts...)
	listener := collection.NewListener(client, service, collection.WithListenerLogger(log.Named("listener")))

	stream := handler.NewStreamHandler(listener, service,
		handler.WithStreamLogger(log.Named("stream")),
		handler.WithStreamHeartbeat(cfg.HTTP.SSEHeartbeat),
		handler.WithStreamMaxClients(cfg.HTTP.SSEMaxClients),
	)
	if err := stream.Start(); err != nil {
		log.Fatal("Failed to start stream hub", zap.Error(err))
	}

	httpEngine, err := router.NewEngine(router.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		HTTP:           cfg.HTTP,
		Swagger:        cfg.Swagger,
		Logger:         log,
		TracingEnabled: cfg.Telemetry.Enabled,
		MetricsEnabled: cfg.Telemetry.Enabled,
		Meter:          tel.meter,
	}, router.Handlers{
		Collections: handler.NewCollectionHandler(service),
		Stream:      stream,
		System: handler.NewSystemHandler(cfg.App.Name, version, client, service,
			handler.WithSubscriptions(listener),
			handler.WithStreamClients(stream),
			handler.WithCacheStats(local),
		),
	})
	if err != nil {
		log.Fatal("Failed to build HTTP engine", zap.Error(err))
	}

	// Create HTTP server with config
	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        httpEngine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Streams never finish on their own; end them before draining.
	stream.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	listener.Close()
	if err := client.Close(); err != nil {
		log.Error("Error closing remote store", zap.Error(err))
	}
	if err := notifier.Close(); err != nil {
		log.Error("Error closing change feed", zap.Error(err))
	}
	if err := factory.Close(); err != nil {
		log.Error("Error closing local cache", zap.Error(err))
	}
	tel.shutdown(shutdownCtx, log)

	log.Info("Server exited gracefully")
}

func newNotifier(cfg *config.Config, log *zap.Logger) (remote.ChangeNotifier, error) {
	if cfg.Sync.ChangeFeed != "redis" {
		log.Info("Using in-process change feed")
		return remote.NewLocalNotifier(), nil
	}
	addr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	n, err := remote.NewRedisNotifier(addr, cfg.Redis.Password, cfg.Redis.DB,
		remote.WithNotifierLogger(log.Named("feed")))
	if err != nil {
		return nil, err
	}
	log.Info("Using Redis change feed", zap.String("addr", addr))
	return n, nil
}

func newEngine(cfg config.SyncConfig) (*reconcile.Engine, error) {
	cutoff, err := cfg.LegacyCutoff()
	if err != nil {
		return nil, err
	}
	return reconcile.NewEngine(reconcile.WithPolicy(reconcile.Policy{
		SyntheticIDMaxAge:  cfg.SyntheticIDMaxAge,
		CreatedAtMaxAge:    cfg.CreatedAtMaxAge,
		DerivedOrigins:     cfg.DerivedOrigins,
		EvictRemoteDeleted: cfg.EvictRemoteDeleted,
		Legacy: record.LegacyPolicy{
			Enabled: cfg.LegacyTenantless,
			Until:   cutoff,
		},
	})), nil
}

// telemetryStack holds the providers started at boot. Every field may be
// nil when its exporter failed to start. The tracer provider registers
// itself globally, which is where otelgin and otelgorm pick it up.
type telemetryStack struct {
	tracer    *telemetry.TracerProvider
	meters    *telemetry.MeterProvider
	logs      *telemetry.LoggerProvider
	profiler  *telemetry.Profiler
	meter     metric.Meter
	sync      *telemetry.SyncMetrics
	dbMetrics *telemetry.DBMetrics
}

// setupTelemetry starts tracing, metrics, log export and profiling. Failures
// are logged and the service runs without the failed signal.
func setupTelemetry(ctx context.Context, cfg *config.Config, base *zap.Logger) (*telemetryStack, *zap.Logger) {
	t := &telemetryStack{}
	tc := cfg.Telemetry

	lp, err := telemetry.NewLoggerProvider(ctx, telemetry.LogsConfig{
		Enabled:           tc.Enabled && tc.LogsEnabled,
		CollectorEndpoint: tc.CollectorEndpoint,
		ServiceName:       tc.ServiceName,
		Insecure:          tc.Insecure,
	}, base)
	if err != nil {
		base.Warn("Failed to start log export", zap.Error(err))
	} else {
		t.logs = lp
	}
	log := telemetry.Bridge(base, t.logs, tc.ServiceName, logger.ParseLevel(cfg.Log.Level))

	tp, err := telemetry.NewTracerProvider(ctx, telemetry.Config{
		Enabled:           tc.Enabled,
		CollectorEndpoint: tc.CollectorEndpoint,
		SamplingRatio:     tc.SamplingRatio,
		ServiceName:       tc.ServiceName,
		Insecure:          tc.Insecure,
	}, log)
	if err != nil {
		log.Warn("Failed to start tracing", zap.Error(err))
	} else {
		t.tracer = tp
	}

	mp, err := telemetry.NewMeterProvider(ctx, telemetry.MetricsConfig{
		Enabled:           tc.Enabled,
		CollectorEndpoint: tc.CollectorEndpoint,
		ExportInterval:    tc.MetricsInterval,
		ServiceName:       tc.ServiceName,
		Insecure:          tc.Insecure,
	}, log)
	if err != nil {
		log.Warn("Failed to start metrics", zap.Error(err))
	} else {
		t.meters = mp
		t.meter = mp.Meter(tc.ServiceName)
	}

	if t.meter != nil {
		if sm, err := telemetry.NewSyncMetrics(telemetry.SyncMetricsConfig{
			Meter:       t.meter,
			Logger:      log,
			TenantLabel: cfg.HTTP.TenantMetricLabel,
		}); err != nil {
			log.Warn("Failed to create sync metrics", zap.Error(err))
		} else {
			t.sync = sm
		}

		dbCfg := telemetry.DefaultDBMetricsConfig()
		dbCfg.Enabled = tc.Enabled
		dbCfg.SlowQueryThreshold = tc.DBSlowQuery
		dbCfg.PoolStatsInterval = tc.MetricsInterval
		if dm, err := telemetry.NewDBMetrics(t.meter, dbCfg, log); err != nil {
			log.Warn("Failed to create database metrics", zap.Error(err))
		} else {
			t.dbMetrics = dm
			dm.StartPoolStatsCollection(ctx)
		}
	}

	profiler, err := telemetry.NewProfiler(telemetry.ProfilerConfig{
		Enabled:           tc.ProfilingEnabled,
		ServerAddress:     tc.ProfilingAddress,
		ApplicationName:   tc.ServiceName,
		BasicAuthUser:     tc.ProfilingUser,
		BasicAuthPassword: tc.ProfilingPassword,
		ProfileContention: cfg.Sync.StrictConsistency,
	}, log)
	if err != nil {
		log.Warn("Failed to start profiler", zap.Error(err))
	} else {
		t.profiler = profiler
		if t.tracer != nil && profiler.IsEnabled() {
			if err := t.tracer.EnableSpanProfiles(); err != nil {
				log.Warn("Failed to link spans to profiles", zap.Error(err))
			}
		}
	}

	return t, log
}

// dbOptions returns the gorm options for the remote database: zap logging
// plus the tracing and metrics plugins when enabled.
func (t *telemetryStack) dbOptions(cfg *config.Config, log *zap.Logger) []persistence.Option {
	opts := []persistence.Option{
		persistence.WithLogger(log.Named("gorm"), logger.MapGormLogLevel(cfg.Log.Level)),
	}
	if cfg.Telemetry.Enabled && cfg.Telemetry.DBTracing {
		tracing := telemetry.DefaultDBTracingConfig()
		tracing.Enabled = true
		tracing.SlowQueryThresh = cfg.Telemetry.DBSlowQuery
		tracing.LogFullSQL = cfg.IsDevelopment()
		if cfg.Database.Driver == "sqlite" {
			tracing.DBSystem = "sqlite"
		}
		opts = append(opts, persistence.WithPlugin(telemetry.NewDBTracingPlugin(tracing, log)))
	}
	if t.dbMetrics != nil {
		opts = append(opts, persistence.WithPlugin(telemetry.NewDBMetricsPlugin(t.dbMetrics, log)))
	}
	return opts
}

func (t *telemetryStack) shutdown(ctx context.Context, log *zap.Logger) {
	if t.dbMetrics != nil {
		t.dbMetrics.Stop()
	}
	if t.profiler != nil {
		if err := t.profiler.Stop(); err != nil {
			log.Warn("Error stopping profiler", zap.Error(err))
		}
	}
	if t.meters != nil {
		if err := t.meters.Shutdown(ctx); err != nil {
			log.Warn("Error shutting down meter provider", zap.Error(err))
		}
	}
	if t.tracer != nil {
		if err := t.tracer.Shutdown(ctx); err != nil {
			log.Warn("Error shutting down tracer provider", zap.Error(err))
		}
	}
	if t.logs != nil {
		if err := t.logs.Shutdown(ctx); err != nil {
			// the bridge is still teed into the provider, so use stderr
			fmt.Fprintf(os.Stderr, "Error shutting down logger provider: %v\n", err)
		}
	}
}
