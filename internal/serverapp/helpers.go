package serverapp

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"lazybatch/internal/api"
	"lazybatch/internal/config"
	"lazybatch/internal/dbexec"
	"lazybatch/internal/explain"
	"lazybatch/internal/introspection"
	"lazybatch/internal/logging"
	"lazybatch/internal/middleware"
	"lazybatch/internal/naming"
	"lazybatch/internal/observability"
	"lazybatch/internal/resolver"
	"lazybatch/internal/resultcache"
	"lazybatch/internal/schema"
	"lazybatch/internal/sqlutil"
	"lazybatch/internal/storage"

	"github.com/XSAM/otelsql"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// InitLogger builds the process logger and, when log export is enabled, the
// OTLP logger provider behind it.
func InitLogger(cfg *config.Config) (*logging.Logger, *observability.LoggerProvider, error) {
	loggerCfg := logging.Config{
		Level:       cfg.Observability.Logging.Level,
		Format:      cfg.Observability.Logging.Format,
		ServiceName: cfg.Observability.ServiceName,
	}
	logger := logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)

	if !cfg.Observability.Logging.ExportsEnabled {
		return logger, nil, nil
	}

	logsConfig := cfg.Observability.GetLogsConfig()
	logger.Info("initializing OpenTelemetry logging",
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("otlp_endpoint", logsConfig.Endpoint),
		slog.String("otlp_protocol", logsConfig.Protocol),
		slog.Bool("insecure", logsConfig.Insecure),
	)

	loggerProvider, err := observability.InitLoggerProvider(observabilityConfig(cfg, logsConfig))
	if err != nil {
		return nil, nil, err
	}

	loggerCfg.LoggerProvider = loggerProvider.Provider()
	logger = logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)

	return logger, loggerProvider, nil
}

func observabilityConfig(cfg *config.Config, otlp config.OTLPConfig) observability.Config {
	return observability.Config{
		ServiceName:      cfg.Observability.ServiceName,
		ServiceVersion:   cfg.Observability.ServiceVersion,
		Environment:      cfg.Observability.Environment,
		TraceSampleRatio: cfg.Observability.TraceSampleRatio,
		OTLPConfig: observability.OTLPExporterConfig{
			Endpoint:          otlp.Endpoint,
			Protocol:          otlp.Protocol,
			Insecure:          otlp.Insecure,
			TLSCertFile:       otlp.TLSCertFile,
			TLSClientCertFile: otlp.TLSClientCertFile,
			TLSClientKeyFile:  otlp.TLSClientKeyFile,
			Headers:           otlp.Headers,
			Timeout:           otlp.Timeout,
			Compression:       otlp.Compression,
			RetryEnabled:      otlp.RetryEnabled,
			RetryMaxAttempts:  otlp.RetryMaxAttempts,
		},
	}
}

func initMetrics(cfg *config.Config, logger *logging.Logger) (*observability.MeterProvider, *observability.ResolverMetrics, error) {
	if !cfg.Observability.MetricsEnabled {
		return nil, nil, nil
	}

	meterProvider, err := observability.InitMeterProvider(observabilityConfig(cfg, config.OTLPConfig{}))
	if err != nil {
		return nil, nil, err
	}
	resolverMetrics, err := observability.NewResolverMetrics()
	if err != nil {
		_ = meterProvider.Shutdown(context.Background(), logger.Logger)
		return nil, nil, err
	}

	logger.Info("OpenTelemetry metrics initialized",
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("environment", cfg.Observability.Environment),
	)
	return meterProvider, resolverMetrics, nil
}

func initTracing(cfg *config.Config, logger *logging.Logger) (*observability.TracerProvider, error) {
	if !cfg.Observability.TracingEnabled {
		return nil, nil
	}

	tracesConfig := cfg.Observability.GetTracesConfig()
	logger.Info("initializing OpenTelemetry tracing",
		slog.String("otlp_endpoint", tracesConfig.Endpoint),
		slog.String("otlp_protocol", tracesConfig.Protocol),
		slog.Float64("sample_ratio", cfg.Observability.TraceSampleRatio),
	)

	tracerProvider, err := observability.InitTracerProvider(observabilityConfig(cfg, tracesConfig))
	if err != nil {
		return nil, err
	}
	return tracerProvider, nil
}

func dbSystem(driver string) attribute.KeyValue {
	if driver == config.DriverPostgres {
		return semconv.DBSystemPostgreSQL
	}
	return semconv.DBSystemMySQL
}

func connectDB(cfg *config.Config, logger *logging.Logger) (*sql.DB, interface{ Unregister() error }, error) {
	dsn, err := cfg.Database.ConnectionString()
	if err != nil {
		return nil, nil, err
	}
	driver := cfg.Database.Driver
	if driver == "" {
		driver = config.DriverMySQL
	}

	if !cfg.Observability.MetricsEnabled && !cfg.Observability.TracingEnabled {
		db, err := sql.Open(driver, dsn)
		if err != nil {
			return nil, nil, err
		}
		return db, nil, nil
	}

	opts := []otelsql.Option{otelsql.WithAttributes(dbSystem(driver))}
	if cfg.Observability.TracingEnabled {
		opts = append(opts, otelsql.WithSpanOptions(otelsql.SpanOptions{DisableErrSkip: true}))
		if cfg.Observability.SQLCommenterEnabled {
			opts = append(opts, otelsql.WithSQLCommenter(true))
		}
	} else if cfg.Observability.SQLCommenterEnabled {
		logger.Warn("SQLCommenter requires tracing to be enabled - skipping SQLCommenter")
	}

	db, err := otelsql.Open(driver, dsn, opts...)
	if err != nil {
		return nil, nil, err
	}

	var dbStatsReg interface{ Unregister() error }
	if cfg.Observability.MetricsEnabled {
		dbStatsReg, err = otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(dbSystem(driver)))
		if err != nil {
			logger.Warn("failed to register DB stats metrics", slog.String("error", err.Error()))
		}
	}

	logger.Info("database instrumentation enabled",
		slog.Bool("metrics", cfg.Observability.MetricsEnabled),
		slog.Bool("tracing", cfg.Observability.TracingEnabled),
		slog.Bool("sqlcommenter", cfg.Observability.SQLCommenterEnabled && cfg.Observability.TracingEnabled),
	)
	return db, dbStatsReg, nil
}

func configureDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger, db *sql.DB, databaseName string, dsnPresent bool) error {
	db.SetMaxOpenConns(cfg.Database.Pool.MaxOpen)
	db.SetMaxIdleConns(cfg.Database.Pool.MaxIdle)
	db.SetConnMaxLifetime(cfg.Database.Pool.MaxLifetime)

	if err := waitForDatabase(ctx, cfg, logger, db); err != nil {
		return err
	}

	logger.Info("connected to database",
		slog.String("database", databaseName),
		slog.Bool("dsn_present", dsnPresent),
		slog.Int("pool_max_open", cfg.Database.Pool.MaxOpen),
		slog.Int("pool_max_idle", cfg.Database.Pool.MaxIdle),
		slog.Duration("pool_max_lifetime", cfg.Database.Pool.MaxLifetime),
	)
	return nil
}

// waitForDatabase pings until the database answers or the connection
// timeout passes, backing off exponentially up to 30s between attempts.
// A zero timeout pings once.
func waitForDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger, db *sql.DB) error {
	timeout := cfg.Database.ConnectionTimeout
	interval := cfg.Database.ConnectionRetryInterval
	if interval <= 0 {
		interval = time.Second
	}

	if timeout == 0 {
		return db.PingContext(ctx)
	}

	deadline := time.Now().Add(timeout)
	for attempt := 1; ; attempt++ {
		err := db.PingContext(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info("database connection established", slog.Int("attempts", attempt))
			}
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("database not available after %v: %w", timeout, err)
		}

		logger.Warn("database not ready, retrying...",
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", interval),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
		interval = min(interval*2, 30*time.Second)
	}
}

// buildRegistry introspects the database when enabled and then applies the
// declared definitions on top.
func buildRegistry(ctx context.Context, cfg *config.Config, logger *logging.Logger, db *sql.DB, databaseName string) (*schema.Registry, error) {
	reg := schema.NewRegistry()
	if cfg.Schema.Introspect {
		dbSchema, err := introspection.IntrospectDatabaseContext(ctx, db, databaseName)
		if err != nil {
			return nil, err
		}
		namer := naming.New(cfg.Schema.Naming, logger.Logger)
		reg, err = introspection.BuildRegistry(dbSchema, namer, logger.Logger)
		if err != nil {
			return nil, err
		}
		introspection.MissingIndexes(dbSchema, reg, logger.Logger)
	}
	if !cfg.Schema.Definitions.IsZero() {
		if err := cfg.Schema.Definitions.Apply(reg); err != nil {
			return nil, err
		}
	}

	types := reg.Types()
	if len(types) == 0 {
		return nil, fmt.Errorf("no entity types registered for database %q", databaseName)
	}
	associations := 0
	for _, t := range types {
		associations += len(reg.Associations(t.Name))
	}
	logger.Info("schema registry built",
		slog.Int("types", len(types)),
		slog.Int("associations", associations),
		slog.Bool("introspected", cfg.Schema.Introspect),
	)
	logger.Debug("registered schema", slog.String("schema", reg.Describe()))
	return reg, nil
}

func buildEngine(cfg *config.Config, logger *logging.Logger, db *sql.DB, reg *schema.Registry, dialect sqlutil.Dialect, metrics *observability.ResolverMetrics) (*resolver.Engine, *resultcache.Memory) {
	exec := dbexec.NewStandardExecutor(db)

	var storeOpts []storage.Option
	if cfg.Resolver.ExplainBatches {
		storeOpts = append(storeOpts, storage.WithExplain(explain.NewAnalyzer(exec, logger)))
		logger.Info("batch query EXPLAIN checks enabled")
	}
	store := storage.NewSQLStore(exec, reg, dialect, storeOpts...)

	opts := resolver.Options{
		MaxBatchWidth: cfg.Resolver.MaxBatchWidth,
		Logger:        logger,
		Metrics:       metrics,
	}
	var backend *resultcache.Memory
	if rc := cfg.Resolver.ResultCache; rc.Enabled {
		backend = resultcache.NewMemory(resultcache.MemoryConfig{
			MaxSizeBytes: rc.MaxSizeBytes,
			MaxEntries:   rc.MaxEntries,
			DefaultTTL:   rc.TTL,
		})
		opts.Backend = backend
		opts.BackendTTL = rc.TTL
		logger.Info("result cache enabled",
			slog.Duration("ttl", rc.TTL),
			slog.Int64("max_size_bytes", rc.MaxSizeBytes),
			slog.Int("max_entries", rc.MaxEntries),
		)
	}
	return resolver.NewEngine(reg, store, dialect, opts), backend
}

func buildRouter(cfg *config.Config, logger *logging.Logger, db *sql.DB, engine *resolver.Engine, meterProvider *observability.MeterProvider) *http.ServeMux {
	apiMux := http.NewServeMux()
	api.NewHandler(engine, api.Config{
		DefaultLimit: cfg.Resolver.DefaultLimit,
		MaxLimit:     cfg.Resolver.MaxLimit,
	}).Routes(apiMux)

	// request -> logging -> unit of work -> api
	var apiHandler http.Handler = middleware.UnitOfWorkMiddleware(engine)(apiMux)
	apiHandler = middleware.LoggingMiddleware(logger)(apiHandler)

	mux := http.NewServeMux()
	mux.Handle("/v1/", apiHandler)
	mux.HandleFunc("/health", healthHandler(db, cfg.Server.HealthCheckTimeout))

	if cfg.Observability.MetricsEnabled && meterProvider != nil {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info("metrics endpoint enabled", slog.String("path", "/metrics"))
	}
	return mux
}

func wrapHTTPHandler(cfg *config.Config, logger *logging.Logger, handler http.Handler) http.Handler {
	if cfg.Observability.MetricsEnabled || cfg.Observability.TracingEnabled {
		handler = otelhttp.NewHandler(handler, "http.server",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return httpRootSpanName(r)
			}),
		)
		logger.Info("HTTP instrumentation enabled")
	}

	if cfg.Server.CORS.Enabled {
		handler = middleware.CORSMiddleware(middleware.CORSConfig{
			Enabled:        true,
			AllowedOrigins: cfg.Server.CORS.AllowedOrigins,
			AllowedMethods: cfg.Server.CORS.AllowedMethods,
			AllowedHeaders: cfg.Server.CORS.AllowedHeaders,
			MaxAge:         cfg.Server.CORS.MaxAge,
		})(handler)
	}

	if cfg.Server.RateLimit.Enabled {
		handler = middleware.RateLimitMiddleware(middleware.RateLimitConfig{
			Enabled: true,
			RPS:     cfg.Server.RateLimit.RPS,
			Burst:   cfg.Server.RateLimit.Burst,
		})(handler)
	}

	return handler
}

func httpRootSpanName(r *http.Request) string {
	if r == nil {
		return "HTTP /*"
	}
	method := strings.TrimSpace(r.Method)
	if method == "" {
		method = "HTTP"
	}
	return method + " " + normalizeHTTPSpanRoute(r.URL.Path)
}

// normalizeHTTPSpanRoute keeps span names low-cardinality.
func normalizeHTTPSpanRoute(rawPath string) string {
	switch rawPath {
	case "/v1/load", "/v1/schema", "/health", "/metrics":
		return rawPath
	default:
		return "/*"
	}
}

func buildServer(cfg *config.Config, handler http.Handler, serverAddr string) *http.Server {
	return &http.Server{
		Addr:         serverAddr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

// healthHandler reports whether the database answers a ping.
func healthHandler(db *sql.DB, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := logging.FromContext(r.Context())
		w.Header().Set("Content-Type", "application/json")

		ctx := r.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		if err := db.PingContext(ctx); err != nil {
			reqLogger.Error("health check failed",
				slog.String("error", err.Error()),
				slog.String("check", "database"),
			)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprint(w, `{"status":"unhealthy","database":"failed"}`)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprint(w, `{"status":"healthy","database":"ok"}`)
	}
}
