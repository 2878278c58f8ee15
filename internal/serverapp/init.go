package serverapp

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"lazybatch/internal/observability"
)

// telemetry groups the providers built during Init.
type telemetry struct {
	meters  *observability.MeterProvider
	metrics *observability.ResolverMetrics
	tracers *observability.TracerProvider
}

// Init builds telemetry, the database pool, the schema registry, the
// resolver engine and the HTTP server, in that order. It is idempotent; a
// failed Init releases whatever it had built.
func (a *App) Init(ctx context.Context) error {
	a.stateMu.Lock()
	done := a.initialized
	a.stateMu.Unlock()
	if done {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var cleanup cleanupStack
	ok := false
	defer func() {
		if !ok {
			cleanup.run(context.Background(), a.logger)
		}
	}()

	if a.loggerProvider != nil {
		cleanup.push("logger provider", func(c context.Context) error {
			return a.loggerProvider.Shutdown(c, a.logger.Logger)
		})
	}

	tel, err := a.initTelemetry(&cleanup)
	if err != nil {
		return err
	}
	db, statsReg, err := a.initDatabase(ctx, &cleanup)
	if err != nil {
		return err
	}

	registry, err := buildRegistry(ctx, a.cfg, a.logger, db, a.databaseName)
	if err != nil {
		return fmt.Errorf("failed to build schema registry: %w", err)
	}
	engine, backend := buildEngine(a.cfg, a.logger, db, registry, a.dialect, tel.metrics)
	if backend != nil {
		cleanup.push("result cache", func(c context.Context) error {
			stats := backend.Stats()
			a.logger.Debug("result cache released",
				slog.Uint64("hits", stats.Hits),
				slog.Uint64("misses", stats.Misses),
				slog.Float64("hit_rate", stats.HitRate()),
				slog.Int("entries", backend.Len()),
			)
			return backend.Clear(c)
		})
	}

	mux := buildRouter(a.cfg, a.logger, db, engine, tel.meters)
	handler := wrapHTTPHandler(a.cfg, a.logger, mux)
	addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
	srv := buildServer(a.cfg, handler, addr)
	cleanup.push("HTTP server", srv.Shutdown)

	a.stateMu.Lock()
	a.meterProvider, a.resolverMetrics, a.tracerProvider = tel.meters, tel.metrics, tel.tracers
	a.db, a.dbStatsReg = db, statsReg
	a.registry, a.backend, a.engine = registry, backend, engine
	a.mux, a.handler = mux, handler
	a.serverAddr, a.srv = addr, srv
	a.cleanup = cleanup
	a.initialized = true
	a.stateMu.Unlock()

	ok = true
	return nil
}

func (a *App) initTelemetry(cleanup *cleanupStack) (telemetry, error) {
	var tel telemetry
	var err error

	tel.meters, tel.metrics, err = initMetrics(a.cfg, a.logger)
	if err != nil {
		return tel, fmt.Errorf("failed to initialize OpenTelemetry metrics: %w", err)
	}
	if mp := tel.meters; mp != nil {
		cleanup.push("meter provider", func(c context.Context) error {
			return mp.Shutdown(c, a.logger.Logger)
		})
	}

	tel.tracers, err = initTracing(a.cfg, a.logger)
	if err != nil {
		return tel, fmt.Errorf("failed to initialize OpenTelemetry tracing: %w", err)
	}
	if tp := tel.tracers; tp != nil {
		cleanup.push("tracer provider", func(c context.Context) error {
			return tp.Shutdown(c, a.logger.Logger)
		})
	}
	return tel, nil
}

func (a *App) initDatabase(ctx context.Context, cleanup *cleanupStack) (*sql.DB, interface{ Unregister() error }, error) {
	a.logger.Info("connecting to database",
		slog.String("driver", a.dialect.Name),
		slog.String("host", a.cfg.Database.Host),
		slog.Int("port", a.cfg.Database.Port),
		slog.String("database", a.databaseName),
		slog.Bool("dsn_present", a.dsnPresent),
	)

	db, statsReg, err := connectDB(a.cfg, a.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	cleanup.push("database", func(context.Context) error {
		if statsReg != nil {
			if err := statsReg.Unregister(); err != nil {
				a.logger.Warn("failed to unregister DB stats metrics", slog.String("error", err.Error()))
			}
		}
		return db.Close()
	})

	if err := configureDatabase(ctx, a.cfg, a.logger, db, a.databaseName, a.dsnPresent); err != nil {
		return nil, nil, fmt.Errorf("failed to verify database connection: %w", err)
	}
	return db, statsReg, nil
}
