package serverapp

import (
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"lazybatch/internal/config"
	"lazybatch/internal/logging"
	"lazybatch/internal/observability"
	"lazybatch/internal/resolver"
	"lazybatch/internal/resultcache"
	"lazybatch/internal/schema"
	"lazybatch/internal/sqlutil"
)

// App owns runtime resources for the lazybatch server lifecycle.
type App struct {
	cfg    *config.Config
	logger *logging.Logger

	loggerProvider *observability.LoggerProvider

	databaseName string
	dsnPresent   bool
	dialect      sqlutil.Dialect

	meterProvider   *observability.MeterProvider
	resolverMetrics *observability.ResolverMetrics
	tracerProvider  *observability.TracerProvider

	db         *sql.DB
	dbStatsReg interface{ Unregister() error }

	registry *schema.Registry
	backend  *resultcache.Memory
	engine   *resolver.Engine

	mux     *http.ServeMux
	handler http.Handler

	serverAddr string
	srv        *http.Server

	cleanup cleanupStack

	stateMu      sync.Mutex
	initialized  bool
	started      bool
	serverErrors chan error

	shutdownOnce sync.Once
}

// New creates an App lifecycle wrapper.
func New(cfg *config.Config, logger *logging.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	databaseName, err := cfg.Database.DatabaseName()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve database name: %w", err)
	}
	dialect, err := sqlutil.DialectFor(cfg.Database.Driver)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:          cfg,
		logger:       logger,
		databaseName: databaseName,
		dsnPresent:   strings.TrimSpace(cfg.Database.DSN) != "",
		dialect:      dialect,
	}, nil
}

// AttachLoggerProvider registers an optional logger provider for shutdown cleanup.
func (a *App) AttachLoggerProvider(provider *observability.LoggerProvider) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	a.loggerProvider = provider
}

// Handler returns the fully wrapped HTTP handler. It is nil before Init.
func (a *App) Handler() http.Handler {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.handler
}
