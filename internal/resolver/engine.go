// Package resolver loads object graphs without N+1 queries.
//
// An Engine is shared by the whole process. Each request or transaction opens
// its own UnitOfWork, which owns a batch collector and an association cache
// and tracks every (owner, association) pair through the states
// Unresolved, Pending, Resolved and Failed.
//
// Eager associations are folded into the root query. Lazy associations are
// registered when first accessed and resolved together, one bulk fetch per
// chunk of owners, when a placeholder is read or the unit of work is flushed.
package resolver

import (
	"context"
	"time"

	"github.com/google/uuid"

	"lazybatch/internal/assoccache"
	"lazybatch/internal/batch"
	"lazybatch/internal/logging"
	"lazybatch/internal/observability"
	"lazybatch/internal/resultcache"
	"lazybatch/internal/schema"
	"lazybatch/internal/sqlutil"
	"lazybatch/internal/storage"
)

// DefaultMaxBatchWidth bounds the number of owner keys in one bulk fetch
// when no width is configured.
const DefaultMaxBatchWidth = 1000

// Options configures an Engine.
type Options struct {
	// MaxBatchWidth is the default chunk width of a unit of work.
	MaxBatchWidth int
	// Backend is an optional cache consulted across units of work.
	Backend resultcache.Backend
	// BackendTTL is the TTL of entries written to Backend.
	BackendTTL time.Duration
	Logger     *logging.Logger
	Metrics    *observability.ResolverMetrics
}

// Engine creates units of work over a registry and a storage executor.
type Engine struct {
	registry *schema.Registry
	store    storage.Executor
	dialect  sqlutil.Dialect
	opts     Options
}

// NewEngine creates an engine. Queries are planned for dialect.
func NewEngine(registry *schema.Registry, store storage.Executor, dialect sqlutil.Dialect, opts Options) *Engine {
	if opts.MaxBatchWidth <= 0 {
		opts.MaxBatchWidth = DefaultMaxBatchWidth
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Engine{
		registry: registry,
		store:    store,
		dialect:  dialect,
		opts:     opts,
	}
}

// Registry returns the schema the engine resolves against.
func (e *Engine) Registry() *schema.Registry {
	return e.registry
}

// MaxBatchWidth returns the default chunk width.
func (e *Engine) MaxBatchWidth() int {
	return e.opts.MaxBatchWidth
}

// UnitOption configures a UnitOfWork.
type UnitOption func(*UnitOfWork)

// WithBatchWidth overrides the engine's chunk width for one unit of work.
func WithBatchWidth(width int) UnitOption {
	return func(u *UnitOfWork) {
		if width > 0 {
			u.width = width
		}
	}
}

// WithID sets the unit-of-work ID used in logs and metrics.
func WithID(id string) UnitOption {
	return func(u *UnitOfWork) {
		if id != "" {
			u.id = id
		}
	}
}

// WithLogger sets the logger of one unit of work.
func WithLogger(logger *logging.Logger) UnitOption {
	return func(u *UnitOfWork) {
		if logger != nil {
			u.logger = logger
		}
	}
}

// NewUnitOfWork opens a unit of work. The caller must call Complete when done.
func (e *Engine) NewUnitOfWork(opts ...UnitOption) *UnitOfWork {
	u := &UnitOfWork{
		id:        uuid.NewString(),
		engine:    e,
		width:     e.opts.MaxBatchWidth,
		logger:    e.opts.Logger,
		collector: batch.NewCollector(),
		cache:     assoccache.New(),
		states:    make(map[stateKey]State),
		failures:  make(map[stateKey]*BatchFetchError),
		entities:  make(map[schema.EntityRef]*schema.Entity),
		started:   time.Now(),
	}
	for _, opt := range opts {
		opt(u)
	}
	u.logger = u.logger.WithUnitOfWork(u.id)
	u.metrics.ID = u.id
	if e.opts.Metrics != nil {
		e.opts.Metrics.UnitOfWorkOpened(context.Background())
	}
	return u
}
