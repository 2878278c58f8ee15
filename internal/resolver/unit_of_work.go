package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"lazybatch/internal/assoccache"
	"lazybatch/internal/batch"
	"lazybatch/internal/fetchplan"
	"lazybatch/internal/logging"
	"lazybatch/internal/planner"
	"lazybatch/internal/schema"
)

// State is the resolution state of one (owner, association) pair.
type State int

const (
	// Unresolved pairs have not been accessed, or were reset by Retry.
	Unresolved State = iota
	// Pending pairs are registered with the collector and await a drain.
	Pending
	// Resolved pairs have an immutable entry in the association cache.
	Resolved
	// Failed pairs took part in a batch whose bulk fetch failed.
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Resolved:
		return "RESOLVED"
	case Failed:
		return "FAILED"
	default:
		return "UNRESOLVED"
	}
}

type stateKey struct {
	owner schema.EntityRef
	assoc string
}

// UnitOfWork scopes batching and caching to one request or transaction.
//
// A unit of work is meant to be driven by one goroutine. Its methods are
// still safe for concurrent use; drains are serialized.
type UnitOfWork struct {
	id     string
	engine *Engine
	width  int
	logger *logging.Logger

	collector *batch.Collector
	cache     *assoccache.Cache

	// flushMu is held for the whole of a drain, so an owner whose batch is
	// in flight stays Pending until its results are written.
	flushMu sync.Mutex

	mu       sync.Mutex
	states   map[stateKey]State
	failures map[stateKey]*BatchFetchError
	entities map[schema.EntityRef]*schema.Entity
	metrics  Metrics
	started  time.Time
	closed   bool
}

// ID returns the unit-of-work ID.
func (u *UnitOfWork) ID() string {
	return u.id
}

// BatchWidth returns the default chunk width of the unit of work.
func (u *UnitOfWork) BatchWidth() int {
	return u.width
}

// Load runs root with the given fetch plan entries and returns the distinct
// root entities in query order. Eager associations of every root are
// Resolved when Load returns; lazy ones are left Unresolved until accessed.
func (u *UnitOfWork) Load(ctx context.Context, root planner.RootQuery, entries ...fetchplan.Entry) (entities []*schema.Entity, err error) {
	if u.isClosed() {
		return nil, ErrUnitOfWorkClosed
	}
	start := time.Now()
	ctx, span := u.startSpan(ctx, "resolver.load",
		attribute.String("resolver.root_type", root.Type),
		attribute.Int("resolver.plan_entries", len(entries)),
	)
	defer func() {
		endSpan(span, err)
		if m := u.engine.opts.Metrics; m != nil {
			m.RecordLoad(ctx, root.Type, time.Since(start), err != nil)
		}
	}()

	aug, err := fetchplan.Resolve(u.engine.registry, u.engine.dialect, root, entries)
	if err != nil {
		return nil, err
	}
	rows, err := u.engine.store.Execute(ctx, aug.Query)
	u.mu.Lock()
	u.metrics.RootQueries++
	u.metrics.RowsFetched += len(rows)
	u.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", root.Type, err)
	}
	roots, err := aug.Split(rows)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", root.Type, err)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	entities = make([]*schema.Entity, 0, len(roots))
	for _, rr := range roots {
		owner := u.internLocked(rr.Ref, rr.Fields)
		entities = append(entities, owner)
		for _, join := range aug.Eager {
			children, childErr := u.entitiesLocked(join.Target, rr.Eager[join.Association.Name])
			if childErr != nil {
				return nil, fmt.Errorf("load %s: %w", root.Type, childErr)
			}
			u.resolveLocked(owner.Ref, join.Association, children)
		}
	}
	span.SetAttributes(attribute.Int("resolver.roots", len(entities)))
	u.logger.Debug("loaded roots",
		slog.String("type", root.Type),
		slog.Int("roots", len(entities)),
		slog.Int("eager", len(aug.Eager)),
		slog.Int("lazy", len(aug.Lazy)),
	)
	return entities, nil
}

// Access returns a placeholder for owner's association name. On first access
// to a lazy association the owner is registered for batching and becomes
// Pending; the fetch happens when any placeholder of that batch is read or
// the unit of work is flushed. Associations not named in the fetch plan are
// treated as lazy.
func (u *UnitOfWork) Access(owner *schema.Entity, name string) (*Placeholder, error) {
	return u.AccessWidth(owner, name, 0)
}

// AccessWidth is Access with an explicit chunk width. The width only applies
// when this access opens a new pending batch; a batch keeps the width of its
// first registration until it drains.
func (u *UnitOfWork) AccessWidth(owner *schema.Entity, name string, width int) (*Placeholder, error) {
	if owner == nil {
		return nil, errors.New("access on nil owner")
	}
	assoc, ok := u.engine.registry.Association(owner.Type, name)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownAssociation, owner.Type, name)
	}
	if width <= 0 {
		width = u.width
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil, ErrUnitOfWorkClosed
	}
	u.registerLocked(owner, assoc, width)
	return &Placeholder{uow: u, owner: owner, assoc: assoc}, nil
}

// Flush drains every pending batch. Failures of one association do not
// affect the others; all batch errors are joined.
func (u *UnitOfWork) Flush(ctx context.Context) error {
	u.flushMu.Lock()
	defer u.flushMu.Unlock()

	if u.isClosed() {
		return ErrUnitOfWorkClosed
	}
	var errs []error
	for _, assoc := range u.collector.PendingAssociations() {
		if err := u.resolve(ctx, assoc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// State reports the resolution state of owner's association name.
func (u *UnitOfWork) State(owner schema.EntityRef, name string) State {
	assoc, ok := u.engine.registry.Association(owner.Type, name)
	if !ok {
		return Unresolved
	}
	return u.stateOf(owner, assoc)
}

// Retry moves every Failed owner of the association with the given ID
// ("owner.name") back to Unresolved and returns how many were reset. The
// next access or read registers them again.
func (u *UnitOfWork) Retry(id string) (int, error) {
	ownerType, name, _ := strings.Cut(id, ".")
	assoc, ok := u.engine.registry.Association(ownerType, name)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAssociation, id)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return 0, ErrUnitOfWorkClosed
	}
	reset := 0
	for key, state := range u.states {
		if key.assoc == assoc.ID() && state == Failed {
			delete(u.states, key)
			delete(u.failures, key)
			reset++
		}
	}
	if reset > 0 {
		u.logger.Info("retrying failed association", slog.String("association", assoc.ID()), slog.Int("owners", reset))
	}
	return reset, nil
}

// Entity returns the entity loaded under ref, if any.
func (u *UnitOfWork) Entity(ref schema.EntityRef) (*schema.Entity, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	e, ok := u.entities[ref]
	return e, ok
}

// Complete closes the unit of work, drops pending registrations and returns
// its metrics. Calling Complete again returns the same metrics.
func (u *UnitOfWork) Complete() Metrics {
	u.flushMu.Lock()
	defer u.flushMu.Unlock()
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return u.metrics
	}
	u.closed = true
	dropped := 0
	for _, assoc := range u.collector.PendingAssociations() {
		dropped += u.collector.Pending(assoc)
	}
	u.metrics.Duration = time.Since(u.started)
	u.metrics.CacheHits = u.cache.Hits()
	u.metrics.CacheMisses = u.cache.Misses()
	u.collector.Reset()
	u.entities = make(map[schema.EntityRef]*schema.Entity)

	if m := u.engine.opts.Metrics; m != nil {
		m.UnitOfWorkClosed(context.Background())
	}
	u.logger.Debug("unit of work completed",
		slog.Int("queries", u.metrics.Queries()),
		slog.Int("bulk_fetches", u.metrics.BulkFetches),
		slog.Int64("queries_saved", u.metrics.QueriesSaved),
		slog.Int("dropped_registrations", dropped),
		slog.Duration("duration", u.metrics.Duration),
	)
	return u.metrics
}

func (u *UnitOfWork) isClosed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.closed
}

func (u *UnitOfWork) stateOf(owner schema.EntityRef, assoc *schema.Association) State {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.states[stateKey{owner: owner, assoc: assoc.ID()}]
}

func (u *UnitOfWork) registerLocked(owner *schema.Entity, assoc *schema.Association, width int) {
	key := stateKey{owner: owner.Ref, assoc: assoc.ID()}
	switch u.states[key] {
	case Pending:
		u.metrics.DuplicateRegistrations++
		return
	case Resolved, Failed:
		return
	}

	joinKey, ok := schema.KeyFromRow(owner.Fields, assoc.LocalColumns)
	if !ok {
		// A NULL join key cannot match any target.
		u.resolveLocked(owner.Ref, assoc, nil)
		return
	}
	if !u.collector.Register(owner.Ref, joinKey, assoc, width) {
		u.metrics.DuplicateRegistrations++
		return
	}
	u.states[key] = Pending
	u.metrics.Registrations++
}

func (u *UnitOfWork) resolveLocked(owner schema.EntityRef, assoc *schema.Association, children []*schema.Entity) {
	key := stateKey{owner: owner, assoc: assoc.ID()}
	switch u.states[key] {
	case Resolved:
		return
	case Pending:
		// Resolved before its batch drained, e.g. by an eager load.
		u.collector.Unregister(owner, assoc)
	}
	if err := u.cache.Put(owner, assoc, children); err != nil {
		u.logger.Debug("association already cached", slog.String("association", assoc.ID()), slog.String("owner", owner.String()))
	}
	u.states[key] = Resolved
	delete(u.failures, key)
}

func (u *UnitOfWork) internLocked(ref schema.EntityRef, fields schema.Row) *schema.Entity {
	if e, ok := u.entities[ref]; ok {
		return e
	}
	e := &schema.Entity{Ref: ref, Type: ref.Type, Fields: fields}
	u.entities[ref] = e
	return e
}

func (u *UnitOfWork) entitiesLocked(t *schema.Type, rows []schema.Row) ([]*schema.Entity, error) {
	out := make([]*schema.Entity, 0, len(rows))
	for _, row := range rows {
		ref, err := schema.RefForRow(t, row)
		if err != nil {
			return nil, err
		}
		out = append(out, u.internLocked(ref, row))
	}
	return out, nil
}
