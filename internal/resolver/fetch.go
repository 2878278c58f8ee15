package resolver

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"lazybatch/internal/batch"
	"lazybatch/internal/schema"
)

const backendKeyPrefix = "lazybatch:"

// resolve drains the pending batch of assoc and fetches it. The caller holds flushMu.
func (u *UnitOfWork) resolve(ctx context.Context, assoc *schema.Association) error {
	b := u.collector.Drain(assoc)
	if b == nil {
		return nil
	}
	return u.fetch(ctx, b)
}

// fetch issues one bulk fetch per chunk of b. Every owner of b ends Resolved,
// or, if any chunk fails, every owner ends Failed and nothing is cached.
func (u *UnitOfWork) fetch(ctx context.Context, b *batch.Batch) (err error) {
	assoc := b.Association
	ctx, span := u.startSpan(ctx, "resolver.bulk_fetch",
		attribute.String("resolver.association", assoc.ID()),
		attribute.Int("resolver.owners", b.OwnerCount()),
		attribute.Int("resolver.keys", len(b.Keys)),
		attribute.Int("resolver.batch_width", b.Width),
	)
	defer func() { endSpan(span, err) }()

	target, err := u.engine.registry.Type(assoc.Target)
	if err != nil {
		return u.fail(ctx, b, err)
	}

	results, missing := u.lookupBackend(ctx, assoc, b.Keys)
	chunks := b.Chunks
	if len(missing) != len(b.Keys) {
		chunks = batch.Chunk(missing, b.Width)
	}
	span.SetAttributes(
		attribute.Int("resolver.chunks", len(chunks)),
		attribute.Int("resolver.backend_hits", len(b.Keys)-len(missing)),
	)

	fetched := make(map[string][]schema.Row, len(missing))
	rowCount := 0
	for _, chunk := range chunks {
		grouped, fetchErr := u.engine.store.ExecuteBatch(ctx, assoc, chunk)
		u.mu.Lock()
		u.metrics.BulkFetches++
		u.metrics.KeysFetched += len(chunk)
		u.mu.Unlock()
		if fetchErr != nil {
			return u.fail(ctx, b, fetchErr)
		}

		n := 0
		for _, key := range chunk {
			canonical := key.Canonical()
			rows := grouped[canonical]
			fetched[canonical] = rows
			n += len(rows)
		}
		rowCount += n
		if m := u.engine.opts.Metrics; m != nil {
			m.RecordBulkFetch(ctx, assoc.ID(), len(chunk), n)
		}
	}
	u.storeBackend(ctx, assoc, fetched)
	for canonical, rows := range fetched {
		results[canonical] = rows
	}

	saved := int64(b.OwnerCount())
	if len(chunks) > 0 {
		saved = batch.QueriesSaved(b.OwnerCount(), len(chunks))
	}
	if m := u.engine.opts.Metrics; m != nil {
		m.RecordQueriesSaved(ctx, assoc.ID(), saved)
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	children := make(map[string][]*schema.Entity, len(b.Keys))
	for _, key := range b.Keys {
		canonical := key.Canonical()
		ents, convErr := u.entitiesLocked(target, results[canonical])
		if convErr != nil {
			return u.failLocked(ctx, b, convErr)
		}
		children[canonical] = ents
	}
	for canonical, owners := range b.Owners {
		for _, owner := range owners {
			if u.states[stateKey{owner: owner, assoc: assoc.ID()}] != Pending {
				continue
			}
			u.resolveLocked(owner, assoc, children[canonical])
		}
	}
	u.metrics.RowsFetched += rowCount
	u.metrics.QueriesSaved += saved

	u.logger.Debug("resolved association batch",
		slog.String("association", assoc.ID()),
		slog.Int("owners", b.OwnerCount()),
		slog.Int("chunks", len(chunks)),
		slog.Int("rows", rowCount),
	)
	return nil
}

func (u *UnitOfWork) fail(ctx context.Context, b *batch.Batch, cause error) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.failLocked(ctx, b, cause)
}

func (u *UnitOfWork) failLocked(ctx context.Context, b *batch.Batch, cause error) error {
	assoc := b.Association
	bfe := &BatchFetchError{Association: assoc.ID(), Owners: b.OwnerCount(), Err: cause}
	for _, owner := range b.OwnerRefs() {
		key := stateKey{owner: owner, assoc: assoc.ID()}
		if u.states[key] != Pending {
			continue
		}
		u.states[key] = Failed
		u.failures[key] = bfe
	}
	u.metrics.FailedBatches++
	if m := u.engine.opts.Metrics; m != nil {
		m.RecordBatchFailure(ctx, assoc.ID())
	}
	u.logger.Warn("bulk association fetch failed",
		slog.String("association", assoc.ID()),
		slog.Int("owners", b.OwnerCount()),
		slog.String("error", cause.Error()),
	)
	return bfe
}

func backendKey(assoc *schema.Association, canonical string) string {
	return backendKeyPrefix + assoc.ID() + ":" + canonical
}

// lookupBackend answers what it can from the cache backend and returns the
// keys that still need a fetch.
func (u *UnitOfWork) lookupBackend(ctx context.Context, assoc *schema.Association, keys []schema.Key) (map[string][]schema.Row, []schema.Key) {
	results := make(map[string][]schema.Row, len(keys))
	backend := u.engine.opts.Backend
	if backend == nil {
		return results, keys
	}

	missing := make([]schema.Key, 0, len(keys))
	hits := 0
	for _, key := range keys {
		canonical := key.Canonical()
		if value, ok := backend.Get(ctx, backendKey(assoc, canonical)); ok {
			if rows, ok := value.([]schema.Row); ok {
				results[canonical] = cloneRows(rows)
				hits++
				continue
			}
		}
		missing = append(missing, key)
	}
	if hits > 0 {
		u.mu.Lock()
		u.metrics.BackendHits += hits
		u.mu.Unlock()
		if m := u.engine.opts.Metrics; m != nil {
			m.RecordBackendHits(ctx, assoc.ID(), hits)
		}
	}
	return results, missing
}

func (u *UnitOfWork) storeBackend(ctx context.Context, assoc *schema.Association, fetched map[string][]schema.Row) {
	backend := u.engine.opts.Backend
	if backend == nil {
		return
	}
	for canonical, rows := range fetched {
		if err := backend.Set(ctx, backendKey(assoc, canonical), cloneRows(rows), u.engine.opts.BackendTTL); err != nil {
			u.logger.Debug("cache backend rejected entry",
				slog.String("association", assoc.ID()),
				slog.String("error", err.Error()),
			)
		}
	}
}

func cloneRows(rows []schema.Row) []schema.Row {
	out := make([]schema.Row, len(rows))
	for i, row := range rows {
		clone := make(schema.Row, len(row))
		for k, v := range row {
			clone[k] = v
		}
		out[i] = clone
	}
	return out
}
