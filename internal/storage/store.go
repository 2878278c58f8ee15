// Package storage executes planned queries against the relational store.
package storage

import (
	"context"
	"fmt"
	"strings"

	"lazybatch/internal/dbexec"
	"lazybatch/internal/explain"
	"lazybatch/internal/planner"
	"lazybatch/internal/schema"
	"lazybatch/internal/sqlutil"
)

// Executor is the storage surface the resolver depends on.
type Executor interface {
	// Execute runs a planned query and returns its rows.
	Execute(ctx context.Context, query planner.SQLQuery) ([]schema.Row, error)

	// ExecuteBatch loads the targets of assoc for every owner join key in
	// keys with one query. Rows are grouped by canonical join key; keys
	// without targets are absent from the result.
	ExecuteBatch(ctx context.Context, assoc *schema.Association, keys []schema.Key) (map[string][]schema.Row, error)
}

// SQLStore implements Executor over a dbexec.QueryExecutor.
type SQLStore struct {
	exec     dbexec.QueryExecutor
	registry *schema.Registry
	dialect  sqlutil.Dialect
	explain  *explain.Analyzer
}

// Option configures a SQLStore.
type Option func(*SQLStore)

// WithExplain checks every new batch query shape with EXPLAIN.
func WithExplain(analyzer *explain.Analyzer) Option {
	return func(s *SQLStore) {
		s.explain = analyzer
	}
}

// NewSQLStore creates a store for the given registry and dialect.
func NewSQLStore(exec dbexec.QueryExecutor, registry *schema.Registry, dialect sqlutil.Dialect, opts ...Option) *SQLStore {
	s := &SQLStore{exec: exec, registry: registry, dialect: dialect}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dialect returns the SQL dialect queries must be planned for.
func (s *SQLStore) Dialect() sqlutil.Dialect {
	return s.dialect
}

// Execute runs query and scans every row.
func (s *SQLStore) Execute(ctx context.Context, query planner.SQLQuery) ([]schema.Row, error) {
	if query.IsEmpty() {
		return nil, nil
	}
	rows, err := s.exec.QueryContext(ctx, query.SQL, query.Args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	maps, err := dbexec.ScanMaps(rows)
	if err != nil {
		return nil, err
	}
	out := make([]schema.Row, len(maps))
	for i, m := range maps {
		out[i] = schema.Row(m)
	}
	return out, nil
}

// ExecuteBatch plans and runs the bulk query for assoc.
func (s *SQLStore) ExecuteBatch(ctx context.Context, assoc *schema.Association, keys []schema.Key) (map[string][]schema.Row, error) {
	target, err := s.registry.Type(assoc.Target)
	if err != nil {
		return nil, err
	}
	query, err := planner.PlanBatchFetch(s.dialect, target, assoc, keys)
	if err != nil {
		return nil, fmt.Errorf("plan batch for %s: %w", assoc.ID(), err)
	}
	grouped := make(map[string][]schema.Row)
	if query.IsEmpty() {
		return grouped, nil
	}
	if s.explain != nil {
		s.explain.Check(ctx, query)
	}

	rows, err := s.Execute(ctx, query)
	if err != nil {
		return nil, err
	}
	width := len(assoc.RemoteColumns)
	for _, row := range rows {
		key, stripped, err := planner.SplitBatchRow(row, width)
		if err != nil {
			return nil, err
		}
		canonical := key.Canonical()
		grouped[canonical] = append(grouped[canonical], stripped)
	}
	if s.dialect.FoldsCase {
		foldKeys(grouped, keys)
	}
	return grouped, nil
}

// foldKeys moves rows filed under a key nobody asked for to the requested
// keys that equal it ignoring case. Exact matches are left alone.
func foldKeys(grouped map[string][]schema.Row, requested []schema.Key) {
	wanted := make(map[string]struct{}, len(requested))
	for _, key := range requested {
		wanted[key.Canonical()] = struct{}{}
	}
	for got, rows := range grouped {
		if _, ok := wanted[got]; ok {
			continue
		}
		matched := false
		for want := range wanted {
			if strings.EqualFold(got, want) {
				grouped[want] = append(grouped[want], rows...)
				matched = true
			}
		}
		if matched {
			delete(grouped, got)
		}
	}
}
