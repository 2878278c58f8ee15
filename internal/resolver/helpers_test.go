package resolver

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"lazybatch/internal/planner"
	"lazybatch/internal/schema"
	"lazybatch/internal/sqlutil"
	"lazybatch/internal/testutil"
)

type batchCall struct {
	assoc string
	keys  []schema.Key
}

// fakeStore serves root rows and association rows from memory and records
// every bulk fetch.
type fakeStore struct {
	mu       sync.Mutex
	roots    []schema.Row
	targets  map[string]map[string][]schema.Row
	queries  []planner.SQLQuery
	calls    []batchCall
	failCall int
	failErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{targets: make(map[string]map[string][]schema.Row)}
}

func (f *fakeStore) addTarget(assocID string, key schema.Key, row schema.Row) {
	f.mu.Lock()
	defer f.mu.Unlock()

	byKey, ok := f.targets[assocID]
	if !ok {
		byKey = make(map[string][]schema.Row)
		f.targets[assocID] = byKey
	}
	byKey[key.Canonical()] = append(byKey[key.Canonical()], row)
}

// failOn makes the n-th bulk fetch (1-based) fail with err; zero fails every call.
func (f *fakeStore) failOn(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failCall = n
	f.failErr = err
}

func (f *fakeStore) Execute(_ context.Context, query planner.SQLQuery) ([]schema.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.queries = append(f.queries, query)
	return f.roots, nil
}

func (f *fakeStore) ExecuteBatch(_ context.Context, assoc *schema.Association, keys []schema.Key) (map[string][]schema.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, batchCall{assoc: assoc.ID(), keys: append([]schema.Key(nil), keys...)})
	if f.failErr != nil && (f.failCall == 0 || f.failCall == len(f.calls)) {
		return nil, f.failErr
	}
	grouped := make(map[string][]schema.Row)
	for _, key := range keys {
		if rows, ok := f.targets[assoc.ID()][key.Canonical()]; ok {
			grouped[key.Canonical()] = rows
		}
	}
	return grouped, nil
}

func (f *fakeStore) batchCalls() []batchCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]batchCall(nil), f.calls...)
}

func (f *fakeStore) chunkSizes() []int {
	calls := f.batchCalls()
	sizes := make([]int, len(calls))
	for i, call := range calls {
		sizes[i] = len(call.keys)
	}
	return sizes
}

func newTestEngine(t *testing.T, store *fakeStore, opts Options) *Engine {
	t.Helper()
	return NewEngine(testutil.LibraryRegistry(t), store, sqlutil.MySQL, opts)
}

func authorEntity(id int) *schema.Entity {
	key := schema.Key{int64(id)}
	return &schema.Entity{
		Ref:    schema.NewEntityRef("authors", key),
		Type:   "authors",
		Fields: schema.Row{"id": int64(id), "name": fmt.Sprintf("author-%d", id)},
	}
}

func bookEntity(id int, authorID any) *schema.Entity {
	return &schema.Entity{
		Ref:    schema.NewEntityRef("books", schema.Key{int64(id)}),
		Type:   "books",
		Fields: schema.Row{"id": int64(id), "author_id": authorID, "title": fmt.Sprintf("book-%d", id)},
	}
}

// seedAuthors returns n authors. Every author whose ID is not a multiple of
// three has two books with IDs 10*id and 10*id+1.
func seedAuthors(store *fakeStore, n int) []*schema.Entity {
	authors := make([]*schema.Entity, n)
	for i := 1; i <= n; i++ {
		authors[i-1] = authorEntity(i)
		if i%3 == 0 {
			continue
		}
		for _, bookID := range []int{10 * i, 10*i + 1} {
			store.addTarget("authors.books", schema.Key{int64(i)}, schema.Row{
				"id": int64(bookID), "author_id": int64(i), "title": fmt.Sprintf("book-%d", bookID),
			})
		}
	}
	return authors
}

func accessAll(t *testing.T, u *UnitOfWork, owners []*schema.Entity, name string) []*Placeholder {
	t.Helper()
	placeholders := make([]*Placeholder, len(owners))
	for i, owner := range owners {
		p, err := u.Access(owner, name)
		if err != nil {
			t.Fatalf("Access(%s, %s) failed: %v", owner.Ref, name, err)
		}
		placeholders[i] = p
	}
	return placeholders
}

func installResolverSpanRecorder(t *testing.T) (*tracetest.SpanRecorder, func()) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	tp.RegisterSpanProcessor(recorder)

	oldProvider := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)

	return recorder, func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(oldProvider)
	}
}

func findEndedSpanByName(spans []sdktrace.ReadOnlySpan, name string) sdktrace.ReadOnlySpan {
	for _, span := range spans {
		if span.Name() == name {
			return span
		}
	}
	return nil
}
