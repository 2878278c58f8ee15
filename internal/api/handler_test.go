package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lazybatch/internal/logging"
	"lazybatch/internal/middleware"
	"lazybatch/internal/planner"
	"lazybatch/internal/resolver"
	"lazybatch/internal/schema"
	"lazybatch/internal/sqlutil"
	"lazybatch/internal/testutil"
)

var fromTable = regexp.MustCompile("FROM `(\\w+)`")

// memoryStore serves root rows per table and association rows per join key.
type memoryStore struct {
	mu      sync.Mutex
	roots   map[string][]schema.Row
	targets map[string]map[string][]schema.Row
	calls   []string
	widths  []int
	failErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		roots:   make(map[string][]schema.Row),
		targets: make(map[string]map[string][]schema.Row),
	}
}

func (m *memoryStore) addTarget(assocID string, key schema.Key, row schema.Row) {
	byKey := m.targets[assocID]
	if byKey == nil {
		byKey = make(map[string][]schema.Row)
		m.targets[assocID] = byKey
	}
	byKey[key.Canonical()] = append(byKey[key.Canonical()], row)
}

func (m *memoryStore) Execute(_ context.Context, query planner.SQLQuery) ([]schema.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	match := fromTable.FindStringSubmatch(query.SQL)
	if match == nil {
		return nil, fmt.Errorf("unexpected query %s", query.SQL)
	}
	return m.roots[match[1]], nil
}

func (m *memoryStore) ExecuteBatch(_ context.Context, assoc *schema.Association, keys []schema.Key) (map[string][]schema.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, assoc.ID())
	m.widths = append(m.widths, len(keys))
	if m.failErr != nil {
		return nil, m.failErr
	}
	grouped := make(map[string][]schema.Row)
	for _, key := range keys {
		if rows, ok := m.targets[assoc.ID()][key.Canonical()]; ok {
			grouped[key.Canonical()] = rows
		}
	}
	return grouped, nil
}

// seedLibrary stores n authors with two books each; every book has one review.
func seedLibrary(store *memoryStore, n int) {
	for a := 1; a <= n; a++ {
		store.roots["authors"] = append(store.roots["authors"], schema.Row{"id": int64(a), "name": fmt.Sprintf("author-%d", a)})
		for _, b := range []int{10 * a, 10*a + 1} {
			store.addTarget("authors.books", schema.Key{int64(a)}, schema.Row{
				"id": int64(b), "author_id": int64(a), "title": fmt.Sprintf("book-%d", b),
			})
			store.addTarget("books.reviews", schema.Key{int64(b)}, schema.Row{
				"id": int64(100 * b), "book_id": int64(b), "stars": int64(5),
			})
		}
	}
}

func newTestHandler(t *testing.T, store *memoryStore) *Handler {
	t.Helper()
	engine := resolver.NewEngine(testutil.LibraryRegistry(t), store, sqlutil.MySQL, resolver.Options{MaxBatchWidth: 100})
	return NewHandler(engine, Config{DefaultLimit: 50, MaxLimit: 500})
}

func postLoad(t *testing.T, handler http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/load", bytes.NewBufferString(body))
	handler.ServeHTTP(rr, req)
	return rr
}

type loadResult struct {
	Data    []map[string]any `json:"data"`
	Metrics resolver.Metrics `json:"metrics"`
	Error   string           `json:"error"`
}

func decodeLoad(t *testing.T, rr *httptest.ResponseRecorder) loadResult {
	t.Helper()
	var out loadResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func TestLoad_NestedIncludesBatchPerLevel(t *testing.T) {
	store := newMemoryStore()
	seedLibrary(store, 3)
	h := newTestHandler(t, store)

	rr := postLoad(t, http.HandlerFunc(h.Load), `{"type":"authors","include":[{"path":"books.reviews"}]}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	out := decodeLoad(t, rr)
	require.Len(t, out.Data, 3)
	assert.Equal(t, []string{"authors.books", "books.reviews"}, store.calls)
	assert.Equal(t, []int{3, 6}, store.widths)

	books, ok := out.Data[0]["books"].([]any)
	require.True(t, ok)
	require.Len(t, books, 2)
	first := books[0].(map[string]any)
	assert.Equal(t, "book-10", first["title"])
	reviews := first["reviews"].([]any)
	require.Len(t, reviews, 1)
	assert.EqualValues(t, 1000, reviews[0].(map[string]any)["id"])

	assert.Equal(t, 1, out.Metrics.RootQueries)
	assert.Equal(t, 2, out.Metrics.BulkFetches)
	assert.Equal(t, 9, out.Metrics.Registrations)
}

func TestLoad_BatchWidthChunksEachLevel(t *testing.T) {
	store := newMemoryStore()
	seedLibrary(store, 5)
	h := newTestHandler(t, store)

	rr := postLoad(t, http.HandlerFunc(h.Load), `{"type":"authors","include":[{"path":"books","mode":"lazy_batch"}],"batch_width":2}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	if diff := cmp.Diff([]int{2, 2, 1}, store.widths); diff != "" {
		t.Fatalf("chunk widths mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_OwnerWithoutTargets(t *testing.T) {
	store := newMemoryStore()
	store.roots["books"] = []schema.Row{
		{"id": int64(1), "author_id": nil, "title": "anonymous"},
		{"id": int64(2), "author_id": int64(7), "title": "signed"},
	}
	store.roots["authors"] = nil
	store.addTarget("books.author", schema.Key{int64(7)}, schema.Row{"id": int64(7), "name": "seven"})
	h := newTestHandler(t, store)

	rr := postLoad(t, http.HandlerFunc(h.Load), `{"type":"books","include":[{"path":"author"},{"path":"reviews"}]}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	out := decodeLoad(t, rr)
	require.Len(t, out.Data, 2)
	assert.Nil(t, out.Data[0]["author"])
	assert.Equal(t, []any{}, out.Data[0]["reviews"])
	author := out.Data[1]["author"].(map[string]any)
	assert.Equal(t, "seven", author["name"])
	assert.Equal(t, []int{1, 2}, store.widths, "the NULL author key is never fetched")
}

func TestLoad_LazyChildUnderEagerParent(t *testing.T) {
	for _, includes := range []string{
		`[{"path":"books","mode":"eager"},{"path":"books.reviews"}]`,
		`[{"path":"books.reviews"},{"path":"books","mode":"eager"}]`,
	} {
		t.Run(includes, func(t *testing.T) {
			store := newMemoryStore()
			seedLibrary(store, 2)
			store.roots["authors"] = []schema.Row{
				{"id": int64(1), "name": "author-1", "__eager_0_id": int64(10), "__eager_0_author_id": int64(1), "__eager_0_title": "book-10"},
				{"id": int64(1), "name": "author-1", "__eager_0_id": int64(11), "__eager_0_author_id": int64(1), "__eager_0_title": "book-11"},
				{"id": int64(2), "name": "author-2", "__eager_0_id": int64(20), "__eager_0_author_id": int64(2), "__eager_0_title": "book-20"},
			}
			h := newTestHandler(t, store)

			rr := postLoad(t, http.HandlerFunc(h.Load), `{"type":"authors","include":`+includes+`}`)
			require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

			assert.Equal(t, []string{"books.reviews"}, store.calls, "books come from the root join")
			assert.Equal(t, []int{3}, store.widths)

			out := decodeLoad(t, rr)
			require.Len(t, out.Data, 2)
			books := out.Data[0]["books"].([]any)
			require.Len(t, books, 2)
			reviews := books[1].(map[string]any)["reviews"].([]any)
			require.Len(t, reviews, 1)
			assert.EqualValues(t, 1100, reviews[0].(map[string]any)["id"])
			assert.Equal(t, 1, out.Metrics.BulkFetches)
		})
	}
}

func TestLoad_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		method string
		body   string
		fail   error
		status int
		errMsg string
	}{
		{name: "unknown type", body: `{"type":"publishers"}`, status: http.StatusBadRequest, errMsg: "unknown type"},
		{name: "unknown association", body: `{"type":"authors","include":[{"path":"books.editor"}]}`, status: http.StatusBadRequest, errMsg: "unknown association"},
		{name: "conflicting modes", body: `{"type":"authors","include":[{"path":"books","mode":"eager"},{"path":"books","mode":"lazy"}]}`, status: http.StatusBadRequest, errMsg: "invalid fetch plan"},
		{name: "nested path conflicts with its parent", body: `{"type":"authors","include":[{"path":"books"},{"path":"books.reviews","mode":"eager"}]}`, status: http.StatusBadRequest, errMsg: "invalid fetch plan"},
		{name: "bad mode", body: `{"type":"authors","include":[{"path":"books","mode":"sometimes"}]}`, status: http.StatusBadRequest, errMsg: "unknown fetch mode"},
		{name: "empty segment", body: `{"type":"authors","include":[{"path":"books..reviews"}]}`, status: http.StatusBadRequest, errMsg: "empty segment"},
		{name: "malformed body", body: `{"type":`, status: http.StatusBadRequest, errMsg: "invalid request body"},
		{name: "unknown field", body: `{"type":"authors","fields":["id"]}`, status: http.StatusBadRequest, errMsg: "invalid request body"},
		{name: "limit above max", body: `{"type":"authors","limit":501}`, status: http.StatusBadRequest, errMsg: "exceeds the maximum"},
		{name: "batch width above max", body: `{"type":"authors","batch_width":101}`, status: http.StatusBadRequest, errMsg: "exceeds the maximum"},
		{name: "unknown filter column", body: `{"type":"authors","where":{"age":3}}`, status: http.StatusBadRequest, errMsg: "unknown filter column"},
		{name: "object filter", body: `{"type":"authors","where":{"name":{"like":"a%"}}}`, status: http.StatusBadRequest, errMsg: "must be a scalar"},
		{name: "storage failure", body: `{"type":"authors","include":[{"path":"books"}]}`, fail: errors.New("connection reset"), status: http.StatusBadGateway, errMsg: "association batch fetch failed"},
		{name: "wrong method", method: http.MethodGet, status: http.StatusMethodNotAllowed, errMsg: "method not allowed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemoryStore()
			seedLibrary(store, 2)
			store.failErr = tt.fail
			h := newTestHandler(t, store)

			method := tt.method
			if method == "" {
				method = http.MethodPost
			}
			rr := httptest.NewRecorder()
			h.Load(rr, httptest.NewRequest(method, "/v1/load", bytes.NewBufferString(tt.body)))

			assert.Equal(t, tt.status, rr.Code)
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
			assert.Contains(t, decodeLoad(t, rr).Error, tt.errMsg)
		})
	}
}

func TestLoad_StorageFailureNamesAssociationOnly(t *testing.T) {
	store := newMemoryStore()
	seedLibrary(store, 2)
	store.failErr = errors.New("dial tcp 10.0.0.7:4000: connection refused")
	h := newTestHandler(t, store)

	rr := postLoad(t, http.HandlerFunc(h.Load), `{"type":"authors","include":[{"path":"books"}]}`)

	require.Equal(t, http.StatusBadGateway, rr.Code)
	assert.NotContains(t, rr.Body.String(), "10.0.0.7")
	assert.Contains(t, rr.Body.String(), `"association":"authors.books"`)
}

func TestLoad_UsesRequestUnitOfWork(t *testing.T) {
	store := newMemoryStore()
	seedLibrary(store, 1)
	h := newTestHandler(t, store)

	handler := middleware.LoggingMiddleware(logging.Discard())(
		middleware.UnitOfWorkMiddleware(h.engine)(http.HandlerFunc(h.Load)),
	)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/load", bytes.NewBufferString(`{"type":"authors"}`))
	req.Header.Set(middleware.RequestIDHeader, "req-7")
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "req-7", decodeLoad(t, rr).Metrics.ID)
}

func TestSchema_ListsTypesAndAssociations(t *testing.T) {
	h := newTestHandler(t, newMemoryStore())
	mux := http.NewServeMux()
	h.Routes(mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/schema", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp SchemaResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Types, 3)
	books := resp.Types[1]
	assert.Equal(t, "books", books.Name)
	want := []AssociationInfo{
		{Name: "author", Target: "authors", Cardinality: "one", Direction: "outbound", LocalColumns: []string{"author_id"}, RemoteColumns: []string{"id"}},
		{Name: "reviews", Target: "reviews", Cardinality: "many", Direction: "inbound", LocalColumns: []string{"id"}, RemoteColumns: []string{"book_id"}},
	}
	if diff := cmp.Diff(want, books.Associations); diff != "" {
		t.Fatalf("associations mismatch (-want +got):\n%s", diff)
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/v1/schema", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestNormalizeValue(t *testing.T) {
	assert.Equal(t, int64(3), normalizeValue(float64(3)))
	assert.Equal(t, 2.5, normalizeValue(2.5))
	assert.Equal(t, []any{int64(1), "x"}, normalizeValue([]any{float64(1), "x"}))
	assert.Equal(t, "abc", normalizeValue("abc"))
}
