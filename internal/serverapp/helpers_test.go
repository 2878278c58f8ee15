package serverapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lazybatch/internal/config"
	"lazybatch/internal/sqlutil"
	"lazybatch/internal/testutil"
)

func declaredConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{HealthCheckTimeout: time.Second},
		Resolver: config.ResolverConfig{
			MaxBatchWidth: 50,
			DefaultLimit:  10,
			MaxLimit:      100,
			ResultCache: config.ResultCacheConfig{
				Enabled:      true,
				TTL:          time.Minute,
				MaxSizeBytes: 1 << 20,
			},
		},
		Schema: config.SchemaConfig{Definitions: testutil.LibraryDefinitions()},
	}
}

func TestBuildRegistry_DeclaredOnly(t *testing.T) {
	reg, err := buildRegistry(context.Background(), declaredConfig(), testLogger(), nil, "library")
	require.NoError(t, err)

	assert.Len(t, reg.Types(), 3)
	_, ok := reg.Association("books", "reviews")
	assert.True(t, ok)
}

func TestBuildRegistry_EmptyIsAnError(t *testing.T) {
	_, err := buildRegistry(context.Background(), &config.Config{}, testLogger(), nil, "library")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no entity types registered")
}

func TestBuildEngine_WiresResultCache(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cfg := declaredConfig()
	reg, err := buildRegistry(context.Background(), cfg, testLogger(), nil, "library")
	require.NoError(t, err)

	engine, backend := buildEngine(cfg, testLogger(), db, reg, sqlutil.MySQL, nil)
	require.NotNil(t, backend)
	assert.Equal(t, 50, engine.MaxBatchWidth())

	cfg.Resolver.ResultCache.Enabled = false
	_, backend = buildEngine(cfg, testLogger(), db, reg, sqlutil.MySQL, nil)
	assert.Nil(t, backend)
}

func TestBuildRouter_ServesLoadSchemaAndHealth(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	cfg := declaredConfig()
	cfg.Resolver.ResultCache.Enabled = false
	reg, err := buildRegistry(context.Background(), cfg, testLogger(), nil, "library")
	require.NoError(t, err)
	engine, _ := buildEngine(cfg, testLogger(), db, reg, sqlutil.MySQL, nil)
	mux := buildRouter(cfg, testLogger(), db, engine, nil)

	mock.ExpectQuery("SELECT .* FROM `authors`").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).
			AddRow(int64(1), []byte("Ursula")).
			AddRow(int64(2), []byte("Iain")))
	mock.ExpectQuery("SELECT .* FROM `books`").
		WillReturnRows(sqlmock.NewRows([]string{"id", "author_id", "title", "__batch_parent_id"}).
			AddRow(int64(10), int64(1), []byte("The Dispossessed"), int64(1)))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/load", bytes.NewBufferString(`{"type":"authors","include":[{"path":"books"}]}`))
	mux.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))

	var body struct {
		Data    []map[string]any `json:"data"`
		Metrics struct {
			RootQueries int `json:"root_queries"`
			BulkFetches int `json:"bulk_fetches"`
		} `json:"metrics"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Data, 2)
	assert.Len(t, body.Data[0]["books"], 1)
	assert.Empty(t, body.Data[1]["books"])
	assert.Equal(t, 1, body.Metrics.RootQueries)
	assert.Equal(t, 1, body.Metrics.BulkFetches)

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/schema", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"name":"authors"`)

	mock.ExpectPing()
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"healthy","database":"ok"}`, rr.Body.String())

	mock.ExpectPing().WillReturnError(errors.New("gone"))
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code, "metrics are disabled")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWaitForDatabase_RetriesUntilTimeout(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	cfg := &config.Config{Database: config.DatabaseConfig{
		ConnectionTimeout:       30 * time.Millisecond,
		ConnectionRetryInterval: 10 * time.Millisecond,
	}}
	for i := 0; i < 10; i++ {
		mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	}

	err = waitForDatabase(context.Background(), cfg, testLogger(), db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database not available")
}

func TestWaitForDatabase_SucceedsAfterRetry(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	cfg := &config.Config{Database: config.DatabaseConfig{
		ConnectionTimeout:       time.Second,
		ConnectionRetryInterval: time.Millisecond,
	}}
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	mock.ExpectPing()

	require.NoError(t, waitForDatabase(context.Background(), cfg, testLogger(), db))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInitLogger_WithoutExport(t *testing.T) {
	cfg := &config.Config{Observability: config.ObservabilityConfig{
		ServiceName: "lazybatch",
		Logging:     config.LoggingConfig{Level: "warn", Format: "json"},
	}}
	logger, provider, err := InitLogger(cfg)
	require.NoError(t, err)
	assert.Nil(t, provider)
	assert.False(t, logger.Enabled(context.Background(), -4))
}
