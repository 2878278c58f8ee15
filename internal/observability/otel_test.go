package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInitMeterProvider(t *testing.T) {
	mp, err := InitMeterProvider(Config{
		ServiceName:    "test-service",
		ServiceVersion: "1.0.0",
		Environment:    "test",
	})
	require.NoError(t, err)
	require.NotNil(t, mp.provider)
	require.NotNil(t, mp.exporter)

	assert.NoError(t, mp.Shutdown(context.Background(), discardLogger()))
}

func TestResolverMetrics_RecordsToReader(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	metrics, err := NewResolverMetricsWithMeter(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	metrics.RecordBulkFetch(ctx, "authors.books", 100, 340)
	metrics.RecordBulkFetch(ctx, "authors.books", 50, 120)
	metrics.RecordCacheHit(ctx, "authors.books")
	metrics.RecordQueriesSaved(ctx, "authors.books", 147)
	metrics.RecordQueriesSaved(ctx, "authors.books", 0)
	metrics.RecordBackendHits(ctx, "authors.books", 0)
	metrics.RecordLoad(ctx, "authors", 12*time.Millisecond, false)
	metrics.UnitOfWorkOpened(ctx)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	sums := map[string]int64{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(2), sums["lazybatch.batch.fetches"])
	assert.Equal(t, int64(1), sums["lazybatch.cache.hits"])
	assert.Equal(t, int64(147), sums["lazybatch.batch.queries_saved"])
	assert.Equal(t, int64(1), sums["lazybatch.loads.total"])
	assert.Equal(t, int64(1), sums["lazybatch.units_of_work.active"])
	_, recorded := sums["lazybatch.backend.hits"]
	assert.False(t, recorded)
}

func TestParseOTLPProtocol(t *testing.T) {
	p, err := parseOTLPProtocol("")
	require.NoError(t, err)
	assert.Equal(t, otlpProtocolGRPC, p)

	p, err = parseOTLPProtocol("HTTP")
	require.NoError(t, err)
	assert.Equal(t, otlpProtocolHTTP, p)

	_, err = parseOTLPProtocol("thrift")
	assert.ErrorContains(t, err, "unsupported OTLP protocol")
}

func TestBuildTLSConfig_FileNotFound(t *testing.T) {
	_, err := buildTLSConfig(OTLPExporterConfig{
		TLSCertFile: "/nonexistent/ca.pem",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read OTLP TLS CA file")
}

func TestBuildTLSConfig_InvalidCertFormat(t *testing.T) {
	path := t.TempDir() + "/ca.pem"
	require.NoError(t, os.WriteFile(path, []byte("not-a-cert"), 0600))

	_, err := buildTLSConfig(OTLPExporterConfig{
		TLSCertFile: path,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse OTLP TLS CA file")
}

func TestBuildTLSConfig_MissingClientKeyPair(t *testing.T) {
	path := t.TempDir() + "/client.crt"
	require.NoError(t, os.WriteFile(path, []byte("not-a-cert"), 0600))

	_, err := buildTLSConfig(OTLPExporterConfig{
		TLSClientCertFile: path,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OTLP TLS client cert and key must both be set")
}

func TestExporterOptions_InsecureSkipsTLS(t *testing.T) {
	cfg := OTLPExporterConfig{
		Endpoint:         "http://collector:4318",
		Insecure:         true,
		Headers:          map[string]string{"x-token": "t"},
		Timeout:          time.Second,
		Compression:      "gzip",
		RetryEnabled:     true,
		RetryMaxAttempts: 3,
		TLSCertFile:      "/nonexistent/ca.pem",
	}
	traceOpts, err := httpTraceOptions(cfg)
	require.NoError(t, err)
	assert.Len(t, traceOpts, 6)

	logOpts, err := grpcLogOptions(cfg)
	require.NoError(t, err)
	assert.Len(t, logOpts, 6)

	cfg.Insecure = false
	_, err = grpcTraceOptions(cfg)
	assert.Error(t, err, "TLS files are read when the exporter is secure")
}

func TestTraceSamplerForRatio_Boundaries(t *testing.T) {
	never := traceSamplerForRatio(0)
	always := traceSamplerForRatio(1)

	decisionNever := never.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       trace.TraceID{1},
		Name:          "test",
	}).Decision
	assert.Equal(t, sdktrace.Drop, decisionNever)

	decisionAlways := always.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       trace.TraceID{2},
		Name:          "test",
	}).Decision
	assert.Equal(t, sdktrace.RecordAndSample, decisionAlways)
}

func TestTraceSamplerForRatio_ParentAwareMidRange(t *testing.T) {
	sampler := traceSamplerForRatio(0.5)

	parentSampled := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{3},
		SpanID:     trace.SpanID{1},
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	}))
	decision := sampler.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: parentSampled,
		TraceID:       trace.TraceID{4},
		Name:          "child",
	}).Decision
	assert.Equal(t, sdktrace.RecordAndSample, decision)

	parentNotSampled := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{5},
		SpanID:  trace.SpanID{2},
		Remote:  true,
	}))
	decision = sampler.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: parentNotSampled,
		TraceID:       trace.TraceID{6},
		Name:          "child",
	}).Decision
	assert.Equal(t, sdktrace.Drop, decision)
}
