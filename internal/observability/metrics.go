package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "lazybatch"

// ResolverMetrics holds process-wide instruments for association loading.
type ResolverMetrics struct {
	loadDuration    metric.Float64Histogram
	loadCounter     metric.Int64Counter
	bulkFetches     metric.Int64Counter
	bulkFetchErrors metric.Int64Counter
	batchOwnerCount metric.Int64Histogram
	batchResultRows metric.Int64Histogram
	cacheHits       metric.Int64Counter
	cacheMisses     metric.Int64Counter
	backendHits     metric.Int64Counter
	queriesSaved    metric.Int64Counter
	activeUnits     metric.Int64UpDownCounter
}

// NewResolverMetrics creates the instruments on the global meter provider.
func NewResolverMetrics() (*ResolverMetrics, error) {
	return NewResolverMetricsWithMeter(otel.Meter(meterName))
}

// NewResolverMetricsWithMeter creates the instruments on meter.
func NewResolverMetricsWithMeter(meter metric.Meter) (*ResolverMetrics, error) {
	m := &ResolverMetrics{}
	var err error

	if m.loadDuration, err = meter.Float64Histogram(
		"lazybatch.load.duration",
		metric.WithDescription("Duration of root loads in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("failed to create load duration histogram: %w", err)
	}
	if m.loadCounter, err = meter.Int64Counter(
		"lazybatch.loads.total",
		metric.WithDescription("Total number of root loads"),
	); err != nil {
		return nil, fmt.Errorf("failed to create load counter: %w", err)
	}
	if m.bulkFetches, err = meter.Int64Counter(
		"lazybatch.batch.fetches",
		metric.WithDescription("Number of bulk association fetches issued"),
	); err != nil {
		return nil, fmt.Errorf("failed to create bulk fetch counter: %w", err)
	}
	if m.bulkFetchErrors, err = meter.Int64Counter(
		"lazybatch.batch.failures",
		metric.WithDescription("Number of association batches that failed"),
	); err != nil {
		return nil, fmt.Errorf("failed to create batch failure counter: %w", err)
	}
	if m.batchOwnerCount, err = meter.Int64Histogram(
		"lazybatch.batch.owner_count",
		metric.WithDescription("Number of owner keys included in a bulk fetch"),
	); err != nil {
		return nil, fmt.Errorf("failed to create batch owner count histogram: %w", err)
	}
	if m.batchResultRows, err = meter.Int64Histogram(
		"lazybatch.batch.result_rows",
		metric.WithDescription("Number of rows returned by a bulk fetch"),
	); err != nil {
		return nil, fmt.Errorf("failed to create batch result rows histogram: %w", err)
	}
	if m.cacheHits, err = meter.Int64Counter(
		"lazybatch.cache.hits",
		metric.WithDescription("Association accesses answered from the unit-of-work cache"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cache hits counter: %w", err)
	}
	if m.cacheMisses, err = meter.Int64Counter(
		"lazybatch.cache.misses",
		metric.WithDescription("Association accesses that required a fetch"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cache misses counter: %w", err)
	}
	if m.backendHits, err = meter.Int64Counter(
		"lazybatch.backend.hits",
		metric.WithDescription("Owner keys answered by the cross-unit-of-work cache backend"),
	); err != nil {
		return nil, fmt.Errorf("failed to create backend hits counter: %w", err)
	}
	if m.queriesSaved, err = meter.Int64Counter(
		"lazybatch.batch.queries_saved",
		metric.WithDescription("Number of per-owner queries avoided by batching"),
	); err != nil {
		return nil, fmt.Errorf("failed to create queries saved counter: %w", err)
	}
	if m.activeUnits, err = meter.Int64UpDownCounter(
		"lazybatch.units_of_work.active",
		metric.WithDescription("Number of open units of work"),
	); err != nil {
		return nil, fmt.Errorf("failed to create active units of work counter: %w", err)
	}
	return m, nil
}

func assocAttr(assocID string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("association", assocID))
}

// RecordLoad records a root load and its outcome.
func (m *ResolverMetrics) RecordLoad(ctx context.Context, rootType string, duration time.Duration, failed bool) {
	attrs := metric.WithAttributes(
		attribute.String("root_type", rootType),
		attribute.Bool("has_errors", failed),
	)
	m.loadDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
	m.loadCounter.Add(ctx, 1, attrs)
}

// RecordBulkFetch records one bulk fetch of owners keys returning rows rows.
func (m *ResolverMetrics) RecordBulkFetch(ctx context.Context, assocID string, owners, rows int) {
	m.bulkFetches.Add(ctx, 1, assocAttr(assocID))
	m.batchOwnerCount.Record(ctx, int64(owners), assocAttr(assocID))
	m.batchResultRows.Record(ctx, int64(rows), assocAttr(assocID))
}

// RecordBatchFailure records a batch that transitioned to failed.
func (m *ResolverMetrics) RecordBatchFailure(ctx context.Context, assocID string) {
	m.bulkFetchErrors.Add(ctx, 1, assocAttr(assocID))
}

// RecordCacheHit records an access served by the unit-of-work cache.
func (m *ResolverMetrics) RecordCacheHit(ctx context.Context, assocID string) {
	m.cacheHits.Add(ctx, 1, assocAttr(assocID))
}

// RecordCacheMiss records an access that had to wait for a fetch.
func (m *ResolverMetrics) RecordCacheMiss(ctx context.Context, assocID string) {
	m.cacheMisses.Add(ctx, 1, assocAttr(assocID))
}

// RecordBackendHits records owner keys answered by the cache backend.
func (m *ResolverMetrics) RecordBackendHits(ctx context.Context, assocID string, count int) {
	if count <= 0 {
		return
	}
	m.backendHits.Add(ctx, int64(count), assocAttr(assocID))
}

// RecordQueriesSaved records per-owner queries avoided by batching.
func (m *ResolverMetrics) RecordQueriesSaved(ctx context.Context, assocID string, count int64) {
	if count <= 0 {
		return
	}
	m.queriesSaved.Add(ctx, count, assocAttr(assocID))
}

// UnitOfWorkOpened increments the open units of work gauge.
func (m *ResolverMetrics) UnitOfWorkOpened(ctx context.Context) {
	m.activeUnits.Add(ctx, 1)
}

// UnitOfWorkClosed decrements the open units of work gauge.
func (m *ResolverMetrics) UnitOfWorkClosed(ctx context.Context) {
	m.activeUnits.Add(ctx, -1)
}
