package resolver

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "lazybatch/resolver"

// startSpan opens a resolver span tagged with the unit-of-work ID.
func (u *UnitOfWork) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name,
		trace.WithAttributes(attribute.String("resolver.unit_of_work", u.id)),
		trace.WithAttributes(attrs...),
	)
}

// endSpan records the outcome of a resolver span. Batch failures also carry
// the number of owners moved to Failed.
func endSpan(span trace.Span, err error) {
	if err == nil {
		span.SetAttributes(attribute.String("resolver.outcome", "success"))
		span.End()
		return
	}
	var bfe *BatchFetchError
	if errors.As(err, &bfe) {
		span.SetAttributes(attribute.Int("resolver.failed_owners", bfe.Owners))
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("resolver.outcome", "error"))
	span.End()
}
