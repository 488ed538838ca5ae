// Package tracing wraps the global OpenTelemetry tracer used around mutating
// service operations. Without a registered provider the spans are no-ops.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	dErrors "cardvault/pkg/domain-errors"
)

const instrumentation = "cardvault"

// Start opens a span named op.
func Start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, op, trace.WithAttributes(attrs...))
}

// End records err on span, tagged with its domain code, and closes it.
func End(span trace.Span, err error) {
	if err != nil {
		span.SetAttributes(attribute.String("error.code", string(dErrors.CodeOf(err))))
		span.RecordError(err)
		span.SetStatus(codes.Error, dErrors.MessageOf(err))
	}
	span.End()
}

// IDs returns the trace and span id of the active span, or empty strings.
func IDs(ctx context.Context) (traceID, spanID string) {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}
