// Package tracing wraps a single otel.Tracer for the dispatch loop (§4.A).
// No SDK provider is configured here — without one, otel's global tracer
// hands back a no-op implementation, so every span is free until a caller
// wires a real exporter at process startup.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/nacosd/nacosd/pkg/codec"

var tracer = otel.Tracer(instrumentationName)

// StartDispatch opens a span for one envelope dispatch, tagged with the
// request type and connection id.
func StartDispatch(ctx context.Context, requestType, connectionID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "dispatch."+requestType,
		trace.WithAttributes(
			attribute.String("nacosd.request_type", requestType),
			attribute.String("nacosd.connection_id", connectionID),
		),
	)
}

// EndWithError records err on span (if non-nil) and closes it.
func EndWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
