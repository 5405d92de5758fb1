package observe

import (
	"context"
	"log/slog"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxclone/internal/apperr"
)

const tracerName = "github.com/MrWong99/voxclone"

// Tracer returns the voxclone tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named after the operation. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID identifies the request ctx belongs to. The trace ID is
// preferred; without a sampled span the router's request ID is used.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return chimiddleware.GetReqID(ctx)
}

// Logger returns the default logger annotated with the trace and request
// identifiers carried by ctx.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(slog.String("trace_id", sc.TraceID().String()))
	}
	if id := chimiddleware.GetReqID(ctx); id != "" {
		l = l.With(slog.String("request_id", id))
	}
	return l
}

// SpanError marks span failed. Classified errors also tag the span with
// their kind and code so failures can be grouped without parsing messages.
func SpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if e, ok := apperr.As(err); ok {
		span.SetAttributes(
			attribute.String("error.kind", string(e.Kind)),
			attribute.String("error.code", string(e.Code)),
		)
	}
}
