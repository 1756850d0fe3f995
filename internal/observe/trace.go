package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope for all spans emitted by Lumora.
const tracerName = "github.com/lumora-ai/lumora"

// Span attribute keys for the tutoring domain. Handlers and services attach
// these so a trace can be filtered by the session, course, or chat route it
// served rather than by raw URL.
const (
	AttrSessionID = attribute.Key("lumora.session_id")
	AttrCourseID  = attribute.Key("lumora.course_id")
	AttrRoute     = attribute.Key("lumora.route")
	AttrTaskID    = attribute.Key("lumora.task_id")
)

// Tracer returns the Lumora tracer from the globally registered provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span under the Lumora tracer. The caller owns the
// returned span and must End it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID returns the active trace ID, or "" when ctx carries no valid
// span. The trace ID doubles as the correlation identifier clients receive in
// the X-Correlation-ID response header, so a user-reported ID leads straight
// to the trace.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default [slog.Logger] annotated with trace_id and
// span_id from ctx, so service log lines land next to their trace. Without an
// active span it is the default logger unchanged.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
