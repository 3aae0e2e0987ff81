package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/strata"

// Span attributes set by substrate operations.
const (
	ConceptKey   = attribute.Key("strata.concept")
	FragmentsKey = attribute.Key("strata.fragments")
	MissingKey   = attribute.Key("strata.recall.missing")
	CycleKey     = attribute.Key("strata.sleep.cycle")
	RunesKey     = attribute.Key("strata.text.runes")
)

// Tracer returns the strata tracer from the global [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartOp starts the internal span of one substrate operation, named
// "substrate.<op>", carrying attrs.
func StartOp(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "substrate."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...))
}

// EndOp marks span as failed when err is non-nil, then ends it.
func EndOp(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID returns the trace ID of the span in ctx, or "" outside a
// sampled or recording trace.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger, tagged with trace_id and span_id when
// ctx carries a span.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}

// Component is [Logger] tagged with a component name. Swallowed store and
// embedder failures are logged through it.
func Component(ctx context.Context, name string) *slog.Logger {
	return Logger(ctx).With(slog.String("component", name))
}
