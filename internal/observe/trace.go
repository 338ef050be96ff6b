package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of every talkback span.
const tracerName = "github.com/MrWong99/talkback"

// Span attribute keys for conversation sessions.
const (
	AttrAgentID   = attribute.Key("talkback.agent_id")
	AttrSessionID = attribute.Key("talkback.session_id")
	AttrAttempt   = attribute.Key("talkback.connect.attempt")
)

// Tracer returns the talkback tracer from the global provider. The provider
// is looked up on every call so [InitProvider] may run after package init.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. The caller must End it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartSessionSpan starts a span for an operation on a conversation with
// agentID. The agent is recorded as [AttrAgentID].
func StartSessionSpan(ctx context.Context, name, agentID string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	opts = append([]trace.SpanStartOption{trace.WithAttributes(AttrAgentID.String(agentID))}, opts...)
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID returns the trace ID of the span in ctx, or "" without one.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger is LoggerFrom(ctx, nil).
func Logger(ctx context.Context) *slog.Logger {
	return LoggerFrom(ctx, nil)
}

// LoggerFrom adds trace_id and span_id from ctx to base, so component
// loggers keep their attributes. A nil base means [slog.Default]. Without a
// span base is returned unchanged.
func LoggerFrom(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return base
	}
	return base.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
