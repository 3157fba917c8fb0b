package observe

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/captioner"

// Span attribute keys for per-chunk spans.
const (
	AttrSessionID     = attribute.Key("captioner.session_id")
	AttrChunk         = attribute.Key("captioner.chunk")
	AttrChunkOffset   = attribute.Key("captioner.chunk.offset_s")
	AttrChunkDuration = attribute.Key("captioner.chunk.duration_s")
)

// Tracer returns the application tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// ChunkSpan describes the chunk a span covers. Zero fields are not recorded.
type ChunkSpan struct {
	SessionID string
	Index     int
	Offset    time.Duration
	Duration  time.Duration
}

func (c ChunkSpan) attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrChunkOffset.Float64(c.Offset.Seconds()),
		AttrChunkDuration.Float64(c.Duration.Seconds()),
	}
	if c.SessionID != "" {
		attrs = append(attrs, AttrSessionID.String(c.SessionID))
	}
	if c.Index > 0 {
		attrs = append(attrs, AttrChunk.Int(c.Index))
	}
	return attrs
}

// StartChunkSpan starts a span named name carrying the attributes of c.
func StartChunkSpan(ctx context.Context, name string, c ChunkSpan) (context.Context, trace.Span) {
	return StartSpan(ctx, name, trace.WithAttributes(c.attributes()...))
}

// CorrelationID returns the trace ID of the span in ctx, or "" when there is
// none. It is echoed to HTTP clients and attached to per-chunk logs.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns an [slog.Logger] enriched with trace_id and span_id from
// the OTel span context in ctx. When no active span is present, the returned
// logger is the default slog logger without extra attributes.
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

// ChunkLogger returns [Logger] for ctx with the session and chunk index
// attached.
func ChunkLogger(ctx context.Context, sessionID string, chunk int) *slog.Logger {
	return Logger(ctx).With(slog.String("session_id", sessionID), slog.Int("chunk", chunk))
}
