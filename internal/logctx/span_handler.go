package logctx

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpanHandler correlates log records with the active trace. Records emitted
// under a valid span carry its IDs, and error records mark the span itself,
// so a failed download is findable from either signal.
type SpanHandler struct {
	next slog.Handler
}

func NewSpanHandler(next slog.Handler) *SpanHandler {
	if next == nil {
		panic("logctx: NewSpanHandler called with nil handler")
	}

	return &SpanHandler{next: next}
}

func (h *SpanHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SpanHandler) Handle(ctx context.Context, record slog.Record) error {
	span := trace.SpanFromContext(ctx)

	if sc := span.SpanContext(); sc.IsValid() {
		record.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)

		if record.Level >= slog.LevelError {
			span.SetStatus(codes.Error, record.Message)
		}
	}

	return h.next.Handle(ctx, record)
}

func (h *SpanHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SpanHandler{next: h.next.WithAttrs(attrs)}
}

func (h *SpanHandler) WithGroup(name string) slog.Handler {
	return &SpanHandler{next: h.next.WithGroup(name)}
}
