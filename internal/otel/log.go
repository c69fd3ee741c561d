package otel

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// TraceContextFrom returns trace_id and span_id from the span in ctx, if any.
func TraceContextFrom(ctx context.Context) (traceID, spanID string) {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}

// LogTraceFields returns a zerolog hook adding trace_id and span_id when ctx
// carries a valid span, so turn logs line up with exported traces:
//
//	log.Info().Func(otel.LogTraceFields(ctx)).Str("turn_id", id).Msg("turn_started")
//
// Nothing is added when tracing is disabled.
func LogTraceFields(ctx context.Context) func(e *zerolog.Event) {
	return func(e *zerolog.Event) {
		if traceID, spanID := TraceContextFrom(ctx); traceID != "" {
			e.Str("trace_id", traceID).Str("span_id", spanID)
		}
	}
}
