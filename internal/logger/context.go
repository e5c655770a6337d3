package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// appendContextFields prepends the trace and span ids of the span in ctx.
func appendContextFields(ctx context.Context, args []any) []any {
	if ctx == nil {
		return args
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return args
	}
	out := make([]any, 0, 4+len(args))
	out = append(out, KeyTraceID, sc.TraceID().String(), KeySpanID, sc.SpanID().String())
	return append(out, args...)
}
