package skew

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

type lineageKey struct{}

// WithLineageID tags calls made with ctx as part of one logical chain.
func WithLineageID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, lineageKey{}, id)
}

// LineageID returns the lineage id of ctx: the one set by WithLineageID,
// else the trace id of the active OpenTelemetry span, else "".
func LineageID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(lineageKey{}).(string); ok && id != "" {
		return id
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}
