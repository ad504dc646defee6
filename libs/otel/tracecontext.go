package otelx

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	traceparentKey = "traceparent"
	tracestateKey  = "tracestate"
)

// TraceContextStrings serializes the span in ctx so it can be stored next to a row (outbox)
// and resumed by whoever processes that row later. Both are empty without an active span.
func TraceContextStrings(ctx context.Context) (traceparent, tracestate string) {
	c := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, c)
	return c.Get(traceparentKey), c.Get(tracestateKey)
}

// ContextWithTraceContext is the inverse of TraceContextStrings.
func ContextWithTraceContext(ctx context.Context, traceparent, tracestate string) context.Context {
	if traceparent == "" {
		return ctx
	}
	c := propagation.MapCarrier{traceparentKey: traceparent}
	if tracestate != "" {
		c[tracestateKey] = tracestate
	}
	return otel.GetTextMapPropagator().Extract(ctx, c)
}

// TraceID is the hex trace id of the span in ctx, or "" so it can go straight into a log line.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
