package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan opens an internal span for one step of the scheduler.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan opens a client span around one outbound REST call to
// the cluster manager.
func StartClientSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// SetSpanError records err on the span and marks it failed.
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span as completed successfully.
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Attribute keys shared by scheduler spans.
var (
	AttrCycleID    = attribute.Key("poolsched.cycle_id")
	AttrPoolName   = attribute.Key("poolsched.pool.name")
	AttrStrategy   = attribute.Key("poolsched.strategy")
	AttrOperation  = attribute.Key("poolsched.clustermanager.operation")
	AttrRetry      = attribute.Key("poolsched.clustermanager.retry")
	AttrStatusCode = attribute.Key("poolsched.clustermanager.status_code")
)
