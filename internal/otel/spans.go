package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for orchestrator spans.
var (
	AttrTaskID     = attribute.Key("forgeswarm.task.id")
	AttrWorkerID   = attribute.Key("forgeswarm.worker.id")
	AttrEndpoint   = attribute.Key("forgeswarm.llm.endpoint")
	AttrModel      = attribute.Key("forgeswarm.llm.model")
	AttrBranch     = attribute.Key("forgeswarm.git.branch")
	AttrMergeState = attribute.Key("forgeswarm.merge.state")
	AttrTokensIn   = attribute.Key("forgeswarm.llm.tokens.input")
	AttrTokensOut  = attribute.Key("forgeswarm.llm.tokens.output")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (LLM endpoint, git remote).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// StartInternalProcessSpan starts a span for a worker's sandboxed process,
// which runs outside the orchestrator process proper but is not a network
// call either.
func StartInternalProcessSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}
