package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for activity-sync spans.
var (
	AttrOrgID     = attribute.Key("activity_sync.organization.id")
	AttrTaskID    = attribute.Key("activity_sync.task.id")
	AttrProjectID = attribute.Key("activity_sync.project.id")
	AttrUserID    = attribute.Key("activity_sync.user.id")
	AttrSeq       = attribute.Key("activity_sync.activity.seq")
	AttrShard     = attribute.Key("activity_sync.broker.shard")
	AttrSessionID = attribute.Key("activity_sync.ws.session_id")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (HTTP/WS gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (Postgres, GitHub, Clerk JWKS).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
