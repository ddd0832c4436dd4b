package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	AttrChatID    = attribute.Key("gatekeeper.chat.id")
	AttrUserID    = attribute.Key("gatekeeper.user.id")
	AttrMessageID = attribute.Key("gatekeeper.message.id")
	AttrOutcome   = attribute.Key("gatekeeper.outcome")
	AttrStep      = attribute.Key("gatekeeper.step")
	AttrExpired   = attribute.Key("gatekeeper.sweep.expired")
)

// JoinAttrs identifies a join request on a span or measurement.
func JoinAttrs(userID, chatID int64) []attribute.KeyValue {
	return []attribute.KeyValue{AttrUserID.Int64(userID), AttrChatID.Int64(chatID)}
}

func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, name, trace.SpanKindInternal, attrs)
}

// StartServerSpan starts the span of an inbound gateway request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, name, trace.SpanKindServer, attrs)
}

// StartClientSpan starts the span of an outbound Bot API or siteverify call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, name, trace.SpanKindClient, attrs)
}

func start(ctx context.Context, tracer trace.Tracer, name string, kind trace.SpanKind, attrs []attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...), trace.WithSpanKind(kind))
}

// Fail marks the span as errored. A nil err leaves it untouched.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
