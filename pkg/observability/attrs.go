package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Genesis semantic convention attributes.
var (
	// Envelope attributes
	AttrTopic     = attribute.Key("genesis.topic")
	AttrKind      = attribute.Key("genesis.kind")
	AttrSource    = attribute.Key("genesis.source")
	AttrEventID   = attribute.Key("genesis.event.id")
	AttrWatermark = attribute.Key("genesis.watermark")

	// Dispatch attributes
	AttrHandler = attribute.Key("genesis.handler")

	// Replay attributes
	AttrReplayFrom    = attribute.Key("genesis.replay.from_watermark")
	AttrReplayPattern = attribute.Key("genesis.replay.topic_pattern")

	// Dead-letter attributes
	AttrDLQID = attribute.Key("genesis.dlq.id")
)

// PublishAttrs creates low-cardinality attributes for publish metrics.
func PublishAttrs(topic, source, kind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTopic.String(topic),
		AttrSource.String(source),
		AttrKind.String(kind),
	}
}

// EventAttrs creates span attributes identifying a single envelope.
// High cardinality; use on spans, not metrics.
func EventAttrs(eventID, topic string, watermark int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEventID.String(eventID),
		AttrTopic.String(topic),
		AttrWatermark.Int64(watermark),
	}
}

// DispatchAttrs creates attributes for one handler delivery.
func DispatchAttrs(topic, handler string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTopic.String(topic),
		AttrHandler.String(handler),
	}
}

// ReplayAttrs creates attributes for a replay run.
func ReplayAttrs(fromWatermark int64, topicPattern string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrReplayFrom.Int64(fromWatermark),
		AttrReplayPattern.String(topicPattern),
	}
}

// RequeueAttrs creates attributes for a dead-letter requeue.
func RequeueAttrs(eventID string, dlqID int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEventID.String(eventID),
		AttrDLQID.Int64(dlqID),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the current span when non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
