package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Relay semantic convention attributes.
var (
	AttrArtifact    = attribute.Key("relay.artifact")
	AttrMessageID   = attribute.Key("relay.message.id")
	AttrMessageType = attribute.Key("relay.message.type")
	AttrSenderID    = attribute.Key("relay.sender.id")
	AttrReceiverID  = attribute.Key("relay.receiver.id")
	AttrStatus      = attribute.Key("relay.status")
	AttrErrorKind   = attribute.Key("relay.error.kind")
	AttrStage       = attribute.Key("relay.stage")
	AttrRule        = attribute.Key("relay.rule")
)

// MessageAttributes describes a routed message on a span.
func MessageAttributes(messageID, messageType, senderID, receiverID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrMessageID.String(messageID),
		AttrMessageType.String(messageType),
		AttrSenderID.String(senderID),
		AttrReceiverID.String(receiverID),
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus marks the current span failed when err is non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
