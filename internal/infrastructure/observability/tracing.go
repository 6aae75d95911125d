package observability

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "relay-server/conversation-api"
)

// GetTracer returns the tracer for the conversation-api service.
func GetTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// ConversationAttributes returns common attributes for lifecycle spans.
func ConversationAttributes(publicID, ownerID, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("conversation.id", publicID),
		attribute.String("conversation.owner_id", ownerID),
		attribute.String("conversation.status", status),
	}
}

// TransitionAttributes returns common attributes for transition spans.
func TransitionAttributes(publicID, from, to, actor string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("conversation.id", publicID),
		attribute.String("transition.from", from),
		attribute.String("transition.to", to),
		attribute.String("transition.actor", actor),
	}
}

// SweepAttributes returns common attributes for sweeper spans.
func SweepAttributes(pass string, candidates, processed int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("sweep.pass", pass),
		attribute.Int("sweep.candidates", candidates),
		attribute.Int("sweep.processed", processed),
	}
}
