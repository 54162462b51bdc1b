// Mesh-specific instrumentation helpers.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Mesh-specific semantic convention attributes.
var (
	// Participant attributes
	AttrAgentID = attribute.Key("mesh.agent.id")
	AttrKBID    = attribute.Key("mesh.kb.id")
	AttrKBType  = attribute.Key("mesh.kb.type")

	// Routing attributes
	AttrSubject    = attribute.Key("mesh.subject")
	AttrOperation  = attribute.Key("mesh.operation")
	AttrRequestID  = attribute.Key("mesh.request.id")
	AttrTrackingID = attribute.Key("mesh.tracking.id")

	// Policy attributes
	AttrPolicyDecision  = attribute.Key("mesh.policy.decision")
	AttrPolicyVersion   = attribute.Key("mesh.policy.version")
	AttrPolicyLatencyMs = attribute.Key("mesh.policy.latency_ms")
	AttrMaskedFields    = attribute.Key("mesh.policy.masked_fields")

	// Audit attributes
	AttrEventType = attribute.Key("mesh.audit.event_type")
	AttrOutcome   = attribute.Key("mesh.audit.outcome")
)

// QueryOperation creates attributes for a knowledge-base query.
func QueryOperation(sourceID, kbID, operation string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAgentID.String(sourceID),
		AttrKBID.String(kbID),
		AttrOperation.String(operation),
	}
}

// InvokeOperation creates attributes for an agent invocation.
func InvokeOperation(sourceID, targetID, operation string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAgentID.String(sourceID),
		attribute.String("mesh.target.id", targetID),
		AttrOperation.String(operation),
	}
}

// PolicyEvaluation creates attributes for a policy decision.
func PolicyEvaluation(decision, version string, latencyMs float64, maskedFields int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPolicyDecision.String(decision),
		AttrPolicyVersion.String(version),
		AttrPolicyLatencyMs.Float64(latencyMs),
		AttrMaskedFields.Int(maskedFields),
	}
}

// AuditWrite creates attributes for an audit append.
func AuditWrite(eventType, outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEventType.String(eventType),
		AttrOutcome.String(outcome),
	}
}

// AddSpanEvent adds an event to the span in ctx, if any.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
