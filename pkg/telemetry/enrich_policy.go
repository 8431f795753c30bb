package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RecordPolicyDecision annotates the provided span with a policy decision outcome.
func RecordPolicyDecision(span trace.Span, action, reason string, metadata map[string]string) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.SetAttributes(attribute.String("policy.decision.action", action))
	if reason != "" {
		span.SetAttributes(attribute.String("policy.decision.reason", reason))
	}

	for key, value := range metadata {
		if value == "" {
			continue
		}
		span.SetAttributes(attribute.String("policy."+key, value))
	}

	if code, ok := metadata["violation_code"]; ok && code != "" {
		span.SetAttributes(attribute.String("policy.violation_code", code))
	} else if action == "deny" {
		span.SetAttributes(attribute.String("policy.violation_code", reason))
	}

	if action == "deny" {
		span.AddEvent("policy.blocked")
	}
}
