package policy

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/telemetry"
)

// EventKind distinguishes chain-level from policy-level hook events.
type EventKind string

const (
	KindChain  EventKind = "chain"
	KindPolicy EventKind = "policy"
)

// Outcome summarises how a chain or policy finished.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeInterrupted Outcome = "interrupted"
	OutcomeFailure     Outcome = "failure"
	OutcomeError       Outcome = "error"
	OutcomeCancelled   Outcome = "cancelled"
)

// Event describes what a hook observes.
type Event struct {
	Kind     EventKind
	ChainID  string
	PolicyID string
	Phase    domain.Phase
	ExecCtx  *domain.ExecutionContext
}

// Hook observes chain and policy execution. Hooks never alter control flow;
// the context returned by Before is handed back to the matching After.
type Hook interface {
	Before(ctx context.Context, event Event) context.Context
	After(ctx context.Context, event Event, outcome Outcome, err error)
}

// TracingHook emits one span per chain and per policy.
type TracingHook struct {
	tracer trace.Tracer
}

// NewTracingHook creates a TracingHook using the global tracer provider.
func NewTracingHook() *TracingHook {
	return &TracingHook{tracer: otel.Tracer("gateway.policy")}
}

// Before starts a span.
func (h *TracingHook) Before(ctx context.Context, event Event) context.Context {
	name := "policy.chain"
	attrs := []attribute.KeyValue{
		attribute.String("chain.id", event.ChainID),
		attribute.String("chain.phase", string(event.Phase)),
	}
	if event.Kind == KindPolicy {
		name = "policy.execute"
		attrs = append(attrs, attribute.String("policy.id", event.PolicyID))
	}
	ctx, _ = h.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx
}

// After ends the span started by Before.
func (h *TracingHook) After(ctx context.Context, event Event, outcome Outcome, err error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("policy.outcome", string(outcome)))
	if event.ExecCtx != nil {
		if failure := event.ExecCtx.Failure(); failure != nil && outcome == OutcomeFailure {
			span.SetAttributes(
				attribute.Int("failure.status_code", failure.StatusCode),
				attribute.String("failure.key", failure.Key),
			)
		}
	}
	if err != nil && outcome != OutcomeFailure {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

type startKey struct{ kind EventKind }

// MetricsHook records policy execution counters and latency.
type MetricsHook struct{}

// NewMetricsHook creates a MetricsHook.
func NewMetricsHook() *MetricsHook { return &MetricsHook{} }

// Before records the start time.
func (h *MetricsHook) Before(ctx context.Context, event Event) context.Context {
	return context.WithValue(ctx, startKey{kind: event.Kind}, time.Now())
}

// After records the metrics for policy events. Chain events are ignored.
func (h *MetricsHook) After(ctx context.Context, event Event, outcome Outcome, _ error) {
	if event.Kind != KindPolicy {
		return
	}
	var duration time.Duration
	if start, ok := ctx.Value(startKey{kind: event.Kind}).(time.Time); ok {
		duration = time.Since(start)
	}
	apiID := ""
	if event.ExecCtx != nil && event.ExecCtx.API != nil {
		apiID = event.ExecCtx.API.ID
	}
	telemetry.RecordPolicyMetrics(ctx, telemetry.PolicyMetrics{
		APIID:    apiID,
		ChainID:  event.ChainID,
		PolicyID: event.PolicyID,
		Phase:    string(event.Phase),
		Outcome:  string(outcome),
		Duration: duration,
	})
}
