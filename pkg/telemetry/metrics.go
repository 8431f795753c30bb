package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	metricsOnce                sync.Once
	metricsInitErr             error
	policyExecutionCounter     metric.Int64Counter
	policyInterruptionCounter  metric.Int64Counter
	policyLatencyHistogram     metric.Float64Histogram
	endpointRetryCounter       metric.Int64Counter
	endpointCircuitOpenCounter metric.Int64Counter
	endpointTimeoutCounter     metric.Int64Counter
	endpointLatencyHistogram   metric.Float64Histogram
)

// PolicyMetrics captures the fields needed to record one policy execution.
type PolicyMetrics struct {
	APIID    string
	ChainID  string
	PolicyID string
	Phase    string
	Outcome  string
	Duration time.Duration
}

// RecordPolicyMetrics emits counters and histograms that describe policy execution behaviour.
func RecordPolicyMetrics(ctx context.Context, m PolicyMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("api.id", m.APIID),
		attribute.String("chain.id", m.ChainID),
		attribute.String("policy.id", m.PolicyID),
		attribute.String("policy.phase", m.Phase),
		attribute.String("policy.outcome", m.Outcome),
	)

	policyExecutionCounter.Add(ctx, 1, attrs)
	if m.Duration > 0 {
		policyLatencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}
	switch m.Outcome {
	case "interrupted", "failure", "error":
		policyInterruptionCounter.Add(ctx, 1, attrs)
	}
}

// EndpointOutcome classifies one backend invocation.
type EndpointOutcome string

const (
	EndpointSuccess     EndpointOutcome = "success"
	EndpointFailure     EndpointOutcome = "failure"
	EndpointTimeout     EndpointOutcome = "timeout"
	EndpointCircuitOpen EndpointOutcome = "circuit_open"
)

// EndpointMetrics captures the fields needed to record one backend invocation.
type EndpointMetrics struct {
	APIID    string
	Endpoint string
	Outcome  EndpointOutcome
	Duration time.Duration
	Retries  int
}

// RecordEndpointMetrics emits counters and histograms for backend invocations.
func RecordEndpointMetrics(ctx context.Context, m EndpointMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("api.id", m.APIID),
		attribute.String("endpoint.name", m.Endpoint),
		attribute.String("endpoint.outcome", string(m.Outcome)),
	)

	if m.Duration > 0 {
		endpointLatencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}
	if m.Retries > 0 {
		endpointRetryCounter.Add(ctx, int64(m.Retries), attrs)
	}
	switch m.Outcome {
	case EndpointCircuitOpen:
		endpointCircuitOpenCounter.Add(ctx, 1, attrs)
	case EndpointTimeout:
		endpointTimeoutCounter.Add(ctx, 1, attrs)
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("gateway.pipeline")

		policyExecutionCounter, metricsInitErr = meter.Int64Counter(
			"gateway.policy.executions_total",
			metric.WithDescription("Policy executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		policyInterruptionCounter, metricsInitErr = meter.Int64Counter(
			"gateway.policy.interruptions_total",
			metric.WithDescription("Policy executions that interrupted the request"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		policyLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"gateway.policy.duration_ms",
			metric.WithDescription("Observed policy execution latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		endpointRetryCounter, metricsInitErr = meter.Int64Counter(
			"gateway.endpoint.retries_total",
			metric.WithDescription("Retry attempts performed against backends"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		endpointCircuitOpenCounter, metricsInitErr = meter.Int64Counter(
			"gateway.endpoint.circuit_open_total",
			metric.WithDescription("Backend calls rejected by an open circuit breaker"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		endpointTimeoutCounter, metricsInitErr = meter.Int64Counter(
			"gateway.endpoint.timeout_total",
			metric.WithDescription("Backend calls that exceeded their timeout"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		endpointLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"gateway.endpoint.duration_ms",
			metric.WithDescription("Observed backend latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// RecordSecurityEvent attaches a coarse-grained security event to the provided span without leaking sensitive data.
func RecordSecurityEvent(span trace.Span, blocked bool, reason string, planID string) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Bool("security.blocked", blocked),
	}
	if planID != "" {
		attrs = append(attrs, attribute.String("security.plan_id", planID))
	}
	if reason != "" {
		attrs = append(attrs, attribute.String("security.block_reason", reason))
	}

	span.AddEvent("security.event", trace.WithAttributes(attrs...))
}
