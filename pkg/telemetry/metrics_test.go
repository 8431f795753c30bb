package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTestMeter(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		ResetMetricsForTest()
	})
	ResetMetricsForTest()
	return reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}
	return metrics
}

func TestRecordPolicyMetrics(t *testing.T) {
	reader := setupTestMeter(t)
	ctx := context.Background()

	RecordPolicyMetrics(ctx, PolicyMetrics{
		APIID:    "api-1",
		ChainID:  "api-1:plan:request",
		PolicyID: "api-key",
		Phase:    "request",
		Outcome:  "failure",
		Duration: 150 * time.Millisecond,
	})

	metrics := collect(t, reader)

	sumExec, ok := metrics["gateway.policy.executions_total"]
	if !ok {
		t.Fatalf("missing gateway.policy.executions_total metric")
	}
	execData, ok := sumExec.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type for executions metric")
	}
	if len(execData.DataPoints) != 1 || execData.DataPoints[0].Value != 1 {
		t.Fatalf("expected a single execution, got %+v", execData.DataPoints)
	}
	if value, ok := execData.DataPoints[0].Attributes.Value(attribute.Key("policy.id")); !ok || value.AsString() != "api-key" {
		t.Fatalf("expected policy.id attribute to be api-key, got %v", value)
	}

	interruptions := metrics["gateway.policy.interruptions_total"].Data.(metricdata.Sum[int64])
	if interruptions.DataPoints[0].Value != 1 {
		t.Fatalf("expected interruption count 1, got %d", interruptions.DataPoints[0].Value)
	}

	hist := metrics["gateway.policy.duration_ms"].Data.(metricdata.Histogram[float64])
	if hist.DataPoints[0].Count != 1 {
		t.Fatalf("expected histogram count 1, got %d", hist.DataPoints[0].Count)
	}
	if hist.DataPoints[0].Sum != 150 {
		t.Fatalf("expected histogram sum 150, got %v", hist.DataPoints[0].Sum)
	}
}

func TestRecordEndpointMetrics(t *testing.T) {
	reader := setupTestMeter(t)
	ctx := context.Background()

	RecordEndpointMetrics(ctx, EndpointMetrics{
		APIID:    "api-1",
		Endpoint: "default:backend",
		Outcome:  EndpointTimeout,
		Duration: 20 * time.Millisecond,
		Retries:  2,
	})

	metrics := collect(t, reader)

	retries := metrics["gateway.endpoint.retries_total"].Data.(metricdata.Sum[int64])
	if retries.DataPoints[0].Value != 2 {
		t.Fatalf("expected retry count 2, got %d", retries.DataPoints[0].Value)
	}
	timeouts := metrics["gateway.endpoint.timeout_total"].Data.(metricdata.Sum[int64])
	if timeouts.DataPoints[0].Value != 1 {
		t.Fatalf("expected timeout count 1, got %d", timeouts.DataPoints[0].Value)
	}
}

func TestRecordSecurityEvent(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	tracer := tp.Tracer("test")

	_, span := tracer.Start(context.Background(), "security")
	RecordSecurityEvent(span, true, "API_KEY_INVALID", "plan-1")
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	events := spans[0].Events()
	if len(events) != 1 || events[0].Name != "security.event" {
		t.Fatalf("unexpected events %+v", events)
	}

	attrs := attribute.NewSet(events[0].Attributes...)
	if value, ok := attrs.Value(attribute.Key("security.blocked")); !ok || !value.AsBool() {
		t.Fatalf("expected security.blocked attribute true")
	}
	if value, ok := attrs.Value(attribute.Key("security.block_reason")); !ok || value.AsString() != "API_KEY_INVALID" {
		t.Fatalf("expected block_reason, got %v", value)
	}
	if value, ok := attrs.Value(attribute.Key("security.plan_id")); !ok || value.AsString() != "plan-1" {
		t.Fatalf("expected plan id, got %v", value)
	}

	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown tracer provider: %v", err)
	}
}

func TestRecordPolicyDecision(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	_, span := tp.Tracer("test").Start(context.Background(), "opa")
	RecordPolicyDecision(span, "deny", "tier not allowed", map[string]string{"rule": "tiers"})
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	attrs := attribute.NewSet(ended[0].Attributes()...)
	if value, ok := attrs.Value("policy.violation_code"); !ok || value.AsString() != "tier not allowed" {
		t.Fatalf("expected violation code fallback to reason, got %v", value)
	}
	if value, ok := attrs.Value("policy.rule"); !ok || value.AsString() != "tiers" {
		t.Fatalf("expected metadata attribute, got %v", value)
	}
	if len(ended[0].Events()) != 1 {
		t.Fatalf("expected policy.blocked event")
	}
}
