package telemetry

import "sync"

// ResetMetricsForTest clears cached metric instruments so tests can
// reinitialize them against a fresh MeterProvider. This is intended for
// use in test code only.
func ResetMetricsForTest() {
	metricsOnce = sync.Once{}
	metricsInitErr = nil
	policyExecutionCounter = nil
	policyInterruptionCounter = nil
	policyLatencyHistogram = nil
	endpointRetryCounter = nil
	endpointCircuitOpenCounter = nil
	endpointTimeoutCounter = nil
	endpointLatencyHistogram = nil
}
