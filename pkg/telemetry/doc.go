// Package telemetry wires OpenTelemetry exporters and meters plus the
// Prometheus registry exposed by the gateway admin server.
//
// It centralises trace provider setup, records policy and endpoint metrics,
// and offers helpers that attach security decisions to spans so operators can
// correlate rejections with upstream behaviour.
package telemetry
