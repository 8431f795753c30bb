package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// GatewayMetrics holds the Prometheus metrics served by the admin endpoint.
type GatewayMetrics struct {
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	interruptionTotal *prometheus.CounterVec
	deploymentsTotal  *prometheus.CounterVec
	apisDeployed      prometheus.Gauge

	registry *prometheus.Registry
}

// NewGatewayMetrics creates the gateway metrics on a dedicated registry.
func NewGatewayMetrics() *GatewayMetrics {
	registry := prometheus.NewRegistry()

	m := &GatewayMetrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total number of requests handled by API and status code",
			},
			[]string{"api_id", "method", "status_code"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "End-to-end request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"api_id"},
		),

		interruptionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_interruptions_total",
				Help: "Total number of requests interrupted before reaching the backend, by failure key",
			},
			[]string{"api_id", "key"},
		),

		deploymentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_deployments_total",
				Help: "Total number of deployment attempts by status",
			},
			[]string{"status"},
		),

		apisDeployed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_apis_deployed",
				Help: "Number of APIs in the active deployment",
			},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.interruptionTotal,
		m.deploymentsTotal,
		m.apisDeployed,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// ObserveRequest records one handled request.
func (m *GatewayMetrics) ObserveRequest(apiID, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(apiID, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(apiID).Observe(duration.Seconds())
}

// RecordInterruption records a request interrupted with the given failure key.
func (m *GatewayMetrics) RecordInterruption(apiID, key string) {
	if m == nil {
		return
	}
	m.interruptionTotal.WithLabelValues(apiID, key).Inc()
}

// RecordDeployment records a deployment attempt.
func (m *GatewayMetrics) RecordDeployment(success bool, apis int) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.deploymentsTotal.WithLabelValues(status).Inc()
	if success {
		m.apisDeployed.Set(float64(apis))
	}
}

// Registry returns the underlying Prometheus registry.
func (m *GatewayMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler exposing the metrics.
func (m *GatewayMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
