// Package telemetry provides observability primitives for the gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	UpstreamRetries  prometheus.Counter
	SelectionsTotal  *prometheus.CounterVec
	HealthProbes     *prometheus.CounterVec
	BackupWrites     *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mellon",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "mellon",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mellon",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "mellon",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream provider call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mellon",
			Name:      "upstream_errors_total",
			Help:      "Total upstream provider errors.",
		}, []string{"provider", "status"}),

		UpstreamRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mellon",
			Name:      "upstream_retries_total",
			Help:      "Total retry attempts after a failed upstream call.",
		}),

		SelectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mellon",
			Name:      "route_selections_total",
			Help:      "Total routing selections by route mode.",
		}, []string{"mode"}),

		HealthProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mellon",
			Name:      "health_probes_total",
			Help:      "Total health probes by outcome status.",
		}, []string{"status"}),

		BackupWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mellon",
			Name:      "backup_writes_total",
			Help:      "Total backup snapshot writes by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.UpstreamRetries,
		m.SelectionsTotal,
		m.HealthProbes,
		m.BackupWrites,
	)

	return m
}
