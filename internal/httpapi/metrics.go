package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricsRegistry bundles the server's Prometheus collectors. Built per
// Server instance (rather than package-level promauto vars, as the
// teacher's pkg/metrics does) so tests can spin up independent servers
// without colliding on the default registry.
type metricsRegistry struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	activeStreams   prometheus.Gauge
}

func newMetricsRegistry(reg prometheus.Registerer) *metricsRegistry {
	factory := promauto.With(reg)
	return &metricsRegistry{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "request_count",
				Help: "Total requests, incremented on non-dryrun success.",
			},
			[]string{"endpoint", "function_name"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "request_duration_seconds",
				Help:    "End-to-end handler latency in seconds.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"endpoint", "status"},
		),
		activeStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_streams",
				Help: "Number of currently open SSE streams.",
			},
		),
	}
}
