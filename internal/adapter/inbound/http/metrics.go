package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics exposed at /metrics.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	SSEConnections  prometheus.Gauge
}

// NewMetrics creates and registers the request metrics with the given
// registry. Session count and audit drop totals are registered as
// function gauges so they read live values instead of being pushed.
func NewMetrics(reg prometheus.Registerer, sessionCount func() int, auditDropped func() int64) *Metrics {
	m := &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aegisgate",
				Name:      "requests_total",
				Help:      "Total number of MCP requests processed",
			},
			[]string{"method", "status"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "aegisgate",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		SSEConnections: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "aegisgate",
				Name:      "sse_connections",
				Help:      "Number of open SSE streams",
			},
		),
	}

	if sessionCount != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "aegisgate",
				Name:      "active_sessions",
				Help:      "Number of active sessions",
			},
			func() float64 { return float64(sessionCount()) },
		))
	}
	if auditDropped != nil {
		reg.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: "aegisgate",
				Name:      "audit_drops_total",
				Help:      "Total audit events dropped due to backpressure",
			},
			func() float64 { return float64(auditDropped()) },
		))
	}
	return m
}
