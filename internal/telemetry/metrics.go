// Package telemetry provides observability primitives for the manager.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the proxy and engine.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	ActiveRequests    prometheus.Gauge
	UpstreamDuration  *prometheus.HistogramVec
	UpstreamErrors    *prometheus.CounterVec
	RoutingDecisions  *prometheus.CounterVec
	RoutingFailures   prometheus.Counter
	CircuitOpens      prometheus.Counter
	AccountsAvailable prometheus.Gauge
	UsageRefreshes    *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codexmgr",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "codexmgr",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "codexmgr",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "codexmgr",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"account", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codexmgr",
			Name:      "upstream_errors_total",
			Help:      "Total upstream errors.",
		}, []string{"account", "status"}),

		RoutingDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codexmgr",
			Name:      "routing_decisions_total",
			Help:      "Total routing decisions by account and strategy.",
		}, []string{"account", "strategy"}),

		RoutingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codexmgr",
			Name:      "routing_failures_total",
			Help:      "Total requests with no available account.",
		}),

		CircuitOpens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codexmgr",
			Name:      "circuit_opens_total",
			Help:      "Total circuit breaker open transitions.",
		}),

		AccountsAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "codexmgr",
			Name:      "accounts_available",
			Help:      "Number of accounts currently available for routing.",
		}),

		UsageRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codexmgr",
			Name:      "usage_refreshes_total",
			Help:      "Total usage refresh attempts by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.RoutingDecisions,
		m.RoutingFailures,
		m.CircuitOpens,
		m.AccountsAvailable,
		m.UsageRefreshes,
	)

	return m
}
