// Package telemetry provides observability primitives for the CCGate proxy.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the proxy.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge
	UpstreamHealthy *prometheus.GaugeVec   // labels: upstream
	TokensProcessed *prometheus.CounterVec // labels: tenant, model, type
	UsageRecords    *prometheus.CounterVec // labels: tenant
	UsageCostUSD    *prometheus.CounterVec // labels: tenant, model
	LimitRejects    *prometheus.CounterVec // labels: tenant
	AuthFailures    *prometheus.CounterVec // labels: kind
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccgate",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "ccgate",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ccgate",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ccgate",
			Name:      "upstream_healthy",
			Help:      "Upstream health per probe (1=healthy, 0=unhealthy).",
		}, []string{"upstream"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccgate",
			Name:      "tokens_processed_total",
			Help:      "Total tokens metered from upstream responses.",
		}, []string{"tenant", "model", "type"}),

		UsageRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccgate",
			Name:      "usage_records_total",
			Help:      "Total usage records appended.",
		}, []string{"tenant"}),

		UsageCostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccgate",
			Name:      "usage_cost_usd_total",
			Help:      "Total metered cost in USD.",
		}, []string{"tenant", "model"}),

		LimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccgate",
			Name:      "limit_rejects_total",
			Help:      "Total requests rejected by the daily spend limit.",
		}, []string{"tenant"}),

		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccgate",
			Name:      "auth_failures_total",
			Help:      "Total authentication failures by kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamHealthy,
		m.TokensProcessed,
		m.UsageRecords,
		m.UsageCostUSD,
		m.LimitRejects,
		m.AuthFailures,
	)

	return m
}
