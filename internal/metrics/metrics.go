// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the gateway records into. All collectors
// live on one registry so the handler can serve them without touching the
// default global one.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	UpstreamErrors  *prometheus.CounterVec
	AccountsTotal   prometheus.Gauge
	AccountsAvail   prometheus.Gauge
	SessionHits     prometheus.Counter
	SessionMisses   prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Chat requests served, by surface and status code.",
		}, []string{"surface", "code"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Wall time per chat request.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"surface"}),
		UpstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_upstream_errors_total",
			Help: "Upstream failures by error class.",
		}, []string{"class"}),
		AccountsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_pool_accounts",
			Help: "Accounts currently in the pool.",
		}),
		AccountsAvail: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_pool_available",
			Help: "Accounts currently selectable.",
		}),
		SessionHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_session_cache_hits_total",
			Help: "Conversation continuations that reused an upstream session.",
		}),
		SessionMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_session_cache_misses_total",
			Help: "Conversation turns that created a new upstream session.",
		}),
	}
}

// ObserveRequest records one finished chat request.
func (m *Metrics) ObserveRequest(surface string, code int, seconds float64) {
	m.RequestsTotal.WithLabelValues(surface, strconv.Itoa(code)).Inc()
	m.RequestDuration.WithLabelValues(surface).Observe(seconds)
}

// SetPoolGauges publishes the pool health counts.
func (m *Metrics) SetPoolGauges(total, available int) {
	m.AccountsTotal.Set(float64(total))
	m.AccountsAvail.Set(float64(available))
}
