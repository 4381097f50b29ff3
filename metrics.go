package warden

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	sessionsTotal    *prometheus.CounterVec
	requestsTotal    *prometheus.CounterVec
	requestsBlocked  *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	activeSessions   prometheus.Gauge
	certCacheSize    prometheus.Gauge
	certCacheHits    prometheus.Counter
	certCacheMisses  prometheus.Counter
	ruleCount        prometheus.Gauge
	triggerHits      *prometheus.CounterVec
	elementsHidden   prometheus.Counter
	upstreamErrors   *prometheus.CounterVec
	tlsHandshakeErrs prometheus.Counter
	flowsDiverted    prometheus.Counter
	flowsPassthrough prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a Metrics instance with all collectors registered
// on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "sessions_total",
			Help:      "Total number of proxied sessions accepted.",
		}, []string{"scheme"}),

		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "requests_total",
			Help:      "Total number of HTTP exchanges processed.",
		}, []string{"method", "scheme"}),

		requestsBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "requests_blocked_total",
			Help:      "Total number of requests blocked by category.",
		}, []string{"category"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "warden",
			Name:      "request_duration_seconds",
			Help:      "Exchange duration in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "status"}),

		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Name:      "active_sessions",
			Help:      "Number of live proxy sessions.",
		}),

		certCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Name:      "cert_cache_size",
			Help:      "Number of cached forged TLS contexts.",
		}),

		certCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "cert_cache_hits_total",
			Help:      "Forged-context cache hits.",
		}),

		certCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "cert_cache_misses_total",
			Help:      "Forged-context cache misses (one signing each).",
		}),

		ruleCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Name:      "rule_count",
			Help:      "Number of loaded filter rules across categories.",
		}),

		triggerHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "trigger_hits_total",
			Help:      "Text-trigger matches by category.",
		}, []string{"category"}),

		elementsHidden: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "elements_hidden_total",
			Help:      "CSS element-hiding selectors injected.",
		}),

		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "upstream_errors_total",
			Help:      "Upstream connect or TLS failures.",
		}, []string{"kind"}),

		tlsHandshakeErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "tls_handshake_errors_total",
			Help:      "Downstream TLS handshake failures.",
		}),

		flowsDiverted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "flows_diverted_total",
			Help:      "Flows accepted from the diverter.",
		}),

		flowsPassthrough: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "flows_passthrough_total",
			Help:      "Flows tunneled verbatim without inspection.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.sessionsTotal,
		m.requestsTotal,
		m.requestsBlocked,
		m.requestDuration,
		m.activeSessions,
		m.certCacheSize,
		m.certCacheHits,
		m.certCacheMisses,
		m.ruleCount,
		m.triggerHits,
		m.elementsHidden,
		m.upstreamErrors,
		m.tlsHandshakeErrs,
		m.flowsDiverted,
		m.flowsPassthrough,
	)

	return m
}

// Handler returns the /metrics exposition handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSession records an accepted session.
func (m *Metrics) RecordSession(scheme string) {
	m.sessionsTotal.WithLabelValues(scheme).Inc()
}

// RecordRequest records a processed exchange.
func (m *Metrics) RecordRequest(method, scheme string) {
	m.requestsTotal.WithLabelValues(method, scheme).Inc()
}

// RecordBlocked records a blocked request.
func (m *Metrics) RecordBlocked(category uint8) {
	m.requestsBlocked.WithLabelValues(strconv.Itoa(int(category))).Inc()
}

// RecordRequestDuration records an exchange duration.
func (m *Metrics) RecordRequestDuration(method string, statusCode int, d time.Duration) {
	m.requestDuration.WithLabelValues(method, strconv.Itoa(statusCode)).Observe(d.Seconds())
}

// IncActiveSessions increments the live session gauge.
func (m *Metrics) IncActiveSessions() { m.activeSessions.Inc() }

// DecActiveSessions decrements the live session gauge.
func (m *Metrics) DecActiveSessions() { m.activeSessions.Dec() }

// SetCertCacheSize sets the forged-context cache gauge.
func (m *Metrics) SetCertCacheSize(n int) { m.certCacheSize.Set(float64(n)) }

// RecordCertCacheHit records a forged-context cache hit.
func (m *Metrics) RecordCertCacheHit() { m.certCacheHits.Inc() }

// RecordCertCacheMiss records a forged-context cache miss.
func (m *Metrics) RecordCertCacheMiss() { m.certCacheMisses.Inc() }

// SetRuleCount sets the loaded-rule gauge.
func (m *Metrics) SetRuleCount(n int) { m.ruleCount.Set(float64(n)) }

// RecordTriggerHit records a text-trigger match.
func (m *Metrics) RecordTriggerHit(category uint8) {
	m.triggerHits.WithLabelValues(strconv.Itoa(int(category))).Inc()
}

// RecordElementsHidden adds to the injected-selector counter.
func (m *Metrics) RecordElementsHidden(n int) { m.elementsHidden.Add(float64(n)) }

// RecordUpstreamError records an upstream failure of the given kind
// ("connect" or "tls").
func (m *Metrics) RecordUpstreamError(kind string) {
	m.upstreamErrors.WithLabelValues(kind).Inc()
}

// RecordTLSHandshakeError records a downstream handshake failure.
func (m *Metrics) RecordTLSHandshakeError() { m.tlsHandshakeErrs.Inc() }

// RecordFlowDiverted records a flow accepted for inspection.
func (m *Metrics) RecordFlowDiverted() { m.flowsDiverted.Inc() }

// RecordFlowPassthrough records a flow tunneled without inspection.
func (m *Metrics) RecordFlowPassthrough() { m.flowsPassthrough.Inc() }
