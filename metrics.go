package blocker

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the proxy and control surface.
type Metrics struct {
	flowsTotal       *prometheus.CounterVec
	flowsBlocked     *prometheus.CounterVec
	hookPanics       *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	activeConns      prometheus.Gauge
	domainBlocked    *prometheus.GaugeVec
	toggles          *prometheus.CounterVec
	certCacheSize    prometheus.Gauge
	certCacheHits    prometheus.Counter
	certCacheMisses  prometheus.Counter
	upstreamErrors   *prometheus.CounterVec
	tlsHandshakeErrs prometheus.Counter

	domainMu sync.Mutex

	registry *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with all collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		flowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blocker",
			Name:      "flows_total",
			Help:      "Flows seen, by hook (connect or request).",
		}, []string{"hook"}),

		flowsBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blocker",
			Name:      "flows_blocked_total",
			Help:      "Flows answered with the block page, by hook and matched domain.",
		}, []string{"hook", "domain"}),

		hookPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blocker",
			Name:      "hook_panics_total",
			Help:      "Addon callbacks that panicked and were passed through.",
		}, []string{"hook"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "blocker",
			Name:      "upstream_request_duration_seconds",
			Help:      "Upstream request duration in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "status"}),

		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "blocker",
			Name:      "active_tunnels",
			Help:      "Number of open CONNECT tunnels.",
		}),

		domainBlocked: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "blocker",
			Name:      "domain_blocked",
			Help:      "1 if the domain is currently blocked, 0 if allowed.",
		}, []string{"domain"}),

		toggles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blocker",
			Name:      "domain_changes_total",
			Help:      "Blocked/allowed flag changes made from the control surface.",
		}, []string{"domain"}),

		certCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "blocker",
			Name:      "cert_cache_size",
			Help:      "Number of cached leaf certificates.",
		}),

		certCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blocker",
			Name:      "cert_cache_hits_total",
			Help:      "Number of certificate cache hits.",
		}),

		certCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blocker",
			Name:      "cert_cache_misses_total",
			Help:      "Number of certificate cache misses.",
		}),

		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blocker",
			Name:      "upstream_errors_total",
			Help:      "Number of upstream connection errors.",
		}, []string{"host"}),

		tlsHandshakeErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blocker",
			Name:      "tls_handshake_errors_total",
			Help:      "Number of TLS handshake failures with clients.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.flowsTotal,
		m.flowsBlocked,
		m.hookPanics,
		m.requestDuration,
		m.activeConns,
		m.domainBlocked,
		m.toggles,
		m.certCacheSize,
		m.certCacheHits,
		m.certCacheMisses,
		m.upstreamErrors,
		m.tlsHandshakeErrs,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRegistry publishes the current flags of reg and keeps them up to
// date through reg.OnChange. Any OnChange already set is still called.
func (m *Metrics) ObserveRegistry(reg *Registry) {
	for _, s := range reg.Snapshot() {
		m.SetDomainBlocked(s.Domain, s.Blocked)
	}

	prev := reg.OnChange
	reg.OnChange = func(domain string, blocked bool) {
		// Notifications run after the registry lock is released and may
		// arrive out of order. Re-reading under domainMu makes the last
		// callback publish the latest flag.
		m.domainMu.Lock()
		if cur, ok := reg.Status(domain); ok {
			m.SetDomainBlocked(domain, cur)
		}
		m.domainMu.Unlock()
		m.toggles.WithLabelValues(domain).Inc()
		if prev != nil {
			prev(domain, blocked)
		}
	}
}

// ObserveTransportPool exports the request counters of tp. Call it at most
// once per Metrics.
func (m *Metrics) ObserveTransportPool(tp *TransportPool) {
	m.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "blocker",
			Name:      "upstream_requests_total",
			Help:      "Requests sent through the upstream transport pool.",
		}, func() float64 { return float64(tp.Stats().TotalRequests) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "blocker",
			Name:      "upstream_requests_active",
			Help:      "Upstream requests currently in flight.",
		}, func() float64 { return float64(tp.Stats().ActiveRequests) }),
	)
}

// SetDomainBlocked sets the per-domain state gauge.
func (m *Metrics) SetDomainBlocked(domain string, blocked bool) {
	v := 0.0
	if blocked {
		v = 1
	}
	m.domainBlocked.WithLabelValues(domain).Set(v)
}

// RecordFlow records a flow entering a hook.
func (m *Metrics) RecordFlow(hook string) {
	m.flowsTotal.WithLabelValues(hook).Inc()
}

// RecordBlocked records a flow answered with the block page.
func (m *Metrics) RecordBlocked(hook, domain string) {
	m.flowsBlocked.WithLabelValues(hook, domain).Inc()
}

// RecordHookPanic records a recovered addon panic.
func (m *Metrics) RecordHookPanic(hook string) {
	m.hookPanics.WithLabelValues(hook).Inc()
}

// RecordRequestDuration records the duration of an upstream request.
func (m *Metrics) RecordRequestDuration(method string, statusCode int, duration time.Duration) {
	m.requestDuration.WithLabelValues(method, strconv.Itoa(statusCode)).Observe(duration.Seconds())
}

// IncActiveConns increments the open tunnel gauge.
func (m *Metrics) IncActiveConns() {
	m.activeConns.Inc()
}

// DecActiveConns decrements the open tunnel gauge.
func (m *Metrics) DecActiveConns() {
	m.activeConns.Dec()
}

// SetCertCacheSize sets the certificate cache size gauge.
func (m *Metrics) SetCertCacheSize(size int) {
	m.certCacheSize.Set(float64(size))
}

// RecordCertCacheHit records a certificate cache hit.
func (m *Metrics) RecordCertCacheHit() {
	m.certCacheHits.Inc()
}

// RecordCertCacheMiss records a certificate cache miss.
func (m *Metrics) RecordCertCacheMiss() {
	m.certCacheMisses.Inc()
}

// RecordUpstreamError records an upstream connection error.
func (m *Metrics) RecordUpstreamError(host string) {
	m.upstreamErrors.WithLabelValues(host).Inc()
}

// RecordTLSHandshakeError records a TLS handshake failure.
func (m *Metrics) RecordTLSHandshakeError() {
	m.tlsHandshakeErrs.Inc()
}
