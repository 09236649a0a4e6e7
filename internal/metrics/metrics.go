package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector the gateway exposes on /metrics.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal *prometheus.CounterVec
	latencyMs     *prometheus.HistogramVec
	cacheHits     *prometheus.CounterVec
	cacheMisses   *prometheus.CounterVec
	accountHealth *prometheus.GaugeVec
	tokensTotal   *prometheus.CounterVec
}

func New() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of requests processed by the gateway.",
		}, []string{"model", "account", "status"}),
		latencyMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_latency_ms",
			Help:    "Request latency in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000},
		}, []string{"model", "account", "status"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cache_hits_total",
			Help: "Total number of response cache hits.",
		}, []string{"model"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cache_misses_total",
			Help: "Total number of response cache misses.",
		}, []string{"model"}),
		accountHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_account_usable",
			Help: "1 if the account is currently usable (enabled, not rate-limited, not disabled), 0 otherwise.",
		}, []string{"account"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tokens_total",
			Help: "Total tokens processed, by model and direction (input/output/cached).",
		}, []string{"model", "direction"}),
	}
	r.MustRegister(m.requestsTotal, m.latencyMs, m.cacheHits, m.cacheMisses, m.accountHealth, m.tokensTotal)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one completed request's terminal status and
// latency, labeled by the upstream model served and the account it ran on.
func (m *Metrics) ObserveRequest(model, account string, status int, dur time.Duration) {
	s := strconv.Itoa(status)
	m.requestsTotal.WithLabelValues(model, account, s).Inc()
	m.latencyMs.WithLabelValues(model, account, s).Observe(float64(dur.Milliseconds()))
}

// ObserveTokens records token usage for a completed request.
func (m *Metrics) ObserveTokens(model string, input, output, cached int64) {
	if input > 0 {
		m.tokensTotal.WithLabelValues(model, "input").Add(float64(input))
	}
	if output > 0 {
		m.tokensTotal.WithLabelValues(model, "output").Add(float64(output))
	}
	if cached > 0 {
		m.tokensTotal.WithLabelValues(model, "cached").Add(float64(cached))
	}
}

func (m *Metrics) CacheHit(model string) {
	m.cacheHits.WithLabelValues(model).Inc()
}

func (m *Metrics) CacheMiss(model string) {
	m.cacheMisses.WithLabelValues(model).Inc()
}

// SetAccountUsable reports an account's current selectability, so
// `gateway_account_usable == 0` can page on an account that silently fell
// out of rotation.
func (m *Metrics) SetAccountUsable(account string, usable bool) {
	v := 0.0
	if usable {
		v = 1.0
	}
	m.accountHealth.WithLabelValues(account).Set(v)
}
