// Package metrics provides Prometheus instrumentation for the caching core.
//
// Metrics exposed:
//
//	kinotv_cache_requests_total{scope,result}   counter: hit, miss, error
//	kinotv_cache_fetch_duration_seconds{scope}  histogram: catalog fetch latency
//	kinotv_cover_fetches_total{result}          counter: hit, fetched, not_modified, failed
//	kinotv_download_transitions_total{state}    counter: task state changes
//	kinotv_guard_denied_total{key}              counter: rate-limited attempts
//
// All methods are safe on a nil *Metrics, so components can run uninstrumented.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors for one registry.
type Metrics struct {
	cacheRequests  *prometheus.CounterVec
	fetchDuration  *prometheus.HistogramVec
	coverFetches   *prometheus.CounterVec
	downloadStates *prometheus.CounterVec
	guardDenied    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
// Pass prometheus.NewRegistry() in tests to keep registrations isolated.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kinotv_cache_requests_total",
			Help: "Catalog cache lookups by scope and result.",
		}, []string{"scope", "result"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kinotv_cache_fetch_duration_seconds",
			Help:    "Latency of catalog fetches on cache miss.",
			Buckets: prometheus.DefBuckets,
		}, []string{"scope"}),
		coverFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kinotv_cover_fetches_total",
			Help: "Cover image lookups by result.",
		}, []string{"result"}),
		downloadStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kinotv_download_transitions_total",
			Help: "Download task state transitions.",
		}, []string{"state"}),
		guardDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kinotv_guard_denied_total",
			Help: "Attempts denied by a fetch guard.",
		}, []string{"key"}),
	}
	reg.MustRegister(m.cacheRequests, m.fetchDuration, m.coverFetches, m.downloadStates, m.guardDenied)
	return m
}

// Handler returns the HTTP handler for reg, to mount at /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// CacheResult records a catalog cache lookup ("hit", "miss" or "error").
func (m *Metrics) CacheResult(scope, result string) {
	if m == nil {
		return
	}
	m.cacheRequests.WithLabelValues(scope, result).Inc()
}

// ObserveFetch records how long a catalog fetch took.
func (m *Metrics) ObserveFetch(scope string, d time.Duration) {
	if m == nil {
		return
	}
	m.fetchDuration.WithLabelValues(scope).Observe(d.Seconds())
}

// CoverResult records a cover lookup outcome.
func (m *Metrics) CoverResult(result string) {
	if m == nil {
		return
	}
	m.coverFetches.WithLabelValues(result).Inc()
}

// DownloadTransition records a task entering state.
func (m *Metrics) DownloadTransition(state string) {
	if m == nil {
		return
	}
	m.downloadStates.WithLabelValues(state).Inc()
}

// GuardDenied records a rate-limited attempt for key.
func (m *Metrics) GuardDenied(key string) {
	if m == nil {
		return
	}
	m.guardDenied.WithLabelValues(key).Inc()
}
