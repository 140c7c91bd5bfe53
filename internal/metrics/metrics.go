// Package metrics bundles the Prometheus collectors of the service. All
// methods are safe on a nil *Metrics so callers can run without metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/you/gnasty-emotes/internal/decodecache"
)

const namespace = "gnasty"

type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	rateLimited     prometheus.Counter
	frameClients    prometheus.Gauge
	streamClients   prometheus.Gauge
	broadcastDrops  *prometheus.CounterVec

	annotations     prometheus.Counter
	occurrences     *prometheus.CounterVec
	catalogEmotes   *prometheus.GaugeVec
	refreshTotal    *prometheus.CounterVec
	refreshDuration *prometheus.HistogramVec
	guardOutcomes   *prometheus.CounterVec
	dbWriteErrors   prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests received",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_rate_limited_total",
			Help:      "Number of HTTP requests rejected due to rate limiting",
		}),
		frameClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "frame_clients",
			Help:      "Current connected frame WebSocket clients",
		}),
		streamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sse_clients",
			Help:      "Current connected SSE clients",
		}),
		broadcastDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_drops_total",
			Help:      "Number of messages dropped due to slow clients",
		}, []string{"transport"}),
		annotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "annotations_total",
			Help:      "Number of messages annotated",
		}),
		occurrences: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emote_occurrences_total",
			Help:      "Emote occurrences found in messages",
		}, []string{"source"}),
		catalogEmotes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "catalog_emotes",
			Help:      "Entries in the current catalog snapshot",
		}, []string{"provider", "channel"}),
		refreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_refresh_total",
			Help:      "Catalog refresh attempts by provider and result",
		}, []string{"provider", "result"}),
		refreshDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "catalog_refresh_duration_seconds",
			Help:      "Histogram of catalog refresh durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		guardOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backfill_guard_total",
			Help:      "Backfill gate decisions",
		}, []string{"result"}),
		dbWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_write_errors_total",
			Help:      "Number of database write errors reported",
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		m.requestsTotal,
		m.requestDuration,
		m.rateLimited,
		m.frameClients,
		m.streamClients,
		m.broadcastDrops,
		m.annotations,
		m.occurrences,
		m.catalogEmotes,
		m.refreshTotal,
		m.refreshDuration,
		m.guardOutcomes,
		m.dbWriteErrors,
	)
	return m
}

// Handler returns an HTTP handler exposing the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRequest records timing and status information.
func (m *Metrics) ObserveRequest(route, method string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(dur.Seconds())
}

func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// IncFrameClients adjusts the frame client gauge by delta.
func (m *Metrics) IncFrameClients(delta float64) {
	if m == nil {
		return
	}
	m.frameClients.Add(delta)
}

// IncStreamClients adjusts the SSE client gauge by delta.
func (m *Metrics) IncStreamClients(delta float64) {
	if m == nil {
		return
	}
	m.streamClients.Add(delta)
}

// IncBroadcastDrops increments the drop counter.
func (m *Metrics) IncBroadcastDrops(transport string) {
	if m == nil {
		return
	}
	m.broadcastDrops.WithLabelValues(transport).Inc()
}

// ObserveAnnotation counts one annotated message and its occurrences.
func (m *Metrics) ObserveAnnotation(firstParty, thirdParty int) {
	if m == nil {
		return
	}
	m.annotations.Inc()
	m.occurrences.WithLabelValues("first_party").Add(float64(firstParty))
	m.occurrences.WithLabelValues("third_party").Add(float64(thirdParty))
}

// SetCatalogSize records the size of a freshly published snapshot. Global
// tables use the channel label "global".
func (m *Metrics) SetCatalogSize(provider, channel string, n int) {
	if m == nil {
		return
	}
	if channel == "" {
		channel = "global"
	}
	m.catalogEmotes.WithLabelValues(provider, channel).Set(float64(n))
}

// DeleteChannel drops the per-channel series of channel.
func (m *Metrics) DeleteChannel(channel string) {
	if m == nil || channel == "" {
		return
	}
	m.catalogEmotes.DeletePartialMatch(prometheus.Labels{"channel": channel})
}

// ObserveRefresh records one refresh attempt.
func (m *Metrics) ObserveRefresh(provider string, dur time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.refreshTotal.WithLabelValues(provider, result).Inc()
	m.refreshDuration.WithLabelValues(provider).Observe(dur.Seconds())
}

// ObserveGuard records a backfill gate decision: "fetch", "skip" or "error".
func (m *Metrics) ObserveGuard(result string) {
	if m == nil {
		return
	}
	m.guardOutcomes.WithLabelValues(result).Inc()
}

func (m *Metrics) IncDBWriteErrors() {
	if m == nil {
		return
	}
	m.dbWriteErrors.Inc()
}

// RegisterDecodeCache exports the counters of a decode cache.
func (m *Metrics) RegisterDecodeCache(stats func() decodecache.Stats, size func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_cache_hits_total",
			Help:      "Decode cache lookups that found a value",
		}, func() float64 { return float64(stats().Hits) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_cache_misses_total",
			Help:      "Decode cache lookups that found nothing",
		}, func() float64 { return float64(stats().Misses) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_cache_evictions_total",
			Help:      "Values released by the decode cache",
		}, func() float64 { return float64(stats().Evictions) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "decode_cache_entries",
			Help:      "Values currently held by the decode cache",
		}, func() float64 { return float64(size()) }),
	)
}
