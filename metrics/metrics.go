// Package metrics holds the Prometheus instruments for the ingestion gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the namespace for all collector metrics.
	Namespace = "conteo"

	// Subsystem is the subsystem for ingestion metrics.
	Subsystem = "ingest"
)

// Metrics holds all Prometheus metrics for the collector. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	ConversionOutcomes *prometheus.CounterVec
	BotsFiltered       *prometheus.CounterVec
	RateLimited        *prometheus.CounterVec
	SiteCacheLookups   *prometheus.CounterVec
}

// New creates and registers the collector metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)
	m := &Metrics{}

	m.RequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "requests_total",
			Help:      "Ingestion requests by endpoint and response status",
		},
		[]string{"endpoint", "status"},
	)

	m.RequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "request_duration_seconds",
			Help:      "Ingestion request latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"endpoint"},
	)

	m.ConversionOutcomes = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "conversion_outcomes_total",
			Help:      "Conversion signals by event type and outcome (created, updated, ignored)",
		},
		[]string{"event_type", "outcome"},
	)

	m.BotsFiltered = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "bots_filtered_total",
			Help:      "Requests acknowledged but dropped because the user agent is a bot",
		},
		[]string{"endpoint"},
	)

	m.RateLimited = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-client rate limiter",
		},
		[]string{"endpoint"},
	)

	m.SiteCacheLookups = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "site_cache_lookups_total",
			Help:      "Site registry cache lookups by result (hit, miss, error)",
		},
		[]string{"result"},
	)

	return m
}

// Site cache lookup results.
const (
	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheError = "error"
)

// RecordRequest records one handled ingestion request.
func (m *Metrics) RecordRequest(endpoint, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(endpoint, status).Inc()
	m.RequestDuration.WithLabelValues(endpoint).Observe(durationSeconds)
}

// RecordConversion records the outcome of one conversion signal.
func (m *Metrics) RecordConversion(eventType, outcome string) {
	if m == nil {
		return
	}
	m.ConversionOutcomes.WithLabelValues(eventType, outcome).Inc()
}

// RecordBot records a request dropped by the bot filter.
func (m *Metrics) RecordBot(endpoint string) {
	if m == nil {
		return
	}
	m.BotsFiltered.WithLabelValues(endpoint).Inc()
}

// RecordRateLimited records a request rejected by the rate limiter.
func (m *Metrics) RecordRateLimited(endpoint string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(endpoint).Inc()
}

// RecordSiteCache records a site cache lookup result.
func (m *Metrics) RecordSiteCache(result string) {
	if m == nil {
		return
	}
	m.SiteCacheLookups.WithLabelValues(result).Inc()
}
