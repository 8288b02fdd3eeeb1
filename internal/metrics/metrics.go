// Package metrics exposes Prometheus collectors for the scheduling engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bookcal"

type Metrics struct {
	registry *prometheus.Registry

	providerRequests *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	tokenRefreshes   *prometheus.CounterVec
	bookings         *prometheus.CounterVec
	pushJobs         *prometheus.CounterVec
	availability     *prometheus.CounterVec
	busyCache        *prometheus.CounterVec
}

// New registers the collectors on a fresh registry together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		providerRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Calendar provider calls by provider, operation and outcome.",
		}, []string{"provider", "operation", "outcome"}),
		providerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Calendar provider call latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"provider", "operation"}),
		tokenRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "OAuth token refresh attempts by outcome.",
		}, []string{"outcome"}),
		bookings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_creates_total",
			Help:      "Booking create attempts by outcome.",
		}, []string{"outcome"}),
		pushJobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_jobs_total",
			Help:      "Calendar push jobs processed by kind and outcome.",
		}, []string{"kind", "outcome"}),
		availability: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "availability_queries_total",
			Help:      "Availability queries by external sync state.",
		}, []string{"sync"}),
		busyCache: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "busy_cache_lookups_total",
			Help:      "External busy cache lookups by result.",
		}, []string{"result"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

func (m *Metrics) RecordProviderCall(provider, operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.providerRequests.WithLabelValues(provider, operation, outcome).Inc()
	m.providerDuration.WithLabelValues(provider, operation).Observe(d.Seconds())
}

func (m *Metrics) RecordTokenRefresh(outcome string) {
	if m == nil {
		return
	}
	m.tokenRefreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordBookingCreate(outcome string) {
	if m == nil {
		return
	}
	m.bookings.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordPushJob(kind, outcome string) {
	if m == nil {
		return
	}
	m.pushJobs.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) RecordAvailability(sync string) {
	if m == nil {
		return
	}
	m.availability.WithLabelValues(sync).Inc()
}

func (m *Metrics) RecordBusyCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.busyCache.WithLabelValues(result).Inc()
}
