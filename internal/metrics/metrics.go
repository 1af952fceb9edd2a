package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	HTTPRequests     *prometheus.CounterVec
	HTTPLatency      *prometheus.HistogramVec
	UpstreamRequests *prometheus.CounterVec
	UpstreamLatency  *prometheus.HistogramVec
	WebhookEvents    *prometheus.CounterVec
	CacheLookups     *prometheus.CounterVec
	Errors           *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests served by route and status.",
			}, []string{"route", "status"}),
			HTTPLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Latency distribution of served HTTP requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			UpstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_requests_total",
				Help:      "Total third-party API requests by service, endpoint and status.",
			}, []string{"service", "endpoint", "status"}),
			UpstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_request_duration_seconds",
				Help:      "Latency distribution for third-party API requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"service", "endpoint"}),
			WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_events_total",
				Help:      "Webhook deliveries by event type and outcome.",
			}, []string{"event", "outcome"}),
			CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Cache lookups by key family and result.",
			}, []string{"family", "result"}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.HTTPRequests,
			metricsInstance.HTTPLatency,
			metricsInstance.UpstreamRequests,
			metricsInstance.UpstreamLatency,
			metricsInstance.WebhookEvents,
			metricsInstance.CacheLookups,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}

// ObserveUpstream records one third-party call. Safe on a nil receiver.
func (m *Metrics) ObserveUpstream(service, endpoint, status string, seconds float64) {
	if m == nil {
		return
	}
	m.UpstreamRequests.WithLabelValues(service, endpoint, status).Inc()
	if status != "error" {
		m.UpstreamLatency.WithLabelValues(service, endpoint).Observe(seconds)
	}
}

// IncError bumps the error counter for component. Safe on a nil receiver.
func (m *Metrics) IncError(component string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(component).Inc()
}

// CacheResult records a cache hit or miss. Safe on a nil receiver.
func (m *Metrics) CacheResult(family string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(family, result).Inc()
}

// ObserveHTTP records one served request. Safe on a nil receiver.
func (m *Metrics) ObserveHTTP(route string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.HTTPLatency.WithLabelValues(route).Observe(seconds)
}
