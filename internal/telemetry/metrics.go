// Package telemetry provides observability primitives for the Palantir proxy.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the proxy.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	RateLimitRejects *prometheus.CounterVec
	TokensProcessed  *prometheus.CounterVec
	KeySelections    *prometheus.CounterVec
	KeysByState      *prometheus.GaugeVec
	ScreenedKeys     *prometheus.CounterVec
	StreamsActive    prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "palantir",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "palantir",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "palantir",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"model", "outcome"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "upstream_errors_total",
			Help:      "Total upstream errors by classification.",
		}, []string{"kind"}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "cache_hits_total",
			Help:      "Total requests bound to upstream cached content.",
		}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "cache_misses_total",
			Help:      "Total cache-eligible requests with no matching handle.",
		}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "ratelimit_rejects_total",
			Help:      "Total per-IP rate limit rejections.",
		}, []string{"scope"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "direction"}),

		KeySelections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "key_selections_total",
			Help:      "Total key selections by mode.",
		}, []string{"mode"}),

		KeysByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "palantir",
			Name:      "keys",
			Help:      "Pool keys by state.",
		}, []string{"state"}),

		ScreenedKeys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "keys_screened_total",
			Help:      "Total keys passed over during selection, by reason.",
		}, []string{"reason"}),

		StreamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "palantir",
			Name:      "streams_active",
			Help:      "Number of currently open outbound streams.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.CacheHits,
		m.CacheMisses,
		m.RateLimitRejects,
		m.TokensProcessed,
		m.KeySelections,
		m.KeysByState,
		m.ScreenedKeys,
		m.StreamsActive,
	)

	return m
}
