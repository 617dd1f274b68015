package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "sensorwatch_"

	refreshApplied         = "applied"
	refreshStale           = "stale"
	refreshUnauthenticated = "unauthenticated"
	refreshError           = "error"

	resolveOK         = "ok"
	resolveNotFound   = "not_found"
	resolveRolledBack = "rolled_back"
)

var (
	registerOnce sync.Once

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	anomalyFallbacks *prometheus.CounterVec

	refreshTotal   *prometheus.CounterVec
	refreshLatency *prometheus.HistogramVec

	resolveTotal *prometheus.CounterVec

	issuesGauge *prometheus.GaugeVec
)

// Init registers metrics with the default registry. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		httpRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "http_requests_total",
				Help: "Total backend HTTP requests by endpoint and result tag",
			},
			[]string{"endpoint", "tag"},
		)
		httpLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "http_request_latency_seconds",
				Help:    "Backend HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint", "tag"},
		)

		anomalyFallbacks = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "anomaly_fallbacks_total",
				Help: "Anomaly service calls answered with a fallback value",
			},
			[]string{"operation", "tag"},
		)

		refreshTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "refresh_total",
				Help: "Status refresh cycles by result",
			},
			[]string{"result"},
		)
		refreshLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "refresh_latency_seconds",
				Help:    "Status refresh latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		resolveTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "resolve_total",
				Help: "Issue resolutions by outcome",
			},
			[]string{"outcome"},
		)

		issuesGauge = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "issues",
				Help: "Unresolved issues currently shown, by severity",
			},
			[]string{"severity"},
		)

		prometheus.MustRegister(
			httpRequests,
			httpLatency,
			anomalyFallbacks,
			refreshTotal,
			refreshLatency,
			resolveTotal,
			issuesGauge,
		)
	})
}

// ObserveHTTPRequest records one backend request.
func ObserveHTTPRequest(endpoint, tag string, duration time.Duration) {
	if endpoint == "" {
		endpoint = "unknown"
	}
	if tag == "" {
		tag = "unknown"
	}
	if httpRequests != nil {
		httpRequests.WithLabelValues(endpoint, tag).Inc()
	}
	if httpLatency != nil {
		httpLatency.WithLabelValues(endpoint, tag).Observe(duration.Seconds())
	}
}

// IncAnomalyFallback counts a fallback answer for operation.
func IncAnomalyFallback(operation, tag string) {
	if operation == "" {
		operation = "unknown"
	}
	if anomalyFallbacks != nil {
		anomalyFallbacks.WithLabelValues(operation, tag).Inc()
	}
}

// ObserveRefresh records a refresh cycle.
func ObserveRefresh(result string, duration time.Duration) {
	if result == "" {
		result = refreshApplied
	}
	if refreshTotal != nil {
		refreshTotal.WithLabelValues(result).Inc()
	}
	if refreshLatency != nil {
		refreshLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncResolve counts a resolution outcome.
func IncResolve(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	if resolveTotal != nil {
		resolveTotal.WithLabelValues(outcome).Inc()
	}
}

// SetIssues publishes issue counts per severity. Severities missing from counts are reset to zero.
func SetIssues(counts map[string]int) {
	if issuesGauge == nil {
		return
	}
	for _, severity := range []string{"critical", "high", "medium", "low"} {
		issuesGauge.WithLabelValues(severity).Set(float64(counts[severity]))
	}
}

// Exported constants for callers.
const (
	RefreshApplied         = refreshApplied
	RefreshStale           = refreshStale
	RefreshUnauthenticated = refreshUnauthenticated
	RefreshError           = refreshError

	ResolveOK         = resolveOK
	ResolveNotFound   = resolveNotFound
	ResolveRolledBack = resolveRolledBack
)
