// Package metrics exposes the gateway's Prometheus instrumentation.
// Every vector is registered once at init via promauto; the helpers
// below keep label ordering in one place.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelbridge_requests_total",
			Help: "Total number of requests processed",
		},
		[]string{"caller", "provider", "feature", "outcome"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelbridge_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"caller", "provider", "feature"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelbridge_tokens_total",
			Help: "Total number of tokens processed",
		},
		[]string{"caller", "provider", "model", "type"},
	)

	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelbridge_cost_usd_total",
			Help: "Total cost in USD",
		},
		[]string{"caller", "provider", "model"},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelbridge_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"caller", "feature"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelbridge_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"caller", "feature"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "modelbridge_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"provider"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelbridge_provider_errors_total",
			Help: "Total number of provider errors",
		},
		[]string{"provider", "error_type"},
	)

	RateLimitDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelbridge_rate_limit_denials_total",
			Help: "Total number of requests denied by the rate limiter",
		},
		[]string{"scope"},
	)

	QuotaDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelbridge_quota_denials_total",
			Help: "Total number of requests denied by quota enforcement",
		},
		[]string{"scope", "type"},
	)

	QuotaUsageRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "modelbridge_quota_usage_ratio",
			Help: "Current quota usage ratio (0-1)",
		},
		[]string{"scope", "type"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "modelbridge_active_streams",
			Help: "Number of active streaming responses",
		},
	)

	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "modelbridge_active_connections",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	InstanceInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "modelbridge_instance_info",
			Help: "Instance information (always 1)",
		},
		[]string{"instance", "version"},
	)
)

func RecordRequest(caller, provider, feature, outcome string, durationSec float64) {
	RequestsTotal.WithLabelValues(caller, provider, feature, outcome).Inc()
	RequestDuration.WithLabelValues(caller, provider, feature).Observe(durationSec)
}

func RecordTokens(caller, provider, model string, promptTokens, completionTokens int) {
	TokensTotal.WithLabelValues(caller, provider, model, "prompt").Add(float64(promptTokens))
	TokensTotal.WithLabelValues(caller, provider, model, "completion").Add(float64(completionTokens))
}

func RecordCost(caller, provider, model string, costUSD float64) {
	CostTotal.WithLabelValues(caller, provider, model).Add(costUSD)
}

func RecordCacheHit(caller, feature string) {
	CacheHits.WithLabelValues(caller, feature).Inc()
}

func RecordCacheMiss(caller, feature string) {
	CacheMisses.WithLabelValues(caller, feature).Inc()
}

func RecordProviderError(provider, errorType string) {
	ProviderErrors.WithLabelValues(provider, errorType).Inc()
}

func RecordRateLimitDenial(scope string) {
	RateLimitDenials.WithLabelValues(scope).Inc()
}

func RecordQuotaDenial(scope, quotaType string) {
	QuotaDenials.WithLabelValues(scope, quotaType).Inc()
}

func SetCircuitBreakerState(provider string, state int) {
	CircuitBreakerState.WithLabelValues(provider).Set(float64(state))
}

func SetQuotaUsage(scope, quotaType string, ratio float64) {
	QuotaUsageRatio.WithLabelValues(scope, quotaType).Set(ratio)
}

// InitInstanceInfo registers the running instance. Call once at startup.
func InitInstanceInfo(instance, version string) {
	InstanceInfo.WithLabelValues(instance, version).Set(1)
}
