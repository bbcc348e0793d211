// Package metrics wires the router's prometheus instrumentation. One
// Registry instance lives for the process; handlers and the router record
// through it and /metrics exposes it.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Label values shared by recorders.
const (
	OutcomeSuccess     = "success"
	OutcomeFailure     = "failure"
	OutcomeRateLimited = "rate_limited"

	DedupeHit     = "hit"
	DedupeTimeout = "timeout"
	DedupeBypass  = "bypass"

	RejectLowMemory    = "low_memory"
	RejectTokenCeiling = "token_ceiling"
	RejectPromptLength = "prompt_too_long"
	RejectRateLimited  = "rate_limited"
)

// Registry bundles every collector the router emits.
type Registry struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	CacheHitRatio    prometheus.Gauge
	DedupeWaits      *prometheus.CounterVec
	ProviderCalls    *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	BreakerOpen      prometheus.Gauge
	BreakerTrips     prometheus.Counter
	QuotaDecisions   *prometheus.CounterVec
	AdmissionRejects *prometheus.CounterVec
}

// NewRegistry builds and registers all collectors against reg. Tests pass
// a fresh prometheus.NewRegistry to avoid cross-test registration clashes.
func NewRegistry(reg prometheus.Registerer) *Registry {
	durationBuckets := append(prometheus.DefBuckets, 30)

	r := &Registry{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inference_router_requests_total",
			Help: "Requests handled, by product, route, provider and HTTP status",
		}, []string{"product", "route", "provider", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "inference_router_request_duration_seconds",
			Help:    "End to end request latency",
			Buckets: durationBuckets,
		}, []string{"route", "provider"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inference_router_cache_hits_total",
			Help: "Responses served from the shared cache",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inference_router_cache_misses_total",
			Help: "Cache lookups that required dispatch",
		}),
		CacheHitRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "inference_router_cache_hit_ratio",
			Help: "Rolling cache hit ratio since process start",
		}),
		DedupeWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inference_router_dedupe_waits_total",
			Help: "Coalescer wait outcomes for lock losers",
		}, []string{"outcome"}),
		ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inference_router_provider_calls_total",
			Help: "Upstream provider calls by outcome",
		}, []string{"provider", "outcome"}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "inference_router_provider_latency_seconds",
			Help:    "Upstream provider call latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		BreakerOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "inference_router_breaker_open",
			Help: "Whether the groq circuit breaker is open (1) or closed (0)",
		}),
		BreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inference_router_breaker_trips_total",
			Help: "Times the groq circuit breaker opened",
		}),
		QuotaDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inference_router_claude_quota_decisions_total",
			Help: "Premium quota reservations by decision",
		}, []string{"decision"}),
		AdmissionRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inference_router_admission_rejects_total",
			Help: "Requests refused before dispatch, by reason",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		r.RequestsTotal,
		r.RequestDuration,
		r.CacheHits,
		r.CacheMisses,
		r.CacheHitRatio,
		r.DedupeWaits,
		r.ProviderCalls,
		r.ProviderLatency,
		r.BreakerOpen,
		r.BreakerTrips,
		r.QuotaDecisions,
		r.AdmissionRejects,
	)
	return r
}

// RecordRequest counts a finished request and its latency.
func (r *Registry) RecordRequest(product, route, provider string, status int, seconds float64) {
	if product == "" {
		product = "default"
	}
	if route == "" {
		route = "none"
	}
	if provider == "" {
		provider = "none"
	}
	r.RequestsTotal.WithLabelValues(product, route, provider, strconv.Itoa(status)).Inc()
	r.RequestDuration.WithLabelValues(route, provider).Observe(seconds)
}

// RecordCacheHit counts a cache-served response and refreshes the ratio.
func (r *Registry) RecordCacheHit() {
	r.CacheHits.Inc()
	r.updateCacheHitRatio()
}

// RecordCacheMiss counts a dispatched lookup and refreshes the ratio.
func (r *Registry) RecordCacheMiss() {
	r.CacheMisses.Inc()
	r.updateCacheHitRatio()
}

// RecordDedupeWait counts a coalescer wait outcome.
func (r *Registry) RecordDedupeWait(outcome string) {
	r.DedupeWaits.WithLabelValues(outcome).Inc()
}

// RecordProviderCall counts one upstream exchange.
func (r *Registry) RecordProviderCall(provider, outcome string, seconds float64) {
	r.ProviderCalls.WithLabelValues(provider, outcome).Inc()
	r.ProviderLatency.WithLabelValues(provider).Observe(seconds)
}

// SetBreakerOpen mirrors the breaker state into the gauge.
func (r *Registry) SetBreakerOpen(open bool) {
	if open {
		r.BreakerOpen.Set(1)
		return
	}
	r.BreakerOpen.Set(0)
}

// RecordBreakerTrip counts a closed-to-open transition.
func (r *Registry) RecordBreakerTrip() {
	r.BreakerTrips.Inc()
	r.BreakerOpen.Set(1)
}

// RecordQuotaDecision counts a premium reservation outcome.
func (r *Registry) RecordQuotaDecision(allowed bool) {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	r.QuotaDecisions.WithLabelValues(decision).Inc()
}

// RecordAdmissionReject counts a request refused before dispatch.
func (r *Registry) RecordAdmissionReject(reason string) {
	r.AdmissionRejects.WithLabelValues(reason).Inc()
}

// updateCacheHitRatio recomputes the gauge from the two counters.
func (r *Registry) updateCacheHitRatio() {
	var hits, misses dto.Metric
	if err := r.CacheHits.Write(&hits); err != nil {
		return
	}
	if err := r.CacheMisses.Write(&misses); err != nil {
		return
	}
	total := hits.GetCounter().GetValue() + misses.GetCounter().GetValue()
	if total > 0 {
		r.CacheHitRatio.Set(hits.GetCounter().GetValue() / total)
	}
}
