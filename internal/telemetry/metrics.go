package telemetry

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Invocations counts completed tool invocations by outcome.
var Invocations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "toolgate",
	Name:      "invocations_total",
	Help:      "Tool invocations by project, tool and response status.",
}, []string{"project", "tool", "status"})

// CacheResults counts cache lookups by X-Cache value.
var CacheResults = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "toolgate",
	Name:      "cache_results_total",
	Help:      "Cache lookups by result (HIT, MISS, STALE, BYPASS).",
}, []string{"result"})

// RateLimitRejections counts calls rejected by a rate limit.
var RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "toolgate",
	Name:      "rate_limit_rejections_total",
	Help:      "Calls rejected by a rate limit, by mode.",
}, []string{"mode"})

// OriginLatency tracks origin dispatch duration in seconds.
var OriginLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "toolgate",
	Name:      "origin_latency_seconds",
	Help:      "Origin dispatch duration in seconds.",
	Buckets:   prometheus.DefBuckets,
}, []string{"origin"})

// MeteringFailures counts usage records that could not be delivered.
var MeteringFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "toolgate",
	Name:      "metering_failures_total",
	Help:      "Usage records that failed delivery to the ledger.",
})

// UsageRecords counts usage records emitted.
var UsageRecords = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "toolgate",
	Name:      "usage_records_total",
	Help:      "Usage records emitted for billing.",
})

// ObserveInvocation records one finished invocation.
func ObserveInvocation(project, tool string, status int) {
	Invocations.WithLabelValues(project, tool, strconv.Itoa(status)).Inc()
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
