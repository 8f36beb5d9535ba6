package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "submitgate"

var (
	upstreamReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Total upstream requests by dependency and result",
		},
		[]string{"dependency", "result"},
	)

	upstreamLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Duration of upstream requests by dependency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"dependency"},
	)

	stageLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages by endpoint and stage",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"endpoint", "stage"},
	)

	outcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_outcomes_total",
			Help:      "Pipeline outcomes by endpoint, result and reason",
		},
		[]string{"endpoint", "result", "reason"},
	)

	quotaDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_decisions_total",
			Help:      "Quota admission decisions",
		},
		[]string{"decision"},
	)

	breakerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_events_total",
			Help:      "Circuit breaker state transitions by dependency",
		},
		[]string{"dependency", "state"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code",
		},
		[]string{"route", "code"},
	)

	initOnce sync.Once
)

// Init registers collectors.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(upstreamReqs, upstreamLatency, stageLatency, outcomes, quotaDecisions, breakerEvents, httpRequests)
	})
}

// Handler returns the http.Handler for /metrics
func Handler() http.Handler { return promhttp.Handler() }

func ObserveUpstream(dependency, result string, dur time.Duration) {
	upstreamReqs.WithLabelValues(dependency, result).Inc()
	upstreamLatency.WithLabelValues(dependency).Observe(dur.Seconds())
}

func ObserveStage(endpoint, stage string, dur time.Duration) {
	stageLatency.WithLabelValues(endpoint, stage).Observe(dur.Seconds())
}

func IncOutcome(endpoint, result, reason string) {
	outcomes.WithLabelValues(endpoint, result, reason).Inc()
}

func IncQuotaDecision(allowed bool) {
	if allowed {
		quotaDecisions.WithLabelValues("allowed").Inc()
		return
	}
	quotaDecisions.WithLabelValues("refused").Inc()
}

// BreakerState records a breaker transition into state.
func BreakerState(dependency, state string) { breakerEvents.WithLabelValues(dependency, state).Inc() }

func IncHTTP(route string, code int) { httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc() }
