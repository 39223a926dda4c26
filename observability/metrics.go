package observability

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics tracks request handling on the public and admin APIs.
type HTTPMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	httpMetricsOnce sync.Once
	httpRegistry    *HTTPMetrics

	rewardMetricsOnce sync.Once
	rewardRegistry    *RewarddMetrics
)

// HTTP returns the lazily-initialised HTTP metrics registry.
func HTTP() *HTTPMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &HTTPMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vendorvote",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "vendorvote",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vendorvote",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of requests rejected by the rate limiter.",
			}, []string{"route"}),
		}
		prometheus.MustRegister(httpRegistry.requests, httpRegistry.latency, httpRegistry.throttles)
	})
	return httpRegistry
}

// Observe records the outcome of a handled request.
func (m *HTTPMetrics) Observe(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	label := labelValue(route)
	m.requests.WithLabelValues(label, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(label).Observe(d.Seconds())
}

// RecordThrottle increments the throttle counter for the route.
func (m *HTTPMetrics) RecordThrottle(route string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(labelValue(route)).Inc()
}

// RewarddMetrics wraps collectors tracking the vote reward engine.
type RewarddMetrics struct {
	votes         *prometheus.CounterVec
	distributions *prometheus.CounterVec
	latency       prometheus.Histogram
	retries       *prometheus.CounterVec
	flushes       *prometheus.CounterVec
	queueDepth    prometheus.Gauge
	pauseEngaged  prometheus.Gauge
}

// Rewardd exposes the metrics registry for rewardd.
func Rewardd() *RewarddMetrics {
	rewardMetricsOnce.Do(func() {
		rewardRegistry = &RewarddMetrics{
			votes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vendorvote",
				Subsystem: "rewardd",
				Name:      "votes_total",
				Help:      "Votes processed by admission segmented by kind and outcome.",
			}, []string{"kind", "outcome"}),
			distributions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vendorvote",
				Subsystem: "rewardd",
				Name:      "distributions_total",
				Help:      "Distribution attempts that reached a final state, segmented by outcome and error class.",
			}, []string{"outcome", "class"}),
			latency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "vendorvote",
				Subsystem: "rewardd",
				Name:      "distribution_latency_seconds",
				Help:      "Time from distribution start to a confirmed on-chain transfer.",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
			}),
			retries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vendorvote",
				Subsystem: "rewardd",
				Name:      "retries_total",
				Help:      "Distribution retries segmented by error class.",
			}, []string{"class"}),
			flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vendorvote",
				Subsystem: "rewardd",
				Name:      "backlog_flushes_total",
				Help:      "Backlog flushes segmented by trigger.",
			}, []string{"trigger"}),
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "vendorvote",
				Subsystem: "rewardd",
				Name:      "signer_queue_depth",
				Help:      "Submissions waiting for the shared signer.",
			}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "vendorvote",
				Subsystem: "rewardd",
				Name:      "pause_engaged",
				Help:      "Indicates whether the operator pause guard is active (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			rewardRegistry.votes,
			rewardRegistry.distributions,
			rewardRegistry.latency,
			rewardRegistry.retries,
			rewardRegistry.flushes,
			rewardRegistry.queueDepth,
			rewardRegistry.pauseEngaged,
		)
	})
	return rewardRegistry
}

// RecordVote counts an admission decision.
func (m *RewarddMetrics) RecordVote(kind, outcome string) {
	if m == nil {
		return
	}
	m.votes.WithLabelValues(labelValue(kind), labelValue(outcome)).Inc()
}

// RecordDistribution counts a record reaching distributed or failed.
func (m *RewarddMetrics) RecordDistribution(outcome, class string) {
	if m == nil {
		return
	}
	m.distributions.WithLabelValues(labelValue(outcome), labelValue(class)).Inc()
}

// ObserveLatency records the duration of a successful distribution.
func (m *RewarddMetrics) ObserveLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.latency.Observe(d.Seconds())
}

// RecordRetry counts a scheduled retry.
func (m *RewarddMetrics) RecordRetry(class string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(labelValue(class)).Inc()
}

// RecordFlush counts a backlog flush.
func (m *RewarddMetrics) RecordFlush(trigger string) {
	if m == nil {
		return
	}
	m.flushes.WithLabelValues(labelValue(trigger)).Inc()
}

// SetQueueDepth updates the signer queue gauge.
func (m *RewarddMetrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// SetPause toggles the pause_engaged gauge.
func (m *RewarddMetrics) SetPause(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.pauseEngaged.Set(1)
		return
	}
	m.pauseEngaged.Set(0)
}

func labelValue(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}
