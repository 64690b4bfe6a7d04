package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GatewaySubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_submissions_total",
			Help: "Gateway submissions by final outcome",
		},
		[]string{"outcome"}, // success, transient, permanent
	)

	GatewaySubmitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_submit_duration_seconds",
			Help:    "Latency of a single gateway submit attempt",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
		[]string{"status"},
	)

	TokenFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_token_fetches_total",
			Help: "Token fetches against the gateway auth endpoint",
		},
		[]string{"result"},
	)

	CallbacksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_callbacks_total",
			Help: "Gateway callbacks by event type and handling result",
		},
		[]string{"event", "result"}, // result: applied, noop, not_found, duplicate
	)

	Refunds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sponsor_refunds_total",
			Help: "Refund credits issued to sponsors",
		},
		[]string{"source"}, // dispatch, retry_queue, callback, abort
	)

	RetryQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "retry_queue_depth",
			Help: "Entries currently held by the retry queue",
		},
	)

	RetryQueueDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_queue_dropped_total",
			Help: "Entries removed from the retry queue without success",
		},
		[]string{"reason"}, // max_age, max_attempts, permanent
	)

	CampaignsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaigns_finished_total",
			Help: "Campaigns that reached a final status",
		},
		[]string{"status"},
	)
)

func RecordSubmit(status string, d time.Duration) {
	GatewaySubmitDuration.WithLabelValues(status).Observe(d.Seconds())
}

func IncSubmission(outcome string) {
	GatewaySubmissions.WithLabelValues(outcome).Inc()
}

func IncCallback(event, result string) {
	CallbacksProcessed.WithLabelValues(event, result).Inc()
}

func IncRefund(source string) {
	Refunds.WithLabelValues(source).Inc()
}
