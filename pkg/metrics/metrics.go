package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	PipelineOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wis2sub_pipeline_outcomes_total",
			Help: "Total number of per-message pipeline outcomes by status (count)",
		},
		[]string{"status"},
	)

	PipelineStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wis2sub_pipeline_stage_duration_ms",
			Help:    "Per-stage processing duration in milliseconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"stage"},
	)

	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wis2sub_dispatch_duration_ms",
			Help:    "Downstream sink dispatch duration in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"status"},
	)

	MessagesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wis2sub_messages_received_total",
			Help: "Total number of raw messages received from the broker (count)",
		},
		[]string{"topic_prefix"},
	)

	ReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wis2sub_broker_reconnects_total",
			Help: "Total number of broker reconnect attempts (count)",
		},
	)

	SessionState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wis2sub_session_state",
			Help: "Subscription session state (0=disconnected, 1=connecting, 2=subscribed, 3=draining, 4=closed) (state code)",
		},
	)

	InFlightMessages = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wis2sub_inflight_messages",
			Help: "Number of messages currently in the pipeline (count)",
		},
	)

	DispatchRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wis2sub_dispatch_retries_total",
			Help: "Total number of dispatch retry attempts (count)",
		},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wis2sub_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wis2sub_circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)
)

func RegisterPipelineMetrics() {
	prometheus.MustRegister(
		PipelineOutcomesTotal,
		PipelineStageDuration,
		DispatchDuration,
		MessagesReceivedTotal,
		ReconnectsTotal,
		SessionState,
		InFlightMessages,
		DispatchRetriesTotal,
	)
}

func RegisterCircuitBreakerMetrics() {
	prometheus.MustRegister(
		CircuitBreakerState,
		CircuitBreakerFailures,
	)
}

func ObserveStageDuration(stage string, d time.Duration) {
	PipelineStageDuration.WithLabelValues(stage).Observe(float64(d.Milliseconds()))
}

func ObserveDispatchDuration(d time.Duration, status string) {
	DispatchDuration.WithLabelValues(status).Observe(float64(d.Milliseconds()))
}

func SetSessionState(state int) {
	SessionState.Set(float64(state))
}
