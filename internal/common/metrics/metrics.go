package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Listener metrics

	// ListenerPollDuration tracks queue poll latency
	ListenerPollDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "queueflow",
			Subsystem: "listener",
			Name:      "poll_duration_seconds",
			Help:      "Time to fetch one batch from the queue",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"queue"},
	)

	// ListenerBatchSize tracks messages retrieved per poll
	ListenerBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "queueflow",
			Subsystem: "listener",
			Name:      "batch_size",
			Help:      "Messages retrieved per poll",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32},
		},
		[]string{"queue"},
	)

	// ListenerBackoffDelay tracks the most recent backoff delay chosen
	ListenerBackoffDelay = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "queueflow",
			Subsystem: "listener",
			Name:      "backoff_delay_seconds",
			Help:      "Most recent backoff delay chosen by the poll loop",
		},
		[]string{"queue"},
	)

	// ListenerInFlight tracks currently running dispatchers
	ListenerInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "queueflow",
			Subsystem: "listener",
			Name:      "in_flight_messages",
			Help:      "Messages currently being dispatched",
		},
		[]string{"queue"},
	)

	// ListenerMessagesProcessed tracks completed message outcomes
	ListenerMessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "queueflow",
			Subsystem: "listener",
			Name:      "messages_processed_total",
			Help:      "Total messages processed by outcome",
		},
		[]string{"queue", "result"}, // result: success, retried, poisoned, skipped
	)

	// ListenerVisibilityExtensions tracks visibility renewal attempts
	ListenerVisibilityExtensions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "queueflow",
			Subsystem: "listener",
			Name:      "visibility_extensions_total",
			Help:      "Total visibility extension attempts",
		},
		[]string{"queue", "result"}, // result: success, failure
	)

	// ListenerStorageErrors tracks transient storage errors seen while polling
	ListenerStorageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "queueflow",
			Subsystem: "listener",
			Name:      "storage_errors_total",
			Help:      "Total transient storage errors during polling",
		},
		[]string{"queue", "kind"}, // kind: not_found, conflict, server_error
	)

	// ListenerPoisonMessages tracks messages moved to the poison queue
	ListenerPoisonMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "queueflow",
			Subsystem: "listener",
			Name:      "poison_messages_total",
			Help:      "Total messages moved to the poison queue",
		},
		[]string{"queue"},
	)

	// Scale monitor metrics

	// ScaleVotes tracks scale votes emitted
	ScaleVotes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "queueflow",
			Subsystem: "scale",
			Name:      "votes_total",
			Help:      "Total scale votes emitted by vote",
		},
		[]string{"queue", "vote"}, // vote: none, scale_out, scale_in
	)

	// ScaleQueueLength tracks the last sampled approximate queue length
	ScaleQueueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "queueflow",
			Subsystem: "scale",
			Name:      "queue_length",
			Help:      "Last sampled approximate queue length",
		},
		[]string{"queue"},
	)

	// ScaleHeadAge tracks the last sampled head message age
	ScaleHeadAge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "queueflow",
			Subsystem: "scale",
			Name:      "head_age_seconds",
			Help:      "Last sampled age of the oldest visible message",
		},
		[]string{"queue"},
	)

	// Handler metrics

	// HandlerDeliveries tracks handler delivery outcomes
	HandlerDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "queueflow",
			Subsystem: "handler",
			Name:      "deliveries_total",
			Help:      "Total handler deliveries by outcome",
		},
		[]string{"result"}, // result: success, failure, rejected
	)

	// HandlerDeliveryDuration tracks handler delivery duration
	HandlerDeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "queueflow",
			Subsystem: "handler",
			Name:      "delivery_duration_seconds",
			Help:      "Time to deliver a message to the target",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// HandlerCircuitBreakerState tracks circuit breaker state
	// 0 = closed (healthy), 1 = open (tripped), 2 = half-open (testing)
	HandlerCircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "queueflow",
			Subsystem: "handler",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
	)
)

// CircuitBreakerState constants
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerOpen     = 1
	CircuitBreakerHalfOpen = 2
)
