package telemetry

import "github.com/prometheus/client_golang/prometheus"

// HTTPRequestDuration tracks HTTP request latency, shared across all handlers.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "uploadgw",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// AdmissionDecisionsTotal counts admission pipeline outcomes by gate and result (C3).
var AdmissionDecisionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "uploadgw",
		Subsystem: "admission",
		Name:      "decisions_total",
		Help:      "Total number of admission pipeline decisions by gate and outcome.",
	},
	[]string{"layer", "allowed"},
)

// AdmissionFailOpenTotal counts decisions that fail open due to an unreachable durable quota store.
var AdmissionFailOpenTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "uploadgw",
		Subsystem: "admission",
		Name:      "fail_open_total",
		Help:      "Total number of admission decisions that failed open because the quota store was unreachable.",
	},
)

// MetricsDroppedTotal counts usage-metric writes dropped because C2 was unavailable (C4 invariant).
var MetricsDroppedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "uploadgw",
		Subsystem: "usage",
		Name:      "metrics_dropped_total",
		Help:      "Total number of usage metric increments dropped due to counter store errors.",
	},
)

// WebhookDeliveriesTotal counts delivery attempts by outcome (C9).
var WebhookDeliveriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "uploadgw",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Total number of webhook delivery attempts by outcome.",
	},
	[]string{"outcome"}, // completed, retry, dead_letter, circuit_open, file_not_found_yet
)

// WebhookDeliveryDuration tracks end-to-end delivery attempt latency.
var WebhookDeliveryDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "uploadgw",
		Subsystem: "webhook",
		Name:      "delivery_duration_seconds",
		Help:      "Webhook delivery attempt duration in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
	},
	[]string{"provider"},
)

// CircuitBreakerStateGauge reports the current state of each per-host circuit breaker.
var CircuitBreakerStateGauge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "uploadgw",
		Subsystem: "webhook",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per destination host: 0=closed, 1=half-open, 2=open.",
	},
	[]string{"host"},
)

// RollupRowsTotal counts durable rollup upserts performed by C11.
var RollupRowsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "uploadgw",
		Subsystem: "rollup",
		Name:      "rows_total",
		Help:      "Total number of daily rollup rows upserted.",
	},
)

// DeadLetterResurrectedTotal counts dead-letter rows the reaper (C10) re-queued.
var DeadLetterResurrectedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "uploadgw",
		Subsystem: "deadletter",
		Name:      "resurrected_total",
		Help:      "Total number of dead-letter rows resurrected back onto the queue.",
	},
)

// QueueDepthGauge reports the current normal/priority queue depth.
var QueueDepthGauge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "uploadgw",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Current queue depth by lane.",
	},
	[]string{"lane"}, // normal, priority
)

// All returns all gateway-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		AdmissionDecisionsTotal,
		AdmissionFailOpenTotal,
		MetricsDroppedTotal,
		WebhookDeliveriesTotal,
		WebhookDeliveryDuration,
		CircuitBreakerStateGauge,
		RollupRowsTotal,
		DeadLetterResurrectedTotal,
		QueueDepthGauge,
	}
}
