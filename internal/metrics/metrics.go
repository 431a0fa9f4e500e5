package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsTriggeredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalhook_events_triggered_total",
			Help: "Total number of events triggered by tenant.",
		},
		[]string{"tenant_id"},
	)

	FanoutTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "signalhook_fanout_total",
			Help: "Total number of delivery logs created by event fan-out.",
		},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalhook_deliveries_total",
			Help: "Total number of delivery attempts by resulting status.",
		},
		[]string{"status"}, // delivered, retrying, failed, cancelled
	)

	DeliveryLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "signalhook_delivery_latency_seconds",
			Help:    "Latency of outbound delivery attempts.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"outcome"},
	)

	HTTPDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalhook_http_deliveries_total",
			Help: "Total number of HTTP responses received by status code.",
		},
		[]string{"status_code"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalhook_retries_total",
			Help: "Total number of scheduled retries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, other
	)

	FailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalhook_deliveries_failed_total",
			Help: "Total number of delivery series that ended in failed, by last reason.",
		},
		[]string{"reason"},
	)

	SubscriptionsDisabledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "signalhook_subscriptions_disabled_total",
			Help: "Total number of subscriptions disabled by the circuit breaker.",
		},
	)

	SweepRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalhook_sweep_runs_total",
			Help: "Total number of retry sweeps by result.",
		},
		[]string{"result"}, // ok, error, skipped
	)

	SweepBatchSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "signalhook_sweep_batch_size",
			Help: "Number of due logs picked up by the last sweep.",
		},
	)

	QueueBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "signalhook_queue_backlog",
			Help: "Depth of the worker channel on the deliveries topic.",
		},
	)

	NSQChannelDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "signalhook_nsq_channel_depth",
			Help: "Depth of NSQ channels.",
		},
		[]string{"topic", "channel"},
	)

	NSQChannelInflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "signalhook_nsq_channel_inflight",
			Help: "In-flight messages of NSQ channels.",
		},
		[]string{"topic", "channel"},
	)
)

// MustRegister registers every collector with reg.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		EventsTriggeredTotal,
		FanoutTotal,
		DeliveriesTotal,
		DeliveryLatencySeconds,
		HTTPDeliveriesTotal,
		RetriesTotal,
		FailedTotal,
		SubscriptionsDisabledTotal,
		SweepRunsTotal,
		SweepBatchSize,
		QueueBacklog,
		NSQChannelDepth,
		NSQChannelInflight,
	)
}

func RecordEventTriggered(tenantID string, fanout int) {
	EventsTriggeredTotal.WithLabelValues(tenantID).Inc()
	FanoutTotal.Add(float64(fanout))
}

// RecordAttempt counts one attempt by the status it left the log in.
func RecordAttempt(status, outcome string, latency time.Duration) {
	DeliveriesTotal.WithLabelValues(status).Inc()
	DeliveryLatencySeconds.WithLabelValues(outcome).Observe(latency.Seconds())
}

func RecordHTTPStatus(code string) {
	HTTPDeliveriesTotal.WithLabelValues(code).Inc()
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordFailed(reason string) {
	FailedTotal.WithLabelValues(reason).Inc()
}

func RecordCancelled() {
	DeliveriesTotal.WithLabelValues("cancelled").Inc()
}

func RecordSubscriptionDisabled() {
	SubscriptionsDisabledTotal.Inc()
}

func RecordSweep(result string, picked int) {
	SweepRunsTotal.WithLabelValues(result).Inc()
	if result != "skipped" {
		SweepBatchSize.Set(float64(picked))
	}
}

func UpdateQueueBacklog(depth float64) {
	QueueBacklog.Set(depth)
}

func UpdateNSQChannelDepth(topic, channel string, depth float64) {
	NSQChannelDepth.WithLabelValues(topic, channel).Set(depth)
}

func UpdateNSQChannelInflight(topic, channel string, inflight float64) {
	NSQChannelInflight.WithLabelValues(topic, channel).Set(inflight)
}
