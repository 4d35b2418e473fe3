package outbox

import "github.com/prometheus/client_golang/prometheus"

var (
	deliveredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cycletrack",
		Subsystem: "outbox",
		Name:      "events_delivered_total",
		Help:      "Number of outbox events successfully published to Kafka.",
	})

	failedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cycletrack",
		Subsystem: "outbox",
		Name:      "events_failed_total",
		Help:      "Number of outbox delivery failures scheduled for redelivery.",
	})

	abandonedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cycletrack",
		Subsystem: "outbox",
		Name:      "events_abandoned_total",
		Help:      "Number of outbox events dropped after exhausting redelivery attempts.",
	})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cycletrack",
		Subsystem: "outbox",
		Name:      "batch_duration_seconds",
		Help:      "Time spent fetching, delivering, and marking outbox batches.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})
)

func init() {
	prometheus.MustRegister(deliveredCounter, failedCounter, abandonedCounter, batchDuration)
}
