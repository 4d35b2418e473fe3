// Package observability holds Prometheus instruments shared across the service.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	telemetryGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cycletrack",
		Subsystem: "ingest",
		Name:      "last_telemetry_timestamp_seconds",
		Help:      "Unix timestamp of the most recent device update persisted to Postgres.",
	})
	trackingEventCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cycletrack",
		Subsystem: "ingest",
		Name:      "tracking_events_total",
		Help:      "Number of tracking-log rows written, labeled by event kind.",
	}, []string{"event_type"})
	lockToggleCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cycletrack",
		Subsystem: "ingest",
		Name:      "lock_toggles_total",
		Help:      "Number of lock commands applied, labeled by resulting state.",
	}, []string{"state"})
)

func init() {
	prometheus.MustRegister(telemetryGauge, trackingEventCounter, lockToggleCounter)
}

// RecordTelemetryPersisted updates the ingest watermark gauge.
func RecordTelemetryPersisted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	telemetryGauge.Set(float64(ts.Unix()))
}

// RecordTrackingEvent counts one appended tracking-log row.
func RecordTrackingEvent(eventType string) {
	trackingEventCounter.WithLabelValues(eventType).Inc()
}

// RecordLockToggle counts one applied lock command.
func RecordLockToggle(locked bool) {
	state := "unlocked"
	if locked {
		state = "locked"
	}
	lockToggleCounter.WithLabelValues(state).Inc()
}
