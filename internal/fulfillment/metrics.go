package fulfillment

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TrackerMetrics records tracking poll outcomes. A nil *TrackerMetrics is
// valid and records nothing.
type TrackerMetrics struct {
	duration  prometheus.Histogram
	checked   *prometheus.CounterVec
	delivered prometheus.Counter
	failures  *prometheus.CounterVec
}

// NewTrackerMetrics registers the tracker metrics on reg.
func NewTrackerMetrics(reg prometheus.Registerer) *TrackerMetrics {
	if reg == nil {
		return &TrackerMetrics{}
	}
	m := &TrackerMetrics{
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracking_poll_duration_seconds",
			Help:    "Duration of a tracking poll pass in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		checked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracking_checks_total",
			Help: "Shipments checked with their carrier.",
		}, []string{"carrier", "status"}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracking_delivered_total",
			Help: "Orders moved to DELIVERED by the tracker.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracking_failures_total",
			Help: "Failed carrier tracking lookups or transitions.",
		}, []string{"carrier"}),
	}
	reg.MustRegister(m.duration, m.checked, m.delivered, m.failures)
	return m
}

func (m *TrackerMetrics) observePass(d time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.Observe(d.Seconds())
}

func (m *TrackerMetrics) incChecked(carrier, status string) {
	if m == nil || m.checked == nil {
		return
	}
	m.checked.WithLabelValues(label(carrier), label(status)).Inc()
}

func (m *TrackerMetrics) incDelivered() {
	if m == nil || m.delivered == nil {
		return
	}
	m.delivered.Inc()
}

func (m *TrackerMetrics) incFailure(carrier string) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.WithLabelValues(label(carrier)).Inc()
}

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
