package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	emitted     *prometheus.CounterVec
	subscribers prometheus.Gauge
	dropped     prometheus.Counter
	auditErrors prometheus.Counter
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking ledger events and their
// downstream sinks.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "incentives",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of committed ledger events segmented by type.",
			}, []string{"type"}),
			subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "incentives",
				Subsystem: "events",
				Name:      "stream_subscribers",
				Help:      "Connected event stream subscribers.",
			}),
			dropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "incentives",
				Subsystem: "events",
				Name:      "stream_dropped_total",
				Help:      "Events dropped because a subscriber fell behind.",
			}),
			auditErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "incentives",
				Subsystem: "events",
				Name:      "audit_errors_total",
				Help:      "Events that could not be appended to the audit log.",
			}),
		}
		prometheus.MustRegister(eventRegistry.emitted, eventRegistry.subscribers, eventRegistry.dropped, eventRegistry.auditErrors)
	})
	return eventRegistry
}

// RecordEvent increments the counter for the given event type.
func (m *eventMetrics) RecordEvent(kind string) {
	if m == nil {
		return
	}
	kind = strings.TrimSpace(kind)
	if kind == "" {
		kind = "unknown"
	}
	m.emitted.WithLabelValues(kind).Inc()
}

func (m *eventMetrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

func (m *eventMetrics) RecordDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *eventMetrics) RecordAuditError() {
	if m == nil {
		return
	}
	m.auditErrors.Inc()
}
