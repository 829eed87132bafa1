package relay

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nelsonaloysio/twython-kafka/metric"
)

const metricsComponent = "relay"

// Event outcomes counted by the supervisor.
const (
	outcomeProcessed = "processed"
	outcomeDropped   = "dropped"
	outcomeDuplicate = "duplicate"
	outcomePublished = "published"
	outcomeFailed    = "publish_failed"
	outcomeAbandoned = "abandoned"
	outcomeRejected  = "rejected"
)

type supervisorMetrics struct {
	core        *metric.Metrics
	events      *prometheus.CounterVec
	outstanding prometheus.Gauge
	windowFull  prometheus.Counter
}

func newSupervisorMetrics(registry *metric.MetricsRegistry) *supervisorMetrics {
	if registry == nil {
		return nil
	}

	m := &supervisorMetrics{
		core: registry.CoreMetrics(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "relay",
			Name:      "events_total",
			Help:      "Upstream records by outcome",
		}, []string{"outcome"}),
		outstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "relay",
			Name:      "outstanding_tickets",
			Help:      "Publishes awaiting a broker ack",
		}),
		windowFull: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "relay",
			Name:      "window_full_total",
			Help:      "Times reading paused because the publish window was full",
		}),
	}

	_ = registry.RegisterCounterVec(metricsComponent, "events", m.events)
	_ = registry.RegisterGauge(metricsComponent, "outstanding", m.outstanding)
	_ = registry.RegisterCounter(metricsComponent, "window_full", m.windowFull)

	return m
}

func (m *supervisorMetrics) event(outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(outcome).Inc()
}

func (m *supervisorMetrics) setOutstanding(n int64) {
	if m == nil {
		return
	}
	m.outstanding.Set(float64(n))
}

func (m *supervisorMetrics) stalled() {
	if m == nil {
		return
	}
	m.windowFull.Inc()
}

func (m *supervisorMetrics) setState(s State) {
	if m == nil {
		return
	}
	m.core.RecordComponentStatus(metricsComponent, int(s))
}

func (m *supervisorMetrics) fatal() {
	if m == nil {
		return
	}
	m.core.RecordError(metricsComponent, "fatal")
}
