package stream

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nelsonaloysio/twython-kafka/metric"
)

const metricsComponent = "stream"

type clientMetrics struct {
	state      prometheus.Gauge
	frames     *prometheus.CounterVec
	reconnects *prometheus.CounterVec
	backoff    prometheus.Gauge
}

func newClientMetrics(registry *metric.MetricsRegistry) *clientMetrics {
	if registry == nil {
		return nil
	}

	m := &clientMetrics{
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "stream",
			Name:      "connection_state",
			Help:      "Upstream connection state (0=disconnected, 1=connecting, 2=streaming, 3=backoff)",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "stream",
			Name:      "frames_total",
			Help:      "Upstream lines by kind",
		}, []string{"kind"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "stream",
			Name:      "reconnects_total",
			Help:      "Reconnection attempts by cause",
		}, []string{"reason"}),
		backoff: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "stream",
			Name:      "backoff_seconds",
			Help:      "Most recent reconnect delay",
		}),
	}

	_ = registry.RegisterGauge(metricsComponent, "connection_state", m.state)
	_ = registry.RegisterCounterVec(metricsComponent, "frames", m.frames)
	_ = registry.RegisterCounterVec(metricsComponent, "reconnects", m.reconnects)
	_ = registry.RegisterGauge(metricsComponent, "backoff", m.backoff)

	return m
}

func (m *clientMetrics) setState(s ConnectionState) {
	if m == nil {
		return
	}
	m.state.Set(float64(s))
}

func (m *clientMetrics) frame(kind FrameKind) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(kind.String()).Inc()
}

func (m *clientMetrics) reconnect(reason string, delaySeconds float64) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(reason).Inc()
	m.backoff.Set(delaySeconds)
}
