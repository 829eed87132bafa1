package publisher

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nelsonaloysio/twython-kafka/metric"
)

const metricsComponent = "publisher"

type publisherMetrics struct {
	published  prometheus.Counter
	failures   *prometheus.CounterVec
	retries    prometheus.Counter
	ackLatency prometheus.Histogram
	laneDepth  *prometheus.GaugeVec
}

func newPublisherMetrics(registry *metric.MetricsRegistry) *publisherMetrics {
	if registry == nil {
		return nil
	}

	m := &publisherMetrics{
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "publisher",
			Name:      "published_total",
			Help:      "Events acknowledged by the broker",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "publisher",
			Name:      "failures_total",
			Help:      "Tickets that ended without an ack, by reason",
		}, []string{"reason"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "publisher",
			Name:      "retries_total",
			Help:      "Publish attempts beyond the first",
		}),
		ackLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "publisher",
			Name:      "ack_latency_seconds",
			Help:      "Time from enqueue to broker ack",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		laneDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "publisher",
			Name:      "lane_depth",
			Help:      "Tickets queued per partition lane",
		}, []string{"partition"}),
	}

	_ = registry.RegisterCounter(metricsComponent, "published", m.published)
	_ = registry.RegisterCounterVec(metricsComponent, "failures", m.failures)
	_ = registry.RegisterCounter(metricsComponent, "retries", m.retries)
	_ = registry.RegisterHistogram(metricsComponent, "ack_latency", m.ackLatency)
	_ = registry.RegisterGaugeVec(metricsComponent, "lane_depth", m.laneDepth)

	return m
}

func (m *publisherMetrics) recordAck(seconds float64, attempts int) {
	if m == nil {
		return
	}
	m.published.Inc()
	m.ackLatency.Observe(seconds)
	if attempts > 1 {
		m.retries.Add(float64(attempts - 1))
	}
}

func (m *publisherMetrics) recordFailure(reason string, attempts int) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(reason).Inc()
	if attempts > 1 {
		m.retries.Add(float64(attempts - 1))
	}
}

func (m *publisherMetrics) setDepth(partition, depth int) {
	if m == nil {
		return
	}
	m.laneDepth.WithLabelValues(strconv.Itoa(partition)).Set(float64(depth))
}
