package cache

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nelsonaloysio/twython-kafka/metric"
)

func TestCacheMetricsIntegration(t *testing.T) {
	metricsRegistry := metric.NewMetricsRegistry()

	cache, err := NewLRU[string](1, WithMetrics[string](metricsRegistry, "test_cache"))
	require.NoError(t, err)

	_, _ = cache.Set("key1", "value1")
	_, _ = cache.Get("key1")
	_, _ = cache.Get("key3")
	_, _ = cache.Set("key2", "value2") // evicts key1
	_, _ = cache.Delete("key2")

	metricFamilies, err := metricsRegistry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	metricsByName := make(map[string]*dto.MetricFamily)
	for _, mf := range metricFamilies {
		metricsByName[mf.GetName()] = mf
	}

	counters := map[string]float64{
		"postrelay_cache_hits_total":      1,
		"postrelay_cache_misses_total":    1,
		"postrelay_cache_sets_total":      2,
		"postrelay_cache_deletes_total":   1,
		"postrelay_cache_evictions_total": 1,
	}
	for name, want := range counters {
		mf := metricsByName[name]
		require.NotNil(t, mf, "%s should exist", name)
		assert.Equal(t, want, mf.GetMetric()[0].GetCounter().GetValue(), name)
		assert.Equal(t, "test_cache", mf.GetMetric()[0].GetLabel()[0].GetValue())
	}

	size := metricsByName["postrelay_cache_size"]
	require.NotNil(t, size)
	assert.Equal(t, 0.0, size.GetMetric()[0].GetGauge().GetValue())
}

func TestCacheMetrics_DuplicatePrefix(t *testing.T) {
	metricsRegistry := metric.NewMetricsRegistry()

	_, err := NewLRU[string](1, WithMetrics[string](metricsRegistry, "dup"))
	require.NoError(t, err)

	_, err = NewLRU[string](1, WithMetrics[string](metricsRegistry, "dup"))
	assert.Error(t, err)
}

func TestCacheMetrics_Disabled(t *testing.T) {
	cache, err := NewLRU[string](1, WithMetrics[string](nil, "ignored"))
	require.NoError(t, err)

	_, _ = cache.Set("a", "b")
	assert.Equal(t, 1, cache.Size())
}
