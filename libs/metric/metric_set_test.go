package metric

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestMetric() *MetricSet {
	m := NewMetricSet()
	m.metrics["banking"] = &mockMetricItem{name: `{"txs":1}`}
	return m
}

func TestMetricSetHasMetrics(t *testing.T) {
	m := newTestMetric()

	assert.True(t, m.HasMetrics("banking"))
	assert.False(t, m.HasMetrics("consensus"))
}

func TestMetricSetSetMetrics(t *testing.T) {
	m := newTestMetric()

	item := &mockMetricItem{name: `{"votes":0}`}
	assert.ErrorIs(t, m.SetMetrics("banking", item), ErrMetricLabelExist)
	assert.NoError(t, m.SetMetrics("consensus", item))

	assert.True(t, m.HasMetrics("banking"))
	assert.True(t, m.HasMetrics("consensus"))
}

func TestMetricSetGetAllLabels(t *testing.T) {
	m := newTestMetric()
	assert.NoError(t, m.SetMetrics("consensus", &mockMetricItem{name: "{}"}))
	assert.NoError(t, m.SetMetrics("mempool", &mockMetricItem{name: "{}"}))

	// Sorted so RPC output is stable across calls.
	assert.Equal(t, []string{"banking", "consensus", "mempool"}, m.GetAllLabels())
}

func TestMetricSetSnapshot(t *testing.T) {
	m := newTestMetric()
	assert.NoError(t, m.SetMetrics("consensus", &mockMetricItem{name: `{"votes":2}`}))

	snap := m.Snapshot()
	assert.Equal(t, map[string]string{
		"banking":   `{"txs":1}`,
		"consensus": `{"votes":2}`,
	}, snap)
}
