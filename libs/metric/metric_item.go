package metric

// MetricItem is one subsystem's self-reported counters, rendered as JSON.
type MetricItem interface {
	JSONString() string
}

type mockMetricItem struct {
	name string
}

func (mock *mockMetricItem) JSONString() string {
	return mock.name
}
