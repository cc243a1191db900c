package banking

import (
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"
)

// Metrics counts what the scheduler did with the txs it saw.
type Metrics struct {
	scheduledTxs  int64
	failedTxs     int64
	droppedTxs    int64
	lockConflicts int64
	computeUsed   int64
	entries       int64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) MarkScheduledTx(computeUnits int64) {
	atomic.AddInt64(&m.scheduledTxs, 1)
	atomic.AddInt64(&m.computeUsed, computeUnits)
}

func (m *Metrics) MarkFailedTx() {
	atomic.AddInt64(&m.failedTxs, 1)
}

func (m *Metrics) MarkDroppedTx() {
	atomic.AddInt64(&m.droppedTxs, 1)
}

func (m *Metrics) MarkLockConflict() {
	atomic.AddInt64(&m.lockConflicts, 1)
}

func (m *Metrics) MarkEntry(numTxs int) {
	atomic.AddInt64(&m.entries, 1)
}

func (m *Metrics) ScheduledTxs() int64 {
	return atomic.LoadInt64(&m.scheduledTxs)
}

func (m *Metrics) LockConflicts() int64 {
	return atomic.LoadInt64(&m.lockConflicts)
}

func (m *Metrics) DroppedTxs() int64 {
	return atomic.LoadInt64(&m.droppedTxs)
}

// JSONString implements metric.MetricItem.
func (m *Metrics) JSONString() string {
	snapshot := struct {
		ScheduledTxs  int64 `json:"scheduled_txs"`
		FailedTxs     int64 `json:"failed_txs"`
		DroppedTxs    int64 `json:"dropped_txs"`
		LockConflicts int64 `json:"lock_conflicts"`
		ComputeUsed   int64 `json:"compute_used"`
		Entries       int64 `json:"entries"`
	}{
		atomic.LoadInt64(&m.scheduledTxs),
		atomic.LoadInt64(&m.failedTxs),
		atomic.LoadInt64(&m.droppedTxs),
		atomic.LoadInt64(&m.lockConflicts),
		atomic.LoadInt64(&m.computeUsed),
		atomic.LoadInt64(&m.entries),
	}
	s, _ := jsoniter.MarshalToString(snapshot)
	return s
}
