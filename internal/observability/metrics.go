package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// MetricsCollector is the write side of the metrics aggregator. The relay,
// the retry router and the batch processor depend on it rather than on the
// concrete type so tests can substitute their own.
type MetricsCollector interface {
	IncTotalTransactions()
	IncSuccessfulTransactions()
	IncFailedTransactions()
	IncDuplicateTransactions()
	IncTotalBatches()
	IncSuccessfulBatches()
	IncFailedBatches()
	IncRetryAttempts()
	IncDLTMessages()
	IncOutboxPublished()
	IncOutboxPublishFailed()
	IncOutboxMarkFailed()
	ObserveTransactionTime(d time.Duration)
	ObserveBatchTime(d time.Duration)
}

// Snapshotter exposes a read-only view of the counters.
type Snapshotter interface {
	Snapshot() Snapshot
}

// Snapshot is a point-in-time copy of ProcessingMetrics. Each field is read
// atomically; consistency across fields is best effort.
type Snapshot struct {
	TotalTransactions      int64     `json:"totalTransactions"`
	SuccessfulTransactions int64     `json:"successfulTransactions"`
	FailedTransactions     int64     `json:"failedTransactions"`
	DuplicateTransactions  int64     `json:"duplicateTransactions"`
	TotalBatches           int64     `json:"totalBatches"`
	SuccessfulBatches      int64     `json:"successfulBatches"`
	FailedBatches          int64     `json:"failedBatches"`
	RetryAttempts          int64     `json:"retryAttempts"`
	DLTMessages            int64     `json:"dltMessages"`
	OutboxPublished        int64     `json:"outboxPublished"`
	OutboxPublishFailed    int64     `json:"outboxPublishFailed"`
	OutboxMarkFailed       int64     `json:"outboxMarkFailed"`
	AvgTransactionTimeMs   float64   `json:"avgTransactionTimeMs"`
	AvgBatchTimeMs         float64   `json:"avgBatchTimeMs"`
	StartedAt              time.Time `json:"startedAt"`
}

// runningAverage keeps an incremental mean without retaining samples.
type runningAverage struct {
	mu    sync.Mutex
	count int64
	avg   float64
}

func (r *runningAverage) observe(sample float64) {
	r.mu.Lock()
	r.count++
	r.avg += (sample - r.avg) / float64(r.count)
	r.mu.Unlock()
}

func (r *runningAverage) value() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.avg
}

// ProcessingMetrics is the process-wide accumulator shared by every relay and
// consumer worker. Construct one at startup and pass it by reference.
type ProcessingMetrics struct {
	TotalTransactions      atomic.Int64
	SuccessfulTransactions atomic.Int64
	FailedTransactions     atomic.Int64
	DuplicateTransactions  atomic.Int64
	TotalBatches           atomic.Int64
	SuccessfulBatches      atomic.Int64
	FailedBatches          atomic.Int64
	RetryAttempts          atomic.Int64
	DLTMessages            atomic.Int64
	OutboxPublished        atomic.Int64
	OutboxPublishFailed    atomic.Int64
	OutboxMarkFailed       atomic.Int64

	txTime    runningAverage
	batchTime runningAverage
	startedAt time.Time
}

func NewProcessingMetrics() *ProcessingMetrics {
	return &ProcessingMetrics{startedAt: time.Now().UTC()}
}

func (m *ProcessingMetrics) IncTotalTransactions()      { m.TotalTransactions.Add(1) }
func (m *ProcessingMetrics) IncSuccessfulTransactions() { m.SuccessfulTransactions.Add(1) }
func (m *ProcessingMetrics) IncFailedTransactions()     { m.FailedTransactions.Add(1) }
func (m *ProcessingMetrics) IncDuplicateTransactions()  { m.DuplicateTransactions.Add(1) }
func (m *ProcessingMetrics) IncTotalBatches()           { m.TotalBatches.Add(1) }
func (m *ProcessingMetrics) IncSuccessfulBatches()      { m.SuccessfulBatches.Add(1) }
func (m *ProcessingMetrics) IncFailedBatches()          { m.FailedBatches.Add(1) }
func (m *ProcessingMetrics) IncRetryAttempts()          { m.RetryAttempts.Add(1) }
func (m *ProcessingMetrics) IncDLTMessages()            { m.DLTMessages.Add(1) }
func (m *ProcessingMetrics) IncOutboxPublished()        { m.OutboxPublished.Add(1) }
func (m *ProcessingMetrics) IncOutboxPublishFailed()    { m.OutboxPublishFailed.Add(1) }
func (m *ProcessingMetrics) IncOutboxMarkFailed()       { m.OutboxMarkFailed.Add(1) }

func (m *ProcessingMetrics) ObserveTransactionTime(d time.Duration) {
	m.txTime.observe(durationMs(d))
}

func (m *ProcessingMetrics) ObserveBatchTime(d time.Duration) {
	m.batchTime.observe(durationMs(d))
}

func (m *ProcessingMetrics) Snapshot() Snapshot {
	return Snapshot{
		TotalTransactions:      m.TotalTransactions.Load(),
		SuccessfulTransactions: m.SuccessfulTransactions.Load(),
		FailedTransactions:     m.FailedTransactions.Load(),
		DuplicateTransactions:  m.DuplicateTransactions.Load(),
		TotalBatches:           m.TotalBatches.Load(),
		SuccessfulBatches:      m.SuccessfulBatches.Load(),
		FailedBatches:          m.FailedBatches.Load(),
		RetryAttempts:          m.RetryAttempts.Load(),
		DLTMessages:            m.DLTMessages.Load(),
		OutboxPublished:        m.OutboxPublished.Load(),
		OutboxPublishFailed:    m.OutboxPublishFailed.Load(),
		OutboxMarkFailed:       m.OutboxMarkFailed.Load(),
		AvgTransactionTimeMs:   m.txTime.value(),
		AvgBatchTimeMs:         m.batchTime.value(),
		StartedAt:              m.startedAt,
	}
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

var (
	_ MetricsCollector = (*ProcessingMetrics)(nil)
	_ Snapshotter      = (*ProcessingMetrics)(nil)
)
