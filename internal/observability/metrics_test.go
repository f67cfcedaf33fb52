package observability

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessingMetrics_ConcurrentIncrements(t *testing.T) {
	m := NewProcessingMetrics()

	const workers = 10
	const perWorker = 1000

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				m.IncTotalTransactions()
				m.IncRetryAttempts()
				m.ObserveTransactionTime(2 * time.Millisecond)
			}
		}()
	}
	wg.Wait()

	snap := m.Snapshot()
	assert.Equal(t, int64(workers*perWorker), snap.TotalTransactions)
	assert.Equal(t, int64(workers*perWorker), snap.RetryAttempts)
	assert.InDelta(t, 2.0, snap.AvgTransactionTimeMs, 1e-9)
}

func TestProcessingMetrics_RunningAverage(t *testing.T) {
	m := NewProcessingMetrics()

	m.ObserveBatchTime(10 * time.Millisecond)
	m.ObserveBatchTime(20 * time.Millisecond)
	m.ObserveBatchTime(30 * time.Millisecond)

	assert.InDelta(t, 20.0, m.Snapshot().AvgBatchTimeMs, 1e-9)
}

func TestProcessingMetrics_SnapshotIsCopy(t *testing.T) {
	m := NewProcessingMetrics()
	m.IncDLTMessages()

	snap := m.Snapshot()
	m.IncDLTMessages()

	assert.Equal(t, int64(1), snap.DLTMessages)
	assert.Equal(t, int64(2), m.Snapshot().DLTMessages)
	assert.False(t, snap.StartedAt.IsZero())
	assert.Equal(t, snap.StartedAt, m.Snapshot().StartedAt)
}

func TestPrometheusCollector(t *testing.T) {
	m := NewProcessingMetrics()
	m.IncSuccessfulTransactions()
	m.IncSuccessfulTransactions()
	m.IncDuplicateTransactions()
	m.ObserveTransactionTime(4 * time.Millisecond)

	collector := NewPrometheusCollector("ledger", m)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(collector))

	assert.Equal(t, 15, testutil.CollectAndCount(collector))

	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				values[mf.GetName()] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[mf.GetName()] = metric.GetGauge().GetValue()
			}
		}
	}

	assert.Equal(t, 2.0, values["ledger_transactions_successful_total"])
	assert.Equal(t, 1.0, values["ledger_transactions_duplicate_total"])
	assert.False(t, math.IsNaN(values["ledger_transaction_time_avg_ms"]))
	assert.InDelta(t, 4.0, values["ledger_transaction_time_avg_ms"], 1e-9)
}
