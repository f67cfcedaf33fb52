package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metricDesc struct {
	desc  *prometheus.Desc
	value func(Snapshot) float64
}

// PrometheusCollector exposes a Snapshotter as Prometheus metrics. Counters
// are read from the snapshot at scrape time, so nothing is double counted.
type PrometheusCollector struct {
	source   Snapshotter
	counters []metricDesc
	gauges   []metricDesc
}

// NewPrometheusCollector creates a collector reading from source.
func NewPrometheusCollector(namespace string, source Snapshotter) *PrometheusCollector {
	newDesc := func(name, help string, fn func(Snapshot) float64) metricDesc {
		return metricDesc{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil),
			value: fn,
		}
	}

	return &PrometheusCollector{
		source: source,
		counters: []metricDesc{
			newDesc("transactions_total", "Transactions applied, rejected or dead-lettered", func(s Snapshot) float64 { return float64(s.TotalTransactions) }),
			newDesc("transactions_successful_total", "Transactions applied to the ledger", func(s Snapshot) float64 { return float64(s.SuccessfulTransactions) }),
			newDesc("transactions_failed_total", "Transactions rejected or dead-lettered", func(s Snapshot) float64 { return float64(s.FailedTransactions) }),
			newDesc("transactions_duplicate_total", "Redelivered transactions skipped by deduplication", func(s Snapshot) float64 { return float64(s.DuplicateTransactions) }),
			newDesc("batches_total", "Batches handled by the consumer", func(s Snapshot) float64 { return float64(s.TotalBatches) }),
			newDesc("batches_successful_total", "Batches fully handled", func(s Snapshot) float64 { return float64(s.SuccessfulBatches) }),
			newDesc("batches_failed_total", "Batches left for redelivery", func(s Snapshot) float64 { return float64(s.FailedBatches) }),
			newDesc("retry_attempts_total", "Transient failure retries", func(s Snapshot) float64 { return float64(s.RetryAttempts) }),
			newDesc("dlt_messages_total", "Records forwarded to the dead-letter sink", func(s Snapshot) float64 { return float64(s.DLTMessages) }),
			newDesc("outbox_published_total", "Outbox rows published", func(s Snapshot) float64 { return float64(s.OutboxPublished) }),
			newDesc("outbox_publish_failed_total", "Outbox publish attempts that failed", func(s Snapshot) float64 { return float64(s.OutboxPublishFailed) }),
			newDesc("outbox_mark_failed_total", "Outbox rows published but not marked processed", func(s Snapshot) float64 { return float64(s.OutboxMarkFailed) }),
		},
		gauges: []metricDesc{
			newDesc("transaction_time_avg_ms", "Running average time per transaction", func(s Snapshot) float64 { return s.AvgTransactionTimeMs }),
			newDesc("batch_time_avg_ms", "Running average time per batch", func(s Snapshot) float64 { return s.AvgBatchTimeMs }),
			newDesc("started_at_seconds", "Unix time the aggregator was created", func(s Snapshot) float64 { return float64(s.StartedAt.Unix()) }),
		},
	}
}

func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.counters {
		ch <- d.desc
	}
	for _, d := range c.gauges {
		ch <- d.desc
	}
}

func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.source.Snapshot()
	for _, d := range c.counters {
		ch <- prometheus.MustNewConstMetric(d.desc, prometheus.CounterValue, d.value(snap))
	}
	for _, d := range c.gauges {
		ch <- prometheus.MustNewConstMetric(d.desc, prometheus.GaugeValue, d.value(snap))
	}
}

var _ prometheus.Collector = (*PrometheusCollector)(nil)
