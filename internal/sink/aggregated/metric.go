package aggregated

import "time"

// BatchMetadata contains export-time metadata.
type BatchMetadata struct {
	HostName    string
	UpdatedTime time.Time
}

// AggregateMetric is one aggregation key as seen by one snapshot.
type AggregateMetric struct {
	SnapshotTime time.Time
	Final        bool
	VarID        uint32
	Name         string
	Action       string
	Key          []string
	Value        float64
	Count        int64
	Histogram    Histogram
}

// zero reports whether the metric carries no data.
func (m *AggregateMetric) zero() bool {
	return m.Value == 0 && m.Count == 0 && m.Histogram.Total() == 0
}

// MetricBatch contains all metrics derived from one snapshot.
type MetricBatch struct {
	Metadata BatchMetadata
	Metrics  []AggregateMetric
}

// TotalMetrics returns the number of metrics in the batch.
func (b *MetricBatch) TotalMetrics() int {
	return len(b.Metrics)
}
