package aggregated

import (
	"strconv"
	"strings"

	"github.com/ethpandaops/dtconsumer/internal/dtrace"
	"github.com/ethpandaops/dtconsumer/internal/tracer"
)

// Collector turns aggregation snapshots into metric batches. In delta
// mode it remembers the previous snapshot; it is not safe for concurrent
// use.
type Collector struct {
	mode     Mode
	skipZero bool
	prev     map[string]AggregateMetric
}

// NewCollector creates a collector for mode.
func NewCollector(mode Mode, skipZero bool) *Collector {
	if mode == "" {
		mode = ModeCumulative
	}

	return &Collector{
		mode:     mode,
		skipZero: skipZero,
		prev:     make(map[string]AggregateMetric, 64),
	}
}

// deltaActions are the actions whose values only grow between clears.
var deltaActions = map[string]bool{
	dtrace.AggCount.String():      true,
	dtrace.AggSum.String():        true,
	dtrace.AggQuantize.String():   true,
	dtrace.AggLQuantize.String():  true,
	dtrace.AggLLQuantize.String(): true,
}

// Collect converts snap. Rows are kept in walk order.
func (c *Collector) Collect(snap tracer.AggregateSnapshot, meta BatchMetadata) MetricBatch {
	batch := MetricBatch{
		Metadata: meta,
		Metrics:  make([]AggregateMetric, 0, len(snap.Rows)),
	}

	seen := make(map[string]AggregateMetric, len(snap.Rows))

	for _, row := range snap.Rows {
		m := AggregateMetric{
			SnapshotTime: snap.Taken,
			Final:        snap.Final,
			VarID:        uint32(row.VarID),
			Name:         row.Name,
			Action:       row.Action,
			Key:          row.Key,
			Value:        row.Value,
			Count:        row.Count,
			Histogram:    histogramFrom(row.Buckets),
		}

		if c.mode == ModeDelta {
			id := metricID(&m)
			seen[id] = m

			if prev, ok := c.prev[id]; ok && deltaActions[m.Action] {
				m = delta(m, prev)
			}
		}

		if c.skipZero && m.zero() {
			continue
		}

		batch.Metrics = append(batch.Metrics, m)
	}

	if c.mode == ModeDelta {
		c.prev = seen
	}

	return batch
}

func delta(cur, prev AggregateMetric) AggregateMetric {
	// A shrinking value means the key was cleared since the last walk.
	if cur.Value < prev.Value || cur.Count < prev.Count {
		return cur
	}

	cur.Value -= prev.Value
	cur.Count -= prev.Count
	cur.Histogram = cur.Histogram.Sub(prev.Histogram)

	return cur
}

func metricID(m *AggregateMetric) string {
	var b strings.Builder

	b.WriteString(strconv.FormatUint(uint64(m.VarID), 10))

	for _, k := range m.Key {
		b.WriteByte(0)
		b.WriteString(k)
	}

	return b.String()
}
