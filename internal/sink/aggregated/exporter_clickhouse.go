package aggregated

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/dtconsumer/internal/export"
)

var aggregateColumns = []string{
	"updated_date_time",
	"snapshot_date_time",
	"final",
	"meta_host_name",
	"var_id",
	"name",
	"action",
	"key",
	"value",
	"count",
	"histogram_bounds",
	"histogram_counts",
}

// ClickHouseExporter writes metrics to the aggregations table.
type ClickHouseExporter struct {
	log    logrus.FieldLogger
	writer export.BatchWriter
	health *export.HealthMetrics
}

var _ MetricExporter = (*ClickHouseExporter)(nil)

// NewClickHouseExporter creates a new ClickHouse exporter. The writer is
// started and stopped by the exporter.
func NewClickHouseExporter(
	log logrus.FieldLogger,
	writer export.BatchWriter,
	health *export.HealthMetrics,
) *ClickHouseExporter {
	return &ClickHouseExporter{
		log:    log.WithField("exporter", "clickhouse"),
		writer: writer,
		health: health,
	}
}

func (e *ClickHouseExporter) Name() string {
	return "clickhouse"
}

func (e *ClickHouseExporter) Start(ctx context.Context) error {
	if err := e.writer.Start(ctx); err != nil {
		return err
	}

	if e.health != nil {
		e.health.ClickHouseConnected.WithLabelValues("aggregated").Set(1)
	}

	return nil
}

func (e *ClickHouseExporter) Stop() error {
	if e.health != nil {
		e.health.ClickHouseConnected.WithLabelValues("aggregated").Set(0)
	}

	return e.writer.Stop()
}

// Export inserts the batch as one ClickHouse batch.
func (e *ClickHouseExporter) Export(ctx context.Context, batch MetricBatch) error {
	n := batch.TotalMetrics()
	if n == 0 {
		return nil
	}

	start := time.Now()
	meta := batch.Metadata

	err := e.writer.Insert(ctx, aggregateColumns, n, func(i int) []any {
		m := &batch.Metrics[i]

		return []any{
			meta.UpdatedTime,
			m.SnapshotTime,
			m.Final,
			meta.HostName,
			m.VarID,
			m.Name,
			m.Action,
			m.Key,
			m.Value,
			m.Count,
			m.Histogram.Bounds,
			m.Histogram.Counts,
		}
	})
	if err != nil {
		var ie *export.InsertError
		if errors.As(err, &ie) && e.health != nil {
			e.health.ExportBatchErrors.WithLabelValues("aggregated", string(ie.Stage)).Inc()
		}

		return fmt.Errorf("inserting %d aggregation rows: %w", n, err)
	}

	if e.health != nil {
		duration := time.Since(start)
		e.health.SinkFlushDuration.WithLabelValues("aggregated").Observe(duration.Seconds())
		e.health.SinkBatchSize.WithLabelValues("aggregated").Observe(float64(n))
		e.health.ClickHouseBatchDuration.WithLabelValues("send").Observe(duration.Seconds())
	}

	e.log.WithField("rows", n).Debug("Flushed aggregation rows")

	return nil
}
