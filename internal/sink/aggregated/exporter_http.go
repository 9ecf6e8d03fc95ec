package aggregated

import (
	"context"
	"fmt"
	"time"

	processor "github.com/ethpandaops/go-batch-processor"
	"github.com/sirupsen/logrus"

	httpexport "github.com/ethpandaops/dtconsumer/internal/export/http"
)

// HistogramJSON is the JSON schema for a distribution.
type HistogramJSON struct {
	Bounds []int64  `json:"bounds"`
	Counts []uint64 `json:"counts"`
}

// AggregateMetricJSON is the JSON schema for HTTP export of aggregations.
type AggregateMetricJSON struct {
	UpdatedDateTime  string         `json:"updated_date_time"`
	SnapshotDateTime string         `json:"snapshot_date_time"`
	Final            bool           `json:"final"`
	VarID            uint32         `json:"var_id"`
	Name             string         `json:"name"`
	Action           string         `json:"action"`
	Key              []string       `json:"key"`
	Value            float64        `json:"value"`
	Count            int64          `json:"count,omitempty"`
	Histogram        *HistogramJSON `json:"histogram,omitempty"`
	MetaHostName     string         `json:"meta_host_name,omitempty"`
}

func toJSON(m *AggregateMetric, meta BatchMetadata) *AggregateMetricJSON {
	out := &AggregateMetricJSON{
		UpdatedDateTime:  meta.UpdatedTime.Format(time.RFC3339Nano),
		SnapshotDateTime: m.SnapshotTime.Format(time.RFC3339Nano),
		Final:            m.Final,
		VarID:            m.VarID,
		Name:             m.Name,
		Action:           m.Action,
		Key:              m.Key,
		Value:            m.Value,
		Count:            m.Count,
		MetaHostName:     meta.HostName,
	}

	if len(m.Histogram.Bounds) > 0 {
		out.Histogram = &HistogramJSON{
			Bounds: m.Histogram.Bounds,
			Counts: m.Histogram.Counts,
		}
	}

	return out
}

// HTTPExporter exports metrics via HTTP (e.g., to Vector).
type HTTPExporter struct {
	log  logrus.FieldLogger
	proc *processor.BatchItemProcessor[AggregateMetricJSON]
}

var _ MetricExporter = (*HTTPExporter)(nil)

// NewHTTPExporter creates an exporter backed by a batch processor.
func NewHTTPExporter(log logrus.FieldLogger, cfg httpexport.Config) (*HTTPExporter, error) {
	proc, err := httpexport.NewProcessor[AggregateMetricJSON](log, cfg, "aggregated_http")
	if err != nil {
		return nil, fmt.Errorf("creating HTTP processor: %w", err)
	}

	return &HTTPExporter{
		log:  log.WithField("exporter", "http"),
		proc: proc,
	}, nil
}

func (e *HTTPExporter) Name() string {
	return "http"
}

func (e *HTTPExporter) Start(ctx context.Context) error {
	e.proc.Start(ctx)

	return nil
}

func (e *HTTPExporter) Stop() error {
	return e.proc.Shutdown(context.Background())
}

// Export queues the batch; delivery is asynchronous.
func (e *HTTPExporter) Export(ctx context.Context, batch MetricBatch) error {
	if batch.TotalMetrics() == 0 {
		return nil
	}

	items := make([]*AggregateMetricJSON, 0, batch.TotalMetrics())
	for i := range batch.Metrics {
		items = append(items, toJSON(&batch.Metrics[i], batch.Metadata))
	}

	if err := e.proc.Write(ctx, items); err != nil {
		return fmt.Errorf("queueing %d items: %w", len(items), err)
	}

	return nil
}
