package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	processor "github.com/ethpandaops/go-batch-processor"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/ethpandaops/dtconsumer/internal/export"
	httpexport "github.com/ethpandaops/dtconsumer/internal/export/http"
	"github.com/ethpandaops/dtconsumer/internal/tracer"
)

// RawTable is the default table for raw probe firings.
const RawTable = "dtrace_events"

var rawColumns = []string{
	"event_date_time",
	"timestamp_ns",
	"meta_host_name",
	"epid",
	"cpu",
	"probe",
	"record_actions",
	"record_values",
	"record_data",
	"output",
}

// RawConfig configures the raw event sink.
type RawConfig struct {
	Enabled bool `yaml:"enabled"`
	// ClickHouse is used when its endpoint is set.
	ClickHouse export.ClickHouseConfig `yaml:"clickhouse"`
	// HTTP configures optional HTTP export (e.g., to Vector).
	HTTP httpexport.Config `yaml:"http"`
	// ChannelSize bounds the events queued between the tracer and the
	// sink. Defaults to 65536.
	ChannelSize int `yaml:"channel_size"`
}

// Validate checks that the enabled sink has somewhere to write.
func (c *RawConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.ClickHouse.Endpoint == "" && !c.HTTP.Enabled {
		return errors.New("raw sink needs a clickhouse endpoint or http export")
	}

	return c.HTTP.Validate()
}

// RawSink writes every probe firing to ClickHouse in batches, and to an
// HTTP collector when one is configured.
type RawSink struct {
	log    logrus.FieldLogger
	cfg    RawConfig
	writer export.BatchWriter
	health *export.HealthMetrics
	http   *processor.BatchItemProcessor[RawEventJSON]

	clock    wallClock
	pending  rowBuffer
	dropWarn *rate.Limiter

	cancel  context.CancelFunc
	done    chan struct{}
	eventCh chan tracer.Event
}

// rowBuffer accumulates rows until a batch is full.
type rowBuffer struct {
	mu   sync.Mutex
	size int
	rows []rawRow
}

// add appends row and hands back the batch once it reaches size.
func (b *rowBuffer) add(row rawRow) []rawRow {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rows = append(b.rows, row)
	if len(b.rows) < b.size {
		return nil
	}

	full := b.rows
	b.rows = make([]rawRow, 0, b.size)

	return full
}

// take empties the buffer.
func (b *rowBuffer) take() []rawRow {
	b.mu.Lock()
	defer b.mu.Unlock()

	rows := b.rows
	b.rows = make([]rawRow, 0, b.size)

	return rows
}

// wallClock maps CLOCK_MONOTONIC timestamps, which the engine stamps on
// every firing, to wall time. The offset is refreshed on each flush tick so
// clock steps are picked up.
type wallClock struct {
	offsetNs atomic.Int64
}

func (c *wallClock) refresh() error {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return fmt.Errorf("reading monotonic clock: %w", err)
	}

	c.offsetNs.Store(time.Now().UnixNano() - ts.Nano())

	return nil
}

type rawRow struct {
	EventTime   time.Time
	TimestampNs uint64
	Host        string
	EPID        uint32
	CPU         int32
	Probe       string
	Actions     []string
	Values      []int64
	Data        []string
	Output      string
}

// NewRawSink creates a new raw event sink.
func NewRawSink(
	log logrus.FieldLogger,
	cfg RawConfig,
	health *export.HealthMetrics,
) (*RawSink, error) {
	var writer export.BatchWriter
	if cfg.ClickHouse.Endpoint != "" {
		writer = export.NewClickHouseWriter(log, cfg.ClickHouse, RawTable)
	}

	return newRawSink(log, cfg, health, writer)
}

func newRawSink(
	log logrus.FieldLogger,
	cfg RawConfig,
	health *export.HealthMetrics,
	writer export.BatchWriter,
) (*RawSink, error) {
	cfg.ClickHouse.ApplyDefaults(RawTable)

	if cfg.ChannelSize <= 0 {
		cfg.ChannelSize = 65536
	}

	sink := &RawSink{
		log:      log.WithField("sink", "raw"),
		cfg:      cfg,
		writer:   writer,
		health:   health,
		pending:  rowBuffer{size: cfg.ClickHouse.BatchSize},
		dropWarn: rate.NewLimiter(rate.Every(10*time.Second), 1),
		done:     make(chan struct{}),
		eventCh:  make(chan tracer.Event, cfg.ChannelSize),
	}

	if cfg.HTTP.Enabled {
		proc, err := httpexport.NewProcessor[RawEventJSON](
			log,
			cfg.HTTP,
			"raw_http",
		)
		if err != nil {
			return nil, fmt.Errorf("creating HTTP processor: %w", err)
		}

		sink.http = proc
	}

	return sink, nil
}

func (s *RawSink) Name() string { return "raw" }

func (s *RawSink) Start(ctx context.Context) error {
	if s.writer != nil {
		if err := s.writer.Start(ctx); err != nil {
			return err
		}

		if s.health != nil {
			s.health.ClickHouseConnected.WithLabelValues("raw").Set(1)
		}
	}

	if s.health != nil {
		s.health.SinkEventChannelCapacity.WithLabelValues("raw").
			Set(float64(cap(s.eventCh)))
	}

	s.refreshClock()

	ctx, s.cancel = context.WithCancel(ctx)

	if s.http != nil {
		s.http.Start(ctx)
	}

	go s.runLoop(ctx)

	s.log.WithFields(logrus.Fields{
		"clickhouse": s.writer != nil,
		"http":       s.http != nil,
	}).Info("Raw sink started")

	return nil
}

func (s *RawSink) Stop() error {
	if s.cancel == nil {
		return s.stopWriter()
	}

	s.cancel()
	<-s.done

	remaining := s.pending.take()

	// Events the loop did not get to.
drain:
	for {
		select {
		case event := <-s.eventCh:
			remaining = append(remaining, s.toRow(event))
		default:
			break drain
		}
	}

	if len(remaining) > 0 {
		if err := s.flush(context.Background(), remaining); err != nil {
			s.log.WithError(err).Error("Final flush failed")
			s.reportExportError()
		}
	}

	if s.http != nil {
		if err := s.http.Shutdown(context.Background()); err != nil {
			s.log.WithError(err).Error("HTTP processor shutdown failed")
		}
	}

	return s.stopWriter()
}

func (s *RawSink) stopWriter() error {
	if s.writer == nil {
		return nil
	}

	if s.health != nil {
		s.health.ClickHouseConnected.WithLabelValues("raw").Set(0)
	}

	return s.writer.Stop()
}

func (s *RawSink) HandleEvent(event tracer.Event) {
	select {
	case s.eventCh <- event:
		if s.health != nil {
			s.health.SinkEventsProcessed.WithLabelValues("raw").Inc()
		}
	default:
		if s.dropWarn.Allow() {
			s.log.WithField("capacity", cap(s.eventCh)).
				Warn("Raw sink event channel full, dropping events")
		}

		if s.health != nil {
			s.health.SinkEventsDropped.WithLabelValues("raw").Inc()
		}
	}
}

// HandleAggregates is a no-op; aggregations go to the aggregated sink.
func (s *RawSink) HandleAggregates(tracer.AggregateSnapshot) {}

func (s *RawSink) runLoop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.ClickHouse.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-s.eventCh:
			s.addEvent(ctx, event)
		case <-ticker.C:
			if s.health != nil {
				s.health.SinkEventChannelLength.WithLabelValues("raw").
					Set(float64(len(s.eventCh)))
			}

			s.refreshClock()
			s.flushPending(ctx)
		}
	}
}

func (s *RawSink) toRow(event tracer.Event) rawRow {
	return toRawRow(event, s.clock.offsetNs.Load(), s.cfg.ClickHouse.MetaHostName)
}

func (s *RawSink) addEvent(ctx context.Context, event tracer.Event) {
	if full := s.pending.add(s.toRow(event)); full != nil {
		if err := s.flush(ctx, full); err != nil {
			s.log.WithError(err).Error("Batch flush failed")
			s.reportExportError()
		}
	}
}

func (s *RawSink) flushPending(ctx context.Context) {
	if err := s.flush(ctx, s.pending.take()); err != nil {
		s.log.WithError(err).Error("Periodic flush failed")
		s.reportExportError()
	}
}

func (s *RawSink) flush(ctx context.Context, rows []rawRow) error {
	if len(rows) == 0 {
		return nil
	}

	if s.http != nil {
		s.exportHTTP(ctx, rows)
	}

	if s.writer == nil {
		return nil
	}

	start := time.Now()

	err := s.writer.Insert(ctx, rawColumns, len(rows), func(i int) []any {
		r := &rows[i]

		return []any{
			r.EventTime,
			r.TimestampNs,
			r.Host,
			r.EPID,
			r.CPU,
			r.Probe,
			r.Actions,
			r.Values,
			r.Data,
			r.Output,
		}
	})
	if err != nil {
		var ie *export.InsertError
		if errors.As(err, &ie) && s.health != nil {
			s.health.ExportBatchErrors.WithLabelValues("raw", string(ie.Stage)).Inc()
		}

		return fmt.Errorf("inserting %d events: %w", len(rows), err)
	}

	if s.health != nil {
		duration := time.Since(start)
		s.health.SinkFlushDuration.WithLabelValues("raw").Observe(duration.Seconds())
		s.health.SinkBatchSize.WithLabelValues("raw").Observe(float64(len(rows)))
		s.health.ClickHouseBatchDuration.WithLabelValues("send").Observe(duration.Seconds())
	}

	s.log.WithField("rows", len(rows)).
		Debug("Flushed raw events")

	return nil
}

func (s *RawSink) exportHTTP(ctx context.Context, rows []rawRow) {
	events := make([]*RawEventJSON, 0, len(rows))

	for i := range rows {
		event := toRawEventJSON(&rows[i])
		events = append(events, &event)
	}

	if err := s.http.Write(ctx, events); err != nil {
		s.log.WithError(err).Debug("HTTP export failed (queue may be full)")
	}
}

// toRawRow converts an event, stamping it with wall-clock time derived
// from the engine's monotonic timestamp.
func toRawRow(event tracer.Event, monotonicOffsetNs int64, host string) rawRow {
	wallNs := int64(event.TimestampNs) + monotonicOffsetNs
	if wallNs < 0 {
		wallNs = 0
	}

	row := rawRow{
		EventTime:   time.Unix(0, wallNs).UTC(),
		TimestampNs: event.TimestampNs,
		Host:        host,
		EPID:        event.EPID,
		CPU:         int32(event.CPU),
		Probe:       event.Probe,
		Actions:     make([]string, 0, len(event.Records)),
		Values:      make([]int64, 0, len(event.Records)),
		Data:        make([]string, 0, len(event.Records)),
	}

	for _, r := range event.Records {
		row.Actions = append(row.Actions, r.Action)
		row.Values = append(row.Values, r.Value)
		row.Data = append(row.Data, r.Data)
		row.Output += r.Output
	}

	return row
}

func (s *RawSink) refreshClock() {
	if err := s.clock.refresh(); err != nil {
		s.log.WithError(err).Debug("Keeping previous clock offset")
	}
}

func (s *RawSink) reportExportError() {
	if s.health == nil {
		return
	}

	s.health.ExportErrors.Inc()
}
