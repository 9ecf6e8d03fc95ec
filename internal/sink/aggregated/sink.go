package aggregated

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/dtconsumer/internal/export"
	"github.com/ethpandaops/dtconsumer/internal/tracer"
)

// Sink exports aggregation snapshots as rows, one batch per snapshot.
type Sink struct {
	log       logrus.FieldLogger
	cfg       Config
	health    *export.HealthMetrics
	collector *Collector
	exporters exporterSet

	cancel context.CancelFunc
	done   chan struct{}
	snapCh chan tracer.AggregateSnapshot
}

// New creates an aggregation sink with the exporters cfg enables.
func New(
	log logrus.FieldLogger,
	cfg Config,
	health *export.HealthMetrics,
) (*Sink, error) {
	exporters := make([]MetricExporter, 0, 2)

	if cfg.ClickHouse.Endpoint != "" {
		writer := export.NewClickHouseWriter(log, cfg.ClickHouse, Table)
		exporters = append(exporters, NewClickHouseExporter(log, writer, health))
	}

	if cfg.HTTP.Enabled {
		exp, err := NewHTTPExporter(log, cfg.HTTP)
		if err != nil {
			return nil, err
		}

		exporters = append(exporters, exp)
	}

	return newSink(log, cfg, health, exporters...), nil
}

func newSink(
	log logrus.FieldLogger,
	cfg Config,
	health *export.HealthMetrics,
	exporters ...MetricExporter,
) *Sink {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}

	return &Sink{
		log:       log.WithField("sink", "aggregated"),
		cfg:       cfg,
		health:    health,
		collector: NewCollector(cfg.Mode, cfg.SkipZero),
		exporters: exporters,
		done:      make(chan struct{}),
		snapCh:    make(chan tracer.AggregateSnapshot, cfg.QueueSize),
	}
}

// Name returns the sink name.
func (s *Sink) Name() string { return "aggregated" }

// Start starts every exporter and the export loop.
func (s *Sink) Start(ctx context.Context) error {
	if err := s.exporters.start(ctx); err != nil {
		return err
	}

	if s.health != nil {
		s.health.SinkEventChannelCapacity.WithLabelValues("aggregated").
			Set(float64(cap(s.snapCh)))
	}

	ctx, s.cancel = context.WithCancel(ctx)

	go s.runLoop(ctx)

	s.log.WithFields(logrus.Fields{
		"mode":      s.collector.mode,
		"exporters": len(s.exporters),
	}).Info("Aggregated sink started")

	return nil
}

// Stop exports queued snapshots and stops every exporter.
func (s *Sink) Stop() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}

drain:
	for {
		select {
		case snap := <-s.snapCh:
			s.export(context.Background(), snap)
		default:
			break drain
		}
	}

	return s.exporters.stop()
}

// HandleEvent is a no-op; probe firings go to the raw sink.
func (s *Sink) HandleEvent(tracer.Event) {}

// HandleAggregates queues snap for export. Periodic snapshots are dropped
// when the queue is full; the final snapshot waits for room.
func (s *Sink) HandleAggregates(snap tracer.AggregateSnapshot) {
	if snap.Final {
		select {
		case s.snapCh <- snap:
		case <-s.done:
			s.log.Warn("Aggregated sink stopped, final snapshot lost")
		}

		return
	}

	select {
	case s.snapCh <- snap:
		if s.health != nil {
			s.health.SinkEventsProcessed.WithLabelValues("aggregated").Inc()
		}
	default:
		s.log.Warn("Aggregated sink queue full, dropping snapshot")

		if s.health != nil {
			s.health.SinkEventsDropped.WithLabelValues("aggregated").Inc()
		}
	}
}

func (s *Sink) runLoop(ctx context.Context) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-s.snapCh:
			s.export(ctx, snap)

			if s.health != nil {
				s.health.SinkEventChannelLength.WithLabelValues("aggregated").
					Set(float64(len(s.snapCh)))
			}
		}
	}
}

func (s *Sink) export(ctx context.Context, snap tracer.AggregateSnapshot) {
	batch := s.collector.Collect(snap, BatchMetadata{
		HostName:    s.cfg.ClickHouse.MetaHostName,
		UpdatedTime: time.Now(),
	})

	s.exporters.export(ctx, batch, func(name string, err error) {
		s.log.WithError(err).
			WithField("exporter", name).
			Error("Aggregation export failed")

		if s.health != nil {
			s.health.ExportErrors.Inc()
		}
	})
}
