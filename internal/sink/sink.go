package sink

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/dtconsumer/internal/export"
	"github.com/ethpandaops/dtconsumer/internal/sink/aggregated"
	"github.com/ethpandaops/dtconsumer/internal/tracer"
)

// Config holds configuration for all sinks.
type Config struct {
	Raw        RawConfig         `yaml:"raw"`
	Aggregated aggregated.Config `yaml:"aggregated"`
}

// Sink defines the interface for consumers of tracer output.
type Sink interface {
	// Name returns the sink's name for logging.
	Name() string
	// Start initializes the sink.
	Start(ctx context.Context) error
	// Stop flushes pending data and shuts down the sink.
	Stop() error
	// HandleEvent processes a single probe firing.
	HandleEvent(event tracer.Event)
	// HandleAggregates processes one aggregation snapshot.
	HandleAggregates(snap tracer.AggregateSnapshot)
}

var (
	_ Sink = (*RawSink)(nil)
	_ Sink = (*aggregated.Sink)(nil)
)

// Build creates every enabled sink.
func Build(
	log logrus.FieldLogger,
	cfg Config,
	health *export.HealthMetrics,
) ([]Sink, error) {
	sinks := make([]Sink, 0, 2)

	if cfg.Raw.Enabled {
		raw, err := NewRawSink(log, cfg.Raw, health)
		if err != nil {
			return nil, fmt.Errorf("creating raw sink: %w", err)
		}

		sinks = append(sinks, raw)
	}

	if cfg.Aggregated.Enabled {
		agg, err := aggregated.New(log, cfg.Aggregated, health)
		if err != nil {
			return nil, fmt.Errorf("creating aggregated sink: %w", err)
		}

		sinks = append(sinks, agg)
	}

	return sinks, nil
}
