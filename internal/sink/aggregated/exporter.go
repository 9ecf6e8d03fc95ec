package aggregated

import (
	"context"
	"errors"
	"fmt"
)

// MetricExporter delivers aggregation batches to one destination.
// The sink calls Export from a single goroutine.
type MetricExporter interface {
	Name() string
	Start(ctx context.Context) error
	Export(ctx context.Context, batch MetricBatch) error
	Stop() error
}

// exporterSet fans a batch out to every configured destination.
type exporterSet []MetricExporter

// start brings every exporter up in order. If one fails, those already
// started are stopped again.
func (set exporterSet) start(ctx context.Context) error {
	for i, exp := range set {
		if err := exp.Start(ctx); err != nil {
			_ = set[:i].stop()

			return fmt.Errorf("starting %s exporter: %w", exp.Name(), err)
		}
	}

	return nil
}

// export hands batch to each exporter and calls onErr for every failure.
// One destination failing does not keep the batch from the others.
func (set exporterSet) export(ctx context.Context, batch MetricBatch, onErr func(name string, err error)) {
	for _, exp := range set {
		if err := exp.Export(ctx, batch); err != nil {
			onErr(exp.Name(), err)
		}
	}
}

func (set exporterSet) stop() error {
	var errs []error

	for _, exp := range set {
		if err := exp.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stopping %s exporter: %w", exp.Name(), err))
		}
	}

	return errors.Join(errs...)
}
