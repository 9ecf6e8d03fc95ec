package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/dtconsumer/internal/dtrace"
	"github.com/ethpandaops/dtconsumer/internal/export"
	"github.com/ethpandaops/dtconsumer/internal/native"
	"github.com/ethpandaops/dtconsumer/internal/sink"
	"github.com/ethpandaops/dtconsumer/internal/tracer"
)

// Agent is the top-level orchestrator for dtconsumer.
type Agent interface {
	// Start initializes all components and begins tracing.
	Start(ctx context.Context) error
	// Stop shuts down all components gracefully.
	Stop() error
	// Done is closed when the traced program completes.
	Done() <-chan struct{}
}

type agent struct {
	log    logrus.FieldLogger
	cfg    *Config
	health *export.HealthMetrics
	tracer tracer.Tracer
	sinks  []sink.Sink
	out    io.WriteCloser

	cancel context.CancelFunc
}

// New creates a new Agent driving eng.
func New(log logrus.FieldLogger, cfg *Config, eng dtrace.Engine) (Agent, error) {
	flags, err := cfg.Engine.Flags()
	if err != nil {
		return nil, err
	}

	health := export.NewHealthMetrics(log, cfg.Health)

	sinks, err := sink.Build(log, cfg.Sinks, health)
	if err != nil {
		return nil, err
	}

	out, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}

	opts := []tracer.Option{tracer.WithOpenFlags(flags)}
	if out != nil {
		opts = append(opts, tracer.WithOutput(out))
	}

	return &agent{
		log:    log.WithField("component", "agent"),
		cfg:    cfg,
		health: health,
		tracer: tracer.New(log, cfg.Tracer, eng, opts...),
		sinks:  sinks,
		out:    out,
	}, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func openOutput(target string) (io.WriteCloser, error) {
	switch target {
	case "":
		return nil, nil
	case "stdout":
		return nopCloser{os.Stdout}, nil
	case "stderr":
		return nopCloser{os.Stderr}, nil
	case "discard":
		return nopCloser{io.Discard}, nil
	}

	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening output %s: %w", target, err)
	}

	return f, nil
}

func (a *agent) Done() <-chan struct{} {
	return a.tracer.Done()
}

func (a *agent) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	// 1. Start health metrics server.
	phase := time.Now()

	if err := a.health.Start(ctx); err != nil {
		return fmt.Errorf("starting health metrics: %w", err)
	}

	a.health.AgentStartDuration.WithLabelValues("health").Set(time.Since(phase).Seconds())

	// 2. Lift the memlock limit if the engine needs it.
	if a.cfg.Engine.RaiseMemlock {
		if err := native.RaiseMemlock(); err != nil {
			return fmt.Errorf("raising memlock limit: %w", err)
		}
	}

	// 3. Start sinks concurrently; each may dial ClickHouse.
	phase = time.Now()

	var g errgroup.Group

	for _, s := range a.sinks {
		g.Go(func() error {
			if err := s.Start(ctx); err != nil {
				return fmt.Errorf("starting sink %s: %w", s.Name(), err)
			}

			a.log.WithField("sink", s.Name()).Info("Sink started")

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	a.health.AgentStartDuration.WithLabelValues("sinks").Set(time.Since(phase).Seconds())

	// 4. Register tracer handlers.
	a.registerHandlers()

	// 5. Compile, execute and enable the program.
	phase = time.Now()

	if err := a.tracer.Start(ctx); err != nil {
		return fmt.Errorf("starting tracer: %w", err)
	}

	a.health.AgentStartDuration.WithLabelValues("tracer").Set(time.Since(phase).Seconds())
	a.health.ProgramMatches.Set(float64(a.tracer.Info().Matches))
	a.health.SetTracing(true)

	a.log.Info("Agent fully started")

	return nil
}

func (a *agent) registerHandlers() {
	a.tracer.OnEvent(func(event tracer.Event) {
		a.health.EventsConsumed.Inc()
		a.health.RecordsConsumed.Add(float64(len(event.Records)))

		for _, s := range a.sinks {
			s.HandleEvent(event)
		}
	})

	a.tracer.OnAggregate(func(snap tracer.AggregateSnapshot) {
		a.health.AggregateWalks.WithLabelValues(strconv.FormatBool(snap.Final)).Inc()
		a.health.AggregateRecords.Set(float64(len(snap.Rows)))

		for _, s := range a.sinks {
			s.HandleAggregates(snap)
		}
	})

	a.tracer.OnDrop(func(d dtrace.DropData) {
		a.health.Drops.WithLabelValues(d.Kind.String()).Add(float64(d.Drops))
	})

	a.tracer.OnError(func(err error) {
		var fault *tracer.FaultError
		if errors.As(err, &fault) {
			a.health.RuntimeErrors.Inc()
			a.log.WithField("probe", fault.Probe.String()).Debug(fault.Msg)

			return
		}

		a.health.ConsumeErrors.Inc()
		a.log.WithError(err).Warn("Consumption error")
	})

	a.tracer.OnTick(func(status dtrace.WorkStatus, took time.Duration) {
		a.health.WorkTicks.WithLabelValues(status.String()).Inc()
		a.health.WorkDuration.Observe(took.Seconds())

		if status == dtrace.WorkDone {
			a.health.SetTracing(false)
		}
	})
}

func (a *agent) Stop() error {
	if a.cancel != nil {
		a.cancel()
	}

	// Stop in reverse order: the tracer delivers its last snapshot
	// before the sinks flush.
	if err := a.tracer.Stop(); err != nil {
		a.log.WithError(err).Error("Error stopping tracer")
	}

	a.health.SetTracing(false)

	for _, s := range a.sinks {
		if err := s.Stop(); err != nil {
			a.log.WithError(err).WithField("sink", s.Name()).
				Error("Error stopping sink")
		}
	}

	if a.out != nil {
		if err := a.out.Close(); err != nil {
			a.log.WithError(err).Warn("Error closing output")
		}
	}

	return a.health.Stop()
}
