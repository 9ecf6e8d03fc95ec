package tracer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/elastic/go-freelru"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/ethpandaops/dtconsumer/internal/dtrace"
)

// Option configures a tracer created by New.
type Option func(*tracer)

// WithOpenFlags sets the flags used to open the engine.
func WithOpenFlags(flags dtrace.OpenFlag) Option {
	return func(t *tracer) {
		t.flags = flags
	}
}

// WithSessionOptions passes options through to dtrace.Open.
func WithSessionOptions(opts ...dtrace.Option) Option {
	return func(t *tracer) {
		t.sessionOpts = append(t.sessionOpts, opts...)
	}
}

// WithOutput sends formatted program output to w instead of the log.
func WithOutput(w io.Writer) Option {
	return func(t *tracer) {
		t.out = w
	}
}

type tracer struct {
	log         logrus.FieldLogger
	cfg         Config
	eng         dtrace.Engine
	flags       dtrace.OpenFlag
	sessionOpts []dtrace.Option
	out         io.Writer

	session *dtrace.Session
	info    dtrace.ProgInfo
	order   dtrace.WalkOrder

	eventHandlers []EventHandler
	aggHandlers   []AggregateHandler
	dropHandlers  []DropHandler
	errHandlers   []ErrorHandler
	tickHandlers  []TickHandler

	drops    *DropStats
	dropWarn *rate.Limiter
	probes   *freelru.SyncedLRU[uint32, string]

	// pending is the event being assembled from the current probe firing.
	pending  *Event
	lastWalk time.Time

	done   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a tracer that drives eng according to cfg.
func New(
	log logrus.FieldLogger,
	cfg Config,
	eng dtrace.Engine,
	opts ...Option,
) Tracer {
	t := &tracer{
		log:           log.WithField("component", "tracer"),
		cfg:           cfg,
		eng:           eng,
		eventHandlers: make([]EventHandler, 0, 4),
		aggHandlers:   make([]AggregateHandler, 0, 4),
		drops:         NewDropStats(),
		dropWarn:      rate.NewLimiter(rate.Every(10*time.Second), 1),
		done:          make(chan struct{}),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

func (t *tracer) OnEvent(handler EventHandler) {
	t.eventHandlers = append(t.eventHandlers, handler)
}

func (t *tracer) OnAggregate(handler AggregateHandler) {
	t.aggHandlers = append(t.aggHandlers, handler)
}

func (t *tracer) OnDrop(handler DropHandler) {
	t.dropHandlers = append(t.dropHandlers, handler)
}

func (t *tracer) OnError(handler ErrorHandler) {
	t.errHandlers = append(t.errHandlers, handler)
}

func (t *tracer) OnTick(handler TickHandler) {
	t.tickHandlers = append(t.tickHandlers, handler)
}

func (t *tracer) Done() <-chan struct{} {
	return t.done
}

func (t *tracer) Info() dtrace.ProgInfo {
	return t.info
}

func (t *tracer) DropCounts() map[dtrace.DropKind]uint64 {
	return t.drops.Snapshot()
}

func (t *tracer) Start(ctx context.Context) error {
	ctx, t.cancel = context.WithCancel(ctx)

	if err := t.cfg.Validate(); err != nil {
		return fmt.Errorf("validating tracer config: %w", err)
	}

	order, err := dtrace.ParseWalkOrder(t.cfg.AggregateOrder)
	if err != nil {
		return err
	}

	t.order = order

	size := t.cfg.ProbeCacheSize
	if size == 0 {
		size = 1024
	}

	t.probes, err = freelru.NewSynced[uint32, string](size,
		func(epid uint32) uint32 { return epid })
	if err != nil {
		return fmt.Errorf("creating probe cache: %w", err)
	}

	opts := append([]dtrace.Option{dtrace.WithLogger(t.log)}, t.sessionOpts...)

	t.session, err = dtrace.Open(t.eng, dtrace.Version, t.flags, opts...)
	if err != nil {
		return fmt.Errorf("opening dtrace session: %w", err)
	}

	if err := t.setup(); err != nil {
		t.cleanup()

		return err
	}

	t.lastWalk = time.Now()

	t.wg.Add(1)

	go t.run(ctx)

	t.log.WithFields(logrus.Fields{
		"matches":    t.info.Matches,
		"aggregates": t.info.Aggregates,
		"order":      t.order.String(),
	}).Info("Tracer started")

	return nil
}

func (t *tracer) setup() error {
	if err := applyOptions(t.session, t.cfg.Options); err != nil {
		return err
	}

	if err := t.registerHandlers(); err != nil {
		return err
	}

	prog, err := compileProgram(t.session, &t.cfg)
	if err != nil {
		return err
	}

	if err := t.session.Exec(prog, &t.info); err != nil {
		return fmt.Errorf("executing program: %w", err)
	}

	if err := t.session.Go(); err != nil {
		return fmt.Errorf("enabling probes: %w", err)
	}

	return nil
}

// applyOptions sets options in name order so failures are reproducible.
func applyOptions(session *dtrace.Session, options map[string]string) error {
	names := make([]string, 0, len(options))
	for name := range options {
		names = append(names, name)
	}

	slices.Sort(names)

	for _, name := range names {
		if err := session.SetOpt(name, options[name]); err != nil {
			return fmt.Errorf("setting option %s: %w", name, err)
		}
	}

	return nil
}

func compileProgram(session *dtrace.Session, cfg *Config) (*dtrace.Program, error) {
	flags, err := dtrace.ParseCompileFlags(cfg.CompileFlags)
	if err != nil {
		return nil, err
	}

	if cfg.ProgramFile != "" {
		f, err := os.Open(cfg.ProgramFile)
		if err != nil {
			return nil, fmt.Errorf("opening program file: %w", err)
		}

		defer f.Close()

		prog, err := session.CompileFile(f, flags, cfg.Args...)
		if err != nil {
			return nil, fmt.Errorf("compiling %s: %w", cfg.ProgramFile, err)
		}

		return prog, nil
	}

	spec, err := cfg.probeSpec()
	if err != nil {
		return nil, err
	}

	prog, err := session.Compile(cfg.Program, spec, flags, cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("compiling program: %w", err)
	}

	return prog, nil
}

func (t *tracer) registerHandlers() error {
	handlers := []dtrace.Handler{
		dtrace.DropHandler(t.handleDrop),
		dtrace.ErrHandler(t.handleFault),
		dtrace.SetOptHandler(t.handleSetOpt),
	}

	if t.out == nil {
		handlers = append(handlers, dtrace.BufferedHandler(t.handleOutput))
	}

	for _, h := range handlers {
		if err := t.session.RegisterHandler(h); err != nil {
			return fmt.Errorf("registering %s handler: %w", h.Kind(), err)
		}
	}

	return nil
}

func (t *tracer) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}

	t.wg.Wait()
	t.cleanup()

	t.log.Info("Tracer stopped")

	return nil
}

// cleanup stops tracing if it is still running and closes the session.
func (t *tracer) cleanup() {
	if t.session == nil {
		return
	}

	if t.session.State() == dtrace.StateRunning {
		if err := t.session.Stop(); err != nil {
			t.log.WithError(err).Warn("Failed to stop tracing")
		}
	}

	if err := t.session.Close(); err != nil {
		t.log.WithError(err).Warn("Failed to close session")
	}
}

func (t *tracer) run(ctx context.Context) {
	defer t.wg.Done()
	defer close(t.done)

	for {
		if ctx.Err() != nil {
			return
		}

		start := time.Now()
		status, err := t.session.Work(t.out, t.onProbe, t.onRecord)
		t.flushEvent()

		for _, h := range t.tickHandlers {
			h(status, time.Since(start))
		}

		if err != nil {
			t.emitError(fmt.Errorf("work: %w", err))
		}

		if status == dtrace.WorkDone {
			t.finish()

			return
		}

		if t.cfg.AggregateInterval > 0 && time.Since(t.lastWalk) >= t.cfg.AggregateInterval {
			t.walkAggregates(false)
		}

		if err := t.session.Sleep(ctx); err != nil {
			return
		}
	}
}

func (t *tracer) finish() {
	t.walkAggregates(true)

	if t.cfg.PrintAggregates {
		if err := t.session.AggregatePrint(t.out, t.order); err != nil {
			t.emitError(fmt.Errorf("printing aggregations: %w", err))
		}
	}

	t.log.Info("Tracing completed")
}

func (t *tracer) walkAggregates(final bool) {
	t.lastWalk = time.Now()

	snap := AggregateSnapshot{Taken: t.lastWalk, Final: final}

	err := t.session.AggregateWalk(func(rec *dtrace.AggregateRecord) dtrace.WalkAction {
		snap.Rows = append(snap.Rows, rowFrom(rec))

		return dtrace.WalkNext
	}, t.order)
	if err != nil {
		t.emitError(fmt.Errorf("walking aggregations: %w", err))

		return
	}

	for _, h := range t.aggHandlers {
		h(snap)
	}
}

func (t *tracer) onProbe(pd *dtrace.ProbeData) dtrace.ConsumeAction {
	t.flushEvent()

	name, ok := t.probes.Get(pd.EPID)
	if !ok {
		name = pd.Probe.String()
		t.probes.Add(pd.EPID, name)
	}

	t.pending = &Event{
		TimestampNs: pd.Timestamp,
		EPID:        pd.EPID,
		CPU:         pd.CPU,
		Probe:       name,
	}

	return dtrace.ConsumeThis
}

func (t *tracer) onRecord(_ *dtrace.ProbeData, r *dtrace.Record) dtrace.ConsumeAction {
	if t.pending != nil {
		t.pending.Records = append(t.pending.Records, recordFrom(r))
	}

	return dtrace.ConsumeThis
}

func (t *tracer) flushEvent() {
	if t.pending == nil {
		return
	}

	ev := *t.pending
	t.pending = nil

	for _, h := range t.eventHandlers {
		h(ev)
	}
}

func (t *tracer) handleDrop(d *dtrace.DropData) dtrace.HandlerAction {
	t.drops.Record(d.Kind, d.Drops)

	if t.dropWarn.Allow() {
		t.log.WithFields(logrus.Fields{
			"kind":  d.Kind.String(),
			"cpu":   d.CPU,
			"drops": d.Drops,
		}).Warn(d.Msg)
	}

	for _, h := range t.dropHandlers {
		h(*d)
	}

	return dtrace.HandleOK
}

// FaultError is reported to error handlers for runtime faults in probe
// actions.
type FaultError struct {
	dtrace.ErrData
}

func (e *FaultError) Error() string {
	return e.Msg
}

func (t *tracer) handleFault(d *dtrace.ErrData) dtrace.HandlerAction {
	t.emitError(&FaultError{ErrData: *d})

	return dtrace.HandleOK
}

func (t *tracer) handleSetOpt(d *dtrace.SetOptData) dtrace.HandlerAction {
	t.log.WithFields(logrus.Fields{
		"option": d.Option,
		"old":    d.OldValue,
		"new":    d.NewValue,
	}).Info("Program changed option")

	return dtrace.HandleOK
}

func (t *tracer) handleOutput(d *dtrace.BufData) dtrace.HandlerAction {
	t.log.WithField("output", d.Output).Info("Program output")

	return dtrace.HandleOK
}

func (t *tracer) emitError(err error) {
	var fault *FaultError
	if !errors.As(err, &fault) {
		t.log.WithError(err).Debug("Tracer error")
	}

	for _, h := range t.errHandlers {
		h(err)
	}
}
