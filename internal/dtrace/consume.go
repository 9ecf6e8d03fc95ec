package dtrace

import (
	"errors"
	"fmt"
	"io"

	"github.com/ethpandaops/dtconsumer/internal/clock"
)

// Status is the result of a status check.
type Status int

const (
	// StatusNone means tracing has not been started.
	StatusNone Status = iota
	// StatusOkay means tracing is running normally.
	StatusOkay
	// StatusExited means the program called exit() and the session was
	// stopped.
	StatusExited
	// StatusFilled means a fill-policy buffer filled and the session was
	// stopped.
	StatusFilled
	// StatusStopped means Stop has been called.
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusOkay:
		return "okay"
	case StatusExited:
		return "exited"
	case StatusFilled:
		return "filled"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// WorkStatus is the result of one Work tick.
type WorkStatus int

const (
	// WorkOkay means more work is expected.
	WorkOkay WorkStatus = iota
	// WorkDone means tracing has completed and the buffers were drained.
	WorkDone
)

func (w WorkStatus) String() string {
	if w == WorkDone {
		return "done"
	}

	return "okay"
}

// ConsumeAction is returned by probe and record visitors.
type ConsumeAction int

const (
	// ConsumeThis continues with the records of the current probe firing.
	ConsumeThis ConsumeAction = iota
	// ConsumeNext skips the remaining records of the current probe firing.
	ConsumeNext
	// ConsumeAbort stops consumption and fails it with ErrAborted.
	ConsumeAbort
	// ConsumeError stops consumption and fails it with ErrVisitor.
	ConsumeError
)

// ProbeFunc is called once per probe firing.
type ProbeFunc func(*ProbeData) ConsumeAction

// RecordFunc is called once per record of a probe firing, after the
// ProbeFunc for that firing.
type RecordFunc func(*ProbeData, *Record) ConsumeAction

// Status checks the engine at most once per statusrate. A program that
// called exit(), or a full buffer under the fill policy, stops the session
// before the status is returned. Tracing the engine already stopped is
// reported as StatusStopped without a second stop request. Drop counter increases are reported to
// the Drop handler.
func (s *Session) Status() (Status, error) {
	if err := s.live("status"); err != nil {
		return StatusNone, err
	}

	if !s.active {
		return StatusNone, nil
	}

	if s.stopped {
		return StatusStopped, nil
	}

	if s.sleeper == nil && !s.deadlines.Due(clock.Status, s.rate(OptStatusRate)) {
		return StatusOkay, nil
	}

	ks, err := s.conn.Status()
	if err != nil {
		return StatusNone, s.fail("status", KindConsume, err)
	}

	s.dispatchDrops(ks)
	s.last = ks

	if s.handlers.takeAbort() {
		return StatusNone, &Error{Op: "status", Kind: KindConsume, Err: ErrAborted}
	}

	if ks.Stopped {
		s.stopped = true
		s.setState(StateStopped)

		return StatusStopped, nil
	}

	if ks.Exiting {
		if err := s.Stop(); err != nil {
			return StatusNone, err
		}

		return StatusExited, nil
	}

	if ks.Filled && s.bufPolicy() == BufPolicyFill {
		if err := s.Stop(); err != nil {
			return StatusNone, err
		}

		return StatusFilled, nil
	}

	return StatusOkay, nil
}

type dropCounter struct {
	kind  DropKind
	get   func(*KernelStatus) uint64
	label string
}

var statusDrops = []dropCounter{
	{DropDynamic, func(k *KernelStatus) uint64 { return k.DynDrops }, "dynamic variable drop"},
	{DropDynamicRinsing, func(k *KernelStatus) uint64 { return k.DynDropsRinsing }, "dynamic variable drop with non-empty rinsing list"},
	{DropDynamicDirty, func(k *KernelStatus) uint64 { return k.DynDropsDirty }, "dynamic variable drop with non-empty dirty list"},
	{DropSpeculation, func(k *KernelStatus) uint64 { return k.SpecDrops }, "speculative drop"},
	{DropSpeculationBusy, func(k *KernelStatus) uint64 { return k.SpecDropsBusy }, "failed speculation (available buffer(s) still busy)"},
	{DropSpeculationUnavail, func(k *KernelStatus) uint64 { return k.SpecDropsUnavail }, "failed speculation (no speculative buffer available)"},
	{DropStackStringOverflow, func(k *KernelStatus) uint64 { return k.StackStrOverflows }, "jstack()/ustack() string table overflow"},
	{DropDoubleError, func(k *KernelStatus) uint64 { return k.DoubleErrors }, "error in ERROR probe enabling"},
}

func (s *Session) dispatchDrops(ks KernelStatus) {
	for _, c := range statusDrops {
		cur, prev := c.get(&ks), c.get(&s.last)
		if cur <= prev {
			continue
		}

		d := &DropData{
			CPU:   CPUAll,
			Kind:  c.kind,
			Drops: cur - prev,
			Total: cur,
			Msg:   fmt.Sprintf("%d %s", cur-prev, c.label),
		}

		logDrop(s.log, d)
		s.handlers.Drop(d)
	}
}

// AggregateSnap copies the in-kernel aggregation buffers into the staging
// area read by AggregateWalk and AggregatePrint, at most once per aggrate.
// After a failure the staged data is unspecified.
func (s *Session) AggregateSnap() error {
	if err := s.live("aggregate snap"); err != nil {
		return err
	}

	if s.sleeper == nil && !s.deadlines.Due(clock.Aggregate, s.rate(OptAggRate)) {
		return nil
	}

	if err := s.conn.AggregateSnap(); err != nil {
		return s.fail("aggregate snap", KindConsume, err)
	}

	if s.handlers.takeAbort() {
		return &Error{Op: "aggregate snap", Kind: KindConsume, Err: ErrAborted}
	}

	return nil
}

// Consume drains the principal buffers at most once per switchrate. For
// each probe firing probe is called, then rec once per record in buffer
// order. Formatted output goes to out, or to the Buffered handler when out
// is nil, or is discarded.
//
// Consumption is not transactional: visitor calls made before a failure
// are not retracted.
func (s *Session) Consume(out io.Writer, probe ProbeFunc, rec RecordFunc) error {
	if err := s.live("consume"); err != nil {
		return err
	}

	if s.sleeper == nil && !s.deadlines.Due(clock.Switch, s.rate(OptSwitchRate)) {
		return nil
	}

	return s.consume(out, probe, rec)
}

func (s *Session) consume(out io.Writer, probe ProbeFunc, rec RecordFunc) error {
	var stopped ConsumeAction = -1

	guard := func(act ConsumeAction) ConsumeAction {
		if act == ConsumeAbort || act == ConsumeError {
			stopped = act
		}

		return act
	}

	pf := func(pd *ProbeData) ConsumeAction {
		if probe == nil {
			return ConsumeThis
		}

		return guard(probe(pd))
	}

	rf := func(pd *ProbeData, r *Record) ConsumeAction {
		if rec == nil {
			return ConsumeThis
		}

		return guard(rec(pd, r))
	}

	err := s.conn.Consume(s.handlers.output(out), pf, rf)

	switch {
	case stopped == ConsumeAbort:
		return &Error{Op: "consume", Kind: KindConsume, Code: codeOf(err), Err: ErrAborted}
	case stopped == ConsumeError:
		return &Error{Op: "consume", Kind: KindConsume, Code: codeOf(err), Err: ErrVisitor}
	case s.handlers.takeAbort() || errors.Is(err, ErrAborted):
		return &Error{Op: "consume", Kind: KindConsume, Code: codeOf(err), Err: ErrAborted}
	case err != nil:
		return s.fail("consume", KindConsume, err)
	}

	return nil
}

// Work runs one tick of the consumption loop: a status check, then an
// aggregation snapshot and a principal buffer drain. Under the ring and
// fill policies buffers are only drained once tracing is done. WorkDone
// is returned once the program has exited, a fill buffer filled, or Stop
// was called; it is not an error.
func (s *Session) Work(out io.Writer, probe ProbeFunc, rec RecordFunc) (WorkStatus, error) {
	st, err := s.Status()
	if err != nil {
		return WorkOkay, err
	}

	result := WorkOkay

	switch st {
	case StatusExited, StatusFilled, StatusStopped:
		s.deadlines.Force(clock.Switch)
		s.deadlines.Force(clock.Aggregate)

		result = WorkDone
	default:
		if s.bufPolicy() != BufPolicySwitch {
			return WorkOkay, nil
		}
	}

	if err := s.AggregateSnap(); err != nil {
		return result, err
	}

	if err := s.Consume(out, probe, rec); err != nil {
		return result, err
	}

	return result, nil
}
