package dtrace

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/dtconsumer/internal/clock"
)

// State is the conceptual lifecycle position of a Session. It is tracked
// for logging and introspection only; operations are never rejected
// because of it.
type State int32

const (
	StateOpened State = iota
	StateConfigured
	StateCompiled
	StateEnabled
	StateRunning
	StateStopped
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpened:
		return "opened"
	case StateConfigured:
		return "configured"
	case StateCompiled:
		return "compiled"
	case StateEnabled:
		return "enabled"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Option configures Open.
type Option func(*Session)

// WithLogger sets the logger used for lifecycle messages.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Session) {
		s.log = log
	}
}

// WithClock sets the clock used for rate bookkeeping and Sleep.
func WithClock(clk clock.Clock) Option {
	return func(s *Session) {
		s.clk = clk
	}
}

// noCopy trips go vet's copylocks check when a Session is copied.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Session owns one engine connection. It must be used by pointer and
// driven from one goroutine at a time; it adds no locking of its own.
//
// Close releases the connection exactly once. A session that becomes
// unreachable without Close is released by a runtime cleanup, including
// when its handlers capture the session, but callers should not rely on
// its timing.
type Session struct {
	_ noCopy

	eng      Engine
	conn     Conn
	sleeper  Sleeper
	log      logrus.FieldLogger
	clk      clock.Clock
	handlers *registry

	deadlines *clock.Deadlines
	last      KernelStatus
	active    bool
	stopped   bool

	state   atomic.Int32
	closed  atomic.Bool
	cleanup runtime.Cleanup
}

// Open connects to eng. version must equal Version. On failure no session
// is returned and the error carries the engine's global code and message.
func Open(eng Engine, version int, flags OpenFlag, opts ...Option) (*Session, error) {
	s := &Session{
		eng:      eng,
		handlers: newRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		s.log = l
	}

	if s.clk == nil {
		s.clk = clock.New()
	}

	s.log = s.log.WithField("component", "dtrace")
	s.deadlines = clock.NewDeadlines(s.clk)

	conn, err := eng.Open(version, flags, s.handlers.dispatcher())
	if err != nil {
		code := codeOf(err)

		return nil, &Error{
			Op:   "open",
			Kind: KindOpen,
			Code: code,
			Msg:  eng.ErrMsg(code),
			Err:  err,
		}
	}

	s.conn = conn

	if sl, ok := conn.(Sleeper); ok {
		s.sleeper = sl
	}

	s.cleanup = runtime.AddCleanup(s, func(c Conn) {
		_ = c.Close()
	}, conn)

	s.log.WithFields(logrus.Fields{
		"version": version,
		"flags":   fmt.Sprintf("%#x", uint32(flags)),
	}).Debug("Session opened")

	return s, nil
}

// Close releases the engine connection. Only the first call has an
// effect; later calls return nil.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.cleanup.Stop()
	s.setState(StateClosed)

	err := s.conn.Close()

	s.log.Debug("Session closed")

	if err != nil {
		return &Error{Op: "close", Kind: KindLifecycle, Err: err}
	}

	return nil
}

// State returns the last lifecycle state reached.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Errno returns the last engine error code recorded for the connection.
func (s *Session) Errno() int {
	if s.closed.Load() {
		return 0
	}

	return s.conn.Errno()
}

// Go enables the probes of every executed program.
func (s *Session) Go() error {
	if err := s.live("go"); err != nil {
		return err
	}

	if err := s.conn.Go(); err != nil {
		return s.fail("go", KindLifecycle, err)
	}

	s.active = true
	s.stopped = false
	s.setState(StateRunning)

	s.log.Debug("Tracing started")

	return nil
}

// Stop disables probes and asks the engine to release its buffers.
//
// Callers MUST call Stop before relying on kernel resources being
// reclaimed. Without it reclamation is deferred to Close or to an engine
// watchdog. Stop after Stop is forwarded and reported by the engine.
func (s *Session) Stop() error {
	if err := s.live("stop"); err != nil {
		return err
	}

	if err := s.conn.Stop(); err != nil {
		return s.fail("stop", KindLifecycle, err)
	}

	s.stopped = true
	s.setState(StateStopped)

	s.log.Debug("Tracing stopped")

	return nil
}

// Sleep blocks until the earliest of the next switch, status and
// aggregate deadlines, or until ctx is done. It returns immediately when
// that time has already passed.
func (s *Session) Sleep(ctx context.Context) error {
	if err := s.live("sleep"); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if s.sleeper != nil {
		s.sleeper.Sleep()

		return nil
	}

	var skip []clock.Deadline
	if s.bufPolicy() != BufPolicySwitch {
		skip = append(skip, clock.Switch)
	}

	wake := s.deadlines.Earliest(s.intervals(), skip...)

	wait := wake.Sub(s.clk.Now())
	if wait <= 0 {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.clk.After(wait):
		return nil
	}
}

func (s *Session) intervals() clock.Intervals {
	var iv clock.Intervals

	iv[clock.Switch] = s.rate(OptSwitchRate)
	iv[clock.Status] = s.rate(OptStatusRate)
	iv[clock.Aggregate] = s.rate(OptAggRate)

	return iv
}

// rate reads a rate option as an interval, falling back to one second
// when the engine does not report a usable period.
func (s *Session) rate(name string) time.Duration {
	v, err := s.conn.GetOpt(name)
	if err != nil || v <= 0 {
		return time.Second
	}

	return time.Duration(v)
}

func (s *Session) bufPolicy() BufPolicy {
	v, err := s.conn.GetOpt(OptBufPolicy)
	if err != nil || v < 0 {
		return BufPolicySwitch
	}

	return BufPolicy(v)
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// advance moves the state forward to st, never backwards.
func (s *Session) advance(st State) {
	for {
		cur := s.state.Load()
		if cur >= int32(st) {
			return
		}

		if s.state.CompareAndSwap(cur, int32(st)) {
			return
		}
	}
}

func (s *Session) live(op string) error {
	if s.closed.Load() {
		return &Error{Op: op, Kind: KindLifecycle, Err: ErrClosed}
	}

	return nil
}

// fail wraps err with its engine code and message. Errors without an
// engine code keep Msg empty so Error shows the cause itself.
func (s *Session) fail(op string, kind Kind, err error) error {
	code := codeOf(err)

	msg := ""
	if code != 0 {
		msg = s.conn.ErrMsg(code)
	}

	s.log.WithError(err).WithFields(logrus.Fields{
		"op":    op,
		"errno": code,
	}).Debug("Engine operation failed")

	return &Error{Op: op, Kind: kind, Code: code, Msg: msg, Err: err}
}
