package dtrace

import (
	"fmt"
	"io"
	"weak"

	"github.com/sirupsen/logrus"
)

// HandlerKind tags a handler class.
type HandlerKind int

const (
	HandlerBuffered HandlerKind = iota
	HandlerDrop
	HandlerErr
	HandlerSetOpt
	// HandlerProc is reserved. Registering a ProcHandler always fails with
	// ErrUnsupported.
	HandlerProc
)

func (k HandlerKind) String() string {
	switch k {
	case HandlerBuffered:
		return "buffered"
	case HandlerDrop:
		return "drop"
	case HandlerErr:
		return "err"
	case HandlerSetOpt:
		return "setopt"
	case HandlerProc:
		return "proc"
	default:
		return fmt.Sprintf("handler(%d)", int(k))
	}
}

// HandlerAction is returned by handlers.
type HandlerAction int

const (
	HandleOK HandlerAction = iota
	// HandleAbort fails the status or consume call that raised the
	// callback with ErrAborted.
	HandleAbort
)

// Handler is one of BufferedHandler, DropHandler, ErrHandler,
// SetOptHandler or ProcHandler. Per-registration state is whatever the
// function value closes over.
type Handler interface {
	Kind() HandlerKind
}

// BufferedHandler receives formatted output when Consume or
// AggregatePrint is called without a writer.
type BufferedHandler func(*BufData) HandlerAction

// DropHandler is told about records the engine lost.
type DropHandler func(*DropData) HandlerAction

// ErrHandler is told about runtime faults in probe actions.
type ErrHandler func(*ErrData) HandlerAction

// SetOptHandler is told about options changed by the running program.
type SetOptHandler func(*SetOptData) HandlerAction

// ProcHandler would receive traced-process notifications. It is not
// supported.
type ProcHandler func(pid int, msg string) HandlerAction

func (BufferedHandler) Kind() HandlerKind { return HandlerBuffered }
func (DropHandler) Kind() HandlerKind     { return HandlerDrop }
func (ErrHandler) Kind() HandlerKind      { return HandlerErr }
func (SetOptHandler) Kind() HandlerKind   { return HandlerSetOpt }
func (ProcHandler) Kind() HandlerKind     { return HandlerProc }

// RegisterHandler installs h for its class, replacing the silent default.
// Only one handler per class may be installed on a session.
func (s *Session) RegisterHandler(h Handler) error {
	if err := s.live("register handler"); err != nil {
		return err
	}

	if h == nil {
		return &Error{Op: "register handler", Kind: KindHandler, Err: fmt.Errorf("nil handler")}
	}

	kind := h.Kind()
	op := "register " + kind.String() + " handler"

	if kind == HandlerProc {
		return &Error{Op: op, Kind: KindHandler, Err: ErrUnsupported}
	}

	if s.handlers.has(kind) {
		return &Error{Op: op, Kind: KindHandler, Err: ErrHandlerExists}
	}

	if err := s.conn.RegisterHandler(kind); err != nil {
		return s.fail(op, KindHandler, err)
	}

	s.handlers.set(h)

	s.log.WithField("handler", kind.String()).Debug("Handler registered")

	return nil
}

// registry holds the installed handlers and is the Dispatcher given to the
// engine. It must not reference the Session so that an abandoned session
// stays collectable.
type registry struct {
	buffered BufferedHandler
	drop     DropHandler
	err      ErrHandler
	setopt   SetOptHandler

	aborted bool
	// unhandled counts callbacks that arrived without a handler.
	unhandled map[HandlerKind]uint64
}

func newRegistry() *registry {
	return &registry{unhandled: make(map[HandlerKind]uint64, 4)}
}

func (r *registry) has(kind HandlerKind) bool {
	switch kind {
	case HandlerBuffered:
		return r.buffered != nil
	case HandlerDrop:
		return r.drop != nil
	case HandlerErr:
		return r.err != nil
	case HandlerSetOpt:
		return r.setopt != nil
	default:
		return false
	}
}

func (r *registry) set(h Handler) {
	switch fn := h.(type) {
	case BufferedHandler:
		r.buffered = fn
	case DropHandler:
		r.drop = fn
	case ErrHandler:
		r.err = fn
	case SetOptHandler:
		r.setopt = fn
	}
}

func (r *registry) note(act HandlerAction) HandlerAction {
	if act == HandleAbort {
		r.aborted = true
	}

	return act
}

// takeAbort reports and clears a pending handler abort.
func (r *registry) takeAbort() bool {
	aborted := r.aborted
	r.aborted = false

	return aborted
}

func (r *registry) Drop(d *DropData) HandlerAction {
	if r.drop == nil {
		r.unhandled[HandlerDrop]++

		return HandleOK
	}

	return r.note(r.drop(d))
}

func (r *registry) Error(d *ErrData) HandlerAction {
	if r.err == nil {
		r.unhandled[HandlerErr]++

		return HandleOK
	}

	return r.note(r.err(d))
}

func (r *registry) SetOpt(d *SetOptData) HandlerAction {
	if r.setopt == nil {
		r.unhandled[HandlerSetOpt]++

		return HandleOK
	}

	return r.note(r.setopt(d))
}

// weakDispatcher is what the engine holds. Handlers may capture the
// Session, so the connection reaches the registry only weakly; otherwise an
// abandoned Session stays reachable from its own cleanup and is never
// released. Once the registry is gone every callback is acknowledged.
type weakDispatcher struct {
	r weak.Pointer[registry]
}

func (r *registry) dispatcher() Dispatcher {
	return weakDispatcher{r: weak.Make(r)}
}

func (w weakDispatcher) Drop(d *DropData) HandlerAction {
	if r := w.r.Value(); r != nil {
		return r.Drop(d)
	}

	return HandleOK
}

func (w weakDispatcher) Error(d *ErrData) HandlerAction {
	if r := w.r.Value(); r != nil {
		return r.Error(d)
	}

	return HandleOK
}

func (w weakDispatcher) SetOpt(d *SetOptData) HandlerAction {
	if r := w.r.Value(); r != nil {
		return r.SetOpt(d)
	}

	return HandleOK
}

// output picks the destination for formatted output: an explicit writer,
// then the Buffered handler, then nowhere.
func (r *registry) output(w io.Writer) io.Writer {
	if w != nil {
		return w
	}

	if r.buffered != nil {
		return &bufferedWriter{r: r}
	}

	return io.Discard
}

// bufferedWriter forwards each write to the Buffered handler.
type bufferedWriter struct {
	r *registry
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	if b.r.note(b.r.buffered(&BufData{Output: string(p)})) == HandleAbort {
		return 0, ErrAborted
	}

	return len(p), nil
}

// Unhandled returns how many callbacks of kind arrived with no handler
// installed.
func (s *Session) Unhandled(kind HandlerKind) uint64 {
	return s.handlers.unhandled[kind]
}

func logDrop(log logrus.FieldLogger, d *DropData) {
	log.WithFields(logrus.Fields{
		"kind":  d.Kind.String(),
		"cpu":   d.CPU,
		"drops": d.Drops,
	}).Debug("Drop reported")
}
