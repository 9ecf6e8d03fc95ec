package dtrace

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by the operation family that produced it.
type Kind int

const (
	KindOpen Kind = iota + 1
	KindCompile
	KindExec
	KindOption
	KindLifecycle
	KindConsume
	KindHandler
)

var kindNames = map[Kind]string{
	KindOpen:      "open",
	KindCompile:   "compile",
	KindExec:      "exec",
	KindOption:    "option",
	KindLifecycle: "lifecycle",
	KindConsume:   "consume",
	KindHandler:   "handler",
}

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}

	return fmt.Sprintf("kind(%d)", int(k))
}

// Kind sentinels. Every *Error matches exactly one of these via errors.Is.
var (
	ErrOpen      = errors.New("dtrace: open failed")
	ErrCompile   = errors.New("dtrace: compile failed")
	ErrExec      = errors.New("dtrace: exec failed")
	ErrOption    = errors.New("dtrace: option failed")
	ErrLifecycle = errors.New("dtrace: lifecycle operation failed")
	ErrConsume   = errors.New("dtrace: consumption failed")
	ErrRegister  = errors.New("dtrace: handler registration failed")
)

// Cause sentinels raised by this package rather than the engine.
var (
	ErrClosed         = errors.New("session is closed")
	ErrAborted        = errors.New("aborted by callback")
	ErrVisitor        = errors.New("visitor reported an error")
	ErrUnsupported    = errors.New("operation not supported")
	ErrHandlerExists  = errors.New("handler already registered")
	ErrForeignProgram = errors.New("program belongs to another session")
	ErrInvalidOrder   = errors.New("invalid aggregate walk order")
)

var kindSentinels = map[Kind]error{
	KindOpen:      ErrOpen,
	KindCompile:   ErrCompile,
	KindExec:      ErrExec,
	KindOption:    ErrOption,
	KindLifecycle: ErrLifecycle,
	KindConsume:   ErrConsume,
	KindHandler:   ErrRegister,
}

// Errno is a numeric error code reported by an engine. Engines return it
// (possibly wrapped) from Conn methods so the code survives translation.
type Errno int

func (e Errno) Error() string {
	return fmt.Sprintf("dtrace errno %d", int(e))
}

// Error is the structured error returned by every Session operation.
type Error struct {
	// Op names the failed operation, e.g. "compile" or "aggregate walk".
	Op   string
	Kind Kind
	// Code is the engine error code, or zero when the failure was raised
	// locally.
	Code int
	// Msg is the engine's message for Code.
	Msg string
	Err error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}

	if e.Code != 0 {
		return fmt.Sprintf("dtrace %s: %s (errno %d)", e.Op, msg, e.Code)
	}

	return fmt.Sprintf("dtrace %s: %s", e.Op, msg)
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)

	if sentinel, ok := kindSentinels[e.Kind]; ok {
		errs = append(errs, sentinel)
	}

	if e.Err != nil {
		errs = append(errs, e.Err)
	}

	return errs
}

// ErrMsg looks up the message for code. With a nil session the engine's
// global table is used, which is the only option after a failed Open.
func ErrMsg(eng Engine, s *Session, code int) string {
	if s == nil || s.closed.Load() {
		return eng.ErrMsg(code)
	}

	return s.conn.ErrMsg(code)
}

// codeOf extracts the engine code carried by err. Failures raised outside
// the engine, such as a failing output writer, have no code; the
// connection's last errno belongs to some earlier call and is not used.
func codeOf(err error) int {
	var errno Errno
	if errors.As(err, &errno) {
		return int(errno)
	}

	return 0
}
