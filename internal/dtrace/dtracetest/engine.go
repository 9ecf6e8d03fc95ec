// Package dtracetest provides an in-memory engine for exercising the
// dtrace consumer without a kernel. Tests script kernel-side activity on
// a Conn (probe firings, drops, faults, exit) and observe how a Session
// drains it.
package dtracetest

import (
	"fmt"
	"sync"

	"github.com/ethpandaops/dtconsumer/internal/dtrace"
)

// Error codes reported by the fake engine.
const (
	CodeInval     = 22
	CodeVersion   = 1000
	CodeBadOption = 1001
	CodeBadOptVal = 1002
	CodeCompile   = 1003
	CodeState     = 1004
	CodeAbort     = 1005
	CodeNoMem     = 1006
	CodeWalk      = 1007
	CodeBadFlags  = 1008
)

var messages = map[int]string{
	CodeInval:     "Invalid argument",
	CodeVersion:   "Client requested version newer than library",
	CodeBadOption: "Invalid option name",
	CodeBadOptVal: "Invalid value for specified option",
	CodeCompile:   "D program compilation failed",
	CodeState:     "Operation illegal in current tracing state",
	CodeAbort:     "Abort due to directive from callback",
	CodeNoMem:     "Not enough space for enabling",
	CodeWalk:      "Aggregation walk failed",
	CodeBadFlags:  "Invalid combination of open flags",
}

// Engine is a fake dtrace.Engine. The zero value is not usable; call New.
type Engine struct {
	// DefaultSource is compiled when CompileFile is given a nil file.
	DefaultSource string

	mu       sync.Mutex
	opened   int
	closed   int
	failOpen int
	conns    []*Conn
}

var _ dtrace.Engine = (*Engine)(nil)

// New returns an Engine with no open connections.
func New() *Engine {
	return &Engine{DefaultSource: "dtrace:::BEGIN {}"}
}

// Open implements dtrace.Engine.
func (e *Engine) Open(version int, flags dtrace.OpenFlag, d dtrace.Dispatcher) (dtrace.Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if code := e.failOpen; code != 0 {
		e.failOpen = 0

		return nil, dtrace.Errno(code)
	}

	if version != dtrace.Version {
		return nil, dtrace.Errno(CodeVersion)
	}

	if flags&^(dtrace.OpenNoDev|dtrace.OpenNoSys|dtrace.OpenLP64|dtrace.OpenILP32) != 0 {
		return nil, dtrace.Errno(CodeInval)
	}

	if flags&dtrace.OpenLP64 != 0 && flags&dtrace.OpenILP32 != 0 {
		return nil, dtrace.Errno(CodeBadFlags)
	}

	c := newConn(e, flags, d)

	e.opened++
	e.conns = append(e.conns, c)

	return c, nil
}

// ErrMsg implements dtrace.Engine.
func (e *Engine) ErrMsg(code int) string {
	if msg, ok := messages[code]; ok {
		return msg
	}

	return fmt.Sprintf("Unknown error %d", code)
}

// FailOpen makes the next Open fail with code.
func (e *Engine) FailOpen(code int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.failOpen = code
}

// Opened returns the number of successful opens.
func (e *Engine) Opened() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.opened
}

// Closed returns the number of Close calls across all connections,
// including repeated closes of the same connection.
func (e *Engine) Closed() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.closed
}

// Last returns the most recently opened connection, or nil.
func (e *Engine) Last() *Conn {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.conns) == 0 {
		return nil
	}

	return e.conns[len(e.conns)-1]
}

func (e *Engine) noteClose() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed++
}
