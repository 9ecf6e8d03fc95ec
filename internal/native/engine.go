//go:build dtrace && cgo

package native

/*
#cgo LDFLAGS: -ldtrace
#include "native.h"
*/
import "C"

import (
	"io"
	"os"
	"runtime/cgo"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/ethpandaops/dtconsumer/internal/dtrace"
)

// Engine opens libdtrace handles.
type Engine struct {
	log logrus.FieldLogger
}

// New returns the libdtrace engine.
func New(log logrus.FieldLogger) (dtrace.Engine, error) {
	return &Engine{log: log.WithField("component", "native")}, nil
}

// Open implements dtrace.Engine.
func (e *Engine) Open(version int, flags dtrace.OpenFlag, d dtrace.Dispatcher) (dtrace.Conn, error) {
	var code C.int

	h := C.dtrace_open(C.int(version), C.int(flags), &code)
	if h == nil {
		return nil, dtrace.Errno(code)
	}

	c := &conn{log: e.log, h: h, d: d}
	c.self = cgo.NewHandle(c)
	c.arg = newArg(c.self)

	return c, nil
}

// ErrMsg implements dtrace.Engine.
func (e *Engine) ErrMsg(code int) string {
	return C.GoString(C.dtrace_errmsg(nil, C.int(code)))
}

// newArg stores h in C memory so libdtrace may keep the pointer across
// calls.
func newArg(h cgo.Handle) *C.uintptr_t {
	p := (*C.uintptr_t)(C.malloc(C.size_t(unsafe.Sizeof(C.uintptr_t(0)))))
	*p = C.uintptr_t(h)

	return p
}

// withHandle exposes v to the callbacks made during fn.
func withHandle(v any, fn func(arg *C.uintptr_t) C.int) C.int {
	h := cgo.NewHandle(v)
	arg := newArg(h)

	defer func() {
		C.free(unsafe.Pointer(arg))
		h.Delete()
	}()

	return fn(arg)
}

type conn struct {
	log  logrus.FieldLogger
	h    *C.dtrace_hdl_t
	d    dtrace.Dispatcher
	self cgo.Handle
	arg  *C.uintptr_t
}

var (
	_ dtrace.Conn    = (*conn)(nil)
	_ dtrace.Sleeper = (*conn)(nil)
)

type program struct {
	p *C.dtrace_prog_t
}

func (c *conn) fail() error {
	return dtrace.Errno(C.dtrace_errno(c.h))
}

func (c *conn) Close() error {
	if c.h == nil {
		return nil
	}

	C.dtrace_close(c.h)
	c.h = nil

	c.self.Delete()
	C.free(unsafe.Pointer(c.arg))
	c.arg = nil

	return nil
}

func (c *conn) Errno() int {
	if c.h == nil {
		return 0
	}

	return int(C.dtrace_errno(c.h))
}

func (c *conn) ErrMsg(code int) string {
	return C.GoString(C.dtrace_errmsg(c.h, C.int(code)))
}

func (c *conn) SetOpt(name, value string) error {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	// Boolean options reject any value, including the empty string.
	var cval *C.char
	if value != "" {
		cval = C.CString(value)
		defer C.free(unsafe.Pointer(cval))
	}

	if C.dtrace_setopt(c.h, cname, cval) != 0 {
		return c.fail()
	}

	return nil
}

func (c *conn) GetOpt(name string) (int64, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	var v C.dtrace_optval_t
	if C.dtrace_getopt(c.h, cname, &v) != 0 {
		return 0, c.fail()
	}

	return int64(v), nil
}

// cArgv copies args into a C array. The returned func frees it.
func cArgv(args []string) (**C.char, func()) {
	if len(args) == 0 {
		return nil, func() {}
	}

	ptrSize := C.size_t(unsafe.Sizeof((*C.char)(nil)))
	argv := (**C.char)(C.malloc(ptrSize * C.size_t(len(args)+1)))
	view := unsafe.Slice(argv, len(args)+1)

	for i, a := range args {
		view[i] = C.CString(a)
	}

	view[len(args)] = nil

	return argv, func() {
		for _, p := range view[:len(args)] {
			C.free(unsafe.Pointer(p))
		}

		C.free(unsafe.Pointer(argv))
	}
}

func (c *conn) CompileString(
	source string,
	spec dtrace.ProbeSpec,
	flags dtrace.CompileFlag,
	args []string,
) (dtrace.ProgramHandle, error) {
	src := C.CString(source)
	defer C.free(unsafe.Pointer(src))

	argv, free := cArgv(args)
	defer free()

	p := C.dtrace_program_strcompile(c.h, src, C.dtrace_probespec_t(spec),
		C.uint_t(flags), C.int(len(args)), argv)
	if p == nil {
		return nil, c.fail()
	}

	return &program{p: p}, nil
}

func (c *conn) CompileFile(f *os.File, flags dtrace.CompileFlag, args []string) (dtrace.ProgramHandle, error) {
	if f == nil {
		f = os.Stdin
	}

	// fdopen takes ownership of the descriptor; the caller keeps f.
	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return nil, err
	}

	mode := C.CString("r")
	defer C.free(unsafe.Pointer(mode))

	fp, err := C.fdopen(C.int(fd), mode)
	if fp == nil {
		_ = unix.Close(fd)

		return nil, err
	}
	defer C.fclose(fp)

	argv, free := cArgv(args)
	defer free()

	p := C.dtrace_program_fcompile(c.h, fp, C.uint_t(flags), C.int(len(args)), argv)
	if p == nil {
		return nil, c.fail()
	}

	return &program{p: p}, nil
}

func (c *conn) Exec(h dtrace.ProgramHandle) (dtrace.ProgInfo, error) {
	prog, ok := h.(*program)
	if !ok {
		return dtrace.ProgInfo{}, dtrace.Errno(unix.EINVAL)
	}

	var pi C.dtrace_proginfo_t
	if C.dtrace_program_exec(c.h, prog.p, &pi) != 0 {
		return dtrace.ProgInfo{}, c.fail()
	}

	return dtrace.ProgInfo{
		Aggregates:       int(pi.dpi_aggregates),
		RecordGenerators: int(pi.dpi_recgens),
		Matches:          int(pi.dpi_matches),
		Speculations:     int(pi.dpi_speculations),
	}, nil
}

type stmtState struct {
	fn    func(*dtrace.Statement) bool
	index int
}

func (c *conn) StmtIter(h dtrace.ProgramHandle, fn func(*dtrace.Statement) bool) error {
	prog, ok := h.(*program)
	if !ok {
		return dtrace.Errno(unix.EINVAL)
	}

	st := &stmtState{fn: fn}

	rv := withHandle(st, func(arg *C.uintptr_t) C.int {
		return C.dtc_stmt_iter(c.h, prog.p, arg)
	})
	if rv < 0 {
		return c.fail()
	}

	return nil
}

func (c *conn) Go() error {
	if C.dtrace_go(c.h) != 0 {
		return c.fail()
	}

	return nil
}

func (c *conn) Stop() error {
	if C.dtrace_stop(c.h) != 0 {
		return c.fail()
	}

	return nil
}

// Status implements dtrace.Conn. libdtrace raises drop notifications for
// the status counters itself, so the returned counters stay zero.
func (c *conn) Status() (dtrace.KernelStatus, error) {
	var ks dtrace.KernelStatus

	switch C.dtrace_status(c.h) {
	case -1:
		return ks, c.fail()
	case C.DTRACE_STATUS_EXITED:
		ks.Exiting = true
	case C.DTRACE_STATUS_FILLED:
		ks.Filled = true
	case C.DTRACE_STATUS_STOPPED:
		ks.Stopped = true
	}

	return ks, nil
}

// Sleep blocks until the next switch, status or aggregate deadline.
func (c *conn) Sleep() {
	C.dtrace_sleep(c.h)
}

// capture runs fn with a memory stream and copies what it wrote to out.
func capture(out io.Writer, fn func(fp *C.FILE) C.int) (C.int, error) {
	s := C.dtc_stream_open()
	if s == nil {
		return 0, dtrace.Errno(unix.ENOMEM)
	}
	defer C.dtc_stream_free(s)

	rv := fn(s.fp)

	C.dtc_stream_close(s)

	if s.len > 0 {
		if _, err := out.Write(C.GoBytes(unsafe.Pointer(s.buf), C.int(s.len))); err != nil {
			return rv, err
		}
	}

	return rv, nil
}

type consumeState struct {
	probe   dtrace.ProbeFunc
	rec     dtrace.RecordFunc
	current *dtrace.ProbeData
}

func (c *conn) Consume(out io.Writer, probe dtrace.ProbeFunc, rec dtrace.RecordFunc) error {
	st := &consumeState{probe: probe, rec: rec}

	rv, err := capture(out, func(fp *C.FILE) C.int {
		return withHandle(st, func(arg *C.uintptr_t) C.int {
			return C.dtc_consume(c.h, fp, arg)
		})
	})
	if rv != 0 {
		return c.fail()
	}

	return err
}

func (c *conn) AggregateSnap() error {
	if C.dtrace_aggregate_snap(c.h) != 0 {
		return c.fail()
	}

	return nil
}

type walkState struct {
	fn dtrace.AggregateFunc
}

func (c *conn) AggregateWalk(order dtrace.WalkOrder, fn dtrace.AggregateFunc) error {
	st := &walkState{fn: fn}

	rv := withHandle(st, func(arg *C.uintptr_t) C.int {
		return C.dtc_walk(c.h, C.int(order), arg)
	})
	if rv != 0 {
		return c.fail()
	}

	return nil
}

func (c *conn) AggregatePrint(out io.Writer, order dtrace.WalkOrder) error {
	rv, err := capture(out, func(fp *C.FILE) C.int {
		return C.dtc_print(c.h, fp, C.int(order))
	})
	if rv != 0 {
		return c.fail()
	}

	return err
}

// RegisterHandler implements dtrace.Conn. Formatted output is captured
// from a memory stream and routed by the session, so the buffered kind
// needs no libdtrace registration.
func (c *conn) RegisterHandler(kind dtrace.HandlerKind) error {
	switch kind {
	case dtrace.HandlerBuffered:
		return nil
	case dtrace.HandlerProc:
		return dtrace.ErrUnsupported
	}

	if C.dtc_handle(c.h, C.int(kind), c.arg) != 0 {
		return c.fail()
	}

	c.log.WithField("kind", kind.String()).Debug("Registered libdtrace handler")

	return nil
}
