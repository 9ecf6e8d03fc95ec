package dtrace

import (
	"io"
	"os"
)

// Version is the consumer protocol version passed to Open.
const Version = 3

// OpenFlag selects how the engine connection is opened.
type OpenFlag uint32

const (
	// OpenNoDev skips opening the tracing device.
	OpenNoDev OpenFlag = 0x01
	// OpenNoSys skips enabling the system-call provider.
	OpenNoSys OpenFlag = 0x02
	// OpenLP64 forces the 64-bit data model.
	OpenLP64 OpenFlag = 0x04
	// OpenILP32 forces the 32-bit data model.
	OpenILP32 OpenFlag = 0x08
)

// Engine is the tracing back end a Session talks to. The native libdtrace
// binding and the in-memory fake both implement it.
type Engine interface {
	// Open returns a new connection. d receives handler callbacks raised
	// by the engine for the lifetime of the connection.
	Open(version int, flags OpenFlag, d Dispatcher) (Conn, error)
	// ErrMsg reports the message for code from global engine state.
	ErrMsg(code int) string
}

// ProgramHandle is an engine-owned compiled program.
type ProgramHandle any

// Conn is one open engine connection. Methods map one to one onto the
// engine's request/response protocol; no lifecycle validation happens on
// this side of the boundary.
type Conn interface {
	Close() error
	Errno() int
	ErrMsg(code int) string

	SetOpt(name, value string) error
	GetOpt(name string) (int64, error)

	CompileString(source string, spec ProbeSpec, flags CompileFlag, args []string) (ProgramHandle, error)
	CompileFile(f *os.File, flags CompileFlag, args []string) (ProgramHandle, error)
	Exec(h ProgramHandle) (ProgInfo, error)
	// StmtIter calls fn per statement until fn returns false.
	StmtIter(h ProgramHandle, fn func(*Statement) bool) error

	Go() error
	Stop() error
	Status() (KernelStatus, error)

	// Consume drains the principal buffers. out is never nil.
	Consume(out io.Writer, probe ProbeFunc, rec RecordFunc) error
	AggregateSnap() error
	AggregateWalk(order WalkOrder, fn AggregateFunc) error
	// AggregatePrint writes the default presentation to out, which is
	// never nil.
	AggregatePrint(out io.Writer, order WalkOrder) error

	// RegisterHandler tells the engine that callbacks of kind should be
	// routed to the Dispatcher.
	RegisterHandler(kind HandlerKind) error
}

// Sleeper is implemented by connections whose engine paces the switch,
// status and aggregate rates itself. Sessions over such connections skip
// their own rate bookkeeping and block in the engine instead.
type Sleeper interface {
	Sleep()
}

// Dispatcher receives handler callbacks raised inside the engine.
type Dispatcher interface {
	Drop(d *DropData) HandlerAction
	Error(d *ErrData) HandlerAction
	SetOpt(d *SetOptData) HandlerAction
}

// KernelStatus is the raw state reported by one status round trip. The
// drop counters are cumulative since Go.
type KernelStatus struct {
	Exiting bool
	Filled  bool
	// Stopped means tracing was already stopped on the engine side.
	Stopped bool

	DynDrops          uint64
	DynDropsRinsing   uint64
	DynDropsDirty     uint64
	SpecDrops         uint64
	SpecDropsBusy     uint64
	SpecDropsUnavail  uint64
	StackStrOverflows uint64
	DoubleErrors      uint64
}

// ProbeDesc names a probe as provider:module:function:name.
type ProbeDesc struct {
	Provider string
	Module   string
	Function string
	Name     string
}

func (p ProbeDesc) String() string {
	return p.Provider + ":" + p.Module + ":" + p.Function + ":" + p.Name
}

// ProbeData describes one enabled probe firing in the principal buffer.
type ProbeData struct {
	EPID uint32
	CPU  int
	// Timestamp is the engine's monotonic timestamp in nanoseconds.
	Timestamp uint64
	Probe     ProbeDesc
}

// Record is one data record produced by an action of a probe firing.
type Record struct {
	// Action is the engine's name for the producing action, e.g. "trace",
	// "printf" or "exit".
	Action string
	// Value holds integer results.
	Value int64
	// Data holds string or raw byte results.
	Data []byte
	// Output is the formatted text the engine wrote for this record, if any.
	Output string
}

// Statement describes one clause of a compiled program.
type Statement struct {
	Index   int
	Probe   ProbeDesc
	Actions int
}

// ProgInfo describes an executed program.
type ProgInfo struct {
	Aggregates       int
	RecordGenerators int
	Matches          int
	Speculations     int
}

// BufData carries formatted output headed for the Buffered handler.
type BufData struct {
	Output string
}

// DropKind classifies a drop notification.
type DropKind int

const (
	DropPrincipal DropKind = iota
	DropAggregation
	DropDynamic
	DropDynamicRinsing
	DropDynamicDirty
	DropSpeculation
	DropSpeculationBusy
	DropSpeculationUnavail
	DropStackStringOverflow
	DropDoubleError
)

// MaxDropKind is the largest valid DropKind.
const MaxDropKind = DropDoubleError

var dropKindNames = [...]string{
	DropPrincipal:           "principal",
	DropAggregation:         "aggregation",
	DropDynamic:             "dynamic",
	DropDynamicRinsing:      "dynamic_rinsing",
	DropDynamicDirty:        "dynamic_dirty",
	DropSpeculation:         "speculation",
	DropSpeculationBusy:     "speculation_busy",
	DropSpeculationUnavail:  "speculation_unavail",
	DropStackStringOverflow: "stack_string_overflow",
	DropDoubleError:         "double_error",
}

func (k DropKind) String() string {
	if k < 0 || int(k) >= len(dropKindNames) {
		return "unknown"
	}

	return dropKindNames[k]
}

// CPUAll marks a drop that is not attributed to a single CPU.
const CPUAll = -1

// DropData describes records lost by the engine.
type DropData struct {
	CPU   int
	Kind  DropKind
	Drops uint64
	Total uint64
	Msg   string
}

// ErrData describes a runtime fault raised while a probe fired.
type ErrData struct {
	EPID   uint32
	CPU    int
	Probe  ProbeDesc
	Fault  string
	Offset int
	Msg    string
}

// SetOptData describes an option changed by the running program.
type SetOptData struct {
	Option   string
	OldValue int64
	NewValue int64
}
