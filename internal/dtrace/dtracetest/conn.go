package dtracetest

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"

	"github.com/ethpandaops/dtconsumer/internal/dtrace"
)

// item is one entry of the fake principal buffer.
type item struct {
	probe  *dtrace.ProbeData
	recs   []dtrace.Record
	fault  *dtrace.ErrData
	drop   *dtrace.DropData
	option *optChange
}

type optChange struct {
	name  string
	value string
}

// Conn is a fake dtrace.Conn. Its exported methods script kernel-side
// activity and are safe to call while a Session consumes from another
// goroutine.
type Conn struct {
	eng   *Engine
	d     dtrace.Dispatcher
	flags dtrace.OpenFlag

	mu         sync.Mutex
	errno      int
	compileMsg string
	opts       map[string]int64
	executed   int
	active     bool
	stopped    bool
	exited     bool
	exitCode   int
	halted     bool
	filled     bool
	status     dtrace.KernelStatus
	queue      []item
	epids      map[dtrace.ProbeDesc]uint32
	ts         uint64
	kernel     []dtrace.AggregateRecord
	staged     []dtrace.AggregateRecord
	aggDrops   []dtrace.DropData
	failures   map[string]int
	registered map[dtrace.HandlerKind]bool
	closes     int
	snaps      int
	consumes   int
}

var _ dtrace.Conn = (*Conn)(nil)

func newConn(e *Engine, flags dtrace.OpenFlag, d dtrace.Dispatcher) *Conn {
	return &Conn{
		eng:        e,
		d:          d,
		flags:      flags,
		opts:       defaultOptions(),
		epids:      make(map[dtrace.ProbeDesc]uint32, 8),
		ts:         1_000_000_000,
		failures:   make(map[string]int, 4),
		registered: make(map[dtrace.HandlerKind]bool, 4),
	}
}

// setErr records code as the connection errno and returns it as an error.
// Callers hold c.mu.
func (c *Conn) setErr(code int) error {
	c.errno = code

	return dtrace.Errno(code)
}

// injected returns a scripted failure for op, if any. Callers hold c.mu.
func (c *Conn) injected(op string) error {
	code, ok := c.failures[op]
	if !ok {
		return nil
	}

	delete(c.failures, op)

	return c.setErr(code)
}

// Close implements dtrace.Conn.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closes++
	c.active = false
	c.mu.Unlock()

	c.eng.noteClose()

	return nil
}

// Errno implements dtrace.Conn.
func (c *Conn) Errno() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.errno
}

// ErrMsg implements dtrace.Conn. Compile failures carry a message specific
// to this connection; every other code reads the engine table.
func (c *Conn) ErrMsg(code int) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if code == CodeCompile && c.compileMsg != "" {
		return c.compileMsg
	}

	return c.eng.ErrMsg(code)
}

// SetOpt implements dtrace.Conn.
func (c *Conn) SetOpt(name, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.injected("setopt"); err != nil {
		return err
	}

	_, err := c.applyOption(name, value)

	return err
}

// applyOption stores the parsed value and returns the previous one.
// Callers hold c.mu.
func (c *Conn) applyOption(name, value string) (int64, error) {
	kind, ok := optionTable[name]
	if !ok {
		return 0, c.setErr(CodeBadOption)
	}

	v, err := parseOption(kind, value)
	if err != nil {
		return 0, c.setErr(CodeBadOptVal)
	}

	old := c.opts[name]
	c.opts[name] = v

	return old, nil
}

// GetOpt implements dtrace.Conn.
func (c *Conn) GetOpt(name string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.opts[name]
	if !ok {
		return 0, c.setErr(CodeBadOption)
	}

	return v, nil
}

// CompileString implements dtrace.Conn.
func (c *Conn) CompileString(
	source string,
	spec dtrace.ProbeSpec,
	flags dtrace.CompileFlag,
	args []string,
) (dtrace.ProgramHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.injected("compile"); err != nil {
		return nil, err
	}

	p, err := compile(source, spec, flags, args)
	if err != nil {
		var ce *compileError
		if errors.As(err, &ce) {
			c.compileMsg = ce.msg
		}

		return nil, c.setErr(CodeCompile)
	}

	p.conn = c

	return p, nil
}

// CompileFile implements dtrace.Conn.
func (c *Conn) CompileFile(f *os.File, flags dtrace.CompileFlag, args []string) (dtrace.ProgramHandle, error) {
	source := c.eng.DefaultSource

	if f != nil {
		data, err := io.ReadAll(f)
		if err != nil {
			c.mu.Lock()
			defer c.mu.Unlock()

			return nil, c.setErr(CodeInval)
		}

		source = string(data)
	}

	return c.CompileString(source, dtrace.ProbeSpecName, flags, args)
}

func (c *Conn) program(h dtrace.ProgramHandle) (*program, error) {
	p, ok := h.(*program)
	if !ok || p.conn != c {
		return nil, c.setErr(CodeInval)
	}

	return p, nil
}

// Exec implements dtrace.Conn.
func (c *Conn) Exec(h dtrace.ProgramHandle) (dtrace.ProgInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.injected("exec"); err != nil {
		return dtrace.ProgInfo{}, err
	}

	p, err := c.program(h)
	if err != nil {
		return dtrace.ProgInfo{}, err
	}

	if !p.executed {
		p.executed = true
		c.executed++
	}

	return p.info, nil
}

// StmtIter implements dtrace.Conn.
func (c *Conn) StmtIter(h dtrace.ProgramHandle, fn func(*dtrace.Statement) bool) error {
	c.mu.Lock()

	if err := c.injected("stmt"); err != nil {
		c.mu.Unlock()

		return err
	}

	p, err := c.program(h)
	if err != nil {
		c.mu.Unlock()

		return err
	}

	stmts := slices.Clone(p.stmts)
	c.mu.Unlock()

	for i := range stmts {
		if !fn(&stmts[i]) {
			break
		}
	}

	return nil
}

// Go implements dtrace.Conn. It fails unless a program was executed and
// tracing is not already active.
func (c *Conn) Go() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.injected("go"); err != nil {
		return err
	}

	if c.active || c.executed == 0 {
		return c.setErr(CodeState)
	}

	c.active = true

	return nil
}

// Stop implements dtrace.Conn. Stopping twice succeeds.
func (c *Conn) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.injected("stop"); err != nil {
		return err
	}

	if !c.active {
		return c.setErr(CodeInval)
	}

	c.stopped = true

	return nil
}

// Status implements dtrace.Conn.
func (c *Conn) Status() (dtrace.KernelStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.injected("status"); err != nil {
		return dtrace.KernelStatus{}, err
	}

	if !c.active {
		return dtrace.KernelStatus{}, c.setErr(CodeInval)
	}

	ks := c.status
	ks.Exiting = c.exited
	ks.Filled = c.filled
	ks.Stopped = c.halted

	return ks, nil
}

// Consume implements dtrace.Conn. Items are removed from the buffer as
// they are delivered.
func (c *Conn) Consume(out io.Writer, probe dtrace.ProbeFunc, rec dtrace.RecordFunc) error {
	c.mu.Lock()

	if err := c.injected("consume"); err != nil {
		c.mu.Unlock()

		return err
	}

	if !c.active {
		err := c.setErr(CodeInval)
		c.mu.Unlock()

		return err
	}

	c.consumes++
	c.mu.Unlock()

	for {
		it, ok := c.pop()
		if !ok {
			return nil
		}

		if err := c.deliver(it, out, probe, rec); err != nil {
			return err
		}
	}
}

func (c *Conn) pop() (item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) == 0 {
		return item{}, false
	}

	it := c.queue[0]
	c.queue = c.queue[1:]

	return it, true
}

func (c *Conn) abort() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.setErr(CodeAbort)
}

func (c *Conn) deliver(it item, out io.Writer, probe dtrace.ProbeFunc, rec dtrace.RecordFunc) error {
	switch {
	case it.drop != nil:
		if c.d.Drop(it.drop) == dtrace.HandleAbort {
			return c.abort()
		}
	case it.fault != nil:
		if c.d.Error(it.fault) == dtrace.HandleAbort {
			return c.abort()
		}
	case it.option != nil:
		c.mu.Lock()
		old, err := c.applyOption(it.option.name, it.option.value)
		v := c.opts[it.option.name]
		c.mu.Unlock()

		if err != nil {
			return err
		}

		data := &dtrace.SetOptData{Option: it.option.name, OldValue: old, NewValue: v}
		if c.d.SetOpt(data) == dtrace.HandleAbort {
			return c.abort()
		}
	case it.probe != nil:
		switch probe(it.probe) {
		case dtrace.ConsumeAbort, dtrace.ConsumeError:
			return c.abort()
		case dtrace.ConsumeNext:
			return nil
		}

		for i := range it.recs {
			r := &it.recs[i]

			if r.Output != "" {
				if _, err := io.WriteString(out, r.Output); err != nil {
					return err
				}
			}

			switch rec(it.probe, r) {
			case dtrace.ConsumeAbort, dtrace.ConsumeError:
				return c.abort()
			case dtrace.ConsumeNext:
				return nil
			}
		}
	}

	return nil
}

// AggregateSnap implements dtrace.Conn. Kernel values replace the staged
// values of existing keys; new keys are appended in the order they were
// first set.
func (c *Conn) AggregateSnap() error {
	c.mu.Lock()

	if err := c.injected("snap"); err != nil {
		c.mu.Unlock()

		return err
	}

	c.snaps++

	for _, k := range c.kernel {
		if i := indexAgg(c.staged, &k); i >= 0 {
			c.staged[i] = cloneAgg(k)

			continue
		}

		c.staged = append(c.staged, cloneAgg(k))
	}

	drops := c.aggDrops
	c.aggDrops = nil
	c.mu.Unlock()

	for i := range drops {
		if c.d.Drop(&drops[i]) == dtrace.HandleAbort {
			return c.abort()
		}
	}

	return nil
}

// AggregateWalk implements dtrace.Conn.
func (c *Conn) AggregateWalk(order dtrace.WalkOrder, fn dtrace.AggregateFunc) error {
	c.mu.Lock()

	if err := c.injected("walk"); err != nil {
		c.mu.Unlock()

		return err
	}

	recs := make([]dtrace.AggregateRecord, len(c.staged))
	for i := range c.staged {
		recs[i] = cloneAgg(c.staged[i])
	}
	c.mu.Unlock()

	dtrace.SortAggregates(recs, order)

	for i := range recs {
		switch fn(&recs[i]) {
		case dtrace.WalkAbort:
			return nil
		case dtrace.WalkError:
			return c.abortWalk()
		case dtrace.WalkClear:
			c.clearAgg(&recs[i])
		case dtrace.WalkRemove:
			c.removeAgg(&recs[i])
		}
	}

	return nil
}

func (c *Conn) abortWalk() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.setErr(CodeWalk)
}

func (c *Conn) clearAgg(rec *dtrace.AggregateRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, set := range [][]dtrace.AggregateRecord{c.staged, c.kernel} {
		if i := indexAgg(set, rec); i >= 0 {
			zeroAgg(&set[i])
		}
	}
}

func (c *Conn) removeAgg(rec *dtrace.AggregateRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i := indexAgg(c.staged, rec); i >= 0 {
		c.staged = slices.Delete(c.staged, i, i+1)
	}
}

// AggregatePrint implements dtrace.Conn.
func (c *Conn) AggregatePrint(out io.Writer, order dtrace.WalkOrder) error {
	c.mu.Lock()

	if err := c.injected("print"); err != nil {
		c.mu.Unlock()

		return err
	}

	recs := make([]dtrace.AggregateRecord, len(c.staged))
	for i := range c.staged {
		recs[i] = cloneAgg(c.staged[i])
	}
	c.mu.Unlock()

	dtrace.SortAggregates(recs, order)

	lastVar := -1

	for i := range recs {
		if recs[i].VarID != lastVar {
			if _, err := io.WriteString(out, "\n"); err != nil {
				return err
			}

			lastVar = recs[i].VarID
		}

		if err := dtrace.FormatAggregate(out, &recs[i]); err != nil {
			return err
		}
	}

	return nil
}

// RegisterHandler implements dtrace.Conn.
func (c *Conn) RegisterHandler(kind dtrace.HandlerKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.injected("handler"); err != nil {
		return err
	}

	c.registered[kind] = true

	return nil
}

// Emit queues a firing of probe on CPU 0 with recs and returns its EPID.
func (c *Conn) Emit(probe dtrace.ProbeDesc, recs ...dtrace.Record) uint32 {
	return c.EmitCPU(0, probe, recs...)
}

// EmitCPU queues a firing of probe on cpu.
func (c *Conn) EmitCPU(cpu int, probe dtrace.ProbeDesc, recs ...dtrace.Record) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	epid, ok := c.epids[probe]
	if !ok {
		epid = uint32(len(c.epids) + 1)
		c.epids[probe] = epid
	}

	c.ts += 1000

	c.queue = append(c.queue, item{
		probe: &dtrace.ProbeData{EPID: epid, CPU: cpu, Timestamp: c.ts, Probe: probe},
		recs:  slices.Clone(recs),
	})

	return epid
}

// Fault queues a runtime fault for the Err handler.
func (c *Conn) Fault(d dtrace.ErrData) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d.Msg == "" {
		d.Msg = fmt.Sprintf("error on enabled probe ID %d (%s): %s", d.EPID, d.Probe, d.Fault)
	}

	c.queue = append(c.queue, item{fault: &d})
}

// ProgramSetOpt queues an option change made by the running program.
func (c *Conn) ProgramSetOpt(name, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.queue = append(c.queue, item{option: &optChange{name: name, value: value}})
}

// Drop records n lost records of kind. Principal drops are reported while
// consuming, aggregation drops on the next snapshot, and every other kind
// through the status counters.
func (c *Conn) Drop(kind dtrace.DropKind, n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch kind {
	case dtrace.DropPrincipal:
		c.queue = append(c.queue, item{drop: &dtrace.DropData{
			CPU: 0, Kind: kind, Drops: n, Total: n,
			Msg: fmt.Sprintf("%d drop(s) on CPU 0", n),
		}})
	case dtrace.DropAggregation:
		c.aggDrops = append(c.aggDrops, dtrace.DropData{
			CPU: 0, Kind: kind, Drops: n, Total: n,
			Msg: fmt.Sprintf("%d aggregation drop(s) on CPU 0", n),
		})
	case dtrace.DropDynamic:
		c.status.DynDrops += n
	case dtrace.DropDynamicRinsing:
		c.status.DynDropsRinsing += n
	case dtrace.DropDynamicDirty:
		c.status.DynDropsDirty += n
	case dtrace.DropSpeculation:
		c.status.SpecDrops += n
	case dtrace.DropSpeculationBusy:
		c.status.SpecDropsBusy += n
	case dtrace.DropSpeculationUnavail:
		c.status.SpecDropsUnavail += n
	case dtrace.DropStackStringOverflow:
		c.status.StackStrOverflows += n
	case dtrace.DropDoubleError:
		c.status.DoubleErrors += n
	}
}

// Exit simulates the program executing exit(code).
func (c *Conn) Exit(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.exited = true
	c.exitCode = code
}

// Halt simulates the engine stopping tracing on its own, without a Stop
// request from the consumer.
func (c *Conn) Halt() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.halted = true
}

// Fill simulates a fill-policy buffer filling up.
func (c *Conn) Fill() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.filled = true
}

// SetAggregate stores rec in the kernel aggregation buffer, replacing any
// record with the same variable and key. It becomes visible after the
// next AggregateSnap.
func (c *Conn) SetAggregate(rec dtrace.AggregateRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i := indexAgg(c.kernel, &rec); i >= 0 {
		c.kernel[i] = cloneAgg(rec)

		return
	}

	c.kernel = append(c.kernel, cloneAgg(rec))
}

// FailNext makes the next call of op fail with code. op is one of
// "setopt", "compile", "exec", "stmt", "go", "stop", "status", "consume",
// "snap", "walk", "print" or "handler".
func (c *Conn) FailNext(op string, code int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures[op] = code
}

// Pending returns the number of undelivered buffer items.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.queue)
}

// Closes returns how many times Close was called on this connection.
func (c *Conn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closes
}

// Snaps returns how many aggregation snapshots were taken.
func (c *Conn) Snaps() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.snaps
}

// Consumes returns how many times the principal buffers were drained.
func (c *Conn) Consumes() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.consumes
}

// Stopped reports whether Stop succeeded.
func (c *Conn) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stopped
}

// Registered reports whether a handler of kind was registered.
func (c *Conn) Registered(kind dtrace.HandlerKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.registered[kind]
}

// Flags returns the flags the connection was opened with.
func (c *Conn) Flags() dtrace.OpenFlag {
	return c.flags
}

// ExitCode returns the code passed to Exit.
func (c *Conn) ExitCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.exitCode
}

func indexAgg(set []dtrace.AggregateRecord, rec *dtrace.AggregateRecord) int {
	for i := range set {
		if set[i].VarID == rec.VarID && slices.Equal(set[i].Key, rec.Key) {
			return i
		}
	}

	return -1
}

func cloneAgg(rec dtrace.AggregateRecord) dtrace.AggregateRecord {
	rec.Key = slices.Clone(rec.Key)
	rec.Buckets = slices.Clone(rec.Buckets)

	return rec
}

func zeroAgg(rec *dtrace.AggregateRecord) {
	rec.Value = 0
	rec.Count = 0
	rec.SumSquares = 0

	for i := range rec.Buckets {
		rec.Buckets[i].Count = 0
	}
}
