package dtrace_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/dtconsumer/internal/dtrace"
	"github.com/ethpandaops/dtconsumer/internal/dtrace/dtracetest"
)

func TestRegisterHandler_OnePerKind(t *testing.T) {
	f := open(t)

	noop := dtrace.DropHandler(func(*dtrace.DropData) dtrace.HandlerAction { return dtrace.HandleOK })

	require.NoError(t, f.s.RegisterHandler(noop))
	assert.True(t, f.conn.Registered(dtrace.HandlerDrop))

	err := f.s.RegisterHandler(noop)
	require.Error(t, err)
	assert.ErrorIs(t, err, dtrace.ErrRegister)
	assert.ErrorIs(t, err, dtrace.ErrHandlerExists)

	// Other kinds are independent.
	require.NoError(t, f.s.RegisterHandler(dtrace.ErrHandler(func(*dtrace.ErrData) dtrace.HandlerAction {
		return dtrace.HandleOK
	})))
}

func TestRegisterHandler_ProcUnsupported(t *testing.T) {
	f := open(t)

	err := f.s.RegisterHandler(dtrace.ProcHandler(func(int, string) dtrace.HandlerAction {
		return dtrace.HandleOK
	}))
	require.Error(t, err)
	assert.ErrorIs(t, err, dtrace.ErrUnsupported)
	assert.False(t, f.conn.Registered(dtrace.HandlerProc))
}

func TestRegisterHandler_EngineFailureLeavesSlotFree(t *testing.T) {
	f := open(t)

	h := dtrace.SetOptHandler(func(*dtrace.SetOptData) dtrace.HandlerAction { return dtrace.HandleOK })

	f.conn.FailNext("handler", dtracetest.CodeInval)
	require.Error(t, f.s.RegisterHandler(h))
	require.NoError(t, f.s.RegisterHandler(h))
}

func TestHandlers_SilentByDefault(t *testing.T) {
	f := running(t, "BEGIN {}")

	f.conn.Fault(dtrace.ErrData{EPID: 1, Fault: "invalid address"})
	f.conn.Drop(dtrace.DropPrincipal, 3)

	require.NoError(t, f.s.Consume(nil, nil, nil))
	assert.Equal(t, uint64(1), f.s.Unhandled(dtrace.HandlerErr))
	assert.Equal(t, uint64(1), f.s.Unhandled(dtrace.HandlerDrop))
}

func TestHandlers_ErrAndSetOptDelivered(t *testing.T) {
	f := open(t)

	var (
		faults  []string
		changes []dtrace.SetOptData
	)

	require.NoError(t, f.s.RegisterHandler(dtrace.ErrHandler(func(d *dtrace.ErrData) dtrace.HandlerAction {
		faults = append(faults, d.Fault)

		return dtrace.HandleOK
	})))
	require.NoError(t, f.s.RegisterHandler(dtrace.SetOptHandler(func(d *dtrace.SetOptData) dtrace.HandlerAction {
		changes = append(changes, *d)

		return dtrace.HandleOK
	})))

	prog, err := f.s.Compile("BEGIN {}", dtrace.ProbeSpecName, 0)
	require.NoError(t, err)
	require.NoError(t, f.s.Exec(prog, nil))
	require.NoError(t, f.s.Go())

	f.conn.Fault(dtrace.ErrData{EPID: 1, Fault: "divide-by-zero"})
	f.conn.ProgramSetOpt("switchrate", "100ms")

	require.NoError(t, f.s.Consume(nil, nil, nil))

	assert.Equal(t, []string{"divide-by-zero"}, faults)
	require.Len(t, changes, 1)
	assert.Equal(t, "switchrate", changes[0].Option)
	assert.Equal(t, int64(time.Second), changes[0].OldValue)
	assert.Equal(t, int64(100*time.Millisecond), changes[0].NewValue)
}

func TestHandlers_AbortFailsConsume(t *testing.T) {
	f := open(t)

	require.NoError(t, f.s.RegisterHandler(dtrace.DropHandler(func(*dtrace.DropData) dtrace.HandlerAction {
		return dtrace.HandleAbort
	})))

	prog, err := f.s.Compile("BEGIN {}", dtrace.ProbeSpecName, 0)
	require.NoError(t, err)
	require.NoError(t, f.s.Exec(prog, nil))
	require.NoError(t, f.s.Go())

	f.conn.Drop(dtrace.DropPrincipal, 1)

	err = f.s.Consume(nil, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, dtrace.ErrConsume)
	assert.ErrorIs(t, err, dtrace.ErrAborted)
}

func TestBufferedHandler_ReceivesOutputWithoutWriter(t *testing.T) {
	f := open(t)

	var got []string

	require.NoError(t, f.s.RegisterHandler(dtrace.BufferedHandler(func(d *dtrace.BufData) dtrace.HandlerAction {
		got = append(got, d.Output)

		return dtrace.HandleOK
	})))

	prog, err := f.s.Compile("BEGIN {}", dtrace.ProbeSpecName, 0)
	require.NoError(t, err)
	require.NoError(t, f.s.Exec(prog, nil))
	require.NoError(t, f.s.Go())

	f.conn.Emit(beginProbe, dtrace.Record{Action: "printf", Output: "hello\n"})

	require.NoError(t, f.s.Consume(nil, nil, nil))
	assert.Equal(t, []string{"hello\n"}, got)
}

func TestBufferedHandler_ExplicitWriterWins(t *testing.T) {
	f := open(t)

	called := false

	require.NoError(t, f.s.RegisterHandler(dtrace.BufferedHandler(func(*dtrace.BufData) dtrace.HandlerAction {
		called = true

		return dtrace.HandleOK
	})))

	prog, err := f.s.Compile("BEGIN {}", dtrace.ProbeSpecName, 0)
	require.NoError(t, err)
	require.NoError(t, f.s.Exec(prog, nil))
	require.NoError(t, f.s.Go())

	f.conn.Emit(beginProbe, dtrace.Record{Action: "printf", Output: "to file\n"})

	var buf bytes.Buffer

	require.NoError(t, f.s.Consume(&buf, nil, nil))
	assert.Equal(t, "to file\n", buf.String())
	assert.False(t, called)
}

func TestBufferedHandler_Abort(t *testing.T) {
	f := open(t)

	require.NoError(t, f.s.RegisterHandler(dtrace.BufferedHandler(func(*dtrace.BufData) dtrace.HandlerAction {
		return dtrace.HandleAbort
	})))

	prog, err := f.s.Compile("BEGIN {}", dtrace.ProbeSpecName, 0)
	require.NoError(t, err)
	require.NoError(t, f.s.Exec(prog, nil))
	require.NoError(t, f.s.Go())

	f.conn.Emit(beginProbe, dtrace.Record{Action: "printf", Output: "x"})

	assert.ErrorIs(t, f.s.Consume(nil, nil, nil), dtrace.ErrAborted)
}
