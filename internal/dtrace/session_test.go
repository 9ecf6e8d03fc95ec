package dtrace_test

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/dtconsumer/internal/dtrace"
	"github.com/ethpandaops/dtconsumer/internal/dtrace/dtracetest"
)

func TestOpen_VersionMismatch(t *testing.T) {
	eng := dtracetest.New()

	s, err := dtrace.Open(eng, dtrace.Version+1, 0)
	require.Error(t, err)
	assert.Nil(t, s)
	assert.ErrorIs(t, err, dtrace.ErrOpen)

	var de *dtrace.Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, dtracetest.CodeVersion, de.Code)
	assert.Equal(t, eng.ErrMsg(dtracetest.CodeVersion), de.Msg)
	assert.Equal(t, 0, eng.Opened())
}

func TestOpen_ConflictingFlags(t *testing.T) {
	eng := dtracetest.New()

	_, err := dtrace.Open(eng, dtrace.Version, dtrace.OpenLP64|dtrace.OpenILP32)
	require.Error(t, err)

	var de *dtrace.Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, dtracetest.CodeBadFlags, de.Code)
}

func TestOpen_InjectedFailureUsesGlobalMessage(t *testing.T) {
	eng := dtracetest.New()
	eng.FailOpen(dtracetest.CodeNoMem)

	_, err := dtrace.Open(eng, dtrace.Version, dtrace.OpenNoDev)
	require.Error(t, err)

	var de *dtrace.Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, dtrace.ErrMsg(eng, nil, de.Code), de.Msg)
}

func TestOpen_PassesFlags(t *testing.T) {
	eng := dtracetest.New()

	s, err := dtrace.Open(eng, dtrace.Version, dtrace.OpenNoDev|dtrace.OpenLP64)
	require.NoError(t, err)

	defer s.Close()

	assert.Equal(t, dtrace.OpenNoDev|dtrace.OpenLP64, eng.Last().Flags())
	assert.Equal(t, dtrace.StateOpened, s.State())
}

func TestClose_ExactlyOnceOnEveryPath(t *testing.T) {
	tests := []struct {
		name   string
		panics bool
		run    func(t *testing.T, s *dtrace.Session, c *dtracetest.Conn)
	}{
		{
			name: "no operations",
			run:  func(*testing.T, *dtrace.Session, *dtracetest.Conn) {},
		},
		{
			name: "compile error",
			run: func(t *testing.T, s *dtrace.Session, _ *dtracetest.Conn) {
				_, err := s.Compile("BEGIN {", dtrace.ProbeSpecName, 0)
				require.Error(t, err)
			},
		},
		{
			name: "exec error",
			run: func(t *testing.T, s *dtrace.Session, c *dtracetest.Conn) {
				p, err := s.Compile("BEGIN {}", dtrace.ProbeSpecName, 0)
				require.NoError(t, err)

				c.FailNext("exec", dtracetest.CodeNoMem)
				require.Error(t, s.Exec(p, nil))
			},
		},
		{
			name: "go before exec",
			run: func(t *testing.T, s *dtrace.Session, _ *dtracetest.Conn) {
				require.Error(t, s.Go())
			},
		},
		{
			name: "consume error while running",
			run: func(t *testing.T, s *dtrace.Session, c *dtracetest.Conn) {
				p, err := s.Compile("BEGIN {}", dtrace.ProbeSpecName, 0)
				require.NoError(t, err)
				require.NoError(t, s.Exec(p, nil))
				require.NoError(t, s.Go())

				c.FailNext("consume", dtracetest.CodeInval)
				require.Error(t, s.Consume(nil, nil, nil))
			},
		},
		{
			name:   "panic while running",
			panics: true,
			run: func(t *testing.T, s *dtrace.Session, _ *dtracetest.Conn) {
				p, err := s.Compile("BEGIN {}", dtrace.ProbeSpecName, 0)
				require.NoError(t, err)
				require.NoError(t, s.Exec(p, nil))
				require.NoError(t, s.Go())

				panic("walker blew up")
			},
		},
		{
			name: "explicit double close",
			run: func(t *testing.T, s *dtrace.Session, _ *dtracetest.Conn) {
				require.NoError(t, s.Close())
				require.NoError(t, s.Close())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := dtracetest.New()

			var recovered any

			func() {
				defer func() { recovered = recover() }()

				s, err := dtrace.Open(eng, dtrace.Version, 0)
				require.NoError(t, err)

				defer s.Close()

				tt.run(t, s, eng.Last())
			}()

			assert.Equal(t, tt.panics, recovered != nil)

			assert.Equal(t, 1, eng.Opened())
			assert.Equal(t, 1, eng.Closed())
			assert.Equal(t, 1, eng.Last().Closes())
		})
	}
}

func TestClose_AbandonedSessionReleased(t *testing.T) {
	eng := dtracetest.New()

	func() {
		s, err := dtrace.Open(eng, dtrace.Version, 0)
		require.NoError(t, err)

		// The handler keeps a reference to its own session.
		require.NoError(t, s.RegisterHandler(dtrace.DropHandler(func(*dtrace.DropData) dtrace.HandlerAction {
			if s.State() == dtrace.StateClosed {
				return dtrace.HandleAbort
			}

			return dtrace.HandleOK
		})))
	}()

	require.Eventually(t, func() bool {
		runtime.GC()

		return eng.Closed() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClose_OperationsFailAfterClose(t *testing.T) {
	f := open(t)

	prog, err := f.s.Compile("BEGIN {}", dtrace.ProbeSpecName, 0)
	require.NoError(t, err)
	require.NoError(t, f.s.Close())

	assert.Equal(t, dtrace.StateClosed, f.s.State())
	assert.ErrorIs(t, f.s.Go(), dtrace.ErrClosed)
	assert.ErrorIs(t, f.s.Exec(prog, nil), dtrace.ErrClosed)
	assert.ErrorIs(t, f.s.SetOpt("quiet", ""), dtrace.ErrClosed)
	assert.ErrorIs(t, f.s.Consume(nil, nil, nil), dtrace.ErrClosed)

	_, err = prog.Statements()
	assert.ErrorIs(t, err, dtrace.ErrLifecycle)
}

func TestLifecycle_StateProgression(t *testing.T) {
	f := open(t)

	require.NoError(t, f.s.SetOpt("bufsize", "1m"))
	assert.Equal(t, dtrace.StateConfigured, f.s.State())

	prog, err := f.s.Compile("BEGIN {}", dtrace.ProbeSpecName, 0)
	require.NoError(t, err)
	assert.Equal(t, dtrace.StateCompiled, f.s.State())

	require.NoError(t, f.s.Exec(prog, nil))
	assert.Equal(t, dtrace.StateEnabled, f.s.State())

	require.NoError(t, f.s.Go())
	assert.Equal(t, dtrace.StateRunning, f.s.State())

	require.NoError(t, f.s.Stop())
	assert.Equal(t, dtrace.StateStopped, f.s.State())
	assert.True(t, f.conn.Stopped())
}

func TestGo_Twice(t *testing.T) {
	f := running(t, "BEGIN {}")

	err := f.s.Go()
	require.Error(t, err)
	assert.ErrorIs(t, err, dtrace.ErrLifecycle)
	assert.Equal(t, dtracetest.CodeState, f.s.Errno())
}

func TestStop_BeforeGoIsRelayed(t *testing.T) {
	f := open(t)

	err := f.s.Stop()
	require.Error(t, err)
	assert.ErrorIs(t, err, dtrace.ErrLifecycle)

	var de *dtrace.Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, dtracetest.CodeInval, de.Code)
}

func TestErrMsg_GlobalAndSessionAgree(t *testing.T) {
	f := open(t)

	codes := []int{
		dtracetest.CodeInval,
		dtracetest.CodeVersion,
		dtracetest.CodeBadOption,
		dtracetest.CodeBadOptVal,
		dtracetest.CodeState,
		dtracetest.CodeAbort,
		4242,
	}

	for _, code := range codes {
		assert.Equal(t,
			dtrace.ErrMsg(f.eng, nil, code),
			dtrace.ErrMsg(f.eng, f.s, code),
			"code %d", code)
	}
}

func TestErrMsg_CompileMessageIsSessionScoped(t *testing.T) {
	f := open(t)

	_, err := f.s.Compile("BEGIN { trace($1); }", dtrace.ProbeSpecName, 0)
	require.Error(t, err)

	assert.Equal(t, "macro argument $1 is not defined",
		dtrace.ErrMsg(f.eng, f.s, dtracetest.CodeCompile))
	assert.Equal(t, "D program compilation failed",
		dtrace.ErrMsg(f.eng, nil, dtracetest.CodeCompile))
}

func TestSleep_ReturnsImmediatelyWhenDue(t *testing.T) {
	f := running(t, "BEGIN {}")

	// Nothing has run yet, so every deadline is already due.
	require.NoError(t, f.s.Sleep(context.Background()))
	assert.Zero(t, f.clk.Waiters())
}

func TestSleep_WaitsForEarliestDeadline(t *testing.T) {
	f := running(t, "BEGIN {}")

	require.NoError(t, f.s.SetOpt("aggrate", "250ms"))

	_, err := f.s.Work(nil, nil, nil)
	require.NoError(t, err)

	done := make(chan error, 1)

	go func() {
		done <- f.s.Sleep(context.Background())
	}()

	require.Eventually(t, func() bool { return f.clk.Waiters() == 1 },
		time.Second, time.Millisecond)

	f.clk.Advance(200 * time.Millisecond)

	select {
	case <-done:
		t.Fatal("sleep returned before the aggregate deadline")
	case <-time.After(20 * time.Millisecond):
	}

	f.clk.Advance(50 * time.Millisecond)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sleep did not return at the aggregate deadline")
	}
}

func TestSleep_ContextCancel(t *testing.T) {
	f := running(t, "BEGIN {}")

	_, err := f.s.Work(nil, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() {
		done <- f.s.Sleep(ctx)
	}()

	require.Eventually(t, func() bool { return f.clk.Waiters() == 1 },
		time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("sleep ignored cancellation")
	}
}

func TestSleep_IgnoresSwitchRateOutsideSwitchPolicy(t *testing.T) {
	f := open(t)

	require.NoError(t, f.s.SetOpt("bufpolicy", "fill"))
	require.NoError(t, f.s.SetOpt("switchrate", "10ms"))
	require.NoError(t, f.s.SetOpt("aggrate", "1s"))

	prog, err := f.s.Compile("BEGIN {}", dtrace.ProbeSpecName, 0)
	require.NoError(t, err)
	require.NoError(t, f.s.Exec(prog, nil))
	require.NoError(t, f.s.Go())

	// Run every activity once so all three deadlines are in the future.
	_, err = f.s.Status()
	require.NoError(t, err)
	require.NoError(t, f.s.AggregateSnap())
	require.NoError(t, f.s.Consume(nil, nil, nil))

	done := make(chan error, 1)

	go func() {
		done <- f.s.Sleep(context.Background())
	}()

	require.Eventually(t, func() bool { return f.clk.Waiters() == 1 },
		time.Second, time.Millisecond)

	f.clk.Advance(10 * time.Millisecond)

	select {
	case <-done:
		t.Fatal("sleep woke for the switch rate under the fill policy")
	case <-time.After(20 * time.Millisecond):
	}

	f.clk.Advance(time.Second)
	require.NoError(t, <-done)
}
