package dtrace_test

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/dtconsumer/internal/clock"
	"github.com/ethpandaops/dtconsumer/internal/dtrace"
	"github.com/ethpandaops/dtconsumer/internal/dtrace/dtracetest"
)

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)

	return log
}

type fixture struct {
	eng  *dtracetest.Engine
	conn *dtracetest.Conn
	clk  *clock.Mock
	s    *dtrace.Session
}

func open(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		eng: dtracetest.New(),
		clk: clock.NewMock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
	}

	s, err := dtrace.Open(f.eng, dtrace.Version, 0,
		dtrace.WithLogger(testLog()), dtrace.WithClock(f.clk))
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })

	f.s = s
	f.conn = f.eng.Last()

	return f
}

// running opens a session with src compiled, executed and started.
func running(t *testing.T, src string) *fixture {
	t.Helper()

	f := open(t)

	prog, err := f.s.Compile(src, dtrace.ProbeSpecName, 0)
	require.NoError(t, err)
	require.NoError(t, f.s.Exec(prog, nil))
	require.NoError(t, f.s.Go())

	return f
}

var (
	beginProbe = dtrace.ProbeDesc{Provider: "dtrace", Name: "BEGIN"}
	tickProbe  = dtrace.ProbeDesc{Provider: "profile", Name: "tick-1s"}
)
