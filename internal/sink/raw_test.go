package sink

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/dtconsumer/internal/export"
	httpexport "github.com/ethpandaops/dtconsumer/internal/export/http"
	"github.com/ethpandaops/dtconsumer/internal/tracer"
)

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)

	return log
}

type fakeWriter struct {
	cfg export.ClickHouseConfig

	mu      sync.Mutex
	started bool
	stopped bool
	columns []string
	batches [][][]any
	fail    error
}

func (w *fakeWriter) Start(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.started = true

	return nil
}

func (w *fakeWriter) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopped = true

	return nil
}

func (w *fakeWriter) Insert(_ context.Context, columns []string, n int, row func(int) []any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fail != nil {
		return &export.InsertError{Stage: export.StageSend, Err: w.fail}
	}

	w.columns = columns

	rows := make([][]any, 0, n)
	for i := range n {
		rows = append(rows, row(i))
	}

	w.batches = append(w.batches, rows)

	return nil
}

func (w *fakeWriter) Config() export.ClickHouseConfig { return w.cfg }

func (w *fakeWriter) rows() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := 0
	for _, b := range w.batches {
		n += len(b)
	}

	return n
}

func event(ts uint64, probe string, recs ...tracer.EventRecord) tracer.Event {
	return tracer.Event{TimestampNs: ts, EPID: 3, CPU: 1, Probe: probe, Records: recs}
}

func TestToRawRow(t *testing.T) {
	row := toRawRow(event(1_000, "syscall::read:entry",
		tracer.EventRecord{Action: "trace", Value: 7},
		tracer.EventRecord{Action: "printf", Data: "fd", Output: "fd=7\n"},
	), 5_000, "node-1")

	assert.Equal(t, time.Unix(0, 6_000).UTC(), row.EventTime)
	assert.Equal(t, uint64(1_000), row.TimestampNs)
	assert.Equal(t, "node-1", row.Host)
	assert.Equal(t, uint32(3), row.EPID)
	assert.Equal(t, int32(1), row.CPU)
	assert.Equal(t, []string{"trace", "printf"}, row.Actions)
	assert.Equal(t, []int64{7, 0}, row.Values)
	assert.Equal(t, []string{"", "fd"}, row.Data)
	assert.Equal(t, "fd=7\n", row.Output)
}

func TestToRawRow_ClampsNegativeTime(t *testing.T) {
	row := toRawRow(event(10, "p"), -100, "")
	assert.Equal(t, time.Unix(0, 0).UTC(), row.EventTime)
}

func TestRawSink_FlushesBySizeAndOnStop(t *testing.T) {
	w := &fakeWriter{}

	s, err := newRawSink(testLog(), RawConfig{
		Enabled: true,
		ClickHouse: export.ClickHouseConfig{
			BatchSize:     2,
			FlushInterval: time.Hour,
		},
	}, export.NewHealthMetrics(testLog(), export.HealthConfig{}), w)
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))

	for i := range 5 {
		s.HandleEvent(event(uint64(i+1), "profile:::tick-1s"))
	}

	require.Eventually(t, func() bool { return w.rows() >= 4 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop())

	assert.Equal(t, 5, w.rows())
	assert.Equal(t, rawColumns, w.columns)
	assert.True(t, w.stopped)

	for _, b := range w.batches {
		assert.LessOrEqual(t, len(b), 2)
	}
}

func TestRawSink_FlushesOnInterval(t *testing.T) {
	w := &fakeWriter{}

	s, err := newRawSink(testLog(), RawConfig{
		Enabled: true,
		ClickHouse: export.ClickHouseConfig{
			BatchSize:     1000,
			FlushInterval: 10 * time.Millisecond,
		},
	}, nil, w)
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))

	s.HandleEvent(event(1, "profile:::tick-1s"))

	require.Eventually(t, func() bool { return w.rows() == 1 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())
}

func TestRawSink_InsertFailureIsCounted(t *testing.T) {
	w := &fakeWriter{fail: errors.New("connection reset")}
	health := export.NewHealthMetrics(testLog(), export.HealthConfig{})

	s, err := newRawSink(testLog(), RawConfig{
		Enabled:    true,
		ClickHouse: export.ClickHouseConfig{BatchSize: 1, FlushInterval: time.Hour},
	}, health, w)
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	s.HandleEvent(event(1, "p"))
	require.NoError(t, s.Stop())

	families, err := health.Registry().Gather()
	require.NoError(t, err)

	var found bool

	for _, f := range families {
		if f.GetName() == "dtconsumer_export_batch_errors_total" {
			found = true
		}
	}

	assert.True(t, found)
}

func TestRawSink_HTTPOnly(t *testing.T) {
	var (
		mu   sync.Mutex
		body strings.Builder
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)

		mu.Lock()
		body.Write(b)
		mu.Unlock()

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s, err := NewRawSink(testLog(), RawConfig{
		Enabled: true,
		ClickHouse: export.ClickHouseConfig{
			FlushInterval: 10 * time.Millisecond,
			MetaHostName:  "node-1",
		},
		HTTP: httpexport.Config{
			Enabled:      true,
			Address:      server.URL,
			Compression:  httpexport.CompressionNone,
			BatchTimeout: 10 * time.Millisecond,
		},
	}, nil)
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))

	s.HandleEvent(event(1, "syscall::read:entry", tracer.EventRecord{Action: "trace", Value: 9}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return strings.Contains(body.String(), `"probe":"syscall::read:entry"`)
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop())

	mu.Lock()
	defer mu.Unlock()

	assert.Contains(t, body.String(), `"meta_host_name":"node-1"`)
	assert.Contains(t, body.String(), `"value":9`)
}

func TestRawConfig_Validate(t *testing.T) {
	cfg := RawConfig{}
	require.NoError(t, cfg.Validate())

	cfg.Enabled = true
	require.Error(t, cfg.Validate())

	cfg.ClickHouse.Endpoint = "localhost:9000"
	require.NoError(t, cfg.Validate())
}

func TestRowBuffer(t *testing.T) {
	b := rowBuffer{size: 2}

	assert.Nil(t, b.add(rawRow{Probe: "a"}))

	full := b.add(rawRow{Probe: "b"})
	require.Len(t, full, 2)
	assert.Equal(t, "b", full[1].Probe)

	assert.Nil(t, b.add(rawRow{Probe: "c"}))
	assert.Len(t, b.take(), 1)
	assert.Empty(t, b.take())
}
