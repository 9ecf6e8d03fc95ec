package aggregated

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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/dtconsumer/internal/dtrace"
	"github.com/ethpandaops/dtconsumer/internal/export"
	httpexport "github.com/ethpandaops/dtconsumer/internal/export/http"
	"github.com/ethpandaops/dtconsumer/internal/tracer"
)

type recordingWriter struct {
	columns []string
	rows    [][]any
	err     error
	started bool
	stopped bool
}

func (w *recordingWriter) Start(context.Context) error { w.started = true; return nil }
func (w *recordingWriter) Stop() error                 { w.stopped = true; return nil }

func (w *recordingWriter) Insert(_ context.Context, columns []string, n int, row func(int) []any) error {
	if w.err != nil {
		return &export.InsertError{Stage: export.StageAppend, Err: w.err}
	}

	w.columns = columns
	for i := range n {
		w.rows = append(w.rows, row(i))
	}

	return nil
}

func (w *recordingWriter) Config() export.ClickHouseConfig { return export.ClickHouseConfig{} }

func distributionBatch() MetricBatch {
	c := NewCollector(ModeCumulative, false)

	return c.Collect(snapshot(true, tracer.AggregateRow{
		VarID:  4,
		Name:   "lat",
		Action: "quantize",
		Key:    []string{"read"},
		Buckets: []dtrace.Bucket{
			{Value: 1, Count: 2},
			{Value: 2, Count: 1},
		},
	}), BatchMetadata{HostName: "node-1", UpdatedTime: taken})
}

func TestClickHouseExporter_Export(t *testing.T) {
	w := &recordingWriter{}
	e := NewClickHouseExporter(testLog(), w, nil)

	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.Export(context.Background(), distributionBatch()))
	require.NoError(t, e.Export(context.Background(), MetricBatch{}))
	require.NoError(t, e.Stop())

	assert.True(t, w.started)
	assert.True(t, w.stopped)
	assert.Equal(t, aggregateColumns, w.columns)
	require.Len(t, w.rows, 1)

	row := w.rows[0]
	require.Len(t, row, len(aggregateColumns))
	assert.Equal(t, true, row[2])
	assert.Equal(t, "node-1", row[3])
	assert.Equal(t, uint32(4), row[4])
	assert.Equal(t, []string{"read"}, row[7])
	assert.Equal(t, []int64{1, 2}, row[10])
	assert.Equal(t, []uint64{2, 1}, row[11])
}

func TestClickHouseExporter_ExportError(t *testing.T) {
	health := export.NewHealthMetrics(testLog(), export.HealthConfig{})
	e := NewClickHouseExporter(testLog(), &recordingWriter{err: errors.New("bad column")}, health)

	err := e.Export(context.Background(), distributionBatch())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad column")

	var ie *export.InsertError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, export.StageAppend, ie.Stage)
}

func TestHTTPExporter_Export(t *testing.T) {
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

	e, err := NewHTTPExporter(testLog(), httpexport.Config{
		Enabled:      true,
		Address:      server.URL,
		Compression:  httpexport.CompressionNone,
		BatchTimeout: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.Export(context.Background(), distributionBatch()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return strings.Contains(body.String(), `"name":"lat"`)
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, e.Stop())

	mu.Lock()
	defer mu.Unlock()

	out := body.String()
	assert.Contains(t, out, `"name":"lat"`)
	assert.Contains(t, out, `"histogram":{"bounds":[1,2],"counts":[2,1]}`)
	assert.Contains(t, out, `"meta_host_name":"node-1"`)
}
