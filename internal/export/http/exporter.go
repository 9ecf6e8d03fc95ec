// Package http streams batches of rows as NDJSON to an HTTP collector such
// as Vector.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	processor "github.com/ethpandaops/go-batch-processor"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/dtconsumer/internal/version"
)

const (
	contentTypeNDJSON = "application/x-ndjson"

	// Bytes of a rejected response body kept on StatusError.
	statusBodyLimit = 512
)

// StatusError reports a non-2xx answer from the collector. Body holds the
// start of the response, which collectors use to explain a rejection.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status code: %d", e.Code)
	}

	return fmt.Sprintf("unexpected status code: %d: %s", e.Code, e.Body)
}

// payload is one encoded batch ready to post.
type payload struct {
	rows  int
	plain int
	body  []byte
}

// Exporter posts batches of T, one JSON object per line. It satisfies
// processor.ItemExporter so a BatchItemProcessor can drive it.
type Exporter[T any] struct {
	cfg        Config
	client     *http.Client
	compressor *Compressor
	headers    http.Header
	log        logrus.FieldLogger
}

var _ processor.ItemExporter[any] = (*Exporter[any])(nil)

// NewExporter resolves cfg against the defaults and prepares the client.
func NewExporter[T any](log logrus.FieldLogger, cfg Config) (*Exporter[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cfg.ApplyDefaults()

	compressor, err := NewCompressor(cfg.Compression)
	if err != nil {
		return nil, fmt.Errorf("creating compressor: %w", err)
	}

	return &Exporter[T]{
		cfg:        cfg,
		client:     newClient(&cfg),
		compressor: compressor,
		headers:    requestHeaders(&cfg, compressor.ContentEncoding()),
		log:        log.WithField("component", "http_exporter"),
	}, nil
}

func newClient(cfg *Config) *http.Client {
	idle := 2 * cfg.Workers

	return &http.Client{
		Timeout: cfg.ExportTimeout,
		Transport: &http.Transport{
			MaxIdleConns:        idle,
			MaxIdleConnsPerHost: idle,
			IdleConnTimeout:     90 * time.Second,
			DisableKeepAlives:   !cfg.IsKeepAlive(),
		},
	}
}

// requestHeaders builds the fixed header set once. Configured headers win
// over the built-in ones.
func requestHeaders(cfg *Config, encoding string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", contentTypeNDJSON)
	h.Set("User-Agent", version.UserAgent())

	if encoding != "" {
		h.Set("Content-Encoding", encoding)
	}

	for k, v := range cfg.Headers {
		h.Set(k, v)
	}

	return h
}

// encode renders the non-nil items as NDJSON and compresses the result.
// A batch with nothing to send yields rows == 0.
func (e *Exporter[T]) encode(items []*T) (payload, error) {
	var buf bytes.Buffer

	buf.Grow(len(items) * 256)

	enc := json.NewEncoder(&buf)

	var p payload

	for _, item := range items {
		if item == nil {
			continue
		}

		if err := enc.Encode(item); err != nil {
			return payload{}, fmt.Errorf("encoding row %d: %w", p.rows, err)
		}

		p.rows++
	}

	if p.rows == 0 {
		return p, nil
	}

	p.plain = buf.Len()

	body, err := e.compressor.Compress(buf.Bytes())
	if err != nil {
		return payload{}, err
	}

	p.body = body

	return p, nil
}

func (e *Exporter[T]) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Address, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header = e.headers.Clone()

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}

	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		// Drained so the connection returns to the pool.
		_, _ = io.Copy(io.Discard, resp.Body)

		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, statusBodyLimit))
	_, _ = io.Copy(io.Discard, resp.Body)

	return &StatusError{
		Code: resp.StatusCode,
		Body: strings.TrimSpace(string(snippet)),
	}
}

// ExportItems posts one batch. Nil entries are skipped and an empty batch
// sends nothing.
func (e *Exporter[T]) ExportItems(ctx context.Context, items []*T) error {
	p, err := e.encode(items)
	if err != nil {
		return err
	}

	if p.rows == 0 {
		return nil
	}

	if err := e.post(ctx, p.body); err != nil {
		return err
	}

	e.log.WithFields(logrus.Fields{
		"rows":       p.rows,
		"bytes":      p.plain,
		"compressed": len(p.body),
	}).Debug("Posted batch")

	return nil
}

func (e *Exporter[T]) Shutdown(_ context.Context) error {
	e.client.CloseIdleConnections()

	return e.compressor.Close()
}

// NewProcessor wraps an Exporter in a BatchItemProcessor named name, sized
// from cfg after defaults are applied.
func NewProcessor[T any](
	log logrus.FieldLogger,
	cfg Config,
	name string,
) (*processor.BatchItemProcessor[T], error) {
	exporter, err := NewExporter[T](log, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating exporter: %w", err)
	}

	r := exporter.cfg

	proc, err := processor.NewBatchItemProcessor[T](
		exporter,
		name,
		log,
		processor.WithMaxQueueSize(r.MaxQueueSize),
		processor.WithBatchTimeout(r.BatchTimeout),
		processor.WithExportTimeout(r.ExportTimeout),
		processor.WithMaxExportBatchSize(r.BatchSize),
		processor.WithWorkers(r.Workers),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processor: %w", err)
	}

	return proc, nil
}
