package export

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/sirupsen/logrus"
)

// ClickHouseConfig configures the ClickHouse writer.
type ClickHouseConfig struct {
	// Endpoint is the ClickHouse native protocol address.
	Endpoint string `yaml:"endpoint"`

	// Database is the target database name.
	Database string `yaml:"database"`

	// Table is the target table name.
	Table string `yaml:"table"`

	// BatchSize is the number of rows per batch insert.
	// Defaults to 10000.
	BatchSize int `yaml:"batch_size"`

	// FlushInterval is the maximum time between flushes.
	// Defaults to 1s.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// Username for ClickHouse authentication.
	Username string `yaml:"username"`

	// Password for ClickHouse authentication.
	Password string `yaml:"password"`

	// MetaHostName identifies the traced host in every row.
	MetaHostName string `yaml:"meta_host_name"`
}

// ApplyDefaults fills unset batching fields and the table name.
func (c *ClickHouseConfig) ApplyDefaults(table string) {
	if c.BatchSize <= 0 {
		c.BatchSize = 10000
	}

	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}

	if c.Table == "" {
		c.Table = table
	}

	if c.Database == "" {
		c.Database = "default"
	}
}

// Validate checks that a connection can be attempted.
func (c *ClickHouseConfig) Validate() error {
	if c.Endpoint == "" {
		return errors.New("clickhouse endpoint is required")
	}

	return nil
}

// QualifiedTable returns database.table.
func (c *ClickHouseConfig) QualifiedTable() string {
	return c.Database + "." + c.Table
}

// BatchWriter inserts batches of rows into one table.
type BatchWriter interface {
	Start(ctx context.Context) error
	Stop() error
	Insert(ctx context.Context, columns []string, n int, row func(i int) []any) error
	Config() ClickHouseConfig
}

var _ BatchWriter = (*ClickHouseWriter)(nil)

// ClickHouseWriter owns one ClickHouse connection and inserts batches
// into a single table.
type ClickHouseWriter struct {
	log  logrus.FieldLogger
	cfg  ClickHouseConfig
	conn driver.Conn
}

// NewClickHouseWriter creates a writer for cfg. table is used when cfg
// names none.
func NewClickHouseWriter(
	log logrus.FieldLogger,
	cfg ClickHouseConfig,
	table string,
) *ClickHouseWriter {
	cfg.ApplyDefaults(table)

	return &ClickHouseWriter{
		log: log.WithFields(logrus.Fields{
			"component": "clickhouse",
			"table":     cfg.Table,
		}),
		cfg: cfg,
	}
}

// Start opens and pings the connection.
func (w *ClickHouseWriter) Start(ctx context.Context) error {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{w.cfg.Endpoint},
		Auth: clickhouse.Auth{
			Database: w.cfg.Database,
			Username: w.cfg.Username,
			Password: w.cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	})
	if err != nil {
		return fmt.Errorf("opening ClickHouse connection: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()

		return fmt.Errorf("pinging ClickHouse: %w", err)
	}

	w.conn = conn

	w.log.WithField("endpoint", w.cfg.Endpoint).
		Info("ClickHouse writer connected")

	return nil
}

// InsertStage names the step of an insert that failed.
type InsertStage string

const (
	StagePrepare InsertStage = "prepare"
	StageAppend  InsertStage = "append"
	StageSend    InsertStage = "send"
)

// InsertError wraps a failed batch insert with the stage it failed in.
type InsertError struct {
	Stage InsertStage
	Err   error
}

func (e *InsertError) Error() string {
	return fmt.Sprintf("%s batch: %v", e.Stage, e.Err)
}

func (e *InsertError) Unwrap() error {
	return e.Err
}

// Insert sends n rows in one batch. row(i) returns the column values of
// row i in the order of columns.
func (w *ClickHouseWriter) Insert(
	ctx context.Context,
	columns []string,
	n int,
	row func(i int) []any,
) error {
	if n == 0 {
		return nil
	}

	if w.conn == nil {
		return &InsertError{Stage: StagePrepare, Err: errors.New("not connected")}
	}

	batch, err := w.conn.PrepareBatch(ctx, InsertStatement(w.cfg.QualifiedTable(), columns))
	if err != nil {
		return &InsertError{Stage: StagePrepare, Err: err}
	}

	for i := range n {
		if err := batch.Append(row(i)...); err != nil {
			_ = batch.Abort()

			return &InsertError{Stage: StageAppend, Err: err}
		}
	}

	if err := batch.Send(); err != nil {
		return &InsertError{Stage: StageSend, Err: fmt.Errorf("%d rows: %w", n, err)}
	}

	return nil
}

// InsertStatement builds the INSERT prefix for a batch.
func InsertStatement(table string, columns []string) string {
	return fmt.Sprintf("INSERT INTO %s (%s)", table, strings.Join(columns, ", "))
}

// Config returns the writer configuration with defaults applied.
func (w *ClickHouseWriter) Config() ClickHouseConfig {
	return w.cfg
}

// Stop closes the connection.
func (w *ClickHouseWriter) Stop() error {
	if w.conn != nil {
		return w.conn.Close()
	}

	return nil
}
