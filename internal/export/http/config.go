package http

import (
	"errors"
	"fmt"
	"time"
)

// Config configures NDJSON export to an HTTP collector. Zero-valued fields
// fall back to DefaultConfig.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Address receives one POST per batch.
	Address string `yaml:"address"`
	Headers map[string]string `yaml:"headers"`

	// Compression is one of none, gzip, zstd, zlib or snappy.
	Compression string `yaml:"compression"`

	BatchSize     int           `yaml:"batch_size"`
	BatchTimeout  time.Duration `yaml:"batch_timeout"`
	ExportTimeout time.Duration `yaml:"export_timeout"`

	// MaxQueueSize bounds records waiting for export. Records offered to a
	// full queue are dropped.
	MaxQueueSize int `yaml:"max_queue_size"`
	Workers      int `yaml:"workers"`

	KeepAlive *bool `yaml:"keep_alive"`

	// MetaHostName tags every exported row with the traced host.
	MetaHostName string `yaml:"meta_host_name"`
}

// DefaultConfig returns the settings used for any field left unset.
func DefaultConfig() Config {
	keepAlive := true

	return Config{
		Compression:   CompressionGzip,
		BatchSize:     512,
		BatchTimeout:  5 * time.Second,
		ExportTimeout: 30 * time.Second,
		MaxQueueSize:  51200,
		Workers:       1,
		KeepAlive:     &keepAlive,
	}
}

// resolved returns a copy of c with unset fields taken from DefaultConfig.
func (c Config) resolved() Config {
	d := DefaultConfig()

	if c.Compression == "" {
		c.Compression = d.Compression
	}

	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}

	if c.BatchTimeout <= 0 {
		c.BatchTimeout = d.BatchTimeout
	}

	if c.ExportTimeout <= 0 {
		c.ExportTimeout = d.ExportTimeout
	}

	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = d.MaxQueueSize
	}

	if c.Workers <= 0 {
		c.Workers = d.Workers
	}

	if c.KeepAlive == nil {
		c.KeepAlive = d.KeepAlive
	}

	return c
}

// ApplyDefaults fills unset fields in place.
func (c *Config) ApplyDefaults() {
	*c = c.resolved()
}

// Validate checks an enabled config as it will be used once defaults are
// applied, so a config naming only an address is valid. Every problem found
// is reported.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Address == "" {
		return errors.New("http address is required when enabled")
	}

	var errs []error

	if c.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("batch_size %d is negative", c.BatchSize))
	}

	if c.MaxQueueSize < 0 {
		errs = append(errs, fmt.Errorf("max_queue_size %d is negative", c.MaxQueueSize))
	}

	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers %d is negative", c.Workers))
	}

	r := c.resolved()

	if r.BatchSize > r.MaxQueueSize {
		errs = append(errs, fmt.Errorf("batch_size %d exceeds max_queue_size %d", r.BatchSize, r.MaxQueueSize))
	}

	if _, ok := codecs[r.Compression]; !ok {
		errs = append(errs, fmt.Errorf("invalid compression type %q", r.Compression))
	}

	return errors.Join(errs...)
}

// IsKeepAlive reports whether idle connections are reused. Unset means yes.
func (c *Config) IsKeepAlive() bool {
	return c.KeepAlive == nil || *c.KeepAlive
}
