package aggregated

import (
	"errors"
	"fmt"

	"github.com/ethpandaops/dtconsumer/internal/export"
	httpexport "github.com/ethpandaops/dtconsumer/internal/export/http"
)

// Table is the default table for aggregation rows.
const Table = "dtrace_aggregations"

// Mode selects how successive snapshots of the same key are reported.
type Mode string

const (
	// ModeCumulative exports each snapshot's values as walked.
	ModeCumulative Mode = "cumulative"
	// ModeDelta exports the change since the previous snapshot for
	// count, sum and distribution aggregations.
	ModeDelta Mode = "delta"
)

// Config configures the aggregation sink.
type Config struct {
	// Enabled enables the aggregation sink.
	Enabled bool `yaml:"enabled"`

	// Mode is cumulative or delta. Defaults to cumulative.
	Mode Mode `yaml:"mode"`

	// SkipZero omits rows with no value, count or distribution, such as
	// keys cleared by the program or unchanged in delta mode.
	SkipZero bool `yaml:"skip_zero"`

	// QueueSize bounds the snapshots waiting to be exported.
	// Defaults to 16.
	QueueSize int `yaml:"queue_size"`

	// ClickHouse is used when its endpoint is set.
	ClickHouse export.ClickHouseConfig `yaml:"clickhouse"`

	// HTTP configures optional HTTP export.
	HTTP httpexport.Config `yaml:"http"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:      ModeCumulative,
		QueueSize: 16,
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	switch c.Mode {
	case "", ModeCumulative, ModeDelta:
	default:
		return fmt.Errorf("unknown aggregation mode %q", c.Mode)
	}

	if c.ClickHouse.Endpoint == "" && !c.HTTP.Enabled {
		return errors.New("aggregated sink needs a clickhouse endpoint or http export")
	}

	return c.HTTP.Validate()
}
