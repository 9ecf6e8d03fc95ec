package tracer

import (
	"fmt"
	"time"

	"github.com/ethpandaops/dtconsumer/internal/dtrace"
)

// Config configures the traced program and how its buffers are drained.
type Config struct {
	// Program is inline D source. Exactly one of Program and ProgramFile
	// must be set.
	Program string `yaml:"program"`

	// ProgramFile is a path to a D source file.
	ProgramFile string `yaml:"program_file"`

	// ProbeSpec selects the clause context for inline programs: provider,
	// module, function or name. Defaults to name.
	ProbeSpec string `yaml:"probe_spec"`

	// CompileFlags are compiler flag names such as zdefs or cpp.
	CompileFlags []string `yaml:"compile_flags"`

	// Args are the macro arguments $1..$n.
	Args []string `yaml:"args"`

	// Options are engine options set before compiling, e.g.
	// bufsize: 4m or switchrate: 10hz.
	Options map[string]string `yaml:"options"`

	// AggregateOrder is the walk order used for snapshots and the final
	// print. Defaults to sorted.
	AggregateOrder string `yaml:"aggregate_order"`

	// AggregateInterval is how often aggregations are walked while
	// tracing. Zero walks only once, when tracing completes.
	AggregateInterval time.Duration `yaml:"aggregate_interval"`

	// PrintAggregates writes the default aggregation presentation when
	// tracing completes.
	PrintAggregates bool `yaml:"print_aggregates"`

	// ProbeCacheSize bounds the EPID to probe name cache.
	ProbeCacheSize uint32 `yaml:"probe_cache_size"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ProbeSpec:         "name",
		AggregateOrder:    "sorted",
		AggregateInterval: 10 * time.Second,
		PrintAggregates:   true,
		ProbeCacheSize:    1024,
	}
}

// Validate checks the configuration for required fields and consistency.
func (c *Config) Validate() error {
	if (c.Program == "") == (c.ProgramFile == "") {
		return fmt.Errorf("exactly one of program or program_file is required")
	}

	if _, err := c.probeSpec(); err != nil {
		return err
	}

	if _, err := dtrace.ParseCompileFlags(c.CompileFlags); err != nil {
		return err
	}

	if _, err := dtrace.ParseWalkOrder(c.AggregateOrder); err != nil {
		return err
	}

	if c.AggregateInterval < 0 {
		return fmt.Errorf("aggregate_interval must not be negative")
	}

	return nil
}

func (c *Config) probeSpec() (dtrace.ProbeSpec, error) {
	switch c.ProbeSpec {
	case "", "name":
		return dtrace.ProbeSpecName, nil
	case "provider":
		return dtrace.ProbeSpecProvider, nil
	case "module":
		return dtrace.ProbeSpecModule, nil
	case "function":
		return dtrace.ProbeSpecFunction, nil
	case "none":
		return dtrace.ProbeSpecNone, nil
	default:
		return 0, fmt.Errorf("unknown probe_spec %q", c.ProbeSpec)
	}
}
