package agent

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/dtconsumer/internal/dtrace"
	"github.com/ethpandaops/dtconsumer/internal/export"
	"github.com/ethpandaops/dtconsumer/internal/sink"
	"github.com/ethpandaops/dtconsumer/internal/sink/aggregated"
	"github.com/ethpandaops/dtconsumer/internal/tracer"
)

// Config is the top-level configuration for the dtconsumer agent.
type Config struct {
	// LogLevel sets the logging verbosity (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// Engine configures how the tracing engine is opened.
	Engine EngineConfig `yaml:"engine"`

	// Tracer configures the traced program.
	Tracer tracer.Config `yaml:"tracer"`

	// Output receives formatted program output: "stdout", "stderr",
	// "discard", a file path, or empty to log it.
	Output string `yaml:"output"`

	// Sinks configures data export sinks.
	Sinks sink.Config `yaml:"sinks"`

	// Health configures the Prometheus health metrics server.
	Health export.HealthConfig `yaml:"health"`
}

// EngineConfig configures the tracing engine.
type EngineConfig struct {
	// Version is the interface version requested when opening.
	Version int `yaml:"version"`

	// OpenFlags are any of nodev, nosys, lp64 and ilp32.
	OpenFlags []string `yaml:"open_flags"`

	// RaiseMemlock lifts RLIMIT_MEMLOCK before opening, for engines that
	// lock their buffers.
	RaiseMemlock bool `yaml:"raise_memlock"`
}

var openFlagNames = map[string]dtrace.OpenFlag{
	"nodev": dtrace.OpenNoDev,
	"nosys": dtrace.OpenNoSys,
	"lp64":  dtrace.OpenLP64,
	"ilp32": dtrace.OpenILP32,
}

// Flags combines the configured open flags.
func (c *EngineConfig) Flags() (dtrace.OpenFlag, error) {
	var flags dtrace.OpenFlag

	for _, name := range c.OpenFlags {
		f, ok := openFlagNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return 0, fmt.Errorf("unknown open flag %q", name)
		}

		flags |= f
	}

	return flags, nil
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Engine: EngineConfig{
			Version: dtrace.Version,
		},
		Tracer: tracer.DefaultConfig(),
		Output: "stdout",
		Sinks: sink.Config{
			Aggregated: aggregated.DefaultConfig(),
		},
		Health: export.HealthConfig{
			Addr: ":9090",
		},
	}
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for required fields and consistency.
func (c *Config) Validate() error {
	if c.Engine.Version <= 0 {
		return fmt.Errorf("engine.version must be positive")
	}

	if _, err := c.Engine.Flags(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	if err := c.Tracer.Validate(); err != nil {
		return fmt.Errorf("tracer: %w", err)
	}

	if err := c.Sinks.Raw.Validate(); err != nil {
		return fmt.Errorf("sinks.raw: %w", err)
	}

	if err := c.Sinks.Aggregated.Validate(); err != nil {
		return fmt.Errorf("sinks.aggregated: %w", err)
	}

	return nil
}
