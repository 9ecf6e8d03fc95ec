package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/dtconsumer/internal/dtrace"
	"github.com/ethpandaops/dtconsumer/internal/sink/aggregated"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":9090", cfg.Health.Addr)
	assert.Equal(t, dtrace.Version, cfg.Engine.Version)
	assert.Equal(t, "stdout", cfg.Output)
	assert.Equal(t, "sorted", cfg.Tracer.AggregateOrder)
	assert.Equal(t, aggregated.ModeCumulative, cfg.Sinks.Aggregated.Mode)
}

func TestLoadConfig(t *testing.T) {
	yaml := `
log_level: debug
engine:
  open_flags: [nodev, lp64]
  raise_memlock: true
tracer:
  program: |
    syscall:::entry { @calls[probefunc] = count(); }
  options:
    bufsize: 4m
    switchrate: 10hz
  aggregate_order: valrevsorted
  aggregate_interval: 5s
output: discard
sinks:
  raw:
    enabled: false
  aggregated:
    enabled: true
    mode: delta
    clickhouse:
      endpoint: "localhost:9000"
health:
  addr: ":9091"
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"nodev", "lp64"}, cfg.Engine.OpenFlags)
	assert.True(t, cfg.Engine.RaiseMemlock)
	assert.Equal(t, dtrace.Version, cfg.Engine.Version)
	assert.Contains(t, cfg.Tracer.Program, "count()")
	assert.Equal(t, "4m", cfg.Tracer.Options["bufsize"])
	assert.Equal(t, "valrevsorted", cfg.Tracer.AggregateOrder)
	assert.Equal(t, 5*time.Second, cfg.Tracer.AggregateInterval)
	assert.Equal(t, "name", cfg.Tracer.ProbeSpec)
	assert.Equal(t, "discard", cfg.Output)
	assert.False(t, cfg.Sinks.Raw.Enabled)
	assert.True(t, cfg.Sinks.Aggregated.Enabled)
	assert.Equal(t, aggregated.ModeDelta, cfg.Sinks.Aggregated.Mode)
	assert.Equal(t, 16, cfg.Sinks.Aggregated.QueueSize)
	assert.Equal(t, ":9091", cfg.Health.Addr)

	flags, err := cfg.Engine.Flags()
	require.NoError(t, err)
	assert.Equal(t, dtrace.OpenNoDev|dtrace.OpenLP64, flags)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/path.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	// Use a tab character at the start which is invalid YAML indentation.
	require.NoError(t, os.WriteFile(path, []byte("\t- bad"), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestLoadConfig_NoProgram(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: info\n"), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validating config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(*Config) {},
		},
		{
			name:    "unknown open flag",
			mutate:  func(c *Config) { c.Engine.OpenFlags = []string{"nodev", "bogus"} },
			wantErr: `unknown open flag "bogus"`,
		},
		{
			name:    "bad version",
			mutate:  func(c *Config) { c.Engine.Version = 0 },
			wantErr: "engine.version must be positive",
		},
		{
			name:    "bad walk order",
			mutate:  func(c *Config) { c.Tracer.AggregateOrder = "sideways" },
			wantErr: "tracer:",
		},
		{
			name:    "raw sink without destination",
			mutate:  func(c *Config) { c.Sinks.Raw.Enabled = true },
			wantErr: "sinks.raw:",
		},
		{
			name: "aggregated sink bad mode",
			mutate: func(c *Config) {
				c.Sinks.Aggregated.Enabled = true
				c.Sinks.Aggregated.Mode = "rolling"
				c.Sinks.Aggregated.ClickHouse.Endpoint = "localhost:9000"
			},
			wantErr: "sinks.aggregated:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Tracer.Program = "BEGIN { exit(0); }"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
