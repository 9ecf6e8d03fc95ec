package http

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr []string
	}{
		{
			name: "address only",
			cfg:  Config{Enabled: true, Address: "http://localhost:8686"},
		},
		{
			name: "disabled config is not validated",
			cfg:  Config{Compression: "lzma", Workers: -1},
		},
		{
			name:    "missing address",
			cfg:     Config{Enabled: true},
			wantErr: []string{"address is required"},
		},
		{
			name: "invalid compression",
			cfg: Config{
				Enabled:     true,
				Address:     "http://localhost:8686",
				Compression: "lzma",
			},
			wantErr: []string{`invalid compression type "lzma"`},
		},
		{
			name: "batch size against default queue",
			cfg: Config{
				Enabled:   true,
				Address:   "http://localhost:8686",
				BatchSize: 60000,
			},
			wantErr: []string{"batch_size 60000 exceeds max_queue_size 51200"},
		},
		{
			name: "every problem reported",
			cfg: Config{
				Enabled:      true,
				Address:      "http://localhost:8686",
				Workers:      -2,
				BatchSize:    1000,
				MaxQueueSize: 100,
			},
			wantErr: []string{"workers -2 is negative", "batch_size 1000 exceeds max_queue_size 100"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if len(tt.wantErr) == 0 {
				assert.NoError(t, err)

				return
			}

			require.Error(t, err)

			for _, want := range tt.wantErr {
				assert.Contains(t, err.Error(), want)
			}
		})
	}
}

func TestConfig_ApplyDefaults(t *testing.T) {
	off := false

	cfg := Config{BatchSize: 64, KeepAlive: &off}
	cfg.ApplyDefaults()

	assert.Equal(t, 64, cfg.BatchSize)
	assert.Equal(t, CompressionGzip, cfg.Compression)
	assert.Equal(t, 5*time.Second, cfg.BatchTimeout)
	assert.Equal(t, 51200, cfg.MaxQueueSize)
	assert.Equal(t, 1, cfg.Workers)
	assert.False(t, cfg.IsKeepAlive())

	assert.True(t, (&Config{}).IsKeepAlive())
}
