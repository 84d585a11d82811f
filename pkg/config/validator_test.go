package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidator(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		errMsg  string
		wantErr bool
	}{
		{
			name:   "defaults are valid",
			mutate: func(cfg *Config) {},
		},
		{
			name:    "empty host",
			mutate:  func(cfg *Config) { cfg.Server.Host = "" },
			wantErr: true,
			errMsg:  "host",
		},
		{
			name:    "port too large",
			mutate:  func(cfg *Config) { cfg.Server.Port = 70000 },
			wantErr: true,
			errMsg:  "port",
		},
		{
			name:    "port zero",
			mutate:  func(cfg *Config) { cfg.Server.Port = 0 },
			wantErr: true,
			errMsg:  "port",
		},
		{
			name:    "negative consumer ttl",
			mutate:  func(cfg *Config) { cfg.Queue.ConsumerTTL = Duration(-time.Hour) },
			wantErr: true,
			errMsg:  "consumer_ttl",
		},
		{
			name:    "negative message ttl",
			mutate:  func(cfg *Config) { cfg.Queue.MessageTTL = Duration(-time.Hour) },
			wantErr: true,
			errMsg:  "message_ttl",
		},
		{
			name:    "zero entry cap",
			mutate:  func(cfg *Config) { cfg.Queue.MaxEntriesPerTopic = 0 },
			wantErr: true,
			errMsg:  "max_entries_per_topic",
		},
		{
			name:   "negative cleanup interval disables the sweep",
			mutate: func(cfg *Config) { cfg.Queue.CleanupInterval = Duration(-time.Second) },
		},
		{
			name:    "zero cleanup interval",
			mutate:  func(cfg *Config) { cfg.Queue.CleanupInterval = 0 },
			wantErr: true,
			errMsg:  "cleanup_interval",
		},
		{
			name:   "negative heartbeat disables pings",
			mutate: func(cfg *Config) { cfg.Transport.HeartbeatInterval = Duration(-time.Second) },
		},
		{
			name:    "zero heartbeat interval",
			mutate:  func(cfg *Config) { cfg.Transport.HeartbeatInterval = 0 },
			wantErr: true,
			errMsg:  "heartbeat_interval",
		},
		{
			name:    "zero write timeout",
			mutate:  func(cfg *Config) { cfg.Transport.WriteTimeout = 0 },
			wantErr: true,
			errMsg:  "write_timeout",
		},
		{
			name:    "zero reliable timeout",
			mutate:  func(cfg *Config) { cfg.Transport.ReliableTimeout = 0 },
			wantErr: true,
			errMsg:  "reliable_timeout",
		},
		{
			name:    "zero replay batch size",
			mutate:  func(cfg *Config) { cfg.Transport.ReplayBatchSize = 0 },
			wantErr: true,
			errMsg:  "replay_batch_size",
		},
		{
			name:    "zero engine depth",
			mutate:  func(cfg *Config) { cfg.Engine.MaxDepth = 0 },
			wantErr: true,
			errMsg:  "max_depth",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := NewValidator(cfg).ValidateAll()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidValue)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
