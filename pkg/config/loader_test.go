package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "parley.yaml"), []byte(content), 0o644))
	return dir
}

func TestInitialize_MergesUserValuesOverDefaults(t *testing.T) {
	dir := writeConfig(t, `
server:
  port: 9090
queue:
  message_ttl: "72h"
  max_entries_per_topic: 500
transport:
  heartbeat_interval: "-1s"
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	// Overridden values.
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 72*time.Hour, time.Duration(cfg.Queue.MessageTTL))
	assert.Equal(t, 500, cfg.Queue.MaxEntriesPerTopic)
	assert.Equal(t, -time.Second, time.Duration(cfg.Transport.HeartbeatInterval))

	// Unset values keep defaults.
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 24*time.Hour, time.Duration(cfg.Queue.ConsumerTTL))
	assert.Equal(t, 5*time.Minute, time.Duration(cfg.Queue.CleanupInterval))
	assert.Equal(t, 1000, cfg.Transport.ReplayBatchSize)
	assert.Equal(t, 100, cfg.Engine.MaxDepth)

	assert.Equal(t, dir, cfg.ConfigDir())
}

func TestInitialize_EmptyFileYieldsDefaults(t *testing.T) {
	dir := writeConfig(t, "")

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, Default().Server, cfg.Server)
	assert.Equal(t, Default().Queue, cfg.Queue)
	assert.Equal(t, Default().Transport, cfg.Transport)
	assert.Equal(t, Default().Engine, cfg.Engine)
}

func TestInitialize_ExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("PARLEY_PORT", "7070")
	t.Setenv("PARLEY_HOST", "127.0.0.1")

	dir := writeConfig(t, `
server:
  host: "{{.PARLEY_HOST}}"
  port: {{.PARLEY_PORT}}
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7070", cfg.Server.ListenAddr())
}

func TestInitialize_MissingFile(t *testing.T) {
	_, err := Initialize(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigNotFound)

	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "parley.yaml", loadErr.File)
}

func TestInitialize_InvalidYAML(t *testing.T) {
	dir := writeConfig(t, "server:\n  port: [not\n a port\n")

	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestInitialize_ValidationFailure(t *testing.T) {
	dir := writeConfig(t, `
server:
  port: 70000
`)

	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationFailed)
	assert.ErrorIs(t, err, ErrInvalidValue)
	assert.Contains(t, err.Error(), "port")
}

func TestInitialize_NegativeTTLRejected(t *testing.T) {
	dir := writeConfig(t, `
queue:
  consumer_ttl: "-1h"
`)

	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationFailed)
	assert.Contains(t, err.Error(), "consumer_ttl")
}
