package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 50, cfg.WalCompactThreshold)
	assert.Equal(t, 256*1024, cfg.CheckpointChunkSize)
	assert.Equal(t, 30, cfg.LockTTLSeconds)
	assert.Equal(t, 500, cfg.DebounceMS)
	assert.True(t, cfg.AutoSync)
}

func TestLoadNoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
dataDir: /tmp/sessions
listenAddr: 0.0.0.0:7700
walCompactThreshold: 10
autoSync: false
log:
  level: debug
  json: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/sessions", cfg.DataDir)
	assert.Equal(t, "0.0.0.0:7700", cfg.ListenAddr)
	assert.Equal(t, 10, cfg.WalCompactThreshold)
	assert.False(t, cfg.AutoSync)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
	// Untouched fields keep their default.
	assert.Equal(t, 256*1024, cfg.CheckpointChunkSize)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("WAL_COMPACT_THRESHOLD", "5")
	t.Setenv("CHECKPOINT_CHUNK_SIZE", "1024")
	t.Setenv("LOCK_TTL_SECONDS", "15")
	t.Setenv("DEBOUNCE_MS", "250")
	t.Setenv("AUTO_SYNC", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.WalCompactThreshold)
	assert.Equal(t, 1024, cfg.CheckpointChunkSize)
	assert.Equal(t, 15, cfg.LockTTLSeconds)
	assert.Equal(t, 250, cfg.DebounceMS)
	assert.False(t, cfg.AutoSync)
}

func TestLoadEnvInvalidValue(t *testing.T) {
	t.Setenv("WAL_COMPACT_THRESHOLD", "not-a-number")
	_, err := Load("")
	assert.Error(t, err)
}
