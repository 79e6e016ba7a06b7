package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.NotEmpty(t, cfg.Node.ID)
	assert.NotEmpty(t, cfg.Node.PersonaName)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8370, cfg.Server.Port)
	assert.Equal(t, "file", cfg.Storage.Backend)
	assert.Equal(t, 10, cfg.Mesh.HeartbeatInterval)
	assert.Equal(t, 30, cfg.Mesh.GossipInterval)
	assert.Equal(t, 60, cfg.Mesh.SyncInterval)
	assert.Equal(t, 10, cfg.Mesh.SyncBatchSize)
	assert.Equal(t, 3, cfg.Mesh.MaxMissed)
	assert.Equal(t, 3600, cfg.Mesh.DeadPeerRetention)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestGeneratedNodeIDsAreUnique(t *testing.T) {
	a := Default()
	b := Default()
	assert.NotEqual(t, a.Node.ID, b.Node.ID)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	// An explicitly named but missing file is an error; the default
	// search path tolerates absence.
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meshkv.yaml")
	content := `
node:
  id: cfg-node
  persona_name: configured
server:
  host: 127.0.0.1
  port: 9999
mesh:
  seed_peers:
    - 10.0.0.1:8370
    - 10.0.0.2:8370
  heartbeat_interval: 5
storage:
  backend: memory
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "cfg-node", cfg.Node.ID)
	assert.Equal(t, "configured", cfg.Node.PersonaName)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, []string{"10.0.0.1:8370", "10.0.0.2:8370"}, cfg.Mesh.SeedPeers)
	assert.Equal(t, 5, cfg.Mesh.HeartbeatInterval)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Unset sections keep their defaults.
	assert.Equal(t, 60, cfg.Mesh.SyncInterval)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("MESHKV_SERVER_PORT", "7777")
	t.Setenv("MESHKV_STORAGE_BACKEND", "badger")

	path := filepath.Join(t.TempDir(), "meshkv.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 1111\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, "badger", cfg.Storage.Backend)
}

func TestValidationErrors(t *testing.T) {
	write := func(content string) string {
		path := filepath.Join(t.TempDir(), "meshkv.yaml")
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}

	_, err := Load(write("server:\n  port: 99999\n"))
	assert.ErrorContains(t, err, "server.port")

	_, err = Load(write("storage:\n  backend: etcd\n"))
	assert.ErrorContains(t, err, "storage.backend")

	_, err = Load(write("mesh:\n  sync_batch_size: 0\n"))
	assert.ErrorContains(t, err, "sync_batch_size")

	_, err = Load(write("mesh:\n  max_missed_heartbeats: 0\n"))
	assert.ErrorContains(t, err, "max_missed_heartbeats")
}
