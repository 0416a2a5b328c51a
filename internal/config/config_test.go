package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "be-plt-workflows", cfg.Service.Name)
	assert.Equal(t, 8086, cfg.Server.Port)
	assert.Equal(t, 9086, cfg.GRPC.Port)
	assert.Equal(t, StorageDriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.False(t, cfg.NATS.Enabled)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workflows.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
service:
  environment: production
server:
  port: 9000
  read_timeout: 5s
storage:
  driver: Memory
database:
  host: db.internal
`), 0o600))

	t.Setenv("WORKFLOWS_DATABASE_HOST", "db.override")
	t.Setenv("WORKFLOWS_GRPC_PORT", "9999")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Service.Environment)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, StorageDriverMemory, cfg.Storage.Driver)
	assert.Equal(t, "db.override", cfg.Database.Host)
	assert.Equal(t, 9999, cfg.GRPC.Port)
	assert.Contains(t, cfg.DSN(), "host=db.override")
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("WORKFLOWS_STORAGE_DRIVER", "mongo")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown storage driver")
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
