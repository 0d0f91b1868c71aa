package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8089", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 4, cfg.Queue.Workers)
	assert.Equal(t, 3, cfg.Engine.MaxRetries)
	assert.Equal(t, 600, cfg.Engine.MaxExecutionSeconds)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipelit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9000"
database:
  driver: mysql
  dsn: "user:pass@tcp(db:3306)/pipelit"
queue:
  workers: 8
engine:
  max_execution_seconds: 120
totp_secrets:
  github: GEZDGNBVGEZDGNBV
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, "user:pass@tcp(db:3306)/pipelit", cfg.Database.DSN)
	assert.Equal(t, 8, cfg.Queue.Workers)
	assert.Equal(t, 120, cfg.Engine.MaxExecutionSeconds)
	assert.Equal(t, "GEZDGNBVGEZDGNBV", cfg.TOTP["github"])
	assert.Equal(t, 3, cfg.Engine.MaxRetries, "unset fields keep defaults")
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("PIPELIT_SERVER_ADDR", ":7070")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
}

func TestMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
