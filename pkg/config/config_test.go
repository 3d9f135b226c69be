package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c := Default()
	assert.Equal(t, "localhost:6666", c.Target)
	assert.Empty(t, c.Targets)
	assert.Equal(t, 2*time.Second, c.TimeoutDuration())
	assert.Equal(t, ":6667", c.Gateway.Listen)
	assert.Empty(t, c.Gateway.API)
	assert.Equal(t, 24*time.Hour, c.Gateway.TraceTTL)
	assert.Equal(t, "info", c.Log.Level)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dataonline.yaml")
	yaml := `
target: 10.0.0.5:6666
targets:
  - 10.0.0.5:6666
  - 10.0.0.6:6666
timeout: 0.5
gateway:
  listen: ":7000"
  api: ":8081"
  trace_db: /tmp/traces.db
  trace_ttl: 1h
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:6666", c.Target)
	assert.Equal(t, []string{"10.0.0.5:6666", "10.0.0.6:6666"}, c.Targets)
	assert.Equal(t, 500*time.Millisecond, c.TimeoutDuration())
	assert.Equal(t, ":7000", c.Gateway.Listen)
	assert.Equal(t, ":8081", c.Gateway.API)
	assert.Equal(t, "/tmp/traces.db", c.Gateway.TraceDB)
	assert.Equal(t, time.Hour, c.Gateway.TraceTTL)
	assert.Equal(t, "debug", c.Log.Level)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dataonline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("target: file:1\ntimeout: 3\n"), 0o600))

	t.Setenv("DATAONLINE_TARGET", "env:2")
	t.Setenv("DATAONLINE_GATEWAY_LISTEN", ":9999")
	t.Setenv("DATAONLINE_TARGETS", "a:1,b:2")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env:2", c.Target)
	assert.Equal(t, ":9999", c.Gateway.Listen)
	assert.Equal(t, []string{"a:1", "b:2"}, c.Targets)
	assert.Equal(t, 3*time.Second, c.TimeoutDuration())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestTimeoutDisabled(t *testing.T) {
	c := &Config{Timeout: -1}
	assert.Zero(t, c.TimeoutDuration())
	c.Timeout = 0
	assert.Zero(t, c.TimeoutDuration())
}
