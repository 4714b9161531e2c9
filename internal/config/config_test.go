package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:37780", cfg.ListenAddr())
	assert.Equal(t, -1.0, cfg.Tuning.Constraint.VetoThreshold)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wellspring.yaml")
	data := `
server:
  port: 40000
tuning:
  trust:
    base_groundedness: 0.2
  salience:
    half_life: 48h
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 40000, cfg.Server.Port)
	assert.Equal(t, 0.2, cfg.Tuning.Trust.BaseGroundedness)
	assert.Equal(t, 48*time.Hour, cfg.Tuning.Salience.HalfLife)
	// untouched values keep their defaults
	assert.Equal(t, 0.8, cfg.Tuning.Trust.VouchDecay)
}

func TestLoadRejectsOutOfRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tuning:\n  trust:\n    base_groundedness: 3\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("WELLSPRING_DB", "/tmp/ws.db")
	t.Setenv("WELLSPRING_LOG_LEVEL", "debug")
	cfg := Default()
	cfg.FromEnv()
	assert.Equal(t, "/tmp/ws.db", cfg.Database.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
}
