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
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8720, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Engine.MaxConcurrent)
	assert.Equal(t, "claude", cfg.Engine.DefaultProvider)
	assert.Equal(t, 24*time.Hour, cfg.Pause.Timeout)
	assert.Equal(t, "main", cfg.Git.BaseBranch)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9999
engine:
  max_concurrent: 2
  default_provider: codex
pause:
  timeout: 1h
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Engine.MaxConcurrent)
	assert.Equal(t, "codex", cfg.Engine.DefaultProvider)
	assert.Equal(t, time.Hour, cfg.Pause.Timeout)
	// Untouched fields keep their defaults.
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9999\n"), 0600))

	t.Setenv("FOREMAN_SERVER_PORT", "7777")
	t.Setenv("FOREMAN_ENGINE_DEFAULT_PROVIDER", "gemini")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, "gemini", cfg.Engine.DefaultProvider)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8720, cfg.Server.Port)
}

func TestLoadMalformedFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  format: xml\n"), 0600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.format")
}
