package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, "anthropic", cfg.Provider)
	assert.Equal(t, 120*time.Second, cfg.CommandTimeout())
	assert.Zero(t, cfg.ApprovalTimeout())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"provider": "openai",
		"model": "gpt-4.1",
		"command_timeout_seconds": 30,
		"writable_roots": ["/srv/data"],
		"allow_unconfined": true
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.Provider)
	assert.Equal(t, "gpt-4.1", cfg.Model)
	assert.Equal(t, 30*time.Second, cfg.CommandTimeout())
	assert.Equal(t, []string{"/srv/data"}, cfg.WritableRoots)
	assert.True(t, cfg.AllowUnconfined)
	// Untouched fields keep their defaults.
	assert.Equal(t, "info", cfg.LogLevel)
	assert.NotEmpty(t, cfg.ApprovalDBPath)
}

func TestLoadRejectsBrokenJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	cfg := DefaultConfig()
	cfg.Provider = "openai"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "openai", loaded.Provider)
}
