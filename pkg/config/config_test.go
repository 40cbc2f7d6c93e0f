package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateConfigCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg, err := LoadOrCreateConfigWithPath(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:4483", cfg.API.Address)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, 2000, cfg.Runtime.SettleDelayMs)
	assert.Equal(t, 3, cfg.Runtime.ConnectRetries)
	assert.True(t, cfg.Runtime.ValidateToolArguments)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestLoadOrCreateConfigReadsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api:\n  address: \"0.0.0.0:9999\"\n"), 0600))

	cfg, err := LoadOrCreateConfigWithPath(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9999", cfg.API.Address)
	// Unset sections keep their defaults.
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, 2000, cfg.Runtime.SettleDelayMs)
}

func TestLoadOrCreateConfigRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api: [unclosed"), 0600))

	_, err := LoadOrCreateConfigWithPath(path)
	require.Error(t, err)
}

func TestUpdateConfigAtPathRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	require.NoError(t, UpdateConfigAtPath(path, func(c *Config) {
		c.Runtime.ProjectDir = "/work/proj"
		c.Telemetry.Enabled = false
	}))

	cfg, err := LoadOrCreateConfigWithPath(path)
	require.NoError(t, err)
	assert.Equal(t, "/work/proj", cfg.Runtime.ProjectDir)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestPathProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	provider := NewPathProvider(path)

	cfg, err := provider.LoadOrCreateConfig()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:4483", cfg.API.Address)

	require.NoError(t, provider.UpdateConfig(func(c *Config) {
		c.API.Address = "127.0.0.1:7000"
	}))
	assert.Equal(t, "127.0.0.1:7000", provider.GetConfig().API.Address)
}

func TestSingletonOverride(t *testing.T) {
	t.Cleanup(ResetSingleton)

	override := createNewConfigWithDefaults()
	override.API.Address = "127.0.0.1:1234"
	SetSingletonConfig(&override)

	provider := NewDefaultProvider()
	assert.Equal(t, "127.0.0.1:1234", provider.GetConfig().API.Address)
}
