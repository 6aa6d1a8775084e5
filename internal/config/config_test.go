package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Scheduler.MaxThreads)
	assert.True(t, cfg.Scheduler.DryRun)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.toml")
	cfg := DefaultConfig()
	cfg.Scheduler.MaxThreads = 7
	cfg.Executor.EnabledRegions = []string{"cn-a", "cn-b"}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Scheduler.MaxThreads)
	assert.Equal(t, []string{"cn-a", "cn-b"}, loaded.Executor.EnabledRegions)
}

func TestEnvOverridesZoneAndDryRun(t *testing.T) {
	t.Setenv("FLAVORSCHED_ZONE", "cn-z-a")
	t.Setenv("FLAVORSCHED_DRY_RUN", "true")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, "cn-z-a", cfg.Executor.Zone)
	assert.True(t, cfg.Scheduler.DryRun)
}

func TestValidateRejectsNonPositiveThreads(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scheduler.MaxThreads = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRequiresIdentityFileOutsideDryRun(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scheduler.DryRun = false
	assert.Error(t, cfg.Validate())

	cfg.Executor.Test.IdentityFile = "missing.pem"
	assert.Error(t, cfg.Validate(), "identity file must exist on disk")
}
