package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitMaterializesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent", "config.yaml")
	resolved, err := Init(path)
	require.NoError(t, err)
	assert.Equal(t, path, resolved)

	info, err := os.Stat(path)
	require.NoError(t, err)
	if runtime.GOOS != "windows" {
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
		dirInfo, err := os.Stat(filepath.Dir(path))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o700), dirInfo.Mode().Perm())
	}

	// second init leaves the existing file alone
	before, err := os.ReadFile(path)
	require.NoError(t, err)
	_, err = Init(path)
	require.NoError(t, err)
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestLoadAppliesEnvKeyOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	t.Setenv(EnvAPIKey, "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.APIKey)
	assert.NotEmpty(t, cfg.DeviceID)
	assert.Equal(t, 60, cfg.IntervalSeconds)
}

func TestLoadWithoutKeyFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	t.Setenv(EnvAPIKey, "")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRanges(t *testing.T) {
	valid := Default("device-1")
	valid.APIKey = "k"
	require.NoError(t, valid.Validate())

	cases := []func(*Config){
		func(c *Config) { c.IntervalSeconds = 4 },
		func(c *Config) { c.IntervalSeconds = 3601 },
		func(c *Config) { c.TimeoutSeconds = 2 },
		func(c *Config) { c.TimeoutSeconds = 61 },
		func(c *Config) { c.MaxBatchEvents = 0 },
		func(c *Config) { c.MaxBatchEvents = 501 },
		func(c *Config) { c.SpoolMaxBatches = 9 },
		func(c *Config) { c.SpoolMaxBatches = 10001 },
		func(c *Config) { c.OrgID = " " },
		func(c *Config) { c.APIKey = "" },
	}
	for i, mutate := range cases {
		cfg := Default("device-1")
		cfg.APIKey = "k"
		mutate(&cfg)
		assert.Error(t, cfg.Validate(), "case %d should fail", i)
	}
}
