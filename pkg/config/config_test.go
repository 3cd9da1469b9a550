package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, key := range []string{
		"TINYSENSE_PORT", "PORT", "TINYSENSE_DATA_DIR", "TINYSENSE_RAW_DIR",
		"TINYSENSE_REGISTRY", "TINYSENSE_MAX_STORAGE_GB", "TINYSENSE_MAX_MEMORY_MB",
		"TINYSENSE_MAX_LIVE_POINTS",
	} {
		t.Setenv(key, "")
	}
}

// chdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	chdir(t, t.TempDir())

	cfg := Load()
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultDataDir, cfg.DataDir)
	assert.Equal(t, filepath.Join(DefaultDataDir, "raw"), cfg.RawDir)
	assert.Equal(t, RegistryBadger, cfg.Registry)
	assert.Equal(t, int64(DefaultMaxStorageGB), cfg.MaxStorageGB)
	assert.Equal(t, DefaultMaxLivePoints, cfg.MaxLivePoints)
	assert.Equal(t, int64(1024*1024*1024), cfg.MaxStorageBytes())
}

func TestLoad_Environment(t *testing.T) {
	clearEnv(t)
	chdir(t, t.TempDir())
	t.Setenv("PORT", "9000")
	t.Setenv("TINYSENSE_PORT", "9100")
	t.Setenv("TINYSENSE_DATA_DIR", "/srv/sense")
	t.Setenv("TINYSENSE_REGISTRY", "SQLite")
	t.Setenv("TINYSENSE_MAX_LIVE_POINTS", "50")
	t.Setenv("TINYSENSE_MAX_MEMORY_MB", "not-a-number")

	cfg := Load()
	assert.Equal(t, "9100", cfg.Port)
	assert.Equal(t, "/srv/sense", cfg.DataDir)
	assert.Equal(t, filepath.Join("/srv/sense", "raw"), cfg.RawDir)
	assert.Equal(t, RegistrySQLite, cfg.Registry)
	assert.Equal(t, filepath.Join("/srv/sense", "registry.db"), cfg.RegistryPath())
	assert.Equal(t, 50, cfg.MaxLivePoints)
	assert.Equal(t, int64(DefaultMaxMemoryMB), cfg.MaxMemoryMB, "invalid numbers fall back to the default")
}

func TestLoad_DotEnvFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("TINYSENSE_REGISTRY=memory\nTINYSENSE_RAW_DIR=/tmp/raw\n"), 0o644))
	// godotenv does not override variables that are already set, even empty ones.
	os.Unsetenv("TINYSENSE_REGISTRY")
	os.Unsetenv("TINYSENSE_RAW_DIR")
	t.Cleanup(func() {
		os.Unsetenv("TINYSENSE_REGISTRY")
		os.Unsetenv("TINYSENSE_RAW_DIR")
	})

	cfg := Load()
	assert.Equal(t, RegistryMemory, cfg.Registry)
	assert.Equal(t, "/tmp/raw", cfg.RawDir)
}

func TestLoad_UnknownRegistry(t *testing.T) {
	clearEnv(t)
	chdir(t, t.TempDir())
	t.Setenv("TINYSENSE_REGISTRY", "cassandra")

	assert.Equal(t, RegistryBadger, Load().Registry)
}

func TestLivePointsAndClamp(t *testing.T) {
	assert.Equal(t, MinLivePoints, LivePoints(0))
	assert.Equal(t, MinLivePoints, LivePoints(3))
	assert.Equal(t, 200, LivePoints(200))

	assert.Equal(t, 1, Clamp(0, 1, 500))
	assert.Equal(t, 500, Clamp(9000, 1, 500))
	assert.Equal(t, 42, Clamp(42, 1, 500))
}
