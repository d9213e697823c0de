package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTempConfig writes content to a file with the given name inside
// a fresh temp dir and returns its path.
func writeTempConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// TestDefaultIsValid verifies the built-in defaults pass validation,
// so an absent config file always yields a working setup.
func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

// TestLoad_MissingFileFallsBackToDefaults verifies that Load with an
// empty path and no config file in the working directory returns the
// defaults rather than an error.
func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	// Run from an empty directory so locateConfig finds nothing.
	orig, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	defer func() { _ = os.Chdir(orig) }()

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().PortRangeStart, cfg.PortRangeStart)
	assert.Equal(t, LauncherExec, cfg.Launcher)
}

// TestLoad_JSONCWithComments verifies the jsonc comment-stripping
// pipeline: comments and trailing commas must not break parsing, and
// file values must override defaults while unset fields keep theirs.
func TestLoad_JSONCWithComments(t *testing.T) {
	path := writeTempConfig(t, "debugfleet.jsonc", `{
  // instance port space
  "portRangeStart": 48000,
  "portRangeEnd": 48099,
  "browserBinary": "/usr/bin/chromium",
  "proxy": {
    "confDir": "/tmp/routes.d",
    "validateCmd": ["true"],
    "reloadCmd": ["true"], // stubbed out for this host
  },
}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 48000, cfg.PortRangeStart)
	assert.Equal(t, 48099, cfg.PortRangeEnd)
	assert.Equal(t, "/usr/bin/chromium", cfg.BrowserBinary)
	assert.Equal(t, "/tmp/routes.d", cfg.Proxy.ConfDir)
	// Unset fields keep their defaults.
	assert.Equal(t, 30, cfg.ReadinessAttempts)
	assert.Equal(t, time.Second, cfg.ReadinessInterval)
}

// TestLoad_YAML verifies the YAML branch of the loader.
func TestLoad_YAML(t *testing.T) {
	path := writeTempConfig(t, "debugfleet.yaml", `
portRangeStart: 48000
portRangeEnd: 48009
launcher: docker
browserImage: chromium:126
proxy:
  validateCmd: ["true"]
  reloadCmd: ["true"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 48000, cfg.PortRangeStart)
	assert.Equal(t, 48009, cfg.PortRangeEnd)
	assert.Equal(t, LauncherDocker, cfg.Launcher)
	assert.Equal(t, "chromium:126", cfg.BrowserImage)
}

// TestLoad_UnsupportedExtension verifies a clear error for unknown
// config formats.
func TestLoad_UnsupportedExtension(t *testing.T) {
	path := writeTempConfig(t, "debugfleet.toml", `portRangeStart = 48000`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported config extension")
}

// TestValidate_RejectsEmptyRange verifies range ordering is enforced.
func TestValidate_RejectsEmptyRange(t *testing.T) {
	cfg := Default()
	cfg.PortRangeStart = 9300
	cfg.PortRangeEnd = 9222

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty or out of range")
}

// TestValidate_RejectsUnknownLauncher verifies launcher kind checking.
func TestValidate_RejectsUnknownLauncher(t *testing.T) {
	cfg := Default()
	cfg.Launcher = "systemd"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid launcher")
}

// TestValidate_RequiresProxyCommands verifies that the validate and
// reload commands must be configured — without them the fail-closed
// activation discipline cannot be honored.
func TestValidate_RequiresProxyCommands(t *testing.T) {
	cfg := Default()
	cfg.Proxy.ValidateCmd = nil
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Proxy.ReloadCmd = nil
	assert.Error(t, cfg.Validate())
}

// TestInstancePaths verifies the derived per-instance path helpers.
func TestInstancePaths(t *testing.T) {
	cfg := Default()
	cfg.DataRoot = "/data"

	assert.Equal(t, "/data/instances/abc", cfg.InstanceDir("abc"))
	assert.Equal(t, "/data/logs/instance-9222.log", cfg.InstanceLogPath(9222))
	cfg.RegistryPath = "/data/registry.json"
	assert.Equal(t, "/data/registry.json.lock", cfg.RegistryLockPath())
}
