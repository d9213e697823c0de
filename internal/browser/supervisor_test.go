package browser

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/debugfleet/internal/config"
	"github.com/shinji-kodama/debugfleet/internal/model"
	"github.com/shinji-kodama/debugfleet/internal/registry"
)

// probeFunc adapts a function to the ReadinessProbe interface.
type probeFunc func(ctx context.Context, port int) bool

func (f probeFunc) Ready(ctx context.Context, port int) bool {
	return f(ctx, port)
}

var alwaysReady = probeFunc(func(context.Context, int) bool { return true })

var neverReady = probeFunc(func(context.Context, int) bool { return false })

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.DataRoot = root
	cfg.RegistryPath = filepath.Join(root, "registry.json")
	cfg.ReadinessAttempts = 3
	cfg.ReadinessInterval = 5 * time.Millisecond
	cfg.TerminateGrace = 20 * time.Millisecond
	return cfg
}

func newTestSupervisor(t *testing.T, launcher Launcher, probe ReadinessProbe) (*Supervisor, *registry.Registry) {
	t.Helper()
	cfg := testConfig(t)
	reg := registry.New(cfg.RegistryPath, cfg.RegistryLockPath())
	return NewSupervisor(cfg, launcher, reg, probe), reg
}

func TestSupervisorSpawnReady(t *testing.T) {
	launcher := NewTestLauncher()
	sup, reg := newTestSupervisor(t, launcher, alwaysReady)

	inst, err := sup.Spawn(context.Background(), 9222, []string{"--lang=en-US"})
	require.NoError(t, err)
	assert.Equal(t, 9222, inst.Port)
	assert.Equal(t, model.StateReady, inst.State)
	assert.NotEmpty(t, inst.ID)
	assert.DirExists(t, inst.DataDir)

	require.Len(t, launcher.Launched, 1)
	assert.Contains(t, launcher.Launched[0].ExtraArgs, "--lang=en-US")

	stored, err := reg.Get(9222)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, model.StateReady, stored.State)
	assert.Equal(t, inst.PID, stored.PID)
}

func TestSupervisorSpawnFailsFastOnEarlyExit(t *testing.T) {
	launcher := NewTestLauncher()
	launcher.ExitImmediately = true
	sup, reg := newTestSupervisor(t, launcher, neverReady)

	start := time.Now()
	_, err := sup.Spawn(context.Background(), 9222, nil)
	require.Error(t, err)

	var cliErr *model.CLIError
	require.ErrorAs(t, err, &cliErr)
	assert.Equal(t, model.ExitSpawnFailed, cliErr.Code)
	assert.Contains(t, cliErr.Message, "exited before readiness")

	// Fail-fast, not a full readiness deadline.
	assert.Less(t, time.Since(start), 2*time.Second)

	stored, err := reg.Get(9222)
	require.NoError(t, err)
	assert.Nil(t, stored, "failed spawn must not leave a registry entry")
}

func TestSupervisorSpawnReadinessTimeout(t *testing.T) {
	launcher := NewTestLauncher()
	sup, reg := newTestSupervisor(t, launcher, neverReady)

	_, err := sup.Spawn(context.Background(), 9222, nil)
	require.Error(t, err)

	var cliErr *model.CLIError
	require.ErrorAs(t, err, &cliErr)
	assert.Equal(t, model.ExitReadinessTimeout, cliErr.Code)

	// The unresponsive process must have been killed.
	h := launcher.Handle(9222)
	require.NotNil(t, h)
	assert.False(t, h.IsAlive())
	assert.NotZero(t, h.KillSignals)

	stored, err := reg.Get(9222)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestSupervisorSpawnLaunchError(t *testing.T) {
	launcher := NewTestLauncher()
	launcher.FailLaunch = true
	sup, reg := newTestSupervisor(t, launcher, alwaysReady)

	_, err := sup.Spawn(context.Background(), 9222, nil)
	require.Error(t, err)

	var cliErr *model.CLIError
	require.ErrorAs(t, err, &cliErr)
	assert.Equal(t, model.ExitSpawnFailed, cliErr.Code)

	stored, err := reg.Get(9222)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestSupervisorSpawnRejectsOccupiedPort(t *testing.T) {
	launcher := NewTestLauncher()
	sup, reg := newTestSupervisor(t, launcher, alwaysReady)

	first, err := sup.Spawn(context.Background(), 9222, nil)
	require.NoError(t, err)

	_, err = sup.Spawn(context.Background(), 9222, nil)
	require.Error(t, err)

	var cliErr *model.CLIError
	require.ErrorAs(t, err, &cliErr)
	assert.Equal(t, model.ExitSpawnFailed, cliErr.Code)
	assert.Contains(t, cliErr.Message, "already occupied")

	// The original instance is untouched.
	stored, err := reg.Get(9222)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, first.PID, stored.PID)
}

func TestSupervisorSpawnFailureIncludesLogTail(t *testing.T) {
	launcher := NewTestLauncher()
	launcher.ExitImmediately = true
	cfg := testConfig(t)
	reg := registry.New(cfg.RegistryPath, cfg.RegistryLockPath())
	sup := NewSupervisor(cfg, launcher, reg, neverReady)

	logPath := cfg.InstanceLogPath(9222)
	require.NoError(t, os.MkdirAll(filepath.Dir(logPath), 0o755))
	require.NoError(t, os.WriteFile(logPath, []byte("fatal: cannot open display\n"), 0o644))

	_, err := sup.Spawn(context.Background(), 9222, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot open display")
}

func TestSupervisorTerminateGraceful(t *testing.T) {
	launcher := NewTestLauncher()
	sup, reg := newTestSupervisor(t, launcher, alwaysReady)

	inst, err := sup.Spawn(context.Background(), 9222, nil)
	require.NoError(t, err)

	escalated, err := sup.Terminate(context.Background(), 9222)
	require.NoError(t, err)
	assert.False(t, escalated)

	h := launcher.Handle(9222)
	require.NotNil(t, h)
	assert.Equal(t, 1, h.GracefulSignals)
	assert.Zero(t, h.KillSignals)

	stored, err := reg.Get(9222)
	require.NoError(t, err)
	assert.Nil(t, stored)
	assert.NoDirExists(t, inst.DataDir)
}

func TestSupervisorTerminateEscalatesToKill(t *testing.T) {
	launcher := NewTestLauncher()
	launcher.IgnoreGraceful = true
	sup, reg := newTestSupervisor(t, launcher, alwaysReady)

	_, err := sup.Spawn(context.Background(), 9222, nil)
	require.NoError(t, err)

	escalated, err := sup.Terminate(context.Background(), 9222)
	require.NoError(t, err)
	assert.True(t, escalated)

	h := launcher.Handle(9222)
	require.NotNil(t, h)
	assert.Equal(t, 1, h.GracefulSignals)
	assert.NotZero(t, h.KillSignals)
	assert.False(t, h.IsAlive())

	stored, err := reg.Get(9222)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestSupervisorTerminateUnknownPortIsNoop(t *testing.T) {
	launcher := NewTestLauncher()
	sup, _ := newTestSupervisor(t, launcher, alwaysReady)

	escalated, err := sup.Terminate(context.Background(), 9999)
	require.NoError(t, err)
	assert.False(t, escalated)
}

func TestSupervisorTerminateCleansUpDeadInstance(t *testing.T) {
	launcher := NewTestLauncher()
	sup, reg := newTestSupervisor(t, launcher, alwaysReady)

	inst, err := sup.Spawn(context.Background(), 9222, nil)
	require.NoError(t, err)

	// Instance died out of band; terminate must still remove traces.
	launcher.Handle(9222).MarkDead()

	escalated, err := sup.Terminate(context.Background(), 9222)
	require.NoError(t, err)
	assert.False(t, escalated)
	assert.Zero(t, launcher.Handle(9222).GracefulSignals)

	stored, err := reg.Get(9222)
	require.NoError(t, err)
	assert.Nil(t, stored)
	assert.NoDirExists(t, inst.DataDir)
}

func TestSupervisorTerminateAll(t *testing.T) {
	launcher := NewTestLauncher()
	sup, reg := newTestSupervisor(t, launcher, alwaysReady)

	for _, p := range []int{9222, 9223, 9224} {
		_, err := sup.Spawn(context.Background(), p, nil)
		require.NoError(t, err)
	}

	require.NoError(t, sup.TerminateAll(context.Background()))

	remaining, err := reg.List()
	require.NoError(t, err)
	assert.Empty(t, remaining)

	// Orphan sweep runs even when the registry was fully drained.
	assert.Equal(t, 1, launcher.SweepCalls())
}

func TestSupervisorAlive(t *testing.T) {
	launcher := NewTestLauncher()
	sup, _ := newTestSupervisor(t, launcher, alwaysReady)

	inst, err := sup.Spawn(context.Background(), 9222, nil)
	require.NoError(t, err)
	assert.True(t, sup.Alive(context.Background(), inst))

	launcher.Handle(9222).MarkDead()
	assert.False(t, sup.Alive(context.Background(), inst))
}
