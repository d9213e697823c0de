package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/shinji-kodama/debugfleet/internal/config"
	"github.com/shinji-kodama/debugfleet/internal/model"
	"github.com/shinji-kodama/debugfleet/internal/registry"
)

// logTailBytes is how much of the instance log is captured into a
// spawn-failure error message.
const logTailBytes = 2048

// killSettleTimeout bounds the wait after a forceful kill. SIGKILL is
// not refusable; this only covers scheduler latency.
const killSettleTimeout = 2 * time.Second

// ReadinessProbe is the predicate the supervisor polls after spawn.
// Satisfied by *devtools.Client.
type ReadinessProbe interface {
	Ready(ctx context.Context, port int) bool
}

// Supervisor spawns, supervises, and terminates browser instances.
// It owns all mutations of the instance registry; other components
// only read it.
type Supervisor struct {
	cfg      *config.Config
	launcher Launcher
	reg      *registry.Registry
	probe    ReadinessProbe
}

// NewSupervisor wires a Supervisor from its collaborators.
func NewSupervisor(cfg *config.Config, launcher Launcher, reg *registry.Registry, probe ReadinessProbe) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		launcher: launcher,
		reg:      reg,
		probe:    probe,
	}
}

// Registry exposes the instance registry for read-side consumers
// (list, health discovery).
func (s *Supervisor) Registry() *registry.Registry {
	return s.reg
}

// Spawn launches an instance bound to port, records it in the registry
// as soon as a pid exists, and polls readiness up to the configured
// deadline.
//
// Failure modes:
//   - the registry already tracks a live instance on the port → error
//     without mutating the registry;
//   - the process exits before readiness → ExitSpawnFailed with the
//     captured log tail, detected within one polling interval;
//   - the deadline expires with the process alive but unresponsive →
//     the process is killed, everything is cleaned up, and
//     ExitReadinessTimeout is returned.
func (s *Supervisor) Spawn(ctx context.Context, port int, extraArgs []string) (*model.Instance, error) {
	if existing, err := s.reg.Get(port); err != nil {
		return nil, model.WrapCLIError(model.ExitGeneralError, "failed to read instance registry", err)
	} else if existing != nil && s.Alive(ctx, existing) {
		return nil, model.NewCLIError(model.ExitSpawnFailed,
			fmt.Sprintf("port %d is already occupied by instance pid %d", port, existing.PID))
	}

	id := newInstanceID()
	spec := LaunchSpec{
		Port:      port,
		DataDir:   s.cfg.InstanceDir(id),
		LogPath:   s.cfg.InstanceLogPath(port),
		ExtraArgs: append(append([]string{}, extraArgs...), s.cfg.ExtraArgs...),
	}

	if err := os.MkdirAll(spec.DataDir, 0o755); err != nil {
		return nil, model.WrapCLIError(model.ExitSpawnFailed,
			fmt.Sprintf("failed to create data directory for port %d", port), err)
	}
	if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0o755); err != nil {
		return nil, model.WrapCLIError(model.ExitSpawnFailed,
			fmt.Sprintf("failed to create log directory for port %d", port), err)
	}

	handle, err := s.launcher.Launch(ctx, spec)
	if err != nil {
		_ = os.RemoveAll(spec.DataDir)
		return nil, model.WrapCLIError(model.ExitSpawnFailed,
			fmt.Sprintf("failed to launch browser on port %d", port), err)
	}

	inst := &model.Instance{
		Port:        port,
		PID:         handle.PID(),
		ID:          id,
		DataDir:     spec.DataDir,
		LogPath:     spec.LogPath,
		State:       model.StateStarting,
		ContainerID: HandleContainerID(handle),
		CreatedAt:   time.Now().UTC(),
	}

	// Persist immediately after the OS reports a pid, so a manager
	// crash mid-spawn still leaves a record for later reconciliation.
	if err := s.reg.Put(inst); err != nil {
		_ = handle.Signal(SignalKill)
		_ = os.RemoveAll(spec.DataDir)
		return nil, model.WrapCLIError(model.ExitGeneralError,
			fmt.Sprintf("failed to record instance on port %d", port), err)
	}

	for attempt := 0; attempt < s.cfg.ReadinessAttempts; attempt++ {
		// An exited process will never become ready; fail fast instead
		// of waiting out the deadline.
		if !handle.IsAlive() {
			tail := s.logTail(spec.LogPath)
			s.cleanup(inst)
			return nil, model.NewCLIError(model.ExitSpawnFailed,
				fmt.Sprintf("browser on port %d exited before readiness; log tail:\n%s", port, tail))
		}

		if s.probe.Ready(ctx, port) {
			inst.State = model.StateReady
			if err := s.reg.UpdateState(port, model.StateReady); err != nil {
				logrus.WithField("port", port).WithError(err).Warn("failed to persist ready state")
			}
			logrus.WithFields(logrus.Fields{
				"port": port,
				"pid":  inst.PID,
			}).Info("instance ready")
			return inst, nil
		}

		select {
		case <-ctx.Done():
			s.kill(handle)
			s.cleanup(inst)
			return nil, model.WrapCLIError(model.ExitSpawnFailed,
				fmt.Sprintf("spawn of port %d interrupted", port), ctx.Err())
		case <-time.After(s.cfg.ReadinessInterval):
		}
	}

	// Deadline expired with the process alive but unresponsive.
	s.kill(handle)
	s.cleanup(inst)
	return nil, model.NewCLIError(model.ExitReadinessTimeout,
		fmt.Sprintf("browser on port %d did not answer its readiness probe within %d attempts",
			port, s.cfg.ReadinessAttempts))
}

// Terminate stops the instance on port and removes its traces.
// Idempotent: an unknown or already-dead port is a no-op success.
// Returns whether the stop escalated to a forceful kill — reported as
// a warning by the caller, not a failure, since the end state is
// achieved either way.
func (s *Supervisor) Terminate(ctx context.Context, portNum int) (escalated bool, err error) {
	inst, err := s.reg.Get(portNum)
	if err != nil {
		return false, model.WrapCLIError(model.ExitGeneralError, "failed to read instance registry", err)
	}
	if inst == nil {
		logrus.WithField("port", portNum).Debug("terminate: port not tracked, nothing to do")
		return false, nil
	}

	handle, attachErr := s.launcher.Attach(ctx, AttachRecord{
		Port:        inst.Port,
		PID:         inst.PID,
		DataDir:     inst.DataDir,
		ContainerID: inst.ContainerID,
	})
	if attachErr != nil {
		// Cannot reach the process; clean up the traces anyway.
		logrus.WithField("port", portNum).WithError(attachErr).Warn("terminate: attach failed, cleaning up traces")
		s.cleanup(inst)
		return false, nil
	}

	if handle.IsAlive() {
		if sigErr := handle.Signal(SignalGraceful); sigErr != nil {
			logrus.WithField("port", portNum).WithError(sigErr).Warn("graceful signal failed")
		}
		if !handle.Wait(s.cfg.TerminateGrace) {
			// TerminationEscalated: warning, not failure.
			logrus.WithFields(logrus.Fields{
				"port":  portNum,
				"grace": s.cfg.TerminateGrace,
			}).Warn("graceful stop timed out, killing instance")
			escalated = true
			s.kill(handle)
		}
	}

	s.cleanup(inst)
	return escalated, nil
}

// TerminateAll terminates every tracked instance, then sweeps for
// processes matching the instance signature that escaped the registry.
// Sub-step failures are accumulated; the remaining steps still run.
func (s *Supervisor) TerminateAll(ctx context.Context) error {
	instances, err := s.reg.List()
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to read instance registry", err)
	}

	var errs error
	for _, inst := range instances {
		if _, termErr := s.Terminate(ctx, inst.Port); termErr != nil {
			errs = multierr.Append(errs, fmt.Errorf("port %d: %w", inst.Port, termErr))
		}
	}

	// Anything still tracked after the loop failed termination; keep it
	// off the sweep's kill list only if it is legitimately tracked.
	known := make(map[int]bool)
	if remaining, listErr := s.reg.List(); listErr == nil {
		for _, inst := range remaining {
			known[inst.Port] = true
		}
	}
	if sweepErr := s.launcher.Sweep(ctx, known); sweepErr != nil {
		errs = multierr.Append(errs, sweepErr)
	}

	return errs
}

// Alive reports whether the instance's process still exists, via the
// launcher's attach path. Used by list and health to detect stale
// registry entries.
func (s *Supervisor) Alive(ctx context.Context, inst *model.Instance) bool {
	handle, err := s.launcher.Attach(ctx, AttachRecord{
		Port:        inst.Port,
		PID:         inst.PID,
		DataDir:     inst.DataDir,
		ContainerID: inst.ContainerID,
	})
	if err != nil {
		return false
	}
	return handle.IsAlive()
}

// kill forcefully terminates the instance and waits briefly for the
// OS to reap it.
func (s *Supervisor) kill(handle Handle) {
	if err := handle.Signal(SignalKill); err != nil {
		logrus.WithError(err).Warn("kill signal failed")
	}
	handle.Wait(killSettleTimeout)
}

// cleanup removes the instance's traces: registry entry, data dir, and
// log file. Best-effort by design — each sub-step's failure is logged
// and the remaining steps still run.
func (s *Supervisor) cleanup(inst *model.Instance) {
	if err := s.reg.Remove(inst.Port); err != nil {
		logrus.WithField("port", inst.Port).WithError(err).Error("failed to remove registry entry")
	}
	if inst.DataDir != "" {
		if err := os.RemoveAll(inst.DataDir); err != nil {
			logrus.WithField("port", inst.Port).WithError(err).Error("failed to remove data directory")
		}
	}
	if inst.LogPath != "" {
		if err := os.Remove(inst.LogPath); err != nil && !os.IsNotExist(err) {
			logrus.WithField("port", inst.Port).WithError(err).Error("failed to remove instance log")
		}
	}
}

// logTail returns the last logTailBytes of the instance log, for
// inclusion in spawn-failure messages. Missing or unreadable logs
// yield a placeholder rather than an error.
func (s *Supervisor) logTail(logPath string) string {
	data, err := os.ReadFile(logPath)
	if err != nil {
		return "(no log captured)"
	}
	if len(data) > logTailBytes {
		data = data[len(data)-logTailBytes:]
	}
	if len(data) == 0 {
		return "(log empty)"
	}
	return string(data)
}

// newInstanceID mints the per-instance identifier used for the data
// directory name.
func newInstanceID() string {
	return uuid.NewString()
}
