package browser

import (
	"context"
	"time"
)

// Signal abstracts the two signals the supervisor sends. Keeping this
// as a named type (rather than passing syscall signals around) lets
// the docker launcher translate them to container stop/kill and keeps
// test doubles platform-independent.
type Signal int

const (
	// SignalGraceful asks the instance to shut down cleanly
	// (SIGTERM for processes, a stop request for containers).
	SignalGraceful Signal = iota

	// SignalKill terminates the instance immediately.
	SignalKill
)

// Handle is the capability the supervisor holds over one launched
// instance. Liveness is a direct query, not `kill -0` polling through
// a shell, so all launchers behave uniformly.
type Handle interface {
	// PID returns the OS process identifier (or the container's init
	// pid for container launches; informational there).
	PID() int

	// IsAlive reports whether the instance process still exists.
	IsAlive() bool

	// Signal delivers a graceful-stop or kill signal. Signaling an
	// already-dead instance is a no-op, not an error.
	Signal(sig Signal) error

	// Wait blocks until the instance exits or the timeout elapses.
	// It returns true if the instance exited within the timeout.
	Wait(timeout time.Duration) bool
}

// LaunchSpec carries everything a launcher needs to start one instance.
type LaunchSpec struct {
	// Port is the TCP port the debugging endpoint must bind to.
	Port int

	// DataDir is the per-instance profile directory. Created by the
	// supervisor before launch.
	DataDir string

	// LogPath receives the instance's combined stdout and stderr.
	LogPath string

	// ExtraArgs are appended after the fixed argument set.
	ExtraArgs []string
}

// Launcher starts browser instances. Implementations: ExecLauncher
// (local binary), DockerLauncher (browser image in a container), and
// TestLauncher (in-memory fake for tests).
type Launcher interface {
	// Launch starts an instance per spec and returns a Handle for it.
	// The instance is not necessarily ready when Launch returns; the
	// supervisor polls readiness separately.
	Launch(ctx context.Context, spec LaunchSpec) (Handle, error)

	// Attach reconstructs a Handle for an instance recorded in the
	// registry by an earlier invocation. Every CLI command runs in a
	// fresh process, so stop and health reach running instances only
	// through the registry record (pid or container id).
	Attach(ctx context.Context, rec AttachRecord) (Handle, error)

	// Sweep terminates instances matching this launcher's process
	// signature that escaped the registry (stale or orphaned entries).
	// known lists the ports that are legitimately tracked; anything
	// else matching the signature is fair game. Best-effort.
	Sweep(ctx context.Context, known map[int]bool) error
}

// AttachRecord is the subset of a registry record a launcher needs to
// reattach to a running instance.
type AttachRecord struct {
	Port        int
	PID         int
	DataDir     string
	ContainerID string
}

// containerBacked is implemented by handles that run the instance in a
// container. The supervisor records the id in the registry so later
// invocations can reattach.
type containerBacked interface {
	ContainerID() string
}

// HandleContainerID extracts the container id from a handle, or ""
// for plain process handles.
func HandleContainerID(h Handle) string {
	if cb, ok := h.(containerBacked); ok {
		return cb.ContainerID()
	}
	return ""
}
