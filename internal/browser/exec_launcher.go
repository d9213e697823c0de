package browser

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// attachPollInterval is how often an attached handle re-checks process
// existence while waiting for exit. Attached handles cannot use
// wait(2) because the process is not our child.
const attachPollInterval = 200 * time.Millisecond

// fixedArgs returns the argument set every exec-launched instance gets.
// The flags pin down deterministic resource behavior: headless, no
// sandbox, and background throttling disabled, so the readiness probe
// measures the browser rather than the scheduler.
func fixedArgs(spec LaunchSpec) []string {
	args := []string{
		"--headless=new",
		fmt.Sprintf("--remote-debugging-port=%d", spec.Port),
		"--remote-debugging-address=127.0.0.1",
		"--no-sandbox",
		"--disable-background-timer-throttling",
		"--disable-backgrounding-occluded-windows",
		"--disable-renderer-backgrounding",
		"--no-first-run",
		"--no-default-browser-check",
		fmt.Sprintf("--user-data-dir=%s", spec.DataDir),
	}
	return append(args, spec.ExtraArgs...)
}

// ExecLauncher launches the browser binary directly via os/exec.
// Instances run in their own session so they outlive the CLI
// invocation that started them.
type ExecLauncher struct {
	// Binary is the browser executable, resolved via PATH at launch.
	Binary string

	// DataRoot is the directory holding all per-instance data dirs.
	// It doubles as the process signature for the sweep: any browser
	// whose --user-data-dir lives under it belongs to this manager.
	DataRoot string
}

// NewExecLauncher creates an ExecLauncher for the given binary.
func NewExecLauncher(binary, dataRoot string) *ExecLauncher {
	return &ExecLauncher{Binary: binary, DataRoot: dataRoot}
}

// Launch starts the browser bound to spec.Port with stdout and stderr
// redirected to the instance log. The child is detached into its own
// session; the returned handle reaps it in the background so exit is
// observable without leaving a zombie during readiness polling.
func (l *ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (Handle, error) {
	binary, err := exec.LookPath(l.Binary)
	if err != nil {
		return nil, errors.Wrapf(err, "browser binary %q not found", l.Binary)
	}

	logFile, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open instance log %s", spec.LogPath)
	}

	cmd := exec.Command(binary, fixedArgs(spec)...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// Setsid detaches the browser into its own session so it keeps
	// running after this CLI invocation exits.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return nil, errors.Wrapf(err, "failed to start %s", binary)
	}

	h := &execHandle{pid: cmd.Process.Pid, done: make(chan struct{})}
	go func() {
		// Reap the child. The log file stays open until exit so late
		// crash output is captured.
		_ = cmd.Wait()
		_ = logFile.Close()
		close(h.done)
	}()

	logrus.WithFields(logrus.Fields{
		"port": spec.Port,
		"pid":  h.pid,
	}).Debug("launched browser process")

	return h, nil
}

// Attach reconstructs a handle for a process spawned by an earlier
// invocation. The handle has no done channel; liveness and exit are
// observed by signaling pid 0 style existence checks.
func (l *ExecLauncher) Attach(ctx context.Context, rec AttachRecord) (Handle, error) {
	if rec.PID <= 0 {
		return nil, fmt.Errorf("invalid pid %d for port %d", rec.PID, rec.Port)
	}
	return &execHandle{pid: rec.PID}, nil
}

// Sweep scans /proc for browser processes whose --user-data-dir lives
// under DataRoot but whose debug port is not in known, and kills them.
// These are escapees: started by this manager but no longer tracked by
// the registry. Best-effort; unreadable /proc entries are skipped.
func (l *ExecLauncher) Sweep(ctx context.Context, known map[int]bool) error {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return errors.Wrap(err, "failed to read /proc for sweep")
	}

	signature := fmt.Sprintf("--user-data-dir=%s", filepath.Join(l.DataRoot, "instances"))

	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		cmdline, err := os.ReadFile(filepath.Join("/proc", entry.Name(), "cmdline"))
		if err != nil {
			continue
		}
		// cmdline is NUL-separated.
		args := strings.Split(string(cmdline), "\x00")

		port := 0
		matched := false
		for _, arg := range args {
			if strings.HasPrefix(arg, signature) {
				matched = true
			}
			if v, ok := strings.CutPrefix(arg, "--remote-debugging-port="); ok {
				port, _ = strconv.Atoi(v)
			}
		}
		if !matched || known[port] {
			continue
		}

		logrus.WithFields(logrus.Fields{
			"pid":  pid,
			"port": port,
		}).Warn("sweeping orphaned browser process")
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
	return nil
}

// execHandle is the Handle for a directly launched or attached browser
// process.
type execHandle struct {
	pid int

	// done is closed by the reaper goroutine when the child exits.
	// Nil for attached handles, which poll for existence instead.
	done chan struct{}

	// signalMu serializes Signal with exit observation.
	signalMu sync.Mutex
}

// PID returns the process id.
func (h *execHandle) PID() int {
	return h.pid
}

// IsAlive reports process existence. For launched handles the reaper
// goroutine is authoritative (a zombie child would still answer signal
// 0). For attached handles, signal 0 probes existence: ESRCH means
// gone, EPERM means alive but not ours.
func (h *execHandle) IsAlive() bool {
	if h.done != nil {
		select {
		case <-h.done:
			return false
		default:
			return true
		}
	}
	err := syscall.Kill(h.pid, 0)
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}

// Signal delivers SIGTERM or SIGKILL. Signaling a process that already
// exited is a no-op success.
func (h *execHandle) Signal(sig Signal) error {
	h.signalMu.Lock()
	defer h.signalMu.Unlock()

	if !h.IsAlive() {
		return nil
	}

	var s syscall.Signal
	switch sig {
	case SignalGraceful:
		s = syscall.SIGTERM
	default:
		s = syscall.SIGKILL
	}
	if err := syscall.Kill(h.pid, s); err != nil && err != syscall.ESRCH {
		return errors.Wrapf(err, "failed to signal pid %d", h.pid)
	}
	return nil
}

// Wait blocks until the process exits or the timeout elapses, and
// reports whether it exited in time.
func (h *execHandle) Wait(timeout time.Duration) bool {
	if h.done != nil {
		select {
		case <-h.done:
			return true
		case <-time.After(timeout):
			return false
		}
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !h.IsAlive() {
			return true
		}
		time.Sleep(attachPollInterval)
	}
	return !h.IsAlive()
}
