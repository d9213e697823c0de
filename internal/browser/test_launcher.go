package browser

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// TestLauncher is an in-memory Launcher for tests. It records launch
// specs and hands out handles whose lifecycle the test controls:
// instances can be made to exit immediately (simulating a crash before
// readiness) or stay alive until signaled.
type TestLauncher struct {
	mu sync.Mutex

	// ExitImmediately makes every launched handle dead on arrival,
	// simulating a browser that crashes right after spawn.
	ExitImmediately bool

	// FailLaunch makes Launch itself return an error.
	FailLaunch bool

	// IgnoreGraceful makes handles survive SignalGraceful, forcing the
	// supervisor to escalate to a kill.
	IgnoreGraceful bool

	// Launched collects the specs of every successful launch.
	Launched []LaunchSpec

	// handles tracks live handles by port for test assertions and for
	// Attach.
	handles map[int]*TestHandle

	// swept records the known-port sets passed to Sweep.
	swept []map[int]bool
}

// NewTestLauncher creates an empty TestLauncher.
func NewTestLauncher() *TestLauncher {
	return &TestLauncher{handles: make(map[int]*TestHandle)}
}

// Launch records the spec and returns a test handle.
func (l *TestLauncher) Launch(ctx context.Context, spec LaunchSpec) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.FailLaunch {
		return nil, fmt.Errorf("launch refused")
	}

	l.Launched = append(l.Launched, spec)
	h := &TestHandle{
		pid:            10000 + spec.Port,
		alive:          !l.ExitImmediately,
		ignoreGraceful: l.IgnoreGraceful,
	}
	l.handles[spec.Port] = h
	return h, nil
}

// Attach returns the live handle for the recorded port, or a dead
// handle when the port was never launched in this process — mirroring
// an exec attach to a pid that no longer exists.
func (l *TestLauncher) Attach(ctx context.Context, rec AttachRecord) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if h, ok := l.handles[rec.Port]; ok {
		return h, nil
	}
	return &TestHandle{pid: rec.PID, alive: false}, nil
}

// Sweep records the invocation; nothing to kill in-memory.
func (l *TestLauncher) Sweep(ctx context.Context, known map[int]bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.swept = append(l.swept, known)
	return nil
}

// SweepCalls returns how many times Sweep ran.
func (l *TestLauncher) SweepCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.swept)
}

// Handle returns the test handle for a port, or nil.
func (l *TestLauncher) Handle(port int) *TestHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handles[port]
}

// TestHandle is the Handle implementation handed out by TestLauncher.
type TestHandle struct {
	mu             sync.Mutex
	pid            int
	alive          bool
	ignoreGraceful bool

	// GracefulSignals and KillSignals count the signals received.
	GracefulSignals int
	KillSignals     int
}

// PID returns the synthetic pid.
func (h *TestHandle) PID() int {
	return h.pid
}

// IsAlive reports the controlled liveness flag.
func (h *TestHandle) IsAlive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alive
}

// Signal counts the signal and kills the handle unless it is
// configured to ignore graceful stops.
func (h *TestHandle) Signal(sig Signal) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch sig {
	case SignalGraceful:
		h.GracefulSignals++
		if !h.ignoreGraceful {
			h.alive = false
		}
	default:
		h.KillSignals++
		h.alive = false
	}
	return nil
}

// Wait returns immediately with the current liveness; test handles
// never linger.
func (h *TestHandle) Wait(timeout time.Duration) bool {
	return !h.IsAlive()
}

// MarkDead flips the handle to dead, simulating an out-of-band exit.
func (h *TestHandle) MarkDead() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alive = false
}
