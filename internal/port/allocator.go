package port

import (
	"fmt"
	"sync"
)

// ErrExhausted is returned by Allocate when no free, unclaimed port
// exists in the requested range. The caller reports it; allocation is
// not retried automatically.
var ErrExhausted = fmt.Errorf("port range exhausted")

// Allocator finds free ports and records in-flight claims.
//
// The OS-level availability check alone has a time-of-check/time-of-use
// gap: between "port is free" and the supervisor's bind, a concurrent
// start could grab the same port. The claim table closes that gap for
// callers inside this process: Allocate records the port as claimed
// before returning, and the supervisor releases the claim once the
// instance owns the bind (or the spawn failed).
//
// Across independent manager processes the OS bind failure remains the
// backstop — exactly one instance ends up occupying the port either way.
type Allocator struct {
	// scanner probes the OS for actual port availability.
	// Injected via constructor to allow test doubles.
	scanner *Scanner

	// mu guards claimed. Claims are taken under a single writer so two
	// racing Allocate calls cannot return the same port.
	mu      sync.Mutex
	claimed map[int]bool
}

// NewAllocator creates a new Allocator using the given Scanner.
// The scanner must not be nil.
func NewAllocator(scanner *Scanner) *Allocator {
	return &Allocator{
		scanner: scanner,
		claimed: make(map[int]bool),
	}
}

// Allocate scans [rangeStart, rangeEnd] in ascending order and returns
// the first port that is free at the OS level and not claimed by a
// concurrent allocation. The returned port is claimed; the caller must
// Release it if the subsequent spawn fails.
//
// Returns ErrExhausted (wrapped with the range for the user-visible
// message) when no such port exists.
func (a *Allocator) Allocate(rangeStart, rangeEnd int) (int, error) {
	if rangeStart < 1 || rangeEnd < rangeStart {
		return 0, fmt.Errorf("invalid port range %d-%d", rangeStart, rangeEnd)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for port := rangeStart; port <= rangeEnd; port++ {
		if a.claimed[port] {
			continue
		}
		if !a.scanner.IsPortAvailable(port) {
			continue
		}
		a.claimed[port] = true
		return port, nil
	}

	return 0, fmt.Errorf("%w: %d-%d", ErrExhausted, rangeStart, rangeEnd)
}

// Claim records an explicit-port claim, used when the caller requests a
// specific port (start <port>). Returns false if the port is already
// claimed by a concurrent start or bound at the OS level, so two racing
// starts for the same explicit port race-detect before spawning instead
// of both reaching the bind.
func (a *Allocator) Claim(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.claimed[port] {
		return false
	}
	if !a.scanner.IsPortAvailable(port) {
		return false
	}
	a.claimed[port] = true
	return true
}

// Release drops the claim on a port. It is idempotent: releasing an
// unclaimed port is a no-op. Called after the instance owns its bind,
// or on any spawn failure path.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.claimed, port)
}

// Claimed reports whether the port currently has an in-flight claim.
// Exposed for tests and diagnostics.
func (a *Allocator) Claimed(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.claimed[port]
}
