package port

import (
	"fmt"
	"net"
	"time"
)

// connectProbeTimeout bounds the reachability dial used by health
// checks. Instances listen on loopback, so anything beyond a few
// hundred milliseconds means the port is effectively down.
const connectProbeTimeout = 500 * time.Millisecond

// Scanner checks TCP port status on the local host.
//
// Availability is tested with net.Listen: asking the OS directly is
// more reliable than parsing /proc/net/* or shelling out to `lsof` or
// `ss`, which may require elevated permissions. Reachability is tested
// with a short connect, which is the view a debugging client would have.
//
// The struct is stateless but defined as a struct (rather than bare
// functions) so it can be injected as a dependency, which keeps the
// Allocator and the health aggregator testable.
type Scanner struct{}

// NewScanner creates a new Scanner instance.
func NewScanner() *Scanner {
	return &Scanner{}
}

// IsPortAvailable checks whether a TCP port is free on the host.
//
// It attempts net.Listen("tcp", ":port") and treats success as
// available. We bind to all interfaces because instances and the proxy
// both publish on 0.0.0.0, so checking a narrower address space would
// produce false positives.
//
// Note: this is a point-in-time answer. The port is not reserved, so a
// window exists between this check and a later bind. The Allocator's
// claim table closes that window within this process.
func (s *Scanner) IsPortAvailable(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	// Close immediately — we only needed to test availability.
	defer func() { _ = listener.Close() }()
	return true
}

// IsPortListening checks whether something accepts TCP connections on
// the given loopback port. This is the inverse perspective of
// IsPortAvailable and is what the health aggregator's port-reachable
// tier uses.
func (s *Scanner) IsPortListening(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), connectProbeTimeout)
	if err != nil {
		return false
	}
	defer func() { _ = conn.Close() }()
	return true
}

// FindAvailablePort scans [startPort, endPort] (inclusive) in ascending
// order and returns the first available port.
//
// The deterministic ordering means the same free port is selected
// consistently, which helps reproducibility in testing and debugging.
// Returns an error when the whole range is occupied.
func (s *Scanner) FindAvailablePort(startPort, endPort int) (int, error) {
	for port := startPort; port <= endPort; port++ {
		if s.IsPortAvailable(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no available port found in range %d-%d", startPort, endPort)
}

// UsedPorts returns the ports within [startPort, endPort] (inclusive)
// that currently fail the availability check. Used by diagnostics
// output to show what is occupying the instance range.
func (s *Scanner) UsedPorts(startPort, endPort int) []int {
	var used []int
	for port := startPort; port <= endPort; port++ {
		if !s.IsPortAvailable(port) {
			used = append(used, port)
		}
	}
	return used
}
