// Package port implements port scanning and allocation for the
// debugfleet CLI.
//
// The Scanner asks the OS directly about port status: net.Listen for
// "is it free" and a short loopback dial for "is something serving".
// The Allocator layers an in-memory claim table on top of the scan so
// that the window between checking a port and binding it cannot hand
// the same port to two concurrent starts within this process.
//
// Allocation is a plain ascending first-free scan over the configured
// range, which keeps assigned ports dense and predictable at the low
// end of the range — the same sub-range health discovery scans
// exhaustively.
package port
