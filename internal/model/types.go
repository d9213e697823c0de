// Package model defines the domain types for the debugfleet CLI.
//
// All entities in this package are plain data structures passed between
// the port allocator, process supervisor, route generator, and health
// aggregator. The only durable representation is the instance registry
// file (see internal/registry); everything else is reconstructed from
// the OS and the proxy engine at runtime.
package model

import (
	"fmt"
	"strings"
	"time"
)

// InstanceState represents the lifecycle state of a browser debugging
// instance. The state transitions are:
//
//	Starting → Ready    (first successful readiness probe)
//	Starting → Dead     (process exited or readiness deadline expired)
//	Ready    → Dead     (process disappeared, detected by probe or list)
type InstanceState string

const (
	// StateStarting indicates the process has been spawned but has not
	// yet answered its readiness probe.
	StateStarting InstanceState = "starting"

	// StateReady indicates the instance answered at least one readiness
	// probe and is serving its debugging endpoints.
	StateReady InstanceState = "ready"

	// StateDead indicates the underlying process is gone. Dead entries
	// are self-healed out of the registry when detected.
	StateDead InstanceState = "dead"
)

// String returns the string representation of InstanceState.
// This satisfies fmt.Stringer for CLI output and logging.
func (s InstanceState) String() string {
	return string(s)
}

// IsValid checks whether the InstanceState is one of the predefined states.
func (s InstanceState) IsValid() bool {
	switch s {
	case StateStarting, StateReady, StateDead:
		return true
	default:
		return false
	}
}

// ParseInstanceState converts a string to an InstanceState.
// Returns an error if the string does not match any valid state.
func ParseInstanceState(s string) (InstanceState, error) {
	state := InstanceState(strings.ToLower(s))
	if !state.IsValid() {
		return "", fmt.Errorf("invalid instance state: %q (valid: starting, ready, dead)", s)
	}
	return state, nil
}

// Instance represents one supervised browser process bound to a single
// TCP port. The port is the primary identity: it is unique among live
// instances and keys both the registry and the generated proxy route.
type Instance struct {
	// Port is the TCP port the instance's debugging endpoint is bound to.
	Port int `json:"port"`

	// PID is the OS process identifier, owned exclusively by this
	// instance once spawned. For container-launched instances this is
	// the PID of the container's init process as reported by the
	// container runtime, recorded for display only.
	PID int `json:"pid"`

	// ID is a unique identifier assigned at spawn time. It names the
	// per-instance data directory so that a crashed-and-restarted
	// instance on the same port never inherits stale profile data.
	ID string `json:"id"`

	// DataDir is the per-instance profile directory, created at spawn
	// and removed at teardown.
	DataDir string `json:"dataDir"`

	// LogPath is the per-instance log file capturing the browser's
	// combined stdout and stderr.
	LogPath string `json:"logPath"`

	// State is the current lifecycle state.
	State InstanceState `json:"state"`

	// ContainerID is set only for instances launched in a container.
	// It identifies the container to stop and remove at teardown.
	ContainerID string `json:"containerId,omitempty"`

	// CreatedAt is the timestamp when the instance was spawned.
	CreatedAt time.Time `json:"createdAt"`
}

// Addr returns the loopback address of the instance's debugging endpoint.
func (i *Instance) Addr() string {
	return fmt.Sprintf("127.0.0.1:%d", i.Port)
}

// RouteRecord represents one proxy configuration unit: the generated
// reverse-proxy route forwarding external traffic to one instance.
//
// Invariant: Active is true only if the proxy's current configuration
// set was last validated successfully with this record included. An
// invalid candidate must never replace a previously active, valid
// configuration (fail-closed).
type RouteRecord struct {
	// Port is the instance port this route forwards to.
	Port int `json:"port"`

	// ConfigPath is the deterministically named route config file,
	// derived from the port so it can be found and removed without a
	// separate index.
	ConfigPath string `json:"configPath"`

	// Active reports whether the proxy is currently serving this route.
	Active bool `json:"active"`
}

// CheckStatus is the outcome of a single health check tier.
type CheckStatus string

const (
	// CheckPass indicates the check succeeded.
	CheckPass CheckStatus = "pass"

	// CheckWarn indicates a non-fatal anomaly (e.g., an optional
	// auxiliary endpoint is absent, or no instances were discovered).
	CheckWarn CheckStatus = "warn"

	// CheckFail indicates the check failed. A fail on a prerequisite
	// tier short-circuits the remaining tiers for that port.
	CheckFail CheckStatus = "fail"
)

// Health check tier names, in probe order. Each tier is a prerequisite
// for the next one on the same port.
const (
	CheckProcessAlive  = "process-alive"
	CheckPortReachable = "port-reachable"
	CheckProtocol      = "protocol-endpoints"
	CheckProxyRoute    = "proxy-route"
)

// CheckResult is the outcome of one health check tier for one port.
type CheckResult struct {
	// Name identifies the tier (process-alive, port-reachable,
	// protocol-endpoints, proxy-route).
	Name string `json:"name"`

	// Status is pass, warn, or fail.
	Status CheckStatus `json:"status"`

	// Detail is a human-readable explanation, populated for warn and
	// fail results so the user always sees which check failed and why.
	Detail string `json:"detail,omitempty"`
}

// PortHealth groups the check results for a single port.
type PortHealth struct {
	// Port is the instance port that was probed.
	Port int `json:"port"`

	// Checks holds the executed tiers in probe order. Tiers skipped
	// due to a short-circuit are absent.
	Checks []CheckResult `json:"checks"`
}

// OverallState is the aggregate health of the fleet: the worst tier
// reached by any check across any port.
type OverallState string

const (
	// OverallHealthy means every executed check passed.
	OverallHealthy OverallState = "healthy"

	// OverallDegraded means no check failed but at least one warned.
	OverallDegraded OverallState = "degraded"

	// OverallUnhealthy means at least one check failed.
	OverallUnhealthy OverallState = "unhealthy"
)

// String returns the string representation of OverallState.
func (o OverallState) String() string {
	return string(o)
}

// ExitCode maps an aggregate health state to the health command's
// process exit code: healthy=0, degraded=1, unhealthy=2.
func (o OverallState) ExitCode() ExitCode {
	switch o {
	case OverallHealthy:
		return ExitSuccess
	case OverallDegraded:
		return ExitDegraded
	default:
		return ExitUnhealthy
	}
}

// HealthSnapshot is the ephemeral result of one health request. It is
// recomputed on every invocation and never persisted.
type HealthSnapshot struct {
	// Ports holds per-port check results, sorted by port.
	Ports []PortHealth `json:"ports"`

	// Warnings holds fleet-level warn conditions not attributable to a
	// single port (e.g., zero instances discovered).
	Warnings []string `json:"warnings,omitempty"`

	// Overall is the worst-of-all-checks aggregate.
	Overall OverallState `json:"overall"`
}

// Aggregate recomputes Overall from the per-port check results and
// fleet-level warnings. The rule is uniform regardless of how many
// instances were discovered: any fail → unhealthy, else any warn →
// degraded, else healthy.
func (s *HealthSnapshot) Aggregate() OverallState {
	worst := OverallHealthy
	for _, ph := range s.Ports {
		for _, c := range ph.Checks {
			switch c.Status {
			case CheckFail:
				s.Overall = OverallUnhealthy
				return s.Overall
			case CheckWarn:
				worst = OverallDegraded
			}
		}
	}
	if len(s.Warnings) > 0 {
		worst = OverallDegraded
	}
	s.Overall = worst
	return s.Overall
}

// ExitCode defines standard CLI exit codes. These codes allow scripts
// and supervisors to programmatically determine the outcome of a
// command. The health command repurposes codes 1 and 2 to report the
// aggregate state (degraded/unhealthy); all other commands use them
// only for errors.
type ExitCode int

const (
	// ExitSuccess indicates the command completed successfully. For the
	// health command it additionally means the fleet is healthy.
	ExitSuccess ExitCode = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError ExitCode = 1

	// ExitDegraded is the health command's exit code for a degraded
	// fleet. It intentionally shares the numeric slot with
	// ExitGeneralError; the health command documents the overlap.
	ExitDegraded ExitCode = 1

	// ExitUnhealthy is the health command's exit code for an unhealthy fleet.
	ExitUnhealthy ExitCode = 2

	// ExitConfigError indicates the configuration file could not be
	// loaded or failed validation.
	ExitConfigError ExitCode = 3

	// ExitPortExhausted indicates no free port was found in the
	// configured range. Reported, not retried.
	ExitPortExhausted ExitCode = 4

	// ExitSpawnFailed indicates the browser process exited before
	// answering its readiness probe. Reported with a captured log tail.
	ExitSpawnFailed ExitCode = 5

	// ExitReadinessTimeout indicates the process stayed alive but never
	// answered the readiness probe within the deadline. The process is
	// killed and cleaned up before this is reported.
	ExitReadinessTimeout ExitCode = 6

	// ExitValidationFailed indicates the candidate route configuration
	// was rejected by the proxy engine. The previously active
	// configuration remains untouched.
	ExitValidationFailed ExitCode = 7
)

// CLIError is a custom error type that carries an exit code, allowing
// the CLI layer to translate domain errors into process exit codes.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface. It returns the human-readable
// message, optionally including the underlying error.
func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a new CLIError that wraps an existing error.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}
