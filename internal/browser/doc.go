// Package browser manages the lifecycle of headless browser debugging
// instances.
//
// The Supervisor is the only writer of the instance registry. It
// launches instances through a Launcher (a local binary via
// ExecLauncher or a container via DockerLauncher), polls the debugging
// endpoint for readiness after spawn, and tears instances down with a
// graceful-then-kill escalation. Handles over running instances are
// reconstructed from registry records on each invocation, since every
// command runs in a fresh process.
package browser
