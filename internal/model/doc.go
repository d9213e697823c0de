// Package model defines the domain types and value objects for the
// debugfleet CLI.
//
// This package contains pure data structures with no external
// dependencies. The entities (Instance, RouteRecord, HealthSnapshot)
// mirror the three resources the manager juggles: one supervised
// browser process per port, one proxy route per instance, and one
// ephemeral health snapshot per request.
//
// The package also defines exit codes (ExitCode) and a custom error
// type (CLIError) that carries exit codes for proper OS process exit
// handling.
package model
