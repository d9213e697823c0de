// Package cli — health.go implements the "debugfleet health" command.
//
// health probes one port, or discovers and probes the whole fleet, and
// reports per-check results plus an aggregate state. The exit code
// carries the aggregate: 0 healthy, 1 degraded, 2 unhealthy.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/debugfleet/internal/model"
)

// NewHealthCommand creates the "health" cobra command.
func NewHealthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health [port]",
		Short: "Probe instance and fleet health",
		Long: `Probe the health of one instance, or of every discovered instance
when no port is given.

Each port is checked at four tiers: process liveness, TCP
reachability, the debugging protocol endpoints, and the proxy route.
The process exit code reports the aggregate state: 0 healthy,
1 degraded, 2 unhealthy.

Examples:
  debugfleet health
  debugfleet health 9222
  debugfleet health --json`,

		Args: cobra.MaximumNArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			target := 0
			if len(args) == 1 {
				p, err := strconv.Atoi(args[0])
				if err != nil {
					return model.NewCLIError(model.ExitGeneralError,
						fmt.Sprintf("invalid port %q", args[0]))
				}
				target = p
			}
			return runHealth(cmd.Context(), target)
		},
	}

	return cmd
}

// runHealth is the main logic function for the health command.
func runHealth(ctx context.Context, target int) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}

	var ports []int
	if target != 0 {
		ports = []int{target}
	} else {
		ports, err = rt.agg.Discover(ctx)
		if err != nil {
			return err
		}
	}

	snapshot := rt.agg.ProbeAll(ctx, ports)

	if IsJSONOutput() {
		data, _ := json.MarshalIndent(snapshot, "", "  ")
		fmt.Println(string(data))
	} else {
		fmt.Print(formatSnapshot(snapshot))
	}

	// Report the aggregate through the exit code. Degraded shares code
	// 1 with general errors; the printed snapshot disambiguates.
	if snapshot.Overall != model.OverallHealthy {
		return model.NewCLIError(snapshot.Overall.ExitCode(),
			fmt.Sprintf("fleet is %s", snapshot.Overall))
	}
	return nil
}

// formatSnapshot renders a health snapshot as human-readable text.
func formatSnapshot(snapshot *model.HealthSnapshot) string {
	var sb strings.Builder

	for _, ph := range snapshot.Ports {
		fmt.Fprintf(&sb, "Port %d:\n", ph.Port)
		for _, c := range ph.Checks {
			if c.Detail != "" {
				fmt.Fprintf(&sb, "  [%s] %-18s %s\n", strings.ToUpper(string(c.Status)), c.Name, c.Detail)
			} else {
				fmt.Fprintf(&sb, "  [%s] %s\n", strings.ToUpper(string(c.Status)), c.Name)
			}
		}
	}
	for _, warning := range snapshot.Warnings {
		fmt.Fprintf(&sb, "Warning: %s\n", warning)
	}
	fmt.Fprintf(&sb, "Overall: %s\n", snapshot.Overall)

	return sb.String()
}
