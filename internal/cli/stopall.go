// Package cli — stopall.go implements the "debugfleet stop-all" command.
//
// stop-all terminates every tracked instance, sweeps for orphaned
// browser processes matching this tool's launch signature, and
// deactivates every route. Sub-step failures are collected; the
// remaining steps still run.
package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/shinji-kodama/debugfleet/internal/model"
)

// NewStopAllCommand creates the "stop-all" cobra command.
func NewStopAllCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop-all",
		Short: "Stop every tracked instance",
		Long: `Stop all tracked browser instances, kill any orphaned instances that
escaped the registry, and deactivate all proxy routes.

Examples:
  debugfleet stop-all
  debugfleet stop-all --json`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runStopAll(cmd.Context())
		},
	}

	return cmd
}

// runStopAll is the main logic function for the stop-all command.
func runStopAll(ctx context.Context) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}

	instances, err := rt.reg.List()
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to read instance registry", err)
	}
	stopped := len(instances)

	var errs error
	if err := rt.sup.TerminateAll(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}

	// Deactivate every route file present, not just the ones that had a
	// registry entry; the file set is its own source of truth.
	routePorts, err := rt.gen.ActivePorts()
	if err != nil {
		errs = multierr.Append(errs, err)
	}
	for _, p := range routePorts {
		if err := rt.gen.Deactivate(ctx, p); err != nil {
			errs = multierr.Append(errs, routeError(err, p))
		}
	}

	if errs != nil {
		return model.WrapCLIError(model.ExitGeneralError,
			"stop-all completed with errors", errs)
	}

	printStopAllResult(stopped, len(routePorts))
	return nil
}

// printStopAllResult outputs the stop-all result in text or JSON.
func printStopAllResult(instances, routes int) {
	if IsJSONOutput() {
		result := map[string]interface{}{
			"action":    "stopped-all",
			"instances": instances,
			"routes":    routes,
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
		return
	}

	fmt.Printf("Stopped %d instance(s), deactivated %d route(s)\n", instances, routes)
}
