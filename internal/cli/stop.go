// Package cli — stop.go implements the "debugfleet stop" command.
//
// stop terminates the instance on the given port (graceful first,
// forceful after the configured grace period) and deactivates its
// proxy route. Stopping an untracked port is a no-op success.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/debugfleet/internal/model"
)

// NewStopCommand creates the "stop" cobra command.
func NewStopCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop <port>",
		Short: "Stop the instance on a port",
		Long: `Stop the browser instance bound to the given port and remove its
proxy route.

The instance is asked to shut down gracefully; if it does not exit
within the configured grace period, it is killed. Either way its
registry entry, data directory, and route file are removed.

Examples:
  debugfleet stop 9222
  debugfleet stop --json 9222`,

		Args: cobra.ExactArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := strconv.Atoi(args[0])
			if err != nil {
				return model.NewCLIError(model.ExitGeneralError,
					fmt.Sprintf("invalid port %q", args[0]))
			}
			return runStop(cmd.Context(), p)
		},
	}

	return cmd
}

// runStop is the main logic function for the stop command.
func runStop(ctx context.Context, portNum int) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}

	escalated, err := rt.sup.Terminate(ctx, portNum)
	if err != nil {
		return err
	}

	// The route comes down after the process so the proxy never points
	// at a port that is still mid-shutdown.
	if err := rt.gen.Deactivate(ctx, portNum); err != nil {
		return routeError(err, portNum)
	}

	rt.alloc.Release(portNum)
	printStopResult(portNum, escalated)
	return nil
}

// printStopResult outputs the stop command result in text or JSON.
func printStopResult(portNum int, escalated bool) {
	if IsJSONOutput() {
		result := map[string]interface{}{
			"port":      portNum,
			"action":    "stopped",
			"escalated": escalated,
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
		return
	}

	if escalated {
		fmt.Printf("Stopped instance on port %d (killed after grace period)\n", portNum)
	} else {
		fmt.Printf("Stopped instance on port %d\n", portNum)
	}
}
