// Package cli — genconfig.go implements "debugfleet generate-config".
//
// generate-config runs route activation for a port in isolation: it
// renders the route, validates the proxy configuration set with the
// candidate included, and hot-reloads on success. Useful for repairing
// a route without restarting the instance, or for pre-creating routes.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/debugfleet/internal/model"
)

// NewGenerateConfigCommand creates the "generate-config" cobra command.
func NewGenerateConfigCommand() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "generate-config <port>",
		Short: "Generate and activate the proxy route for a port",
		Long: `Render the proxy route config for the given port, validate the full
proxy configuration set with it included, and hot-reload the proxy.

A candidate that fails validation is withdrawn and the previously
active configuration stays in place. With --dry-run the rendered
config is printed to stdout without touching the proxy.

Examples:
  debugfleet generate-config 9222
  debugfleet generate-config --dry-run 9222`,

		Args: cobra.ExactArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := strconv.Atoi(args[0])
			if err != nil {
				return model.NewCLIError(model.ExitGeneralError,
					fmt.Sprintf("invalid port %q", args[0]))
			}
			return runGenerateConfig(cmd.Context(), p, dryRun)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false,
		"Print the rendered config without validating or reloading")

	return cmd
}

// runGenerateConfig is the main logic function for generate-config.
func runGenerateConfig(ctx context.Context, portNum int, dryRun bool) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}

	if dryRun {
		rendered, err := rt.gen.Render(portNum)
		if err != nil {
			return routeError(err, portNum)
		}
		fmt.Print(rendered)
		return nil
	}

	rec, err := rt.gen.Activate(ctx, portNum)
	if err != nil {
		return routeError(err, portNum)
	}

	printGenerateConfigResult(rec)
	return nil
}

// printGenerateConfigResult outputs the result in text or JSON.
func printGenerateConfigResult(rec *model.RouteRecord) {
	if IsJSONOutput() {
		result := map[string]interface{}{
			"port":   rec.Port,
			"path":   rec.ConfigPath,
			"active": rec.Active,
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
		return
	}

	fmt.Printf("Route for port %d activated: %s\n", rec.Port, rec.ConfigPath)
}
