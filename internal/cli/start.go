// Package cli — start.go implements the "debugfleet start" command.
//
// start allocates a port (or claims an explicitly requested one),
// spawns a browser instance bound to it, waits for the debugging
// endpoint to become ready, and activates the proxy route for it.
// On success the bound port is printed, so scripts can capture it.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/debugfleet/internal/model"
	"github.com/shinji-kodama/debugfleet/internal/port"
)

// NewStartCommand creates the "start" cobra command.
func NewStartCommand() *cobra.Command {
	var browserArgs []string

	cmd := &cobra.Command{
		Use:   "start [port]",
		Short: "Start a browser debug instance",
		Long: `Start a headless browser instance with its remote debugging endpoint
bound to the given port, and publish it through the proxy.

Without a port argument, the first free port in the configured range is
allocated. The command blocks until the instance answers its readiness
probe, then prints the bound port.

Examples:
  debugfleet start
  debugfleet start 9225
  debugfleet start --browser-arg=--lang=de-DE`,

		Args: cobra.MaximumNArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			requested := 0
			if len(args) == 1 {
				p, err := strconv.Atoi(args[0])
				if err != nil {
					return model.NewCLIError(model.ExitGeneralError,
						fmt.Sprintf("invalid port %q", args[0]))
				}
				requested = p
			}
			return runStart(cmd.Context(), requested, browserArgs)
		},
	}

	cmd.Flags().StringArrayVar(&browserArgs, "browser-arg", nil,
		"Extra browser argument (repeatable)")

	return cmd
}

// runStart is the main logic function for the start command.
func runStart(ctx context.Context, requested int, browserArgs []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}

	boundPort, err := pickPort(rt, requested)
	if err != nil {
		return err
	}

	inst, err := rt.sup.Spawn(ctx, boundPort, browserArgs)
	if err != nil {
		// The claim only guards this invocation's check-then-bind
		// window; release it so error paths stay symmetric.
		rt.alloc.Release(boundPort)
		return err
	}

	rec, err := rt.gen.Activate(ctx, boundPort)
	if err != nil {
		// Do not leave an unreachable instance running: without its
		// route the spawn is undone before reporting the failure.
		if _, termErr := rt.sup.Terminate(ctx, boundPort); termErr != nil {
			printError(fmt.Sprintf("cleanup of port %d after route failure also failed", boundPort), termErr)
		}
		rt.alloc.Release(boundPort)
		return routeError(err, boundPort)
	}

	printStartResult(inst, rec)
	return nil
}

// pickPort resolves the port to bind: the explicitly requested one or
// the first free port in the configured range. Either way the port is
// claimed in the allocator's reservation table, closing the
// check-then-bind window against concurrent starts in this process.
func pickPort(rt *runtime, requested int) (int, error) {
	if requested != 0 {
		if requested < rt.cfg.PortRangeStart || requested > rt.cfg.PortRangeEnd {
			return 0, model.NewCLIError(model.ExitGeneralError,
				fmt.Sprintf("port %d outside the configured range %d-%d",
					requested, rt.cfg.PortRangeStart, rt.cfg.PortRangeEnd))
		}
		if !rt.alloc.Claim(requested) {
			return 0, model.NewCLIError(model.ExitSpawnFailed,
				fmt.Sprintf("port %d is already in use", requested))
		}
		return requested, nil
	}

	p, err := rt.alloc.Allocate(rt.cfg.PortRangeStart, rt.cfg.PortRangeEnd)
	if err != nil {
		if errors.Is(err, port.ErrExhausted) {
			return 0, model.WrapCLIError(model.ExitPortExhausted,
				fmt.Sprintf("no free port in range %d-%d",
					rt.cfg.PortRangeStart, rt.cfg.PortRangeEnd), err)
		}
		return 0, model.WrapCLIError(model.ExitGeneralError, "port allocation failed", err)
	}
	return p, nil
}

// printStartResult outputs the start command result in text or JSON.
func printStartResult(inst *model.Instance, rec *model.RouteRecord) {
	if IsJSONOutput() {
		result := map[string]interface{}{
			"port":  inst.Port,
			"pid":   inst.PID,
			"state": inst.State.String(),
			"route": rec.ConfigPath,
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
		return
	}

	fmt.Printf("Started instance on port %d (pid %d)\n", inst.Port, inst.PID)
	fmt.Printf("Route: %s\n", rec.ConfigPath)
	// The bare port last, so `debugfleet start | tail -1` captures it.
	fmt.Println(inst.Port)
}
