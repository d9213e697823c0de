// Package cli — list.go implements the "debugfleet list" command.
//
// list reports every tracked instance as {port, pid, state}. Entries
// whose process has exited out-of-band are stale; list self-heals by
// dropping them from the registry before reporting.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/debugfleet/internal/model"
)

// NewListCommand creates the "list" cobra command.
func NewListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tracked instances",
		Long: `List every tracked browser instance with its port, pid, and state.

Registry entries whose process no longer exists are removed during
listing, so the output always reflects reality.

Examples:
  debugfleet list
  debugfleet list --json`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd.Context())
		},
	}

	return cmd
}

// runList is the main logic function for the list command.
func runList(ctx context.Context) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}

	instances, err := rt.reg.Reconcile(func(inst *model.Instance) bool {
		return rt.sup.Alive(ctx, inst)
	})
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to reconcile instance registry", err)
	}

	if IsJSONOutput() {
		fmt.Println(formatListJSON(instances))
	} else {
		fmt.Print(formatListTable(instances))
	}
	return nil
}

// listEntry is the JSON shape of one list row.
type listEntry struct {
	Port  int    `json:"port"`
	PID   int    `json:"pid"`
	State string `json:"state"`
}

// formatListJSON renders the instance list as indented JSON. An empty
// fleet renders as [] rather than null so consumers can always iterate.
func formatListJSON(instances []*model.Instance) string {
	entries := make([]listEntry, 0, len(instances))
	for _, inst := range instances {
		entries = append(entries, listEntry{
			Port:  inst.Port,
			PID:   inst.PID,
			State: inst.State.String(),
		})
	}
	data, _ := json.MarshalIndent(entries, "", "  ")
	return string(data)
}

// formatListTable renders the instance list as an aligned text table.
func formatListTable(instances []*model.Instance) string {
	if len(instances) == 0 {
		return "No instances running\n"
	}

	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PORT\tPID\tSTATE")
	for _, inst := range instances {
		fmt.Fprintf(w, "%d\t%d\t%s\n", inst.Port, inst.PID, inst.State)
	}
	w.Flush()
	return sb.String()
}
