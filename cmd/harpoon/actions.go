package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/harpoon-ops/harpoon/internal/projector"
	"github.com/harpoon-ops/harpoon/internal/view"
	"github.com/spf13/cobra"
)

func newActionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "actions [view]",
		Short:         "Show the actions available on a view for the current workstation state",
		Long:          "Views: home, primary, sub_targets, help. Actions reflect the live state snapshot;\nanything whose preconditions are unmet is simply absent.",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          showActions,
	}
	cmd.Flags().String("env", view.DefaultEnvironment, "Environment argument for install actions")
	return cmd
}

func showActions(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)
	environment, _ := cmd.Flags().GetString("env")

	target := view.ViewHome
	if len(args) > 0 {
		target = view.View(args[0])
		if !target.Valid() {
			return out.Error(fmt.Sprintf("unknown view %q", args[0]), nil)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	c, err := newClient(ctx)
	if err != nil {
		return err
	}

	status, err := c.Status(ctx)
	if err != nil {
		return out.Error("Failed to query status", err)
	}

	snapshot := projector.Snapshot{
		PrimaryInstalled: status.Snapshot.PrimaryInstalled,
		PrimaryRunning:   status.Snapshot.PrimaryRunning,
		SubTargets:       status.Snapshot.SubTargets,
		CheckedAt:        status.Snapshot.CheckedAt,
	}

	// Navigation rules apply to the CLI too: reaching a view through state
	// is the same check a UI would make.
	state := view.NewState()
	state.Environment = environment
	if target != view.ViewHome {
		if err := state.Navigate(target, snapshot); err != nil {
			return out.Error("View unavailable", err)
		}
	}

	actions := view.Render(state.Current, snapshot, state.Environment)

	if out.jsonMode {
		return out.Print(map[string]interface{}{
			"view":    state.Current,
			"actions": actions,
		})
	}

	if len(actions) == 0 {
		fmt.Printf("No actions on view %s\n", state.Current)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tLABEL\tCOMMAND")
	for _, action := range actions {
		command := ""
		if action.Kind == view.KindExecute {
			command = describeOperation(action.Operation, action.Argument)
		} else {
			command = "-> " + string(action.Target)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", action.ID, action.Kind, action.Label, command)
	}
	return w.Flush()
}
