package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

const requestTimeout = 10 * time.Second

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "run <operation> [argument]",
		Short:         "Run a whitelisted operation and stream its output",
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runOperation,
	}
	cmd.Flags().BoolP("detach", "d", false, "Submit without streaming output")
	return cmd
}

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "cancel [execution-id]",
		Short:         "Cancel the running operation",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          cancelOperation,
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "status",
		Short:         "Show workstation state and the current execution",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          showStatus,
	}
}

func newOperationsCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "operations",
		Short:         "List whitelisted operations",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          listOperations,
	}
}

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "history",
		Short:         "List archived executions",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          showHistory,
	}
	cmd.Flags().Int("limit", 50, "Maximum number of entries")
	return cmd
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "watch",
		Short:         "Follow daemon events until interrupted",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          watchEvents,
	}
}

func newShutdownCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "shutdown",
		Short:         "Stop the daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          shutdownDaemon,
	}
}

// outputData is the payload of streamed "output" events.
type outputData struct {
	Sequence uint64 `json:"sequence"`
	Line     string `json:"line"`
}

// completionData is the payload of terminal lifecycle events.
type completionData struct {
	Operation string `json:"operation"`
	Argument  string `json:"argument"`
	State     string `json:"state"`
	ExitCode  *int   `json:"exit_code"`
	Reason    string `json:"reason"`
	Duration  string `json:"duration"`
}

func runOperation(cmd *cobra.Command, args []string) error {
	operation := args[0]
	argument := ""
	if len(args) > 1 {
		argument = args[1]
	}
	detach, _ := cmd.Flags().GetBool("detach")
	out := newOutputFormatter(cmd)

	ctx := context.Background()
	c, err := newClient(ctx)
	if err != nil {
		return err
	}

	if detach {
		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		execution, err := c.Execute(reqCtx, operation, argument)
		if err != nil {
			return out.Error("Failed to submit operation", err)
		}
		return out.Success("Operation submitted", map[string]interface{}{
			"execution_id": execution.ID,
			"operation":    execution.Operation,
		})
	}

	// Connect before submitting so no output lines are missed.
	stream, err := c.Connect(ctx)
	if err != nil {
		return out.Error("Failed to connect to daemon", err)
	}
	defer stream.Close()

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	execution, err := c.Execute(reqCtx, operation, argument)
	cancel()
	if err != nil {
		return out.Error("Failed to submit operation", err)
	}

	if !out.jsonMode {
		fmt.Printf("Running %s (execution %s)...\n", describeOperation(operation, argument), execution.ID)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-sigChan:
			// The execution keeps running; interrupting only stops the stream.
			fmt.Fprintf(os.Stderr, "\nDetached. The operation keeps running; use `harpoon cancel %s` to stop it.\n", execution.ID)
			return nil

		case event, ok := <-stream.Events():
			if !ok {
				return stream.Err()
			}
			if event.ExecutionID != execution.ID {
				continue
			}
			switch event.Type {
			case "output":
				var data outputData
				if err := json.Unmarshal(event.Data, &data); err == nil {
					fmt.Println(data.Line)
				}
			case "completed", "failed", "cancelled":
				var data completionData
				if err := json.Unmarshal(event.Data, &data); err != nil {
					return out.Error("Malformed completion event", err)
				}
				return reportCompletion(out, execution.ID, data)
			}
		}
	}
}

func reportCompletion(out *OutputFormatter, executionID string, data completionData) error {
	fields := map[string]interface{}{
		"execution_id": executionID,
		"state":        data.State,
	}
	if data.ExitCode != nil {
		fields["exit_code"] = *data.ExitCode
	}
	if data.Reason != "" {
		fields["reason"] = data.Reason
	}
	if data.Duration != "" {
		fields["duration"] = data.Duration
	}

	switch data.State {
	case "succeeded":
		return out.Success("Operation succeeded", fields)
	case "cancelled":
		return out.Success("Operation cancelled", fields)
	default:
		msg := fmt.Sprintf("Operation %s", data.State)
		if data.ExitCode != nil {
			msg = fmt.Sprintf("%s (exit code %d)", msg, *data.ExitCode)
		}
		if data.Reason != "" {
			msg = fmt.Sprintf("%s: %s", msg, data.Reason)
		}
		return out.Error(msg, nil)
	}
}

func cancelOperation(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	c, err := newClient(ctx)
	if err != nil {
		return err
	}

	executionID := ""
	if len(args) > 0 {
		executionID = args[0]
	} else {
		status, err := c.Status(ctx)
		if err != nil {
			return out.Error("Failed to query status", err)
		}
		if status.Execution == nil {
			return out.Error("No operation is running", nil)
		}
		executionID = status.Execution.ID
	}

	if err := c.CancelExecution(ctx, executionID); err != nil {
		return out.Error("Failed to cancel", err)
	}
	return out.Success("Cancellation requested", map[string]interface{}{
		"execution_id": executionID,
	})
}

func showStatus(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

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

	if out.jsonMode {
		return out.Print(status)
	}

	fmt.Printf("Workstation installed: %s\n", yesNo(status.Snapshot.PrimaryInstalled))
	fmt.Printf("Workstation running:   %s\n", yesNo(status.Snapshot.PrimaryRunning))
	if len(status.Snapshot.SubTargets) > 0 {
		names := make([]string, 0, len(status.Snapshot.SubTargets))
		for name := range status.Snapshot.SubTargets {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Println("Services:")
		for _, name := range names {
			fmt.Printf("  %-12s %s\n", name, yesNo(status.Snapshot.SubTargets[name]))
		}
	}
	fmt.Printf("Checked at: %s\n", status.Snapshot.CheckedAt.Local().Format(time.RFC1123))

	if status.Execution != nil {
		fmt.Printf("\nRunning: %s (execution %s, started %s)\n",
			describeOperation(status.Execution.Operation, status.Execution.Argument),
			status.Execution.ID,
			status.Execution.StartedAt.Local().Format(time.Kitchen))
	} else {
		fmt.Println("\nNo operation running")
	}
	return nil
}

func listOperations(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	c, err := newClient(ctx)
	if err != nil {
		return err
	}

	operations, err := c.Operations(ctx)
	if err != nil {
		return out.Error("Failed to list operations", err)
	}

	if out.jsonMode {
		return out.Print(map[string]interface{}{"operations": operations})
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tARGUMENTS\tDESCRIPTION")
	for _, op := range operations {
		name := op.Name
		if op.Interactive {
			name += " (interactive)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, strings.Join(op.Arguments, ", "), op.Description)
	}
	return w.Flush()
}

func showHistory(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)
	limit, _ := cmd.Flags().GetInt("limit")

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	c, err := newClient(ctx)
	if err != nil {
		return err
	}

	entries, err := c.History(ctx, limit)
	if err != nil {
		return out.Error("Failed to list history", err)
	}

	if out.jsonMode {
		return out.Print(map[string]interface{}{"history": entries})
	}

	if len(entries) == 0 {
		fmt.Println("No archived executions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tOPERATION\tSTATE\tEXIT")
	for _, entry := range entries {
		exit := "-"
		if entry.ExitCode != nil {
			exit = fmt.Sprintf("%d", *entry.ExitCode)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			entry.StartedAt.Local().Format("2006-01-02 15:04:05"),
			describeOperation(entry.Operation, entry.Argument),
			entry.State,
			exit)
	}
	return w.Flush()
}

func watchEvents(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	ctx := context.Background()
	c, err := newClient(ctx)
	if err != nil {
		return err
	}

	stream, err := c.Connect(ctx)
	if err != nil {
		return out.Error("Failed to connect to daemon", err)
	}
	defer stream.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if !out.jsonMode {
		fmt.Println("Watching daemon events, press Ctrl+C to stop")
	}

	for {
		select {
		case <-sigChan:
			return nil
		case event, ok := <-stream.Events():
			if !ok {
				return stream.Err()
			}
			if out.jsonMode {
				out.Print(event)
				continue
			}
			line := fmt.Sprintf("%s  %s", event.Timestamp.Local().Format("15:04:05"), event.Type)
			if event.ExecutionID != "" {
				line += "  execution=" + event.ExecutionID
			}
			if event.ConsoleID != "" {
				line += "  console=" + event.ConsoleID
			}
			if len(event.Data) > 0 {
				line += "  " + string(event.Data)
			}
			fmt.Println(line)
		}
	}
}

func shutdownDaemon(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	c, err := newClient(ctx)
	if err != nil {
		return err
	}

	if err := c.ShutdownDaemon(ctx); err != nil {
		return out.Error("Failed to stop daemon", err)
	}
	return out.Success("Daemon shutdown requested", nil)
}

func describeOperation(operation, argument string) string {
	if argument == "" {
		return operation
	}
	return operation + " " + argument
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
