package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/harpoon-ops/harpoon/internal/client"
	"github.com/harpoon-ops/harpoon/internal/config"
	harpoonversion "github.com/harpoon-ops/harpoon/internal/version"
	"github.com/spf13/cobra"
)

var rootCmd *cobra.Command

func init() {
	rootCmd = &cobra.Command{
		Use:   "harpoon",
		Short: "Harpoon - remote console for whitelisted workspace operations",
		Long: `Harpoon talks to a local harpoond daemon that runs whitelisted
provisioning operations (targets of a make-style program) in a configured
workspace, streams their output live, and reports workstation state.`,
	}
	rootCmd.Version = harpoonversion.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	// Global --json flag
	rootCmd.PersistentFlags().Bool("json", false, "Output in JSON format")
}

func main() {
	rootCmd.AddCommand(
		newRunCommand(),
		newCancelCommand(),
		newStatusCommand(),
		newOperationsCommand(),
		newHistoryCommand(),
		newWatchCommand(),
		newActionsCommand(),
		newConsoleCommand(),
		newShutdownCommand(),
		newVersionCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newClient resolves the daemon endpoint from the default instance store.
func newClient(ctx context.Context) (*client.Client, error) {
	c, err := client.NewFromInstance(ctx, config.DefaultInstance)
	if err != nil {
		return nil, fmt.Errorf("failed to reach daemon configuration (is harpoond installed?): %w", err)
	}
	return c, nil
}

// OutputFormatter handles output in JSON or human-readable format.
type OutputFormatter struct {
	jsonMode bool
}

func newOutputFormatter(cmd *cobra.Command) *OutputFormatter {
	jsonMode, _ := cmd.Flags().GetBool("json")
	return &OutputFormatter{jsonMode: jsonMode}
}

// Print outputs data in the appropriate format.
func (f *OutputFormatter) Print(data interface{}) error {
	if f.jsonMode {
		jsonBytes, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(jsonBytes))
		return nil
	}
	switch v := data.(type) {
	case string:
		fmt.Println(v)
	default:
		jsonBytes, _ := json.MarshalIndent(data, "", "  ")
		fmt.Println(string(jsonBytes))
	}
	return nil
}

// Success outputs a success message.
func (f *OutputFormatter) Success(message string, data map[string]interface{}) error {
	if f.jsonMode {
		output := map[string]interface{}{
			"success": true,
			"message": message,
		}
		for k, v := range data {
			output[k] = v
		}
		return f.Print(output)
	}
	fmt.Println(message)
	return nil
}

// Error outputs an error message and returns a wrapped error for cobra.
func (f *OutputFormatter) Error(message string, err error) error {
	if f.jsonMode {
		output := map[string]interface{}{
			"success": false,
			"error":   message,
		}
		if err != nil {
			output["details"] = err.Error()
		}
		jsonBytes, _ := json.MarshalIndent(output, "", "  ")
		fmt.Fprintln(os.Stderr, string(jsonBytes))
	} else {
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", message, err)
		} else {
			fmt.Fprintln(os.Stderr, message)
		}
	}
	if err != nil {
		return fmt.Errorf("%s: %w", message, err)
	}
	return fmt.Errorf("%s", message)
}
