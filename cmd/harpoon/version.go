package main

import (
	"context"
	"fmt"
	"time"

	harpoonversion "github.com/harpoon-ops/harpoon/internal/version"
	"github.com/spf13/cobra"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "version",
		Short:         "Show client and daemon versions",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runVersion,
	}
}

func runVersion(cmd *cobra.Command, _ []string) error {
	out := newOutputFormatter(cmd)
	clientVersion := harpoonversion.String()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var daemonVersion string
	var daemonReachable bool
	var daemonErr error
	if c, err := newClient(ctx); err == nil {
		if status, statusErr := c.Status(ctx); statusErr == nil {
			daemonReachable = true
			daemonVersion = status.Version
		} else {
			daemonErr = statusErr
		}
	} else {
		daemonErr = err
	}

	if out.jsonMode {
		data := map[string]any{
			"client": clientVersion,
		}
		if daemonReachable {
			if daemonVersion != "" {
				data["daemon"] = daemonVersion
			} else {
				data["daemon"] = "unknown"
			}
			if w := harpoonversion.CheckVersionMismatch(daemonVersion); w != "" {
				data["mismatch"] = true
				data["warning"] = w
			}
		} else {
			data["daemon"] = nil
			if daemonErr != nil {
				data["daemon_error"] = daemonErr.Error()
			}
		}
		return out.Print(data)
	}

	fmt.Printf("Client: %s\n", harpoonversion.FormatVersion(clientVersion))
	if daemonReachable {
		if daemonVersion != "" {
			fmt.Printf("Daemon: %s\n", harpoonversion.FormatVersion(daemonVersion))
		} else {
			fmt.Println("Daemon: running (version unknown)")
		}
		if w := harpoonversion.CheckVersionMismatch(daemonVersion); w != "" {
			fmt.Println(w)
		}
	} else {
		fmt.Printf("Daemon: unavailable (%v)\n", daemonErr)
	}

	return nil
}
