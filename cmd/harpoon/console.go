package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/harpoon-ops/harpoon/internal/client"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// detachByte is Ctrl+], read from raw stdin since SIGINT is unavailable there.
const detachByte = 0x1D

const consoleAttachTimeout = 10 * time.Second

func newConsoleCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "console <operation> [argument]",
		Short:         "Open an interactive whitelisted operation (e.g. ssh)",
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runConsole,
	}
}

type consoleErrorData struct {
	Reason  string `json:"reason"`
	Message string `json:"error"`
}

func runConsole(cmd *cobra.Command, args []string) error {
	operation := args[0]
	argument := ""
	if len(args) > 1 {
		argument = args[1]
	}

	ctx := context.Background()
	c, err := newClient(ctx)
	if err != nil {
		return err
	}

	stream, err := c.Connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer stream.Close()

	if err := stream.StartConsole(operation, argument); err != nil {
		return fmt.Errorf("failed to start console: %w", err)
	}

	consoleID, err := awaitConsoleAttach(stream)
	if err != nil {
		return err
	}

	fmt.Printf("Console %s attached, press Ctrl+] to detach\r\n", consoleID)

	var oldState *term.State
	if term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err = term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("failed to set raw mode: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)
	}

	sendResize := func() {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return
		}
		cols, rows, err := term.GetSize(int(os.Stdin.Fd()))
		if err != nil {
			return
		}
		_ = stream.ConsoleResize(consoleID, rows, cols)
	}
	sendResize()

	sigChan := make(chan os.Signal, 2)
	notifyConsoleSignals(sigChan)
	defer signal.Stop(sigChan)

	// stdin reader. Blocking reads may outlive the command until the next
	// keystroke; acceptable for CLI usage.
	inputErr := make(chan error, 1)
	go func() {
		buffer := make([]byte, 1024)
		for {
			n, err := os.Stdin.Read(buffer)
			if err != nil {
				if err != io.EOF {
					inputErr <- err
				}
				return
			}
			for i := 0; i < n; i++ {
				if buffer[i] == detachByte {
					inputErr <- nil
					return
				}
			}
			if n > 0 {
				if err := stream.ConsoleInput(consoleID, buffer[:n]); err != nil {
					inputErr <- err
					return
				}
			}
		}
	}()

	for {
		select {
		case sig := <-sigChan:
			if isResizeSignal(sig) {
				sendResize()
				continue
			}
			fmt.Print("\r\nDetaching from console...\r\n")
			_ = stream.ConsoleDetach(consoleID)
			return nil

		case err := <-inputErr:
			if err == nil {
				fmt.Print("\r\nDetaching from console...\r\n")
				_ = stream.ConsoleDetach(consoleID)
				return nil
			}
			return err

		case chunk, ok := <-stream.ConsoleOutput():
			if !ok {
				return stream.Err()
			}
			if chunk.ConsoleID == consoleID {
				os.Stdout.Write(chunk.Data)
			}

		case event, ok := <-stream.Events():
			if !ok {
				return stream.Err()
			}
			if event.ConsoleID != consoleID {
				continue
			}
			if event.Type == "console_stopped" {
				fmt.Print("\r\nConsole closed\r\n")
				return nil
			}
		}
	}
}

// awaitConsoleAttach waits for the console_attached acknowledgement (or a
// validation error) after console_start.
func awaitConsoleAttach(stream *client.EventStream) (string, error) {
	timeout := time.After(consoleAttachTimeout)
	for {
		select {
		case <-timeout:
			return "", fmt.Errorf("timed out waiting for console to start")
		case event, ok := <-stream.Events():
			if !ok {
				if err := stream.Err(); err != nil {
					return "", err
				}
				return "", fmt.Errorf("event stream closed before console started")
			}
			switch event.Type {
			case "console_attached":
				return event.ConsoleID, nil
			case "error":
				var data consoleErrorData
				if err := json.Unmarshal(event.Data, &data); err != nil || data.Message == "" {
					return "", fmt.Errorf("console rejected")
				}
				return "", fmt.Errorf("console rejected: %s", data.Message)
			}
		}
	}
}
