package daemon_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/harpoon-ops/harpoon/internal/client"
	"github.com/harpoon-ops/harpoon/internal/config/store"
	"github.com/harpoon-ops/harpoon/internal/daemon"
	"github.com/harpoon-ops/harpoon/internal/testutil"
)

const stubProgram = `#!/bin/sh
case "$1" in
status)
	echo "Workstation: Running"
	;;
verify-install)
	echo "service $2 ok"
	;;
*)
	echo "ran $1"
	;;
esac
`

func writeStubProgram(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell stub programs are not supported on Windows")
	}
	path := filepath.Join(t.TempDir(), "make-stub")
	if err := os.WriteFile(path, []byte(stubProgram), 0o755); err != nil {
		t.Fatalf("write stub program: %v", err)
	}
	return path
}

func openTestStore(t *testing.T, program string) *store.Store {
	t.Helper()

	st, cleanup := testutil.OpenStore(t)
	t.Cleanup(cleanup)

	ctx := context.Background()

	cfg, err := st.GetWorkspaceConfig(ctx)
	if err != nil {
		t.Fatalf("load workspace config: %v", err)
	}
	cfg.Path = t.TempDir()
	cfg.Program = program
	if err := st.SaveWorkspaceConfig(ctx, cfg); err != nil {
		t.Fatalf("save workspace config: %v", err)
	}

	transport, err := st.GetTransportConfig(ctx)
	if err != nil {
		t.Fatalf("load transport config: %v", err)
	}
	transport.Port = 0
	if err := st.SaveTransportConfig(ctx, transport); err != nil {
		t.Fatalf("save transport config: %v", err)
	}

	return st
}

func waitForPort(t *testing.T, st *store.Store) int {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		cfg, err := st.GetTransportConfig(context.Background())
		if err == nil && cfg.Port > 0 {
			return cfg.Port
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("timed out waiting for daemon port")
	return 0
}

func TestDaemonServesAPI(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	program := writeStubProgram(t)
	st := openTestStore(t, program)

	d, err := daemon.New(daemon.Options{Store: st})
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}

	startErr := make(chan error, 1)
	go func() { startErr <- d.Start() }()
	defer func() {
		d.Shutdown()
		if err := <-startErr; err != nil {
			t.Errorf("daemon start returned error: %v", err)
		}
	}()

	port := waitForPort(t, st)
	api := client.New(fmt.Sprintf("http://127.0.0.1:%d", port), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := api.EnsureSession(ctx); err != nil {
		t.Fatalf("ensure session: %v", err)
	}

	operations, err := api.Operations(ctx)
	if err != nil {
		t.Fatalf("operations: %v", err)
	}
	if len(operations) == 0 {
		t.Fatal("expected seeded whitelist operations")
	}

	execution, err := api.Execute(ctx, "status", "")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if execution.ID == "" {
		t.Fatal("expected execution id")
	}

	result, err := api.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if result.Snapshot.CheckedAt.IsZero() {
		t.Fatal("expected snapshot timestamp")
	}
}

func TestDaemonWritesAndClearsLockFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	program := writeStubProgram(t)
	st := openTestStore(t, program)

	d, err := daemon.New(daemon.Options{Store: st})
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}

	startErr := make(chan error, 1)
	go func() { startErr <- d.Start() }()

	waitForPort(t, st)

	lockPath := filepath.Join(home, ".harpoon", "instances", "default", "daemon.lock")
	if _, err := os.Stat(lockPath); err != nil {
		t.Fatalf("expected lock file while running: %v", err)
	}

	if !daemon.IsRunning("") {
		t.Fatal("expected IsRunning to report the live daemon")
	}

	d.Shutdown()
	if err := <-startErr; err != nil {
		t.Fatalf("daemon start returned error: %v", err)
	}

	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Fatalf("expected lock file removed after shutdown, got err=%v", err)
	}
	if daemon.IsRunning("") {
		t.Fatal("expected IsRunning false after shutdown")
	}
}
