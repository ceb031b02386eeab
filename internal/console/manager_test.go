package console

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harpoon-ops/harpoon/internal/eventbus"
	"github.com/harpoon-ops/harpoon/internal/whitelist"
)

// consoleScript echoes a banner and then copies stdin to stdout, which is
// enough to stand in for an interactive target like ssh.
const consoleScript = `#!/bin/sh
echo "console ready: $1 $2"
cat
`

func writeConsoleProgram(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("console tests rely on POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "harpoon-console-program")
	if err := os.WriteFile(path, []byte(consoleScript), 0o755); err != nil {
		t.Fatalf("write test program: %v", err)
	}
	return path
}

func newTestManager(t *testing.T, bus *eventbus.Bus) *Manager {
	t.Helper()
	return NewManager(Options{
		Bus:     bus,
		Program: writeConsoleProgram(t),
		WorkDir: t.TempDir(),
		Logger:  log.New(io.Discard, "", 0),
	})
}

func sshEntry() whitelist.Entry {
	return whitelist.Entry{Name: "ssh", Interactive: true}
}

func requireEventually(t *testing.T, cond func() bool, timeout time.Duration, message string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s", message)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// memorySink collects everything written to it.
type memorySink struct {
	mu  sync.Mutex
	buf []byte
}

func (s *memorySink) Write(data []byte) error {
	s.mu.Lock()
	s.buf = append(s.buf, data...)
	s.mu.Unlock()
	return nil
}

func (s *memorySink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.buf)
}

func TestStartRejectsNonInteractive(t *testing.T) {
	m := newTestManager(t, nil)

	_, err := m.Start("sess-1", whitelist.Entry{Name: "install", Arguments: []string{"dev"}}, "dev")
	if !errors.Is(err, ErrNotInteractive) {
		t.Fatalf("expected ErrNotInteractive, got %v", err)
	}
	if len(m.ForSession("sess-1")) != 0 {
		t.Fatal("rejected start must leave no console behind")
	}
}

func TestStartRejectsDisallowedArgument(t *testing.T) {
	m := newTestManager(t, nil)

	entry := whitelist.Entry{Name: "ssh", Interactive: true, Arguments: []string{"dev"}}
	if _, err := m.Start("sess-1", entry, "prod"); err == nil {
		t.Fatal("expected argument rejection")
	}
}

func TestConsoleRoundTrip(t *testing.T) {
	bus := eventbus.New()
	defer bus.Shutdown()

	sub := eventbus.SubscribeTo(bus, eventbus.Console.Lifecycle)
	defer sub.Close()

	m := newTestManager(t, bus)
	defer m.Shutdown(context.Background())

	console, err := m.Start("sess-1", sshEntry(), "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if console.CurrentStatus() != StatusRunning {
		t.Fatalf("expected running, got %s", console.CurrentStatus())
	}

	select {
	case env := <-sub.C():
		ev := env.Payload
		if ev.State != eventbus.ConsoleStateStarted || ev.SessionID != "sess-1" || ev.Operation != "ssh" {
			t.Fatalf("unexpected lifecycle event: %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for started event")
	}

	sink := &memorySink{}
	if err := m.Attach(console.ID, sink, true); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	requireEventually(t, func() bool {
		return strings.Contains(sink.String(), "console ready: ssh")
	}, 5*time.Second, "banner never reached the sink")

	if err := m.Write(console.ID, []byte("ping\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	requireEventually(t, func() bool {
		return strings.Contains(sink.String(), "ping")
	}, 5*time.Second, "echoed input never reached the sink")

	if err := m.Stop(console.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if console.CurrentStatus() != StatusStopped {
		t.Fatalf("expected stopped, got %s", console.CurrentStatus())
	}
}

func TestDetachMarksConsoleDetached(t *testing.T) {
	m := newTestManager(t, nil)
	defer m.Shutdown(context.Background())

	console, err := m.Start("sess-1", sshEntry(), "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	sink := &memorySink{}
	if err := m.Attach(console.ID, sink, false); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := m.Detach(console.ID, sink); err != nil {
		t.Fatalf("Detach: %v", err)
	}

	if got := console.CurrentStatus(); got != StatusDetached {
		t.Fatalf("expected detached, got %s", got)
	}
	if !console.PTY.IsRunning() {
		t.Fatal("detach must not kill the process")
	}
}

func TestAttachReplaysHistory(t *testing.T) {
	m := newTestManager(t, nil)
	defer m.Shutdown(context.Background())

	console, err := m.Start("sess-1", sshEntry(), "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Let the banner land in the transcript before anyone attaches.
	requireEventually(t, func() bool {
		return strings.Contains(string(console.PTY.Buffer()), "console ready")
	}, 5*time.Second, "banner never reached the transcript")

	sink := &memorySink{}
	if err := m.Attach(console.ID, sink, true); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if !strings.Contains(sink.String(), "console ready") {
		t.Fatal("expected history replay on attach")
	}
}

func TestProcessExitPublishesStoppedEvent(t *testing.T) {
	bus := eventbus.New()
	defer bus.Shutdown()

	sub := eventbus.SubscribeTo(bus, eventbus.Console.Lifecycle)
	defer sub.Close()

	m := newTestManager(t, bus)
	console, err := m.Start("sess-1", sshEntry(), "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Stop(console.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case env := <-sub.C():
			if env.Payload.State == eventbus.ConsoleStateStopped {
				if env.Payload.ConsoleID != console.ID {
					t.Fatalf("stopped event for wrong console: %+v", env.Payload)
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for stopped event")
		}
	}
}

func TestCleanupStoppedRemovesOldConsoles(t *testing.T) {
	m := newTestManager(t, nil)

	console, err := m.Start("sess-1", sshEntry(), "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Stop(console.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if removed := m.CleanupStopped(time.Hour); removed != 0 {
		t.Fatalf("fresh console must survive cleanup, removed %d", removed)
	}
	if removed := m.CleanupStopped(0); removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := m.Get(console.ID); err == nil {
		t.Fatal("cleaned-up console still retrievable")
	}
}

func TestReaperStopsIdleConsoles(t *testing.T) {
	m := NewManager(Options{
		Program:           writeConsoleProgram(t),
		WorkDir:           t.TempDir(),
		InactivityTimeout: 100 * time.Millisecond,
		Logger:            log.New(io.Discard, "", 0),
	})
	defer m.Shutdown(context.Background())

	console, err := m.Start("sess-1", sshEntry(), "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	m.StartReaper(context.Background())
	requireEventually(t, func() bool {
		return console.CurrentStatus() == StatusStopped
	}, 10*time.Second, "idle console was never reaped")
}
