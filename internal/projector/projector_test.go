package projector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/harpoon-ops/harpoon/internal/eventbus"
)

// fakeRunner answers probes from a canned table keyed by "operation argument".
type fakeRunner struct {
	mu      sync.Mutex
	outputs map[string]string
	errs    map[string]error
	calls   []string
	block   chan struct{} // when set, Run waits for ctx or close
}

func (r *fakeRunner) Run(ctx context.Context, operation, argument string) (string, error) {
	key := operation
	if argument != "" {
		key = operation + " " + argument
	}
	r.mu.Lock()
	r.calls = append(r.calls, key)
	block := r.block
	r.mu.Unlock()
	if block != nil {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-block:
		}
	}
	if err, ok := r.errs[key]; ok {
		return r.outputs[key], err
	}
	return r.outputs[key], nil
}

func newTestProjector(t *testing.T, runner Runner, bus *eventbus.Bus) *Projector {
	t.Helper()
	return New(Options{
		Config:  DefaultConfig([]string{"apache", "mysql", "php"}),
		Runner:  runner,
		Bus:     bus,
		Timeout: 2 * time.Second,
		Logger:  log.New(io.Discard, "", 0),
	})
}

func TestSnapshotAllHealthy(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{
		"status":                "Workstation: Running\nUptime: 3d",
		"verify-install apache": "apache ok",
		"verify-install mysql":  "mysql ok",
		"verify-install php":    "php ok",
	}}
	p := newTestProjector(t, runner, nil)

	snap := p.Snapshot(context.Background())
	if !snap.PrimaryInstalled {
		t.Fatal("expected primary installed")
	}
	if !snap.PrimaryRunning {
		t.Fatal("expected primary running")
	}
	for _, svc := range []string{"apache", "mysql", "php"} {
		if !snap.SubTargets[svc] {
			t.Fatalf("expected %s true", svc)
		}
	}
	if snap.CheckedAt.IsZero() {
		t.Fatal("expected CheckedAt to be set")
	}
}

func TestSnapshotStoppedWorkstation(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{
		"status": "Workstation: Stopped",
	}}
	p := newTestProjector(t, runner, nil)

	snap := p.Snapshot(context.Background())
	if !snap.PrimaryInstalled {
		t.Fatal("stopped workstation is still installed")
	}
	if snap.PrimaryRunning {
		t.Fatal("stopped workstation must not read as running")
	}
}

func TestSnapshotNotCreated(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{
		"status": "Workstation: Not Created",
	}}
	p := newTestProjector(t, runner, nil)

	snap := p.Snapshot(context.Background())
	if snap.PrimaryInstalled {
		t.Fatal("missing workstation must not read as installed")
	}
	if snap.PrimaryRunning {
		t.Fatal("missing workstation must not read as running")
	}
}

func TestFailedProbeReadsFalse(t *testing.T) {
	runner := &fakeRunner{
		outputs: map[string]string{
			"status":                "Workstation: Running",
			"verify-install apache": "apache ok",
		},
		errs: map[string]error{
			"verify-install mysql": errors.New("exit status 1"),
			"verify-install php":   errors.New("exec: not found"),
		},
	}
	p := newTestProjector(t, runner, nil)

	snap := p.Snapshot(context.Background())
	if !snap.SubTargets["apache"] {
		t.Fatal("expected apache true")
	}
	if snap.SubTargets["mysql"] || snap.SubTargets["php"] {
		t.Fatal("failed probes must read false, not error")
	}
}

func TestSnapshotTimesOut(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	defer close(runner.block)
	p := New(Options{
		Config:  DefaultConfig([]string{"apache"}),
		Runner:  runner,
		Timeout: 50 * time.Millisecond,
		Logger:  log.New(io.Discard, "", 0),
	})

	start := time.Now()
	snap := p.Snapshot(context.Background())
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("snapshot took too long: %v", elapsed)
	}
	if snap.PrimaryInstalled || snap.SubTargets["apache"] {
		t.Fatal("timed-out probes must read false")
	}
}

func TestPublishEmitsSnapshotEvent(t *testing.T) {
	bus := eventbus.New()
	defer bus.Shutdown()

	sub := eventbus.SubscribeTo(bus, eventbus.Status.Snapshot)
	defer sub.Close()

	runner := &fakeRunner{outputs: map[string]string{
		"status":                "Workstation: Running",
		"verify-install apache": "ok",
		"verify-install mysql":  "ok",
		"verify-install php":    "ok",
	}}
	p := newTestProjector(t, runner, bus)
	p.Publish(context.Background())

	select {
	case env := <-sub.C():
		ev := env.Payload
		if !ev.WorkstationCreated || !ev.WorkstationRunning {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if !ev.Services["mysql"] {
			t.Fatal("expected mysql true in event")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for snapshot event")
	}
}

func TestRefreshOnTerminalExecution(t *testing.T) {
	bus := eventbus.New()
	defer bus.Shutdown()

	sub := eventbus.SubscribeTo(bus, eventbus.Status.Snapshot)
	defer sub.Close()

	runner := &fakeRunner{outputs: map[string]string{
		"status": "Workstation: Running",
	}}
	p := New(Options{
		Config:  Config{Primary: DefaultConfig(nil).Primary, Running: DefaultConfig(nil).Running},
		Runner:  runner,
		Bus:     bus,
		Timeout: 2 * time.Second,
		Logger:  log.New(io.Discard, "", 0),
	})
	p.Start(context.Background(), 0)
	defer p.Stop(context.Background())

	code := 0
	eventbus.Publish(context.Background(), bus, eventbus.Exec.Lifecycle, eventbus.SourceExecutor,
		eventbus.ExecLifecycleEvent{
			ExecutionID: "exec-1",
			Operation:   "install",
			Argument:    "dev",
			State:       eventbus.ExecStateSucceeded,
			ExitCode:    &code,
		})

	select {
	case env := <-sub.C():
		if !env.Payload.WorkstationCreated {
			t.Fatalf("unexpected snapshot: %+v", env.Payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for refresh after terminal execution")
	}
}

func TestProbesRunConcurrently(t *testing.T) {
	var services []string
	outputs := map[string]string{"status": "Workstation: Running"}
	for i := 0; i < 8; i++ {
		svc := fmt.Sprintf("svc%d", i)
		services = append(services, svc)
		outputs["verify-install "+svc] = "ok"
	}
	runner := &fakeRunner{outputs: outputs}
	p := New(Options{
		Config:  DefaultConfig(services),
		Runner:  runner,
		Timeout: 2 * time.Second,
		Logger:  log.New(io.Discard, "", 0),
	})

	snap := p.Snapshot(context.Background())
	if len(snap.SubTargets) != len(services) {
		t.Fatalf("expected %d sub-targets, got %d", len(services), len(snap.SubTargets))
	}
	runner.mu.Lock()
	calls := len(runner.calls)
	runner.mu.Unlock()
	if calls != len(services)+1 {
		t.Fatalf("expected %d probes, got %d", len(services)+1, calls)
	}
}
