package eventbus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/harpoon-ops/harpoon/internal/eventbus"
)

func TestTypedSubscribeDeliversMatchingPayloads(t *testing.T) {
	bus := eventbus.New()
	defer bus.Shutdown()

	sub := eventbus.SubscribeTo(bus, eventbus.Exec.Lifecycle)
	defer sub.Close()

	ctx := context.Background()
	eventbus.Publish(ctx, bus, eventbus.Exec.Lifecycle, eventbus.SourceExecutor,
		eventbus.ExecLifecycleEvent{ExecutionID: "exec-t", State: eventbus.ExecStateRunning})

	select {
	case env := <-sub.C():
		if env.Payload.ExecutionID != "exec-t" {
			t.Fatalf("unexpected execution id %q", env.Payload.ExecutionID)
		}
		if env.Source != eventbus.SourceExecutor {
			t.Fatalf("unexpected source %q", env.Source)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for typed event")
	}
}

func TestTypedSubscribeSkipsMismatchedPayloads(t *testing.T) {
	bus := eventbus.New()
	defer bus.Shutdown()

	sub := eventbus.Subscribe[eventbus.ExecLifecycleEvent](bus, eventbus.TopicExecLifecycle)
	defer sub.Close()

	ctx := context.Background()
	// Wrong payload type on the topic: the bridge filters it out.
	bus.Publish(ctx, eventbus.Envelope{
		Topic:   eventbus.TopicExecLifecycle,
		Payload: "not a lifecycle event",
	})
	bus.Publish(ctx, eventbus.Envelope{
		Topic:   eventbus.TopicExecLifecycle,
		Payload: eventbus.ExecLifecycleEvent{ExecutionID: "exec-ok"},
	})

	select {
	case env := <-sub.C():
		if env.Payload.ExecutionID != "exec-ok" {
			t.Fatalf("expected exec-ok, got %q", env.Payload.ExecutionID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered event")
	}
}

func TestPublishWithOpts(t *testing.T) {
	bus := eventbus.New()
	defer bus.Shutdown()

	sub := eventbus.SubscribeTo(bus, eventbus.Exec.Output)
	defer sub.Close()

	stamp := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	eventbus.PublishWithOpts(context.Background(), bus, eventbus.Exec.Output, eventbus.SourceExecutor,
		eventbus.ExecOutputEvent{ExecutionID: "exec-opt", Sequence: 7},
		eventbus.WithTimestamp(stamp),
		eventbus.WithCorrelationID("exec-opt"),
	)

	select {
	case env := <-sub.C():
		if !env.Timestamp.Equal(stamp) {
			t.Fatalf("timestamp = %v, want %v", env.Timestamp, stamp)
		}
		if env.CorrelationID != "exec-opt" {
			t.Fatalf("correlation id = %q, want exec-opt", env.CorrelationID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestConsume(t *testing.T) {
	bus := eventbus.New()
	defer bus.Shutdown()

	sub := eventbus.SubscribeTo(bus, eventbus.Status.Snapshot)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan eventbus.StatusSnapshotEvent, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go eventbus.Consume(ctx, sub, &wg, func(ev eventbus.StatusSnapshotEvent) {
		select {
		case got <- ev:
		default:
		}
	})

	eventbus.Publish(ctx, bus, eventbus.Status.Snapshot, eventbus.SourceProjector,
		eventbus.StatusSnapshotEvent{WorkstationRunning: true})

	select {
	case ev := <-got:
		if !ev.WorkstationRunning {
			t.Fatal("expected WorkstationRunning true")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for consumed event")
	}

	sub.Close()
	wg.Wait()
}

func TestNilBusTypedSubscribe(t *testing.T) {
	sub := eventbus.SubscribeTo[eventbus.ExecOutputEvent](nil, eventbus.Exec.Output)
	if _, ok := <-sub.C(); ok {
		t.Fatal("nil-bus typed channel should be closed")
	}
	sub.Close()
}
