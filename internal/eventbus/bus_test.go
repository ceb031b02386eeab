package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/harpoon-ops/harpoon/internal/eventbus"
)

func TestBusPublishDeliver(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe(eventbus.TopicExecOutput)
	defer sub.Close()

	payload := eventbus.ExecOutputEvent{
		ExecutionID: "exec-1",
		Sequence:    1,
		Line:        "hello",
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	bus.Publish(ctx, eventbus.Envelope{
		Topic:   eventbus.TopicExecOutput,
		Source:  eventbus.SourceExecutor,
		Payload: payload,
	})

	select {
	case env := <-sub.C():
		msg, ok := env.Payload.(eventbus.ExecOutputEvent)
		if !ok {
			t.Fatalf("expected ExecOutputEvent payload, got %T", env.Payload)
		}
		if msg.Sequence != payload.Sequence {
			t.Fatalf("expected sequence %d, got %d", payload.Sequence, msg.Sequence)
		}
		if msg.Line != "hello" {
			t.Fatalf("unexpected payload line: %q", msg.Line)
		}
		if env.Timestamp.IsZero() {
			t.Fatal("envelope timestamp should be stamped on publish")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}

func TestBusDropOldest(t *testing.T) {
	bus := eventbus.New(eventbus.WithTopicBuffer(eventbus.TopicExecOutput, 1))
	sub := bus.Subscribe(eventbus.TopicExecOutput, eventbus.WithSubscriptionBuffer(1))
	defer sub.Close()

	ctx := context.Background()

	for seq := uint64(1); seq <= 2; seq++ {
		bus.Publish(ctx, eventbus.Envelope{
			Topic:  eventbus.TopicExecOutput,
			Source: eventbus.SourceExecutor,
			Payload: eventbus.ExecOutputEvent{
				ExecutionID: "exec-drop",
				Sequence:    seq,
			},
		})
	}

	select {
	case env := <-sub.C():
		msg, ok := env.Payload.(eventbus.ExecOutputEvent)
		if !ok {
			t.Fatalf("expected ExecOutputEvent payload, got %T", env.Payload)
		}
		if msg.Sequence != 2 {
			t.Fatalf("expected sequence 2 after drop-oldest, got %d", msg.Sequence)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event after drops")
	}

	if sub.Dropped() == 0 {
		t.Fatal("expected dropped events to be recorded")
	}
}

func TestBusOrderingPerPublisher(t *testing.T) {
	bus := eventbus.New()
	defer bus.Shutdown()

	sub := bus.Subscribe(eventbus.TopicExecLifecycle)
	defer sub.Close()

	ctx := context.Background()
	states := []eventbus.ExecState{
		eventbus.ExecStatePending,
		eventbus.ExecStateRunning,
		eventbus.ExecStateSucceeded,
	}
	for _, state := range states {
		bus.Publish(ctx, eventbus.Envelope{
			Topic:   eventbus.TopicExecLifecycle,
			Source:  eventbus.SourceExecutor,
			Payload: eventbus.ExecLifecycleEvent{ExecutionID: "exec-ord", State: state},
		})
	}

	for i, want := range states {
		select {
		case env := <-sub.C():
			got := env.Payload.(eventbus.ExecLifecycleEvent).State
			if got != want {
				t.Fatalf("event %d: state = %s, want %s", i, got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestSubscribeManyPreservesCrossTopicOrder(t *testing.T) {
	bus := eventbus.New()
	defer bus.Shutdown()

	sub := bus.SubscribeMany([]eventbus.Topic{
		eventbus.TopicExecLifecycle,
		eventbus.TopicExecOutput,
	})
	defer sub.Close()

	ctx := context.Background()
	const lines = 50
	for seq := uint64(1); seq <= lines; seq++ {
		bus.Publish(ctx, eventbus.Envelope{
			Topic:   eventbus.TopicExecOutput,
			Source:  eventbus.SourceExecutor,
			Payload: eventbus.ExecOutputEvent{ExecutionID: "exec-many", Sequence: seq},
		})
	}
	bus.Publish(ctx, eventbus.Envelope{
		Topic:   eventbus.TopicExecLifecycle,
		Source:  eventbus.SourceExecutor,
		Payload: eventbus.ExecLifecycleEvent{ExecutionID: "exec-many", State: eventbus.ExecStateSucceeded},
	})

	// A single channel observes both topics in publish order: every output
	// line arrives before the terminal transition.
	for i := uint64(1); i <= lines; i++ {
		select {
		case env := <-sub.C():
			out, ok := env.Payload.(eventbus.ExecOutputEvent)
			if !ok {
				t.Fatalf("event %d: got %T before all output was delivered", i, env.Payload)
			}
			if out.Sequence != i {
				t.Fatalf("event %d: sequence = %d", i, out.Sequence)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for output %d", i)
		}
	}
	select {
	case env := <-sub.C():
		if _, ok := env.Payload.(eventbus.ExecLifecycleEvent); !ok {
			t.Fatalf("expected terminal lifecycle event last, got %T", env.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for lifecycle event")
	}
}

func TestSubscribeManyCloseDeregistersAllTopics(t *testing.T) {
	bus := eventbus.New()
	defer bus.Shutdown()

	sub := bus.SubscribeMany([]eventbus.Topic{
		eventbus.TopicExecLifecycle,
		eventbus.TopicExecOutput,
	})
	sub.Close()

	// Publishing to either topic after Close must not panic or deliver.
	ctx := context.Background()
	bus.Publish(ctx, eventbus.Envelope{
		Topic:   eventbus.TopicExecOutput,
		Source:  eventbus.SourceExecutor,
		Payload: eventbus.ExecOutputEvent{ExecutionID: "exec-closed", Sequence: 1},
	})
	bus.Publish(ctx, eventbus.Envelope{
		Topic:   eventbus.TopicExecLifecycle,
		Source:  eventbus.SourceExecutor,
		Payload: eventbus.ExecLifecycleEvent{ExecutionID: "exec-closed", State: eventbus.ExecStateRunning},
	})

	if _, ok := <-sub.C(); ok {
		t.Fatal("channel should be closed after Close")
	}
}

func TestBusLateSubscriberMissesEarlierEvents(t *testing.T) {
	bus := eventbus.New()
	defer bus.Shutdown()

	ctx := context.Background()
	bus.Publish(ctx, eventbus.Envelope{
		Topic:   eventbus.TopicExecOutput,
		Source:  eventbus.SourceExecutor,
		Payload: eventbus.ExecOutputEvent{ExecutionID: "exec-late", Sequence: 1},
	})

	// No replay: a subscription opened after publish sees nothing.
	sub := bus.Subscribe(eventbus.TopicExecOutput)
	defer sub.Close()

	select {
	case env := <-sub.C():
		t.Fatalf("late subscriber received replayed event: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscriptionCloseIdempotent(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe(eventbus.TopicStatusSnapshot)
	sub.Close()
	sub.Close()

	if _, ok := <-sub.C(); ok {
		t.Fatal("channel should be closed after Close")
	}
}

func TestSubscribeWithContextAutoClose(t *testing.T) {
	bus := eventbus.New()
	defer bus.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	sub := bus.Subscribe(eventbus.TopicStatusSnapshot, eventbus.WithContext(ctx))
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-sub.C():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription not closed after context cancellation")
		}
	}
}

func TestNilBusSafe(t *testing.T) {
	var bus *eventbus.Bus

	bus.Publish(context.Background(), eventbus.Envelope{Topic: eventbus.TopicExecOutput})
	bus.Shutdown()

	sub := bus.Subscribe(eventbus.TopicExecOutput)
	if _, ok := <-sub.C(); ok {
		t.Fatal("nil-bus subscription channel should be closed")
	}
	sub.Close()
}
