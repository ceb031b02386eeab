package eventbus

import "time"

// Topic identifies a logical channel on the bus.
type Topic string

const (
	TopicExecLifecycle    Topic = "exec.lifecycle"
	TopicExecOutput       Topic = "exec.output"
	TopicConsoleLifecycle Topic = "console.lifecycle"
	TopicConsoleOutput    Topic = "console.output"
	TopicStatusSnapshot   Topic = "status.snapshot"
)

// Source describes which component produced an event.
type Source string

const (
	SourceExecutor  Source = "executor"
	SourceProjector Source = "projector"
	SourceConsole   Source = "console"
	SourceServer    Source = "server"
	SourceClient    Source = "client"
	SourceUnknown   Source = "unknown"
)

// Envelope wraps every message published on the bus.
type Envelope struct {
	Topic         Topic
	Timestamp     time.Time
	Source        Source
	CorrelationID string
	Payload       any
}

// ExecState summarises execution record lifecycle transitions.
type ExecState string

const (
	ExecStatePending   ExecState = "pending"
	ExecStateRunning   ExecState = "running"
	ExecStateSucceeded ExecState = "succeeded"
	ExecStateFailed    ExecState = "failed"
	ExecStateTimedOut  ExecState = "timed_out"
	ExecStateCancelled ExecState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s ExecState) Terminal() bool {
	switch s {
	case ExecStateSucceeded, ExecStateFailed, ExecStateTimedOut, ExecStateCancelled:
		return true
	}
	return false
}

// ExecReasonTimeout is the Reason value set on lifecycle events published
// when the watchdog forcibly terminates an execution.
const ExecReasonTimeout = "timeout"

// ExecLifecycleEvent notifies consumers about execution state transitions.
type ExecLifecycleEvent struct {
	ExecutionID string
	Operation   string
	Argument    string
	State       ExecState
	ExitCode    *int
	Reason      string
	Elapsed     time.Duration
}

// ExecOutputEvent carries one line of subprocess output.
type ExecOutputEvent struct {
	ExecutionID string
	Sequence    uint64
	Line        string
}

// ConsoleState summarises interactive console lifecycle changes.
type ConsoleState string

const (
	ConsoleStateStarted ConsoleState = "started"
	ConsoleStateStopped ConsoleState = "stopped"
)

// ConsoleLifecycleEvent notifies consumers about console session transitions.
type ConsoleLifecycleEvent struct {
	ConsoleID string
	SessionID string
	Operation string
	State     ConsoleState
	ExitCode  *int
	Reason    string
}

// ConsoleOutputEvent carries raw PTY chunks from an interactive console.
type ConsoleOutputEvent struct {
	ConsoleID string
	Sequence  uint64
	Data      []byte
}

// StatusSnapshotEvent is the projector's periodically refreshed view of the
// managed target. Booleans only: a failed probe reads as false, never as an
// error surfaced to clients.
type StatusSnapshotEvent struct {
	WorkstationCreated bool
	WorkstationRunning bool
	Services           map[string]bool
	CheckedAt          time.Time
}

// ---------------------------------------------------------------------------
// Typed topic descriptors
// ---------------------------------------------------------------------------
// Each TopicDef binds a Topic constant to its payload type, enabling
// compile-time enforcement via Publish[T] and SubscribeTo[T].

// Exec groups execution topic descriptors.
var Exec = struct {
	Lifecycle TopicDef[ExecLifecycleEvent]
	Output    TopicDef[ExecOutputEvent]
}{
	Lifecycle: NewTopicDef[ExecLifecycleEvent](TopicExecLifecycle),
	Output:    NewTopicDef[ExecOutputEvent](TopicExecOutput),
}

// Console groups interactive console topic descriptors.
var Console = struct {
	Lifecycle TopicDef[ConsoleLifecycleEvent]
	Output    TopicDef[ConsoleOutputEvent]
}{
	Lifecycle: NewTopicDef[ConsoleLifecycleEvent](TopicConsoleLifecycle),
	Output:    NewTopicDef[ConsoleOutputEvent](TopicConsoleOutput),
}

// Status groups projector topic descriptors.
var Status = struct {
	Snapshot TopicDef[StatusSnapshotEvent]
}{
	Snapshot: NewTopicDef[StatusSnapshotEvent](TopicStatusSnapshot),
}
