package executor

import (
	"sync"
	"time"

	"github.com/harpoon-ops/harpoon/internal/eventbus"
)

// maxOutputLines bounds the in-memory transcript of a single execution.
// Oldest lines are evicted first; the full stream still reaches subscribers
// as it is produced.
const maxOutputLines = 10000

// Record is an immutable snapshot of an execution.
type Record struct {
	ID            string             `json:"id"`
	Operation     string             `json:"operation"`
	Argument      string             `json:"argument,omitempty"`
	State         eventbus.ExecState `json:"state"`
	ExitCode      *int               `json:"exit_code,omitempty"`
	FailureReason string             `json:"failure_reason,omitempty"`
	StartedAt     time.Time          `json:"started_at"`
	EndedAt       *time.Time         `json:"ended_at,omitempty"`
	Output        []string           `json:"output,omitempty"`
}

// Terminal reports whether the record admits no further transitions.
func (r Record) Terminal() bool {
	return r.State.Terminal()
}

// record is the mutable slot occupant. All fields below mu are guarded by it.
type record struct {
	id        string
	operation string
	argument  string
	startedAt time.Time
	done      chan struct{} // closed when the record reaches a terminal state

	mu            sync.Mutex
	state         eventbus.ExecState
	exitCode      *int
	failureReason string
	endedAt       *time.Time
	output        []string
	evicted       uint64 // lines dropped from the front of output
}

func newRecord(id, operation, argument string) *record {
	return &record{
		id:        id,
		operation: operation,
		argument:  argument,
		startedAt: time.Now().UTC(),
		done:      make(chan struct{}),
		state:     eventbus.ExecStatePending,
	}
}

func (r *record) snapshot() Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	return Record{
		ID:            r.id,
		Operation:     r.operation,
		Argument:      r.argument,
		State:         r.state,
		ExitCode:      r.exitCode,
		FailureReason: r.failureReason,
		StartedAt:     r.startedAt,
		EndedAt:       r.endedAt,
		Output:        append([]string(nil), r.output...),
	}
}

func (r *record) appendLine(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.output) >= maxOutputLines {
		r.output = r.output[1:]
		r.evicted++
	}
	r.output = append(r.output, line)
}

// transition moves the record to state if it is not already terminal.
// Returns false when the record was terminal and nothing changed.
func (r *record) transition(state eventbus.ExecState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Terminal() {
		return false
	}
	r.state = state
	if state.Terminal() {
		now := time.Now().UTC()
		r.endedAt = &now
	}
	return true
}

func (r *record) currentState() eventbus.ExecState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}
