// Package executor runs whitelisted operations as subprocesses, one at a
// time. The single execution slot is the only shared mutable state: a second
// submission while a record is non-terminal fails fast with ErrBusy instead
// of queueing.
package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/harpoon-ops/harpoon/internal/config/store"
	"github.com/harpoon-ops/harpoon/internal/eventbus"
	"github.com/harpoon-ops/harpoon/internal/procutil"
	"github.com/harpoon-ops/harpoon/internal/whitelist"
)

// ErrBusy is returned by Submit while another execution is in flight.
// Callers retry after the current run reaches a terminal state.
var ErrBusy = errors.New("executor: another operation is in flight")

// SpawnError reports that the subprocess could not be started at all
// (missing program, permission denied). Distinct from a validation
// rejection: the operation was legitimate but the environment is broken.
type SpawnError struct {
	Operation string
	Err       error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("executor: spawn %s: %v", e.Operation, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// gracePeriod is how long Cancel waits after SIGTERM before escalating.
const gracePeriod = 5 * time.Second

// Archiver persists terminal execution records. Satisfied by *store.Store.
type Archiver interface {
	ArchiveExecution(ctx context.Context, exec store.ArchivedExecution) error
	PruneExecutions(ctx context.Context, maxEntries int) error
}

// Options configures an Executor.
type Options struct {
	Whitelist      *whitelist.Whitelist
	Bus            *eventbus.Bus
	Archiver       Archiver      // optional; terminal records are persisted when set
	WorkDir        string        // working directory for spawned processes
	Program        string        // program invoked for every operation (e.g. make)
	CommandTimeout time.Duration // watchdog deadline; 0 selects one hour
	MaxHistory     int           // archive prune threshold; 0 disables pruning
	Logger         *log.Logger
}

// Executor owns the single execution slot.
type Executor struct {
	wl             *whitelist.Whitelist
	bus            *eventbus.Bus
	archiver       Archiver
	workDir        string
	program        string
	commandTimeout time.Duration
	maxHistory     int
	logger         *log.Logger

	mu      sync.Mutex
	current *run
}

// run couples a record with its live process bookkeeping.
type run struct {
	rec       *record
	cmd       *exec.Cmd
	seq       atomic.Uint64
	timedOut  atomic.Bool
	cancelled atomic.Bool
	watchdog  *time.Timer
}

// New constructs an Executor.
func New(opts Options) *Executor {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = time.Hour
	}
	if opts.Program == "" {
		opts.Program = "make"
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Executor{
		wl:             opts.Whitelist,
		bus:            opts.Bus,
		archiver:       opts.Archiver,
		workDir:        opts.WorkDir,
		program:        opts.Program,
		commandTimeout: opts.CommandTimeout,
		maxHistory:     opts.MaxHistory,
		logger:         logger,
	}
}

// Submit validates and starts an operation. It returns the Pending->Running
// record snapshot immediately; output streams via the bus afterwards.
//
// Error returns: *whitelist.Rejection (validation), ErrBusy (slot occupied),
// *SpawnError (process could not start). Validation and busy checks happen
// before any process side effect.
func (e *Executor) Submit(ctx context.Context, operation, argument string) (Record, error) {
	if _, rej := e.wl.Validate(operation, argument); rej != nil {
		return Record{}, rej
	}

	e.mu.Lock()
	if e.current != nil && !e.current.rec.currentState().Terminal() {
		e.mu.Unlock()
		return Record{}, ErrBusy
	}

	rec := newRecord(uuid.NewString(), operation, argument)
	r := &run{rec: rec}
	e.current = r
	e.mu.Unlock()

	argv := []string{operation}
	if argument != "" {
		argv = append(argv, argument)
	}
	// Direct spawn, never through a shell: argv reaches execve verbatim.
	cmd := exec.Command(e.program, argv...)
	cmd.Dir = e.workDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Record{}, e.failSpawn(ctx, r, err)
	}
	cmd.Stderr = cmd.Stdout // merged stream, like 2>&1 without the shell

	// Own process group: cancellation and the watchdog must reach the whole
	// process tree, or an orphaned grandchild keeps the merged pipe open and
	// the record never settles.
	procutil.SetProcessGroup(cmd)
	cmd.WaitDelay = gracePeriod

	if err := cmd.Start(); err != nil {
		return Record{}, e.failSpawn(ctx, r, err)
	}

	e.mu.Lock()
	r.cmd = cmd
	e.mu.Unlock()

	rec.transition(eventbus.ExecStateRunning)
	e.publishLifecycle(ctx, rec.snapshot(), "")

	pid := cmd.Process.Pid
	r.watchdog = time.AfterFunc(e.commandTimeout, func() {
		r.timedOut.Store(true)
		e.logger.Printf("[Executor] watchdog fired for %s (%s) after %v", rec.id, operation, e.commandTimeout)
		_ = procutil.KillGroup(pid)
	})

	go e.stream(r, stdout)

	// A cancel may have arrived while the slot still held a Pending record;
	// it could not signal a process that did not exist yet, so deliver now.
	if r.cancelled.Load() {
		e.terminate(r, pid)
	}

	return rec.snapshot(), nil
}

// failSpawn marks the reserved record as failed and reports a SpawnError.
func (e *Executor) failSpawn(ctx context.Context, r *run, err error) error {
	rec := r.rec
	rec.mu.Lock()
	rec.failureReason = "spawn_failed"
	rec.mu.Unlock()
	rec.transition(eventbus.ExecStateFailed)
	close(rec.done)

	e.logger.Printf("[Executor] spawn failed for %s (%s): %v", rec.id, rec.operation, err)
	e.publishLifecycle(ctx, rec.snapshot(), "spawn_failed")
	e.archive(rec.snapshot())

	return &SpawnError{Operation: rec.operation, Err: err}
}

// stream reads merged output line by line, then settles the record once the
// process exits.
func (e *Executor) stream(r *run, stdout io.Reader) {
	ctx := context.Background()
	rec := r.rec

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		rec.appendLine(line)
		eventbus.PublishWithOpts(ctx, e.bus, eventbus.Exec.Output, eventbus.SourceExecutor,
			eventbus.ExecOutputEvent{
				ExecutionID: rec.id,
				Sequence:    r.seq.Add(1),
				Line:        line,
			},
			eventbus.WithCorrelationID(rec.id),
		)
	}
	if err := scanner.Err(); err != nil {
		// Treat a broken pipe like a closed stream; the exit status below
		// is still authoritative.
		e.logger.Printf("[Executor] output stream error for %s: %v", rec.id, err)
	}

	waitErr := r.cmd.Wait()
	r.watchdog.Stop()

	exitCode := -1
	if state := r.cmd.ProcessState; state != nil {
		exitCode = state.ExitCode()
	}

	var (
		final  eventbus.ExecState
		reason string
	)
	switch {
	case r.timedOut.Load():
		final = eventbus.ExecStateTimedOut
		reason = eventbus.ExecReasonTimeout
	case r.cancelled.Load():
		final = eventbus.ExecStateCancelled
		reason = "cancelled"
	case waitErr == nil:
		final = eventbus.ExecStateSucceeded
	default:
		final = eventbus.ExecStateFailed
	}

	rec.mu.Lock()
	rec.exitCode = &exitCode
	rec.failureReason = reason
	rec.mu.Unlock()
	rec.transition(final)
	close(rec.done)

	snap := rec.snapshot()
	e.logger.Printf("[Executor] %s (%s %s) finished: %s exit=%d elapsed=%v",
		rec.id, rec.operation, rec.argument, final, exitCode, snap.EndedAt.Sub(snap.StartedAt))
	e.publishLifecycle(ctx, snap, reason)
	e.archive(snap)
}

func (e *Executor) publishLifecycle(ctx context.Context, snap Record, reason string) {
	var elapsed time.Duration
	if snap.EndedAt != nil {
		elapsed = snap.EndedAt.Sub(snap.StartedAt)
	}
	eventbus.PublishWithOpts(ctx, e.bus, eventbus.Exec.Lifecycle, eventbus.SourceExecutor,
		eventbus.ExecLifecycleEvent{
			ExecutionID: snap.ID,
			Operation:   snap.Operation,
			Argument:    snap.Argument,
			State:       snap.State,
			ExitCode:    snap.ExitCode,
			Reason:      reason,
			Elapsed:     elapsed,
		},
		eventbus.WithCorrelationID(snap.ID),
	)
}

func (e *Executor) archive(snap Record) {
	if e.archiver == nil || !snap.Terminal() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	archived := store.ArchivedExecution{
		ID:            snap.ID,
		Operation:     snap.Operation,
		Argument:      snap.Argument,
		State:         string(snap.State),
		ExitCode:      snap.ExitCode,
		FailureReason: snap.FailureReason,
		StartedAt:     snap.StartedAt,
		EndedAt:       snap.EndedAt,
		Output:        joinLines(snap.Output),
	}
	if err := e.archiver.ArchiveExecution(ctx, archived); err != nil {
		e.logger.Printf("[Executor] archive %s: %v", snap.ID, err)
		return
	}
	if e.maxHistory > 0 {
		if err := e.archiver.PruneExecutions(ctx, e.maxHistory); err != nil {
			e.logger.Printf("[Executor] prune history: %v", err)
		}
	}
}

// Cancel requests termination of the execution identified by id. It is a
// no-op when the record is already terminal, and reports an error only for
// an unknown id. The record transitions to Cancelled once the process has
// actually exited.
func (e *Executor) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	r := e.current
	e.mu.Unlock()

	if r == nil || r.rec.id != id {
		return fmt.Errorf("executor: no execution with id %s", id)
	}
	if r.rec.currentState().Terminal() {
		return nil
	}
	if r.cancelled.Swap(true) {
		return nil // cancel already requested
	}

	e.logger.Printf("[Executor] cancel requested for %s", id)

	// Read the process only after raising the flag: either it is visible
	// here and signalled now, or Submit observes the flag after Start and
	// signals it there. A Pending record has no process yet.
	e.mu.Lock()
	cmd := r.cmd
	e.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	e.terminate(r, cmd.Process.Pid)
	return nil
}

// terminate signals the process group and escalates to SIGKILL if the record
// has not settled within the grace period. Signal errors are logged, not
// returned: losing the race with a natural exit is not a cancel failure.
func (e *Executor) terminate(r *run, pid int) {
	if err := procutil.TerminateGroup(pid); err != nil {
		e.logger.Printf("[Executor] terminate group %d: %v", pid, err)
	}
	go func() {
		select {
		case <-r.rec.done:
		case <-time.After(gracePeriod):
			_ = procutil.KillGroup(pid)
		}
	}()
}

// Current returns a snapshot of the record occupying the slot, or ok=false
// when nothing has been submitted yet.
func (e *Executor) Current() (Record, bool) {
	e.mu.Lock()
	r := e.current
	e.mu.Unlock()

	if r == nil {
		return Record{}, false
	}
	return r.rec.snapshot(), true
}

// Get returns the record with the given id if it still occupies the slot.
func (e *Executor) Get(id string) (Record, bool) {
	snap, ok := e.Current()
	if !ok || snap.ID != id {
		return Record{}, false
	}
	return snap, true
}

// Wait blocks until the execution identified by id reaches a terminal state
// or ctx is done. Used by tests and the CLI's synchronous mode.
func (e *Executor) Wait(ctx context.Context, id string) (Record, error) {
	e.mu.Lock()
	r := e.current
	e.mu.Unlock()

	if r == nil || r.rec.id != id {
		return Record{}, fmt.Errorf("executor: no execution with id %s", id)
	}

	select {
	case <-r.rec.done:
		return r.rec.snapshot(), nil
	case <-ctx.Done():
		return Record{}, ctx.Err()
	}
}

// Shutdown cancels any in-flight execution and waits for it to settle.
func (e *Executor) Shutdown(ctx context.Context) error {
	snap, ok := e.Current()
	if !ok || snap.Terminal() {
		return nil
	}
	if err := e.Cancel(ctx, snap.ID); err != nil {
		return err
	}
	_, err := e.Wait(ctx, snap.ID)
	return err
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
