// Package pty runs an interactive subprocess behind a pseudo-terminal,
// keeping a bounded transcript buffer and fanning output out to sinks.
package pty

import (
	"bytes"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	ptyDevice "github.com/creack/pty"
	"golang.org/x/crypto/ssh/terminal"

	"github.com/harpoon-ops/harpoon/internal/procutil"
)

// StartOptions contains options for starting a PTY session.
type StartOptions struct {
	Command    string   // Program to execute, resolved via PATH
	Args       []string // Program arguments, passed verbatim (never through a shell)
	WorkingDir string   // Working directory
	Env        []string // Environment variables (defaults to os.Environ)
	Rows       uint16   // Terminal rows
	Cols       uint16   // Terminal columns
}

// OutputSink receives PTY output chunks as they are produced.
type OutputSink interface {
	Write([]byte) error
}

// ResizableSink is an optional interface for sinks that need resize events.
type ResizableSink interface {
	OutputSink
	WriteResize(rows, cols int) error
}

// EventType classifies PTY lifecycle events.
type EventType string

const (
	EventStarted EventType = "process_started"
	EventExited  EventType = "process_exited"
)

// Event represents a PTY lifecycle event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	PID       int
	ExitCode  int
	Err       error
}

const defaultMaxBufferSize = 256 * 1024

// Wrapper manages one subprocess attached to a pseudo-terminal. Output is
// captured into a bounded buffer (oldest bytes evicted first) and broadcast
// to registered sinks.
type Wrapper struct {
	ptyFile      *os.File
	command      *exec.Cmd
	rawTermState *terminal.State
	currentRows  atomic.Int32
	currentCols  atomic.Int32

	outputBuffer  *bytes.Buffer
	bufferMutex   sync.RWMutex
	maxBufferSize int

	sinks      []OutputSink
	sinksMutex sync.RWMutex

	events       chan Event
	eventsMutex  sync.RWMutex
	eventsClosed bool

	commandMu    sync.RWMutex
	ptyCloseOnce sync.Once

	running   atomic.Bool
	exitCode  atomic.Int32
	waitOnce  sync.Once
	startedAt time.Time
	pid       int
}

// New creates a PTY wrapper. maxBufferSize <= 0 selects the default cap.
func New(maxBufferSize int) *Wrapper {
	if maxBufferSize <= 0 {
		maxBufferSize = defaultMaxBufferSize
	}
	return &Wrapper{
		outputBuffer:  bytes.NewBuffer(nil),
		maxBufferSize: maxBufferSize,
		events:        make(chan Event, 64),
	}
}

// Start launches the program under a PTY. The command must resolve via PATH
// or be an absolute path; there is no shell fallback.
func (w *Wrapper) Start(opts StartOptions) error {
	if _, err := exec.LookPath(opts.Command); err != nil {
		return err
	}

	w.command = exec.Command(opts.Command, opts.Args...)
	if opts.WorkingDir != "" {
		w.command.Dir = opts.WorkingDir
	}

	env := opts.Env
	if len(env) == 0 {
		env = os.Environ()
	}
	w.command.Env = ensureTerminalEnv(env)

	var err error
	w.ptyFile, err = ptyDevice.Start(w.command)
	if err != nil {
		return err
	}

	rows, cols := int(opts.Rows), int(opts.Cols)
	if rows == 0 {
		rows = 24
	}
	if cols == 0 {
		cols = 80
	}
	w.SetWinSize(rows, cols)

	w.running.Store(true)
	w.exitCode.Store(-1)
	w.startedAt = time.Now()
	if w.command.Process != nil {
		w.pid = w.command.Process.Pid
	}

	w.emitEvent(Event{
		Type:      EventStarted,
		Timestamp: time.Now(),
		PID:       w.pid,
	})

	go w.captureLoop()

	return nil
}

// ensureTerminalEnv guarantees TERM and a UTF-8 locale are set so interactive
// programs render correctly inside the PTY.
func ensureTerminalEnv(env []string) []string {
	termSet, langSet := false, false
	for _, e := range env {
		if strings.HasPrefix(e, "TERM=") {
			termSet = true
		}
		if strings.HasPrefix(e, "LANG=") || strings.HasPrefix(e, "LC_ALL=") {
			langSet = true
		}
	}
	if !termSet {
		env = append(env, "TERM=xterm-256color")
	}
	if !langSet {
		env = append(env, "LANG=C.UTF-8")
	}
	return env
}

func (w *Wrapper) captureLoop() {
	chunk := make([]byte, 4096)

	for {
		n, err := w.ptyFile.Read(chunk)
		if n > 0 {
			w.appendToBuffer(chunk[:n])
			w.broadcastToSinks(chunk[:n])
		}
		if err != nil {
			w.closePTY()
			w.running.Store(false)
			_ = w.reapProcess()

			w.emitEvent(Event{
				Type:      EventExited,
				Timestamp: time.Now(),
				PID:       w.pid,
				ExitCode:  int(w.exitCode.Load()),
				Err:       err,
			})
			w.closeEvents()
			return
		}
	}
}

func (w *Wrapper) appendToBuffer(data []byte) {
	w.bufferMutex.Lock()
	defer w.bufferMutex.Unlock()

	if w.outputBuffer.Len()+len(data) > w.maxBufferSize {
		excess := w.outputBuffer.Len() + len(data) - w.maxBufferSize
		w.outputBuffer.Next(excess)
	}
	w.outputBuffer.Write(data)
}

func (w *Wrapper) broadcastToSinks(data []byte) {
	w.sinksMutex.RLock()
	defer w.sinksMutex.RUnlock()

	for _, sink := range w.sinks {
		sink.Write(data)
	}
}

// AddSink registers an output sink.
func (w *Wrapper) AddSink(sink OutputSink) {
	w.sinksMutex.Lock()
	defer w.sinksMutex.Unlock()
	w.sinks = append(w.sinks, sink)
}

// RemoveSink unregisters an output sink.
func (w *Wrapper) RemoveSink(sink OutputSink) {
	w.sinksMutex.Lock()
	defer w.sinksMutex.Unlock()

	for i, s := range w.sinks {
		if s == sink {
			w.sinks = append(w.sinks[:i], w.sinks[i+1:]...)
			return
		}
	}
}

// SinkCount returns the number of active output sinks.
func (w *Wrapper) SinkCount() int {
	w.sinksMutex.RLock()
	defer w.sinksMutex.RUnlock()
	return len(w.sinks)
}

// Write sends data to the PTY (keystrokes from the client).
func (w *Wrapper) Write(data []byte) (int, error) {
	if w.ptyFile == nil {
		return 0, io.ErrClosedPipe
	}
	return w.ptyFile.Write(data)
}

// Buffer returns a copy of the bounded transcript buffer.
func (w *Wrapper) Buffer() []byte {
	w.bufferMutex.RLock()
	defer w.bufferMutex.RUnlock()

	if w.outputBuffer.Len() == 0 {
		return nil
	}
	return append([]byte(nil), w.outputBuffer.Bytes()...)
}

// SetWinSize sets the PTY window size and notifies resizable sinks.
func (w *Wrapper) SetWinSize(rows, cols int) error {
	if w.ptyFile == nil {
		return io.ErrClosedPipe
	}

	winSize := ptyDevice.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	}
	if err := ptyDevice.Setsize(w.ptyFile, &winSize); err != nil {
		return err
	}

	w.currentRows.Store(int32(rows))
	w.currentCols.Store(int32(cols))

	w.sinksMutex.RLock()
	defer w.sinksMutex.RUnlock()
	for _, sink := range w.sinks {
		if resizable, ok := sink.(ResizableSink); ok {
			resizable.WriteResize(rows, cols)
		}
	}
	return nil
}

// WinSize returns the current PTY window size.
func (w *Wrapper) WinSize() (rows, cols int) {
	return int(w.currentRows.Load()), int(w.currentCols.Load())
}

// closePTY closes the PTY file descriptor exactly once, unblocking any
// goroutine stuck in ptyFile.Read.
func (w *Wrapper) closePTY() {
	w.ptyCloseOnce.Do(func() {
		if w.ptyFile != nil {
			w.ptyFile.Close()
		}
	})
}

func (w *Wrapper) closeEvents() {
	w.eventsMutex.Lock()
	defer w.eventsMutex.Unlock()
	if !w.eventsClosed {
		close(w.events)
		w.eventsClosed = true
	}
}

// isExpectedTerminationError reports whether err is the normal process exit
// caused by graceful termination. Called only after GracefulTerminate
// succeeded, so any ExitError is expected.
func isExpectedTerminationError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}

// Stop terminates the PTY process gracefully, escalating to SIGKILL after
// the timeout elapses.
func (w *Wrapper) Stop(timeout time.Duration) error {
	if !w.running.Load() {
		return nil
	}

	defer w.closePTY()

	w.commandMu.RLock()
	cmd := w.command
	w.commandMu.RUnlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if err := procutil.GracefulTerminate(cmd.Process); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- w.reapProcess()
	}()

	select {
	case err := <-done:
		w.running.Store(false)
		w.closeEvents()
		if err != nil && isExpectedTerminationError(err) {
			return nil
		}
		return err
	case <-time.After(timeout):
		if err := cmd.Process.Kill(); err != nil {
			return err
		}
		w.running.Store(false)
		w.closeEvents()
		err := <-done
		if err != nil && isExpectedTerminationError(err) {
			return nil
		}
		return err
	}
}

func (w *Wrapper) reapProcess() error {
	var waitErr error
	w.waitOnce.Do(func() {
		w.commandMu.Lock()
		defer w.commandMu.Unlock()

		if w.command == nil {
			w.exitCode.Store(-1)
			return
		}

		waitErr = w.command.Wait()

		if state := w.command.ProcessState; state != nil {
			w.exitCode.Store(int32(state.ExitCode()))
		} else {
			w.exitCode.Store(-1)
		}
	})
	return waitErr
}

// IsRunning reports whether the PTY process is running.
func (w *Wrapper) IsRunning() bool {
	return w.running.Load()
}

// PID returns the process ID.
func (w *Wrapper) PID() int {
	return w.pid
}

// ExitCode returns the exit code, or -1 while the process is still running.
func (w *Wrapper) ExitCode() int {
	if w.running.Load() {
		return -1
	}
	return int(w.exitCode.Load())
}

// Events returns the lifecycle event channel. It is closed after the
// process exits.
func (w *Wrapper) Events() <-chan Event {
	w.eventsMutex.RLock()
	defer w.eventsMutex.RUnlock()
	return w.events
}

func (w *Wrapper) emitEvent(event Event) {
	w.eventsMutex.RLock()
	defer w.eventsMutex.RUnlock()

	if w.eventsClosed {
		return
	}

	select {
	case w.events <- event:
	default:
	}
}

// MakeRaw puts the controlling terminal into raw mode, for the CLI side of
// an attached console.
func (w *Wrapper) MakeRaw() error {
	if !terminal.IsTerminal(0) {
		return nil
	}

	var err error
	w.rawTermState, err = terminal.MakeRaw(0)
	return err
}

// Restore undoes MakeRaw.
func (w *Wrapper) Restore() {
	if w.rawTermState != nil {
		terminal.Restore(0, w.rawTermState)
		w.rawTermState = nil
	}
}
