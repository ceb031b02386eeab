// Package console runs whitelisted interactive operations under a PTY.
// Consoles are owned by a client session and live outside the executor's
// single slot, so an attached ssh console never blocks command submission.
package console

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/harpoon-ops/harpoon/internal/eventbus"
	"github.com/harpoon-ops/harpoon/internal/pty"
	"github.com/harpoon-ops/harpoon/internal/whitelist"
)

// Status represents console status.
type Status string

const (
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusDetached Status = "detached"
)

// ErrNotInteractive is returned when the whitelist entry does not permit a
// console.
var ErrNotInteractive = errors.New("console: operation is not interactive")

const stopTimeout = 5 * time.Second

// Console is one live PTY-backed operation.
type Console struct {
	ID        string
	SessionID string
	Operation string
	Argument  string
	StartTime time.Time
	PTY       *pty.Wrapper

	mu          sync.RWMutex
	status      Status
	clientSinks int
	lastInput   time.Time
	outputSeq   uint64
}

// CurrentStatus returns the console status.
func (c *Console) CurrentStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Console) setStatus(status Status) {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
}

// LastInput returns the time of the most recent client write.
func (c *Console) LastInput() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastInput
}

func (c *Console) nextOutputSequence() uint64 {
	return atomic.AddUint64(&c.outputSeq, 1)
}

// Options configures a Manager.
type Options struct {
	Bus               *eventbus.Bus
	Program           string
	WorkDir           string
	InactivityTimeout time.Duration // 0 disables the idle reaper
	BufferBytes       int           // per-console transcript cap, 0 selects the PTY default
	Logger            *log.Logger
}

// Manager owns the set of live consoles.
type Manager struct {
	mu       sync.RWMutex
	consoles map[string]*Console

	bus               *eventbus.Bus
	program           string
	workDir           string
	inactivityTimeout time.Duration
	bufferBytes       int
	logger            *log.Logger

	lifecycle eventbus.ServiceLifecycle
}

// NewManager creates a console manager.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		consoles:          make(map[string]*Console),
		bus:               opts.Bus,
		program:           opts.Program,
		workDir:           opts.WorkDir,
		inactivityTimeout: opts.InactivityTimeout,
		bufferBytes:       opts.BufferBytes,
		logger:            logger,
	}
}

// Start launches a console for a whitelisted interactive operation. The
// process is the configured program invoked directly with the operation and
// optional argument, same argv shape the executor uses.
func (m *Manager) Start(sessionID string, entry whitelist.Entry, argument string) (*Console, error) {
	if !entry.Interactive {
		return nil, ErrNotInteractive
	}
	if !entry.AllowsArgument(argument) {
		return nil, fmt.Errorf("console: argument %q not allowed for %s", argument, entry.Name)
	}

	args := []string{entry.Name}
	if argument != "" {
		args = append(args, argument)
	}

	wrapper := pty.New(m.bufferBytes)
	if err := wrapper.Start(pty.StartOptions{
		Command:    m.program,
		Args:       args,
		WorkingDir: m.workDir,
	}); err != nil {
		return nil, fmt.Errorf("console: start %s: %w", entry.Name, err)
	}

	now := time.Now()
	console := &Console{
		ID:        uuid.NewString()[:8],
		SessionID: sessionID,
		Operation: entry.Name,
		Argument:  argument,
		StartTime: now,
		PTY:       wrapper,
		status:    StatusRunning,
		lastInput: now,
	}

	wrapper.AddSink(&busSink{bus: m.bus, console: console})
	go m.monitor(console)

	m.mu.Lock()
	m.consoles[console.ID] = console
	m.mu.Unlock()

	m.logger.Printf("[Console] started %s (%s %s) for session %s, pid %d",
		console.ID, entry.Name, argument, sessionID, wrapper.PID())
	m.publishLifecycle(console, eventbus.ConsoleStateStarted, nil, "console_started")

	return console, nil
}

// monitor watches PTY events and settles the console when its process exits.
func (m *Manager) monitor(console *Console) {
	for event := range console.PTY.Events() {
		if event.Type != pty.EventExited {
			continue
		}
		console.setStatus(StatusStopped)
		var exitPtr *int
		if event.ExitCode >= 0 {
			code := event.ExitCode
			exitPtr = &code
		}
		m.logger.Printf("[Console] %s exited, code %d", console.ID, event.ExitCode)
		m.publishLifecycle(console, eventbus.ConsoleStateStopped, exitPtr, "process_exit")
	}
}

// Get returns a console by ID.
func (m *Manager) Get(id string) (*Console, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	console, ok := m.consoles[id]
	if !ok {
		return nil, fmt.Errorf("console %s not found", id)
	}
	return console, nil
}

// ForSession returns the consoles owned by a client session.
func (m *Manager) ForSession(sessionID string) []*Console {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Console
	for _, console := range m.consoles {
		if console.SessionID == sessionID {
			out = append(out, console)
		}
	}
	return out
}

// Attach adds an output sink to a console. With includeHistory the buffered
// transcript is written to the sink before it starts receiving live output,
// so the client sees no gap and no duplicate.
func (m *Manager) Attach(id string, sink pty.OutputSink, includeHistory bool) error {
	console, err := m.Get(id)
	if err != nil {
		return err
	}

	if includeHistory {
		if history := console.PTY.Buffer(); len(history) > 0 {
			if err := sink.Write(history); err != nil {
				return fmt.Errorf("console: replay history: %w", err)
			}
		}
	}
	console.PTY.AddSink(sink)

	console.mu.Lock()
	console.clientSinks++
	console.mu.Unlock()

	if console.PTY.IsRunning() && console.CurrentStatus() != StatusRunning {
		console.setStatus(StatusRunning)
	}
	return nil
}

// Detach removes an output sink. A console with no remaining clients but a
// live process becomes detached, not stopped; the ssh connection stays up.
func (m *Manager) Detach(id string, sink pty.OutputSink) error {
	console, err := m.Get(id)
	if err != nil {
		return err
	}

	console.PTY.RemoveSink(sink)

	console.mu.Lock()
	if console.clientSinks > 0 {
		console.clientSinks--
	}
	remaining := console.clientSinks
	console.mu.Unlock()

	if console.PTY.IsRunning() && remaining == 0 {
		console.setStatus(StatusDetached)
	}
	return nil
}

// Write sends client input to a console and refreshes its activity clock.
func (m *Manager) Write(id string, data []byte) error {
	console, err := m.Get(id)
	if err != nil {
		return err
	}
	console.mu.Lock()
	console.lastInput = time.Now()
	console.mu.Unlock()
	_, err = console.PTY.Write(data)
	return err
}

// Resize updates the console's PTY window.
func (m *Manager) Resize(id string, rows, cols int) error {
	console, err := m.Get(id)
	if err != nil {
		return err
	}
	return console.PTY.SetWinSize(rows, cols)
}

// Stop terminates a console's process.
func (m *Manager) Stop(id string) error {
	console, err := m.Get(id)
	if err != nil {
		return err
	}
	if err := console.PTY.Stop(stopTimeout); err != nil {
		return fmt.Errorf("console: stop %s: %w", id, err)
	}
	console.setStatus(StatusStopped)
	return nil
}

// StopForSession stops every console owned by a session.
func (m *Manager) StopForSession(sessionID string) {
	for _, console := range m.ForSession(sessionID) {
		if err := m.Stop(console.ID); err != nil {
			m.logger.Printf("[Console] stop %s: %v", console.ID, err)
		}
	}
}

// CleanupStopped removes stopped consoles older than the given duration and
// returns how many were dropped.
func (m *Manager) CleanupStopped(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, console := range m.consoles {
		if console.CurrentStatus() == StatusStopped && console.StartTime.Before(cutoff) {
			delete(m.consoles, id)
			removed++
		}
	}
	return removed
}

// StartReaper begins the idle-console reaper. Consoles with no client input
// for the inactivity timeout are stopped so forgotten ssh sessions do not
// linger.
func (m *Manager) StartReaper(ctx context.Context) {
	if m.inactivityTimeout <= 0 {
		return
	}
	m.lifecycle.Start(ctx)
	m.lifecycle.Go(func(ctx context.Context) {
		interval := m.inactivityTimeout / 4
		if interval < time.Second {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.reapIdle()
			}
		}
	})
}

func (m *Manager) reapIdle() {
	cutoff := time.Now().Add(-m.inactivityTimeout)

	m.mu.RLock()
	var idle []*Console
	for _, console := range m.consoles {
		status := console.CurrentStatus()
		if (status == StatusRunning || status == StatusDetached) && console.LastInput().Before(cutoff) {
			idle = append(idle, console)
		}
	}
	m.mu.RUnlock()

	for _, console := range idle {
		m.logger.Printf("[Console] %s idle past %v, stopping", console.ID, m.inactivityTimeout)
		if err := m.Stop(console.ID); err != nil {
			m.logger.Printf("[Console] stop idle %s: %v", console.ID, err)
			continue
		}
		m.publishLifecycle(console, eventbus.ConsoleStateStopped, nil, "inactivity_timeout")
	}
}

// Shutdown stops the reaper and every live console.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.consoles))
	for id := range m.consoles {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.Stop(id); err != nil {
			m.logger.Printf("[Console] shutdown stop %s: %v", id, err)
		}
	}
	return m.lifecycle.Shutdown(ctx)
}

func (m *Manager) publishLifecycle(console *Console, state eventbus.ConsoleState, exitCode *int, reason string) {
	eventbus.Publish(context.Background(), m.bus, eventbus.Console.Lifecycle, eventbus.SourceConsole,
		eventbus.ConsoleLifecycleEvent{
			ConsoleID: console.ID,
			SessionID: console.SessionID,
			Operation: console.Operation,
			State:     state,
			ExitCode:  exitCode,
			Reason:    reason,
		})
}

// busSink publishes PTY output chunks on the event bus.
type busSink struct {
	bus     *eventbus.Bus
	console *Console
}

func (s *busSink) Write(data []byte) error {
	if s.bus == nil || len(data) == 0 {
		return nil
	}
	eventbus.Publish(context.Background(), s.bus, eventbus.Console.Output, eventbus.SourceConsole,
		eventbus.ConsoleOutputEvent{
			ConsoleID: s.console.ID,
			Sequence:  s.console.nextOutputSequence(),
			Data:      append([]byte(nil), data...),
		})
	return nil
}
