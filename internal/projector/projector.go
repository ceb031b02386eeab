// Package projector derives a coarse snapshot of the managed target by
// running short status-check commands. Checks go through their own runner,
// never through the executor's single slot, so a long-running operation
// cannot block a snapshot pull.
package projector

import (
	"context"
	"log"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"github.com/harpoon-ops/harpoon/internal/eventbus"
)

// Snapshot is the best-effort state of the managed target. Fields are
// booleans only: a failed or timed-out probe reads as false.
type Snapshot struct {
	PrimaryInstalled bool            `json:"primary_installed"`
	PrimaryRunning   bool            `json:"primary_running"`
	SubTargets       map[string]bool `json:"sub_targets"`
	CheckedAt        time.Time       `json:"checked_at"`
}

// Check describes one status probe: run the operation and match its output.
// A nil Pattern means exit code 0 alone decides the result.
type Check struct {
	Name      string
	Operation string
	Argument  string
	Pattern   *regexp.Regexp
}

// Config holds the probe set for a snapshot.
type Config struct {
	// Primary decides primary_installed.
	Primary Check
	// Running is matched against the primary check's output to decide
	// primary_running. Optional.
	Running *regexp.Regexp
	// SubTargets decide the per-name booleans.
	SubTargets []Check
}

// DefaultConfig builds the standard probe set: a `status` call whose output
// carries the workstation state line, plus one `verify-install` probe per
// service.
func DefaultConfig(services []string) Config {
	cfg := Config{
		Primary: Check{
			Name:      "primary",
			Operation: "status",
			Pattern:   regexp.MustCompile(`Workstation: (Running|Stopped)`),
		},
		Running: regexp.MustCompile(`Workstation: Running`),
	}
	for _, svc := range services {
		cfg.SubTargets = append(cfg.SubTargets, Check{
			Name:      svc,
			Operation: "verify-install",
			Argument:  svc,
		})
	}
	return cfg
}

// Runner executes a status-check operation and returns its combined output.
// A non-nil error covers both spawn failures and non-zero exits.
type Runner interface {
	Run(ctx context.Context, operation, argument string) (string, error)
}

// ProcessRunner runs checks as direct subprocesses of the configured
// program, the same argv shape the executor uses.
type ProcessRunner struct {
	Program string
	WorkDir string
}

func (r *ProcessRunner) Run(ctx context.Context, operation, argument string) (string, error) {
	argv := []string{operation}
	if argument != "" {
		argv = append(argv, argument)
	}
	cmd := exec.CommandContext(ctx, r.Program, argv...)
	cmd.Dir = r.WorkDir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// Projector computes snapshots on demand and optionally on a refresh ticker.
type Projector struct {
	cfg     Config
	runner  Runner
	bus     *eventbus.Bus
	timeout time.Duration
	logger  *log.Logger

	lifecycle eventbus.ServiceLifecycle
}

// Options configures a Projector.
type Options struct {
	Config  Config
	Runner  Runner
	Bus     *eventbus.Bus // optional; snapshots are published when set
	Timeout time.Duration // per-check deadline; 0 selects 10s
	Logger  *log.Logger
}

// New constructs a Projector.
func New(opts Options) *Projector {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Projector{
		cfg:     opts.Config,
		runner:  opts.Runner,
		bus:     opts.Bus,
		timeout: opts.Timeout,
		logger:  logger,
	}
}

// Snapshot runs all configured checks and returns the result. Sub-target
// probes run concurrently; each has its own deadline. Probe failures are
// logged and read as false.
func (p *Projector) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{
		SubTargets: make(map[string]bool, len(p.cfg.SubTargets)),
		CheckedAt:  time.Now().UTC(),
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		output, ok := p.probe(ctx, p.cfg.Primary)
		mu.Lock()
		defer mu.Unlock()
		snap.PrimaryInstalled = ok
		if ok && p.cfg.Running != nil {
			snap.PrimaryRunning = p.cfg.Running.MatchString(output)
		}
	}()

	for _, check := range p.cfg.SubTargets {
		wg.Add(1)
		go func(check Check) {
			defer wg.Done()
			_, ok := p.probe(ctx, check)
			mu.Lock()
			defer mu.Unlock()
			snap.SubTargets[check.Name] = ok
		}(check)
	}

	wg.Wait()
	return snap
}

// probe runs one check. The boolean result is best-effort by contract:
// any failure maps to false.
func (p *Projector) probe(ctx context.Context, check Check) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	output, err := p.runner.Run(ctx, check.Operation, check.Argument)
	if err != nil {
		p.logger.Printf("[Projector] check %s (%s %s): %v", check.Name, check.Operation, check.Argument, err)
		return output, false
	}
	if check.Pattern != nil {
		return output, check.Pattern.MatchString(output)
	}
	return output, true
}

// Publish takes a snapshot and publishes it on the bus.
func (p *Projector) Publish(ctx context.Context) Snapshot {
	snap := p.Snapshot(ctx)
	eventbus.Publish(ctx, p.bus, eventbus.Status.Snapshot, eventbus.SourceProjector,
		eventbus.StatusSnapshotEvent{
			WorkstationCreated: snap.PrimaryInstalled,
			WorkstationRunning: snap.PrimaryRunning,
			Services:           snap.SubTargets,
			CheckedAt:          snap.CheckedAt,
		})
	return snap
}

// Start begins periodic snapshot publication. Executions finishing also
// trigger a refresh, so clients converge quickly after an install.
func (p *Projector) Start(ctx context.Context, interval time.Duration) {
	p.lifecycle.Start(ctx)

	if interval > 0 {
		p.lifecycle.Go(func(ctx context.Context) {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					p.Publish(ctx)
				}
			}
		})
	}

	sub := eventbus.SubscribeTo(p.bus, eventbus.Exec.Lifecycle,
		eventbus.WithSubscriptionName("projector"))
	p.lifecycle.AddSubscriptions(sub)
	p.lifecycle.Go(func(ctx context.Context) {
		eventbus.Consume(ctx, sub, nil, func(ev eventbus.ExecLifecycleEvent) {
			if ev.State.Terminal() {
				p.Publish(ctx)
			}
		})
	})
}

// Stop halts periodic publication and waits for workers to exit.
func (p *Projector) Stop(ctx context.Context) error {
	return p.lifecycle.Shutdown(ctx)
}
