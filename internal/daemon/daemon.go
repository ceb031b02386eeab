package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/harpoon-ops/harpoon/internal/config"
	"github.com/harpoon-ops/harpoon/internal/config/store"
	"github.com/harpoon-ops/harpoon/internal/console"
	"github.com/harpoon-ops/harpoon/internal/eventbus"
	"github.com/harpoon-ops/harpoon/internal/executor"
	"github.com/harpoon-ops/harpoon/internal/procutil"
	"github.com/harpoon-ops/harpoon/internal/projector"
	daemonruntime "github.com/harpoon-ops/harpoon/internal/runtime"
	"github.com/harpoon-ops/harpoon/internal/server"
	"github.com/harpoon-ops/harpoon/internal/session"
	"github.com/harpoon-ops/harpoon/internal/whitelist"
)

const (
	// storeQueryTimeout bounds context deadlines for store lookups during
	// daemon construction and shutdown.
	storeQueryTimeout = 5 * time.Second

	// serviceOpTimeout bounds context deadlines for service shutdown.
	serviceOpTimeout = 5 * time.Second

	// sessionExpiry is how long an idle session without live connections
	// survives before the registry drops it.
	sessionExpiry = 24 * time.Hour

	// sessionSweepInterval is the polling period of the session reaper.
	sessionSweepInterval = 10 * time.Minute
)

// Options groups dependencies required to construct a Daemon.
type Options struct {
	Store *store.Store
}

// Daemon wires the executor, projector, console manager, session registry
// and API server together and owns their lifecycles.
type Daemon struct {
	store         *store.Store
	sessions      *session.Registry
	executor      *executor.Executor
	apiServer     *server.APIServer
	serviceHost   *daemonruntime.ServiceHost
	lifecycle     *daemonruntime.Lifecycle
	instancePaths config.InstancePaths
	eventBus      *eventbus.Bus

	ctx    context.Context
	cancel context.CancelFunc

	errMu  sync.Mutex
	runErr error
}

// New creates a daemon bound to the provided configuration store.
func New(opts Options) (*Daemon, error) {
	if opts.Store == nil {
		return nil, errors.New("daemon: configuration store is required")
	}

	instanceName := opts.Store.InstanceName()
	paths := config.GetInstancePaths(instanceName)

	loadCtx, cancelLoad := context.WithTimeout(context.Background(), storeQueryTimeout)
	defer cancelLoad()

	workspaceCfg, err := opts.Store.GetWorkspaceConfig(loadCtx)
	if err != nil {
		return nil, fmt.Errorf("daemon: load workspace config: %w", err)
	}

	rows, err := opts.Store.ListWhitelist(loadCtx)
	if err != nil {
		return nil, fmt.Errorf("daemon: load whitelist: %w", err)
	}
	wl := whitelist.FromStore(rows)

	settings, err := opts.Store.LoadSettings(loadCtx,
		"history.max_entries",
		"projector.refresh_interval",
		"console.inactivity_timeout",
		"console.output_buffer_bytes",
	)
	if err != nil {
		return nil, fmt.Errorf("daemon: load settings: %w", err)
	}

	bus := eventbus.New()

	sessions := session.NewRegistry()

	exec := executor.New(executor.Options{
		Whitelist:      wl,
		Bus:            bus,
		Archiver:       opts.Store,
		WorkDir:        workspaceCfg.Path,
		Program:        workspaceCfg.Program,
		CommandTimeout: workspaceCfg.CommandTimeout,
		MaxHistory:     settingInt(settings, "history.max_entries", 200),
	})

	proj := projector.New(projector.Options{
		Config: projector.DefaultConfig(subTargetServices(wl)),
		Runner: &projector.ProcessRunner{
			Program: workspaceCfg.Program,
			WorkDir: workspaceCfg.Path,
		},
		Bus:     bus,
		Timeout: workspaceCfg.StatusTimeout,
	})

	consoles := console.NewManager(console.Options{
		Bus:               bus,
		Program:           workspaceCfg.Program,
		WorkDir:           workspaceCfg.Path,
		InactivityTimeout: time.Duration(settingInt(settings, "console.inactivity_timeout", 900)) * time.Second,
		BufferBytes:       settingInt(settings, "console.output_buffer_bytes", 0),
	})

	apiServer, err := server.NewAPIServer(server.Options{
		Store:     opts.Store,
		Whitelist: wl,
		Runner:    exec,
		Status:    proj,
		Consoles:  consoles,
		Sessions:  sessions,
		Bus:       bus,
	})
	if err != nil {
		return nil, fmt.Errorf("daemon: create API server: %w", err)
	}

	refreshInterval := time.Duration(settingInt(settings, "projector.refresh_interval", 30)) * time.Second

	host := daemonruntime.NewServiceHost()

	if err := host.Register("projector", func(ctx context.Context) (daemonruntime.Service, error) {
		return &projectorService{projector: proj, interval: refreshInterval}, nil
	}); err != nil {
		return nil, err
	}

	if err := host.Register("consoles", func(ctx context.Context) (daemonruntime.Service, error) {
		return &consoleService{manager: consoles}, nil
	}); err != nil {
		return nil, err
	}

	if err := host.Register("sessions", func(ctx context.Context) (daemonruntime.Service, error) {
		return &sessionReaper{
			registry: sessions,
			expiry:   sessionExpiry,
			interval: sessionSweepInterval,
		}, nil
	}); err != nil {
		return nil, err
	}

	if err := host.Register("http", func(ctx context.Context) (daemonruntime.Service, error) {
		return newHTTPService(apiServer), nil
	}); err != nil {
		return nil, err
	}

	d := &Daemon{
		store:         opts.Store,
		sessions:      sessions,
		executor:      exec,
		apiServer:     apiServer,
		serviceHost:   host,
		lifecycle:     daemonruntime.NewLifecycle(),
		instancePaths: paths,
		eventBus:      bus,
	}

	apiServer.SetShutdownFunc(func(ctx context.Context) error {
		go func() {
			if err := d.Shutdown(); err != nil {
				log.Printf("[Daemon] shutdown via API returned error: %v", err)
			}
		}()
		return nil
	})

	return d, nil
}

// Start runs the daemon until Shutdown is called. It blocks.
func (d *Daemon) Start() error {
	if err := daemonruntime.WritePIDFile(d.instancePaths.Lock, os.Getpid()); err != nil {
		return fmt.Errorf("daemon: write pid file: %w", err)
	}
	defer daemonruntime.RemovePIDFile(d.instancePaths.Lock)

	d.ctx, d.cancel = context.WithCancel(context.Background())

	if err := d.serviceHost.Start(d.ctx); err != nil {
		d.cancel()
		return fmt.Errorf("daemon: start services: %w", err)
	}
	d.watchHostErrors()

	<-d.lifecycle.Done()

	d.cancel()

	stopCtx, cancel := context.WithTimeout(context.Background(), serviceOpTimeout)
	if err := d.serviceHost.Stop(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "daemon: service shutdown error: %v\n", err)
		d.setRunError(err)
	}
	cancel()

	execCtx, cancelExec := context.WithTimeout(context.Background(), serviceOpTimeout)
	if err := d.executor.Shutdown(execCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		fmt.Fprintf(os.Stderr, "daemon: executor shutdown error: %v\n", err)
	}
	cancelExec()

	d.eventBus.Shutdown()

	if err := d.store.Close(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "daemon: store close error: %v\n", err)
	}

	return d.getRunError()
}

// Shutdown signals the daemon to stop. Safe to call more than once.
func (d *Daemon) Shutdown() error {
	d.lifecycle.Shutdown()
	if d.cancel != nil {
		d.cancel()
	}
	return nil
}

// APIServer returns the API server.
func (d *Daemon) APIServer() *server.APIServer {
	return d.apiServer
}

// Sessions returns the session registry.
func (d *Daemon) Sessions() *session.Registry {
	return d.sessions
}

func (d *Daemon) watchHostErrors() {
	go func() {
		for err := range d.serviceHost.Errors() {
			if err == nil {
				continue
			}
			d.setRunError(err)
			fmt.Fprintf(os.Stderr, "%v\n", err)
			d.lifecycle.Shutdown()
			if d.cancel != nil {
				d.cancel()
			}
		}
	}()
}

func (d *Daemon) setRunError(err error) {
	if err == nil {
		return
	}

	d.errMu.Lock()
	defer d.errMu.Unlock()
	if d.runErr == nil {
		d.runErr = err
	}
}

func (d *Daemon) getRunError() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.runErr
}

// IsRunning checks whether a daemon already runs for the given instance,
// based on its lock file and a liveness probe of the recorded PID.
func IsRunning(instanceName string) bool {
	paths := config.GetInstancePaths(instanceName)

	data, err := os.ReadFile(paths.Lock)
	if err != nil {
		return false
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		os.Remove(paths.Lock)
		return false
	}

	if !procutil.IsProcessAlive(pid) {
		os.Remove(paths.Lock)
		return false
	}

	return true
}

// subTargetServices derives the projector's per-service checks from the
// whitelist so the two cannot drift apart.
func subTargetServices(wl *whitelist.Whitelist) []string {
	entry, ok := wl.Lookup("verify-install")
	if !ok {
		return nil
	}
	return append([]string(nil), entry.Arguments...)
}

func settingInt(settings map[string]string, key string, fallback int) int {
	raw := settings[key]
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		log.Printf("[Daemon] invalid setting %s=%q, using %d", key, raw, fallback)
		return fallback
	}
	return n
}
