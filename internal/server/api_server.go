// Package server exposes the daemon's HTTP and WebSocket API. Every
// mutating endpoint requires a session with a valid CSRF token, and all
// error responses carry a stable machine-readable reason code.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/harpoon-ops/harpoon/internal/config/store"
	"github.com/harpoon-ops/harpoon/internal/console"
	"github.com/harpoon-ops/harpoon/internal/eventbus"
	"github.com/harpoon-ops/harpoon/internal/executor"
	"github.com/harpoon-ops/harpoon/internal/projector"
	"github.com/harpoon-ops/harpoon/internal/session"
	"github.com/harpoon-ops/harpoon/internal/whitelist"
)

// Runner is the executor surface the API needs.
type Runner interface {
	Submit(ctx context.Context, operation, argument string) (executor.Record, error)
	Cancel(ctx context.Context, id string) error
	Current() (executor.Record, bool)
	Get(id string) (executor.Record, bool)
}

// StatusSource produces live state snapshots.
type StatusSource interface {
	Snapshot(ctx context.Context) projector.Snapshot
}

// HistoryStore lists archived executions.
type HistoryStore interface {
	ListExecutions(ctx context.Context, limit int) ([]store.ArchivedExecution, error)
}

// Options wires an APIServer.
type Options struct {
	Store     *store.Store
	History   HistoryStore
	Whitelist *whitelist.Whitelist
	Runner    Runner
	Status    StatusSource
	Consoles  *console.Manager
	Sessions  *session.Registry
	Bus       *eventbus.Bus
	Logger    *log.Logger
}

// APIServer serves the HTTP API and owns the WebSocket hub.
type APIServer struct {
	store     *store.Store
	history   HistoryStore
	whitelist *whitelist.Whitelist
	runner    Runner
	status    StatusSource
	consoles  *console.Manager
	sessions  *session.Registry
	bus       *eventbus.Bus
	logger    *log.Logger

	wsServer   *WSServer
	httpServer *http.Server

	transportMu    sync.RWMutex
	port           int
	binding        string
	allowedOrigins []string
	tlsCertPath    string
	tlsKeyPath     string

	shutdownMu   sync.Mutex
	shutdownFunc func(context.Context) error
}

// NewAPIServer creates the API server. The WebSocket hub is created here but
// its event loop starts with Prepare.
func NewAPIServer(opts Options) (*APIServer, error) {
	if opts.Runner == nil {
		return nil, fmt.Errorf("server: runner is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("server: session registry is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	s := &APIServer{
		store:     opts.Store,
		history:   opts.History,
		whitelist: opts.Whitelist,
		runner:    opts.Runner,
		status:    opts.Status,
		consoles:  opts.Consoles,
		sessions:  opts.Sessions,
		bus:       opts.Bus,
		logger:    logger,
		binding:   "loopback",
	}
	if s.history == nil && opts.Store != nil {
		s.history = opts.Store
	}
	s.wsServer = NewWSServer(s)
	return s, nil
}

// SetShutdownFunc registers the callback invoked on daemon shutdown requests.
func (s *APIServer) SetShutdownFunc(fn func(context.Context) error) {
	s.shutdownMu.Lock()
	s.shutdownFunc = fn
	s.shutdownMu.Unlock()
}

// RequestShutdown triggers the registered shutdown callback asynchronously.
func (s *APIServer) RequestShutdown() {
	s.shutdownMu.Lock()
	fn := s.shutdownFunc
	s.shutdownMu.Unlock()
	if fn == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.logger.Printf("[APIServer] shutdown callback: %v", err)
		}
	}()
}

// PreparedHTTPServer holds transport parameters resolved by Prepare.
type PreparedHTTPServer struct {
	Server   *http.Server
	Scheme   string
	Binding  string
	UseTLS   bool
	CertPath string
	KeyPath  string
}

// Prepare resolves the transport configuration, builds the route table, and
// returns a server ready to listen. Non-loopback bindings require TLS.
func (s *APIServer) Prepare(ctx context.Context) (*PreparedHTTPServer, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg := store.TransportConfig{Binding: "loopback", Port: 9177}
	if s.store != nil {
		storedCfg, err := s.store.GetTransportConfig(ctx)
		if err != nil {
			return nil, err
		}
		cfg = storedCfg
	}

	binding := normalizeBinding(cfg.Binding)
	host, err := resolveBindingHost(binding)
	if err != nil {
		return nil, err
	}

	certPath := strings.TrimSpace(cfg.TLSCertPath)
	keyPath := strings.TrimSpace(cfg.TLSKeyPath)
	if binding != "loopback" && (certPath == "" || keyPath == "") {
		return nil, fmt.Errorf("binding %q requires TLS certificate and key to be configured", binding)
	}
	if (certPath == "") != (keyPath == "") {
		return nil, fmt.Errorf("TLS configuration requires both certificate and key paths")
	}
	if certPath != "" {
		if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate/key pair: %w", err)
		}
	}

	s.transportMu.Lock()
	s.port = cfg.Port
	s.binding = binding
	s.allowedOrigins = sanitizeOrigins(cfg.AllowedOrigins)
	s.tlsCertPath = certPath
	s.tlsKeyPath = keyPath
	s.transportMu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.wsServer.HandleWebSocket)
	mux.HandleFunc("/api/session", s.handleSession)
	mux.HandleFunc("/api/execute", s.handleExecute)
	mux.HandleFunc("/api/cancel", s.handleCancel)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/whitelist", s.handleWhitelist)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/daemon/shutdown", s.handleDaemonShutdown)

	server := &http.Server{
		Addr:    net.JoinHostPort(host, strconv.Itoa(cfg.Port)),
		Handler: s.wrapWithSecurity(mux),
	}
	s.httpServer = server

	go s.wsServer.Run()

	prepared := &PreparedHTTPServer{
		Server:  server,
		Scheme:  "http",
		Binding: binding,
	}
	if certPath != "" {
		prepared.UseTLS = true
		prepared.CertPath = certPath
		prepared.KeyPath = keyPath
		prepared.Scheme = "https"
	}
	return prepared, nil
}

// UpdateActualPort persists the effective listen port back into the store,
// so port 0 (pick any free port) round-trips for clients.
func (s *APIServer) UpdateActualPort(ctx context.Context, port int) {
	if s.store == nil || port <= 0 {
		return
	}
	cfg, err := s.store.GetTransportConfig(ctx)
	if err != nil {
		s.logger.Printf("[APIServer] failed to load transport config: %v", err)
		return
	}
	if cfg.Port == port {
		return
	}
	cfg.Port = port
	if err := s.store.SaveTransportConfig(ctx, cfg); err != nil {
		s.logger.Printf("[APIServer] failed to persist transport port: %v", err)
		return
	}
	s.transportMu.Lock()
	s.port = port
	s.transportMu.Unlock()
}

// Shutdown stops the HTTP server and the WebSocket hub.
func (s *APIServer) Shutdown(ctx context.Context) error {
	s.wsServer.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// originAllowed reports whether the given Origin header value may talk to the
// API. Builtin loopback origins are always accepted; others must be listed in
// the transport configuration.
func (s *APIServer) originAllowed(origin string) bool {
	if origin == "" {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if isBuiltinOrigin(u) {
		return true
	}
	s.transportMu.RLock()
	defer s.transportMu.RUnlock()
	for _, allowed := range s.allowedOrigins {
		if strings.EqualFold(strings.TrimRight(allowed, "/"), strings.TrimRight(origin, "/")) {
			return true
		}
	}
	return false
}

// wrapWithSecurity adds the security headers and CORS handling shared by
// every route.
func (s *APIServer) wrapWithSecurity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		w.Header().Set("Cache-Control", "no-store")

		if origin := r.Header.Get("Origin"); origin != "" {
			if !s.originAllowed(origin) {
				writeError(w, http.StatusForbidden, ReasonBadRequest, "origin not allowed")
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+sessionHeader)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func normalizeBinding(binding string) string {
	binding = strings.ToLower(strings.TrimSpace(binding))
	if binding == "" {
		return "loopback"
	}
	return binding
}

func resolveBindingHost(binding string) (string, error) {
	switch binding {
	case "loopback":
		return "127.0.0.1", nil
	case "all":
		return "0.0.0.0", nil
	default:
		return "", fmt.Errorf("unsupported binding %q (want loopback or all)", binding)
	}
}

func sanitizeOrigins(origins []string) []string {
	var out []string
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		if _, err := url.Parse(origin); err != nil {
			continue
		}
		out = append(out, origin)
	}
	return out
}
