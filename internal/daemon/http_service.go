package daemon

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/harpoon-ops/harpoon/internal/server"
)

// httpService owns the API listener. Separating it from the APIServer keeps
// transport concerns (binding, TLS, effective port) at the daemon edge.
type httpService struct {
	api *server.APIServer

	mu       sync.Mutex
	listener net.Listener
	errs     chan error
}

func newHTTPService(api *server.APIServer) *httpService {
	return &httpService{
		api:  api,
		errs: make(chan error, 1),
	}
}

func (s *httpService) Start(ctx context.Context) error {
	prepared, err := s.api.Prepare(ctx)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", prepared.Server.Addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	if addr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.api.UpdateActualPort(ctx, addr.Port)
	}
	log.Printf("[Daemon] API listening on %s://%s", prepared.Scheme, listener.Addr())

	go func() {
		var serveErr error
		if prepared.UseTLS {
			serveErr = prepared.Server.ServeTLS(listener, prepared.CertPath, prepared.KeyPath)
		} else {
			serveErr = prepared.Server.Serve(listener)
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			select {
			case s.errs <- serveErr:
			default:
			}
		}
	}()

	return nil
}

func (s *httpService) Shutdown(ctx context.Context) error {
	err := s.api.Shutdown(ctx)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Errors surfaces fatal serve failures to the service host.
func (s *httpService) Errors() <-chan error {
	return s.errs
}
