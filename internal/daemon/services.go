package daemon

import (
	"context"
	"log"
	"time"

	"github.com/harpoon-ops/harpoon/internal/console"
	"github.com/harpoon-ops/harpoon/internal/projector"
	"github.com/harpoon-ops/harpoon/internal/session"
)

// projectorService adapts the state projector to the runtime service contract.
type projectorService struct {
	projector *projector.Projector
	interval  time.Duration
}

func (s *projectorService) Start(ctx context.Context) error {
	s.projector.Start(ctx, s.interval)
	return nil
}

func (s *projectorService) Shutdown(ctx context.Context) error {
	return s.projector.Stop(ctx)
}

// consoleService runs the console idle reaper and tears consoles down on stop.
type consoleService struct {
	manager *console.Manager
}

func (s *consoleService) Start(ctx context.Context) error {
	s.manager.StartReaper(ctx)
	return nil
}

func (s *consoleService) Shutdown(ctx context.Context) error {
	return s.manager.Shutdown(ctx)
}

// sessionReaper periodically expires idle sessions without live connections.
type sessionReaper struct {
	registry *session.Registry
	expiry   time.Duration
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

func (s *sessionReaper) Start(ctx context.Context) error {
	reapCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-reapCtx.Done():
				return
			case <-ticker.C:
				if removed := s.registry.Expire(s.expiry); removed > 0 {
					log.Printf("[Daemon] expired %d idle sessions", removed)
				}
			}
		}
	}()
	return nil
}

func (s *sessionReaper) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
