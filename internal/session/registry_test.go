package session

import (
	"errors"
	"io"
	"log"
	"testing"
	"time"
)

func newTestRegistry() *Registry {
	r := NewRegistry()
	r.SetLogger(log.New(io.Discard, "", 0))
	return r
}

func TestCreateIssuesUniqueTokens(t *testing.T) {
	r := newTestRegistry()

	a, err := r.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	b, err := r.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if a.ID == b.ID {
		t.Fatal("expected distinct session IDs")
	}
	if a.CSRFToken == b.CSRFToken {
		t.Fatal("expected distinct CSRF tokens")
	}
	if len(a.CSRFToken) < 32 {
		t.Fatalf("token too short: %d chars", len(a.CSRFToken))
	}
	if r.Len() != 2 {
		t.Fatalf("expected 2 sessions, got %d", r.Len())
	}
}

func TestValidateCSRF(t *testing.T) {
	r := newTestRegistry()
	s, err := r.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := r.ValidateCSRF(s.ID, s.CSRFToken); err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
	if err := r.ValidateCSRF(s.ID, "forged"); !errors.Is(err, ErrCSRFInvalid) {
		t.Fatalf("expected ErrCSRFInvalid, got %v", err)
	}
	if err := r.ValidateCSRF("no-such-session", s.CSRFToken); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("expected ErrSessionInvalid, got %v", err)
	}
}

func TestTokenFromAnotherSessionRejected(t *testing.T) {
	r := newTestRegistry()
	a, _ := r.Create()
	b, _ := r.Create()

	if err := r.ValidateCSRF(a.ID, b.CSRFToken); !errors.Is(err, ErrCSRFInvalid) {
		t.Fatalf("expected ErrCSRFInvalid, got %v", err)
	}
}

func TestGetUnknownSession(t *testing.T) {
	r := newTestRegistry()
	if _, err := r.Get("missing"); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("expected ErrSessionInvalid, got %v", err)
	}
}

func TestConnectionCounting(t *testing.T) {
	r := newTestRegistry()
	s, _ := r.Create()

	if err := r.AddConnection(s.ID); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	if err := r.AddConnection(s.ID); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	if got := s.Connections(); got != 2 {
		t.Fatalf("expected 2 connections, got %d", got)
	}

	r.RemoveConnection(s.ID)
	r.RemoveConnection(s.ID)
	r.RemoveConnection(s.ID) // extra remove must not underflow
	if got := s.Connections(); got != 0 {
		t.Fatalf("expected 0 connections, got %d", got)
	}

	if err := r.AddConnection("missing"); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("expected ErrSessionInvalid, got %v", err)
	}
}

func TestExpireSkipsConnectedSessions(t *testing.T) {
	r := newTestRegistry()
	idle, _ := r.Create()
	busy, _ := r.Create()
	if err := r.AddConnection(busy.ID); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}

	// Backdate both sessions past the cutoff.
	for _, s := range []*Session{idle, busy} {
		s.mu.Lock()
		s.lastSeen = time.Now().Add(-time.Hour)
		s.mu.Unlock()
	}

	removed := r.Expire(time.Minute)
	if removed != 1 {
		t.Fatalf("expected 1 expired session, got %d", removed)
	}
	if _, err := r.Get(idle.ID); !errors.Is(err, ErrSessionInvalid) {
		t.Fatal("idle session should be gone")
	}
	if _, err := r.Get(busy.ID); err != nil {
		t.Fatalf("connected session should survive: %v", err)
	}
}

func TestValidateRefreshesActivity(t *testing.T) {
	r := newTestRegistry()
	s, _ := r.Create()

	s.mu.Lock()
	s.lastSeen = time.Now().Add(-time.Hour)
	s.mu.Unlock()

	if err := r.ValidateCSRF(s.ID, s.CSRFToken); err != nil {
		t.Fatalf("ValidateCSRF: %v", err)
	}
	if removed := r.Expire(time.Minute); removed != 0 {
		t.Fatalf("validated session must not expire, removed %d", removed)
	}
}
