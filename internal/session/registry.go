// Package session tracks client sessions and their CSRF tokens. Every
// mutating API call must present the token issued with its session; the
// registry is the single authority for that check.
package session

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

const csrfTokenBytes = 32

// ErrSessionInvalid is returned when a session ID is unknown or expired.
var ErrSessionInvalid = errors.New("session: invalid session")

// ErrCSRFInvalid is returned when a token does not match the session's token.
var ErrCSRFInvalid = errors.New("session: invalid csrf token")

// Session is one authenticated client session.
type Session struct {
	ID        string
	CSRFToken string
	CreatedAt time.Time

	mu          sync.Mutex
	lastSeen    time.Time
	connections int
}

// LastSeen returns the time of the session's most recent activity.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Connections returns the number of live connections bound to the session.
func (s *Session) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// Registry holds active sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *log.Logger
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   log.Default(),
	}
}

// SetLogger overrides the registry logger.
func (r *Registry) SetLogger(logger *log.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// Create mints a new session with a fresh CSRF token.
func (r *Registry) Create() (*Session, error) {
	token, err := newCSRFToken()
	if err != nil {
		return nil, fmt.Errorf("session: generate token: %w", err)
	}

	now := time.Now()
	session := &Session{
		ID:        uuid.NewString(),
		CSRFToken: token,
		CreatedAt: now,
		lastSeen:  now,
	}

	r.mu.Lock()
	r.sessions[session.ID] = session
	count := len(r.sessions)
	r.mu.Unlock()

	r.logger.Printf("[Session] created %s, active sessions: %d", session.ID, count)
	return session, nil
}

// Get returns the session for the given ID and refreshes its activity time.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	session, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionInvalid
	}
	session.touch()
	return session, nil
}

// ValidateCSRF checks the token presented for a session. The comparison is
// constant time so a mismatch leaks nothing about the stored token.
func (r *Registry) ValidateCSRF(id, token string) error {
	r.mu.RLock()
	session, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return ErrSessionInvalid
	}
	if subtle.ConstantTimeCompare([]byte(session.CSRFToken), []byte(token)) != 1 {
		return ErrCSRFInvalid
	}
	session.touch()
	return nil
}

// AddConnection records a live connection for the session.
func (r *Registry) AddConnection(id string) error {
	session, err := r.Get(id)
	if err != nil {
		return err
	}
	session.mu.Lock()
	session.connections++
	session.mu.Unlock()
	return nil
}

// RemoveConnection drops a connection from the session's count.
func (r *Registry) RemoveConnection(id string) {
	r.mu.RLock()
	session, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	session.mu.Lock()
	if session.connections > 0 {
		session.connections--
	}
	session.lastSeen = time.Now()
	session.mu.Unlock()
}

// Delete removes a session outright.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Expire removes sessions idle longer than olderThan. Sessions with live
// connections are kept regardless of idle time. Returns the number removed.
func (r *Registry) Expire(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, session := range r.sessions {
		session.mu.Lock()
		idle := session.lastSeen.Before(cutoff) && session.connections == 0
		session.mu.Unlock()
		if idle {
			delete(r.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Printf("[Session] expired %d idle sessions, %d remain", removed, len(r.sessions))
	}
	return removed
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func newCSRFToken() (string, error) {
	buf := make([]byte, csrfTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
