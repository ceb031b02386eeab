package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/harpoon-ops/harpoon/internal/executor"
	"github.com/harpoon-ops/harpoon/internal/session"
	"github.com/harpoon-ops/harpoon/internal/version"
	"github.com/harpoon-ops/harpoon/internal/whitelist"
)

// sessionHeader carries the client session ID on every authenticated call.
const sessionHeader = "X-Harpoon-Session"

const defaultHistoryLimit = 50

type sessionResponse struct {
	SessionID   string    `json:"session_id"`
	CSRFToken   string    `json:"csrf_token,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Connections int       `json:"connections"`
}

type executeRequest struct {
	Operation string `json:"operation"`
	Argument  string `json:"argument,omitempty"`
	CSRFToken string `json:"csrf_token"`
}

type cancelRequest struct {
	ExecutionID string `json:"execution_id"`
	CSRFToken   string `json:"csrf_token"`
}

type statusResponse struct {
	Version   string           `json:"version"`
	Snapshot  statusSnapshot   `json:"snapshot"`
	Execution *executor.Record `json:"execution,omitempty"`
}

type statusSnapshot struct {
	PrimaryInstalled bool            `json:"primary_installed"`
	PrimaryRunning   bool            `json:"primary_running"`
	SubTargets       map[string]bool `json:"sub_targets"`
	CheckedAt        time.Time       `json:"checked_at"`
}

// handleSession creates a session (POST) or reports the caller's session (GET).
func (s *APIServer) handleSession(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		sess, err := s.sessions.Create()
		if err != nil {
			writeError(w, http.StatusInternalServerError, ReasonInternal, "failed to create session")
			return
		}
		writeJSON(w, http.StatusCreated, sessionResponse{
			SessionID: sess.ID,
			CSRFToken: sess.CSRFToken,
			CreatedAt: sess.CreatedAt,
		})

	case http.MethodGet:
		sess, err := s.sessions.Get(r.Header.Get(sessionHeader))
		if err != nil {
			writeError(w, http.StatusUnauthorized, ReasonSessionInvalid, "unknown or expired session")
			return
		}
		writeJSON(w, http.StatusOK, sessionResponse{
			SessionID:   sess.ID,
			CreatedAt:   sess.CreatedAt,
			Connections: sess.Connections(),
		})

	default:
		writeError(w, http.StatusMethodNotAllowed, ReasonMethodNotAllowed, "method not allowed")
	}
}

// requireCSRF validates the session header and token pair. On failure it has
// already written the error response.
func (s *APIServer) requireCSRF(w http.ResponseWriter, r *http.Request, token string) (string, bool) {
	sessionID := r.Header.Get(sessionHeader)
	if err := s.sessions.ValidateCSRF(sessionID, token); err != nil {
		if errors.Is(err, session.ErrCSRFInvalid) {
			writeError(w, http.StatusForbidden, ReasonCSRFInvalid, "csrf token mismatch")
		} else {
			writeError(w, http.StatusUnauthorized, ReasonSessionInvalid, "unknown or expired session")
		}
		return "", false
	}
	return sessionID, true
}

// handleExecute submits an operation to the single-flight executor. Accepted
// submissions return 202 with the pending record; completion arrives over
// the event stream.
func (s *APIServer) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, ReasonMethodNotAllowed, "method not allowed")
		return
	}

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ReasonBadRequest, "invalid JSON body")
		return
	}
	sessionID, ok := s.requireCSRF(w, r, req.CSRFToken)
	if !ok {
		return
	}

	record, err := s.runner.Submit(r.Context(), req.Operation, req.Argument)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}

	s.logger.Printf("[APIServer] session %s submitted %s %s (execution %s)",
		sessionID, req.Operation, req.Argument, record.ID)
	writeJSON(w, http.StatusAccepted, record)
}

// writeSubmitError maps executor errors onto the stable reason codes.
func (s *APIServer) writeSubmitError(w http.ResponseWriter, err error) {
	var rejection *whitelist.Rejection
	if errors.As(err, &rejection) {
		status := http.StatusBadRequest
		if rejection.Reason == whitelist.ReasonNotWhitelisted {
			status = http.StatusForbidden
		}
		writeError(w, status, string(rejection.Reason), rejection.Message)
		return
	}
	if errors.Is(err, executor.ErrBusy) {
		writeError(w, http.StatusConflict, ReasonBusy, "another operation is in flight")
		return
	}
	var spawnErr *executor.SpawnError
	if errors.As(err, &spawnErr) {
		writeError(w, http.StatusInternalServerError, ReasonSpawnFailed, spawnErr.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, ReasonInternal, err.Error())
}

// handleCancel requests cancellation of a running execution.
func (s *APIServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, ReasonMethodNotAllowed, "method not allowed")
		return
	}

	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ReasonBadRequest, "invalid JSON body")
		return
	}
	if _, ok := s.requireCSRF(w, r, req.CSRFToken); !ok {
		return
	}
	if req.ExecutionID == "" {
		writeError(w, http.StatusBadRequest, ReasonBadRequest, "execution_id is required")
		return
	}

	if err := s.runner.Cancel(r.Context(), req.ExecutionID); err != nil {
		writeError(w, http.StatusNotFound, ReasonNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleStatus returns a fresh state snapshot plus the current execution, if
// any. Snapshots are pulled live; nothing here is served from a cache.
func (s *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, ReasonMethodNotAllowed, "method not allowed")
		return
	}

	resp := statusResponse{Version: version.String()}
	if s.status != nil {
		snap := s.status.Snapshot(r.Context())
		resp.Snapshot = statusSnapshot{
			PrimaryInstalled: snap.PrimaryInstalled,
			PrimaryRunning:   snap.PrimaryRunning,
			SubTargets:       snap.SubTargets,
			CheckedAt:        snap.CheckedAt,
		}
	}
	if record, ok := s.runner.Current(); ok {
		resp.Execution = &record
	}
	writeJSON(w, http.StatusOK, resp)
}

// whitelistEntry is the wire shape of one permitted operation. The internal
// Entry has no json tags and carries a compiled pattern clients cannot use.
type whitelistEntry struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Arguments   []string `json:"arguments,omitempty"`
	Interactive bool     `json:"interactive,omitempty"`
}

// handleWhitelist lists the allowed operations in configured order.
func (s *APIServer) handleWhitelist(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, ReasonMethodNotAllowed, "method not allowed")
		return
	}
	entries := []whitelistEntry{}
	if s.whitelist != nil {
		for _, entry := range s.whitelist.Entries() {
			entries = append(entries, whitelistEntry{
				Name:        entry.Name,
				Description: entry.Description,
				Arguments:   entry.Arguments,
				Interactive: entry.Interactive,
			})
		}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleHistory lists archived executions, newest first.
func (s *APIServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, ReasonMethodNotAllowed, "method not allowed")
		return
	}
	if s.history == nil {
		writeError(w, http.StatusInternalServerError, ReasonInternal, "history store unavailable")
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, ReasonBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	executions, err := s.history.ListExecutions(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ReasonInternal, "failed to load history")
		return
	}
	writeJSON(w, http.StatusOK, executions)
}

// handleDaemonShutdown asks the daemon to stop. Requires a valid session.
func (s *APIServer) handleDaemonShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, ReasonMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		CSRFToken string `json:"csrf_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ReasonBadRequest, "invalid JSON body")
		return
	}
	if _, ok := s.requireCSRF(w, r, req.CSRFToken); !ok {
		return
	}

	s.RequestShutdown()
	w.WriteHeader(http.StatusAccepted)
}
