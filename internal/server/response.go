package server

import (
	"encoding/json"
	"log"
	"net/http"
)

// Stable reason codes carried in every error envelope. Clients branch on
// these, never on the human-readable message.
const (
	ReasonInvalidName      = "invalid_name"
	ReasonInvalidArgument  = "invalid_argument"
	ReasonNotWhitelisted   = "not_whitelisted"
	ReasonCSRFInvalid      = "csrf_invalid"
	ReasonSessionInvalid   = "session_invalid"
	ReasonBusy             = "busy"
	ReasonSpawnFailed      = "spawn_failed"
	ReasonNotFound         = "not_found"
	ReasonBadRequest       = "bad_request"
	ReasonMethodNotAllowed = "method_not_allowed"
	ReasonInternal         = "internal"
)

// ErrorResponse is the JSON error envelope returned by all HTTP error responses.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// writeError writes the JSON error envelope with the given status and reason code.
func writeError(w http.ResponseWriter, status int, reason, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: message, Reason: reason}); err != nil {
		log.Printf("[APIServer] failed to write error response: %v", err)
	}
}

// writeJSON writes a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[APIServer] failed to write response: %v", err)
	}
}
