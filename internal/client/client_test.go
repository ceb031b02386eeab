package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

const (
	testSessionID = "sess-1"
	testCSRFToken = "csrf-token-1"
)

func serveSession(w http.ResponseWriter, r *http.Request) bool {
	if r.URL.Path != "/api/session" || r.Method != http.MethodPost {
		return false
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{
		"session_id": testSessionID,
		"csrf_token": testCSRFToken,
	})
	return true
}

func TestEnsureSession(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !serveSession(w, r) {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	client := New(server.URL, nil)
	if err := client.EnsureSession(context.Background()); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	if client.sessionID != testSessionID {
		t.Fatalf("unexpected session id: %s", client.sessionID)
	}
	if client.csrfToken != testCSRFToken {
		t.Fatalf("unexpected csrf token: %s", client.csrfToken)
	}
}

func TestExecuteSendsSessionAndCSRF(t *testing.T) {
	t.Parallel()

	var gotHeader, gotCSRF, gotOperation, gotArgument string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if serveSession(w, r) {
			return
		}
		if r.URL.Path != "/api/execute" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotHeader = r.Header.Get("X-Harpoon-Session")
		var body struct {
			CSRFToken string `json:"csrf_token"`
			Operation string `json:"operation"`
			Argument  string `json:"argument"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		gotCSRF = body.CSRFToken
		gotOperation = body.Operation
		gotArgument = body.Argument

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(Execution{ID: "exec-1", Operation: body.Operation, State: "running"})
	}))
	defer server.Close()

	client := New(server.URL, nil)
	execution, err := client.Execute(context.Background(), "install", "dev")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if execution.ID != "exec-1" {
		t.Fatalf("unexpected execution id: %s", execution.ID)
	}
	if gotHeader != testSessionID {
		t.Fatalf("unexpected session header: %s", gotHeader)
	}
	if gotCSRF != testCSRFToken {
		t.Fatalf("unexpected csrf token: %s", gotCSRF)
	}
	if gotOperation != "install" || gotArgument != "dev" {
		t.Fatalf("unexpected payload: %s %s", gotOperation, gotArgument)
	}
}

func TestExecuteSurfacesReason(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if serveSession(w, r) {
			return
		}
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{
			"error":  "an execution is already in flight",
			"reason": "busy",
		})
	}))
	defer server.Close()

	client := New(server.URL, nil)
	_, err := client.Execute(context.Background(), "install", "dev")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := ReasonOf(err); got != "busy" {
		t.Fatalf("unexpected reason: %s", got)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Status != http.StatusConflict {
		t.Fatalf("unexpected status: %d", apiErr.Status)
	}
}

func TestHistoryPassesLimit(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if serveSession(w, r) {
			return
		}
		if r.URL.Path != "/api/history" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("limit"); got != "5" {
			t.Fatalf("unexpected limit: %s", got)
		}
		json.NewEncoder(w).Encode([]HistoryEntry{{ID: "exec-1"}, {ID: "exec-2"}})
	}))
	defer server.Close()

	client := New(server.URL, nil)
	entries, err := client.History(context.Background(), 5)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != "exec-1" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestShutdownDaemonUnavailable(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if serveSession(w, r) {
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	client := New(server.URL, nil)
	err := client.ShutdownDaemon(context.Background())
	if !errors.Is(err, ErrShutdownUnavailable) {
		t.Fatalf("expected ErrShutdownUnavailable, got %v", err)
	}
}

func TestEventStreamReceivesEvents(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if serveSession(w, r) {
			return
		}
		if r.URL.Path != "/ws" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("session"); got != testSessionID {
			t.Fatalf("unexpected session: %s", got)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Fatalf("upgrade: %v", err)
		}
		defer conn.Close()

		conn.WriteJSON(map[string]any{
			"type":         "completed",
			"execution_id": "exec-1",
			"timestamp":    time.Now().UTC(),
		})

		frame := []byte{0xBF, 0x01, 4}
		frame = append(frame, []byte("c-01")...)
		frame = append(frame, []byte("hello")...)
		conn.WriteMessage(websocket.BinaryMessage, frame)

		// Keep the connection open until the client hangs up.
		conn.ReadMessage()
	}))
	defer server.Close()

	client := New(server.URL, nil)
	stream, err := client.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer stream.Close()

	select {
	case event := <-stream.Events():
		if event.Type != "completed" || event.ExecutionID != "exec-1" {
			t.Fatalf("unexpected event: %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case chunk := <-stream.ConsoleOutput():
		if chunk.ConsoleID != "c-01" || string(chunk.Data) != "hello" {
			t.Fatalf("unexpected chunk: %+v", chunk)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for console output")
	}
}

func TestDecodeBinaryFrame(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		frame []byte
		ok    bool
	}{
		{"valid", []byte{0xBF, 0x01, 2, 'a', 'b', 'x'}, true},
		{"wrong magic", []byte{0x00, 0x01, 2, 'a', 'b'}, false},
		{"truncated id", []byte{0xBF, 0x01, 9, 'a'}, false},
		{"too short", []byte{0xBF}, false},
	}
	for _, tc := range cases {
		if _, ok := decodeBinaryFrame(tc.frame); ok != tc.ok {
			t.Fatalf("%s: ok = %v, want %v", tc.name, ok, tc.ok)
		}
	}
}
