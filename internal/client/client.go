// Package client implements the HTTP and WebSocket client used by the
// harpoon CLI to talk to a running daemon.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/harpoon-ops/harpoon/internal/config/store"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	maxErrorBody       = 8 << 10
	sessionHeader      = "X-Harpoon-Session"
)

// ErrShutdownUnavailable indicates the daemon does not expose the shutdown endpoint.
var ErrShutdownUnavailable = errors.New("daemon shutdown endpoint unavailable")

// APIError is a decoded error envelope from the daemon.
type APIError struct {
	Status  int
	Reason  string
	Message string
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Reason)
	}
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("HTTP %d", e.Status)
}

// ReasonOf extracts the stable reason code from an error, if it carries one.
func ReasonOf(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Reason
	}
	return ""
}

// Client talks to one daemon instance.
type Client struct {
	httpClient *http.Client
	baseURL    string
	sessionID  string
	csrfToken  string
}

// New builds a client for the given base URL with an optional custom transport.
func New(baseURL string, transport http.RoundTripper) *Client {
	httpClient := &http.Client{Timeout: defaultHTTPTimeout}
	if transport != nil {
		httpClient.Transport = transport
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// NewFromInstance resolves the daemon address from the instance's stored
// transport configuration.
func NewFromInstance(ctx context.Context, instanceName string) (*Client, error) {
	st, err := store.Open(store.Options{InstanceName: instanceName, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("client: open config store: %w", err)
	}
	defer st.Close()

	cfg, err := st.GetTransportConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("client: load transport config: %w", err)
	}

	scheme := "http"
	host := "127.0.0.1"
	if cfg.TLSCertPath != "" && cfg.TLSKeyPath != "" {
		scheme = "https"
		host = "localhost"
	}
	return New(fmt.Sprintf("%s://%s:%d", scheme, host, cfg.Port), nil), nil
}

// BaseURL returns the daemon base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// SessionID returns the current session ID, empty before EnsureSession.
func (c *Client) SessionID() string { return c.sessionID }

// SessionInfo is the session handshake response.
type SessionInfo struct {
	SessionID string    `json:"session_id"`
	CSRFToken string    `json:"csrf_token"`
	CreatedAt time.Time `json:"created_at"`
}

// Execution mirrors the server's execution record.
type Execution struct {
	ID            string     `json:"id"`
	Operation     string     `json:"operation"`
	Argument      string     `json:"argument,omitempty"`
	State         string     `json:"state"`
	ExitCode      *int       `json:"exit_code,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	Output        []string   `json:"output,omitempty"`
}

// Snapshot mirrors the server's state snapshot.
type Snapshot struct {
	PrimaryInstalled bool            `json:"primary_installed"`
	PrimaryRunning   bool            `json:"primary_running"`
	SubTargets       map[string]bool `json:"sub_targets"`
	CheckedAt        time.Time       `json:"checked_at"`
}

// StatusResult is the /api/status response.
type StatusResult struct {
	Version   string     `json:"version"`
	Snapshot  Snapshot   `json:"snapshot"`
	Execution *Execution `json:"execution,omitempty"`
}

// Operation is one whitelist entry as reported by the daemon.
type Operation struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Arguments   []string `json:"arguments,omitempty"`
	Interactive bool     `json:"interactive,omitempty"`
}

// HistoryEntry is one archived execution.
type HistoryEntry struct {
	ID            string     `json:"id"`
	Operation     string     `json:"operation"`
	Argument      string     `json:"argument,omitempty"`
	State         string     `json:"state"`
	ExitCode      *int       `json:"exit_code,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	Output        string     `json:"output,omitempty"`
}

// EnsureSession creates a session if the client does not hold one yet.
func (c *Client) EnsureSession(ctx context.Context) error {
	if c.sessionID != "" {
		return nil
	}
	var info SessionInfo
	if err := c.doJSON(ctx, http.MethodPost, "/api/session", nil, &info, http.StatusCreated); err != nil {
		return err
	}
	c.sessionID = info.SessionID
	c.csrfToken = info.CSRFToken
	return nil
}

// Execute submits an operation. The returned execution is the pending
// record; completion arrives over the event stream or via Status.
func (c *Client) Execute(ctx context.Context, operation, argument string) (Execution, error) {
	var exec Execution
	if err := c.EnsureSession(ctx); err != nil {
		return exec, err
	}
	body := map[string]string{
		"operation":  operation,
		"csrf_token": c.csrfToken,
	}
	if argument != "" {
		body["argument"] = argument
	}
	err := c.doJSON(ctx, http.MethodPost, "/api/execute", body, &exec, http.StatusAccepted)
	return exec, err
}

// CancelExecution requests cancellation of a running execution.
func (c *Client) CancelExecution(ctx context.Context, executionID string) error {
	if err := c.EnsureSession(ctx); err != nil {
		return err
	}
	body := map[string]string{
		"execution_id": executionID,
		"csrf_token":   c.csrfToken,
	}
	return c.doJSON(ctx, http.MethodPost, "/api/cancel", body, nil, http.StatusAccepted)
}

// Status pulls a fresh state snapshot.
func (c *Client) Status(ctx context.Context) (StatusResult, error) {
	var result StatusResult
	err := c.doJSON(ctx, http.MethodGet, "/api/status", nil, &result, http.StatusOK)
	return result, err
}

// Operations lists the whitelisted operations.
func (c *Client) Operations(ctx context.Context) ([]Operation, error) {
	var ops []Operation
	err := c.doJSON(ctx, http.MethodGet, "/api/whitelist", nil, &ops, http.StatusOK)
	return ops, err
}

// History lists archived executions, newest first. limit <= 0 uses the
// server default.
func (c *Client) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	path := "/api/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var entries []HistoryEntry
	err := c.doJSON(ctx, http.MethodGet, path, nil, &entries, http.StatusOK)
	return entries, err
}

// ShutdownDaemon requests a graceful daemon shutdown.
func (c *Client) ShutdownDaemon(ctx context.Context) error {
	if err := c.EnsureSession(ctx); err != nil {
		return err
	}
	body := map[string]string{"csrf_token": c.csrfToken}
	err := c.doJSON(ctx, http.MethodPost, "/api/daemon/shutdown", body, nil, http.StatusAccepted)
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.Status == http.StatusNotFound || apiErr.Status == http.StatusNotImplemented) {
		return fmt.Errorf("shutdown daemon: %w: %w", ErrShutdownUnavailable, err)
	}
	return err
}

// doJSON performs a request with an optional JSON body and decodes the
// response into out when the status matches wantStatus.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any, wantStatus int) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.sessionID != "" {
		req.Header.Set(sessionHeader, c.sessionID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return readAPIError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func readAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Message: resp.Status}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "{") {
		var payload struct {
			Error  string `json:"error"`
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal([]byte(trimmed), &payload); err == nil {
			if msg := strings.TrimSpace(payload.Error); msg != "" {
				apiErr.Message = msg
			}
			apiErr.Reason = strings.TrimSpace(payload.Reason)
			return apiErr
		}
	}
	if trimmed != "" {
		apiErr.Message = trimmed
	}
	return apiErr
}
