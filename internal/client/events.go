package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	binaryMagic        = 0xBF
	binaryFrameConsole = 0x01
)

// Event is one typed message from the daemon's event stream.
type Event struct {
	Type        string          `json:"type"`
	ExecutionID string          `json:"execution_id,omitempty"`
	ConsoleID   string          `json:"console_id,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// ConsoleChunk is one raw console output frame.
type ConsoleChunk struct {
	ConsoleID string
	Data      []byte
}

// EventStream is a live WebSocket connection to the daemon.
type EventStream struct {
	conn *websocket.Conn

	events chan Event
	chunks chan ConsoleChunk

	closeOnce sync.Once
	closed    chan struct{}
	readErr   error
}

// Connect opens the event stream. EnsureSession must have run first; the
// stream is bound to the client's session.
func (c *Client) Connect(ctx context.Context) (*EventStream, error) {
	if err := c.EnsureSession(ctx); err != nil {
		return nil, err
	}

	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/ws?session=" + c.sessionID
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, readAPIError(resp)
		}
		return nil, fmt.Errorf("client: dial event stream: %w", err)
	}

	stream := &EventStream{
		conn:   conn,
		events: make(chan Event, 256),
		chunks: make(chan ConsoleChunk, 256),
		closed: make(chan struct{}),
	}
	go stream.readLoop()
	return stream, nil
}

// Events returns the typed event channel. It closes when the stream ends.
func (s *EventStream) Events() <-chan Event { return s.events }

// ConsoleOutput returns the raw console frame channel.
func (s *EventStream) ConsoleOutput() <-chan ConsoleChunk { return s.chunks }

// Err reports why the stream ended, nil after a clean Close.
func (s *EventStream) Err() error {
	select {
	case <-s.closed:
		return s.readErr
	default:
		return nil
	}
}

// Close tears down the connection.
func (s *EventStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

func (s *EventStream) readLoop() {
	defer func() {
		close(s.closed)
		close(s.events)
		close(s.chunks)
		s.conn.Close()
	}()

	for {
		messageType, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.readErr = err
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			var event Event
			if err := json.Unmarshal(raw, &event); err != nil {
				continue
			}
			select {
			case s.events <- event:
			default:
				// Consumer is behind, drop rather than stall the socket.
			}

		case websocket.BinaryMessage:
			chunk, ok := decodeBinaryFrame(raw)
			if !ok {
				continue
			}
			select {
			case s.chunks <- chunk:
			default:
			}
		}
	}
}

func decodeBinaryFrame(frame []byte) (ConsoleChunk, bool) {
	if len(frame) < 3 || frame[0] != binaryMagic || frame[1] != binaryFrameConsole {
		return ConsoleChunk{}, false
	}
	idLen := int(frame[2])
	if len(frame) < 3+idLen {
		return ConsoleChunk{}, false
	}
	return ConsoleChunk{
		ConsoleID: string(frame[3 : 3+idLen]),
		Data:      append([]byte(nil), frame[3+idLen:]...),
	}, true
}

type wsRequest struct {
	Type      string `json:"type"`
	ConsoleID string `json:"console_id,omitempty"`
	Data      any    `json:"data,omitempty"`
}

func (s *EventStream) send(req wsRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// StartConsole asks the daemon to open an interactive console. The console
// ID arrives in a console_attached event; output follows as binary frames.
func (s *EventStream) StartConsole(operation, argument string) error {
	data := map[string]any{"operation": operation}
	if argument != "" {
		data["argument"] = argument
	}
	return s.send(wsRequest{Type: "console_start", Data: data})
}

// ConsoleInput sends keystrokes to a console.
func (s *EventStream) ConsoleInput(consoleID string, data []byte) error {
	return s.send(wsRequest{Type: "console_input", ConsoleID: consoleID, Data: string(data)})
}

// ConsoleDetach detaches from a console without stopping it.
func (s *EventStream) ConsoleDetach(consoleID string) error {
	return s.send(wsRequest{Type: "console_detach", ConsoleID: consoleID})
}

// ConsoleResize propagates the local terminal size.
func (s *EventStream) ConsoleResize(consoleID string, rows, cols int) error {
	return s.send(wsRequest{
		Type:      "console_resize",
		ConsoleID: consoleID,
		Data:      map[string]any{"rows": rows, "cols": cols},
	})
}
