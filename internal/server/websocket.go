package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/harpoon-ops/harpoon/internal/eventbus"
)

// Message is the JSON WebSocket frame for everything except raw console
// output, which travels as binary frames.
type Message struct {
	Type        string    `json:"type"`
	ExecutionID string    `json:"execution_id,omitempty"`
	ConsoleID   string    `json:"console_id,omitempty"`
	Data        any       `json:"data,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

const (
	binaryMagic        = 0xBF
	binaryFrameConsole = 0x01
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

type outboundMessage struct {
	messageType int
	payload     []byte
}

// encodeBinaryFrame packs a console output chunk:
// [magic][frame type][id length][console id][payload].
func encodeBinaryFrame(consoleID string, payload []byte) []byte {
	id := []byte(consoleID)
	frame := make([]byte, 0, 3+len(id)+len(payload))
	frame = append(frame, binaryMagic, binaryFrameConsole, byte(len(id)))
	frame = append(frame, id...)
	frame = append(frame, payload...)
	return frame
}

// WSServer manages WebSocket connections and streams bus events to them.
type WSServer struct {
	api        *APIServer
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	upgrader   websocket.Upgrader
	mu         sync.RWMutex

	stopOnce sync.Once
	done     chan struct{}
}

// NewWSServer creates the hub. Run starts its event loop.
func NewWSServer(api *APIServer) *WSServer {
	s := &WSServer{
		api:        api,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return api.originAllowed(origin)
		},
	}
	return s
}

// ClientCount returns the number of connected clients.
func (s *WSServer) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Stop shuts down the hub event loop.
func (s *WSServer) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// Run pumps registrations and bus events until Stop. Execution and status
// events go to every client; console lifecycle only to the owning session.
func (s *WSServer) Run() {
	// Lifecycle and output share one subscription so a terminal event can
	// never overtake output lines buffered on a second channel: per
	// execution, clients see every output line before completed/failed.
	execSub := s.api.bus.SubscribeMany(
		[]eventbus.Topic{eventbus.TopicExecLifecycle, eventbus.TopicExecOutput},
		eventbus.WithSubscriptionName("ws.exec"))
	statusSub := eventbus.SubscribeTo(s.api.bus, eventbus.Status.Snapshot,
		eventbus.WithSubscriptionName("ws.status"))
	consoleSub := eventbus.SubscribeTo(s.api.bus, eventbus.Console.Lifecycle,
		eventbus.WithSubscriptionName("ws.console.lifecycle"))
	defer func() {
		execSub.Close()
		statusSub.Close()
		consoleSub.Close()
	}()

	for {
		select {
		case <-s.done:
			s.closeAll()
			return

		case client := <-s.register:
			s.mu.Lock()
			s.clients[client] = true
			s.mu.Unlock()
			if err := s.api.sessions.AddConnection(client.sessionID); err != nil {
				s.api.logger.Printf("[WebSocket] register %s: %v", client.id, err)
			}

		case client := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[client]; ok {
				client.detachAll()
				delete(s.clients, client)
				close(client.send)
			}
			s.mu.Unlock()
			s.api.sessions.RemoveConnection(client.sessionID)

		case env, ok := <-execSub.C():
			if !ok {
				return
			}
			switch payload := env.Payload.(type) {
			case eventbus.ExecLifecycleEvent:
				s.broadcast(execLifecycleMessage(payload))
			case eventbus.ExecOutputEvent:
				s.broadcast(Message{
					Type:        "output",
					ExecutionID: payload.ExecutionID,
					Data: map[string]any{
						"sequence": payload.Sequence,
						"line":     payload.Line,
					},
					Timestamp: env.Timestamp,
				})
			}

		case env, ok := <-statusSub.C():
			if !ok {
				return
			}
			s.broadcast(Message{
				Type:      "status",
				Data:      env.Payload,
				Timestamp: env.Timestamp,
			})

		case env, ok := <-consoleSub.C():
			if !ok {
				return
			}
			s.sendToSession(env.Payload.SessionID, Message{
				Type:      "console_" + string(env.Payload.State),
				ConsoleID: env.Payload.ConsoleID,
				Data: map[string]any{
					"operation": env.Payload.Operation,
					"exit_code": env.Payload.ExitCode,
					"reason":    env.Payload.Reason,
				},
				Timestamp: env.Timestamp,
			})
		}
	}
}

func execLifecycleMessage(ev eventbus.ExecLifecycleEvent) Message {
	var msgType string
	switch ev.State {
	case eventbus.ExecStateTimedOut:
		msgType = "failed"
	case eventbus.ExecStateCancelled:
		msgType = "cancelled"
	case eventbus.ExecStateSucceeded, eventbus.ExecStateFailed:
		msgType = "completed"
	default:
		msgType = "started"
	}
	data := map[string]any{
		"operation": ev.Operation,
		"argument":  ev.Argument,
		"state":     ev.State,
		"exit_code": ev.ExitCode,
		"reason":    ev.Reason,
	}
	if ev.State.Terminal() {
		data["duration"] = ev.Elapsed.String()
	}
	return Message{
		Type:        msgType,
		ExecutionID: ev.ExecutionID,
		Data:        data,
		Timestamp:   time.Now(),
	}
}

func (s *WSServer) broadcast(msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		s.api.logger.Printf("[WebSocket] marshal broadcast: %v", err)
		return
	}
	out := outboundMessage{messageType: websocket.TextMessage, payload: payload}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for client := range s.clients {
		select {
		case client.send <- out:
		default:
			// Client's send channel is full, skip
		}
	}
}

func (s *WSServer) sendToSession(sessionID string, msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		s.api.logger.Printf("[WebSocket] marshal session message: %v", err)
		return
	}
	out := outboundMessage{messageType: websocket.TextMessage, payload: payload}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for client := range s.clients {
		if client.sessionID != sessionID {
			continue
		}
		select {
		case client.send <- out:
		default:
		}
	}
}

func (s *WSServer) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for client := range s.clients {
		client.detachAll()
		close(client.send)
		delete(s.clients, client)
	}
}

// HandleWebSocket upgrades a connection. The session must already exist;
// opening a socket never mints one.
func (s *WSServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if _, err := s.api.sessions.Get(sessionID); err != nil {
		writeError(w, http.StatusUnauthorized, ReasonSessionInvalid, "unknown or expired session")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.api.logger.Printf("[WebSocket] upgrade error: %v", err)
		return
	}

	client := &Client{
		id:           uuid.NewString(),
		sessionID:    sessionID,
		conn:         conn,
		send:         make(chan outboundMessage, 1024),
		server:       s,
		consoleSinks: make(map[string]*consoleSink),
	}

	select {
	case s.register <- client:
	case <-s.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// Client is one WebSocket connection bound to a session.
type Client struct {
	id           string
	sessionID    string
	conn         *websocket.Conn
	send         chan outboundMessage
	server       *WSServer
	consoleSinks map[string]*consoleSink
	mu           sync.Mutex
}

// consoleSink streams PTY output chunks to the client as binary frames.
type consoleSink struct {
	client    *Client
	consoleID string
}

func (cs *consoleSink) Write(data []byte) error {
	frame := encodeBinaryFrame(cs.consoleID, data)
	select {
	case cs.client.send <- outboundMessage{messageType: websocket.BinaryMessage, payload: frame}:
	default:
		// Client's send channel is full, skip
	}
	return nil
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.server.unregister <- c:
		case <-c.server.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.api.logger.Printf("[WebSocket] read error: %v", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendError(ReasonBadRequest, "invalid message")
			continue
		}

		switch msg.Type {
		case "console_start":
			c.handleConsoleStart(msg)
		case "console_input":
			c.handleConsoleInput(msg)
		case "console_detach":
			c.handleConsoleDetach(msg)
		case "console_resize":
			c.handleConsoleResize(msg)
		default:
			c.sendError(ReasonBadRequest, fmt.Sprintf("unknown message type %q", msg.Type))
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(message.messageType, message.payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleConsoleStart(msg Message) {
	consoles := c.server.api.consoles
	wl := c.server.api.whitelist
	if consoles == nil || wl == nil {
		c.sendError(ReasonInternal, "console support unavailable")
		return
	}

	data, _ := msg.Data.(map[string]any)
	operation, _ := data["operation"].(string)
	argument, _ := data["argument"].(string)

	entry, rejection := wl.Validate(operation, argument)
	if rejection != nil {
		c.sendError(string(rejection.Reason), rejection.Message)
		return
	}

	console, err := consoles.Start(c.sessionID, entry, argument)
	if err != nil {
		c.sendError(ReasonBadRequest, err.Error())
		return
	}

	c.attachConsole(console.ID)
	c.sendMessage(Message{
		Type:      "console_attached",
		ConsoleID: console.ID,
		Timestamp: time.Now(),
	})
}

func (c *Client) handleConsoleInput(msg Message) {
	consoles := c.server.api.consoles
	if consoles == nil || msg.ConsoleID == "" {
		c.sendError(ReasonBadRequest, "console_input requires console_id")
		return
	}
	if !c.ownsConsole(msg.ConsoleID) {
		c.sendError(ReasonNotFound, "console not found")
		return
	}
	input, _ := msg.Data.(string)
	if input == "" {
		return
	}
	if err := consoles.Write(msg.ConsoleID, []byte(input)); err != nil {
		c.sendError(ReasonInternal, err.Error())
	}
}

func (c *Client) handleConsoleDetach(msg Message) {
	if msg.ConsoleID == "" {
		c.sendError(ReasonBadRequest, "console_detach requires console_id")
		return
	}
	c.detachConsole(msg.ConsoleID)
	c.sendMessage(Message{
		Type:      "console_detached",
		ConsoleID: msg.ConsoleID,
		Timestamp: time.Now(),
	})
}

func (c *Client) handleConsoleResize(msg Message) {
	consoles := c.server.api.consoles
	if consoles == nil || msg.ConsoleID == "" {
		c.sendError(ReasonBadRequest, "console_resize requires console_id")
		return
	}
	if !c.ownsConsole(msg.ConsoleID) {
		c.sendError(ReasonNotFound, "console not found")
		return
	}
	data, _ := msg.Data.(map[string]any)
	rows, okRows := toInt(data["rows"])
	cols, okCols := toInt(data["cols"])
	if !okRows || !okCols {
		c.sendError(ReasonBadRequest, "console_resize requires rows and cols")
		return
	}
	if err := consoles.Resize(msg.ConsoleID, rows, cols); err != nil {
		c.sendError(ReasonInternal, err.Error())
	}
}

// ownsConsole checks the console belongs to this client's session. A client
// can never address another session's console.
func (c *Client) ownsConsole(consoleID string) bool {
	console, err := c.server.api.consoles.Get(consoleID)
	return err == nil && console.SessionID == c.sessionID
}

func (c *Client) attachConsole(consoleID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.consoleSinks[consoleID]; exists {
		return
	}
	sink := &consoleSink{client: c, consoleID: consoleID}
	if err := c.server.api.consoles.Attach(consoleID, sink, true); err != nil {
		c.sendError(ReasonInternal, err.Error())
		return
	}
	c.consoleSinks[consoleID] = sink
}

func (c *Client) detachConsole(consoleID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sink, exists := c.consoleSinks[consoleID]
	if !exists {
		return
	}
	if err := c.server.api.consoles.Detach(consoleID, sink); err != nil {
		c.server.api.logger.Printf("[WebSocket] detach console %s: %v", consoleID, err)
	}
	delete(c.consoleSinks, consoleID)
}

func (c *Client) detachAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for consoleID, sink := range c.consoleSinks {
		if c.server.api.consoles != nil {
			if err := c.server.api.consoles.Detach(consoleID, sink); err != nil {
				c.server.api.logger.Printf("[WebSocket] detach console %s: %v", consoleID, err)
			}
		}
		delete(c.consoleSinks, consoleID)
	}
}

func (c *Client) sendMessage(msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- outboundMessage{messageType: websocket.TextMessage, payload: payload}:
	default:
	}
}

func (c *Client) sendError(reason, message string) {
	c.sendMessage(Message{
		Type:      "error",
		Data:      map[string]any{"reason": reason, "error": message},
		Timestamp: time.Now(),
	})
}

func toInt(value any) (int, bool) {
	switch v := value.(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}
