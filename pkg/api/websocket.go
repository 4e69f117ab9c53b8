package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/codeready-toolchain/dgate/pkg/models"
)

// wsClientMessage is a control frame from a WebSocket client. Frames without
// an action are treated as DGRequest submissions.
type wsClientMessage struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
}

// ConnectionManager manages WebSocket connections and channel subscriptions.
// It is both an ingress surface (clients submit DGRequests frame by frame)
// and the live-socket egress hub streaming sessions broadcast through.
type ConnectionManager struct {
	dispatcher   Dispatcher
	writeTimeout time.Duration

	// Active connections: connection_id → *Connection
	connections map[string]*Connection
	mu          sync.RWMutex

	// Channel subscriptions: channel → set of connection_ids
	channels  map[string]map[string]bool
	channelMu sync.RWMutex
}

// Connection represents a single WebSocket client.
//
// subscriptions is mutated from the read loop and from response goroutines
// (per-request subscriptions are dropped once the single response is in),
// so it is guarded by subMu.
type Connection struct {
	ID            string
	Conn          *websocket.Conn
	subMu         sync.Mutex
	subscriptions map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewConnectionManager creates a connection manager dispatching into the
// engine.
func NewConnectionManager(dispatcher Dispatcher, writeTimeout time.Duration) *ConnectionManager {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &ConnectionManager{
		dispatcher:   dispatcher,
		writeTimeout: writeTimeout,
		connections:  make(map[string]*Connection),
		channels:     make(map[string]map[string]bool),
	}
}

// SetDispatcher wires the dispatcher after construction. The hub must exist
// before the engine (streaming egress broadcasts through it), so main wires
// the dispatcher once the engine is built, before any connection is accepted.
func (m *ConnectionManager) SetDispatcher(d Dispatcher) {
	m.dispatcher = d
}

// HandleConnection manages the lifecycle of a single WebSocket connection.
// Called by the WebSocket HTTP handler after upgrade. Blocks until the
// connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Connection{
		ID:            connID,
		Conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	m.registerConnection(c)
	defer m.unregisterConnection(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": connID,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg wsClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message",
				"connection_id", connID, "error", err)
			m.sendJSON(c, map[string]string{"type": "error", "message": "invalid message"})
			continue
		}

		if msg.Action != "" {
			m.handleControl(c, &msg)
			continue
		}
		m.handleRequest(c, data)
	}
}

// handleControl processes subscribe/unsubscribe/ping frames.
func (m *ConnectionManager) handleControl(c *Connection, msg *wsClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for subscribe"})
			return
		}
		m.subscribe(c, msg.Channel)
		m.sendJSON(c, map[string]string{
			"type":    "subscription.confirmed",
			"channel": msg.Channel,
		})
	case "unsubscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for unsubscribe"})
			return
		}
		m.unsubscribe(c, msg.Channel)
	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	default:
		m.sendJSON(c, map[string]string{"type": "error", "message": "unknown action"})
	}
}

// handleRequest submits a DGRequest frame and streams its responses back on
// this connection. One request may legally produce several responses.
//
// Streaming sessions broadcast on the request id, so the socket subscribes
// before submission: no update dispatched while the STREAMING_STARTED reply
// is still in flight can be missed. Non-streaming requests drop the
// subscription once the single response is in.
func (m *ConnectionManager) handleRequest(c *Connection, data []byte) {
	req, err := models.DecodeRequest(data)
	if err != nil || req.RequestType == "" {
		m.sendJSON(c, map[string]string{"type": "error", "message": "invalid request"})
		return
	}
	req.SourceChannel = models.SourceWebSocket
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	m.subscribe(c, req.RequestID)

	sink := m.dispatcher.Submit(req)
	go func() {
		resp, err := sink.Await(c.ctx)
		if err != nil {
			m.unsubscribe(c, req.RequestID)
			return
		}
		if resp.Status != models.StatusStreamingStarted {
			m.unsubscribe(c, req.RequestID)
		}
		m.sendJSON(c, resp)
	}()
}

// Broadcast sends a payload to every connection subscribed to the channel.
// It implements the transport hub interface and returns the receiver count.
func (m *ConnectionManager) Broadcast(_ context.Context, channel string, payload []byte) int {
	m.channelMu.RLock()
	connIDs, exists := m.channels[channel]
	if !exists {
		m.channelMu.RUnlock()
		return 0
	}
	ids := make([]string, 0, len(connIDs))
	for id := range connIDs {
		ids = append(ids, id)
	}
	m.channelMu.RUnlock()

	// Snapshot connection pointers under the lock, then send without it so
	// a slow socket cannot stall register/unregister.
	m.mu.RLock()
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	sent := 0
	for _, conn := range conns {
		if err := m.sendRaw(conn, payload); err != nil {
			slog.Warn("Failed to send to WebSocket client",
				"connection_id", conn.ID, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// ActiveConnections returns the count of active WebSocket connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// subscriberCount returns the number of subscribers for a channel.
// Unexported, used by tests to poll instead of sleeping.
func (m *ConnectionManager) subscriberCount(channel string) int {
	m.channelMu.RLock()
	defer m.channelMu.RUnlock()
	return len(m.channels[channel])
}

func (m *ConnectionManager) subscribe(c *Connection, channel string) {
	m.channelMu.Lock()
	if _, exists := m.channels[channel]; !exists {
		m.channels[channel] = make(map[string]bool)
	}
	m.channels[channel][c.ID] = true
	m.channelMu.Unlock()

	c.subMu.Lock()
	c.subscriptions[channel] = true
	c.subMu.Unlock()
}

func (m *ConnectionManager) unsubscribe(c *Connection, channel string) {
	m.channelMu.Lock()
	if subs, exists := m.channels[channel]; exists {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(m.channels, channel)
		}
	}
	m.channelMu.Unlock()

	c.subMu.Lock()
	delete(c.subscriptions, channel)
	c.subMu.Unlock()
}

func (m *ConnectionManager) registerConnection(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

func (m *ConnectionManager) unregisterConnection(c *Connection) {
	c.subMu.Lock()
	channels := make([]string, 0, len(c.subscriptions))
	for ch := range c.subscriptions {
		channels = append(channels, ch)
	}
	c.subMu.Unlock()
	for _, ch := range channels {
		m.unsubscribe(c, ch)
	}

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

// sendJSON marshals and sends a JSON message to a single connection.
func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message",
			"connection_id", c.ID, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send WebSocket message",
			"connection_id", c.ID, "error", err)
	}
}

// sendRaw sends raw bytes to a single connection with a write timeout.
func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}
