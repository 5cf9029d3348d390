package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/horizon-qa/atlas/pkg/database"
)

// catchupLimit is the maximum number of events returned in one catchup pass.
// Beyond it, a catchup.overflow message tells the client to do a full REST
// reload.
const catchupLimit = 200

// listenTimeout bounds how long a LISTEN command may block when a room gains
// its first subscriber.
const listenTimeout = 10 * time.Second

// ConnectionManager tracks WebSocket connections and their room
// subscriptions. One instance per process.
type ConnectionManager struct {
	connections map[string]*Connection
	mu          sync.RWMutex

	// rooms: channel -> set of connection ids
	rooms  map[string]map[string]bool
	roomMu sync.RWMutex

	store *database.PushEventStore

	listener   *NotifyListener
	listenerMu sync.RWMutex

	writeTimeout time.Duration
	logger       *slog.Logger
}

// Connection is one WebSocket client. subscriptions is only touched by the
// goroutine that owns the connection's read loop.
type Connection struct {
	ID            string
	Conn          *websocket.Conn
	subscriptions map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewConnectionManager creates the manager. store may be nil to disable
// catchup.
func NewConnectionManager(store *database.PushEventStore, writeTimeout time.Duration, logger *slog.Logger) *ConnectionManager {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &ConnectionManager{
		connections:  make(map[string]*Connection),
		rooms:        make(map[string]map[string]bool),
		store:        store,
		writeTimeout: writeTimeout,
		logger:       logger.With("component", "push.manager"),
	}
}

// SetListener wires the NotifyListener for dynamic LISTEN/UNLISTEN. Called
// once during startup.
func (m *ConnectionManager) SetListener(l *NotifyListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listener = l
}

// HandleConnection owns one WebSocket connection after upgrade. Blocks until
// the connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	connID := uuid.NewString()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Connection{
		ID:            connID,
		Conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	m.register(c)
	defer m.unregister(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": connID,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			m.logger.Warn("Invalid WebSocket message", "connection_id", connID, "error", err)
			continue
		}
		m.handleClientMessage(ctx, c, &msg)
	}
}

// Broadcast sends a payload to every connection subscribed to the channel.
func (m *ConnectionManager) Broadcast(channel string, payload []byte) {
	m.roomMu.RLock()
	members, ok := m.rooms[channel]
	if !ok {
		m.roomMu.RUnlock()
		return
	}
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	m.roomMu.RUnlock()

	m.mu.RLock()
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		if err := m.sendRaw(conn, payload); err != nil {
			m.logger.Warn("Failed to send to WebSocket client",
				"connection_id", conn.ID, "error", err)
		}
	}
}

// ActiveConnections returns the count of live WebSocket connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

func (m *ConnectionManager) handleClientMessage(ctx context.Context, c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for subscribe"})
			return
		}
		if err := m.subscribe(c, msg.Channel); err != nil {
			m.sendJSON(c, map[string]string{
				"type":    "subscription.error",
				"channel": msg.Channel,
				"message": "failed to subscribe to channel",
			})
			return
		}
		m.sendJSON(c, map[string]string{
			"type":    "subscription.confirmed",
			"channel": msg.Channel,
		})
		m.handleCatchup(ctx, c, msg.Channel, 0)

	case "unsubscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for unsubscribe"})
			return
		}
		m.unsubscribe(c, msg.Channel)

	case "catchup":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for catchup"})
			return
		}
		if msg.LastEventID != nil {
			m.handleCatchup(ctx, c, msg.Channel, *msg.LastEventID)
		}

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	}
}

// subscribe adds the connection to a room, starting LISTEN when it is the
// room's first subscriber. LISTEN completes before returning so the
// subsequent auto-catchup runs with live delivery already active.
func (m *ConnectionManager) subscribe(c *Connection, channel string) error {
	m.roomMu.Lock()
	needsListen := false
	if _, exists := m.rooms[channel]; !exists {
		m.rooms[channel] = make(map[string]bool)
		needsListen = true
	}
	m.rooms[channel][c.ID] = true
	m.roomMu.Unlock()

	if needsListen {
		m.listenerMu.RLock()
		l := m.listener
		m.listenerMu.RUnlock()
		if l != nil {
			listenCtx, cancel := context.WithTimeout(context.Background(), listenTimeout)
			defer cancel()
			if err := l.Subscribe(listenCtx, channel); err != nil {
				m.logger.Error("Failed to LISTEN on channel", "channel", channel, "error", err)
				m.dropRoom(channel)
				return fmt.Errorf("LISTEN on channel %s: %w", channel, err)
			}
		}
	}

	c.subscriptions[channel] = true
	return nil
}

// dropRoom removes a room after a LISTEN failure and notifies any members
// that subscribed during the LISTEN window.
func (m *ConnectionManager) dropRoom(channel string) {
	m.roomMu.Lock()
	var affected []string
	for connID := range m.rooms[channel] {
		affected = append(affected, connID)
	}
	delete(m.rooms, channel)
	m.roomMu.Unlock()

	m.mu.RLock()
	conns := make([]*Connection, 0, len(affected))
	for _, id := range affected {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		m.sendJSON(conn, map[string]string{
			"type":    "subscription.error",
			"channel": channel,
			"message": "channel listen failed; subscription removed",
		})
	}
}

// unsubscribe removes the connection from a room, issuing UNLISTEN when the
// last subscriber leaves. The UNLISTEN goroutine re-checks membership to
// survive rapid unsubscribe/resubscribe cycles.
func (m *ConnectionManager) unsubscribe(c *Connection, channel string) {
	m.roomMu.Lock()
	if members, exists := m.rooms[channel]; exists {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(m.rooms, channel)
			m.listenerMu.RLock()
			l := m.listener
			m.listenerMu.RUnlock()
			if l != nil {
				go func() {
					m.roomMu.RLock()
					_, resubscribed := m.rooms[channel]
					m.roomMu.RUnlock()
					if resubscribed {
						return
					}
					if err := l.Unsubscribe(context.Background(), channel); err != nil {
						m.logger.Error("Failed to UNLISTEN channel", "channel", channel, "error", err)
					}
				}()
			}
		}
	}
	m.roomMu.Unlock()

	delete(c.subscriptions, channel)
}

// handleCatchup replays persisted events after lastEventID to the client.
func (m *ConnectionManager) handleCatchup(ctx context.Context, c *Connection, channel string, lastEventID int64) {
	if m.store == nil {
		return
	}
	events, err := m.store.Catchup(ctx, channel, lastEventID, catchupLimit+1)
	if err != nil {
		m.logger.Error("Catchup query failed", "channel", channel, "error", err)
		return
	}

	hasMore := len(events) > catchupLimit
	if hasMore {
		events = events[:catchupLimit]
	}

	for _, evt := range events {
		var payload map[string]any
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			continue
		}
		payload["db_event_id"] = evt.ID
		raw, err := json.Marshal(payload)
		if err != nil {
			continue
		}
		if err := m.sendRaw(c, raw); err != nil {
			m.logger.Warn("Failed to send catchup event", "connection_id", c.ID, "error", err)
			return
		}
	}

	if hasMore {
		m.sendJSON(c, map[string]any{
			"type":     "catchup.overflow",
			"channel":  channel,
			"has_more": true,
		})
	}
}

func (m *ConnectionManager) register(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

func (m *ConnectionManager) unregister(c *Connection) {
	for ch := range c.subscriptions {
		m.unsubscribe(c, ch)
	}

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Warn("Failed to marshal WebSocket message", "connection_id", c.ID, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		m.logger.Warn("Failed to send WebSocket message", "connection_id", c.ID, "error", err)
	}
}

func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}
