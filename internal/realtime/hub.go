// ABOUTME: In-memory room fan-out for live operator connections (SSE clients)
// ABOUTME: Joining a conversation room marks the operator present in that conversation

package realtime

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/switchboard/internal/presence"
)

const (
	// clientBufferSize is the channel buffer for each connection.
	clientBufferSize = 64

	// DashboardRoom receives every conversation.updated event
	DashboardRoom = "dashboard"

	operatorRoomPrefix     = "operator:"
	conversationRoomPrefix = "conversation:"
)

// OperatorRoom is the private room of one operator
func OperatorRoom(operatorID string) string { return operatorRoomPrefix + operatorID }

// ConversationRoom is the room of operators viewing one conversation
func ConversationRoom(conversationID string) string { return conversationRoomPrefix + conversationID }

// conversationFromRoom returns the conversation id of a conversation room
func conversationFromRoom(room string) (string, bool) {
	return strings.CutPrefix(room, conversationRoomPrefix)
}

// Envelope is one event delivered to a connection
type Envelope struct {
	Room    string    `json:"room"`
	Event   string    `json:"event"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

type client struct {
	id         string
	operatorID string
	ch         chan Envelope
	rooms      map[string]bool

	// membership serializes a room change with its presence update, so a
	// disconnect cannot slip between them. Taken before Hub.mu.
	membership sync.Mutex
}

// Hub routes events to rooms of connected operators. A connection always
// sits in its operator room; conversation rooms are joined and left
// explicitly and drive the presence tracker.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*client
	rooms    map[string]map[string]*client // room -> clientID -> client
	presence presence.Tracker
	logger   *slog.Logger
}

// NewHub creates a hub. Pass nil logger for default.
func NewHub(tracker presence.Tracker, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if tracker == nil {
		tracker = presence.NewMemory()
	}
	return &Hub{
		clients:  make(map[string]*client),
		rooms:    make(map[string]map[string]*client),
		presence: tracker,
		logger:   logger.With("component", "realtime"),
	}
}

// Connect registers a connection for an operator, placed in its operator
// room plus any extra rooms. Returns the event channel and a connection id.
// The connection is removed when ctx is cancelled.
func (h *Hub) Connect(ctx context.Context, operatorID string, rooms ...string) (<-chan Envelope, string) {
	c := &client{
		id:         uuid.New().String(),
		operatorID: operatorID,
		ch:         make(chan Envelope, clientBufferSize),
		rooms:      make(map[string]bool),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	h.joinLocked(c, OperatorRoom(operatorID))
	h.mu.Unlock()

	for _, room := range rooms {
		if err := h.Join(ctx, c.id, room); err != nil {
			h.logger.Warn("failed to join room on connect", "room", room, "error", err)
		}
	}

	h.logger.Debug("client connected", "operator_id", operatorID, "client_id", c.id)

	go func() {
		<-ctx.Done()
		h.Disconnect(context.WithoutCancel(ctx), c.id)
	}()

	return c.ch, c.id
}

// Join adds a connection to a room. Joining a conversation room marks the
// operator present in that conversation.
func (h *Hub) Join(ctx context.Context, clientID, room string) error {
	c, ok := h.lockClient(clientID)
	if !ok {
		return nil
	}
	defer c.membership.Unlock()

	h.mu.Lock()
	if c.rooms[room] {
		h.mu.Unlock()
		return nil
	}
	h.joinLocked(c, room)
	h.mu.Unlock()

	if conv, ok := conversationFromRoom(room); ok {
		return h.presence.Join(ctx, conv, c.operatorID)
	}
	return nil
}

// Leave removes a connection from a room
func (h *Hub) Leave(ctx context.Context, clientID, room string) error {
	c, ok := h.lockClient(clientID)
	if !ok {
		return nil
	}
	defer c.membership.Unlock()

	h.mu.Lock()
	if !c.rooms[room] {
		h.mu.Unlock()
		return nil
	}
	h.leaveLocked(c, room)
	h.mu.Unlock()

	if conv, ok := conversationFromRoom(room); ok {
		return h.presence.Leave(ctx, conv, c.operatorID)
	}
	return nil
}

// Disconnect removes a connection from every room and closes its channel.
// It waits for a Join or Leave in progress on the same connection.
func (h *Hub) Disconnect(ctx context.Context, clientID string) {
	c, ok := h.lockClient(clientID)
	if !ok {
		return
	}
	defer c.membership.Unlock()

	h.mu.Lock()
	var convs []string
	for room := range c.rooms {
		if conv, ok := conversationFromRoom(room); ok {
			convs = append(convs, conv)
		}
		h.leaveLocked(c, room)
	}
	delete(h.clients, clientID)
	close(c.ch)
	h.mu.Unlock()

	for _, conv := range convs {
		if err := h.presence.Leave(ctx, conv, c.operatorID); err != nil {
			h.logger.Warn("failed to clear presence", "conversation_id", conv, "error", err)
		}
	}
	h.logger.Debug("client disconnected", "operator_id", c.operatorID, "client_id", clientID)
}

// lockClient takes the connection's membership lock. It fails when the
// connection is unknown or was disconnected while waiting.
func (h *Hub) lockClient(clientID string) (*client, bool) {
	h.mu.RLock()
	c, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return nil, false
	}

	c.membership.Lock()
	h.mu.RLock()
	cur, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok || cur != c {
		c.membership.Unlock()
		return nil, false
	}
	return c, true
}

// Owner returns the operator owning a connection
func (h *Hub) Owner(clientID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[clientID]
	if !ok {
		return "", false
	}
	return c.operatorID, true
}

// EmitToRoom sends an event to every connection in a room. Returns the
// number of connections it was queued for.
// Non-blocking: events are dropped for connections whose channels are full.
func (h *Hub) EmitToRoom(room, event string, payload any) int {
	env := Envelope{Room: room, Event: event, Payload: payload, At: time.Now().UTC()}

	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for _, c := range h.rooms[room] {
		select {
		case c.ch <- env:
			sent++
		default:
			h.logger.Debug("dropped event for slow client",
				"room", room,
				"event", event,
				"client_id", c.id)
		}
	}
	return sent
}

// IsRoomMemberPresent reports whether the operator has a connection in room
func (h *Hub) IsRoomMemberPresent(room, operatorID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.rooms[room] {
		if c.operatorID == operatorID {
			return true
		}
	}
	return false
}

// IsConnected reports whether the operator has any live connection
func (h *Hub) IsConnected(operatorID string) bool {
	return h.IsRoomMemberPresent(OperatorRoom(operatorID), operatorID)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		h.Disconnect(context.Background(), id)
	}
	h.logger.Debug("hub closed")
}

func (h *Hub) joinLocked(c *client, room string) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*client)
		h.rooms[room] = members
	}
	members[c.id] = c
	c.rooms[room] = true
}

func (h *Hub) leaveLocked(c *client, room string) {
	delete(c.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}
