package websocket

import (
	"log/slog"
	"sync"

	"pinghub/internal/presence"
	"pinghub/pkg/chat"
)

// Hub routes encoded events to connected clients. Every registered client is
// implicitly in the global room; named rooms are joined explicitly.
type Hub struct {
	clients  map[string]*Client
	rooms    map[string]map[string]*Client
	registry *presence.Registry
	log      *slog.Logger
	mu       sync.RWMutex
}

func NewHub(registry *presence.Registry, log *slog.Logger) *Hub {
	return &Hub{
		clients:  make(map[string]*Client),
		rooms:    make(map[string]map[string]*Client),
		registry: registry,
		log:      log.With(slog.String("component", "hub")),
	}
}

func isGlobal(room string) bool {
	return room == "" || room == chat.GlobalRoom
}

func (h *Hub) Register(client *Client) {
	if client == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID()] = client
}

// Unregister removes the client from the hub and every room it joined.
func (h *Hub) Unregister(client *Client) {
	if client == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.clients, client.ID())
	for room, members := range h.rooms {
		delete(members, client.ID())
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Join is idempotent. Unknown connections and the global room are ignored.
func (h *Hub) Join(connID, room string) {
	if isGlobal(room) {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[connID]
	if !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*Client)
		h.rooms[room] = members
	}
	members[connID] = client
}

func (h *Hub) Leave(connID, room string) {
	if isGlobal(room) {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// CloseAll closes every registered client. Their read pumps run the
// disconnect path.
func (h *Hub) CloseAll() int {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		client.Close()
	}
	return len(clients)
}

func (h *Hub) InRoom(connID, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if isGlobal(room) {
		_, ok := h.clients[connID]
		return ok
	}
	_, ok := h.rooms[room][connID]
	return ok
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if isGlobal(room) {
		return len(h.clients)
	}
	return len(h.rooms[room])
}

// Rooms lists the named rooms the connection has joined.
func (h *Hub) Rooms(connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var rooms []string
	for room, members := range h.rooms {
		if _, ok := members[connID]; ok {
			rooms = append(rooms, room)
		}
	}
	return rooms
}

func (h *Hub) EmitToRoom(room, event string, payload any) {
	h.EmitToRoomExcept(room, "", event, payload)
}

// EmitToRoomExcept delivers to room without exceptConnID. A global room name
// behaves like EmitGlobalExcept.
func (h *Hub) EmitToRoomExcept(room, exceptConnID, event string, payload any) {
	frame, ok := h.encode(event, payload)
	if !ok {
		return
	}

	h.mu.RLock()
	members := h.clients
	if !isGlobal(room) {
		members = h.rooms[room]
	}
	targets := make([]*Client, 0, len(members))
	for connID, client := range members {
		if connID != exceptConnID {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	h.deliver(targets, event, frame)
}

func (h *Hub) EmitGlobal(event string, payload any) {
	h.EmitToRoomExcept(chat.GlobalRoom, "", event, payload)
}

func (h *Hub) EmitGlobalExcept(exceptConnID, event string, payload any) {
	h.EmitToRoomExcept(chat.GlobalRoom, exceptConnID, event, payload)
}

// EmitTo delivers to a single connection; unknown connections are ignored.
func (h *Hub) EmitTo(connID, event string, payload any) {
	h.emitToConnections([]string{connID}, event, payload)
}

// EmitToUser delivers to the connections the registry binds to userID. It is
// a no-op when the user is not connected.
func (h *Hub) EmitToUser(userID, event string, payload any) {
	h.EmitToUsers([]string{userID}, event, payload)
}

func (h *Hub) EmitToUsers(userIDs []string, event string, payload any) {
	connIDs := h.registry.ConnectionsOf(userIDs...)
	if len(connIDs) == 0 {
		return
	}
	h.emitToConnections(connIDs, event, payload)
}

func (h *Hub) emitToConnections(connIDs []string, event string, payload any) {
	frame, ok := h.encode(event, payload)
	if !ok {
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(connIDs))
	for _, connID := range connIDs {
		if client, ok := h.clients[connID]; ok {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	h.deliver(targets, event, frame)
}

func (h *Hub) encode(event string, payload any) ([]byte, bool) {
	frame, err := chat.Encode(event, payload)
	if err != nil {
		h.log.Error("Failed to encode event", slog.String("event", event), slog.Any("error", err))
		return nil, false
	}
	return frame, true
}

// deliver drops clients whose send buffer is full.
func (h *Hub) deliver(targets []*Client, event string, frame []byte) {
	for _, client := range targets {
		if client.enqueue(frame) {
			continue
		}
		h.log.Warn("Dropping slow client",
			slog.String("connID", client.ID()),
			slog.String("event", event))
		h.Unregister(client)
		client.Close()
	}
}
