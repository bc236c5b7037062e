// internal/lobby/hub.go

package lobby

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-matchmaking/internal/models"
)

// Events receives lobby changes that connected clients should hear about.
type Events interface {
	LobbyUpdated(l *models.Lobby)
	LobbyClosed(lobbyID uuid.UUID, reason string)
}

type noopEvents struct{}

func (noopEvents) LobbyUpdated(*models.Lobby) {}
func (noopEvents) LobbyClosed(uuid.UUID, string) {}

// LobbyConnection wraps a single user's active WebSocket connection for the lobby.
type LobbyConnection struct {
	UserID  uuid.UUID
	Cancel  context.CancelFunc // used to kill the read loop if needed
	OutChan chan map[string]interface{}
}

// send never blocks; a client that is not draining its channel misses messages.
func (c *LobbyConnection) send(msg map[string]interface{}) {
	select {
	case c.OutChan <- msg:
	default:
	}
}

// Hub tracks the live sockets of each lobby, keyed by the lobby's UUID.
type Hub struct {
	mu      sync.Mutex
	lobbies map[uuid.UUID]map[uuid.UUID]*LobbyConnection
}

// NewHub creates and returns an empty Hub.
func NewHub() *Hub {
	return &Hub{
		lobbies: make(map[uuid.UUID]map[uuid.UUID]*LobbyConnection),
	}
}

// Register attaches conn to the lobby, replacing and cancelling an older socket
// of the same user.
func (h *Hub) Register(lobbyID uuid.UUID, conn *LobbyConnection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.lobbies[lobbyID]
	if !ok {
		conns = make(map[uuid.UUID]*LobbyConnection)
		h.lobbies[lobbyID] = conns
	}
	if old, ok := conns[conn.UserID]; ok && old != conn && old.Cancel != nil {
		old.Cancel()
	}
	conns[conn.UserID] = conn
}

// Unregister detaches conn if it is still the user's current socket.
func (h *Hub) Unregister(lobbyID uuid.UUID, conn *LobbyConnection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.lobbies[lobbyID]
	if !ok {
		return
	}
	if conns[conn.UserID] == conn {
		delete(conns, conn.UserID)
	}
	if len(conns) == 0 {
		delete(h.lobbies, lobbyID)
	}
}

// Connected returns the number of sockets attached to the lobby.
func (h *Hub) Connected(lobbyID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.lobbies[lobbyID])
}

// BroadcastAll sends a JSON object to all connected users' OutChan.
func (h *Hub) BroadcastAll(lobbyID uuid.UUID, msg map[string]interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, conn := range h.lobbies[lobbyID] {
		conn.send(msg)
	}
}

func (h *Hub) LobbyUpdated(l *models.Lobby) {
	h.BroadcastAll(l.ID, map[string]interface{}{
		"type":  "lobby_update",
		"lobby": l,
	})
}

// LobbyClosed tells every socket the lobby is gone, then drops them. Each
// connection's read loop is cancelled after the message is queued.
func (h *Hub) LobbyClosed(lobbyID uuid.UUID, reason string) {
	h.mu.Lock()
	conns := h.lobbies[lobbyID]
	delete(h.lobbies, lobbyID)
	h.mu.Unlock()

	for _, conn := range conns {
		conn.send(map[string]interface{}{
			"type":   "lobby_closed",
			"reason": reason,
		})
		if conn.Cancel != nil {
			conn.Cancel()
		}
	}
}
