// internal/models/lobby.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// LobbyStatus is the lifecycle state of a lobby.
type LobbyStatus string

const (
	LobbyWaiting  LobbyStatus = "waiting"
	LobbyPlaying  LobbyStatus = "playing"
	LobbyFinished LobbyStatus = "finished"
)

// Game modes accepted for lobbies.
const (
	GameModeHeadToHead = "head_to_head"
	GameModeCustom     = "custom"
)

// LobbyOptions are the host-supplied settings for a new lobby.
type LobbyOptions struct {
	Name            string `json:"name"`
	IsPrivate       bool   `json:"is_private"`
	AllowSpectators bool   `json:"allow_spectators"`
	MaxSpectators   int    `json:"max_spectators,omitempty"`
	GameMode        string `json:"game_mode"`
}

// Lobby is a pre-game room with a host and at most one joining player.
// HostID and PlayerID hold an active-lobby pointer while Status is not finished.
type Lobby struct {
	ID       uuid.UUID   `json:"id"`
	HostID   uuid.UUID   `json:"host_id"`
	PlayerID uuid.UUID   `json:"player_id,omitempty"` // uuid.Nil when the slot is open
	Status   LobbyStatus `json:"status"`

	Name            string `json:"name"`
	GameMode        string `json:"game_mode"`
	IsPrivate       bool   `json:"is_private"`
	Code            string `json:"lobby_code,omitempty"`
	AllowSpectators bool   `json:"allow_spectators"`
	MaxSpectators   int    `json:"max_spectators,omitempty"`

	// Matched is set for lobbies the scheduler created from a queue pairing.
	Matched bool      `json:"matched"`
	GameID  uuid.UUID `json:"game_id,omitempty"`

	HostLastActiveAt   time.Time `json:"host_last_active_at"`
	PlayerLastActiveAt time.Time `json:"player_last_active_at"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// HasPlayer reports whether the joining slot is occupied.
func (l *Lobby) HasPlayer() bool {
	return l.PlayerID != uuid.Nil
}

// IsActive reports whether the lobby still counts toward its occupants'
// one-active-lobby limit.
func (l *Lobby) IsActive() bool {
	return l.Status != LobbyFinished
}

// Occupants returns the host and, if present, the player.
func (l *Lobby) Occupants() []uuid.UUID {
	if l.HasPlayer() {
		return []uuid.UUID{l.HostID, l.PlayerID}
	}
	return []uuid.UUID{l.HostID}
}

// IsOccupant reports whether userID is the host or the player.
func (l *Lobby) IsOccupant(userID uuid.UUID) bool {
	return userID != uuid.Nil && (l.HostID == userID || l.PlayerID == userID)
}

// LastActivity is the most recent heartbeat watermark of any occupant.
func (l *Lobby) LastActivity() time.Time {
	if l.HasPlayer() && l.PlayerLastActiveAt.After(l.HostLastActiveAt) {
		return l.PlayerLastActiveAt
	}
	return l.HostLastActiveAt
}

// Clone returns a copy safe to hand out of a store.
func (l *Lobby) Clone() *Lobby {
	c := *l
	return &c
}
