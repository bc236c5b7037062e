// internal/handlers/lobby.go
package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-matchmaking/internal/apperr"
	"github.com/jason-s-yu/cambia-matchmaking/internal/matchmaking"
	"github.com/jason-s-yu/cambia-matchmaking/internal/models"
)

// lobbyRequest names a lobby in a POST body.
type lobbyRequest struct {
	LobbyID uuid.UUID `json:"lobbyId"`
}

// createLobbyRequest is the body of /lobby/create.
type createLobbyRequest struct {
	Name            string `json:"name"`
	IsPrivate       bool   `json:"isPrivate"`
	AllowSpectators bool   `json:"allowSpectators"`
	MaxSpectators   int    `json:"maxSpectators"`
	GameMode        string `json:"gameMode"`
}

func (a *API) CreateLobbyHandler(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	var req createLobbyRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	l, err := a.svc.CreateLobby(r.Context(), userID, models.LobbyOptions{
		Name:            req.Name,
		IsPrivate:       req.IsPrivate,
		AllowSpectators: req.AllowSpectators,
		MaxSpectators:   req.MaxSpectators,
		GameMode:        req.GameMode,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

// JoinLobbyHandler accepts {lobbyId} or {lobbyCode}.
func (a *API) JoinLobbyHandler(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	var req matchmaking.JoinTarget
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	l, err := a.svc.JoinLobby(r.Context(), userID, req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// LeaveLobbyHandler leaves the given lobby, or the caller's active lobby when
// the body names none.
func (a *API) LeaveLobbyHandler(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	var req lobbyRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.svc.LeaveLobby(r.Context(), userID, req.LobbyID); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) HeartbeatHandler(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	var req lobbyRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if req.LobbyID == uuid.Nil {
		a.writeError(w, r, apperr.Validation("lobbyId is required"))
		return
	}
	if err := a.svc.Heartbeat(r.Context(), userID, req.LobbyID); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) StartGameHandler(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	var req lobbyRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if req.LobbyID == uuid.Nil {
		a.writeError(w, r, apperr.Validation("lobbyId is required"))
		return
	}
	l, err := a.svc.StartGame(r.Context(), userID, req.LobbyID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// RecordResultHandler lets an occupant report that the lobby's game is over.
func (a *API) RecordResultHandler(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	var req lobbyRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if req.LobbyID == uuid.Nil {
		a.writeError(w, r, apperr.Validation("lobbyId is required"))
		return
	}
	l, err := a.svc.RecordResult(r.Context(), userID, req.LobbyID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (a *API) CheckAbandonmentHandler(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	lobbyID, err := lobbyIDParam(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := a.svc.CheckAbandonment(r.Context(), userID, lobbyID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) GetLobbyHandler(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	lobbyID, err := lobbyIDParam(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	l, err := a.svc.GetLobby(r.Context(), userID, lobbyID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (a *API) ActiveLobbyHandler(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	l, err := a.svc.GetActiveLobby(r.Context(), userID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}
