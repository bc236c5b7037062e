// internal/handlers/api.go
package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-matchmaking/internal/apperr"
	"github.com/jason-s-yu/cambia-matchmaking/internal/auth"
	"github.com/jason-s-yu/cambia-matchmaking/internal/lobby"
	"github.com/jason-s-yu/cambia-matchmaking/internal/matchmaking"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// API serves the matchmaking HTTP surface. Every route except /healthz
// identifies the caller by the auth_token cookie.
type API struct {
	svc    *matchmaking.Service
	auth   *auth.Verifier
	hub    *lobby.Hub
	logger logrus.FieldLogger
}

func NewAPI(svc *matchmaking.Service, verifier *auth.Verifier, hub *lobby.Hub, logger logrus.FieldLogger) *API {
	return &API{svc: svc, auth: verifier, hub: hub, logger: logger}
}

// Register mounts every route on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /queue/join", a.authed(a.JoinQueueHandler))
	mux.HandleFunc("POST /queue/leave", a.authed(a.LeaveQueueHandler))
	mux.HandleFunc("GET /queue/status", a.authed(a.QueueStatusHandler))

	mux.HandleFunc("POST /lobby/create", a.authed(a.CreateLobbyHandler))
	mux.HandleFunc("POST /lobby/join", a.authed(a.JoinLobbyHandler))
	mux.HandleFunc("POST /lobby/leave", a.authed(a.LeaveLobbyHandler))
	mux.HandleFunc("POST /lobby/heartbeat", a.authed(a.HeartbeatHandler))
	mux.HandleFunc("POST /lobby/start", a.authed(a.StartGameHandler))
	mux.HandleFunc("POST /lobby/result", a.authed(a.RecordResultHandler))
	mux.HandleFunc("GET /lobby/check", a.authed(a.CheckAbandonmentHandler))
	mux.HandleFunc("GET /lobby/get", a.authed(a.GetLobbyHandler))
	mux.HandleFunc("GET /lobby/active", a.authed(a.ActiveLobbyHandler))
	mux.HandleFunc("GET /lobby/ws/{lobbyID}", a.LobbyWSHandler)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

// authedHandler is a handler that runs once the caller is known.
type authedHandler func(w http.ResponseWriter, r *http.Request, userID uuid.UUID)

func (a *API) authed(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.auth.UserFromRequest(r)
		if errors.Is(err, auth.ErrMissingToken) {
			http.Error(w, "missing auth_token", http.StatusUnauthorized)
			return
		}
		if err != nil {
			http.Error(w, "invalid token", http.StatusForbidden)
			return
		}
		h(w, r, userID)
	}
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// statusFor maps an error's kind to its HTTP status.
func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case apperr.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Error: apperr.CodeOf(err), Message: err.Error()}
	if status >= http.StatusInternalServerError {
		a.logger.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		if status == http.StatusInternalServerError {
			body.Message = "internal error"
		}
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v interface{}) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return apperr.Validation("bad request payload")
}

// lobbyIDParam reads a required lobby id from the query string.
func lobbyIDParam(r *http.Request) (uuid.UUID, error) {
	raw := r.URL.Query().Get("lobbyId")
	if raw == "" {
		return uuid.Nil, apperr.Validation("lobbyId is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperr.Validation("invalid lobbyId")
	}
	return id, nil
}
