// internal/handlers/lobby_ws.go
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-matchmaking/internal/apperr"
	"github.com/jason-s-yu/cambia-matchmaking/internal/lobby"
	"github.com/jason-s-yu/cambia-matchmaking/internal/middleware"
	"github.com/sirupsen/logrus"
)

const (
	lobbySubprotocol = "lobby"
	pingInterval     = 30 * time.Second
	drainTimeout     = time.Second
)

// LobbyWSHandler keeps an occupant's socket attached to a lobby. Clients send
// {"type":"heartbeat"} and {"type":"check_abandonment"}; the server answers
// with heartbeat_ack and abandonment and pushes lobby_update and lobby_closed.
func (a *API) LobbyWSHandler(w http.ResponseWriter, r *http.Request) {
	remoteAddr := r.RemoteAddr
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{lobbySubprotocol},
		OriginPatterns: []string{"*"}, // Adjust in production
	})
	if err != nil {
		a.logger.Warnf("websocket accept error: %v", err)
		return
	}
	defer c.Close(websocket.StatusInternalError, "handler finished")

	if c.Subprotocol() != lobbySubprotocol {
		c.Close(BadSubprotocolError, "client must speak the lobby subprotocol")
		return
	}

	lobbyID, err := uuid.Parse(r.PathValue("lobbyID"))
	if err != nil {
		c.Close(InvalidLobbyIDError, "invalid lobby_id")
		return
	}
	userID, err := a.auth.UserFromRequest(r)
	if err != nil {
		c.Close(InvalidAuthTokenError, "authentication failed")
		return
	}
	l, err := a.svc.GetLobby(r.Context(), userID, lobbyID)
	if err != nil {
		c.Close(InvalidLobbyIDError, "lobby does not exist")
		return
	}
	if !l.IsOccupant(userID) {
		c.Close(NotInLobbyError, "user is not in this lobby")
		return
	}

	logger := a.logger.WithFields(logrus.Fields{"lobby_id": lobbyID, "user_id": userID})
	middleware.LogWebSocketConnect(logger, remoteAddr, r.URL.Path)

	// connCtx is cancelled by the hub when the lobby closes or the user opens
	// a newer socket. Reads use the request context so that cancellation
	// does not tear the socket down before queued messages are written.
	connCtx, cancel := context.WithCancel(r.Context())
	conn := &lobby.LobbyConnection{
		UserID:  userID,
		Cancel:  cancel,
		OutChan: make(chan map[string]interface{}, 16),
	}
	a.hub.Register(lobbyID, conn)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		writePump(connCtx, c, conn, logger)
	}()

	err = a.readPump(r.Context(), connCtx, c, conn, lobbyID, logger)

	cancel()
	<-writerDone
	a.hub.Unregister(lobbyID, conn)
	middleware.LogWebSocketDisconnect(logger, remoteAddr, r.URL.Path, err)
}

// readPump handles client messages until the socket closes.
func (a *API) readPump(readCtx, connCtx context.Context, c *websocket.Conn, conn *lobby.LobbyConnection, lobbyID uuid.UUID, logger logrus.FieldLogger) error {
	for {
		var packet map[string]interface{}
		if err := wsjson.Read(readCtx, c, &packet); err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || status == LobbyClosedError {
				return nil
			}
			return err
		}

		action, _ := packet["type"].(string)
		var reply map[string]interface{}
		switch action {
		case "heartbeat":
			if err := a.svc.Heartbeat(readCtx, conn.UserID, lobbyID); err != nil {
				reply = errorMessage(err)
				break
			}
			reply = map[string]interface{}{"type": "heartbeat_ack"}
		case "check_abandonment":
			res, err := a.svc.CheckAbandonment(readCtx, conn.UserID, lobbyID)
			if err != nil {
				reply = errorMessage(err)
				break
			}
			reply = map[string]interface{}{
				"type":      "abandonment",
				"abandoned": res.Abandoned,
				"reason":    res.Reason,
			}
		default:
			logger.Warnf("unknown lobby socket action '%s'", action)
			reply = map[string]interface{}{
				"type":    "error",
				"error":   apperr.ErrInvalidArgument.Code,
				"message": "unknown action type: " + action,
			}
		}

		select {
		case conn.OutChan <- reply:
		case <-connCtx.Done():
		}
	}
}

func errorMessage(err error) map[string]interface{} {
	return map[string]interface{}{
		"type":    "error",
		"error":   apperr.CodeOf(err),
		"message": err.Error(),
	}
}

// writePump is the socket's only writer. Once ctx is cancelled it flushes
// whatever is still queued and closes the socket.
func writePump(ctx context.Context, c *websocket.Conn, conn *lobby.LobbyConnection, logger logrus.FieldLogger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			closeAfterDrain(c, conn, logger)
			return
		case msg := <-conn.OutChan:
			if err := wsjson.Write(ctx, c, msg); err != nil {
				logger.WithError(err).Debug("lobby socket write failed")
				return
			}
		case <-ticker.C:
			if err := c.Ping(ctx); err != nil {
				logger.WithError(err).Debug("lobby socket ping failed")
				return
			}
		}
	}
}

func closeAfterDrain(c *websocket.Conn, conn *lobby.LobbyConnection, logger logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	code, reason := websocket.StatusNormalClosure, "closing"
	for {
		select {
		case msg := <-conn.OutChan:
			if msg["type"] == "lobby_closed" {
				code, reason = LobbyClosedError, "lobby closed"
			}
			if err := wsjson.Write(ctx, c, msg); err != nil {
				logger.WithError(err).Debug("lobby socket drain failed")
				return
			}
		default:
			_ = c.Close(code, reason)
			return
		}
	}
}
