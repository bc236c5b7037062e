// internal/handlers/ws_codes.go
package handlers

// Custom WebSocket close codes used by the lobby socket.
const (
	BadSubprotocolError   = 3000 // Client connected with an unsupported subprotocol.
	InvalidAuthTokenError = 3001 // Auth cookie missing, invalid or expired.
	NotInLobbyError       = 3002 // Authenticated user is not an occupant of the lobby.
	InvalidLobbyIDError   = 3003 // Target lobby ID in the URL is malformed or does not exist.
	LobbyClosedError      = 3004 // Lobby was closed while the socket was open.
)
