package lobby

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-matchmaking/internal/models"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConn(user uuid.UUID) (*LobbyConnection, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	return &LobbyConnection{UserID: user, Cancel: cancel, OutChan: make(chan map[string]interface{}, 4)}, ctx
}

func TestHubRegisterReplacesOlderSocket(t *testing.T) {
	h := NewHub()
	lobbyID, user := uuid.New(), uuid.New()

	first, firstCtx := newConn(user)
	second, _ := newConn(user)
	h.Register(lobbyID, first)
	h.Register(lobbyID, second)

	assert.Error(t, firstCtx.Err(), "older socket is cancelled")
	assert.Equal(t, 1, h.Connected(lobbyID))

	// Unregistering the stale socket leaves the new one in place.
	h.Unregister(lobbyID, first)
	assert.Equal(t, 1, h.Connected(lobbyID))
	h.Unregister(lobbyID, second)
	assert.Zero(t, h.Connected(lobbyID))
}

func TestHubLobbyClosedNotifiesAndCancels(t *testing.T) {
	h := NewHub()
	lobbyID := uuid.New()
	a, aCtx := newConn(uuid.New())
	b, bCtx := newConn(uuid.New())
	h.Register(lobbyID, a)
	h.Register(lobbyID, b)

	h.LobbyClosed(lobbyID, ReasonHostAbandoned)

	for _, c := range []*LobbyConnection{a, b} {
		msg := <-c.OutChan
		assert.Equal(t, "lobby_closed", msg["type"])
		assert.Equal(t, ReasonHostAbandoned, msg["reason"])
	}
	assert.Error(t, aCtx.Err())
	assert.Error(t, bCtx.Err())
	assert.Zero(t, h.Connected(lobbyID))
}

func TestHubBroadcastDoesNotBlockOnSlowClient(t *testing.T) {
	h := NewHub()
	lobbyID := uuid.New()
	slow, _ := newConn(uuid.New())
	h.Register(lobbyID, slow)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.LobbyUpdated(&models.Lobby{ID: lobbyID})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full channel")
	}
	assert.Len(t, slow.OutChan, cap(slow.OutChan))
}

func TestManagerPublishesToHub(t *testing.T) {
	f := newManagerFixture(t)
	hub := NewHub()
	logger, _ := test.NewNullLogger()
	f.mgr = NewManager(f.store, f.ents, NewQuota(f.counter, DefaultQuotaLimits, f.clock), f.starter, logger,
		WithClock(f.clock), WithEvents(hub))
	ctx := context.Background()
	host, player := uuid.New(), uuid.New()

	l, err := f.mgr.CreateLobby(ctx, host, publicOpts("hub"))
	require.NoError(t, err)
	hostConn, hostCtx := newConn(host)
	hub.Register(l.ID, hostConn)

	_, err = f.mgr.JoinByID(ctx, player, l.ID)
	require.NoError(t, err)
	msg := <-hostConn.OutChan
	assert.Equal(t, "lobby_update", msg["type"])

	require.NoError(t, f.mgr.Leave(ctx, host, l.ID))
	msg = <-hostConn.OutChan
	assert.Equal(t, "lobby_closed", msg["type"])
	assert.Equal(t, "host_left", msg["reason"])
	assert.Error(t, hostCtx.Err())
}
