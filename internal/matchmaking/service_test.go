package matchmaking

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-matchmaking/internal/apperr"
	"github.com/jason-s-yu/cambia-matchmaking/internal/entitlement"
	"github.com/jason-s-yu/cambia-matchmaking/internal/game"
	"github.com/jason-s-yu/cambia-matchmaking/internal/lobby"
	"github.com/jason-s-yu/cambia-matchmaking/internal/models"
	"github.com/jason-s-yu/cambia-matchmaking/internal/profile"
	"github.com/jason-s-yu/cambia-matchmaking/internal/queue"
	"github.com/jason-s-yu/cambia-matchmaking/internal/rating"
	"github.com/jason-s-yu/cambia-matchmaking/internal/scheduler"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingProfiles struct{}

func (failingProfiles) GetProfile(context.Context, uuid.UUID) (models.Profile, error) {
	return models.Profile{}, apperr.Transient(errors.New("connection refused"), "query profile")
}

type serviceFixture struct {
	svc      *Service
	profiles *profile.Static
	queue    *queue.Manager
	lobbies  *lobby.Manager
	clock    *clock.Mock
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	logger, _ := test.NewNullLogger()

	lobbies := lobby.NewManager(lobby.NewMemoryStore(), entitlement.NewStatic(),
		lobby.NewQuota(lobby.NewMemoryCounter(), lobby.DefaultQuotaLimits, mock),
		game.NewLocal(), logger, lobby.WithClock(mock))
	q := queue.NewManager(queue.NewMemoryStore(), lobbies, scheduler.NewWakeup(), logger, queue.WithClock(mock))
	profiles := profile.NewStatic()
	return &serviceFixture{
		svc:      NewService(profiles, q, lobbies, logger),
		profiles: profiles,
		queue:    q,
		lobbies:  lobbies,
		clock:    mock,
	}
}

func (f *serviceFixture) player(name string, wins, games int, rank models.Rank) uuid.UUID {
	uid := uuid.New()
	f.profiles.Set(models.Profile{UserID: uid, DisplayName: name, Wins: wins, GamesPlayed: games, Rank: rank})
	return uid
}

func TestJoinQueueUsesProfileSkill(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	uid := f.player("alice", 30, 40, "gold")

	res, err := f.svc.JoinQueue(ctx, uid)
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Empty(t, res.Reason)

	e, err := f.queue.Store().Get(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, "alice", e.DisplayName)
	assert.InDelta(t, rating.ComputeSkill(30, 40, "gold"), e.SkillRating, 1e-9)

	status, err := f.svc.GetQueueStatus(ctx, uid)
	require.NoError(t, err)
	assert.True(t, status.InQueue)
	assert.Equal(t, 10*time.Minute, status.TimeRemaining)
}

func TestJoinQueueTwiceReportsAlreadyQueued(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	uid := f.player("alice", 0, 0, "bronze")

	_, err := f.svc.JoinQueue(ctx, uid)
	require.NoError(t, err)
	res, err := f.svc.JoinQueue(ctx, uid)
	require.NoError(t, err)
	assert.False(t, res.Queued)
	assert.Equal(t, apperr.ErrAlreadyQueued.Code, res.Reason)

	n, err := f.queue.Store().CountWaiting(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestJoinQueueRefusals(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	res, err := f.svc.JoinQueue(ctx, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, apperr.ErrProfileNotFound.Code, res.Reason)

	blank := f.player("  ", 0, 0, "bronze")
	res, err = f.svc.JoinQueue(ctx, blank)
	require.NoError(t, err)
	assert.Equal(t, apperr.ErrInvalidArgument.Code, res.Reason)

	host := f.player("host", 0, 0, "bronze")
	_, err = f.svc.CreateLobby(ctx, host, models.LobbyOptions{Name: "room"})
	require.NoError(t, err)
	res, err = f.svc.JoinQueue(ctx, host)
	require.NoError(t, err)
	assert.False(t, res.Queued)
	assert.Equal(t, apperr.ErrAlreadyInLobby.Code, res.Reason)
}

func TestJoinQueueSurfacesDependencyFailure(t *testing.T) {
	f := newServiceFixture(t)
	f.svc.profiles = failingProfiles{}

	_, err := f.svc.JoinQueue(context.Background(), uuid.New())
	assert.Equal(t, apperr.KindTransient, apperr.KindOf(err))
}

func TestLeaveQueueIsIdempotent(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	uid := f.player("alice", 0, 0, "bronze")
	_, err := f.svc.JoinQueue(ctx, uid)
	require.NoError(t, err)

	res, err := f.svc.LeaveQueue(ctx, uid)
	require.NoError(t, err)
	assert.True(t, res.Left)
	res, err = f.svc.LeaveQueue(ctx, uid)
	require.NoError(t, err)
	assert.False(t, res.Left)

	status, err := f.svc.GetQueueStatus(ctx, uid)
	require.NoError(t, err)
	assert.False(t, status.InQueue)
}

func TestJoinLobbyWithdrawsQueueEntry(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	host := f.player("host", 0, 0, "bronze")
	guest := f.player("guest", 0, 0, "bronze")

	l, err := f.svc.CreateLobby(ctx, host, models.LobbyOptions{Name: "room", IsPrivate: true})
	require.NoError(t, err)
	require.NotEmpty(t, l.Code)

	_, err = f.svc.JoinQueue(ctx, guest)
	require.NoError(t, err)

	joined, err := f.svc.JoinLobby(ctx, guest, JoinTarget{Code: " " + l.Code + " "})
	require.NoError(t, err)
	assert.Equal(t, guest, joined.PlayerID)

	status, err := f.svc.GetQueueStatus(ctx, guest)
	require.NoError(t, err)
	assert.False(t, status.InQueue)

	active, err := f.svc.GetActiveLobby(ctx, guest)
	require.NoError(t, err)
	assert.Equal(t, l.ID, active.ID)
}

func TestJoinLobbyTargetValidation(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	uid := f.player("u", 0, 0, "bronze")

	_, err := f.svc.JoinLobby(ctx, uid, JoinTarget{})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	_, err = f.svc.JoinLobby(ctx, uid, JoinTarget{LobbyID: uuid.New(), Code: "ABC123"})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	_, err = f.svc.JoinLobby(ctx, uid, JoinTarget{LobbyID: uuid.New()})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestLobbyLifecycleThroughService(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	host := f.player("host", 0, 0, "bronze")
	guest := f.player("guest", 0, 0, "bronze")

	l, err := f.svc.CreateLobby(ctx, host, models.LobbyOptions{Name: "room"})
	require.NoError(t, err)
	_, err = f.svc.JoinLobby(ctx, guest, JoinTarget{LobbyID: l.ID})
	require.NoError(t, err)
	require.NoError(t, f.svc.Heartbeat(ctx, guest, l.ID))

	f.clock.Add(3 * time.Minute)
	require.NoError(t, f.svc.Heartbeat(ctx, guest, l.ID))
	res, err := f.svc.CheckAbandonment(ctx, guest, l.ID)
	require.NoError(t, err)
	assert.True(t, res.Abandoned)
	assert.Equal(t, lobby.ReasonHostAbandoned, res.Reason)

	_, err = f.svc.GetLobby(ctx, guest, l.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.svc.GetActiveLobby(ctx, host)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestStartGameAndResultThroughService(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	host := f.player("host", 0, 0, "bronze")
	guest := f.player("guest", 0, 0, "bronze")

	l, err := f.svc.CreateLobby(ctx, host, models.LobbyOptions{Name: "room"})
	require.NoError(t, err)
	_, err = f.svc.JoinLobby(ctx, guest, JoinTarget{LobbyID: l.ID})
	require.NoError(t, err)

	started, err := f.svc.StartGame(ctx, host, l.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LobbyPlaying, started.Status)

	_, err = f.svc.RecordResult(ctx, f.player("outsider", 0, 0, "bronze"), l.ID)
	assert.ErrorIs(t, err, apperr.ErrNotInLobby)

	finished, err := f.svc.RecordResult(ctx, guest, l.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LobbyFinished, finished.Status)
	assert.Equal(t, started.GameID, finished.GameID)

	_, err = f.svc.GetActiveLobby(ctx, guest)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	res, err := f.svc.JoinQueue(ctx, guest)
	require.NoError(t, err)
	assert.True(t, res.Queued)
	require.NoError(t, f.svc.LeaveLobby(ctx, host, uuid.Nil), "leaving with no active lobby is a no-op")
}

func TestGetLobbyHidesCodeFromOutsiders(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	host := f.player("host", 0, 0, "bronze")
	outsider := f.player("outsider", 0, 0, "bronze")

	l, err := f.svc.CreateLobby(ctx, host, models.LobbyOptions{Name: "secret", IsPrivate: true})
	require.NoError(t, err)
	require.NotEmpty(t, l.Code)

	seen, err := f.svc.GetLobby(ctx, host, l.ID)
	require.NoError(t, err)
	assert.Equal(t, l.Code, seen.Code)

	seen, err = f.svc.GetLobby(ctx, outsider, l.ID)
	require.NoError(t, err)
	assert.Empty(t, seen.Code)
	assert.Equal(t, "secret", seen.Name)

	// The stored lobby keeps its code.
	_, err = f.svc.JoinLobby(ctx, outsider, JoinTarget{Code: l.Code})
	assert.NoError(t, err)
}

func TestMatchedPairRequeuesAfterGameGoesStale(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	a := f.player("ann", 10, 20, "silver")
	b := f.player("ben", 10, 20, "silver")

	l, err := f.lobbies.CreateMatchLobby(ctx,
		models.QueueEntry{UserID: a, DisplayName: "ann"},
		models.QueueEntry{UserID: b, DisplayName: "ben"})
	require.NoError(t, err)
	_, err = f.svc.StartGame(ctx, a, l.ID)
	require.NoError(t, err)

	res, err := f.svc.JoinQueue(ctx, a)
	require.NoError(t, err)
	assert.False(t, res.Queued, "still seated in the running game")

	f.clock.Add(lobby.DefaultSettings.GameTimeout + time.Minute)
	swept, err := f.lobbies.SweepInactive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	for _, u := range []uuid.UUID{a, b} {
		res, err := f.svc.JoinQueue(ctx, u)
		require.NoError(t, err)
		assert.True(t, res.Queued)
	}
}
