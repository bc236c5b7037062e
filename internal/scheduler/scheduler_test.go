package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-matchmaking/internal/entitlement"
	"github.com/jason-s-yu/cambia-matchmaking/internal/lobby"
	"github.com/jason-s-yu/cambia-matchmaking/internal/metrics"
	"github.com/jason-s-yu/cambia-matchmaking/internal/models"
	"github.com/jason-s-yu/cambia-matchmaking/internal/queue"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// flakyStarter fails while err is set.
type flakyStarter struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *flakyStarter) StartGame(_ context.Context, _ uuid.UUID) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return uuid.Nil, f.err
	}
	return uuid.New(), nil
}

func (f *flakyStarter) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// failingLobbies fails CreateMatchLobby while createErr is set.
type failingLobbies struct {
	Lobbies
	createErr error
}

func (f *failingLobbies) CreateMatchLobby(ctx context.Context, host, player models.QueueEntry) (*models.Lobby, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.Lobbies.CreateMatchLobby(ctx, host, player)
}

// flakyEntitlements fails lookups for the users in fail.
type flakyEntitlements struct {
	*entitlement.Static
	fail map[uuid.UUID]bool
}

func (f *flakyEntitlements) GetEntitlement(ctx context.Context, userID uuid.UUID) (models.Entitlement, error) {
	if f.fail[userID] {
		return models.Entitlement{}, errors.New("billing unavailable")
	}
	return f.Static.GetEntitlement(ctx, userID)
}

// recordingMetrics notes the virtual time of every pass.
type recordingMetrics struct {
	metrics.Matchmaking
	clock *clock.Mock

	mu                  sync.Mutex
	passes              []time.Time
	rollbacks           []string
	entitlementFailures int
}

func (r *recordingMetrics) ObservePass(time.Duration, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.passes = append(r.passes, r.clock.Now())
}

func (r *recordingMetrics) AddRollback(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollbacks = append(r.rollbacks, reason)
}

func (r *recordingMetrics) AddEntitlementFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entitlementFailures++
}

func (r *recordingMetrics) passTimes() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.passes...)
}

type fixture struct {
	sched   *Scheduler
	queue   *queue.Manager
	lobbies *lobby.Manager
	proxy   *failingLobbies
	ents    *flakyEntitlements
	starter *flakyStarter
	metrics *recordingMetrics
	wake    *Wakeup
	clock   *clock.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(testEpoch)
	logger, _ := test.NewNullLogger()

	f := &fixture{
		ents:    &flakyEntitlements{Static: entitlement.NewStatic(), fail: map[uuid.UUID]bool{}},
		starter: &flakyStarter{},
		wake:    NewWakeup(),
		clock:   mock,
	}
	f.metrics = &recordingMetrics{Matchmaking: metrics.NewNoop(), clock: mock}
	f.lobbies = lobby.NewManager(lobby.NewMemoryStore(), f.ents,
		lobby.NewQuota(lobby.NewMemoryCounter(), lobby.DefaultQuotaLimits, mock),
		f.starter, logger, lobby.WithClock(mock))
	f.proxy = &failingLobbies{Lobbies: f.lobbies}
	f.queue = queue.NewManager(queue.NewMemoryStore(), f.lobbies, f.wake, logger, queue.WithClock(mock))
	f.sched = New(f.queue, f.proxy, f.ents, f.starter, f.wake, logger,
		WithClock(mock), WithMetrics(f.metrics))
	return f
}

func (f *fixture) enqueue(t *testing.T, name string, skill float64) uuid.UUID {
	t.Helper()
	uid := uuid.New()
	_, err := f.queue.Enqueue(context.Background(), uid, name, skill)
	require.NoError(t, err)
	return uid
}

func (f *fixture) lobbyOf(t *testing.T, uid uuid.UUID) *models.Lobby {
	t.Helper()
	l, ok, err := f.lobbies.ActiveLobby(context.Background(), uid)
	require.NoError(t, err)
	if !ok {
		return nil
	}
	return l
}

func (f *fixture) status(t *testing.T, uid uuid.UUID) queue.Status {
	t.Helper()
	st, err := f.queue.Status(context.Background(), uid)
	require.NoError(t, err)
	return st
}

func TestRunOncePairsNearestSkill(t *testing.T) {
	f := newFixture(t)
	a := f.enqueue(t, "a", 1000)
	b := f.enqueue(t, "b", 1010)
	c := f.enqueue(t, "c", 1500)
	d := f.enqueue(t, "d", 1520)

	report, err := f.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, report.Candidates)
	assert.Equal(t, 2, report.Pairs)
	assert.Zero(t, report.Waiting)

	for _, pair := range [][2]uuid.UUID{{a, b}, {c, d}} {
		l := f.lobbyOf(t, pair[0])
		require.NotNil(t, l)
		assert.Equal(t, models.LobbyPlaying, l.Status)
		assert.True(t, l.Matched)
		assert.NotEqual(t, uuid.Nil, l.GameID)
		assert.ElementsMatch(t, pair[:], l.Occupants())
		assert.False(t, f.status(t, pair[0]).InQueue)
		assert.False(t, f.status(t, pair[1]).InQueue)
	}
}

func TestRunOnceWithOneEntryIsNoop(t *testing.T) {
	f := newFixture(t)
	a := f.enqueue(t, "a", 1000)

	report, err := f.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Pairs)
	assert.Equal(t, 1, report.Residual)
	assert.Equal(t, 1, report.Waiting)
	assert.Equal(t, models.QueueWaiting, f.status(t, a).Status)
}

func TestRunOncePrioritisesPremium(t *testing.T) {
	f := newFixture(t)
	a := f.enqueue(t, "a", 500)
	b := f.enqueue(t, "b", 520)
	c := f.enqueue(t, "c", 540)
	f.ents.Set(a, models.Entitlement{Tier: models.TierPremium, Active: true})

	report, err := f.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pairs)

	l := f.lobbyOf(t, a)
	require.NotNil(t, l)
	assert.ElementsMatch(t, []uuid.UUID{a, b}, l.Occupants())
	assert.Equal(t, models.QueueWaiting, f.status(t, c).Status)
}

func TestRunOnceRollsBackFailedGameStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.enqueue(t, "a", 1000)
	b := f.enqueue(t, "b", 1005)
	f.starter.setErr(errors.New("game service down"))

	report, err := f.sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Pairs)
	assert.Equal(t, 1, report.Rollbacks)
	assert.Equal(t, 2, report.Waiting)
	assert.Equal(t, []string{rollbackGameStart}, f.metrics.rollbacks)

	for _, uid := range []uuid.UUID{a, b} {
		assert.Equal(t, models.QueueWaiting, f.status(t, uid).Status)
		assert.Nil(t, f.lobbyOf(t, uid), "half-built lobby is removed")
	}

	f.starter.setErr(nil)
	report, err = f.sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pairs)
	l := f.lobbyOf(t, a)
	require.NotNil(t, l)
	assert.Equal(t, b, l.PlayerID)
}

func TestRunOnceRollsBackFailedLobbyCreate(t *testing.T) {
	f := newFixture(t)
	a := f.enqueue(t, "a", 1000)
	b := f.enqueue(t, "b", 1005)
	f.proxy.createErr = errors.New("database unavailable")
	before := map[uuid.UUID]queue.Status{a: f.status(t, a), b: f.status(t, b)}
	f.clock.Add(30 * time.Second)

	report, err := f.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rollbacks)
	assert.Equal(t, []string{rollbackLobbyCreate}, f.metrics.rollbacks)
	assert.Zero(t, f.starter.calls)
	for uid, prev := range before {
		st := f.status(t, uid)
		assert.Equal(t, models.QueueWaiting, st.Status)
		require.NotNil(t, st.JoinedAt)
		assert.True(t, prev.JoinedAt.Equal(*st.JoinedAt), "joinedAt is kept")
		assert.True(t, prev.TimeoutAt.Equal(*st.TimeoutAt), "timeoutAt is kept")
	}

	f.proxy.createErr = nil
	report, err = f.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pairs)
	l := f.lobbyOf(t, a)
	require.NotNil(t, l)
	assert.Equal(t, b, l.PlayerID)
}

func TestRunOnceEvictsLobbyHolders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.enqueue(t, "a", 1000)
	b := f.enqueue(t, "b", 1005)
	c := f.enqueue(t, "c", 1010)

	// a opens a lobby after joining the queue.
	_, err := f.lobbies.CreateLobby(ctx, a, models.LobbyOptions{Name: "mine"})
	require.NoError(t, err)

	report, err := f.sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Evicted)
	assert.Equal(t, 1, report.Pairs)
	assert.False(t, f.status(t, a).InQueue)

	l := f.lobbyOf(t, b)
	require.NotNil(t, l)
	assert.ElementsMatch(t, []uuid.UUID{b, c}, l.Occupants())
}

func TestRunOnceExpiresOverdueEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stale := models.QueueEntry{
		ID:          "stale",
		UserID:      uuid.New(),
		DisplayName: "stale",
		SkillRating: 1000,
		JoinedAt:    testEpoch.Add(-11 * time.Minute),
		TimeoutAt:   testEpoch.Add(-time.Minute),
		Status:      models.QueueWaiting,
	}
	require.NoError(t, f.queue.Store().Insert(ctx, stale))
	fresh := f.enqueue(t, "fresh", 1001)

	report, err := f.sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
	assert.Zero(t, report.Pairs)
	assert.False(t, f.status(t, stale.UserID).InQueue)
	assert.True(t, f.status(t, fresh).InQueue)
}

func TestRunOnceSkipsEntryLeftMidPass(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.enqueue(t, "a", 1000)
	b := f.enqueue(t, "b", 1005)

	// b leaves the queue after the pass listed it.
	f.proxy.Lobbies = &leavingLobbies{Lobbies: f.lobbies, queue: f.queue, leaver: b}

	report, err := f.sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Pairs)
	assert.Equal(t, 1, report.Rollbacks)
	assert.Equal(t, models.QueueWaiting, f.status(t, a).Status)
	assert.False(t, f.status(t, b).InQueue)
	assert.Nil(t, f.lobbyOf(t, a))
	assert.Nil(t, f.lobbyOf(t, b))
}

// leavingLobbies dequeues leaver while the pairing lobby is being created.
type leavingLobbies struct {
	Lobbies
	queue  *queue.Manager
	leaver uuid.UUID
}

func (l *leavingLobbies) CreateMatchLobby(ctx context.Context, host, player models.QueueEntry) (*models.Lobby, error) {
	if _, err := l.queue.Dequeue(ctx, l.leaver); err != nil {
		return nil, err
	}
	return l.Lobbies.CreateMatchLobby(ctx, host, player)
}

func TestEntitlementFailureMatchesAsFree(t *testing.T) {
	f := newFixture(t)
	a := f.enqueue(t, "a", 1000)
	b := f.enqueue(t, "b", 1010)
	f.ents.fail[a] = true

	report, err := f.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pairs)
	assert.Equal(t, 1, f.metrics.entitlementFailures)
	assert.NotNil(t, f.lobbyOf(t, b))
}

func TestRunOnceIsExclusive(t *testing.T) {
	f := newFixture(t)
	f.sched.running.Lock()
	defer f.sched.running.Unlock()

	_, err := f.sched.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrPassInFlight)
}

func startLoop(t *testing.T, f *fixture) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.sched.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// advanceUntil moves virtual time in small steps until cond holds.
func advanceUntil(t *testing.T, f *fixture, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		if cond() {
			return true
		}
		f.clock.Add(100 * time.Millisecond)
		return cond()
	}, 5*time.Second, 5*time.Millisecond)
}

func TestRunDebouncesEnqueueWakeups(t *testing.T) {
	f := newFixture(t)
	startLoop(t, f)
	kickedAt := f.clock.Now()

	a := f.enqueue(t, "a", 1000)
	f.enqueue(t, "b", 1010)

	advanceUntil(t, f, func() bool { return len(f.metrics.passTimes()) == 1 })
	assert.NotNil(t, f.lobbyOf(t, a))

	passes := f.metrics.passTimes()
	assert.False(t, passes[0].Before(kickedAt.Add(DefaultSettings.Debounce)))
}

func TestRunReschedulesWhileEntriesRemain(t *testing.T) {
	f := newFixture(t)
	f.starter.setErr(errors.New("game service down"))
	startLoop(t, f)

	a := f.enqueue(t, "a", 1000)
	f.enqueue(t, "b", 1010)

	advanceUntil(t, f, func() bool { return len(f.metrics.passTimes()) == 1 })
	f.starter.setErr(nil)
	advanceUntil(t, f, func() bool { return len(f.metrics.passTimes()) == 2 })
	assert.NotNil(t, f.lobbyOf(t, a))

	passes := f.metrics.passTimes()
	assert.False(t, passes[1].Before(passes[0].Add(DefaultSettings.Reschedule)))
}

func TestRunIdlesWithFewerThanTwoEntries(t *testing.T) {
	f := newFixture(t)
	startLoop(t, f)

	f.enqueue(t, "a", 1000)
	advanceUntil(t, f, func() bool { return len(f.metrics.passTimes()) == 1 })

	for i := 0; i < 30; i++ {
		f.clock.Add(time.Second)
	}
	assert.Len(t, f.metrics.passTimes(), 1)
}

func TestRunCoalescesWakeups(t *testing.T) {
	f := newFixture(t)
	startLoop(t, f)

	for i := 0; i < 5; i++ {
		f.wake.Kick()
	}
	require.Eventually(t, func() bool { return len(f.wake.ch) == 0 }, time.Second, time.Millisecond)

	advanceUntil(t, f, func() bool { return len(f.metrics.passTimes()) == 1 })
	for i := 0; i < 30; i++ {
		f.clock.Add(time.Second)
	}
	assert.Len(t, f.metrics.passTimes(), 1)
}
