package game

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-matchmaking/internal/apperr"
	"github.com/jason-s-yu/cambia-matchmaking/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedResult struct {
	lobbyID, gameID uuid.UUID
}

// fakeRecorder remembers results and rejects lobbies listed in reject.
type fakeRecorder struct {
	mu     sync.Mutex
	got    []recordedResult
	reject map[uuid.UUID]bool
}

func (r *fakeRecorder) RecordResult(_ context.Context, lobbyID, gameID uuid.UUID) (*models.Lobby, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reject[lobbyID] {
		return nil, apperr.ErrWrongState
	}
	r.got = append(r.got, recordedResult{lobbyID, gameID})
	return &models.Lobby{ID: lobbyID, GameID: gameID, Status: models.LobbyFinished}, nil
}

func (r *fakeRecorder) results() []recordedResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedResult(nil), r.got...)
}

func pushResult(t *testing.T, mr *miniredis.Miniredis, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	_, err = mr.Push(DefaultResultQueueName, string(data))
	require.NoError(t, err)
}

func runConsumer(t *testing.T, rec ResultRecorder) (*miniredis.Miniredis, *test.Hook, func()) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	logger, hook := test.NewNullLogger()
	c := NewResultConsumer(rdb, "", rec, clock.New(), logger)
	c.PollTimeout = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	stop := func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("consumer did not stop")
		}
	}
	return mr, hook, stop
}

func TestResultConsumerRecordsResults(t *testing.T) {
	rec := &fakeRecorder{}
	mr, _, stop := runConsumer(t, rec)
	defer stop()

	want := recordedResult{lobbyID: uuid.New(), gameID: uuid.New()}
	pushResult(t, mr, ResultRecord{GameID: want.gameID, LobbyID: want.lobbyID, Timestamp: 1772366400})

	assert.Eventually(t, func() bool {
		return len(rec.results()) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []recordedResult{want}, rec.results())
}

func TestResultConsumerSkipsBadRecords(t *testing.T) {
	rejected := uuid.New()
	rec := &fakeRecorder{reject: map[uuid.UUID]bool{rejected: true}}
	mr, hook, stop := runConsumer(t, rec)
	defer stop()

	_, err := mr.Push(DefaultResultQueueName, "{not json")
	require.NoError(t, err)
	pushResult(t, mr, ResultRecord{LobbyID: uuid.New()})
	pushResult(t, mr, ResultRecord{GameID: uuid.New(), LobbyID: rejected})
	good := recordedResult{lobbyID: uuid.New(), gameID: uuid.New()}
	pushResult(t, mr, ResultRecord{GameID: good.gameID, LobbyID: good.lobbyID})

	assert.Eventually(t, func() bool {
		return len(rec.results()) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []recordedResult{good}, rec.results())

	var warnings []string
	for _, e := range hook.AllEntries() {
		warnings = append(warnings, e.Message)
	}
	assert.Contains(t, warnings, "invalid result record")
	assert.Contains(t, warnings, "result record missing ids")
	assert.Contains(t, warnings, "failed to record game result")
}
