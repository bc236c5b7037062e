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
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStarter(t *testing.T) (*RedisStarter, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewRedisStarter(rdb, "", time.Hour, mock), mr
}

func TestRedisStarterPublishesOnce(t *testing.T) {
	s, mr := newTestStarter(t)
	ctx := context.Background()
	lobbyID := uuid.New()

	first, err := s.StartGame(ctx, lobbyID)
	require.NoError(t, err)
	second, err := s.StartGame(ctx, lobbyID)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	items, err := mr.List(DefaultQueueName)
	require.NoError(t, err)
	require.Len(t, items, 1)

	var rec StartRecord
	require.NoError(t, json.Unmarshal([]byte(items[0]), &rec))
	assert.Equal(t, first, rec.GameID)
	assert.Equal(t, lobbyID, rec.LobbyID)
	assert.Equal(t, int64(1772366400), rec.Timestamp)

	assert.Equal(t, time.Hour, mr.TTL(startKey(lobbyID)))
}

func TestRedisStarterConcurrentCallersAgree(t *testing.T) {
	s, mr := newTestStarter(t)
	ctx := context.Background()
	lobbyID := uuid.New()

	var wg sync.WaitGroup
	ids := make([]uuid.UUID, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := s.StartGame(ctx, lobbyID)
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	items, err := mr.List(DefaultQueueName)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestRedisStarterUnavailable(t *testing.T) {
	s, mr := newTestStarter(t)
	mr.Close()

	_, err := s.StartGame(context.Background(), uuid.New())
	assert.Error(t, err)
}

func TestLocalStarterIsIdempotent(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()
	lobbyID := uuid.New()

	a, err := l.StartGame(ctx, lobbyID)
	require.NoError(t, err)
	b, err := l.StartGame(ctx, lobbyID)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := l.StartGame(ctx, uuid.New())
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}
