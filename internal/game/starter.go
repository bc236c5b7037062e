// Package game hands started lobbies to the game service. The game engine
// itself lives elsewhere; this side only allocates a game id once per lobby
// and publishes a start record.
package game

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-matchmaking/internal/cache"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// DefaultQueueName is the Redis list the game service pops start records from.
var DefaultQueueName = "cambia_game_starts"

// StartRecord is what the game service needs to boot a game.
type StartRecord struct {
	GameID    uuid.UUID `json:"game_id"`
	LobbyID   uuid.UUID `json:"lobby_id"`
	Timestamp int64     `json:"timestamp"`
}

// startScript allocates the lobby's game id at most once. The first caller's
// id is stored and its record pushed; later callers get the stored id.
var startScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
  return existing
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
redis.call('RPUSH', KEYS[2], ARGV[3])
return ARGV[1]
`)

// RedisStarter publishes start records to a Redis list, keyed for idempotency
// by lobby id.
type RedisStarter struct {
	rdb    *redis.Client
	queue  string
	keyTTL time.Duration
	clock  clock.Clock
}

func NewRedisStarter(rdb *redis.Client, queue string, keyTTL time.Duration, clk clock.Clock) *RedisStarter {
	if queue == "" {
		queue = DefaultQueueName
	}
	return &RedisStarter{rdb: rdb, queue: queue, keyTTL: keyTTL, clock: clk}
}

func startKey(lobbyID uuid.UUID) string {
	return cache.Key("game", "lobby", lobbyID.String())
}

// StartGame returns the lobby's game id, publishing a start record the first
// time it is called for that lobby.
func (s *RedisStarter) StartGame(ctx context.Context, lobbyID uuid.UUID) (uuid.UUID, error) {
	record := StartRecord{
		GameID:    uuid.New(),
		LobbyID:   lobbyID,
		Timestamp: s.clock.Now().Unix(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return uuid.Nil, errors.Wrap(err, "failed to marshal StartRecord")
	}

	res, err := startScript.Run(ctx, s.rdb,
		[]string{startKey(lobbyID), s.queue},
		record.GameID.String(), s.keyTTL.Milliseconds(), data,
	).Text()
	if err != nil {
		return uuid.Nil, errors.Wrapf(err, "failed to publish start to Redis list '%s'", s.queue)
	}
	gameID, err := uuid.Parse(res)
	if err != nil {
		return uuid.Nil, errors.Wrap(err, "stored game id")
	}
	return gameID, nil
}

// Local allocates game ids in process, for single-node setups and tests.
type Local struct {
	games sync.Map // lobby id -> game id
}

func NewLocal() *Local {
	return &Local{}
}

func (l *Local) StartGame(_ context.Context, lobbyID uuid.UUID) (uuid.UUID, error) {
	v, _ := l.games.LoadOrStore(lobbyID, uuid.New())
	return v.(uuid.UUID), nil
}
