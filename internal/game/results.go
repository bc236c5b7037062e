package game

import (
	"context"
	"encoding/json"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-matchmaking/internal/models"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultResultQueueName is the Redis list the game service pushes finished
// games onto.
var DefaultResultQueueName = "cambia_game_results"

// ResultRecord announces that a game has ended.
type ResultRecord struct {
	GameID    uuid.UUID `json:"game_id"`
	LobbyID   uuid.UUID `json:"lobby_id"`
	Timestamp int64     `json:"timestamp"`
}

// ResultRecorder finishes the lobby a game was played in.
type ResultRecorder interface {
	RecordResult(ctx context.Context, lobbyID, gameID uuid.UUID) (*models.Lobby, error)
}

// ResultConsumer pops result records off a Redis list and finishes their
// lobbies. Records that cannot be applied are logged and dropped; stuck
// lobbies are eventually closed by the inactivity sweep.
type ResultConsumer struct {
	rdb      *redis.Client
	queue    string
	recorder ResultRecorder
	clock    clock.Clock
	log      logrus.FieldLogger

	// PollTimeout bounds each BLPOP so cancellation is noticed.
	PollTimeout time.Duration
	// Backoff is the pause after a Redis error.
	Backoff time.Duration
}

func NewResultConsumer(rdb *redis.Client, queue string, rec ResultRecorder, clk clock.Clock, log logrus.FieldLogger) *ResultConsumer {
	if queue == "" {
		queue = DefaultResultQueueName
	}
	return &ResultConsumer{
		rdb:         rdb,
		queue:       queue,
		recorder:    rec,
		clock:       clk,
		log:         log,
		PollTimeout: 3 * time.Second,
		Backoff:     time.Second,
	}
}

// Run consumes until ctx is cancelled.
func (c *ResultConsumer) Run(ctx context.Context) error {
	c.log.WithField("queue", c.queue).Info("result consumer started")
	for {
		if ctx.Err() != nil {
			return nil
		}
		res, err := c.rdb.BLPop(ctx, c.PollTimeout, c.queue).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.WithError(err).Error("BLPop on result queue")
			select {
			case <-ctx.Done():
				return nil
			case <-c.clock.After(c.Backoff):
			}
			continue
		}
		if len(res) < 2 {
			continue
		}
		// res[0] is the queue name and res[1] the payload.
		c.handle(ctx, res[1])
	}
}

func (c *ResultConsumer) handle(ctx context.Context, payload string) {
	var rec ResultRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		c.log.WithError(err).Warn("invalid result record")
		return
	}
	entry := c.log.WithFields(logrus.Fields{
		"lobby_id": rec.LobbyID,
		"game_id":  rec.GameID,
	})
	if rec.LobbyID == uuid.Nil || rec.GameID == uuid.Nil {
		entry.Warn("result record missing ids")
		return
	}
	if _, err := c.recorder.RecordResult(ctx, rec.LobbyID, rec.GameID); err != nil {
		entry.WithError(err).Warn("failed to record game result")
		return
	}
	entry.Debug("recorded game result")
}
