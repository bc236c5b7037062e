package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-matchmaking/internal/apperr"
	"github.com/jason-s-yu/cambia-matchmaking/internal/cache"
	"github.com/jason-s-yu/cambia-matchmaking/internal/models"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Each entry is a hash; waiting entries are also members of a sorted set
// scored by skill rating. Members are "<joined_at ms>:<user id>" so equal
// skills order by join time, then user id, the same as MemoryStore. The
// scripts keep the hash and the set in step atomically.

var insertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1],
  'id', ARGV[1], 'user_id', ARGV[2], 'display_name', ARGV[3], 'skill', ARGV[4],
  'joined_at', ARGV[5], 'timeout_at', ARGV[6], 'status', ARGV[7], 'member', ARGV[8])
redis.call('PEXPIRE', KEYS[1], ARGV[9])
if ARGV[7] == 'waiting' then
  redis.call('ZADD', KEYS[2], ARGV[4], ARGV[8])
end
return 1
`)

var casStatusScript = redis.NewScript(`
local fields = redis.call('HMGET', KEYS[1], 'status', 'skill', 'member')
if not fields[1] or fields[1] ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[2])
if ARGV[2] == 'waiting' then
  redis.call('ZADD', KEYS[2], fields[2], fields[3])
else
  redis.call('ZREM', KEYS[2], fields[3])
end
return 1
`)

var deleteScript = redis.NewScript(`
local member = redis.call('HGET', KEYS[1], 'member')
local n = redis.call('DEL', KEYS[1])
if member then
  redis.call('ZREM', KEYS[2], member)
end
return n
`)

var deleteIfDueScript = redis.NewScript(`
local fields = redis.call('HMGET', KEYS[1], 'status', 'timeout_at', 'member')
if not fields[1] then
  return 0
end
local due = tonumber(fields[2])
if fields[1] == 'matched' then
  due = due + tonumber(ARGV[2])
elseif fields[1] ~= 'waiting' then
  return 0
end
if tonumber(ARGV[1]) < due then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], fields[3])
return 1
`)

// RedisStore keeps the queue in Redis so several service replicas can share it.
type RedisStore struct {
	rdb        *redis.Client
	waitingKey string
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, waitingKey: cache.Key("queue", "waiting")}
}

func entryKey(userID uuid.UUID) string {
	return cache.Key("queue", "entry", userID.String())
}

func waitingMember(e models.QueueEntry) string {
	return fmt.Sprintf("%015d:%s", e.JoinedAt.UnixMilli(), e.UserID)
}

// memberKey maps a sorted set member back to its entry hash.
func memberKey(member string) string {
	if i := strings.LastIndexByte(member, ':'); i >= 0 {
		member = member[i+1:]
	}
	return cache.Key("queue", "entry", member)
}

func formatSkill(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (s *RedisStore) Insert(ctx context.Context, e models.QueueEntry) error {
	ok, err := insertScript.Run(ctx, s.rdb,
		[]string{entryKey(e.UserID), s.waitingKey},
		e.ID,
		e.UserID.String(),
		e.DisplayName,
		formatSkill(e.SkillRating),
		e.JoinedAt.UnixMilli(),
		e.TimeoutAt.UnixMilli(),
		string(e.Status),
		waitingMember(e),
		// The hash outlives every trigger that could remove it, so a replica
		// crashing mid-pairing cannot strand it.
		e.TimeoutAt.Add(MatchedGrace).Sub(e.JoinedAt).Milliseconds(),
	).Int()
	if err != nil {
		return errors.Wrap(err, "insert queue entry")
	}
	if ok == 0 {
		return apperr.ErrAlreadyQueued
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, userID uuid.UUID) (models.QueueEntry, error) {
	fields, err := s.rdb.HGetAll(ctx, entryKey(userID)).Result()
	if err != nil {
		return models.QueueEntry{}, errors.Wrap(err, "get queue entry")
	}
	if len(fields) == 0 {
		return models.QueueEntry{}, apperr.ErrNotQueued
	}
	return parseEntry(fields)
}

func (s *RedisStore) Delete(ctx context.Context, userID uuid.UUID) (bool, error) {
	n, err := deleteScript.Run(ctx, s.rdb, []string{entryKey(userID), s.waitingKey}).Int()
	if err != nil {
		return false, errors.Wrap(err, "delete queue entry")
	}
	return n > 0, nil
}

func (s *RedisStore) ListWaiting(ctx context.Context, limit int) ([]models.QueueEntry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	members, err := s.rdb.ZRange(ctx, s.waitingKey, 0, stop).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list waiting")
	}
	if len(members) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(members))
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, m := range members {
			cmds[i] = p.HGetAll(ctx, memberKey(m))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "load waiting entries")
	}

	out := make([]models.QueueEntry, 0, len(members))
	var dangling []interface{}
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// Hash vanished between the two reads or expired.
			dangling = append(dangling, members[i])
			continue
		}
		e, err := parseEntry(fields)
		if err != nil {
			return nil, err
		}
		if e.Status == models.QueueWaiting {
			out = append(out, e)
		}
	}
	if len(dangling) > 0 {
		if err := s.rdb.ZRem(ctx, s.waitingKey, dangling...).Err(); err != nil {
			return nil, errors.Wrap(err, "drop dangling waiting members")
		}
	}
	return out, nil
}

func (s *RedisStore) CompareAndSetStatus(ctx context.Context, userID uuid.UUID, from, to models.QueueStatus) (bool, error) {
	n, err := casStatusScript.Run(ctx, s.rdb,
		[]string{entryKey(userID), s.waitingKey},
		string(from), string(to),
	).Int()
	if err != nil {
		return false, errors.Wrap(err, "set queue entry status")
	}
	return n == 1, nil
}

func (s *RedisStore) DeleteIfDue(ctx context.Context, userID uuid.UUID, now time.Time) (bool, error) {
	n, err := deleteIfDueScript.Run(ctx, s.rdb,
		[]string{entryKey(userID), s.waitingKey},
		now.UnixMilli(), MatchedGrace.Milliseconds(),
	).Int()
	if err != nil {
		return false, errors.Wrap(err, "expire queue entry")
	}
	return n == 1, nil
}

func (s *RedisStore) CountWaiting(ctx context.Context) (int, error) {
	n, err := s.rdb.ZCard(ctx, s.waitingKey).Result()
	if err != nil {
		return 0, errors.Wrap(err, "count waiting")
	}
	return int(n), nil
}

func parseEntry(fields map[string]string) (models.QueueEntry, error) {
	userID, err := uuid.Parse(fields["user_id"])
	if err != nil {
		return models.QueueEntry{}, errors.Wrap(err, "parse queue entry user_id")
	}
	skill, err := strconv.ParseFloat(fields["skill"], 64)
	if err != nil {
		return models.QueueEntry{}, errors.Wrap(err, "parse queue entry skill")
	}
	joined, err := strconv.ParseInt(fields["joined_at"], 10, 64)
	if err != nil {
		return models.QueueEntry{}, errors.Wrap(err, "parse queue entry joined_at")
	}
	timeout, err := strconv.ParseInt(fields["timeout_at"], 10, 64)
	if err != nil {
		return models.QueueEntry{}, errors.Wrap(err, "parse queue entry timeout_at")
	}
	return models.QueueEntry{
		ID:          fields["id"],
		UserID:      userID,
		DisplayName: fields["display_name"],
		SkillRating: skill,
		JoinedAt:    time.UnixMilli(joined).UTC(),
		TimeoutAt:   time.UnixMilli(timeout).UTC(),
		Status:      models.QueueStatus(fields["status"]),
	}, nil
}
