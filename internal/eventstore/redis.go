package eventstore

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig configures a Redis-backed Store.
type RedisConfig struct {
	Client *redis.Client
	// Retention bounds how long a stream's comment log survives its last write.
	Retention time.Duration
	Clock     clockwork.Clock
	Logger    *zap.Logger
}

// RedisStore implements Store with sorted sets, hashes and strings.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
	clock     clockwork.Clock
	logger    *zap.Logger
}

// NewRedisStore wraps an existing client.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client:    cfg.Client,
		retention: cfg.Retention,
		clock:     clock,
		logger:    logger,
	}, nil
}

func (s *RedisStore) Put(ctx context.Context, streamID int64, entry Entry, payload []byte) error {
	indexKey := CommentIndexKey(streamID)
	dataKey := CommentDataKey(streamID)
	member := strconv.FormatInt(entry.ID, 10)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, dataKey, member, payload)
		pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(entry.Score), Member: member})
		if s.retention > 0 {
			pipe.Expire(ctx, dataKey, s.retention)
			pipe.Expire(ctx, indexKey, s.retention)
		}
		return nil
	})
	return err
}

func (s *RedisStore) RangeByScore(ctx context.Context, streamID int64, maxScore int64) ([]Entry, error) {
	members, err := s.client.ZRangeByScoreWithScores(ctx, CommentIndexKey(streamID), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(maxScore, 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	return s.toEntries(streamID, members), nil
}

func (s *RedisStore) All(ctx context.Context, streamID int64) ([]Entry, error) {
	members, err := s.client.ZRangeWithScores(ctx, CommentIndexKey(streamID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return s.toEntries(streamID, members), nil
}

func (s *RedisStore) toEntries(streamID int64, members []redis.Z) []Entry {
	entries := make([]Entry, 0, len(members))
	for _, z := range members {
		raw, ok := z.Member.(string)
		if !ok {
			continue
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.logger.Warn("skipping malformed index member",
				zap.Int64("stream_id", streamID),
				zap.String("member", raw))
			continue
		}
		entries = append(entries, Entry{ID: id, Score: int64(z.Score)})
	}
	return entries
}

func (s *RedisStore) Payloads(ctx context.Context, streamID int64, ids []int64) ([][]byte, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	fields := make([]string, len(ids))
	for i, id := range ids {
		fields[i] = strconv.FormatInt(id, 10)
	}
	values, err := s.client.HMGet(ctx, CommentDataKey(streamID), fields...).Result()
	if err != nil {
		return nil, err
	}
	payloads := make([][]byte, len(values))
	for i, value := range values {
		if text, ok := value.(string); ok {
			payloads[i] = []byte(text)
		}
	}
	return payloads, nil
}

func (s *RedisStore) Remove(ctx context.Context, streamID int64, id int64) (bool, error) {
	member := strconv.FormatInt(id, 10)
	var zrem, hdel *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		zrem = pipe.ZRem(ctx, CommentIndexKey(streamID), member)
		hdel = pipe.HDel(ctx, CommentDataKey(streamID), member)
		return nil
	})
	if err != nil {
		return false, err
	}
	return zrem.Val() > 0 || hdel.Val() > 0, nil
}

func (s *RedisStore) Touch(ctx context.Context, streamID int64, member string, ttl time.Duration) error {
	key := PresenceKey(streamID)
	now := s.clock.Now()
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.Add(ttl).UnixMilli()), Member: member})
		pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now.UnixMilli(), 10))
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	return err
}

func (s *RedisStore) Count(ctx context.Context, streamID int64) (int64, error) {
	now := s.clock.Now().UnixMilli()
	return s.client.ZCount(ctx, PresenceKey(streamID), "("+strconv.FormatInt(now, 10), "+inf").Result()
}

func (s *RedisStore) AllowComments(ctx context.Context, streamID int64) (bool, error) {
	value, err := s.client.Get(ctx, AllowCommentsKey(streamID)).Result()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return parseFlag(value), nil
}

func (s *RedisStore) SetAllowComments(ctx context.Context, streamID int64, enabled bool) error {
	return s.client.Set(ctx, AllowCommentsKey(streamID), formatFlag(enabled), 0).Err()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
