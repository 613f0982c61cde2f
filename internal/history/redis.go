package history

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKey = "callbridge:call_history"

// RedisStore keeps the rolling call history in a Redis sorted set scored by
// unix time, so rate limits survive process restarts. Members are opaque
// ids; only scores matter.
type RedisStore struct {
	rdb   *redis.Client
	clock func() time.Time
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, clock: time.Now}
}

func (s *RedisStore) RecordCall(ctx context.Context, t time.Time) error {
	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(t.Unix()), Member: uuid.NewString()})
	cutoff := s.clock().Add(-Window).Unix()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", strconv.FormatInt(cutoff, 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("history: record call: %w", err)
	}
	return nil
}

func (s *RedisStore) LastCall(ctx context.Context) (time.Time, bool, error) {
	zs, err := s.rdb.ZRevRangeWithScores(ctx, redisKey, 0, 0).Result()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("history: last call: %w", err)
	}
	if len(zs) == 0 {
		return time.Time{}, false, nil
	}
	last := time.Unix(int64(zs[0].Score), 0)
	if s.clock().Sub(last) > Window {
		return time.Time{}, false, nil
	}
	return last, true, nil
}

func (s *RedisStore) CallsSince(ctx context.Context, t time.Time) (int, error) {
	n, err := s.rdb.ZCount(ctx, redisKey, strconv.FormatInt(t.Unix(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("history: count calls: %w", err)
	}
	return int(n), nil
}
