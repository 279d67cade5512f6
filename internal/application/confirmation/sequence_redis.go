package confirmation

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const sequenceKeyPrefix = "dossier:confirmation:seq:"

// RedisSequence hands out a per-second counter shared by every replica, so
// numbers minted in the same second differ until the counter wraps at 1000.
// Wrap-around collisions are still caught by Reserve.
type RedisSequence struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisSequence(client redis.Cmdable) *RedisSequence {
	return &RedisSequence{client: client, ttl: 5 * time.Second}
}

func (s *RedisSequence) Next(ctx context.Context, now time.Time) (int, error) {
	key := fmt.Sprintf("%s%d", sequenceKeyPrefix, now.Unix())

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("increment confirmation sequence: %w", err)
	}
	return int((incr.Val() - 1) % disambiguatorModulus), nil
}
