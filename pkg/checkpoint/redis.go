package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKeyPrefix prefixes checkpoint keys in Redis.
const RedisKeyPrefix = "puller:checkpoint:"

// RedisStore keeps checkpoints in Redis, for hosts where the output
// directory does not outlive the process.
type RedisStore struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewRedisStore creates a Redis backed store. A zero ttl keeps checkpoints
// until they are deleted.
func NewRedisStore(redisClient *redis.Client, ttl time.Duration) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{
		redis: redisClient,
		ttl:   ttl,
	}
}

// Key returns the Redis key for an output target.
func Key(outputTarget string) string {
	return RedisKeyPrefix + outputTarget
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, outputTarget string) ([]byte, error) {
	data, err := s.redis.Get(ctx, Key(outputTarget)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, outputTarget string, data []byte) error {
	if err := s.redis.Set(ctx, Key(outputTarget), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, outputTarget string) error {
	if err := s.redis.Del(ctx, Key(outputTarget)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
