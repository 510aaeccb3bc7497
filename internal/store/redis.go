package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "longcall:"

var _ Store = (*RedisStore)(nil)

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisLogger sets a custom logger.
func WithRedisLogger(l *slog.Logger) RedisOption {
	return func(s *RedisStore) { s.logger = l }
}

// WithKeyPrefix overrides the namespace prepended to every key.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// withOwnedClient makes Close close the client. Used by Open, which creates
// the client itself.
func withOwnedClient(c *redis.Client) RedisOption {
	return func(s *RedisStore) { s.owned = c }
}

// RedisStore implements Store on Redis. Expiry uses native key TTLs, so no
// purge pass is needed.
type RedisStore struct {
	client redis.Cmdable
	owned  *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisStore creates a Redis-backed store. Unless the store was created
// by Open, the caller owns the client lifecycle.
func NewRedisStore(client redis.Cmdable, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: redisKeyPrefix, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ping verifies the Redis connection is alive.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) key(k string) string { return s.prefix + k }

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return value, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	if err := s.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl > 0 {
		ok, err := s.client.Expire(ctx, s.key(key), ttl).Result()
		if err != nil {
			return false, fmt.Errorf("redis expire: %w", err)
		}
		return ok, nil
	}

	pipe := s.client.TxPipeline()
	pipe.Persist(ctx, s.key(key))
	exists := pipe.Exists(ctx, s.key(key))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis persist: %w", err)
	}
	return exists.Val() > 0, nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

// Close closes the client when the store owns it.
func (s *RedisStore) Close() error {
	if s.owned == nil {
		return nil
	}
	return s.owned.Close()
}
