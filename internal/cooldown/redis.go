package cooldown

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/grantpulse/sentinel/pkg/config"
	"github.com/grantpulse/sentinel/pkg/errors"
)

// DefaultKeyPrefix namespaces sentinel's cooldown keys in a shared Redis.
const DefaultKeyPrefix = "sentinel:cooldown:"

// NewRedisClient connects to Redis using the platform configuration and
// verifies the connection with a ping.
func NewRedisClient(cfg *config.RedisConfig) (*redis.Client, error) {
	if cfg == nil {
		return nil, errors.NewValidationError("Redis configuration is required")
	}

	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,

		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.NewStoreError("redis", "failed to connect to Redis").WithCause(err)
	}

	return client, nil
}

// RedisStore is the Store used when several sentinel replicas must share
// cooldown state. Atomicity comes from SET NX PX: the first replica to
// set the key wins, and Redis expires it without any bookkeeping here.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed cooldown store. An empty prefix
// falls back to DefaultKeyPrefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(key string) string {
	return s.prefix + key
}

// Acquire implements Store.
func (s *RedisStore) Acquire(ctx context.Context, key string, window time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(key), "1", window).Result()
	if err != nil {
		return false, errors.NewStoreError("redis", "cooldown acquire failed").WithCause(err)
	}
	return ok, nil
}

// Remaining implements Store.
func (s *RedisStore) Remaining(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.PTTL(ctx, s.key(key)).Result()
	if err != nil {
		return 0, errors.NewStoreError("redis", "cooldown lookup failed").WithCause(err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// Clear implements Store.
func (s *RedisStore) Clear(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return errors.NewStoreError("redis", "cooldown clear failed").WithCause(err)
	}
	return nil
}

// Health verifies the Redis connection.
func (s *RedisStore) Health(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return errors.NewStoreError("redis", "Redis health check failed").WithCause(err)
	}
	return nil
}
