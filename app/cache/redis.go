package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ Store = (*RedisStore)(nil)

// RedisStore keeps entries of one collection under a key prefix. Redis
// expiry is set to the retention window so rows outlive their logical TTL
// long enough to be served stale.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	slog.Info("Connected to Redis", "addr", addr)
	return client, nil
}

func NewRedisStore(client *redis.Client, prefix string, retention time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, retention: retention}
}

func (s *RedisStore) redisKey(key string) string {
	return s.prefix + ":" + key
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		// Unreadable rows are treated as misses and dropped.
		s.client.Del(ctx, s.redisKey(key))
		return nil, nil
	}
	return &e, nil
}

func (s *RedisStore) Put(ctx context.Context, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry %s: %w", e.Key, err)
	}

	if err := s.client.Set(ctx, s.redisKey(e.Key), data, s.retention).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", e.Key, err)
	}
	return nil
}

func (s *RedisStore) Touch(ctx context.Context, key string, at time.Time) error {
	e, err := s.Get(ctx, key)
	if err != nil || e == nil {
		return err
	}
	e.FetchedAt = at
	return s.Put(ctx, e)
}
