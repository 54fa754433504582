package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/agent-bridge/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisKey = "agent-bridge:session"
	defaultRedisTTL = 10 * time.Minute
)

// RedisStore shares the session slot between bridge replicas through one key.
// Degraded sessions are never written so every replica retries creation.
type RedisStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed slot. ttl bounds how long an
// abandoned slot lingers; the cache applies its own freshness window.
func NewRedisStore(client *redis.Client, key string, ttl time.Duration) *RedisStore {
	if key == "" {
		key = defaultRedisKey
	}
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	return &RedisStore{client: client, key: key, ttl: ttl}
}

// Get returns the stored session, or nil if the key is absent.
func (s *RedisStore) Get(ctx context.Context) (*domain.Session, error) {
	val, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session slot: %w", err)
	}

	var sess domain.Session
	if err := json.Unmarshal(val, &sess); err != nil {
		return nil, fmt.Errorf("decode session slot: %w", err)
	}
	return &sess, nil
}

// Replace overwrites the key, or deletes it for nil and degraded sessions.
func (s *RedisStore) Replace(ctx context.Context, sess *domain.Session) error {
	if sess.Degraded() {
		if err := s.client.Del(ctx, s.key).Err(); err != nil {
			return fmt.Errorf("clear session slot: %w", err)
		}
		return nil
	}

	val, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session slot: %w", err)
	}
	if err := s.client.Set(ctx, s.key, val, s.ttl).Err(); err != nil {
		return fmt.Errorf("set session slot: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
