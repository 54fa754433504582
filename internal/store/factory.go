package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection settings for the Redis slot.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// New builds the SessionStore named by storeType.
// The Redis store is pinged before it is returned.
func New(ctx context.Context, storeType Type, rc RedisConfig) (SessionStore, error) {
	switch storeType {
	case "", TypeMemory:
		return NewMemoryStore(), nil
	case TypeRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis at %s: %w", rc.Addr, err)
		}
		return NewRedisStore(client, "", rc.TTL), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStoreType, storeType)
	}
}
