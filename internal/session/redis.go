package session

import (
	"context"
	"errors"
	"strconv"
	"time"

	"counselbot/internal/redis"
)

// RedisRegistry stores entries under <prefix><namespace>:<user id>.
type RedisRegistry struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
}

// NewRedis returns a registry in namespace; ttl <= 0 keeps entries until cleared.
func NewRedis(client *redis.Client, namespace string, ttl time.Duration) *RedisRegistry {
	if ttl < 0 {
		ttl = 0
	}
	return &RedisRegistry{client: client, namespace: namespace, ttl: ttl}
}

func (r *RedisRegistry) key(userID int64) string {
	return r.client.Key(r.namespace, strconv.FormatInt(userID, 10))
}

func (r *RedisRegistry) Get(ctx context.Context, userID int64) (string, bool, error) {
	v, err := r.client.Get(ctx, r.key(userID))
	if err != nil {
		if errors.Is(err, redis.ErrCacheMiss) {
			return "", false, nil
		}
		return "", false, err
	}
	return v, true, nil
}

func (r *RedisRegistry) Set(ctx context.Context, userID int64, value string) error {
	return r.client.Set(ctx, r.key(userID), value, r.ttl)
}

func (r *RedisRegistry) Clear(ctx context.Context, userID int64) error {
	return r.client.Del(ctx, r.key(userID))
}

func (r *RedisRegistry) ClearIf(ctx context.Context, userID int64, value string) (bool, error) {
	return r.client.DelIfEquals(ctx, r.key(userID), value)
}
