package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the key the Redis backend stores the entry set under.
const DefaultRedisKey = "txflow:pending"

// RedisBackend persists the entry set as one JSON value in Redis. The whole
// set is small (it only holds in-flight transactions), so a single GET/SET
// keeps persistence atomic without scripting.
type RedisBackend struct {
	client *redis.Client
	key    string
}

// NewRedisBackend creates a backend on client. An empty key selects
// DefaultRedisKey.
func NewRedisBackend(client *redis.Client, key string) *RedisBackend {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisBackend{client: client, key: key}
}

// GetAll implements Backend. A missing key is an empty set.
func (b *RedisBackend) GetAll(ctx context.Context) ([]Entry, error) {
	data, err := b.client.Get(ctx, b.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from redis: %w", b.key, err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("corrupt pending set at %s: %w", b.key, err)
	}
	return entries, nil
}

// SetAll implements Backend. Entries have no expiry; the watcher removes
// them when their lifecycle ends.
func (b *RedisBackend) SetAll(ctx context.Context, entries []Entry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode pending set: %w", err)
	}
	if err := b.client.Set(ctx, b.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write %s to redis: %w", b.key, err)
	}
	return nil
}
