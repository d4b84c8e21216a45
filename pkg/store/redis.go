package store

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const defaultRedisKey = "keymux:usage_snapshot"

// RedisStore persists snapshots as a single JSON value in Redis. SET is
// atomic, so readers never observe a torn document.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore creates a Redis-backed store. An empty key uses the
// default.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = defaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

// Load reads the snapshot. A missing key yields an empty snapshot.
func (s *RedisStore) Load(ctx context.Context) (*Snapshot, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err == redis.Nil {
		return &Snapshot{Keys: make(map[string]KeyUsage)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Keys == nil {
		snap.Keys = make(map[string]KeyUsage)
	}
	return &snap, nil
}

// Save overwrites the snapshot.
func (s *RedisStore) Save(ctx context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}
