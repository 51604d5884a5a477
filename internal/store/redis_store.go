package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/HsiangNianian/nativebridge/internal/events"
)

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr string) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

// Ping checks that the server is reachable.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) SetSnapshot(ctx context.Context, name string, snap events.Snapshot, ttl time.Duration) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return r.client.Set(ctx, "snapshot:"+name, data, ttl).Err()
}

func (r *RedisStore) GetSnapshot(ctx context.Context, name string) (events.Snapshot, bool, error) {
	data, err := r.client.Get(ctx, "snapshot:"+name).Bytes()
	if errors.Is(err, redis.Nil) {
		return events.Snapshot{}, false, nil
	}
	if err != nil {
		return events.Snapshot{}, false, err
	}
	var snap events.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return events.Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, true, nil
}

func (r *RedisStore) MarkSettled(ctx context.Context, requestID, result string, ttl time.Duration) error {
	return r.client.Set(ctx, "settled:"+requestID, result, ttl).Err()
}

func (r *RedisStore) SettledStatus(ctx context.Context, requestID string) (string, error) {
	result, err := r.client.Get(ctx, "settled:"+requestID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return result, err
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
