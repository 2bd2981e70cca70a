package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/anchorpipe/anchorpipe-sub000/internal/db"
)

// RedisRepository stores entries as Redis keys that expire on their own.
type RedisRepository struct {
	client redis.Cmdable
	prefix string
}

// NewRedisRepository creates a Redis-backed repository. An empty prefix
// means "anchorpipe:idempotency:".
func NewRedisRepository(client redis.Cmdable, prefix string) *RedisRepository {
	if prefix == "" {
		prefix = "anchorpipe:idempotency:"
	}
	return &RedisRepository{client: client, prefix: prefix}
}

type redisEntry struct {
	Response  json.RawMessage `json:"response"`
	ExpiresAt time.Time       `json:"expires_at"`
	CreatedAt time.Time       `json:"created_at"`
}

func (r *RedisRepository) GetIdempotencyEntry(ctx context.Context, key string) (*db.IdempotencyEntry, error) {
	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, db.ErrNotFound
		}
		return nil, fmt.Errorf("getting idempotency entry: %w", err)
	}
	var stored redisEntry
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("decoding idempotency entry: %w", err)
	}
	return &db.IdempotencyEntry{
		Key:       key,
		Response:  stored.Response,
		ExpiresAt: stored.ExpiresAt,
		CreatedAt: stored.CreatedAt,
	}, nil
}

func (r *RedisRepository) InsertIdempotencyEntry(ctx context.Context, e *db.IdempotencyEntry) error {
	value, err := json.Marshal(redisEntry{Response: e.Response, ExpiresAt: e.ExpiresAt, CreatedAt: e.CreatedAt})
	if err != nil {
		return fmt.Errorf("encoding idempotency entry: %w", err)
	}
	ttl := e.ExpiresAt.Sub(e.CreatedAt)
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	ok, err := r.client.SetNX(ctx, r.prefix+e.Key, value, ttl).Result()
	if err != nil {
		return fmt.Errorf("inserting idempotency entry: %w", err)
	}
	if !ok {
		return db.ErrDuplicateKey
	}
	return nil
}

func (r *RedisRepository) DeleteIdempotencyEntry(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("deleting idempotency entry: %w", err)
	}
	return nil
}

// PurgeExpiredIdempotencyEntries is a no-op: Redis evicts expired keys itself.
func (r *RedisRepository) PurgeExpiredIdempotencyEntries(context.Context, time.Time) (int64, error) {
	return 0, nil
}
