package db

import (
	"context"
	"fmt"
	"time"
)

// GetIdempotencyEntry retrieves an entry by key, expired or not. The response
// is returned exactly as it was inserted.
func (db *DB) GetIdempotencyEntry(ctx context.Context, key string) (*IdempotencyEntry, error) {
	e := &IdempotencyEntry{}
	var response []byte
	err := db.Pool.QueryRow(ctx,
		`SELECT key, response, expires_at, created_at FROM idempotency_keys WHERE key = $1`,
		key,
	).Scan(&e.Key, &response, &e.ExpiresAt, &e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("getting idempotency entry: %w", translate(err))
	}
	e.Response = response
	return e, nil
}

// InsertIdempotencyEntry creates an entry. A concurrent insert of the same key
// yields ErrDuplicateKey.
func (db *DB) InsertIdempotencyEntry(ctx context.Context, e *IdempotencyEntry) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO idempotency_keys (key, response, expires_at, created_at) VALUES ($1, $2, $3, $4)`,
		e.Key, []byte(e.Response), e.ExpiresAt, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting idempotency entry: %w", translate(err))
	}
	return nil
}

// DeleteIdempotencyEntry removes an entry. Deleting a missing key is not an error.
func (db *DB) DeleteIdempotencyEntry(ctx context.Context, key string) error {
	if _, err := db.Pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, key); err != nil {
		return fmt.Errorf("deleting idempotency entry: %w", err)
	}
	return nil
}

// PurgeExpiredIdempotencyEntries deletes every entry whose expiry is at or before now.
func (db *DB) PurgeExpiredIdempotencyEntries(ctx context.Context, now time.Time) (int64, error) {
	result, err := db.Pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purging idempotency entries: %w", err)
	}
	return result.RowsAffected(), nil
}
