package artifacts

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// tokenSkew is subtracted from token expiry so a cached token is never
// handed out moments before it lapses.
const tokenSkew = time.Minute

// TokenCache caches installation access tokens until shortly before expiry.
// A failed Set leaves the token uncached; callers still use it.
type TokenCache interface {
	Get(ctx context.Context, installationID int64) (string, bool)
	Set(ctx context.Context, installationID int64, token string, expiresAt time.Time) error
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// MemoryTokenCache is a process-local TokenCache.
type MemoryTokenCache struct {
	mu      sync.Mutex
	entries map[int64]cachedToken
	now     func() time.Time
}

// NewMemoryTokenCache creates a cache. A nil clock means time.Now.
func NewMemoryTokenCache(now func() time.Time) *MemoryTokenCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryTokenCache{entries: make(map[int64]cachedToken), now: now}
}

func (c *MemoryTokenCache) Get(_ context.Context, installationID int64) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[installationID]
	if !ok {
		return "", false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, installationID)
		return "", false
	}
	return e.token, true
}

func (c *MemoryTokenCache) Set(_ context.Context, installationID int64, token string, expiresAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[installationID] = cachedToken{token: token, expiresAt: expiresAt.Add(-tokenSkew)}
	return nil
}

// Clear drops every cached token.
func (c *MemoryTokenCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[int64]cachedToken)
}

// RedisTokenCache shares tokens between replicas.
type RedisTokenCache struct {
	client redis.Cmdable
	prefix string
	now    func() time.Time
}

// NewRedisTokenCache creates a Redis-backed cache. Entries expire through the
// Redis TTL.
func NewRedisTokenCache(client redis.Cmdable) *RedisTokenCache {
	return &RedisTokenCache{client: client, prefix: "anchorpipe:gh-token:", now: time.Now}
}

// WithClock replaces the clock used to compute TTLs.
func (c *RedisTokenCache) WithClock(now func() time.Time) *RedisTokenCache {
	c.now = now
	return c
}

func (c *RedisTokenCache) key(id int64) string {
	return c.prefix + strconv.FormatInt(id, 10)
}

// Get treats every Redis error as a miss so an unreachable cache falls back
// to minting a token.
func (c *RedisTokenCache) Get(ctx context.Context, installationID int64) (string, bool) {
	token, err := c.client.Get(ctx, c.key(installationID)).Result()
	if err != nil || token == "" {
		return "", false
	}
	return token, true
}

func (c *RedisTokenCache) Set(ctx context.Context, installationID int64, token string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(c.now()) - tokenSkew
	if ttl <= 0 {
		return nil
	}
	if err := c.client.Set(ctx, c.key(installationID), token, ttl).Err(); err != nil {
		return fmt.Errorf("caching installation token: %w", err)
	}
	return nil
}

// Token is an installation access token.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// TokenIssuer mints installation access tokens.
type TokenIssuer interface {
	IssueToken(ctx context.Context, installationID int64) (Token, error)
}

// resolveToken consults the cache before minting. Cache write failures are
// logged and do not fail the fetch.
func resolveToken(ctx context.Context, cache TokenCache, issuer TokenIssuer, installationID int64, log *zap.Logger) (string, error) {
	if cache != nil {
		if token, ok := cache.Get(ctx, installationID); ok {
			return token, nil
		}
	}
	if issuer == nil {
		return "", errors.New("no token issuer configured")
	}
	tok, err := issuer.IssueToken(ctx, installationID)
	if err != nil {
		return "", fmt.Errorf("issuing installation token: %w", err)
	}
	if cache != nil {
		if err := cache.Set(ctx, installationID, tok.Value, tok.ExpiresAt); err != nil {
			log.Warn("token cache write failed", zap.Int64("installation_id", installationID), zap.Error(err))
		}
	}
	return tok.Value, nil
}
