package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Logical cache keys. Writers invalidate these; the page handlers cache
// rendered fragments under the same keys.

func forumIndexKey(siteID uuid.UUID) string {
	return fmt.Sprintf("tforum:site:%s:index", siteID)
}

func forumTopicsKey(forumID uuid.UUID) string {
	return fmt.Sprintf("tforum:forum:%s:topics", forumID)
}

func topicPageKey(topicID uuid.UUID) string {
	return fmt.Sprintf("tforum:topic:%s", topicID)
}

// CacheInvalidator is notified of logical keys that became stale.
// Invalidation is best-effort: it runs only after a successful commit
// and a failure must never surface to the caller.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, keys ...string)
}

// PageCache is the read side: rendered page fragments stored under the
// same logical keys the invalidator clears.
type PageCache interface {
	CacheInvalidator
	GetPage(ctx context.Context, key string) ([]byte, bool)
	SetPage(ctx context.Context, key string, body []byte)
}

// RedisCache implements PageCache over a single redis instance.
type RedisCache struct {
	rdb    *redis.Client
	logger *slog.Logger
	ttl    time.Duration
}

func NewRedisCache(ctx context.Context, addr string, logger *slog.Logger) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisCache{
		rdb:    rdb,
		logger: logger,
		ttl:    5 * time.Minute,
	}, nil
}

func (c *RedisCache) Close() error {
	return c.rdb.Close()
}

// Invalidate deletes the given keys. Errors are logged and swallowed:
// stale pages self-heal on the next write or TTL expiry.
func (c *RedisCache) Invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}

	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		c.logger.WarnContext(ctx, "cache invalidation failed",
			slog.String("error", err.Error()),
			slog.Any("keys", keys))
	}
}

func (c *RedisCache) GetPage(ctx context.Context, key string) ([]byte, bool) {
	body, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.DebugContext(ctx, "cache read failed",
				slog.String("error", err.Error()),
				slog.String("key", key))
		}
		return nil, false
	}
	return body, true
}

func (c *RedisCache) SetPage(ctx context.Context, key string, body []byte) {
	if err := c.rdb.Set(ctx, key, body, c.ttl).Err(); err != nil {
		c.logger.DebugContext(ctx, "cache write failed",
			slog.String("error", err.Error()),
			slog.String("key", key))
	}
}

// nopCache keeps the board usable when no redis address is configured.
type nopCache struct{}

func (nopCache) Invalidate(ctx context.Context, keys ...string) {}

func (nopCache) GetPage(ctx context.Context, key string) ([]byte, bool) { return nil, false }

func (nopCache) SetPage(ctx context.Context, key string, body []byte) {}
