package blobstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fvlaenix/duplicate-images/log"
)

const cacheKeyPrefix = "img:"

// CachedStore wraps a Store with a redis read-through byte cache. The same
// stored images are fetched repeatedly while verifying candidates, so reads
// fill the cache with a TTL and writes and deletes invalidate it.
//
// Cache failures are never fatal: a broken redis degrades to the inner
// store with a warning.
type CachedStore struct {
	inner Store
	rdb   *redis.Client
	ttl   time.Duration
}

func NewCachedStore(inner Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{inner: inner, rdb: rdb, ttl: ttl}
}

func (c *CachedStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.rdb.Get(ctx, cacheKeyPrefix+key).Bytes()
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, redis.Nil) {
		log.Warn("blob cache read failed", zap.String("key", key), zap.Error(err))
	}

	data, err = c.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	if err := c.rdb.Set(ctx, cacheKeyPrefix+key, data, c.ttl).Err(); err != nil {
		log.Warn("blob cache fill failed", zap.String("key", key), zap.Error(err))
	}
	return data, nil
}

func (c *CachedStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := c.inner.Put(ctx, key, data, contentType); err != nil {
		return err
	}
	c.invalidate(ctx, key)
	return nil
}

func (c *CachedStore) Delete(ctx context.Context, key string) error {
	if err := c.inner.Delete(ctx, key); err != nil {
		return err
	}
	c.invalidate(ctx, key)
	return nil
}

func (c *CachedStore) Exists(ctx context.Context, key string) (bool, error) {
	return c.inner.Exists(ctx, key)
}

func (c *CachedStore) invalidate(ctx context.Context, key string) {
	if err := c.rdb.Del(ctx, cacheKeyPrefix+key).Err(); err != nil {
		log.Warn("blob cache invalidation failed", zap.String("key", key), zap.Error(err))
	}
}
