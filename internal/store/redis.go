package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"seoflow/internal/domain"
)

const redisKeyPrefix = "seoflow:record:"

// RedisCache serves fresh records from redis and falls back to the wrapped store.
// Redis failures are logged and never fail a read or a write.
type RedisCache struct {
	next Store
	rdb  *redis.Client
	ttl  time.Duration
	now  func() time.Time
}

// NewRedisCache wraps next. ttl bounds how long an entry lives in redis.
func NewRedisCache(next Store, rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{next: next, rdb: rdb, ttl: ttl, now: time.Now}
}

func redisKey(kind domain.RecordKind, key string) string {
	return redisKeyPrefix + string(kind) + ":" + key
}

func (c *RedisCache) GetCached(ctx context.Context, kind domain.RecordKind, key string, maxAge time.Duration) (domain.Record, bool, error) {
	raw, err := c.rdb.Get(ctx, redisKey(kind, key)).Bytes()
	switch {
	case err == nil:
		var rec domain.Record
		if jerr := json.Unmarshal(raw, &rec); jerr == nil && Fresh(rec, maxAge, c.now()) {
			return rec, true, nil
		}
	case !errors.Is(err, redis.Nil):
		log.Warn().Err(err).Str("kind", string(kind)).Str("key", key).Msg("redis get failed")
	}

	rec, ok, err := c.next.GetCached(ctx, kind, key, maxAge)
	if err != nil || !ok {
		return rec, ok, err
	}
	c.put(ctx, rec, maxAge-c.now().Sub(rec.FetchedAt))
	return rec, true, nil
}

func (c *RedisCache) Save(ctx context.Context, rec domain.Record) error {
	if err := c.next.Save(ctx, rec); err != nil {
		return err
	}
	c.put(ctx, rec, c.ttl)
	return nil
}

func (c *RedisCache) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	// redis entries expire on their own and are age-checked on read
	return c.next.DeleteOlderThan(ctx, cutoff)
}

func (c *RedisCache) put(ctx context.Context, rec domain.Record, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, redisKey(rec.Kind, rec.Key), b, ttl).Err(); err != nil {
		log.Warn().Err(err).Str("kind", string(rec.Kind)).Str("key", rec.Key).Msg("redis set failed")
	}
}
