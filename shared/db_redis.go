package shared

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisCache implements CacheAdmin on Redis.
// Keys: yt:file:<url>\x00<format_id> => JSON(CacheEntry), written with SETNX.
// Sorted set for listing: yt:files (score: created_at unix)
type RedisCache struct {
	client *redis.Client
}

const redisCacheIndex = "yt:files"

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (r *RedisCache) entryKey(url, formatID string) string {
	return "yt:file:" + url + "\x00" + formatID
}

func (r *RedisCache) Lookup(ctx context.Context, url, formatID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	val, err := r.client.Get(ctx, r.entryKey(url, formatID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return "", ErrCacheMiss
		}
		return "", errors.Wrap(ErrCacheBackendUnavailable, err.Error())
	}
	var e CacheEntry
	if err := json.Unmarshal(val, &e); err != nil {
		return "", errors.Wrap(err, "decode cache entry")
	}
	return e.FileID, nil
}

func (r *RedisCache) Insert(ctx context.Context, url, formatID, fileID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	e := CacheEntry{URL: url, FormatID: formatID, FileID: fileID, CreatedAt: time.Now().UTC()}
	b, _ := json.Marshal(e)
	key := r.entryKey(url, formatID)
	ok, err := r.client.SetNX(ctx, key, b, 0).Result()
	if err != nil {
		return false, errors.Wrap(ErrCacheBackendUnavailable, err.Error())
	}
	if !ok {
		return false, nil
	}
	if err := r.client.ZAdd(ctx, redisCacheIndex, redis.Z{Score: float64(e.CreatedAt.Unix()), Member: key}).Err(); err != nil {
		// the entry is stored; it is only missing from admin listings
		log.Warn().Err(err).Str("url", url).Str("format_id", formatID).Msg("cache: entry stored but not indexed")
	}
	return true, nil
}

func (r *RedisCache) List(ctx context.Context, limit int) ([]CacheEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	keys, err := r.client.ZRevRange(ctx, redisCacheIndex, 0, stop).Result()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return []CacheEntry{}, nil
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]CacheEntry, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var e CacheEntry
		if err := json.Unmarshal([]byte(s), &e); err == nil {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (r *RedisCache) Delete(ctx context.Context, url, formatID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	key := r.entryKey(url, formatID)
	pipe := r.client.TxPipeline()
	del := pipe.Del(ctx, key)
	pipe.ZRem(ctx, redisCacheIndex, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return del.Val() > 0, nil
}
