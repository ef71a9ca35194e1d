package shared

import (
	"context"
	"time"

	"github.com/pkg/errors"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// NewRedisClient constructs a go-redis client from Config
func NewRedisClient(cfg *Config) *redis.Client {
	if cfg == nil || cfg.RedisAddr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		// Reasonable timeouts
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

// PingRedis validates the connection.
func PingRedis(ctx context.Context, client *redis.Client) error {
	if client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return client.Ping(ctx).Err()
}

// NewQueue picks the Redis stream queue when Redis is configured, otherwise an in-memory one
func NewQueue(cfg *Config, client *redis.Client) MessageQueueClient {
	if client == nil {
		log.Warn().Msg("REDIS_ADDR not set, using in-memory queue (single process only)")
		size := cfg.QueueMaxLength
		if size <= 0 {
			size = 100
		}
		return NewInMemoryQueue(size)
	}
	return NewRedisQueue(client, cfg.QueueName, cfg.QueueGroup, cfg.QueueMaxLength, cfg.QueueReclaimIdle)
}

func NewChoiceStore(cfg *Config, client *redis.Client) ChoiceStore {
	if client == nil {
		return NewInMemoryChoiceStore(cfg.ChoiceTTL)
	}
	return NewRedisChoiceStore(client, cfg.ChoiceTTL)
}

// NewResultCache prefers Postgres, then Redis, then memory. The returned func releases
// the backend's connections.
func NewResultCache(ctx context.Context, cfg *Config, client *redis.Client) (CacheAdmin, func(), error) {
	if cfg.DatabaseURL != "" {
		pool, err := NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, errors.Wrap(err, "open result cache")
		}
		log.Info().Msg("result cache: postgres")
		return NewPostgresCache(pool), pool.Close, nil
	}
	if client != nil {
		log.Info().Msg("result cache: redis")
		return NewRedisCache(client), func() {}, nil
	}
	log.Warn().Msg("result cache: in-memory, entries are lost on restart")
	return NewInMemoryCache(), func() {}, nil
}
