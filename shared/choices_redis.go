package shared

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	redis "github.com/redis/go-redis/v9"
)

// RedisChoiceStore keeps choice sets as JSON under yt:choice:<token> with an explicit expiry
type RedisChoiceStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisChoiceStore(client *redis.Client, ttl time.Duration) *RedisChoiceStore {
	return &RedisChoiceStore{client: client, ttl: ttl}
}

func (r *RedisChoiceStore) key(token string) string { return ChoiceKeyPrefix + token }

func (r *RedisChoiceStore) Put(ctx context.Context, set ChoiceSet) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	set.Token = uuid.NewString()
	b, err := json.Marshal(set)
	if err != nil {
		return "", errors.Wrap(err, "marshal choice set")
	}
	if err := r.client.Set(ctx, r.key(set.Token), b, r.ttl).Err(); err != nil {
		return "", errors.Wrap(err, "store choice set")
	}
	return set.Token, nil
}

func (r *RedisChoiceStore) Get(ctx context.Context, token string) (*ChoiceSet, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	val, err := r.client.Get(ctx, r.key(token)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrChoiceNotFound
		}
		return nil, errors.Wrap(err, "load choice set")
	}
	var set ChoiceSet
	if err := json.Unmarshal(val, &set); err != nil {
		return nil, errors.Wrap(err, "decode choice set")
	}
	return &set, nil
}

func (r *RedisChoiceStore) Resolve(ctx context.Context, token string, index int) (FormatCandidate, error) {
	set, err := r.Get(ctx, token)
	if err != nil {
		return FormatCandidate{}, err
	}
	return set.Candidate(index)
}
