package shared

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisQueue implements MessageQueueClient using a Redis stream and a consumer group.
// Stream: cfg.QueueName, group: cfg.QueueGroup. Entries are removed with XACK + XDEL
// once processed, so XLEN approximates the number of waiting and running jobs.
// Entries pending longer than reclaimIdle (crashed consumer) are taken over with XAUTOCLAIM.
type RedisQueue struct {
	client      *redis.Client
	name        string
	group       string
	consumer    string
	maxLen      int
	reclaimIdle time.Duration
	block       time.Duration

	mu          sync.Mutex
	groupReady  bool
	lastReclaim time.Time
}

func NewRedisQueue(client *redis.Client, name, group string, maxLen int, reclaimIdle time.Duration) *RedisQueue {
	host, _ := os.Hostname()
	return &RedisQueue{
		client:      client,
		name:        name,
		group:       group,
		consumer:    fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		maxLen:      maxLen,
		reclaimIdle: reclaimIdle,
		block:       2 * time.Second,
	}
}

func (q *RedisQueue) Publish(ctx context.Context, message JobMessage) (int64, error) {
	if q.client == nil {
		return 0, errors.Wrap(ErrQueueUnavailable, "redis client is nil")
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if q.maxLen > 0 {
		n, err := q.client.XLen(ctx, q.name).Result()
		if err != nil {
			return 0, errors.Wrap(ErrQueueUnavailable, err.Error())
		}
		if n >= int64(q.maxLen) {
			return 0, errors.Wrapf(ErrQueueUnavailable, "queue is full (%d entries)", n)
		}
	}

	b, err := json.Marshal(message)
	if err != nil {
		return 0, errors.Wrap(err, "marshal job message")
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.name, Values: map[string]any{"data": string(b)}}).Err(); err != nil {
		return 0, errors.Wrap(ErrQueueUnavailable, err.Error())
	}
	pos, err := q.client.XLen(ctx, q.name).Result()
	if err != nil {
		// the job is already enqueued, only the position is unknown
		log.Warn().Err(err).Str("job_id", message.JobID).Msg("queue: XLEN after publish failed")
		return 0, nil
	}
	return pos, nil
}

func (q *RedisQueue) ensureGroup(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.groupReady {
		return nil
	}
	err := q.client.XGroupCreateMkStream(ctx, q.name, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return errors.Wrap(err, "create consumer group")
	}
	q.groupReady = true
	return nil
}

// Dequeue returns the next entry for this consumer. Stale pending entries from other
// consumers are preferred over new ones.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	if q.client == nil {
		return nil, errors.Wrap(ErrQueueUnavailable, "redis client is nil")
	}
	if err := q.ensureGroup(ctx); err != nil {
		return nil, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if d, err := q.reclaim(ctx); err != nil {
			log.Warn().Err(err).Msg("queue: reclaim failed")
		} else if d != nil {
			return d, nil
		}

		res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.name, ">"},
			Count:    1,
			Block:    q.block,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, errors.Wrap(ErrQueueUnavailable, err.Error())
		}
		for _, stream := range res {
			for _, msg := range stream.Messages {
				if d := q.decode(ctx, msg); d != nil {
					return d, nil
				}
			}
		}
	}
}

func (q *RedisQueue) reclaim(ctx context.Context) (*Delivery, error) {
	if q.reclaimIdle <= 0 {
		return nil, nil
	}
	q.mu.Lock()
	due := time.Since(q.lastReclaim) >= q.reclaimIdle/2
	if due {
		q.lastReclaim = time.Now()
	}
	q.mu.Unlock()
	if !due {
		return nil, nil
	}

	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.name,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.reclaimIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		return nil, err
	}
	for _, msg := range msgs {
		if d := q.decode(ctx, msg); d != nil {
			log.Info().Str("stream_id", msg.ID).Str("job_id", d.Message.JobID).Msg("queue: reclaimed stale entry")
			// allow the next call to sweep again straight away
			q.mu.Lock()
			q.lastReclaim = time.Time{}
			q.mu.Unlock()
			return d, nil
		}
	}
	return nil, nil
}

// decode parses an entry; malformed entries are dropped so they do not block the group
func (q *RedisQueue) decode(ctx context.Context, msg redis.XMessage) *Delivery {
	raw, ok := msg.Values["data"].(string)
	var jm JobMessage
	if ok {
		if err := json.Unmarshal([]byte(raw), &jm); err == nil {
			return &Delivery{ID: msg.ID, Message: jm}
		}
	}
	log.Error().Str("stream_id", msg.ID).Msg("queue: dropping malformed entry")
	_ = q.Ack(ctx, &Delivery{ID: msg.ID})
	return nil
}

func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	if q.client == nil || d == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	pipe := q.client.TxPipeline()
	pipe.XAck(ctx, q.name, q.group, d.ID)
	pipe.XDel(ctx, q.name, d.ID)
	_, err := pipe.Exec(ctx)
	return err
}

// Touch resets the idle time of an entry this consumer is running so peers do not
// reclaim it while the job is alive
func (q *RedisQueue) Touch(ctx context.Context, d *Delivery) error {
	if q.client == nil || d == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return q.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   q.name,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  0,
		Messages: []string{d.ID},
	}).Err()
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	if q.client == nil {
		return 0, errors.Wrap(ErrQueueUnavailable, "redis client is nil")
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return q.client.XLen(ctx, q.name).Result()
}

// Close is a no-op; the redis client is owned by the caller
func (q *RedisQueue) Close() {}
