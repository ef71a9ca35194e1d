// shared/queue.go
package shared

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Delivery is one dequeued message. ID is backend-specific and used by Ack.
type Delivery struct {
	ID      string
	Message JobMessage
}

// MessageQueueClient is the job queue shared by the front-end and the workers.
// Publish returns the approximate queue length right after the enqueue.
type MessageQueueClient interface {
	Publish(ctx context.Context, message JobMessage) (int64, error)
	Dequeue(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Touch tells the backend the delivery is still being worked on
	Touch(ctx context.Context, d *Delivery) error
	Len(ctx context.Context) (int64, error)
	Close()
}

// ErrQueueClosed is returned by Dequeue once the queue has been closed
var ErrQueueClosed = errors.New("queue closed")

// InMemoryQueue implements MessageQueueClient using a Go channel
type InMemoryQueue struct {
	queue chan JobMessage
	stop  chan struct{}
	once  sync.Once
}

// NewInMemoryQueue creates a new in-memory queue instance
func NewInMemoryQueue(bufferSize int) *InMemoryQueue {
	return &InMemoryQueue{
		queue: make(chan JobMessage, bufferSize),
		stop:  make(chan struct{}),
	}
}

// Publish sends a message to the queue without blocking
func (q *InMemoryQueue) Publish(ctx context.Context, message JobMessage) (int64, error) {
	select {
	case <-q.stop:
		return 0, errors.Wrap(ErrQueueUnavailable, "queue is closed")
	default:
	}
	select {
	case q.queue <- message:
		log.Debug().Str("job_id", message.JobID).Msg("queue: published")
		return int64(len(q.queue)), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
		return 0, errors.Wrapf(ErrQueueUnavailable, "queue is full, cannot publish job %s", message.JobID)
	}
}

// Dequeue blocks until a message is available, the context ends or the queue is closed
func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	select {
	case msg := <-q.queue:
		return &Delivery{ID: msg.JobID, Message: msg}, nil
	case <-q.stop:
		return nil, ErrQueueClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ack is a no-op: a channel receive already removed the message
func (q *InMemoryQueue) Ack(ctx context.Context, d *Delivery) error { return nil }

// Touch is a no-op; channel deliveries are never redelivered
func (q *InMemoryQueue) Touch(ctx context.Context, d *Delivery) error { return nil }

func (q *InMemoryQueue) Len(ctx context.Context) (int64, error) {
	return int64(len(q.queue)), nil
}

// Close stops the queue from accepting new messages and wakes blocked consumers
func (q *InMemoryQueue) Close() {
	q.once.Do(func() {
		log.Info().Msg("queue: closing")
		close(q.stop)
	})
}
