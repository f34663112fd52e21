package queue

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a queue whose Close has run.
var ErrClosed = errors.New("queue: closed")

// ErrNotFound marks an operation against a message id the queue has no
// record of. Ack and Nack treat this as success per the idempotency
// requirement; other callers may want to distinguish it.
var ErrNotFound = errors.New("queue: message not found")

// Stats is a point-in-time snapshot of one queue's counters and sizes.
type Stats struct {
	Enqueued  int64
	Dequeued  int64
	Completed int64
	Failed    int64
	Retried   int64
	Expired   int64

	PrimarySize    int64
	ProcessingSize int64
	DelayedSize    int64
	DLQSize        int64
}

// EnqueueOptions customizes a single Enqueue call.
type EnqueueOptions struct {
	Priority   int64
	DelayUntil *time.Time
	ExpiresAt  *time.Time
	MaxRetries int
	Metadata   map[string]string
}

// Queue is a durable, multi-mode message queue. Implementations must make
// Dequeue/Ack/Nack atomic with respect to the primary, delayed, processing,
// and DLQ structures: a message must be in at most one of those structures
// at any observable instant.
type Queue interface {
	// Name returns the queue's name, used to key its Redis structures.
	Name() string

	// Mode returns the delivery order of the primary structure.
	Mode() Mode

	// Enqueue adds payload as a new message and returns its id.
	Enqueue(ctx context.Context, payload []byte, opts EnqueueOptions) (string, error)

	// Dequeue blocks up to timeout for the next deliverable message. It
	// returns nil, nil on timeout. A message whose expires_at has passed is
	// transitioned to EXPIRED and never returned by this call.
	Dequeue(ctx context.Context, timeout time.Duration) (*QueueMessage, error)

	// Ack marks id COMPLETED and removes it from the processing set.
	// Acking an unknown id is not an error.
	Ack(ctx context.Context, id string) error

	// Nack reports a handler failure for id. When requeue is true and
	// retry_count has not reached max_retries, the message is rescheduled
	// with capped exponential backoff and transitions to RETRYING;
	// otherwise it moves to the DLQ as FAILED. Nacking an already-FAILED id
	// is not an error.
	Nack(ctx context.Context, id string, requeue bool) error

	// Stats returns the current counters and structure sizes.
	Stats(ctx context.Context) (Stats, error)

	// Purge removes every message from every structure for this queue.
	// Not transactional across structures: a concurrent Dequeue racing a
	// Purge may still observe a message mid-purge.
	Purge(ctx context.Context) error

	// Close releases resources held by the queue (e.g. stops its
	// visibility-timeout sweeper). It does not delete queue data.
	Close() error
}
