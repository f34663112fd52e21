package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cuemby/cdcflow/pkg/queue"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Backend dispatches a submitted task for eventual execution. Manager
// calls Submit once per task; the backend is responsible for getting it to
// a worker (queue backend: a pkg/queue.Queue a worker pool dequeues from;
// broker backend: an external topic a consumer group reads; local
// backend: in-process dispatch straight to Manager's registered handler).
type Backend interface {
	Submit(ctx context.Context, t *Task) error
	Close() error
}

// queueBackend serializes tasks onto a queue named "<task_type>_queue".
// The queue is created for the first task of each type, in PRIORITY mode
// when that task carries a non-default priority and FIFO otherwise; later
// tasks of the same type reuse it in that mode whatever their priority.
type queueBackend struct {
	mu     sync.Mutex
	newQ   func(name string, mode queue.Mode) (queue.Queue, error)
	queues map[string]queue.Queue
}

// NewQueueBackend builds a queue-backed Backend. newQ constructs (or looks
// up) the named queue the first time a task type is seen; it returns an
// error when mode isn't supported by the underlying queue implementation
// (for example Redis rejecting ModeStream at construction) instead of
// silently substituting a different mode.
func NewQueueBackend(newQ func(name string, mode queue.Mode) (queue.Queue, error)) Backend {
	return &queueBackend{newQ: newQ, queues: make(map[string]queue.Queue)}
}

func (b *queueBackend) Submit(ctx context.Context, t *Task) error {
	mode := queue.ModeFIFO
	if t.Priority != DefaultPriority {
		mode = queue.ModePriority
	}

	qname := t.Type + "_queue"
	q, err := b.queueFor(qname, mode)
	if err != nil {
		return fmt.Errorf("task: queue backend for %q: %w", qname, err)
	}

	payload, err := json.Marshal(t.toWire())
	if err != nil {
		return fmt.Errorf("task: marshal for queue backend: %w", err)
	}

	opts := queue.EnqueueOptions{
		Priority:   int64(t.Priority),
		MaxRetries: t.MaxRetries,
		Metadata:   t.Metadata,
	}
	if !t.DelayUntil.IsZero() {
		opts.DelayUntil = &t.DelayUntil
	}
	if !t.ExpiresAt.IsZero() {
		opts.ExpiresAt = &t.ExpiresAt
	}

	_, err = q.Enqueue(ctx, payload, opts)
	return err
}

func (b *queueBackend) queueFor(name string, mode queue.Mode) (queue.Queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.queues[name]; ok {
		return q, nil
	}
	q, err := b.newQ(name, mode)
	if err != nil {
		return nil, err
	}
	b.queues[name] = q
	return q, nil
}

func (b *queueBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	for _, q := range b.queues {
		if err := q.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// brokerBackend submits tasks to an external distributed task broker by
// publishing to a Kafka topic through a franz-go client distinct from any
// source-side client. It only produces; it has no consumer.
type brokerBackend struct {
	client *kgo.Client
	topic  string
}

// NewBrokerBackend builds a broker-backed Backend publishing to topic on
// client.
func NewBrokerBackend(client *kgo.Client, topic string) Backend {
	return &brokerBackend{client: client, topic: topic}
}

func (b *brokerBackend) Submit(ctx context.Context, t *Task) error {
	payload, err := json.Marshal(t.toWire())
	if err != nil {
		return fmt.Errorf("task: marshal for broker backend: %w", err)
	}

	record := &kgo.Record{Topic: b.topic, Key: []byte(t.ID), Value: payload}
	result := b.client.ProduceSync(ctx, record)
	return result.FirstErr()
}

func (b *brokerBackend) Close() error {
	b.client.Close()
	return nil
}

// localBackend dispatches tasks on an in-process channel buffered to 1024
// tasks (Submit blocks while it is full) and consumed by a single executor
// goroutine, rather than broadcasting to
// multiple subscribers.
type localBackend struct {
	dispatch func(*Task)

	ch     chan *Task
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewLocalBackend builds a local in-process Backend. dispatch is called by
// the single executor goroutine for every submitted task.
func NewLocalBackend(dispatch func(*Task)) Backend {
	b := &localBackend{
		dispatch: dispatch,
		ch:       make(chan *Task, 1024),
		stopCh:   make(chan struct{}),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

func (b *localBackend) run() {
	defer b.wg.Done()
	for {
		select {
		case t := <-b.ch:
			b.dispatch(t)
		case <-b.stopCh:
			return
		}
	}
}

func (b *localBackend) Submit(ctx context.Context, t *Task) error {
	select {
	case b.ch <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.stopCh:
		return fmt.Errorf("task: local backend closed")
	}
}

func (b *localBackend) Close() error {
	close(b.stopCh)
	b.wg.Wait()
	return nil
}
