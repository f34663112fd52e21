package worker

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/cdcflow/pkg/log"
	"github.com/cuemby/cdcflow/pkg/queue"
	"github.com/cuemby/cdcflow/pkg/task"
	"github.com/rs/zerolog"
)

// Config configures a Pool.
type Config struct {
	Size           int           // number of independent dequeue loops; default 1
	DequeueTimeout time.Duration // default 5s
}

// Pool dequeues from a single queue.Queue and dispatches each message to
// the task.Manager's registered handler.
type Pool struct {
	cfg     Config
	q       queue.Queue
	manager *task.Manager
	logger  zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Pool of cfg.Size workers draining q and dispatching through
// manager.
func New(q queue.Queue, manager *task.Manager, cfg Config) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = 5 * time.Second
	}

	return &Pool{
		cfg:     cfg,
		q:       q,
		manager: manager,
		logger:  log.WithComponent("worker").With().Str("queue", q.Name()).Logger(),
		stopCh:  make(chan struct{}),
	}
}

// Start launches cfg.Size independent dequeue loops. Workers share no
// mutable state with each other.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Size; i++ {
		p.wg.Add(1)
		go p.loop(ctx, i)
	}
}

// Stop signals every worker loop to exit and waits for them to drain their
// current message before returning.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Pool) loop(ctx context.Context, workerIdx int) {
	defer p.wg.Done()

	logger := p.logger.With().Int("worker", workerIdx).Logger()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		msg, err := p.q.Dequeue(ctx, p.cfg.DequeueTimeout)
		if err != nil {
			logger.Error().Err(err).Msg("dequeue failed")
			continue
		}
		if msg == nil {
			continue // timed out, no message ready — loop back to the cancellation check
		}

		p.handle(ctx, logger, msg)

		// Cancellation point between messages.
		select {
		case <-p.stopCh:
			return
		default:
		}
	}
}

func (p *Pool) handle(ctx context.Context, logger zerolog.Logger, msg *queue.QueueMessage) {
	payload, err := task.DecodePayload(msg.Payload)
	if err != nil {
		logger.Error().Err(err).Str("message_id", msg.ID).Msg("undecodable task payload, nacking without requeue")
		if nackErr := p.q.Nack(ctx, msg.ID, false); nackErr != nil {
			logger.Error().Err(nackErr).Str("message_id", msg.ID).Msg("nack failed")
		}
		return
	}

	if err := p.manager.Dispatch(ctx, payload); err != nil {
		logger.Warn().Err(err).Str("task_id", payload.ID).Str("task_type", payload.Type).Msg("task handler failed")
		if nackErr := p.q.Nack(ctx, msg.ID, true); nackErr != nil {
			logger.Error().Err(nackErr).Str("message_id", msg.ID).Msg("nack failed")
		}
		return
	}

	if err := p.q.Ack(ctx, msg.ID); err != nil {
		logger.Error().Err(err).Str("message_id", msg.ID).Msg("ack failed")
	}
}
