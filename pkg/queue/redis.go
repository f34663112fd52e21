package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/cdcflow/pkg/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisQueue implements Queue over Redis: one struct wrapping one backing
// client, with the atomic multi-structure operations pushed into Lua
// scripts since Redis gives no multi-key transaction isolation otherwise.
type RedisQueue struct {
	name   string
	mode   Mode
	client redis.Cmdable
	logger zerolog.Logger

	visibilityTimeout time.Duration
	pollInterval      time.Duration

	stopCh chan struct{}
	closed bool
}

// Config configures a RedisQueue.
type Config struct {
	Name              string
	Mode              Mode
	VisibilityTimeout time.Duration // default 30s
	PollInterval      time.Duration // default 100ms; Dequeue's poll granularity
	SweepInterval     time.Duration // default 5s; visibility-sweeper cadence
}

// NewRedisQueue constructs a queue named cfg.Name over client and starts its
// visibility-timeout sweeper. It rejects ModeStream: the enqueue/dequeue
// Lua scripts only implement the list/zset primary structures FIFO, LIFO,
// and PRIORITY share, and a stream/consumer-group mode falling through to
// that same path would silently behave like FIFO instead of failing loudly.
func NewRedisQueue(client redis.Cmdable, cfg Config) (*RedisQueue, error) {
	if cfg.Mode == ModeStream {
		return nil, fmt.Errorf("queue: mode %q is not implemented by RedisQueue", ModeStream)
	}

	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}

	q := &RedisQueue{
		name:              cfg.Name,
		mode:              cfg.Mode,
		client:            client,
		logger:            log.WithComponent("queue").With().Str("queue_name", cfg.Name).Logger(),
		visibilityTimeout: cfg.VisibilityTimeout,
		pollInterval:      cfg.PollInterval,
		stopCh:            make(chan struct{}),
	}

	go q.sweepLoop(cfg.SweepInterval)

	return q, nil
}

func (q *RedisQueue) Name() string { return q.name }
func (q *RedisQueue) Mode() Mode   { return q.mode }

func (q *RedisQueue) keyPrimary() string    { return "cdcflow:queue:" + q.name + ":primary" }
func (q *RedisQueue) keyDelayed() string    { return "cdcflow:queue:" + q.name + ":delayed" }
func (q *RedisQueue) keyProcessing() string { return "cdcflow:queue:" + q.name + ":processing" }
func (q *RedisQueue) keyDLQ() string        { return "cdcflow:queue:" + q.name + ":dlq" }
func (q *RedisQueue) keyMessages() string   { return "cdcflow:queue:" + q.name + ":messages" }
func (q *RedisQueue) keyStats() string      { return "cdcflow:queue:" + q.name + ":stats" }

// enqueueScript stores the message body and places its id in the primary
// structure (or the delayed set, if delay_until is in the future),
// atomically so a concurrent Dequeue never observes an id with no body.
var enqueueScript = redis.NewScript(`
local messagesKey  = KEYS[1]
local primaryKey   = KEYS[2]
local delayedKey   = KEYS[3]
local statsKey     = KEYS[4]

local id        = ARGV[1]
local body      = ARGV[2]
local mode      = ARGV[3]
local priority  = tonumber(ARGV[4])
local delayUntil = tonumber(ARGV[5]) -- ms epoch, 0 = none
local now       = tonumber(ARGV[6])

redis.call('HSET', messagesKey, id, body)

if delayUntil > 0 and delayUntil > now then
  redis.call('ZADD', delayedKey, delayUntil, id)
else
  if mode == 'priority' then
    redis.call('ZADD', primaryKey, priority, id)
  elseif mode == 'lifo' then
    redis.call('LPUSH', primaryKey, id)
  else
    redis.call('RPUSH', primaryKey, id)
  end
end

redis.call('HINCRBY', statsKey, 'enqueued', 1)
return 'OK'
`)

// dequeueScript migrates due delayed messages into the primary structure,
// pops the next one, and either leases it into the processing set or marks
// it EXPIRED, all as a single atomic step.
var dequeueScript = redis.NewScript(`
local messagesKey   = KEYS[1]
local primaryKey    = KEYS[2]
local delayedKey    = KEYS[3]
local processingKey = KEYS[4]
local statsKey      = KEYS[5]

local mode              = ARGV[1]
local now               = tonumber(ARGV[2])
local visibilityTimeout = tonumber(ARGV[3])
local migrateBatch      = tonumber(ARGV[4])

local due = redis.call('ZRANGEBYSCORE', delayedKey, '-inf', now, 'LIMIT', 0, migrateBatch)
for _, id in ipairs(due) do
  redis.call('ZREM', delayedKey, id)
  local body = redis.call('HGET', messagesKey, id)
  if body then
    local msg = cjson.decode(body)
    if mode == 'priority' then
      redis.call('ZADD', primaryKey, msg.priority, id)
    elseif mode == 'lifo' then
      redis.call('LPUSH', primaryKey, id)
    else
      redis.call('RPUSH', primaryKey, id)
    end
  end
end

local id = nil
if mode == 'priority' then
  local popped = redis.call('ZPOPMAX', primaryKey)
  if popped[1] then id = popped[1] end
else
  id = redis.call('LPOP', primaryKey)
end

if not id then
  return {'EMPTY'}
end

local body = redis.call('HGET', messagesKey, id)
if not body then
  return {'EMPTY'}
end

local msg = cjson.decode(body)

if msg.expires_at and msg.expires_at > 0 and msg.expires_at <= now then
  msg.status = 'EXPIRED'
  redis.call('HSET', messagesKey, id, cjson.encode(msg))
  redis.call('HINCRBY', statsKey, 'expired', 1)
  return {'EXPIRED', id}
end

msg.status = 'PROCESSING'
redis.call('HSET', messagesKey, id, cjson.encode(msg))
redis.call('ZADD', processingKey, now + visibilityTimeout, id)
redis.call('HINCRBY', statsKey, 'dequeued', 1)

return {'OK', id, cjson.encode(msg)}
`)

// ackScript removes id from the processing lease and deletes its body.
var ackScript = redis.NewScript(`
local processingKey = KEYS[1]
local messagesKey   = KEYS[2]
local statsKey       = KEYS[3]

local id = ARGV[1]

redis.call('ZREM', processingKey, id)

local body = redis.call('HGET', messagesKey, id)
if not body then
  return 'OK'
end

redis.call('HDEL', messagesKey, id)
redis.call('HINCRBY', statsKey, 'completed', 1)
return 'OK'
`)

// nackScript applies the retry-or-DLQ decision: retry while attempts
// remain within the message's MaxRetries, otherwise move it to the DLQ.
var nackScript = redis.NewScript(`
local processingKey = KEYS[1]
local delayedKey    = KEYS[2]
local dlqKey        = KEYS[3]
local messagesKey   = KEYS[4]
local statsKey      = KEYS[5]

local id       = ARGV[1]
local requeue  = ARGV[2]
local now      = tonumber(ARGV[3])
local backoffMs = tonumber(ARGV[4])

redis.call('ZREM', processingKey, id)

local body = redis.call('HGET', messagesKey, id)
if not body then
  return 'OK'
end

local msg = cjson.decode(body)
if msg.status == 'FAILED' then
  return 'OK'
end

if requeue == '1' and msg.retry_count < msg.max_retries then
  msg.retry_count = msg.retry_count + 1
  msg.status = 'RETRYING'
  msg.delay_until = now + backoffMs
  redis.call('HSET', messagesKey, id, cjson.encode(msg))
  redis.call('ZADD', delayedKey, now + backoffMs, id)
  redis.call('HINCRBY', statsKey, 'retried', 1)
else
  msg.status = 'FAILED'
  redis.call('HSET', messagesKey, id, cjson.encode(msg))
  redis.call('RPUSH', dlqKey, id)
  redis.call('HINCRBY', statsKey, 'failed', 1)
end

return 'OK'
`)

// sweepScript requeues processing entries whose lease has expired, putting
// them back at the front of the primary structure (LIFO push for FIFO/LIFO
// modes so a lease-expired message is redelivered promptly; re-added by
// score for priority) without touching retry_count, since the original
// worker never got a chance to nack.
var sweepScript = redis.NewScript(`
local messagesKey   = KEYS[1]
local primaryKey    = KEYS[2]
local processingKey = KEYS[3]

local mode = ARGV[1]
local now  = tonumber(ARGV[2])
local batch = tonumber(ARGV[3])

local expired = redis.call('ZRANGEBYSCORE', processingKey, '-inf', now, 'LIMIT', 0, batch)
for _, id in ipairs(expired) do
  redis.call('ZREM', processingKey, id)
  local body = redis.call('HGET', messagesKey, id)
  if body then
    local msg = cjson.decode(body)
    msg.status = 'PENDING'
    redis.call('HSET', messagesKey, id, cjson.encode(msg))
    if mode == 'priority' then
      redis.call('ZADD', primaryKey, msg.priority, id)
    else
      redis.call('LPUSH', primaryKey, id)
    end
  end
end

return #expired
`)

// Enqueue implements Queue.
func (q *RedisQueue) Enqueue(ctx context.Context, payload []byte, opts EnqueueOptions) (string, error) {
	if q.closed {
		return "", ErrClosed
	}

	id := uuid.NewString()
	now := time.Now().UTC()

	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}

	msg := QueueMessage{
		ID:         id,
		QueueName:  q.name,
		Payload:    payload,
		Priority:   opts.Priority,
		DelayUntil: opts.DelayUntil,
		ExpiresAt:  opts.ExpiresAt,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		Status:     StatusPending,
		Metadata:   opts.Metadata,
	}

	body, err := json.Marshal(toWire(msg))
	if err != nil {
		return "", fmt.Errorf("queue: marshal message: %w", err)
	}

	var delayMs int64
	if opts.DelayUntil != nil {
		delayMs = opts.DelayUntil.UnixMilli()
	}

	err = enqueueScript.Run(ctx, q.client,
		[]string{q.keyMessages(), q.keyPrimary(), q.keyDelayed(), q.keyStats()},
		id, string(body), string(q.mode), opts.Priority, delayMs, now.UnixMilli(),
	).Err()
	if err != nil {
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}

	return id, nil
}

// Dequeue implements Queue. It polls the dequeue script at pollInterval
// until a live message is returned or timeout elapses, silently skipping
// entries the script reports as freshly EXPIRED.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*QueueMessage, error) {
	if q.closed {
		return nil, ErrClosed
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		msg, err := q.tryDequeue(ctx)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}

		if timeout <= 0 || time.Now().After(deadline) {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// tryDequeue runs the dequeue script once. It returns nil, nil on an empty
// queue or a skipped (expired) entry — the caller's poll loop decides
// whether to retry.
func (q *RedisQueue) tryDequeue(ctx context.Context) (*QueueMessage, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.keyMessages(), q.keyPrimary(), q.keyDelayed(), q.keyProcessing(), q.keyStats()},
		string(q.mode), time.Now().UnixMilli(), q.visibilityTimeout.Milliseconds(), 100,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue: %w", err)
	}

	status, _ := res[0].(string)
	switch status {
	case "EMPTY":
		return nil, nil
	case "EXPIRED":
		id, _ := res[1].(string)
		q.logger.Warn().Str("message_id", id).Msg("message expired before delivery")
		return nil, nil
	case "OK":
		body, _ := res[2].(string)
		var wire wireMessage
		if err := json.Unmarshal([]byte(body), &wire); err != nil {
			return nil, fmt.Errorf("queue: decode dequeued message: %w", err)
		}
		msg := wire.toMessage()
		return &msg, nil
	default:
		return nil, fmt.Errorf("queue: unexpected dequeue result %q", status)
	}
}

// Ack implements Queue.
func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	if q.closed {
		return ErrClosed
	}
	return ackScript.Run(ctx, q.client,
		[]string{q.keyProcessing(), q.keyMessages(), q.keyStats()},
		id,
	).Err()
}

// Nack implements Queue.
func (q *RedisQueue) Nack(ctx context.Context, id string, requeue bool) error {
	if q.closed {
		return ErrClosed
	}

	msg, found, err := q.peek(ctx, id)
	if err != nil {
		return err
	}

	requeueArg := "0"
	var backoff time.Duration
	if requeue {
		requeueArg = "1"
	}
	if found {
		backoff = nextBackoff(msg.RetryCount + 1)
	}

	return nackScript.Run(ctx, q.client,
		[]string{q.keyProcessing(), q.keyDelayed(), q.keyDLQ(), q.keyMessages(), q.keyStats()},
		id, requeueArg, time.Now().UnixMilli(), backoff.Milliseconds(),
	).Err()
}

func (q *RedisQueue) peek(ctx context.Context, id string) (QueueMessage, bool, error) {
	body, err := q.client.HGet(ctx, q.keyMessages(), id).Result()
	if err == redis.Nil {
		return QueueMessage{}, false, nil
	}
	if err != nil {
		return QueueMessage{}, false, fmt.Errorf("queue: peek: %w", err)
	}
	var wire wireMessage
	if err := json.Unmarshal([]byte(body), &wire); err != nil {
		return QueueMessage{}, false, fmt.Errorf("queue: decode peeked message: %w", err)
	}
	return wire.toMessage(), true, nil
}

// Stats implements Queue.
func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	counters, err := q.client.HGetAll(ctx, q.keyStats()).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("queue: stats counters: %w", err)
	}

	var primarySize int64
	if q.mode == ModePriority {
		primarySize, err = q.client.ZCard(ctx, q.keyPrimary()).Result()
	} else {
		primarySize, err = q.client.LLen(ctx, q.keyPrimary()).Result()
	}
	if err != nil {
		return Stats{}, fmt.Errorf("queue: primary size: %w", err)
	}

	delayedSize, err := q.client.ZCard(ctx, q.keyDelayed()).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("queue: delayed size: %w", err)
	}
	processingSize, err := q.client.ZCard(ctx, q.keyProcessing()).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("queue: processing size: %w", err)
	}
	dlqSize, err := q.client.LLen(ctx, q.keyDLQ()).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("queue: dlq size: %w", err)
	}

	return Stats{
		Enqueued:       parseCounter(counters["enqueued"]),
		Dequeued:       parseCounter(counters["dequeued"]),
		Completed:      parseCounter(counters["completed"]),
		Failed:         parseCounter(counters["failed"]),
		Retried:        parseCounter(counters["retried"]),
		Expired:        parseCounter(counters["expired"]),
		PrimarySize:    primarySize,
		ProcessingSize: processingSize,
		DelayedSize:    delayedSize,
		DLQSize:        dlqSize,
	}, nil
}

func parseCounter(s string) int64 {
	if s == "" {
		return 0
	}
	var v int64
	fmt.Sscanf(s, "%d", &v)
	return v
}

// Purge implements Queue.
func (q *RedisQueue) Purge(ctx context.Context) error {
	_, err := q.client.Del(ctx,
		q.keyPrimary(), q.keyDelayed(), q.keyProcessing(), q.keyDLQ(), q.keyMessages(), q.keyStats(),
	).Result()
	if err != nil {
		return fmt.Errorf("queue: purge: %w", err)
	}
	return nil
}

// Close implements Queue.
func (q *RedisQueue) Close() error {
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.stopCh)
	return nil
}

// sweepLoop periodically requeues processing-set entries past their lease.
func (q *RedisQueue) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := sweepScript.Run(context.Background(), q.client,
				[]string{q.keyMessages(), q.keyPrimary(), q.keyProcessing()},
				string(q.mode), time.Now().UnixMilli(), 100,
			).Int()
			if err != nil {
				q.logger.Error().Err(err).Msg("visibility sweep failed")
				continue
			}
			if n > 0 {
				q.logger.Warn().Int("count", n).Msg("requeued lease-expired messages")
			}
		case <-q.stopCh:
			return
		}
	}
}
