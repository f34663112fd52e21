package queue

import (
	"math"
	"time"
)

// Mode selects the delivery order of a queue's primary structure. Every
// mode shares the same delayed-set, processing-set, and DLQ overlay.
type Mode string

const (
	ModeFIFO     Mode = "fifo"
	ModeLIFO     Mode = "lifo"
	ModePriority Mode = "priority"

	// ModeStream names a consumer-group delivery mode; RedisQueue has no
	// stream/consumer-group implementation and rejects it at construction
	// rather than silently running it as FIFO.
	ModeStream Mode = "stream"
)

// Status is the lifecycle state of a QueueMessage.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusRetrying   Status = "RETRYING"
	StatusExpired    Status = "EXPIRED"
)

// QueueMessage is one entry in a queue. Payload is opaque to the queue
// itself; callers (pkg/task's queue backend, pkg/worker) interpret it.
type QueueMessage struct {
	ID         string            `json:"id"`
	QueueName  string            `json:"queue_name"`
	Payload    []byte            `json:"payload"`
	Priority   int64             `json:"priority"`
	DelayUntil *time.Time        `json:"delay_until,omitempty"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty"`
	RetryCount int               `json:"retry_count"`
	MaxRetries int               `json:"max_retries"`
	CreatedAt  time.Time         `json:"created_at"`
	Status     Status            `json:"status"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// wireMessage is the JSON shape stored in Redis. Timestamps are unix
// milliseconds rather than RFC3339 strings so the Lua scripts — which
// compare and rewrite delay_until/expires_at as plain numbers — stay in
// sync with what Go encodes and decodes; QueueMessage stays time.Time-typed
// for callers.
type wireMessage struct {
	ID         string            `json:"id"`
	QueueName  string            `json:"queue_name"`
	Payload    []byte            `json:"payload"`
	Priority   int64             `json:"priority"`
	DelayUntil int64             `json:"delay_until,omitempty"`
	ExpiresAt  int64             `json:"expires_at,omitempty"`
	RetryCount int               `json:"retry_count"`
	MaxRetries int               `json:"max_retries"`
	CreatedAt  int64             `json:"created_at"`
	Status     Status            `json:"status"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func toWire(m QueueMessage) wireMessage {
	w := wireMessage{
		ID:         m.ID,
		QueueName:  m.QueueName,
		Payload:    m.Payload,
		Priority:   m.Priority,
		RetryCount: m.RetryCount,
		MaxRetries: m.MaxRetries,
		CreatedAt:  m.CreatedAt.UnixMilli(),
		Status:     m.Status,
		Metadata:   m.Metadata,
	}
	if m.DelayUntil != nil {
		w.DelayUntil = m.DelayUntil.UnixMilli()
	}
	if m.ExpiresAt != nil {
		w.ExpiresAt = m.ExpiresAt.UnixMilli()
	}
	return w
}

func (w wireMessage) toMessage() QueueMessage {
	m := QueueMessage{
		ID:         w.ID,
		QueueName:  w.QueueName,
		Payload:    w.Payload,
		Priority:   w.Priority,
		RetryCount: w.RetryCount,
		MaxRetries: w.MaxRetries,
		CreatedAt:  time.UnixMilli(w.CreatedAt).UTC(),
		Status:     w.Status,
		Metadata:   w.Metadata,
	}
	if w.DelayUntil > 0 {
		t := time.UnixMilli(w.DelayUntil).UTC()
		m.DelayUntil = &t
	}
	if w.ExpiresAt > 0 {
		t := time.UnixMilli(w.ExpiresAt).UTC()
		m.ExpiresAt = &t
	}
	return m
}

// nextBackoff computes capped exponential backoff: min(60 * 2^retry_count,
// 3600) seconds.
func nextBackoff(retryCount int) time.Duration {
	const base = 60.0
	const capSeconds = 3600.0

	seconds := base * math.Pow(2, float64(retryCount))
	if seconds > capSeconds {
		seconds = capSeconds
	}
	return time.Duration(seconds) * time.Second
}
