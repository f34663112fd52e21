package task

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusStarted Status = "STARTED"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
	StatusRetry   Status = "RETRY"
	StatusRevoked Status = "REVOKED"
	StatusExpired Status = "EXPIRED"
)

// BackendKind selects which Backend a task is submitted through.
type BackendKind string

const (
	BackendQueue  BackendKind = "queue"
	BackendBroker BackendKind = "broker"
	BackendLocal  BackendKind = "local"
)

// DefaultPriority is the priority value submit_task assumes when the
// caller doesn't specify one; the queue backend only switches a task's
// queue into PRIORITY mode when it differs from this.
const DefaultPriority = 0

// Task is one unit of submitted work and its lifecycle state.
type Task struct {
	ID          string
	Type        string
	Args        []any
	Kwargs      map[string]any
	Priority    int
	Backend     BackendKind
	MaxRetries  int
	Metadata    map[string]string
	SubmittedAt time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Status      Status

	// DelayUntil, when non-zero, is the earliest instant a backend should
	// make this task deliverable — submit_task's delay/countdown/eta
	// knobs all resolve to this one absolute time before the task is
	// handed to a backend.
	DelayUntil time.Time

	// ExpiresAt, when non-zero, is gated at dequeue: pkg/queue never
	// returns a message whose expiry has passed, so an expired task is
	// never dispatched to a handler.
	ExpiresAt time.Time

	Progress Progress
	Result   Result
}

// Progress is the latest progress report a handler has pushed for a task.
type Progress struct {
	ProcessedItems int64
	TotalItems     int64
	CurrentStep    int64
	TotalSteps     int64
	Message        string
	UpdatedAt      time.Time
}

// Percentage reports processed/total when item counts are known, else
// step/total, else 0.
func (p Progress) Percentage() float64 {
	if p.TotalItems > 0 {
		return float64(p.ProcessedItems) / float64(p.TotalItems) * 100
	}
	if p.TotalSteps > 0 {
		return float64(p.CurrentStep) / float64(p.TotalSteps) * 100
	}
	return 0
}

// Result is a task's terminal outcome.
type Result struct {
	Value json.RawMessage
	Err   string
}

// Handler is the callable registered for a task type. progress lets the
// handler push Progress updates any number of times before returning.
type Handler func(taskID string, args []any, kwargs map[string]any, progress func(Progress)) (json.RawMessage, error)

// payloadSchemaVersion is the current wire format of Payload. A consumer
// built against a different version rejects the message outright rather
// than guessing at a field layout it was never written to understand.
const payloadSchemaVersion = 1

// payloadContentType identifies the body's encoding; always JSON today,
// but carried explicitly so a future binary codec can be introduced
// alongside it without an ambiguous payload on the wire.
const payloadContentType = "application/json"

// Payload is the JSON-serializable form submitted through the queue and
// broker backends; Task itself is kept free of marshal tags since local
// backend dispatch never serializes it. pkg/worker decodes a dequeued
// message's bytes into a Payload to look up and invoke the handler.
//
// SchemaVersion and ContentType turn the wire body into a versioned
// envelope rather than an opaque blob: every queue/broker consumer can
// check them before trusting the rest of the fields, so a schema change
// ships as a version bump instead of a field it silently misreads.
type Payload struct {
	SchemaVersion int    `json:"schema_version"`
	ContentType   string `json:"content_type"`

	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Args       []any             `json:"args,omitempty"`
	Kwargs     map[string]any    `json:"kwargs,omitempty"`
	Priority   int               `json:"priority"`
	MaxRetries int               `json:"max_retries"`
	Metadata   map[string]string `json:"metadata,omitempty"`

	// DelayUntil and ExpiresAt carry submit_task's delay/countdown/eta and
	// expires_in knobs onto the wire so any backend's consumer can honor
	// them without a side channel back to the Manager that submitted the
	// task.
	DelayUntil *time.Time `json:"delay_until,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

func (t *Task) toWire() Payload {
	p := Payload{
		SchemaVersion: payloadSchemaVersion,
		ContentType:   payloadContentType,
		ID:            t.ID,
		Type:          t.Type,
		Args:          t.Args,
		Kwargs:        t.Kwargs,
		Priority:      t.Priority,
		MaxRetries:    t.MaxRetries,
		Metadata:      t.Metadata,
	}
	if !t.DelayUntil.IsZero() {
		p.DelayUntil = &t.DelayUntil
	}
	if !t.ExpiresAt.IsZero() {
		p.ExpiresAt = &t.ExpiresAt
	}
	return p
}

// DecodePayload parses a queue/broker message body back into a Payload,
// rejecting a schema version this build doesn't understand rather than
// returning a partially-populated Payload a handler would silently
// misinterpret.
func DecodePayload(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, err
	}
	if p.SchemaVersion != payloadSchemaVersion {
		return Payload{}, fmt.Errorf("task: unsupported payload schema_version %d (want %d)", p.SchemaVersion, payloadSchemaVersion)
	}
	return p, nil
}
