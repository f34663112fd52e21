package checkpoint

import (
	"time"

	"github.com/cuemby/cdcflow/pkg/changeevent"
)

// SourcePosition is the durable cursor for a single source.
type SourcePosition struct {
	SourceID      string               `json:"source_id"`
	LastCommitted changeevent.Position `json:"last_committed_cursor"`
	LastEventTime time.Time            `json:"last_event_time"`
	LastEventID   string               `json:"last_event_id"`
}

// Store tracks the durable cursor for every configured source.
type Store interface {
	// Get returns the last persisted position for source, or the zero
	// value and false if none has been recorded yet.
	Get(sourceID string) (SourcePosition, bool, error)

	// Update persists pos as the new cursor for its source. Callers must
	// only call Update after a worker has durably handled the event that
	// produced pos; Update is not meant to be called on bare dequeue.
	Update(pos SourcePosition) error

	// Resume is a convenience wrapper returning the position to resume
	// capture from, or the zero Position if the source has never
	// checkpointed.
	Resume(sourceID string) (changeevent.Position, error)

	Close() error
}
