package sync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/cdcflow/pkg/changeevent"
	"github.com/cuemby/cdcflow/pkg/checkpoint"
	"github.com/cuemby/cdcflow/pkg/task"
)

// transformEvent is the subset of handleEvent's "event" kwarg a checkpoint
// update needs. It is decoded via a JSON round-trip rather than a type
// assertion because kwargs arrives as live Go values for the local task
// backend but as json.Unmarshal'd map[string]any for the queue/broker
// backends; round-tripping through encoding/json handles both uniformly.
type transformEvent struct {
	ID        string               `json:"id"`
	SourceID  string               `json:"source_id"`
	Timestamp time.Time            `json:"timestamp"`
	Position  changeevent.Position `json:"position"`
}

// NewDataTransformHandler builds the default handler for TaskDataTransform.
// It exercises the handler contract (a single progress report, a JSON
// result) against the event payload handleEvent built, and — when store is
// non-nil — persists the event's source position as the new checkpoint as
// the handler's last step; the task manager records SUCCESS, and a worker
// acks the message, only after the handler returns.
// This is the only point positions are meant to advance from; a real
// deployment overwrites the handler with RegisterHandler once a
// sink-specific transform exists, and should preserve this same
// post-handling checkpoint update.
func NewDataTransformHandler(store checkpoint.Store) task.Handler {
	return func(taskID string, args []any, kwargs map[string]any, progress func(task.Progress)) (json.RawMessage, error) {
		progress(task.Progress{CurrentStep: 1, TotalSteps: 1, Message: "transform applied"})

		tag, _ := kwargs["tag"].(map[string]string)
		result := map[string]any{
			"task_id": taskID,
			"tag":     tag,
		}

		if store != nil {
			if ev, ok := decodeTransformEvent(kwargs["event"]); ok && ev.SourceID != "" {
				if err := store.Update(checkpoint.SourcePosition{
					SourceID:      ev.SourceID,
					LastCommitted: ev.Position,
					LastEventTime: ev.Timestamp,
					LastEventID:   ev.ID,
				}); err != nil {
					return nil, fmt.Errorf("sync: update checkpoint for %s: %w", ev.SourceID, err)
				}
			}
		}

		return json.Marshal(result)
	}
}

func decodeTransformEvent(v any) (transformEvent, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		return transformEvent{}, false
	}
	var ev transformEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return transformEvent{}, false
	}
	return ev, true
}

// BatchProcessHandler is the default handler registered for
// TaskBatchProcess. It expects kwargs["items"] to be a slice and reports
// per-item progress as it walks it.
func BatchProcessHandler(taskID string, args []any, kwargs map[string]any, progress func(task.Progress)) (json.RawMessage, error) {
	items, _ := kwargs["items"].([]any)
	total := int64(len(items))

	for i := range items {
		progress(task.Progress{ProcessedItems: int64(i + 1), TotalItems: total})
	}

	return json.Marshal(map[string]any{"task_id": taskID, "processed": total})
}

// DataPullHandler is the default handler registered for TaskDataPull: a
// placeholder for a source-side backfill/resync pull, reporting a single
// completed step.
func DataPullHandler(taskID string, args []any, kwargs map[string]any, progress func(task.Progress)) (json.RawMessage, error) {
	source, _ := kwargs["source_id"].(string)
	progress(task.Progress{CurrentStep: 1, TotalSteps: 1, Message: fmt.Sprintf("pulled from %s", source)})
	return json.Marshal(map[string]any{"task_id": taskID, "source_id": source})
}

// DataPushHandler is the default handler registered for TaskDataPush: a
// placeholder for a sink-side write, reporting a single completed step.
func DataPushHandler(taskID string, args []any, kwargs map[string]any, progress func(task.Progress)) (json.RawMessage, error) {
	target, _ := kwargs["target"].(string)
	progress(task.Progress{CurrentStep: 1, TotalSteps: 1, Message: fmt.Sprintf("pushed to %s", target)})
	return json.Marshal(map[string]any{"task_id": taskID, "target": target})
}
