package sync

import (
	"testing"
	"time"

	"github.com/cuemby/cdcflow/pkg/changeevent"
	"github.com/cuemby/cdcflow/pkg/checkpoint"
	"github.com/cuemby/cdcflow/pkg/task"
)

func noopProgress(task.Progress) {}

func TestNewDataTransformHandler_NilStoreSkipsCheckpoint(t *testing.T) {
	h := NewDataTransformHandler(nil)

	kwargs := map[string]any{
		"event": map[string]any{"source_id": "orders-mysql", "id": "evt-1"},
	}
	if _, err := h("t-1", nil, kwargs, noopProgress); err != nil {
		t.Fatalf("handler with nil store errored: %v", err)
	}
}

func TestNewDataTransformHandler_PersistsCheckpointAfterHandling(t *testing.T) {
	store, err := checkpoint.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	h := NewDataTransformHandler(store)

	now := time.Now().UTC().Truncate(time.Millisecond)
	kwargs := map[string]any{
		"event": map[string]any{
			"id":        "evt-1",
			"source_id": "orders-mysql",
			"timestamp": now,
			"position":  changeevent.Position{Topic: "dbserver1.inventory.orders", Partition: 0, Offset: 42},
		},
	}

	if _, err := h("t-1", nil, kwargs, noopProgress); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	pos, found, err := store.Get("orders-mysql")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !found {
		t.Fatal("expected checkpoint to be persisted after the handler ran")
	}
	if pos.LastCommitted.Offset != 42 || pos.LastEventID != "evt-1" {
		t.Fatalf("unexpected persisted position: %+v", pos)
	}
}

func TestNewDataTransformHandler_QueueBackendJSONRoundTrip(t *testing.T) {
	store, err := checkpoint.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	h := NewDataTransformHandler(store)

	// Simulate the queue/broker round trip: the event arrives already
	// decoded from JSON into generic map[string]any/string values rather
	// than live Go structs, the way task.DecodePayload hands it back.
	kwargs := map[string]any{
		"event": map[string]any{
			"id":        "evt-2",
			"source_id": "billing-pg",
			"timestamp": "2026-01-01T00:00:00Z",
			"position":  map[string]any{"lsn": "0/1A2B3C"},
		},
	}

	if _, err := h("t-2", nil, kwargs, noopProgress); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	pos, found, err := store.Get("billing-pg")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !found {
		t.Fatal("expected checkpoint to be persisted from a JSON-round-tripped event")
	}
	if pos.LastCommitted.LSN != "0/1A2B3C" {
		t.Fatalf("unexpected persisted position: %+v", pos)
	}
}
