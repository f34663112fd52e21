package checkpoint

import (
	"testing"
	"time"

	"github.com/cuemby/cdcflow/pkg/changeevent"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestGet_MissingSourceReturnsNotFound(t *testing.T) {
	store := newTestStore(t)

	_, found, err := store.Get("pg-main")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if found {
		t.Fatal("Get() found = true for a source that was never updated")
	}
}

func TestUpdateThenGet_RoundTrips(t *testing.T) {
	store := newTestStore(t)

	want := SourcePosition{
		SourceID:      "pg-main",
		LastCommitted: changeevent.Position{LSN: "0/16B3748"},
		LastEventTime: time.Now().UTC().Truncate(time.Second),
		LastEventID:   "evt-1",
	}

	if err := store.Update(want); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, found, err := store.Get("pg-main")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !found {
		t.Fatal("Get() found = false after Update()")
	}
	if got.LastCommitted.LSN != want.LastCommitted.LSN || got.LastEventID != want.LastEventID {
		t.Fatalf("Get() = %+v, want %+v", got, want)
	}
}

func TestUpdate_OverwritesPreviousPosition(t *testing.T) {
	store := newTestStore(t)

	first := SourcePosition{SourceID: "kafka-orders", LastCommitted: changeevent.Position{Offset: 10}}
	second := SourcePosition{SourceID: "kafka-orders", LastCommitted: changeevent.Position{Offset: 20}}

	if err := store.Update(first); err != nil {
		t.Fatalf("Update(first) error = %v", err)
	}
	if err := store.Update(second); err != nil {
		t.Fatalf("Update(second) error = %v", err)
	}

	got, _, err := store.Get("kafka-orders")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.LastCommitted.Offset != 20 {
		t.Fatalf("LastCommitted.Offset = %d, want 20", got.LastCommitted.Offset)
	}
}

func TestResume_UnknownSourceReturnsZeroPosition(t *testing.T) {
	store := newTestStore(t)

	pos, err := store.Resume("never-seen")
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if !pos.IsZero() {
		t.Fatalf("Resume() = %+v, want zero Position", pos)
	}
}

func TestResume_ReturnsLastCommittedCursor(t *testing.T) {
	store := newTestStore(t)

	if err := store.Update(SourcePosition{
		SourceID:      "pg-main",
		LastCommitted: changeevent.Position{LSN: "0/16B3748"},
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	pos, err := store.Resume("pg-main")
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if pos.LSN != "0/16B3748" {
		t.Fatalf("Resume().LSN = %q, want 0/16B3748", pos.LSN)
	}
}

func TestSourcesAreIndependent(t *testing.T) {
	store := newTestStore(t)

	if err := store.Update(SourcePosition{SourceID: "a", LastCommitted: changeevent.Position{Offset: 1}}); err != nil {
		t.Fatalf("Update(a) error = %v", err)
	}
	if err := store.Update(SourcePosition{SourceID: "b", LastCommitted: changeevent.Position{Offset: 2}}); err != nil {
		t.Fatalf("Update(b) error = %v", err)
	}

	a, _, err := store.Get("a")
	if err != nil {
		t.Fatalf("Get(a) error = %v", err)
	}
	b, _, err := store.Get("b")
	if err != nil {
		t.Fatalf("Get(b) error = %v", err)
	}
	if a.LastCommitted.Offset != 1 || b.LastCommitted.Offset != 2 {
		t.Fatalf("cross-contamination between sources: a=%+v b=%+v", a, b)
	}
}
