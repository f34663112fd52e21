package logicalsource

import (
	"testing"
	"time"
)

func TestLagEvent_CarriesLagAndThresholdMetadata(t *testing.T) {
	s := New(Config{
		SourceID:     "pub1",
		Role:         RolePublisher,
		LagThreshold: 30 * time.Second,
	})

	event := s.lagEvent(45 * time.Second)

	if event.Metadata["event_type"] != "replication_lag" {
		t.Fatalf("event_type = %q, want replication_lag", event.Metadata["event_type"])
	}
	if event.Metadata["lag_ms"] != "45000" {
		t.Fatalf("lag_ms = %q, want 45000", event.Metadata["lag_ms"])
	}
	if event.Metadata["threshold_ms"] != "30000" {
		t.Fatalf("threshold_ms = %q, want 30000", event.Metadata["threshold_ms"])
	}
	if event.ID == "" {
		t.Fatal("ID is empty, want a unique lag-event ID")
	}
}

func TestLagLoop_EmitsSyntheticEventOnThresholdCross(t *testing.T) {
	s := New(Config{
		SourceID:     "pub1",
		Role:         RolePublisher,
		LagInterval:  10 * time.Millisecond,
		LagThreshold: 20 * time.Millisecond,
	})
	s.mu.Lock()
	s.lastApply = time.Now().Add(-time.Second)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.lagLoop()
	defer func() {
		close(s.stopCh)
		s.wg.Wait()
	}()

	select {
	case event := <-s.changes:
		if event.Metadata["event_type"] != "replication_lag" {
			t.Fatalf("event_type = %q, want replication_lag", event.Metadata["event_type"])
		}
	case <-time.After(time.Second):
		t.Fatal("lagLoop did not emit a synthetic event within 1s")
	}
}
