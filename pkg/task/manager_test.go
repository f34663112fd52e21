package task

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func newTestManager(t *testing.T, maxConcurrent int) *Manager {
	t.Helper()
	m, err := NewManager(Config{DefaultBackend: BackendLocal, MaxConcurrentTasks: maxConcurrent}, nil)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestSubmitTask_LocalBackendRunsHandlerAndRecordsSuccess(t *testing.T) {
	m := newTestManager(t, 0)

	m.RegisterHandler("echo", func(id string, args []any, kwargs map[string]any, progress func(Progress)) (json.RawMessage, error) {
		return []byte(`"ok"`), nil
	})

	id, err := m.SubmitTask(context.Background(), "echo", SubmitOptions{})
	if err != nil {
		t.Fatalf("SubmitTask() error = %v", err)
	}

	result, err := m.GetTaskResult(context.Background(), id, time.Second)
	if err != nil {
		t.Fatalf("GetTaskResult() error = %v", err)
	}
	if string(result.Value) != `"ok"` {
		t.Fatalf("result.Value = %s, want \"ok\"", result.Value)
	}

	status, err := m.GetTaskStatus(id)
	if err != nil {
		t.Fatalf("GetTaskStatus() error = %v", err)
	}
	if status != StatusSuccess {
		t.Fatalf("status = %v, want SUCCESS", status)
	}
}

func TestSubmitTask_UnregisteredHandlerYieldsFailure(t *testing.T) {
	m := newTestManager(t, 0)

	id, err := m.SubmitTask(context.Background(), "nope", SubmitOptions{})
	if err != nil {
		t.Fatalf("SubmitTask() error = %v", err)
	}

	result, err := m.GetTaskResult(context.Background(), id, time.Second)
	if err != nil {
		t.Fatalf("GetTaskResult() error = %v", err)
	}
	if result.Err != ErrHandlerNotRegistered.Error() {
		t.Fatalf("result.Err = %q, want %q", result.Err, ErrHandlerNotRegistered.Error())
	}

	status, _ := m.GetTaskStatus(id)
	if status != StatusFailure {
		t.Fatalf("status = %v, want FAILURE", status)
	}
}

func TestSubmitTask_ProgressUpdatesAreRecorded(t *testing.T) {
	m := newTestManager(t, 0)

	started := make(chan struct{})
	release := make(chan struct{})
	m.RegisterHandler("slow", func(id string, args []any, kwargs map[string]any, progress func(Progress)) (json.RawMessage, error) {
		progress(Progress{ProcessedItems: 3, TotalItems: 10})
		close(started)
		<-release
		return []byte("null"), nil
	})

	id, err := m.SubmitTask(context.Background(), "slow", SubmitOptions{})
	if err != nil {
		t.Fatalf("SubmitTask() error = %v", err)
	}

	<-started
	p, err := m.GetTaskProgress(id)
	if err != nil {
		t.Fatalf("GetTaskProgress() error = %v", err)
	}
	if p.Percentage() != 30 {
		t.Fatalf("Percentage() = %v, want 30", p.Percentage())
	}

	close(release)
	m.GetTaskResult(context.Background(), id, time.Second)
}

func TestCancelTask_MarksRevokedAndSkipsNotYetDispatchedHandler(t *testing.T) {
	m := newTestManager(t, 1)

	invoked := false
	m.RegisterHandler("blocked", func(id string, args []any, kwargs map[string]any, progress func(Progress)) (json.RawMessage, error) {
		invoked = true
		return []byte("null"), nil
	})

	// Occupy the single concurrency slot with a task that never returns on
	// its own, so the second submission sits queued until cancelled.
	hold := make(chan struct{})
	m.RegisterHandler("holder", func(id string, args []any, kwargs map[string]any, progress func(Progress)) (json.RawMessage, error) {
		<-hold
		return []byte("null"), nil
	})
	_, err := m.SubmitTask(context.Background(), "holder", SubmitOptions{})
	if err != nil {
		t.Fatalf("SubmitTask() error = %v", err)
	}

	id, err := m.SubmitTask(context.Background(), "blocked", SubmitOptions{})
	if err != nil {
		t.Fatalf("SubmitTask() error = %v", err)
	}

	if err := m.CancelTask(id); err != nil {
		t.Fatalf("CancelTask() error = %v", err)
	}

	close(hold)
	time.Sleep(50 * time.Millisecond)

	if invoked {
		t.Fatal("handler ran after CancelTask, want skipped")
	}
	status, _ := m.GetTaskStatus(id)
	if status != StatusRevoked {
		t.Fatalf("status = %v, want REVOKED", status)
	}
}

func TestCleanupCompletedTasks_RemovesOldTerminalTasks(t *testing.T) {
	m := newTestManager(t, 0)

	m.RegisterHandler("noop", func(id string, args []any, kwargs map[string]any, progress func(Progress)) (json.RawMessage, error) {
		return []byte("null"), nil
	})

	id, _ := m.SubmitTask(context.Background(), "noop", SubmitOptions{})
	m.GetTaskResult(context.Background(), id, time.Second)

	m.mu.Lock()
	m.tasks[id].CompletedAt = time.Now().Add(-time.Hour)
	m.mu.Unlock()

	removed := m.CleanupCompletedTasks(time.Minute)
	if removed != 1 {
		t.Fatalf("CleanupCompletedTasks() removed = %d, want 1", removed)
	}
	if _, err := m.GetTaskStatus(id); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("GetTaskStatus() after cleanup error = %v, want ErrUnknownTask", err)
	}
}

func TestSubmitTask_DelayAndExpiresInResolveToAbsoluteTimes(t *testing.T) {
	m := newTestManager(t, 0)

	m.RegisterHandler("noop", func(id string, args []any, kwargs map[string]any, progress func(Progress)) (json.RawMessage, error) {
		return []byte("null"), nil
	})

	before := time.Now().UTC()
	id, err := m.SubmitTask(context.Background(), "noop", SubmitOptions{
		Delay:     time.Minute,
		ExpiresIn: time.Hour,
	})
	if err != nil {
		t.Fatalf("SubmitTask() error = %v", err)
	}

	m.mu.RLock()
	tk := m.tasks[id]
	m.mu.RUnlock()

	if !tk.DelayUntil.After(before.Add(time.Minute - time.Second)) {
		t.Fatalf("DelayUntil = %v, want roughly %v", tk.DelayUntil, before.Add(time.Minute))
	}
	if !tk.ExpiresAt.After(before.Add(time.Hour - time.Second)) {
		t.Fatalf("ExpiresAt = %v, want roughly %v", tk.ExpiresAt, before.Add(time.Hour))
	}
}

func TestDispatchLocal_ExpiredTaskNeverInvokesHandler(t *testing.T) {
	m := newTestManager(t, 0)

	invoked := false
	m.RegisterHandler("expiring", func(id string, args []any, kwargs map[string]any, progress func(Progress)) (json.RawMessage, error) {
		invoked = true
		return []byte("null"), nil
	})

	id, err := m.SubmitTask(context.Background(), "expiring", SubmitOptions{
		ExpiresIn: time.Nanosecond,
	})
	if err != nil {
		t.Fatalf("SubmitTask() error = %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	status, err := m.GetTaskStatus(id)
	if err != nil {
		t.Fatalf("GetTaskStatus() error = %v", err)
	}
	if status != StatusExpired {
		t.Fatalf("status = %v, want EXPIRED", status)
	}
	if invoked {
		t.Fatal("handler ran for an already-expired task")
	}
}

func TestGetTaskStats_CountsByStatus(t *testing.T) {
	m := newTestManager(t, 0)

	m.RegisterHandler("noop", func(id string, args []any, kwargs map[string]any, progress func(Progress)) (json.RawMessage, error) {
		return []byte("null"), nil
	})

	id, _ := m.SubmitTask(context.Background(), "noop", SubmitOptions{})
	m.GetTaskResult(context.Background(), id, time.Second)

	stats := m.GetTaskStats()
	if stats.Success != 1 {
		t.Fatalf("GetTaskStats() = %+v, want Success=1", stats)
	}
}
