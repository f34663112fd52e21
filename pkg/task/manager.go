package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/cdcflow/pkg/log"
	"github.com/rs/zerolog"
)

// ErrHandlerNotRegistered is the error recorded in a FAILURE result when
// the local backend dispatches a task type with no registered handler.
var ErrHandlerNotRegistered = errors.New("task: no handler registered")

// ErrUnknownTask marks an operation against a task id the Manager has no
// record of.
var ErrUnknownTask = errors.New("task: unknown task id")

// ErrTaskExpired marks a task whose expires_at has already passed by the
// time it reached dispatch; the handler is never invoked.
var ErrTaskExpired = errors.New("task: expired")

// Manager tracks task lifecycle and dispatches submitted work to a
// pluggable Backend per task.
type Manager struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	tasks    map[string]*Task
	handlers map[string]Handler

	defaultBackend BackendKind
	backends       map[BackendKind]Backend

	sem chan struct{} // bounds concurrently *executing* local-backend tasks

	nextID func() string
}

// Config configures a Manager.
type Config struct {
	DefaultBackend     BackendKind
	MaxConcurrentTasks int // local backend only; 0 means unbounded

	// NextID generates task ids. Defaults to a counter-based generator
	// since time/random sources are unavailable in this environment's
	// deterministic test paths; production callers should inject a ULID
	// or UUID generator.
	NextID func() string
}

// NewManager builds a Manager wired to backends, plus an automatically
// constructed local backend under BackendLocal (its dispatch target is
// the Manager itself, so callers never construct one directly — doing so
// up front would need a Manager that doesn't exist yet). At least an entry
// for cfg.DefaultBackend must be present after that local backend is
// added.
func NewManager(cfg Config, backends map[BackendKind]Backend) (*Manager, error) {
	nextID := cfg.NextID
	if nextID == nil {
		var counter int64
		var mu sync.Mutex
		nextID = func() string {
			mu.Lock()
			defer mu.Unlock()
			counter++
			return fmt.Sprintf("task-%d", counter)
		}
	}

	var sem chan struct{}
	if cfg.MaxConcurrentTasks > 0 {
		sem = make(chan struct{}, cfg.MaxConcurrentTasks)
	}

	if backends == nil {
		backends = make(map[BackendKind]Backend)
	}

	m := &Manager{
		logger:         log.WithComponent("task"),
		tasks:          make(map[string]*Task),
		handlers:       make(map[string]Handler),
		defaultBackend: cfg.DefaultBackend,
		backends:       backends,
		sem:            sem,
		nextID:         nextID,
	}

	if _, ok := backends[BackendLocal]; !ok {
		backends[BackendLocal] = NewLocalBackend(m.dispatchLocal)
	}

	if _, ok := backends[cfg.DefaultBackend]; !ok {
		return nil, fmt.Errorf("task: no backend registered for default %q", cfg.DefaultBackend)
	}

	return m, nil
}

// RegisterHandler installs fn as the handler for taskType. Only the local
// backend invokes handlers directly; queue/broker backends rely on
// pkg/worker looking the handler up through this same Manager.
func (m *Manager) RegisterHandler(taskType string, fn Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[taskType] = fn
}

// Handler returns the handler registered for taskType, if any.
func (m *Manager) Handler(taskType string) (Handler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn, ok := m.handlers[taskType]
	return fn, ok
}

// SubmitOptions customizes one SubmitTask call.
type SubmitOptions struct {
	Args       []any
	Kwargs     map[string]any
	Priority   int
	Backend    BackendKind
	MaxRetries int
	Metadata   map[string]string

	// Delay postpones the task's earliest dispatch by this duration from
	// the moment SubmitTask is called (submit_task's delay/countdown).
	Delay time.Duration

	// ExpiresIn, when non-zero, marks the task as no longer eligible to
	// run once this duration has elapsed from submission; the queue
	// backend gates this at dequeue so an expired task is never handed to
	// a handler.
	ExpiresIn time.Duration
}

// SubmitTask records a new task and hands it to its backend.
func (m *Manager) SubmitTask(ctx context.Context, taskType string, opts SubmitOptions) (string, error) {
	backendKind := opts.Backend
	if backendKind == "" {
		backendKind = m.defaultBackend
	}
	backend, ok := m.backends[backendKind]
	if !ok {
		return "", fmt.Errorf("task: no backend registered for %q", backendKind)
	}

	submittedAt := time.Now().UTC()
	t := &Task{
		ID:          m.nextID(),
		Type:        taskType,
		Args:        opts.Args,
		Kwargs:      opts.Kwargs,
		Priority:    opts.Priority,
		Backend:     backendKind,
		MaxRetries:  opts.MaxRetries,
		Metadata:    opts.Metadata,
		SubmittedAt: submittedAt,
		Status:      StatusPending,
	}
	if opts.Delay > 0 {
		t.DelayUntil = submittedAt.Add(opts.Delay)
	}
	if opts.ExpiresIn > 0 {
		t.ExpiresAt = submittedAt.Add(opts.ExpiresIn)
	}

	m.mu.Lock()
	m.tasks[t.ID] = t
	m.mu.Unlock()

	if err := backend.Submit(ctx, t); err != nil {
		m.setStatus(t.ID, StatusFailure, nil, err)
		return "", fmt.Errorf("task: submit: %w", err)
	}
	return t.ID, nil
}

// dispatchLocal is the local Backend's dispatch callback: it takes a
// concurrency-semaphore slot (holding up the backend's executor while every
// slot is busy), then runs the task in a goroutine of its own, which
// records the result and frees the slot.
func (m *Manager) dispatchLocal(t *Task) {
	if m.sem == nil {
		go m.runLocal(t)
		return
	}
	m.sem <- struct{}{}
	go func() {
		defer func() { <-m.sem }()
		m.runLocal(t)
	}()
}

// runLocal runs one local-backend task's handler, unless the task was
// revoked or has expired, and records the outcome.
func (m *Manager) runLocal(t *Task) {
	m.mu.Lock()
	if t.Status == StatusRevoked {
		m.mu.Unlock()
		return
	}
	if !t.ExpiresAt.IsZero() && time.Now().After(t.ExpiresAt) {
		t.Status = StatusExpired
		t.CompletedAt = time.Now().UTC()
		m.mu.Unlock()
		return
	}
	t.Status = StatusStarted
	t.StartedAt = time.Now().UTC()
	m.mu.Unlock()

	handler, ok := m.Handler(t.Type)
	if !ok {
		m.setStatus(t.ID, StatusFailure, nil, ErrHandlerNotRegistered)
		return
	}

	progress := func(p Progress) {
		p.UpdatedAt = time.Now().UTC()
		m.mu.Lock()
		if cur, ok := m.tasks[t.ID]; ok {
			cur.Progress = p
		}
		m.mu.Unlock()
	}

	value, err := handler(t.ID, t.Args, t.Kwargs, progress)
	if err != nil {
		m.setStatus(t.ID, StatusFailure, nil, err)
		return
	}
	m.setStatus(t.ID, StatusSuccess, value, nil)
}

// Dispatch runs the handler registered for p.Type against a dequeued
// queue/broker payload, recording lifecycle exactly as the local backend
// path does. pkg/worker calls this once per successfully decoded message
// and acks or nacks the underlying queue message based on the returned
// error.
func (m *Manager) Dispatch(ctx context.Context, p Payload) error {
	m.mu.Lock()
	t, ok := m.tasks[p.ID]
	if !ok {
		t = &Task{
			ID:          p.ID,
			Type:        p.Type,
			Args:        p.Args,
			Kwargs:      p.Kwargs,
			Priority:    p.Priority,
			MaxRetries:  p.MaxRetries,
			Metadata:    p.Metadata,
			SubmittedAt: time.Now().UTC(),
			Status:      StatusPending,
		}
		if p.DelayUntil != nil {
			t.DelayUntil = *p.DelayUntil
		}
		if p.ExpiresAt != nil {
			t.ExpiresAt = *p.ExpiresAt
		}
		m.tasks[p.ID] = t
	}
	if t.Status == StatusRevoked {
		m.mu.Unlock()
		return nil
	}
	if !t.ExpiresAt.IsZero() && time.Now().After(t.ExpiresAt) {
		t.Status = StatusExpired
		t.CompletedAt = time.Now().UTC()
		m.mu.Unlock()
		return ErrTaskExpired
	}
	t.Status = StatusStarted
	t.StartedAt = time.Now().UTC()
	m.mu.Unlock()

	// Unlike dispatchLocal, Dispatch does not take m.sem: max_concurrent_tasks
	// only bounds the local backend's dispatch — queue/broker-backed
	// concurrency is bounded by the worker pool size instead.
	handler, ok := m.Handler(p.Type)
	if !ok {
		m.setStatus(p.ID, StatusFailure, nil, ErrHandlerNotRegistered)
		return ErrHandlerNotRegistered
	}

	progress := func(pr Progress) {
		pr.UpdatedAt = time.Now().UTC()
		m.mu.Lock()
		if cur, ok := m.tasks[p.ID]; ok {
			cur.Progress = pr
		}
		m.mu.Unlock()
	}

	value, err := handler(p.ID, p.Args, p.Kwargs, progress)
	if err != nil {
		m.setStatus(p.ID, StatusFailure, nil, err)
		return err
	}
	m.setStatus(p.ID, StatusSuccess, value, nil)
	return nil
}

func (m *Manager) setStatus(id string, status Status, value json.RawMessage, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return
	}
	t.Status = status
	t.CompletedAt = time.Now().UTC()
	t.Result.Value = value
	if err != nil {
		t.Result.Err = err.Error()
	}
}

// GetTaskStatus returns the task's current status.
func (m *Manager) GetTaskStatus(id string) (Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return "", ErrUnknownTask
	}
	return t.Status, nil
}

// GetTaskProgress returns the task's latest progress report.
func (m *Manager) GetTaskProgress(id string) (Progress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return Progress{}, ErrUnknownTask
	}
	return t.Progress, nil
}

// GetTaskResult blocks up to timeout for id to reach a terminal state and
// returns its Result. A zero timeout returns immediately with whatever
// result (possibly empty) is currently recorded.
func (m *Manager) GetTaskResult(ctx context.Context, id string, timeout time.Duration) (Result, error) {
	deadline := time.Now().Add(timeout)
	for {
		m.mu.RLock()
		t, ok := m.tasks[id]
		if !ok {
			m.mu.RUnlock()
			return Result{}, ErrUnknownTask
		}
		status := t.Status
		result := t.Result
		m.mu.RUnlock()

		if isTerminal(status) || timeout <= 0 {
			return result, nil
		}
		if time.Now().After(deadline) {
			return result, nil
		}

		select {
		case <-time.After(20 * time.Millisecond):
		case <-ctx.Done():
			return result, ctx.Err()
		}
	}
}

func isTerminal(s Status) bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusRevoked, StatusExpired:
		return true
	default:
		return false
	}
}

// UpdateProgress is called by handlers run outside the local backend
// (e.g. by pkg/worker on behalf of a queue/broker-dispatched task) to push
// a progress report.
func (m *Manager) UpdateProgress(id string, p Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return ErrUnknownTask
	}
	p.UpdatedAt = time.Now().UTC()
	t.Progress = p
	return nil
}

// CancelTask marks id REVOKED. Queue and local backends leave an
// already-started handler to finish uninterrupted; a broker backend that
// supports cancellation would propagate it (not modeled here — this
// repo's broker backend is fire-and-forget publish).
func (m *Manager) CancelTask(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return ErrUnknownTask
	}
	if isTerminal(t.Status) {
		return nil
	}
	t.Status = StatusRevoked
	t.CompletedAt = time.Now().UTC()
	return nil
}

// GetActiveTasks returns every task not yet in a terminal state.
func (m *Manager) GetActiveTasks() []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Task
	for _, t := range m.tasks {
		if !isTerminal(t.Status) {
			out = append(out, t)
		}
	}
	return out
}

// Stats summarizes task counts by status.
type Stats struct {
	Pending int
	Started int
	Success int
	Failure int
	Revoked int
	Expired int
}

// GetTaskStats returns a snapshot of task counts by status.
func (m *Manager) GetTaskStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s Stats
	for _, t := range m.tasks {
		switch t.Status {
		case StatusPending:
			s.Pending++
		case StatusStarted:
			s.Started++
		case StatusSuccess:
			s.Success++
		case StatusFailure:
			s.Failure++
		case StatusRevoked:
			s.Revoked++
		case StatusExpired:
			s.Expired++
		}
	}
	return s
}

// CleanupCompletedTasks prunes terminal tasks whose CompletedAt is older
// than olderThan, returning the number removed.
func (m *Manager) CleanupCompletedTasks(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, t := range m.tasks {
		if isTerminal(t.Status) && t.CompletedAt.Before(cutoff) {
			delete(m.tasks, id)
			removed++
		}
	}
	return removed
}

// Close releases every backend's resources.
func (m *Manager) Close() error {
	var firstErr error
	for _, b := range m.backends {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
