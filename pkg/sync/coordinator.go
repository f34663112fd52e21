package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/cdcflow/pkg/changeevent"
	"github.com/cuemby/cdcflow/pkg/checkpoint"
	"github.com/cuemby/cdcflow/pkg/log"
	"github.com/cuemby/cdcflow/pkg/metrics"
	"github.com/cuemby/cdcflow/pkg/queue"
	"github.com/cuemby/cdcflow/pkg/sourcemanager"
	"github.com/cuemby/cdcflow/pkg/task"
	"github.com/cuemby/cdcflow/pkg/worker"
	"github.com/rs/zerolog"
)

// Mode selects which source families a Coordinator drives.
type Mode string

const (
	ModeCDCOnly         Mode = "CDC_ONLY"
	ModeReplicationOnly Mode = "REPLICATION_ONLY"
	ModeHybrid          Mode = "HYBRID"
	ModeAsyncOnly       Mode = "ASYNC_ONLY"
)

// Default task types registered at initialize.
const (
	TaskDataTransform = "DATA_TRANSFORM"
	TaskBatchProcess  = "BATCH_PROCESS"
	TaskDataPull      = "DATA_PULL"
	TaskDataPush      = "DATA_PUSH"
)

// Config configures a Coordinator.
type Config struct {
	Mode Mode

	HealthCheckInterval     time.Duration // default 10s
	TaskFailureRatioWarning float64       // default 0.5; a warning is logged above this
	MetricsCollectInterval  time.Duration // default 15s, passed to metrics.Collector
	HTTPAddr                string        // empty disables the status/healthz/metrics HTTP surface

	// BackpressureQueue, when non-nil, is sampled before every submitted
	// task: when its primary structure exceeds HighWaterMark, the
	// coordinator sleeps with capped exponential backoff before submitting,
	// instead of letting the queue grow unbounded.
	BackpressureQueue    queue.Queue
	HighWaterMark        int64         // default 10000
	BackpressureMaxSleep time.Duration // default 30s

	// Checkpoint, when non-nil, is updated by the default DATA_TRANSFORM
	// handler as the last step of its run — i.e. once a worker has handled
	// the event, not when it is merely dequeued; the task's SUCCESS and the
	// queue ack are recorded after the handler returns. Left nil, the coordinator
	// submits tasks without ever persisting a resumable position.
	Checkpoint checkpoint.Store
}

// Stats is the live snapshot exposed by /status.
type Stats struct {
	Mode            Mode                                        `json:"mode"`
	EventsProcessed int64                                       `json:"events_processed"`
	LastEventAt     time.Time                                   `json:"last_event_at,omitempty"`
	Sources         map[string]sourcemanager.SourceStats         `json:"sources"`
	SourceAggregate sourcemanager.AggregateStats                 `json:"source_aggregate"`
	Tasks           task.Stats                                  `json:"tasks"`
}

// Coordinator wires pkg/sourcemanager, pkg/task, and (when a queue/broker
// backend is in play) pkg/worker into one running pipeline. It owns no
// transport or storage of its own.
type Coordinator struct {
	cfg    Config
	logger zerolog.Logger

	sources   *sourcemanager.Manager
	tasks     *task.Manager
	pool      *worker.Pool // nil when no queue/broker-backed worker pool is needed
	collector *metrics.Collector

	mu              sync.RWMutex
	eventsProcessed int64
	lastEventAt     time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup

	httpServer interface{ Shutdown(ctx context.Context) error }
}

// New builds a Coordinator. sources and tasks must be non-nil; pool may be
// nil when the configured task backend needs no dequeue loop (pure local
// backend deployments).
func New(cfg Config, sources *sourcemanager.Manager, tasks *task.Manager, pool *worker.Pool) *Coordinator {
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 10 * time.Second
	}
	if cfg.TaskFailureRatioWarning <= 0 {
		cfg.TaskFailureRatioWarning = 0.5
	}
	if cfg.MetricsCollectInterval <= 0 {
		cfg.MetricsCollectInterval = 15 * time.Second
	}
	if cfg.HighWaterMark <= 0 {
		cfg.HighWaterMark = 10000
	}
	if cfg.BackpressureMaxSleep <= 0 {
		cfg.BackpressureMaxSleep = 30 * time.Second
	}

	return &Coordinator{
		cfg:       cfg,
		logger:    log.WithComponent("sync"),
		sources:   sources,
		tasks:     tasks,
		pool:      pool,
		collector: metrics.NewCollector(sources, tasks, cfg.MetricsCollectInterval),
		stopCh:    make(chan struct{}),
	}
}

// RegisterDefaultHandlers installs the four default task handlers
// (data-transform, batch-process, data-pull, data-push) against the
// Coordinator's task manager. Callers may overwrite any of them with
// RegisterHandler afterward to plug in real business logic; the defaults
// here only exercise the handler contract (progress reporting, a JSON
// result) since no sink-specific transform/pull/push logic is in scope.
func (c *Coordinator) RegisterDefaultHandlers() {
	c.tasks.RegisterHandler(TaskDataTransform, NewDataTransformHandler(c.cfg.Checkpoint))
	c.tasks.RegisterHandler(TaskBatchProcess, BatchProcessHandler)
	c.tasks.RegisterHandler(TaskDataPull, DataPullHandler)
	c.tasks.RegisterHandler(TaskDataPush, DataPushHandler)
}

// Start starts sources, the worker pool (if configured), metrics collection,
// event forwarding, the health loop, and — if cfg.HTTPAddr is set — the
// status/healthz/metrics HTTP server, in that order: sources first, then
// the task manager's async execution path (worker pool included), then the
// health loop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.sources.Start(ctx)

	if c.pool != nil {
		c.pool.Start(ctx)
	}

	c.collector.Start()

	c.wg.Add(2)
	go c.forwardEvents(ctx)
	go c.healthLoop(ctx)

	if c.cfg.HTTPAddr != "" {
		if err := c.startHTTP(); err != nil {
			return fmt.Errorf("sync: start http server: %w", err)
		}
	}

	c.logger.Info().Str("mode", string(c.cfg.Mode)).Msg("coordinator started")
	return nil
}

// Stop stops, in order, the health loop, the task manager's worker pool,
// and the sources. The HTTP server (if any) is stopped first since it only
// serves read-only status derived from the rest.
func (c *Coordinator) Stop(ctx context.Context) error {
	if c.httpServer != nil {
		_ = c.httpServer.Shutdown(ctx)
	}

	close(c.stopCh)
	c.wg.Wait()

	c.collector.Stop()

	if c.pool != nil {
		c.pool.Stop()
	}
	c.tasks.Close()

	c.sources.Stop()

	c.logger.Info().Msg("coordinator stopped")
	return nil
}

func (c *Coordinator) forwardEvents(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case event, ok := <-c.sources.Changes():
			if !ok {
				return
			}
			c.handleEvent(ctx, event)
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) handleEvent(ctx context.Context, event changeevent.ChangeEvent) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.EventsSubmitDuration)

	c.waitForBackpressure(ctx)

	sourceID, _ := event.MetaString("source_id")

	kwargs := map[string]any{
		"event": map[string]any{
			"id":        event.ID,
			"source_id": sourceID,
			"operation": string(event.Operation),
			"database":  event.Database,
			"schema":    event.Schema,
			"table":     event.Table,
			"timestamp": event.Timestamp,
			"position":  event.Position,
			"before":    event.Before,
			"after":     event.After,
			"metadata":  event.Metadata,
		},
		"tag": map[string]string{
			"source":    sourceID,
			"table":     event.Table,
			"operation": string(event.Operation),
		},
	}

	if _, err := c.tasks.SubmitTask(ctx, TaskDataTransform, task.SubmitOptions{Kwargs: kwargs}); err != nil {
		c.logger.Error().Err(err).Str("source_id", sourceID).Str("table", event.Table).Msg("failed to submit data_transform task")
		return
	}

	metrics.EventsProcessedTotal.WithLabelValues(sourceID).Inc()

	c.mu.Lock()
	c.eventsProcessed++
	c.lastEventAt = event.Timestamp
	c.mu.Unlock()
}

// healthLoop is a ticker loop that times each cycle, logs-but-continues on
// a bad cycle, and never stops the coordinator itself — only StopCh/ctx
// cancellation does that.
func (c *Coordinator) healthLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.healthCheck()
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) healthCheck() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.HealthCheckDuration)
		metrics.HealthCheckCyclesTotal.Inc()
	}()

	for id, s := range c.sources.Stats() {
		running := s.State == sourcemanager.StateRunning
		if !running {
			c.logger.Warn().Str("source_id", id).Str("state", string(s.State)).Msg("source not running")
		}
		msg := ""
		if s.LastError != nil {
			msg = s.LastError.Error()
		}
		metrics.UpdateComponent("source:"+id, running, msg)
	}

	stats := c.tasks.GetTaskStats()
	total := stats.Pending + stats.Started + stats.Success + stats.Failure + stats.Revoked
	var ratio float64
	if total > 0 {
		ratio = float64(stats.Failure) / float64(total)
	}
	healthy := ratio <= c.cfg.TaskFailureRatioWarning
	if !healthy {
		c.logger.Warn().Float64("failure_ratio", ratio).Float64("threshold", c.cfg.TaskFailureRatioWarning).Msg("task failure ratio exceeds threshold")
	}
	metrics.UpdateComponent("task_manager", healthy, fmt.Sprintf("failure_ratio=%.3f", ratio))
}

// waitForBackpressure is the backpressure gate: a size check against
// cfg.BackpressureQueue before every submitted task, sleeping
// with exponential backoff (capped at cfg.BackpressureMaxSleep) while the
// queue's primary structure stays above cfg.HighWaterMark. No-op when no
// BackpressureQueue is configured.
func (c *Coordinator) waitForBackpressure(ctx context.Context) {
	if c.cfg.BackpressureQueue == nil {
		return
	}

	sleep := 100 * time.Millisecond
	for {
		stats, err := c.cfg.BackpressureQueue.Stats(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("backpressure stats check failed, proceeding without gate")
			return
		}
		if stats.PrimarySize <= c.cfg.HighWaterMark {
			return
		}

		c.logger.Warn().Int64("primary_size", stats.PrimarySize).Int64("high_water_mark", c.cfg.HighWaterMark).Dur("sleep", sleep).Msg("queue above high water mark, throttling intake")

		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		}

		sleep *= 2
		if sleep > c.cfg.BackpressureMaxSleep {
			sleep = c.cfg.BackpressureMaxSleep
		}
	}
}

// StatsSnapshot returns the Coordinator's current view for /status.
func (c *Coordinator) StatsSnapshot() Stats {
	c.mu.RLock()
	processed := c.eventsProcessed
	lastEvent := c.lastEventAt
	c.mu.RUnlock()

	return Stats{
		Mode:            c.cfg.Mode,
		EventsProcessed: processed,
		LastEventAt:     lastEvent,
		Sources:         c.sources.Stats(),
		SourceAggregate: c.sources.Aggregate(),
		Tasks:           c.tasks.GetTaskStats(),
	}
}
