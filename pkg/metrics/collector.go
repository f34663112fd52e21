package metrics

import (
	"time"

	"github.com/cuemby/cdcflow/pkg/sourcemanager"
	"github.com/cuemby/cdcflow/pkg/task"
)

// Collector periodically samples pkg/sourcemanager and pkg/task state into
// the package's Prometheus gauges and the shared HealthChecker, so /metrics
// and /healthz stay current without either package importing pkg/metrics
// itself.
type Collector struct {
	sources  *sourcemanager.Manager
	tasks    *task.Manager
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector builds a Collector sampling sources and tasks every
// interval. A zero interval defaults to 15s.
func NewCollector(sources *sourcemanager.Manager, tasks *task.Manager, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		sources:  sources,
		tasks:    tasks,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting on its own ticker goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts collection.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectSourceMetrics()
	c.collectTaskMetrics()
}

func (c *Collector) collectSourceMetrics() {
	if c.sources == nil {
		return
	}

	stateCounts := make(map[sourcemanager.ConnectionState]int)
	for id, s := range c.sources.Stats() {
		stateCounts[s.State]++
		EventsProcessedTotal.WithLabelValues(id).Add(0) // ensure the series exists even at zero
		healthy := s.State == sourcemanager.StateRunning || s.State == sourcemanager.StateConnecting
		msg := ""
		if s.LastError != nil {
			msg = s.LastError.Error()
		}
		UpdateComponent("source:"+id, healthy, msg)
	}
	for state, count := range stateCounts {
		SourcesTotal.WithLabelValues(string(state)).Set(float64(count))
	}
}

func (c *Collector) collectTaskMetrics() {
	if c.tasks == nil {
		return
	}

	stats := c.tasks.GetTaskStats()
	TasksTotal.WithLabelValues("pending").Set(float64(stats.Pending))
	TasksTotal.WithLabelValues("started").Set(float64(stats.Started))
	TasksTotal.WithLabelValues("success").Set(float64(stats.Success))
	TasksTotal.WithLabelValues("failure").Set(float64(stats.Failure))
	TasksTotal.WithLabelValues("revoked").Set(float64(stats.Revoked))

	total := stats.Pending + stats.Started + stats.Success + stats.Failure + stats.Revoked
	if total > 0 {
		TaskFailureRatio.Set(float64(stats.Failure) / float64(total))
	}
}
