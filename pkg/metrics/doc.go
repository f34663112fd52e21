// Package metrics defines cdcflow's Prometheus metrics and a small shared
// health registry: package-level Gauge/Counter/HistogramVec variables
// registered once in init(), a Timer helper for observing durations, and
// Handler() wrapping promhttp.
//
// Collector samples pkg/sourcemanager.Manager and pkg/task.Manager on an
// interval and updates both the Prometheus series and the HealthChecker
// that HealthHandler serves. pkg/sync.Coordinator owns the health-loop
// threshold logic itself (failure ratio, source state) and calls
// UpdateComponent for every source and for the task manager on each
// health-check cycle.
package metrics
