// Package sync wires pkg/sourcemanager, pkg/task, and pkg/worker into one
// running pipeline and exposes its status over HTTP.
//
// Coordinator's health loop is a ticker-driven healthLoop that calls a
// per-cycle check function (healthCheck), which times itself with
// pkg/metrics.Timer; the loop
// logs-but-continues on a bad cycle rather than stopping. The check
// computes each source's running state and the task manager's failure
// ratio.
//
// The HTTP surface (/status, /healthz, /metrics) uses go-chi/chi/v5.
package sync
