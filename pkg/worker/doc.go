// Package worker implements the CDC engine's worker pool: a configurable
// number of goroutines, each independently dequeuing from a
// pkg/queue.Queue, decoding the payload into a task, invoking the handler
// registered with pkg/task.Manager for that task's type, and acking or
// nacking based on the outcome.
//
// Workers share no mutable state with each other — each is a standalone
// dequeue-decode-invoke-ack loop, N independent pollers draining one
// queue.
package worker
