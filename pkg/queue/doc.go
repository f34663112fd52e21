// Package queue implements the durable, multi-mode message queue used to
// fan change events out to worker handlers: FIFO, LIFO, and priority
// delivery orders, all layered over Redis with a shared delayed-set
// overlay, a processing set for in-flight leases, and a dead-letter queue
// for messages that exhaust their retries. ModeStream is declared, but
// NewRedisQueue rejects it: there is no stream delivery order.
//
// Every mutating operation that touches more than one Redis structure runs
// as a Lua script so it executes atomically on the server: the
// migrate-then-pop performed by Dequeue, the push performed by Enqueue, and
// the retry-or-DLQ decision performed by Nack all need this, since a
// partial update between two round trips would let a message land in two
// structures at once or vanish from all of them.
package queue
