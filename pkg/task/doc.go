// Package task implements the async task manager: submit work derived
// from ChangeEvents to a pluggable Backend, track lifecycle from PENDING
// through STARTED to a terminal state, and report progress.
//
// Three backends ship: a queue-backed one built on pkg/queue, a broker-
// backed one that publishes to a Kafka topic through its own franz-go
// client (nothing in this repository consumes that topic), and a local
// in-process one built on a single consumer goroutine.
package task
