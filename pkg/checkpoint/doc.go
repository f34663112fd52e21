// Package checkpoint persists per-source cursors so capture can resume after
// a restart without replaying the whole upstream history.
//
// A SourcePosition is only updated once a worker has confirmed durable
// handling of the event that produced it — not merely on dequeue — so a
// crash between dequeue and handler completion causes redelivery rather
// than data loss, the at-least-once guarantee capture depends on.
//
// Storage is a bbolt-backed Store implementation with one bucket, keyed by
// source ID, holding JSON-encoded SourcePosition values.
package checkpoint
