// Package logicalsource implements the logical-replication style CDC
// source: a direct pgoutput consumer against PostgreSQL's native logical
// replication, modeled on pglogical's publisher/subscriber/bidirectional
// roles without requiring the pglogical extension itself — native
// PUBLICATION/SUBSCRIPTION plus a pgx/pglogrepl replication client cover
// the same responsibilities with a smaller footprint.
//
// Both roles end up doing the same thing at the wire level: open a
// replication connection to whichever database holds the publication of
// interest, stream pgoutput messages, and decode them into ChangeEvents. A
// PUBLISHER reads its own local publication; a SUBSCRIBER reads the
// provider's. BIDIRECTIONAL creates and reads the local publication as a
// PUBLISHER does, runs the subscriber-side status and lag loops, and
// additionally polls for conflicts (see conflict.go); it opens no
// replication stream to the provider.
package logicalsource
