// Package sourcemanager fans in a configured set of pkg/source.Source
// instances into one ChangeEvent stream. It owns no decoding logic of its
// own: it starts/stops sources, merges their Changes() channels, and keeps
// per-source and aggregate statistics.
//
// Fan-in uses a single internal goroutine per upstream feeding a shared
// buffered channel, but merges rather than broadcasts: each event is
// forwarded to exactly one reader instead of every subscriber.
package sourcemanager
