// Package source defines the contract both CDC source implementations
// (connectsource, logicalsource) satisfy so pkg/sourcemanager can fan them
// in without caring which one it's holding.
package source

import (
	"context"

	"github.com/cuemby/cdcflow/pkg/changeevent"
)

// Source owns one upstream change stream end to end: connecting,
// starting/stopping capture, and exposing the normalized event stream.
type Source interface {
	// ID identifies this source instance, used for checkpointing, logging,
	// and stats attribution.
	ID() string

	// Connect verifies reachability of whatever control/data plane the
	// source depends on. It does not yet start consuming.
	Connect(ctx context.Context) error

	// StartCapture begins producing events onto the Changes() channel. It
	// blocks only long enough to confirm capture has started (e.g. an
	// upstream connector reaching RUNNING); delivery itself runs in the
	// background until StopCapture or ctx is cancelled.
	StartCapture(ctx context.Context) error

	// StopCapture halts the consumer loop. It does not tear down upstream
	// resources (connectors, subscriptions) — only this process's capture
	// of them.
	StopCapture() error

	// Changes returns the channel events are delivered on. It is closed
	// when StopCapture completes.
	Changes() <-chan changeevent.ChangeEvent

	// Close releases local resources (connections, clients).
	Close() error
}

// Stats is a set of per-source record counters. pkg/sourcemanager keeps
// its own per-source statistics and does not read this type.
type Stats struct {
	Received  int64
	Filtered  int64
	Malformed int64
}
