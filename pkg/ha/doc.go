// Package ha provides raft-based leader election so that when multiple
// cdcflow coordinator instances are deployed for availability, only one
// of them actually drives capture against a given source at a time.
//
// It wires hashicorp/raft + raft-boltdb (TCP transport, file snapshot
// store, boltdb log and stable stores) with the FSM reduced to tracking
// leadership state only — there is no replicated key-value store in this
// domain, only the question of which process is allowed to call
// StartCapture.
package ha
