package conflict

import (
	"errors"
	"time"
)

// Type classifies the kind of replication conflict observed.
type Type string

const (
	TypeInsertExists  Type = "insert_exists"
	TypeUpdateMissing Type = "update_missing"
	TypeDeleteMissing Type = "delete_missing"
	TypeUpdateUpdate  Type = "update_update"
)

// Policy selects how a conflict is resolved.
type Policy string

const (
	PolicyApplyRemote     Policy = "APPLY_REMOTE"
	PolicyKeepLocal       Policy = "KEEP_LOCAL"
	PolicyLastUpdateWins  Policy = "LAST_UPDATE_WINS"
	PolicyFirstUpdateWins Policy = "FIRST_UPDATE_WINS"
	PolicyManual          Policy = "MANUAL"
)

// Record is a detected conflict, pending or resolved.
type Record struct {
	ID          string
	Table       string
	Type        Type
	LocalTuple  map[string]any
	RemoteTuple map[string]any
	LocalTime   time.Time
	RemoteTime  time.Time
	Resolution  *Resolution
	ResolvedAt  *time.Time
	CreatedAt   time.Time
}

// Resolution records which side's tuple won and why.
type Resolution struct {
	Policy     Policy
	KeepRemote bool // true if the remote tuple is the one to apply
	AppliedAt  time.Time
}

// ErrManualResolutionRequired is returned by Resolve when rec's policy is
// MANUAL: the caller must call ResolveConflict explicitly instead.
var ErrManualResolutionRequired = errors.New("conflict: manual resolution required")

// Resolver applies a fixed Policy to every conflict it's asked to resolve.
type Resolver struct {
	policy Policy
}

// NewResolver builds a Resolver for policy.
func NewResolver(policy Policy) *Resolver {
	return &Resolver{policy: policy}
}

// Resolve decides the outcome for rec's conflict. For MANUAL policy it
// returns ErrManualResolutionRequired and leaves rec unresolved; the caller
// is expected to call ResolveConflict once an operator decides.
func (r *Resolver) Resolve(rec *Record) (Resolution, error) {
	switch r.policy {
	case PolicyApplyRemote:
		return Resolution{Policy: r.policy, KeepRemote: true, AppliedAt: time.Now().UTC()}, nil

	case PolicyKeepLocal:
		return Resolution{Policy: r.policy, KeepRemote: false, AppliedAt: time.Now().UTC()}, nil

	case PolicyLastUpdateWins:
		return Resolution{Policy: r.policy, KeepRemote: rec.RemoteTime.After(rec.LocalTime), AppliedAt: time.Now().UTC()}, nil

	case PolicyFirstUpdateWins:
		return Resolution{Policy: r.policy, KeepRemote: rec.RemoteTime.Before(rec.LocalTime), AppliedAt: time.Now().UTC()}, nil

	case PolicyManual:
		return Resolution{}, ErrManualResolutionRequired

	default:
		return Resolution{}, errors.New("conflict: unknown policy " + string(r.policy))
	}
}

// ResolveConflict explicitly resolves rec as keepRemote, for MANUAL-policy
// conflicts an operator has decided on out of band.
func (r *Resolver) ResolveConflict(rec *Record, keepRemote bool) Resolution {
	return Resolution{Policy: PolicyManual, KeepRemote: keepRemote, AppliedAt: time.Now().UTC()}
}
