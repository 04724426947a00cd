package models

import "time"

// ReleaseState tracks a version through the release workflow.
type ReleaseState string

const (
	ReleaseUntagged    ReleaseState = "untagged"
	ReleaseTaggedClean ReleaseState = "tagged-clean"
	ReleaseTaggedDirty ReleaseState = "tagged-dirty"
	ReleaseBuilt       ReleaseState = "built"
	ReleaseVerified    ReleaseState = "verified"
	ReleaseUploaded    ReleaseState = "uploaded"
)

// releaseRequires lists, for each target state, the states it may be
// entered from.
var releaseRequires = map[ReleaseState][]ReleaseState{
	ReleaseTaggedClean: {ReleaseUntagged, ReleaseTaggedDirty, ReleaseTaggedClean, ReleaseBuilt, ReleaseVerified},
	ReleaseTaggedDirty: {ReleaseUntagged, ReleaseTaggedClean, ReleaseTaggedDirty},
	ReleaseBuilt:       {ReleaseTaggedClean},
	ReleaseVerified:    {ReleaseBuilt},
	ReleaseUploaded:    {ReleaseVerified},
}

// CanTransition reports whether a release may move from one state to another.
func CanTransition(from, to ReleaseState) bool {
	for _, s := range releaseRequires[to] {
		if s == from {
			return true
		}
	}
	return false
}

// RequiredFor returns the states a transition into to is allowed from.
func RequiredFor(to ReleaseState) []ReleaseState {
	return releaseRequires[to]
}

// ReleaseEvent is one recorded state transition.
type ReleaseEvent struct {
	ID      string       `json:"id"`
	Version string       `json:"version"`
	From    ReleaseState `json:"from"`
	To      ReleaseState `json:"to"`
	At      time.Time    `json:"at"`
}
