// Package ratelimit implements the admission gate shared by every request an
// importer run makes. The gate bounds the number of in-flight calls and
// enforces a minimum spacing between dispatches so the remote service sees a
// steady, predictable request rate regardless of how many workers are active.
package ratelimit

import "time"

// Defaults for a gate built from a zero Config.
const (
	DefaultMaxInFlight = 5
	DefaultMinInterval = 100 * time.Millisecond

	// DefaultRedispatchDelay is how long the gate waits before its single
	// retry of a dispatch that failed at the network level.
	DefaultRedispatchDelay = 25 * time.Millisecond
)

// GateState is a point-in-time snapshot of gate activity.
type GateState struct {
	// MaxInFlight is the configured concurrency ceiling.
	MaxInFlight int `json:"max_in_flight"`

	// InFlight is the number of calls currently holding a slot.
	InFlight int64 `json:"in_flight"`

	// Dispatched counts every call handed to the transport, redispatches included.
	Dispatched int64 `json:"dispatched"`

	// Redispatched counts the one-shot retries after a network-level failure.
	Redispatched int64 `json:"redispatched"`

	// Failed counts calls whose redispatch failed as well.
	Failed int64 `json:"failed"`

	// TakenAt is when the snapshot was taken.
	TakenAt time.Time `json:"taken_at"`
}

// Saturated returns true when every slot is taken.
func (s GateState) Saturated() bool {
	return s.MaxInFlight > 0 && s.InFlight >= int64(s.MaxInFlight)
}

// Utilization returns the fraction of slots in use, between 0 and 1.
func (s GateState) Utilization() float64 {
	if s.MaxInFlight <= 0 {
		return 0
	}
	u := float64(s.InFlight) / float64(s.MaxInFlight)
	if u > 1 {
		return 1
	}
	return u
}
