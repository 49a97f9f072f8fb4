// ABOUTME: Pure state-holder for transport health, mutated by transports on every attempt.
// ABOUTME: Read by the delivery coordinator for transport selection.

package health

import (
	"sync"
	"time"
)

// Status describes a transport's connection state.
type Status string

const (
	StatusConnected  Status = "connected"
	StatusConnecting Status = "connecting"
	StatusBackingOff Status = "backing_off"
	StatusFailed     Status = "failed"
)

// TransportState is one transport's health record. Mutated only by the
// owning transport (through the Tracker); read by the coordinator.
type TransportState struct {
	Status              Status
	LastSuccessAt       time.Time
	ConsecutiveFailures int
	NextRetryAt         time.Time
}

// DefaultFailureThreshold is the consecutive-failure count at which a
// transport stops being considered healthy for selection.
const DefaultFailureThreshold = 3

// Tracker holds health records for all registered transports.
type Tracker struct {
	mu        sync.RWMutex
	states    map[string]*TransportState
	threshold int
	now       func() time.Time
}

// NewTracker creates a Tracker with the given failure threshold.
// A threshold <= 0 uses DefaultFailureThreshold.
func NewTracker(threshold int) *Tracker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	return &Tracker{
		states:    make(map[string]*TransportState),
		threshold: threshold,
		now:       time.Now,
	}
}

// RecordSuccess resets the failure count for a transport and marks it
// connected.
func (t *Tracker) RecordSuccess(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.state(id)
	s.Status = StatusConnected
	s.LastSuccessAt = t.now()
	s.ConsecutiveFailures = 0
	s.NextRetryAt = time.Time{}
}

// RecordFailure increments the failure count for a transport. The status
// is left for the owning transport to set (a send failure on a live
// connection is not the same as a connection loss).
func (t *Tracker) RecordFailure(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.state(id)
	s.ConsecutiveFailures++
	if s.ConsecutiveFailures >= t.threshold {
		s.Status = StatusFailed
	}
}

// SetStatus records a state-machine transition (connecting, backing_off)
// reported by the owning transport, along with the next retry time when
// backing off.
func (t *Tracker) SetStatus(id string, status Status, nextRetryAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.state(id)
	s.Status = status
	s.NextRetryAt = nextRetryAt
}

// IsHealthy reports whether a transport is usable for delivery: either
// currently connected, or with a failure count still under the threshold.
func (t *Tracker) IsHealthy(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.states[id]
	if !ok {
		// Unknown transports are given the benefit of the doubt so the
		// first delivery attempt can establish real state.
		return true
	}
	return s.Status == StatusConnected || s.ConsecutiveFailures < t.threshold
}

// State returns a snapshot of a transport's health record.
func (t *Tracker) State(id string) TransportState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if s, ok := t.states[id]; ok {
		return *s
	}
	return TransportState{}
}

// state returns the record for id, creating it if needed. Callers hold mu.
func (t *Tracker) state(id string) *TransportState {
	s, ok := t.states[id]
	if !ok {
		s = &TransportState{}
		t.states[id] = s
	}
	return s
}
