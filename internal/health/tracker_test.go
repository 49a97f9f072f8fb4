// ABOUTME: Tests for the transport health tracker.
// ABOUTME: Validates threshold behavior, success resets, and status transitions.

package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTracker_UnknownTransportIsHealthy(t *testing.T) {
	tr := NewTracker(3)
	assert.True(t, tr.IsHealthy("stream"))
}

func TestTracker_FailuresBelowThresholdStayHealthy(t *testing.T) {
	tr := NewTracker(3)

	tr.RecordFailure("stream")
	tr.RecordFailure("stream")
	assert.True(t, tr.IsHealthy("stream"))

	tr.RecordFailure("stream")
	assert.False(t, tr.IsHealthy("stream"))
	assert.Equal(t, StatusFailed, tr.State("stream").Status)
}

func TestTracker_SuccessResetsFailures(t *testing.T) {
	tr := NewTracker(3)

	for i := 0; i < 5; i++ {
		tr.RecordFailure("stream")
	}
	assert.False(t, tr.IsHealthy("stream"))

	tr.RecordSuccess("stream")

	s := tr.State("stream")
	assert.Equal(t, 0, s.ConsecutiveFailures)
	assert.Equal(t, StatusConnected, s.Status)
	assert.False(t, s.LastSuccessAt.IsZero())
	assert.True(t, tr.IsHealthy("stream"))
}

func TestTracker_ConnectedOverridesFailureCount(t *testing.T) {
	tr := NewTracker(2)

	tr.RecordFailure("pubsub")
	tr.RecordFailure("pubsub")
	tr.RecordSuccess("pubsub")

	// A fresh failure on a connected transport leaves it healthy until
	// the threshold is reached again.
	tr.RecordFailure("pubsub")
	assert.True(t, tr.IsHealthy("pubsub"))
}

func TestTracker_SetStatus(t *testing.T) {
	tr := NewTracker(3)
	retry := time.Now().Add(4 * time.Second)

	tr.SetStatus("stream", StatusBackingOff, retry)

	s := tr.State("stream")
	assert.Equal(t, StatusBackingOff, s.Status)
	assert.Equal(t, retry, s.NextRetryAt)
}

func TestTracker_TransportsAreIndependent(t *testing.T) {
	tr := NewTracker(1)

	tr.RecordFailure("stream")
	assert.False(t, tr.IsHealthy("stream"))
	assert.True(t, tr.IsHealthy("pubsub"))
}
