package engine

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/dgate/pkg/models"
)

func ringState(id string, startedAt time.Time) *models.HandlerState {
	return &models.HandlerState{
		HandlerID: id,
		RequestID: "req-" + id,
		State:     models.HandlerQueued,
		StartedAt: startedAt,
	}
}

func TestRingCapacityEviction(t *testing.T) {
	r := NewRing(3, time.Hour)
	for i := 0; i < 5; i++ {
		r.Add(ringState(fmt.Sprintf("h%d", i), time.Now()))
	}

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	// Newest first.
	assert.Equal(t, "h4", snap[0].HandlerID)
	assert.Equal(t, "h2", snap[2].HandlerID)
}

func TestRingAgeEviction(t *testing.T) {
	r := NewRing(10, 50*time.Millisecond)
	r.Add(ringState("old", time.Now().Add(-time.Second)))
	r.Add(ringState("fresh", time.Now()))

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "fresh", snap[0].HandlerID)
}

func TestRingTransition(t *testing.T) {
	r := NewRing(10, time.Hour)
	r.Add(ringState("h1", time.Now()))

	r.Transition("h1", models.HandlerRunning)
	got := r.Get("h1")
	require.NotNil(t, got)
	assert.Equal(t, models.HandlerRunning, got.State)
	assert.True(t, got.EndedAt.IsZero())

	r.Transition("h1", models.HandlerDone)
	got = r.Get("h1")
	assert.Equal(t, models.HandlerDone, got.State)
	assert.False(t, got.EndedAt.IsZero())

	// Unknown ids are ignored.
	r.Transition("nope", models.HandlerDone)
	assert.Nil(t, r.Get("nope"))
}

func TestRingTransitionKeepsFirstTerminalState(t *testing.T) {
	r := NewRing(10, time.Hour)
	r.Add(ringState("h1", time.Now()))

	// A TTL expiry marks the invocation TIMED_OUT; the actor's own stop
	// arriving afterwards must not rewrite the outcome.
	r.Transition("h1", models.HandlerTimedOut)
	got := r.Get("h1")
	require.NotNil(t, got)
	ended := got.EndedAt

	r.Transition("h1", models.HandlerCancelled)
	got = r.Get("h1")
	assert.Equal(t, models.HandlerTimedOut, got.State)
	assert.Equal(t, ended, got.EndedAt)
}

func TestRingSnapshotReturnsCopies(t *testing.T) {
	r := NewRing(10, time.Hour)
	r.Add(ringState("h1", time.Now()))

	snap := r.Snapshot()
	snap[0].State = models.HandlerError

	assert.Equal(t, models.HandlerQueued, r.Get("h1").State)
}
