package fsm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachineStartsIdle(t *testing.T) {
	m := New()
	assert.Equal(t, StateIdle, m.Current())
}

func TestMachineHappyPath(t *testing.T) {
	m := New()

	require.NoError(t, m.Transition(EventQueueHasWork))
	assert.Equal(t, StateClaiming, m.Current())

	require.NoError(t, m.Transition(EventClaimSuccess))
	assert.Equal(t, StateWorking, m.Current())

	require.NoError(t, m.Transition(EventExecutionComplete))
	assert.Equal(t, StateReviewing, m.Current())

	require.NoError(t, m.Transition(EventReviewApproved))
	assert.Equal(t, StateIdle, m.Current())
}

func TestMachineRejectedBackToWorking(t *testing.T) {
	m := New()
	require.NoError(t, m.Transition(EventQueueHasWork))
	require.NoError(t, m.Transition(EventClaimSuccess))
	require.NoError(t, m.Transition(EventExecutionComplete))
	require.NoError(t, m.Transition(EventReviewRejected))
	assert.Equal(t, StateWorking, m.Current())
}

func TestMachineInvalidTransitionLeavesStateUnchanged(t *testing.T) {
	m := New()

	err := m.Transition(EventClaimSuccess)
	require.Error(t, err)

	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, StateIdle, invalid.From)
	assert.Equal(t, EventClaimSuccess, invalid.Event)
	assert.Equal(t, StateIdle, m.Current())
}

func TestMachineStoppedIsTerminal(t *testing.T) {
	m := New()
	require.NoError(t, m.Transition(EventStop))
	require.Equal(t, StateStopped, m.Current())

	for _, event := range []Event{
		EventQueueHasWork, EventPause, EventResume, EventStop, EventErrorAcknowledged,
	} {
		assert.Error(t, m.Transition(event), "event %s must fail from stopped", event)
		assert.Equal(t, StateStopped, m.Current())
	}
}

func TestMachineErrorCooldownPath(t *testing.T) {
	m := New()
	require.NoError(t, m.Transition(EventQueueHasWork))
	require.NoError(t, m.Transition(EventClaimSuccess))
	require.NoError(t, m.Transition(EventExecutionError))
	assert.Equal(t, StateError, m.Current())

	// Only acknowledgement leaves the error state.
	assert.Error(t, m.Transition(EventStop))

	require.NoError(t, m.Transition(EventErrorAcknowledged))
	assert.Equal(t, StateCooldown, m.Current())

	require.NoError(t, m.Transition(EventCooldownComplete))
	assert.Equal(t, StateIdle, m.Current())
}

func TestMachineCanTransitionDoesNotMutate(t *testing.T) {
	m := New()
	assert.True(t, m.CanTransition(EventQueueHasWork))
	assert.False(t, m.CanTransition(EventClaimSuccess))
	assert.Equal(t, StateIdle, m.Current())
}

func TestMachineObserversFireInOrderAfterChange(t *testing.T) {
	m := New()

	var calls []string
	m.Subscribe(func(from State, event Event, to State) {
		// The state must already be advanced when observers fire.
		assert.Equal(t, to, m.Current())
		calls = append(calls, "first:"+string(to))
	})
	m.Subscribe(func(from State, event Event, to State) {
		calls = append(calls, "second:"+string(to))
	})

	require.NoError(t, m.Transition(EventQueueHasWork))
	assert.Equal(t, []string{"first:claiming", "second:claiming"}, calls)
}

func TestMachineObserversNotFiredOnFailureOrReset(t *testing.T) {
	m := New()
	fired := 0
	m.Subscribe(func(State, Event, State) { fired++ })

	require.Error(t, m.Transition(EventClaimSuccess))
	assert.Zero(t, fired)

	require.NoError(t, m.Transition(EventQueueHasWork))
	assert.Equal(t, 1, fired)

	m.Reset()
	assert.Equal(t, 1, fired)
	assert.Equal(t, StateIdle, m.Current())
}

func TestTransitionTableIsComplete(t *testing.T) {
	// Every state in the table; ideation path edges present.
	m := New()
	require.NoError(t, m.Transition(EventQueueEmptyIdeate))
	require.Equal(t, StateIdeating, m.Current())
	require.NoError(t, m.Transition(EventIdeaGenerated))
	require.Equal(t, StateCreatingProject, m.Current())
	require.NoError(t, m.Transition(EventProjectCreated))
	require.Equal(t, StateIdle, m.Current())

	require.NoError(t, m.Transition(EventPause))
	require.Equal(t, StatePaused, m.Current())
	require.NoError(t, m.Transition(EventResume))
	require.Equal(t, StateIdle, m.Current())
}
