package transfer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_CanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StatePending, StateInProgress, true},
		{StatePending, StatePaused, true},
		{StatePending, StateCancelled, true},
		{StatePending, StateComplete, false},
		{StatePending, StateFailed, false},
		{StateInProgress, StateComplete, true},
		{StateInProgress, StateFailed, true},
		{StateInProgress, StatePaused, true},
		{StateInProgress, StateCancelled, true},
		{StateInProgress, StatePending, true},
		{StatePaused, StatePending, true},
		{StatePaused, StateInProgress, true},
		{StatePaused, StateCancelled, true},
		{StatePaused, StateComplete, false},
		{StateComplete, StatePending, false},
		{StateFailed, StatePending, false},
		{StateFailed, StateInProgress, false},
		{StateCancelled, StateInProgress, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestState_Terminal(t *testing.T) {
	assert.True(t, StateComplete.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.True(t, StateCancelled.Terminal())
	assert.False(t, StatePending.Terminal())
	assert.False(t, StateInProgress.Terminal())
	assert.False(t, StatePaused.Terminal())
}

func TestTransfer_PauseRecordsCause(t *testing.T) {
	tr := NewSingleTransfer(DirectionUpload, "/tmp/a", "bucket/a", 10)

	require.NoError(t, tr.Transition(StateInProgress))
	require.NoError(t, tr.Pause(PauseConnectivityLoss))
	assert.Equal(t, StatePaused, tr.State())
	assert.Equal(t, PauseConnectivityLoss, tr.PauseCause())

	require.NoError(t, tr.Transition(StatePending))
	assert.Equal(t, PauseNone, tr.PauseCause(), "leaving paused clears the cause")

	require.NoError(t, tr.Transition(StatePaused))
	assert.Equal(t, PauseUserRequested, tr.PauseCause(), "plain pause is user requested")
}

func TestTransfer_UserPauseTakesOverConnectivityPause(t *testing.T) {
	tr := NewSingleTransfer(DirectionUpload, "/tmp/a", "bucket/a", 10)

	require.NoError(t, tr.Transition(StateInProgress))
	require.NoError(t, tr.Pause(PauseConnectivityLoss))

	require.NoError(t, tr.Pause(PauseConnectivityLoss))
	assert.Equal(t, PauseConnectivityLoss, tr.PauseCause())

	require.NoError(t, tr.Pause(PauseUserRequested))
	assert.Equal(t, StatePaused, tr.State())
	assert.Equal(t, PauseUserRequested, tr.PauseCause())

	require.NoError(t, tr.Pause(PauseConnectivityLoss))
	assert.Equal(t, PauseUserRequested, tr.PauseCause(), "connectivity never downgrades a user pause")
}

func TestTransfer_FailRecordsError(t *testing.T) {
	tr := NewSingleTransfer(DirectionDownload, "bucket/a", "/tmp/a", 10)
	cause := errors.New("denied")

	require.ErrorIs(t, tr.Fail(cause), ErrIllegalTransition, "pending cannot fail")
	require.NoError(t, tr.Transition(StateInProgress))
	require.NoError(t, tr.Fail(cause))

	assert.Equal(t, StateFailed, tr.State())
	assert.Same(t, cause, tr.Err())
	assert.ErrorIs(t, tr.Transition(StateFailed), ErrIllegalTransition, "failed only through Fail")
	assert.ErrorIs(t, tr.Transition(StatePending), ErrIllegalTransition, "failed is terminal")
}

func TestTransfer_TerminalStatesRejectEverything(t *testing.T) {
	for _, terminal := range []State{StateComplete, StateCancelled} {
		tr := NewSingleTransfer(DirectionCopy, "a", "b", 1)
		require.NoError(t, tr.Transition(StateInProgress))
		require.NoError(t, tr.Transition(terminal))

		for _, next := range []State{StatePending, StateInProgress, StatePaused, StateComplete, StateCancelled} {
			assert.ErrorIs(t, tr.Transition(next), ErrIllegalTransition, "%s -> %s", terminal, next)
		}
	}
}
