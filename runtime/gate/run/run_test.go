package run

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateTransitions(t *testing.T) {
	cases := []struct {
		from State
		to   State
		ok   bool
	}{
		{StateRunning, StateAwaitingApproval, true},
		{StateRunning, StateDone, true},
		{StateRunning, StateResuming, false},
		{StateAwaitingApproval, StateResuming, true},
		{StateAwaitingApproval, StateRunning, false},
		{StateAwaitingApproval, StateDone, false},
		{StateResuming, StateRunning, true},
		{StateResuming, StateDone, true},
		{StateResuming, StateAwaitingApproval, false},
		{StateDone, StateRunning, false},
		{StateErrored, StateRunning, false},
		{StateCancelled, StateResuming, false},
	}
	for _, tc := range cases {
		got, err := tc.from.Transition(tc.to)
		if tc.ok {
			require.NoError(t, err, "%s -> %s", tc.from, tc.to)
			require.Equal(t, tc.to, got)
		} else {
			require.Error(t, err, "%s -> %s", tc.from, tc.to)
			require.Equal(t, tc.from, got)
		}
	}
}

func TestErroredAndCancelledReachableFromAnyLiveState(t *testing.T) {
	for _, from := range []State{StateRunning, StateAwaitingApproval, StateResuming} {
		for _, to := range []State{StateErrored, StateCancelled} {
			require.True(t, from.CanTransition(to), "%s -> %s", from, to)
		}
	}
}

func TestTerminalStatesAdmitNothing(t *testing.T) {
	all := []State{StateRunning, StateAwaitingApproval, StateResuming, StateDone, StateErrored, StateCancelled}
	for _, from := range []State{StateDone, StateErrored, StateCancelled} {
		require.True(t, from.Terminal())
		for _, to := range all {
			require.False(t, from.CanTransition(to), "%s -> %s", from, to)
		}
	}
}
