package fsm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransitionHappyPath(t *testing.T) {
	p := PhaseIdle

	next, err := Transition(p, EventStart)
	require.NoError(t, err)
	require.Equal(t, PhaseConnecting, next)

	next, err = Transition(next, EventAccepted)
	require.NoError(t, err)
	require.Equal(t, PhaseActive, next)

	next, err = Transition(next, EventStop)
	require.NoError(t, err)
	require.Equal(t, PhaseEnding, next)

	next, err = Transition(next, EventConfirmed)
	require.NoError(t, err)
	require.Equal(t, PhaseEnded, next)
}

func TestTransitionVendorEndPassesThroughEnding(t *testing.T) {
	next, err := Transition(PhaseActive, EventVendorEnd)
	require.NoError(t, err)
	require.Equal(t, PhaseEnding, next)

	_, err = Transition(PhaseActive, EventConfirmed)
	require.Error(t, err, "active must not jump straight to ended")
}

func TestTransitionMatrix(t *testing.T) {
	tests := []struct {
		name    string
		phase   Phase
		event   Event
		want    Phase
		wantErr bool
	}{
		{name: "idle stop invalid", phase: PhaseIdle, event: EventStop, want: PhaseIdle, wantErr: true},
		{name: "idle accepted invalid", phase: PhaseIdle, event: EventAccepted, want: PhaseIdle, wantErr: true},
		{name: "connecting start invalid", phase: PhaseConnecting, event: EventStart, want: PhaseConnecting, wantErr: true},
		{name: "connecting fail", phase: PhaseConnecting, event: EventFail, want: PhaseFailed},
		{name: "connecting timeout", phase: PhaseConnecting, event: EventTimeout, want: PhaseFailed},
		{name: "connecting stop", phase: PhaseConnecting, event: EventStop, want: PhaseEnding},
		{name: "connecting vendor end invalid", phase: PhaseConnecting, event: EventVendorEnd, want: PhaseConnecting, wantErr: true},
		{name: "active fail invalid", phase: PhaseActive, event: EventFail, want: PhaseActive, wantErr: true},
		{name: "ending fail", phase: PhaseEnding, event: EventFail, want: PhaseFailed},
		{name: "ending stop invalid", phase: PhaseEnding, event: EventStop, want: PhaseEnding, wantErr: true},
		{name: "ended start invalid", phase: PhaseEnded, event: EventStart, want: PhaseEnded, wantErr: true},
		{name: "failed start invalid", phase: PhaseFailed, event: EventStart, want: PhaseFailed, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			next, err := Transition(tc.phase, tc.event)
			require.Equal(t, tc.want, next)
			if tc.wantErr {
				require.Error(t, err)
				require.Contains(t, err.Error(), "invalid transition")
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestTransitionUnknownPhase(t *testing.T) {
	next, err := Transition(Phase("mystery"), EventStart)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown phase")
	require.Equal(t, Phase("mystery"), next)
}

func TestPhasePredicates(t *testing.T) {
	require.True(t, PhaseEnded.Terminal())
	require.True(t, PhaseFailed.Terminal())
	require.False(t, PhaseEnding.Terminal())

	require.True(t, PhaseConnecting.Live())
	require.True(t, PhaseActive.Live())
	require.False(t, PhaseIdle.Live())
	require.False(t, PhaseEnded.Live())
}
