package mqttsession

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAtomicStateCAS(t *testing.T) {
	var s atomicState
	s.Store(Idle)
	require.True(t, s.CAS(Idle, Scheduled))
	require.Equal(t, Scheduled, s.Load())
	require.False(t, s.CAS(Idle, Connecting), "CAS should fail when current state doesn't match old")
}

func TestStateStrings(t *testing.T) {
	require.Equal(t, "connected", Connected.String())
	require.Equal(t, "disconnected", Disconnected.String())
}
