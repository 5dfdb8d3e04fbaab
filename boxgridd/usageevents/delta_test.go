package usageevents_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/boxgrid/boxgrid/boxgridd/database"
	"github.com/boxgrid/boxgrid/boxgridd/usageevents"
)

func TestCalculateDelta(t *testing.T) {
	t.Parallel()

	consumes := database.SandboxState.ConsumesCompute

	t.Run("EnterSet", func(t *testing.T) {
		t.Parallel()
		delta := usageevents.CalculateDelta(4, database.SandboxStateStopped, database.SandboxStateStarting, consumes)
		require.EqualValues(t, 4, delta)
	})

	t.Run("LeaveSet", func(t *testing.T) {
		t.Parallel()
		delta := usageevents.CalculateDelta(4, database.SandboxStateStarted, database.SandboxStateStopped, consumes)
		require.EqualValues(t, -4, delta)
	})

	t.Run("WithinSet", func(t *testing.T) {
		t.Parallel()
		delta := usageevents.CalculateDelta(4, database.SandboxStateStarting, database.SandboxStateStarted, consumes)
		require.Zero(t, delta)
	})

	t.Run("OutsideSet", func(t *testing.T) {
		t.Parallel()
		delta := usageevents.CalculateDelta(4, database.SandboxStateDestroying, database.SandboxStateDestroyed, consumes)
		require.Zero(t, delta)
	})

	t.Run("SameStateIsNeutral", func(t *testing.T) {
		t.Parallel()
		for _, state := range []database.SandboxState{
			database.SandboxStateStarted,
			database.SandboxStateStopped,
			database.SandboxStateDestroyed,
		} {
			require.Zero(t, usageevents.CalculateDelta(7, state, state, consumes))
		}
	})

	t.Run("IgnoredSetComplement", func(t *testing.T) {
		t.Parallel()
		// Counting quotas consume in every state outside the ignored set.
		delta := usageevents.CalculateDelta(1, database.SnapshotStateActive, database.SnapshotStateError, database.SnapshotState.CountsTowardQuota)
		require.EqualValues(t, -1, delta)
	})
}
