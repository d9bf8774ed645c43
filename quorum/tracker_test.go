package quorum_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hajournal/hajournal"
	"github.com/hajournal/hajournal/quorum"
)

func TestTracker_Defaults(t *testing.T) {
	tr := quorum.NewTracker()

	st, known := tr.State(idA)
	require.Equal(t, hajournal.NotJoined, st)
	require.False(t, known)

	require.Empty(t, tr.Synchronized(members()))
	require.False(t, tr.FullyMet(members()))
	require.False(t, tr.FullyMet(nil))
}

func TestTracker_JoinSynchronized(t *testing.T) {
	tr := quorum.NewTracker()

	require.NoError(t, tr.JoinSynchronized(idA, 5))
	st, known := tr.State(idA)
	require.Equal(t, hajournal.Synchronized, st)
	require.True(t, known)

	// Idempotent.
	require.NoError(t, tr.JoinSynchronized(idA, 6))
	applied, _ := tr.Applied(idA)
	require.Equal(t, uint64(6), applied)

	// Resyncing replicas must earn promotion through a live round.
	require.NoError(t, tr.StartResync(idB, 2))
	require.Error(t, tr.JoinSynchronized(idB, 5))
}

func TestTracker_ResyncLifecycle(t *testing.T) {
	tr := quorum.NewTracker()

	require.NoError(t, tr.StartResync(idB, 2))
	require.NoError(t, tr.AdvanceResync(idB, 4))

	// Progress never moves backwards.
	require.NoError(t, tr.AdvanceResync(idB, 3))
	applied, _ := tr.Applied(idB)
	require.Equal(t, uint64(4), applied)

	// Not caught up yet: no candidacy, no promotion.
	require.Empty(t, tr.JoinCandidates(members(), 5))
	require.Error(t, tr.CompleteLiveRound(idB, 5))

	require.NoError(t, tr.AdvanceResync(idB, 5))
	require.Equal(t, []hajournal.ReplicaID{idB}, tr.JoinCandidates(members(), 5))

	require.NoError(t, tr.CompleteLiveRound(idB, 6))
	st, _ := tr.State(idB)
	require.Equal(t, hajournal.Synchronized, st)
}

func TestTracker_IllegalTransitions(t *testing.T) {
	tr := quorum.NewTracker()

	// Synchronized never slides into Resyncing directly.
	require.NoError(t, tr.JoinSynchronized(idA, 5))
	require.Error(t, tr.StartResync(idA, 5))
	require.Error(t, tr.AdvanceResync(idA, 6))
	require.Error(t, tr.CompleteLiveRound(idA, 6))

	// The way back leads through NotJoined.
	tr.MarkNotJoined(idA, "test")
	st, _ := tr.State(idA)
	require.Equal(t, hajournal.NotJoined, st)
	require.NoError(t, tr.StartResync(idA, 5))

	// Resync completion requires exactly the next counter.
	require.Error(t, tr.CompleteLiveRound(idA, 8))
}

func TestTracker_VoterSets(t *testing.T) {
	tr := quorum.NewTracker()

	require.NoError(t, tr.JoinSynchronized(idA, 7))
	require.NoError(t, tr.JoinSynchronized(idC, 7))
	require.NoError(t, tr.StartResync(idB, 7))

	// Pipeline order, resyncing member excluded.
	require.Equal(t, []hajournal.ReplicaID{idA, idC}, tr.Synchronized(members()))
	require.False(t, tr.FullyMet(members()))

	// Caught-up resyncing member is a join candidate, not a voter.
	require.Equal(t, []hajournal.ReplicaID{idB}, tr.JoinCandidates(members(), 7))

	require.NoError(t, tr.CompleteLiveRound(idB, 8))
	require.NoError(t, tr.JoinSynchronized(idA, 8))
	require.NoError(t, tr.JoinSynchronized(idC, 8))
	require.True(t, tr.FullyMet(members()))

	tr.MarkNotJoined(idC, "test")
	require.False(t, tr.FullyMet(members()))
}

func TestTracker_Observations(t *testing.T) {
	tr := quorum.NewTracker()

	// A fresh report of a matching root block admits directly.
	tr.ObserveSynchronized(idA, 9)
	st, _ := tr.State(idA)
	require.Equal(t, hajournal.Synchronized, st)

	// A synchronized member reporting resync has restarted: demote first.
	tr.ObserveResyncing(idA, 4)
	st, _ = tr.State(idA)
	require.Equal(t, hajournal.Resyncing, st)
	applied, _ := tr.Applied(idA)
	require.Equal(t, uint64(4), applied)

	// Further reports advance progress.
	tr.ObserveResyncing(idA, 6)
	applied, _ = tr.Applied(idA)
	require.Equal(t, uint64(6), applied)

	// Equal root blocks certify the commit point even from Resyncing.
	tr.ObserveSynchronized(idA, 9)
	st, _ = tr.State(idA)
	require.Equal(t, hajournal.Synchronized, st)
}
