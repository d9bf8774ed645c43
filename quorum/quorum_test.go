package quorum_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hajournal/hajournal"
	"github.com/hajournal/hajournal/quorum"
)

const (
	idA = hajournal.ReplicaID("11111111-1111-1111-1111-111111111111")
	idB = hajournal.ReplicaID("22222222-2222-2222-2222-222222222222")
	idC = hajournal.ReplicaID("33333333-3333-3333-3333-333333333333")
)

func members() hajournal.Pipeline { return hajournal.Pipeline{idA, idB, idC} }

func TestConfig_Validate(t *testing.T) {
	c := quorum.NewConfig()
	c.Members = []string{
		string(idA) + "@host-a:8090",
		string(idB) + "@host-b:8090",
		string(idC) + "@host-c:8090",
	}
	require.NoError(t, c.Validate())

	bad := c
	bad.Token = 0
	require.Error(t, bad.Validate())

	bad = c
	bad.Members = nil
	require.Error(t, bad.Validate())

	bad = c
	bad.Members = []string{"no-separator"}
	require.Error(t, bad.Validate())

	bad = c
	bad.Members = []string{"not-a-uuid@host:8090"}
	require.Error(t, bad.Validate())

	bad = c
	bad.Members = []string{string(idA) + "@a:1", string(idA) + "@b:2"}
	require.Error(t, bad.Validate())
}

func TestConfig_Parse(t *testing.T) {
	c := quorum.NewConfig()
	c.Members = []string{
		string(idA) + "@host-a:8090",
		string(idB) + "@host-b:8090",
	}

	pipeline, addrs, err := c.Parse()
	require.NoError(t, err)
	require.Equal(t, hajournal.Pipeline{idA, idB}, pipeline)
	require.Equal(t, "host-a:8090", addrs[idA])
	require.Equal(t, "host-b:8090", addrs[idB])
}

func TestStaticOracle(t *testing.T) {
	o := quorum.NewStaticOracle(idA, 7, members())
	require.Equal(t, hajournal.QuorumToken(7), o.Token())

	got, err := o.Members(7)
	require.NoError(t, err)
	require.Equal(t, members(), got)

	_, err = o.Members(6)
	require.ErrorIs(t, err, hajournal.ErrStaleToken)

	require.NoError(t, o.AssertLeader(7))
	require.ErrorIs(t, o.AssertLeader(3), hajournal.ErrStaleToken)

	follower := quorum.NewStaticOracle(idB, 7, members())
	require.ErrorIs(t, follower.AssertLeader(7), hajournal.ErrNotLeader)
}

func TestStaticOracle_Advance(t *testing.T) {
	o := quorum.NewStaticOracle(idA, 1, members())

	token := o.Advance(hajournal.Pipeline{idB, idA})
	require.Equal(t, hajournal.QuorumToken(2), token)

	// The old epoch is dead.
	_, err := o.Members(1)
	require.ErrorIs(t, err, hajournal.ErrStaleToken)

	got, err := o.Members(2)
	require.NoError(t, err)
	require.Equal(t, hajournal.Pipeline{idB, idA}, got)

	// idA no longer leads.
	require.ErrorIs(t, o.AssertLeader(2), hajournal.ErrNotLeader)

	select {
	case tok := <-o.Notify():
		require.Equal(t, hajournal.QuorumToken(2), tok)
	default:
		t.Fatal("expected membership change notification")
	}
}

func TestMajority(t *testing.T) {
	require.Equal(t, 1, quorum.Majority(1))
	require.Equal(t, 2, quorum.Majority(2))
	require.Equal(t, 2, quorum.Majority(3))
	require.Equal(t, 3, quorum.Majority(4))
	require.Equal(t, 3, quorum.Majority(5))
}
