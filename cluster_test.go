package hajournal_test

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/hajournal/hajournal"
	"github.com/hajournal/hajournal/coordinator"
	"github.com/hajournal/hajournal/engine"
	"github.com/hajournal/hajournal/failover"
	"github.com/hajournal/hajournal/halog"
	"github.com/hajournal/hajournal/pipeline"
	"github.com/hajournal/hajournal/quorum"
	"github.com/hajournal/hajournal/resync"
	"github.com/hajournal/hajournal/rootstore"
	itoml "github.com/hajournal/hajournal/toml"
	"github.com/hajournal/hajournal/transport"
)

const (
	idA = hajournal.ReplicaID("11111111-1111-1111-1111-111111111111")
	idB = hajournal.ReplicaID("22222222-2222-2222-2222-222222222222")
	idC = hajournal.ReplicaID("33333333-3333-3333-3333-333333333333")
)

func clusterMembers() hajournal.Pipeline { return hajournal.Pipeline{idA, idB, idC} }

// replica wires every service of one cluster member over the in-process
// transport, the way the daemon assembles them.
type replica struct {
	id hajournal.ReplicaID

	store       *rootstore.Store
	log         *halog.Dir
	eng         *engine.Inmem
	oracle      *quorum.StaticOracle
	tracker     *quorum.Tracker
	client      *transport.LocalClient
	sender      *pipeline.Sender
	receiver    *pipeline.Receiver
	participant *coordinator.Participant
	coord       *coordinator.Coordinator
	resyncer    *resync.Resyncer
	router      *failover.Router
	handler     *transport.Handler
}

// Status answers health probes the way the daemon does.
func (r *replica) Status() hajournal.Status {
	st := hajournal.Status{Replica: r.id, RootBlock: r.store.Current()}
	if r.participant.Err() != nil || r.resyncer.RebuildRequired() != nil {
		return st
	}
	if state, ok := r.tracker.State(r.id); ok {
		st.State = state
	}
	return st
}

type cluster struct {
	registry *transport.Local
	replicas map[hajournal.ReplicaID]*replica
}

func newCluster(t *testing.T, strategy hajournal.StorageStrategy) *cluster {
	t.Helper()

	c := &cluster{
		registry: transport.NewLocal(),
		replicas: make(map[hajournal.ReplicaID]*replica, len(clusterMembers())),
	}
	for _, id := range clusterMembers() {
		c.replicas[id] = newClusterReplica(t, id, strategy, c.registry)
	}
	return c
}

func (c *cluster) node(id hajournal.ReplicaID) *replica { return c.replicas[id] }

func (c *cluster) leader() *replica { return c.replicas[clusterMembers().Leader()] }

func newClusterReplica(t *testing.T, id hajournal.ReplicaID, strategy hajournal.StorageStrategy, registry *transport.Local) *replica {
	t.Helper()

	dir := t.TempDir()
	members := clusterMembers()

	store := rootstore.New(filepath.Join(dir, rootstore.RootBlockFile))
	require.NoError(t, store.Open(strategy))
	t.Cleanup(func() { store.Close() })

	log := halog.NewDir(halog.Config{Dir: filepath.Join(dir, "halog"), SyncWrites: false})
	require.NoError(t, log.Open())
	t.Cleanup(func() { log.Close() })

	eng := engine.NewInmem()
	oracle := quorum.NewStaticOracle(id, 1, members)

	// Every member starts out trusted at the local commit point, as a
	// replica boots.
	tracker := quorum.NewTracker()
	for _, m := range members {
		require.NoError(t, tracker.JoinSynchronized(m, store.Current().CommitCounter))
	}

	client := registry.Client(id)

	sender := pipeline.NewSender(pipeline.NewConfig())
	sender.ID = id
	sender.Oracle = oracle
	sender.Transport = client
	sender.Log = log
	require.NoError(t, sender.Open())
	t.Cleanup(func() { sender.Close() })

	receiver := pipeline.NewReceiver(pipeline.NewConfig())
	receiver.ID = id
	receiver.Oracle = oracle
	receiver.Transport = client
	receiver.Log = log
	receiver.Engine = eng
	receiver.Journal = store
	receiver.Metrics = sender.Metrics

	participant := coordinator.NewParticipant(id)
	participant.Oracle = oracle
	participant.Log = log
	participant.Store = store
	participant.Engine = eng
	participant.Tracker = tracker

	resyncer := resync.NewResyncer(id, resync.NewConfig())
	resyncer.Oracle = oracle
	resyncer.Tracker = tracker
	resyncer.Log = log
	resyncer.Store = store
	resyncer.Engine = eng
	resyncer.Source = client

	router := failover.NewRouter(id, failover.NewConfig())
	router.Oracle = oracle
	router.Tracker = tracker
	router.Engine = eng
	router.Source = client

	r := &replica{
		id:          id,
		store:       store,
		log:         log,
		eng:         eng,
		oracle:      oracle,
		tracker:     tracker,
		client:      client,
		sender:      sender,
		receiver:    receiver,
		participant: participant,
		resyncer:    resyncer,
		router:      router,
	}

	handler := transport.NewHandler(id)
	handler.Participant = participant
	handler.Receiver = receiver
	handler.Reporter = r
	handler.Log = log
	handler.Engine = eng
	r.handler = handler

	if id == members.Leader() {
		coord := coordinator.NewCoordinator(coordinator.NewConfig())
		coord.ID = id
		coord.Oracle = oracle
		coord.Tracker = tracker
		coord.Sender = sender
		coord.Commander = client
		coord.Local = participant
		coord.Engine = eng
		coord.Journal = store
		r.coord = coord
		handler.Coordinator = coord
	}

	registry.Register(id, handler)
	return r
}

// startMonitor runs the leader's health checks on a mock clock; every
// Add(time.Second) fires exactly one pass.
func startMonitor(t *testing.T, leader *replica) *clock.Mock {
	t.Helper()

	cfg := quorum.NewMonitorConfig()
	cfg.Interval = itoml.Duration(time.Second)

	m := quorum.NewMonitor(cfg)
	m.ID = leader.id
	m.Oracle = leader.oracle
	m.Tracker = leader.tracker
	m.Pinger = leader.client
	m.Journal = leader.store

	mock := clock.NewMock()
	m.Clock = mock
	require.NoError(t, m.Open())
	t.Cleanup(func() { m.Close() })
	return mock
}

func waitState(t *testing.T, tr *quorum.Tracker, id hajournal.ReplicaID, want hajournal.SyncState) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, _ := tr.State(id)
		return st == want
	}, 2*time.Second, time.Millisecond)
}

func commitOne(t *testing.T, leader *replica, off int64, data string) hajournal.RootBlock {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, leader.coord.Write(ctx, hajournal.WriteCacheBlock{Offset: off, Data: []byte(data)}))
	rb, err := leader.coord.Commit(ctx)
	require.NoError(t, err)
	return rb
}

func TestCluster_CommitReplicatesEverywhere(t *testing.T) {
	c := newCluster(t, hajournal.StrategyRW)
	leader := c.leader()
	ctx := context.Background()

	payload := []byte("the quick brown fox")
	require.NoError(t, leader.coord.Write(ctx, hajournal.WriteCacheBlock{Offset: 0, Data: payload}))

	// Nothing is readable anywhere while the write set is open.
	for _, id := range clusterMembers() {
		buf := make([]byte, len(payload))
		n, err := c.node(id).router.ReadAt(ctx, buf, 0)
		require.Zero(t, n)
		require.ErrorIs(t, err, io.EOF)
	}

	rb, err := leader.coord.Commit(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), rb.CommitCounter)
	require.Equal(t, uint64(len(payload)), rb.Extent)

	for _, id := range clusterMembers() {
		n := c.node(id)
		require.Equal(t, rb, n.store.Current())

		buf := make([]byte, len(payload))
		nr, err := n.router.ReadAt(ctx, buf, 0)
		require.NoError(t, err)
		require.Equal(t, len(payload), nr)
		require.Equal(t, payload, buf)

		// The whole quorum holds the commit; its segment is gone.
		require.Empty(t, n.log.Counters())
	}
}

func TestCluster_ConcurrentWriters(t *testing.T) {
	c := newCluster(t, hajournal.StrategyRW)
	leader := c.leader()
	ctx := context.Background()

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		block := hajournal.WriteCacheBlock{
			Offset: int64(i * 4),
			Data:   bytes.Repeat([]byte{byte('a' + i)}, 4),
		}
		g.Go(func() error { return leader.coord.Write(ctx, block) })
	}
	require.NoError(t, g.Wait())

	rb, err := leader.coord.Commit(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(32), rb.Extent)

	want := make([]byte, 32)
	for i := 0; i < 8; i++ {
		copy(want[i*4:], bytes.Repeat([]byte{byte('a' + i)}, 4))
	}
	for _, id := range clusterMembers() {
		buf := make([]byte, len(want))
		n, err := c.node(id).router.ReadAt(ctx, buf, 0)
		require.NoError(t, err)
		require.Equal(t, len(want), n)
		require.Equal(t, want, buf)
	}
}

func TestCluster_CommitSequenceIdentical(t *testing.T) {
	c := newCluster(t, hajournal.StrategyRW)
	leader := c.leader()

	var off int64
	for i, data := range []string{"alpha", "beta", "gamma"} {
		rb := commitOne(t, leader, off, data)
		off += int64(len(data))

		require.Equal(t, uint64(i+1), rb.CommitCounter)
		require.Equal(t, uint64(off), rb.Extent)
		for _, id := range clusterMembers() {
			require.Equal(t, rb, c.node(id).store.Current())
		}
	}
}

func TestCluster_FollowerOutageAndRejoin(t *testing.T) {
	c := newCluster(t, hajournal.StrategyRW)
	leader := c.leader()
	ctx := context.Background()

	rb1 := commitOne(t, leader, 0, "aaaa")
	require.Equal(t, rb1, c.node(idC).store.Current())

	// C drops off; the quorum keeps committing without it.
	c.registry.Down(idC)
	rb2 := commitOne(t, leader, 4, "bbbb")
	require.Equal(t, uint64(2), rb2.CommitCounter)
	require.Equal(t, rb2, c.node(idB).store.Current())
	require.Equal(t, rb1, c.node(idC).store.Current())

	st, _ := leader.tracker.State(idC)
	require.Equal(t, hajournal.NotJoined, st)

	// The missed segment stays on the survivors until C holds it too.
	require.Equal(t, []uint64{2}, leader.log.Counters())

	// C returns and replays what it missed.
	c.registry.Up(idC)
	caught, err := c.node(idC).resyncer.CatchUp(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), caught)
	require.Equal(t, rb2, c.node(idC).store.Current())

	// A health check pass turns C into a join candidate.
	mock := startMonitor(t, leader)
	mock.Add(time.Second)
	waitState(t, leader.tracker, idC, hajournal.Resyncing)

	// One live round makes it a voter again, and with the whole quorum
	// caught up the logs are purged everywhere.
	rb3 := commitOne(t, leader, 8, "cccc")
	st, _ = leader.tracker.State(idC)
	require.Equal(t, hajournal.Synchronized, st)

	want := []byte("aaaabbbbcccc")
	for _, id := range clusterMembers() {
		n := c.node(id)
		require.Equal(t, rb3, n.store.Current())
		require.Empty(t, n.log.Counters())

		buf := make([]byte, len(want))
		nr, err := n.router.ReadAt(ctx, buf, 0)
		require.NoError(t, err)
		require.Equal(t, len(want), nr)
		require.Equal(t, want, buf)
	}
}

func TestCluster_StaleReplicaReadsAreIsolated(t *testing.T) {
	c := newCluster(t, hajournal.StrategyRW)
	leader := c.leader()
	ctx := context.Background()

	commitOne(t, leader, 0, "aaaa")

	c.registry.Down(idC)
	commitOne(t, leader, 4, "bbbb")
	c.registry.Up(idC)

	// Before catching up the replica serves its own commit point, nothing
	// newer.
	stale := c.node(idC)
	buf := make([]byte, 4)
	n, err := stale.router.ReadAt(ctx, buf, 4)
	require.Zero(t, n)
	require.ErrorIs(t, err, io.EOF)

	// Once it knows it left the quorum, reads go to a peer holding the
	// newer commit.
	stale.tracker.MarkNotJoined(idC, "image rebuild pending")
	n, err = stale.router.ReadAt(ctx, buf, 4)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, []byte("bbbb"), buf)
}

func TestCluster_CommitNeedsAMajority(t *testing.T) {
	c := newCluster(t, hajournal.StrategyRW)
	leader := c.leader()
	ctx := context.Background()

	c.registry.Down(idB)
	c.registry.Down(idC)

	require.NoError(t, leader.coord.Write(ctx, hajournal.WriteCacheBlock{Offset: 0, Data: []byte("solo")}))
	_, err := leader.coord.Commit(ctx)
	require.ErrorIs(t, err, hajournal.ErrQuorumNotMet)

	// Nothing became visible.
	buf := make([]byte, 4)
	n, err := leader.router.ReadAt(ctx, buf, 0)
	require.Zero(t, n)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, uint64(0), leader.store.Current().CommitCounter)

	// B comes back and a health check pass readmits it. It never held the
	// staged block, so the retried round aborts.
	c.registry.Up(idB)
	mock := startMonitor(t, leader)
	mock.Add(time.Second)
	waitState(t, leader.tracker, idB, hajournal.Synchronized)

	_, err = leader.coord.Commit(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "commit aborted")

	// The abort leaves a clean slate for the next write set.
	rb := commitOne(t, leader, 0, "redo")
	require.Equal(t, uint64(1), rb.CommitCounter)
	require.Equal(t, rb, c.node(idB).store.Current())
}

func TestCluster_WriteOnceFollowerCatchUp(t *testing.T) {
	c := newCluster(t, hajournal.StrategyWORM)
	leader := c.leader()
	ctx := context.Background()

	commitOne(t, leader, 0, "aaaa")

	// C misses a commit. Write-once segments log envelopes only, so its
	// catch-up copy is materialized from a peer's committed image.
	c.registry.Down(idC)
	rb2 := commitOne(t, leader, 4, "bbbb")
	c.registry.Up(idC)

	caught, err := c.node(idC).resyncer.CatchUp(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), caught)
	require.Equal(t, rb2, c.node(idC).store.Current())

	want := []byte("aaaabbbb")
	buf := make([]byte, len(want))
	n, err := c.node(idC).router.ReadAt(ctx, buf, 0)
	require.NoError(t, err)
	require.Equal(t, len(want), n)
	require.Equal(t, want, buf)
}
