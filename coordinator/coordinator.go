// Package coordinator drives the two-phase commit protocol over the quorum.
// The leader collects a write set through the pipeline, seals it everywhere
// with PREPARE, and concludes with COMMIT only on unanimous Ack from every
// synchronized member; anything less aborts the round with no visible state
// change anywhere. Every replica runs a Participant that executes the
// instructions; only the pipeline head runs the Coordinator.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hajournal/hajournal"
	"github.com/hajournal/hajournal/engine"
	"github.com/hajournal/hajournal/pipeline"
	"github.com/hajournal/hajournal/quorum"
	itoml "github.com/hajournal/hajournal/toml"
)

// DefaultWriteTimeout bounds one phase of a commit round.
const DefaultWriteTimeout = 10 * time.Second

// Config holds the commit coordination settings of one replica.
type Config struct {
	WriteTimeout itoml.Duration `toml:"write-timeout"`
}

// NewConfig returns a new instance of Config with defaults.
func NewConfig() Config {
	return Config{
		WriteTimeout: itoml.Duration(DefaultWriteTimeout),
	}
}

// Validate returns an error if the settings are unusable.
func (c Config) Validate() error {
	if c.WriteTimeout <= 0 {
		return errors.New("coordinator write-timeout must be positive")
	}
	return nil
}

// Commander carries commit round instructions to one remote replica.
type Commander interface {
	Prepare(ctx context.Context, target hajournal.ReplicaID, req PrepareRequest) (Vote, error)
	Commit(ctx context.Context, target hajournal.ReplicaID, req CommitRequest) error
	Abort(ctx context.Context, target hajournal.ReplicaID, req AbortRequest) error
	Purge(ctx context.Context, target hajournal.ReplicaID, req PurgeRequest) error
}

// Coordinator runs the leader's side of replicated writes. Write stages one
// block locally and streams it down the pipeline; Commit concludes the open
// write set through a PREPARE/COMMIT round and never returns an ambiguous
// outcome. One round runs at a time; a new one cannot start before the
// previous concluded.
type Coordinator struct {
	ID hajournal.ReplicaID

	Oracle    quorum.Oracle
	Tracker   *quorum.Tracker
	Sender    *pipeline.Sender
	Commander Commander
	Local     *Participant
	Engine    engine.Engine

	// Journal answers with the local, authoritative commit point.
	Journal interface {
		Current() hajournal.RootBlock
	}

	// Clock is replaceable for tests.
	Clock clock.Clock

	timeout time.Duration

	mu     sync.Mutex
	seq    uint32 // blocks accepted into the open write set
	failed error  // poisoned write set; only an abort clears it

	logger  *zap.Logger
	metrics *commitMetrics
}

// NewCoordinator returns a coordinator with the given settings.
// Collaborators are assigned before use.
func NewCoordinator(c Config) *Coordinator {
	return &Coordinator{
		Clock:   clock.New(),
		timeout: time.Duration(c.WriteTimeout),
		logger:  zap.NewNop(),
		metrics: newCommitMetrics(),
	}
}

// WithLogger sets the logger on the coordinator.
func (c *Coordinator) WithLogger(log *zap.Logger) {
	c.logger = log.With(zap.String("service", "coordinator"))
}

// PrometheusCollectors returns the metrics of the coordinator.
func (c *Coordinator) PrometheusCollectors() []prometheus.Collector {
	return c.metrics.PrometheusCollectors()
}

// Write stages one block into the open write set: apply to the local engine,
// append to the local log, and stream it down the pipeline. It blocks while
// the forwarding window is full and fails with ErrNotLeader anywhere but the
// pipeline head. Nothing becomes visible to readers until Commit concludes.
func (c *Coordinator) Write(ctx context.Context, block hajournal.WriteCacheBlock) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	token := c.Oracle.Token()
	if err := c.Oracle.AssertLeader(token); err != nil {
		return err
	}
	if err := c.Local.Err(); err != nil {
		return err
	}
	if c.failed != nil {
		return errors.Wrap(c.failed, "write set poisoned; commit the abort first")
	}

	rb := c.Journal.Current()
	if err := c.Engine.Apply(block); err != nil {
		return err
	}
	msg := hajournal.NewHAWriteMessage(rb.CommitCounter+1, c.seq, rb.Strategy, block)
	if err := c.Sender.Send(ctx, msg, block.Data); err != nil {
		// The engine now holds a block the log refused. Only an abort can
		// realign them; Commit will conclude this attempt as one.
		c.failed = err
		return err
	}
	c.seq++
	return nil
}

// Dirty reports whether the open write set holds anything to commit.
func (c *Coordinator) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq > 0 || c.failed != nil
}

// Commit concludes the open write set. It drains the pipeline, demotes
// members the write set never reached, solicits votes from every
// synchronized member, and commits everywhere on unanimous Ack; anything
// less aborts everywhere. The returned root block is the new commit point.
// The outcome is definite either way: by the time Commit returns, every
// reachable member has been instructed.
func (c *Coordinator) Commit(ctx context.Context) (hajournal.RootBlock, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	token := c.Oracle.Token()
	if err := c.Oracle.AssertLeader(token); err != nil {
		return hajournal.RootBlock{}, err
	}
	if err := c.Local.Err(); err != nil {
		return hajournal.RootBlock{}, err
	}
	if c.seq == 0 && c.failed == nil {
		return hajournal.RootBlock{}, errors.New("empty write set")
	}

	members, err := c.Oracle.Members(token)
	if err != nil {
		return hajournal.RootBlock{}, err
	}
	current := c.Journal.Current()
	counter := current.CommitCounter + 1

	// Drain the forwarding window. Members the write set never reached
	// cannot vote on it; they leave the quorum now and rejoin by resync.
	unreachable, err := c.Sender.Flush(ctx)
	if err != nil {
		return hajournal.RootBlock{}, err
	}
	for _, id := range unreachable {
		c.Tracker.MarkNotJoined(id, "pipeline delivery failed")
	}

	// A poisoned write set concludes as an abort without soliciting votes.
	if c.failed != nil {
		err := c.failed
		c.abort(token, counter, members)
		c.reset()
		return hajournal.RootBlock{}, errors.Wrap(err, "write set failed")
	}

	voters := c.Tracker.Synchronized(members)
	if len(voters) < quorum.Majority(len(members)) {
		// The attempt never starts; the write set stays open for a retry
		// once enough members are back.
		c.metrics.Rounds.WithLabelValues("quorum_not_met").Inc()
		return hajournal.RootBlock{}, hajournal.ErrQuorumNotMet
	}
	candidates := c.Tracker.JoinCandidates(members, current.CommitCounter)
	round := append(append([]hajournal.ReplicaID{}, voters...), candidates...)

	candidate := current.Successor(c.Clock.Now(), c.Engine.StagedExtent())
	req := PrepareRequest{Token: token, RootBlock: candidate, BlockCount: c.seq}
	votes := c.prepare(ctx, req, round)

	// Membership must not have moved while votes were in flight; a stale
	// round is abandoned wholesale.
	if _, err := c.Oracle.Members(token); err != nil {
		c.abort(token, counter, members)
		c.reset()
		return hajournal.RootBlock{}, err
	}

	if !votes.allAck(voters) {
		err := votes.err(voters)
		c.abort(token, counter, members)
		c.reset()
		return hajournal.RootBlock{}, errors.Wrap(err, "commit aborted")
	}

	// The local commit seals the decision; its failure is the last moment
	// the round can still abort.
	if err := c.Local.Commit(ctx, CommitRequest{Token: token, CommitCounter: counter}); err != nil {
		c.abort(token, counter, members)
		c.reset()
		return hajournal.RootBlock{}, err
	}

	// From here the commit is decided. A member that cannot take the
	// instruction is demoted and catches up by resync; the decision stands.
	creq := CommitRequest{Token: token, CommitCounter: counter}
	for _, id := range round {
		if id == c.ID {
			continue
		}
		if !votes.acked(id) {
			// A candidate that missed the round stays resyncing.
			continue
		}
		cctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		err := c.Commander.Commit(cctx, id, creq)
		cancel()
		if err != nil {
			c.Tracker.MarkNotJoined(id, "commit instruction failed")
			c.logger.Warn("Unable to deliver commit",
				zap.String("replica", string(id)),
				zap.Uint64("commit", counter),
				zap.Error(err))
			continue
		}
		if st, _ := c.Tracker.State(id); st == hajournal.Resyncing {
			if err := c.Tracker.CompleteLiveRound(id, counter); err != nil {
				c.logger.Warn("Unable to promote join candidate",
					zap.String("replica", string(id)),
					zap.Error(err))
			}
		}
	}

	c.reset()
	c.metrics.Rounds.WithLabelValues("committed").Inc()
	c.metrics.RoundDuration.Observe(time.Since(start).Seconds())
	c.metrics.CommitCounter.Set(float64(counter))
	c.logger.Info("Committed write set",
		zap.Uint64("commit", counter),
		zap.Uint32("blocks", req.BlockCount),
		zap.Uint64("extent", candidate.Extent))

	// Once every configured member holds the commit, nobody needs the
	// segments for it or anything older.
	if c.Tracker.FullyMet(members) {
		c.purge(members, counter)
	}
	return candidate, nil
}

// ForcePurge broadcasts a purge of every concluded segment. An operator uses
// it to reclaim log space without waiting for the next commit round; it
// refuses unless the full quorum holds the current commit, since a lagging
// member still needs those segments to catch up.
func (c *Coordinator) ForcePurge(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	token := c.Oracle.Token()
	if err := c.Oracle.AssertLeader(token); err != nil {
		return 0, err
	}
	members, err := c.Oracle.Members(token)
	if err != nil {
		return 0, err
	}
	if !c.Tracker.FullyMet(members) {
		return 0, errors.New("purge requires the full quorum synchronized")
	}

	through := c.Journal.Current().CommitCounter
	c.purge(members, through)
	return through, nil
}

// prepare fans PREPARE out to every listed member and gathers votes until
// the round deadline. Members that do not answer in time count as Nack but
// keep their sync state; the health monitor decides whether they are gone.
func (c *Coordinator) prepare(ctx context.Context, req PrepareRequest, ids []hajournal.ReplicaID) *voteSet {
	votes := newVoteSet(len(ids))

	results := make(chan Vote, len(ids))
	for _, id := range ids {
		if id == c.ID {
			results <- c.Local.Prepare(ctx, req)
			continue
		}
		go func(id hajournal.ReplicaID) {
			vctx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			vote, err := c.Commander.Prepare(vctx, id, req)
			if err != nil {
				vote = Vote{Replica: id, Verdict: VoteNack, Reason: err.Error()}
			}
			results <- vote
		}(id)
	}

	deadline := c.Clock.Timer(c.timeout)
	defer deadline.Stop()
	for range ids {
		select {
		case v := <-results:
			votes.record(v)
		case <-deadline.C:
			votes.missing(ids, "unreachable before round deadline")
			return votes
		case <-ctx.Done():
			votes.missing(ids, ctx.Err().Error())
			return votes
		}
	}
	votes.missing(ids, "no vote recorded")
	return votes
}

// abort instructs every member to discard the round. Delivery failures are
// tolerable: an unfinalized segment and an unflipped root block mean the
// abort is already implicit on a member that never hears it.
func (c *Coordinator) abort(token hajournal.QuorumToken, counter uint64, members hajournal.Pipeline) {
	req := AbortRequest{Token: token, CommitCounter: counter}
	for _, id := range members {
		if id == c.ID {
			if err := c.Local.Abort(context.Background(), req); err != nil {
				c.logger.Error("Unable to abort local pending commit",
					zap.Uint64("commit", counter),
					zap.Error(err))
			}
			continue
		}
		actx, cancel := context.WithTimeout(context.Background(), c.timeout)
		err := c.Commander.Abort(actx, id, req)
		cancel()
		if err != nil {
			c.logger.Warn("Unable to deliver abort",
				zap.String("replica", string(id)),
				zap.Uint64("commit", counter),
				zap.Error(err))
		}
	}
	c.metrics.Rounds.WithLabelValues("aborted").Inc()
	c.logger.Info("Aborted commit round", zap.Uint64("commit", counter))
}

// purge tells every member to drop the segments for everything committed so
// far. Failures only delay the purge until the next fully met round.
func (c *Coordinator) purge(members hajournal.Pipeline, through uint64) {
	req := PurgeRequest{Through: through}
	for _, id := range members {
		if id == c.ID {
			if err := c.Local.Purge(context.Background(), req); err != nil {
				c.logger.Warn("Unable to purge local segments", zap.Error(err))
			}
			continue
		}
		pctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		err := c.Commander.Purge(pctx, id, req)
		cancel()
		if err != nil {
			c.logger.Warn("Unable to deliver purge",
				zap.String("replica", string(id)),
				zap.Error(err))
		}
	}
	c.logger.Info("Purged replicated segments", zap.Uint64("through", through))
}

// reset clears the write set bookkeeping after a terminal round.
func (c *Coordinator) reset() {
	c.seq = 0
	c.failed = nil
}
