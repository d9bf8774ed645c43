package coordinator

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/hajournal/hajournal"
	"github.com/hajournal/hajournal/engine"
	"github.com/hajournal/hajournal/halog"
	"github.com/hajournal/hajournal/quorum"
	"github.com/hajournal/hajournal/rootstore"
)

// Participant executes commit round instructions on one replica: seal the
// segment and propose the candidate on PREPARE, flip the root block and the
// engine on COMMIT, discard every trace on ABORT. Instructions are strictly
// serialized per replica; PREPARE for a new round cannot interleave with an
// unconcluded one. A fatal local i/o failure sticks: the replica refuses all
// further rounds until an operator intervenes, since its disk can no longer
// be trusted to hold what it acked.
type Participant struct {
	ID hajournal.ReplicaID

	Oracle  quorum.Oracle
	Log     *halog.Dir
	Store   *rootstore.Store
	Engine  engine.Engine
	Tracker *quorum.Tracker

	mu      sync.Mutex
	pending *rootstore.PendingCommit
	fatal   error

	logger *zap.Logger
}

// NewParticipant returns a participant. Collaborators are assigned before
// use.
func NewParticipant(id hajournal.ReplicaID) *Participant {
	return &Participant{
		ID:     id,
		logger: zap.NewNop(),
	}
}

// WithLogger sets the logger on the participant.
func (p *Participant) WithLogger(log *zap.Logger) {
	p.logger = log.With(zap.String("service", "participant"))
}

// Err returns the sticky fatal error that removed this replica from
// participation, if any.
func (p *Participant) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fatal
}

// noteFatal records an unrecoverable i/o failure. Callers hold the mutex.
func (p *Participant) noteFatal(err error) {
	if !hajournal.IsIOFailure(err) || p.fatal != nil {
		return
	}
	p.fatal = err
	p.logger.Error("Leaving quorum after fatal i/o failure", zap.Error(err))
}

// Prepare seals the local segment with the candidate root block and proposes
// it. The vote is Nack whenever this replica cannot guarantee the commit:
// stale token, a round still pending, an incomplete write set, or any local
// failure.
func (p *Participant) Prepare(ctx context.Context, req PrepareRequest) Vote {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.fatal != nil {
		return p.nack(req, p.fatal)
	}
	if _, err := p.Oracle.Members(req.Token); err != nil {
		return p.nack(req, err)
	}
	if pending, ok := p.Store.Pending(); ok {
		return p.nack(req, errors.Errorf("commit %d still pending", pending.CommitCounter))
	}

	counter := req.RootBlock.CommitCounter
	seq, open := p.Log.OpenSequence(counter)
	if !open {
		seq = 0
	}
	if seq != req.BlockCount {
		return p.nack(req, errors.Errorf("segment for commit %d holds %d of %d blocks", counter, seq, req.BlockCount))
	}

	if err := p.Log.Finalize(req.RootBlock); err != nil {
		p.noteFatal(err)
		return p.nack(req, err)
	}
	pc, err := p.Store.Propose(req.RootBlock)
	if err != nil {
		// The seal is already down but the proposal failed. Strip it so
		// replay cannot mistake the attempt for a concluded commit.
		if uerr := p.Log.Unfinalize(counter); uerr != nil {
			p.noteFatal(uerr)
		}
		p.noteFatal(err)
		return p.nack(req, err)
	}
	p.pending = pc

	return Vote{Replica: p.ID, Verdict: VoteAck}
}

func (p *Participant) nack(req PrepareRequest, err error) Vote {
	p.logger.Warn("Voting nack",
		zap.Uint64("commit", req.RootBlock.CommitCounter),
		zap.Uint64("token", uint64(req.Token)),
		zap.Error(err))
	return Vote{Replica: p.ID, Verdict: VoteNack, Reason: err.Error()}
}

// Commit flips the pending root block to current and commits the staged
// blocks in the engine. A resyncing replica that takes a full live round
// this way has caught up for good.
func (p *Participant) Commit(ctx context.Context, req CommitRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.fatal != nil {
		return p.fatal
	}
	if p.pending == nil || p.pending.RootBlock().CommitCounter != req.CommitCounter {
		return errors.Errorf("no pending commit %d", req.CommitCounter)
	}
	if _, err := p.Oracle.Members(req.Token); err != nil {
		return err
	}

	pc := p.pending
	p.pending = nil
	if err := pc.Commit(); err != nil {
		p.noteFatal(err)
		return err
	}
	if err := p.Engine.Commit(); err != nil {
		p.noteFatal(err)
		return err
	}

	if st, _ := p.Tracker.State(p.ID); st == hajournal.Resyncing {
		if err := p.Tracker.CompleteLiveRound(p.ID, req.CommitCounter); err == nil {
			p.logger.Info("Caught up after live commit round", zap.Uint64("commit", req.CommitCounter))
		}
	}
	return nil
}

// Abort discards the pending proposal, strips the seal from the segment and
// drops the staged blocks, leaving no trace that could be mistaken for a
// concluded commit. Aborting a round this replica never saw is a no-op, so
// retried aborts are safe.
func (p *Participant) Abort(ctx context.Context, req AbortRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pending != nil && p.pending.RootBlock().CommitCounter == req.CommitCounter {
		p.pending.Discard()
		p.pending = nil
	}
	if err := p.Log.Unfinalize(req.CommitCounter); err != nil {
		p.noteFatal(err)
		return err
	}
	// Only a replica at the preceding commit point staged these blocks; on
	// one still replaying history the staged set belongs to the resyncer.
	if p.Store.Current().CommitCounter+1 == req.CommitCounter {
		if err := p.Engine.Rollback(); err != nil {
			return err
		}
	}
	p.logger.Info("Aborted commit attempt", zap.Uint64("commit", req.CommitCounter))
	return nil
}

// Purge removes every log segment through the given counter. The leader
// broadcasts it once the whole quorum holds those commits.
func (p *Participant) Purge(ctx context.Context, req PurgeRequest) error {
	return p.Log.PurgeThrough(0, req.Through)
}
