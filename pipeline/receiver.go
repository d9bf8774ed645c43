package pipeline

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/hajournal/hajournal"
	"github.com/hajournal/hajournal/halog"
	"github.com/hajournal/hajournal/quorum"
)

// Receiver runs a follower's end of the pipeline. Every block is verified
// and appended to the local log before it is relayed downstream; blocks that
// extend the commit in flight are also staged into the engine. A replica
// still replaying older commits keeps logging new segments without staging,
// so it falls behind by a bounded amount instead of stalling the chain.
type Receiver struct {
	ID hajournal.ReplicaID

	Oracle    quorum.Oracle
	Transport BlockSender
	Log       *halog.Dir

	// Engine stages blocks of the commit in flight.
	Engine interface {
		Apply(block hajournal.WriteCacheBlock) error
	}

	// Journal answers with the local, authoritative commit point.
	Journal interface {
		Current() hajournal.RootBlock
	}

	// Metrics may be shared with a Sender so the collectors register once
	// per replica.
	Metrics *Metrics

	timeout time.Duration

	logger *zap.Logger
}

// NewReceiver returns a receiver with the given settings. Collaborators are
// assigned before use.
func NewReceiver(c Config) *Receiver {
	return &Receiver{
		Metrics: NewMetrics(),
		timeout: time.Duration(c.ForwardTimeout),
		logger:  zap.NewNop(),
	}
}

// WithLogger sets the logger on the receiver.
func (r *Receiver) WithLogger(log *zap.Logger) {
	r.logger = log.With(zap.String("service", "pipeline"))
}

// Receive handles one block forwarded by an upstream member: verify, append
// to the local log, stage when the block extends the commit in flight, relay
// downstream. The returned members are the ones past this hop that could not
// be reached; they flow back upstream to the leader.
func (r *Receiver) Receive(ctx context.Context, from hajournal.ReplicaID, msg hajournal.HAWriteMessage, payload []byte) ([]hajournal.ReplicaID, error) {
	if !msg.VerifyPayload(payload) {
		r.Metrics.Blocks.WithLabelValues("in", "error").Inc()
		return nil, errors.Errorf("pipeline: payload does not match envelope for commit %d sequence %d", msg.CommitCounter, msg.Sequence)
	}

	members, err := r.Oracle.Members(r.Oracle.Token())
	if err != nil {
		return nil, err
	}
	i := members.Position(r.ID)
	if i < 0 {
		return nil, errors.New("pipeline: not a member under the current token")
	}
	if i == 0 {
		return nil, errors.New("pipeline: the leader does not take forwarded blocks")
	}
	// Skip-ahead forwarding means any upstream member may be the sender,
	// but never a downstream one.
	if j := members.Position(from); j < 0 || j >= i {
		return nil, errors.Errorf("pipeline: block arrived from %s out of pipeline order", from)
	}

	logPayload := payload
	if msg.Strategy == hajournal.StrategyWORM {
		logPayload = nil
	}
	if err := r.Log.Append(msg, logPayload); err != nil {
		return nil, err
	}

	// Stage only blocks that extend the local commit point. Blocks of newer
	// commits are logged for replay to apply once this replica catches up.
	if msg.CommitCounter == r.Journal.Current().CommitCounter+1 {
		if err := r.Engine.Apply(hajournal.WriteCacheBlock{Offset: msg.Offset, Data: payload}); err != nil {
			return nil, err
		}
	}
	r.Metrics.Blocks.WithLabelValues("in", "ok").Inc()
	r.Metrics.Bytes.WithLabelValues("in").Add(float64(len(payload)))

	// Relay to the first reachable member past this one. Members skipped on
	// the way are reported upstream together with the ones the next hop
	// could not reach.
	var unreachable []hajournal.ReplicaID
	for _, target := range members[i+1:] {
		fctx, cancel := context.WithTimeout(ctx, r.timeout)
		skipped, err := r.Transport.SendBlock(fctx, target, msg, payload)
		cancel()
		if err != nil {
			r.logger.Warn("Unable to relay block",
				zap.String("target", string(target)),
				zap.Uint64("commit", msg.CommitCounter),
				zap.Uint32("sequence", msg.Sequence),
				zap.Error(err))
			unreachable = append(unreachable, target)
			continue
		}
		unreachable = append(unreachable, skipped...)
		break
	}
	return unreachable, nil
}
