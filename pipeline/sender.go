package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/hajournal/hajournal"
	"github.com/hajournal/hajournal/halog"
	"github.com/hajournal/hajournal/quorum"
)

var errSenderClosed = errors.New("pipeline sender closed")

// job is one queued forward. A job with a non-nil flush channel is a
// barrier: the loop closes the channel once everything queued before it has
// been forwarded.
type job struct {
	msg     hajournal.HAWriteMessage
	payload []byte
	flush   chan struct{}
}

// Sender runs the leader's end of the pipeline. Send appends the block to
// the local log and queues it for the downstream members; the forwarding
// loop delivers queued blocks in order to the first reachable follower,
// which relays them onward. Members that cannot be reached are collected
// until the coordinator drains the window with Flush before a commit round.
type Sender struct {
	ID hajournal.ReplicaID

	Oracle    quorum.Oracle
	Transport BlockSender
	Log       *halog.Dir

	// Metrics may be shared with a Receiver so the collectors register once
	// per replica.
	Metrics *Metrics

	timeout time.Duration

	mu          sync.Mutex
	opened      bool
	closing     chan struct{}
	queue       chan job
	unreachable map[hajournal.ReplicaID]struct{}
	wg          sync.WaitGroup

	logger *zap.Logger
}

// NewSender returns a sender with the given settings. Collaborators are
// assigned before Open.
func NewSender(c Config) *Sender {
	return &Sender{
		Metrics:     NewMetrics(),
		timeout:     time.Duration(c.ForwardTimeout),
		queue:       make(chan job, c.MaxInFlight),
		unreachable: make(map[hajournal.ReplicaID]struct{}),
		logger:      zap.NewNop(),
	}
}

// WithLogger sets the logger on the sender.
func (s *Sender) WithLogger(log *zap.Logger) {
	s.logger = log.With(zap.String("service", "pipeline"))
}

// Open starts the forwarding loop.
func (s *Sender) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opened {
		return errors.New("pipeline sender already open")
	}
	s.opened = true
	s.closing = make(chan struct{})

	s.wg.Add(1)
	go s.run()
	return nil
}

// Close stops the forwarding loop. Blocks still queued are dropped; they are
// already durable in the local log, and any commit round over them concludes
// as an abort.
func (s *Sender) Close() error {
	s.mu.Lock()
	if !s.opened {
		s.mu.Unlock()
		return nil
	}
	s.opened = false
	close(s.closing)
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

// Send appends one staged block to the local log and queues it for the
// downstream members. It blocks while the forwarding window is full.
// Write-once stores elide the payload from the log; the committed image
// reconstructs it when the segment is served to a peer.
func (s *Sender) Send(ctx context.Context, msg hajournal.HAWriteMessage, payload []byte) error {
	logPayload := payload
	if msg.Strategy == hajournal.StrategyWORM {
		logPayload = nil
	}
	if err := s.Log.Append(msg, logPayload); err != nil {
		return err
	}

	select {
	case <-s.closing:
		return errSenderClosed
	default:
	}
	select {
	case s.queue <- job{msg: msg, payload: payload}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closing:
		return errSenderClosed
	}
	s.Metrics.InFlight.Set(float64(len(s.queue)))
	return nil
}

// Flush blocks until every queued block has been forwarded, then reports
// which members could not be reached since the last flush. The coordinator
// drains the window before PREPARE so votes are only solicited from members
// that hold the full write set.
func (s *Sender) Flush(ctx context.Context) ([]hajournal.ReplicaID, error) {
	barrier := make(chan struct{})
	select {
	case <-s.closing:
		return nil, errSenderClosed
	default:
	}
	select {
	case s.queue <- job{flush: barrier}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closing:
		return nil, errSenderClosed
	}
	select {
	case <-barrier:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closing:
		return nil, errSenderClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]hajournal.ReplicaID, 0, len(s.unreachable))
	for id := range s.unreachable {
		ids = append(ids, id)
	}
	s.unreachable = make(map[hajournal.ReplicaID]struct{})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Sender) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.closing:
			return
		case j := <-s.queue:
			if j.flush != nil {
				close(j.flush)
				continue
			}
			s.forward(j)
			s.Metrics.InFlight.Set(float64(len(s.queue)))
		}
	}
}

// forward relays one block to the first reachable downstream member. That
// member relays it onward; members it reports unreachable join the ones this
// hop could not reach directly.
func (s *Sender) forward(j job) {
	members, err := s.Oracle.Members(s.Oracle.Token())
	if err != nil {
		// Membership changed underneath the window. The commit round fails
		// its own token check; nothing to deliver under the old order.
		s.logger.Debug("Dropping queued block after membership change", zap.Error(err))
		return
	}
	i := members.Position(s.ID)
	if i < 0 {
		return
	}

	for _, target := range members[i+1:] {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		skipped, err := s.Transport.SendBlock(ctx, target, j.msg, j.payload)
		cancel()
		if err != nil {
			s.logger.Warn("Unable to forward block",
				zap.String("target", string(target)),
				zap.Uint64("commit", j.msg.CommitCounter),
				zap.Uint32("sequence", j.msg.Sequence),
				zap.Error(err))
			s.noteUnreachable(target)
			s.Metrics.Blocks.WithLabelValues("out", "error").Inc()
			continue
		}
		for _, id := range skipped {
			s.noteUnreachable(id)
		}
		s.Metrics.Blocks.WithLabelValues("out", "ok").Inc()
		s.Metrics.Bytes.WithLabelValues("out").Add(float64(len(j.payload)))
		return
	}
}

func (s *Sender) noteUnreachable(id hajournal.ReplicaID) {
	s.mu.Lock()
	s.unreachable[id] = struct{}{}
	s.mu.Unlock()
}
