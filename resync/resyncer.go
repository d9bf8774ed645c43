// Package resync brings a replica that has fallen behind back to the
// quorum's commit point. Catch-up replays concluded log segments one commit
// at a time, fetching any segment the local directory is missing from a peer
// that still holds it. When history is gone for good (a segment no member
// can supply, or one that is corrupt everywhere) incremental replay is
// abandoned and a full rebuild is signaled; it is the only recovery path
// from there.
//
// Catch-up never makes a replica Synchronized on its own. It only closes the
// gap; the promotion happens when the replica takes a full live commit round.
package resync

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hajournal/hajournal"
	"github.com/hajournal/hajournal/engine"
	"github.com/hajournal/hajournal/halog"
	"github.com/hajournal/hajournal/quorum"
	"github.com/hajournal/hajournal/rootstore"
	itoml "github.com/hajournal/hajournal/toml"
)

const (
	// DefaultCheckInterval is how often a follower compares its commit
	// point against the leader's.
	DefaultCheckInterval = 10 * time.Second

	// DefaultFetchTimeout bounds one segment fetch from a peer.
	DefaultFetchTimeout = 30 * time.Second
)

// Config holds the catch-up settings of one replica.
type Config struct {
	CheckInterval itoml.Duration `toml:"check-interval"`
	FetchTimeout  itoml.Duration `toml:"fetch-timeout"`
}

// NewConfig returns a new instance of Config with defaults.
func NewConfig() Config {
	return Config{
		CheckInterval: itoml.Duration(DefaultCheckInterval),
		FetchTimeout:  itoml.Duration(DefaultFetchTimeout),
	}
}

// Validate returns an error if the settings are unusable.
func (c Config) Validate() error {
	if c.CheckInterval <= 0 {
		return errors.New("resync check-interval must be positive")
	}
	if c.FetchTimeout <= 0 {
		return errors.New("resync fetch-timeout must be positive")
	}
	return nil
}

// Source serves what the local journal is missing: the leader's position and
// finalized segments from peers that still hold them. Write-once segments
// come back materialized, with payloads rebuilt from the peer's committed
// image.
type Source interface {
	Ping(ctx context.Context, target hajournal.ReplicaID) (hajournal.Status, error)
	FetchSegment(ctx context.Context, target hajournal.ReplicaID, counter uint64) (io.ReadCloser, error)
}

// errPayloadElided marks a local write-once segment that logged envelopes
// only. A replica that has not committed the counter cannot rebuild the
// payloads itself; a peer that has serves them materialized.
var errPayloadElided = errors.New("resync: segment payloads elided")

// Resyncer drives one replica's catch-up. A periodic check compares the
// local commit point against the leader's; when behind, the replica leaves
// the voter set and replays every concluded commit it is missing. Replay
// runs beside the live pipeline: the receiver keeps logging segments for
// in-flight commits while older ones are applied here.
type Resyncer struct {
	ID hajournal.ReplicaID

	Oracle  quorum.Oracle
	Tracker *quorum.Tracker
	Log     *halog.Dir
	Store   *rootstore.Store
	Engine  engine.Engine
	Source  Source

	// Clock is replaceable for tests.
	Clock clock.Clock

	interval time.Duration
	timeout  time.Duration

	// runMu serializes catch-up runs; the periodic check and an explicit
	// CatchUp may not interleave replays.
	runMu sync.Mutex

	mu      sync.Mutex
	opened  bool
	closing chan struct{}
	rebuild error
	wg      sync.WaitGroup

	logger  *zap.Logger
	metrics *resyncMetrics
}

// NewResyncer returns a resyncer for the given replica. Collaborators are
// assigned before Open.
func NewResyncer(id hajournal.ReplicaID, c Config) *Resyncer {
	return &Resyncer{
		ID:       id,
		Clock:    clock.New(),
		interval: time.Duration(c.CheckInterval),
		timeout:  time.Duration(c.FetchTimeout),
		logger:   zap.NewNop(),
		metrics:  newResyncMetrics(),
	}
}

// WithLogger sets the logger on the resyncer.
func (r *Resyncer) WithLogger(log *zap.Logger) {
	r.logger = log.With(zap.String("service", "resync"))
}

// PrometheusCollectors returns the metrics of the resyncer.
func (r *Resyncer) PrometheusCollectors() []prometheus.Collector {
	return r.metrics.PrometheusCollectors()
}

// Open starts the periodic catch-up check. The first check runs right away
// so a restarted replica begins closing its gap without waiting out the
// interval.
func (r *Resyncer) Open() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.opened {
		return errors.New("resyncer already open")
	}
	r.opened = true
	r.closing = make(chan struct{})

	r.wg.Add(1)
	go r.run()

	r.logger.Info("Starting resync checks", zap.Duration("interval", r.interval))
	return nil
}

// Close stops the periodic check. A replay in progress finishes its current
// segment.
func (r *Resyncer) Close() error {
	r.mu.Lock()
	if !r.opened {
		r.mu.Unlock()
		return nil
	}
	r.opened = false
	close(r.closing)
	r.mu.Unlock()

	r.wg.Wait()
	return nil
}

// RebuildRequired returns the sticky catch-up verdict that only a full
// rebuild can recover this replica, or nil.
func (r *Resyncer) RebuildRequired() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rebuild
}

func (r *Resyncer) run() {
	defer r.wg.Done()

	r.check()

	ticker := r.Clock.Ticker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.closing:
			return
		case <-ticker.C:
			r.check()
		}
	}
}

func (r *Resyncer) check() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if _, err := r.CatchUp(ctx); err != nil {
		if errors.Is(err, hajournal.ErrRequiresFullRebuild) {
			// Already logged once, when the verdict was reached.
			return
		}
		r.logger.Warn("Catch-up attempt failed", zap.Error(err))
	}
}

// CatchUp replays every commit the quorum concluded past the local commit
// point and returns the counter the replica ends on. A replica found behind
// leaves the voter set before anything else; it returns to it only through a
// live commit round after catch-up. ErrRequiresFullRebuild is sticky: once
// replay hits history no member can supply, every later call refuses.
func (r *Resyncer) CatchUp(ctx context.Context) (uint64, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	local := r.Store.Current().CommitCounter
	if err := r.RebuildRequired(); err != nil {
		return local, err
	}

	token := r.Oracle.Token()
	members, err := r.Oracle.Members(token)
	if err != nil {
		return local, err
	}
	leader := members.Leader()
	if leader == r.ID {
		// The leader is the commit point.
		return local, nil
	}

	status, err := r.Source.Ping(ctx, leader)
	if err != nil {
		return local, errors.Wrap(err, "reaching the leader")
	}
	target := status.RootBlock.CommitCounter
	if local >= target {
		r.metrics.Lag.Set(0)
		return local, nil
	}

	// Provably behind. Leave the voter set before touching local state.
	r.Tracker.ObserveResyncing(r.ID, local)
	r.metrics.Lag.Set(float64(target - local))
	r.logger.Info("Catching up to quorum commit point",
		zap.Uint64("local", local),
		zap.Uint64("target", target))

	for counter := local + 1; counter <= target; counter++ {
		select {
		case <-ctx.Done():
			return counter - 1, ctx.Err()
		default:
		}

		if err := r.replay(ctx, counter, members); err != nil {
			if errors.Is(err, hajournal.ErrRequiresFullRebuild) {
				r.noteRebuild(counter, err)
			}
			return counter - 1, err
		}
		if err := r.Tracker.AdvanceResync(r.ID, counter); err != nil {
			r.logger.Debug("Unable to record resync progress", zap.Error(err))
		}
		r.metrics.Lag.Set(float64(target - counter))
	}

	r.logger.Info("Caught up to quorum commit point", zap.Uint64("commit", target))
	return target, nil
}

// replay applies one concluded commit: make sure a usable segment is on
// disk, stage its blocks in sequence order, then conclude it locally exactly
// as a live round would.
func (r *Resyncer) replay(ctx context.Context, counter uint64, members hajournal.Pipeline) error {
	fetched := false
	if !r.usable(counter) {
		if err := r.fetch(ctx, counter, members); err != nil {
			return err
		}
		fetched = true
	}

	source := "local"
	if fetched {
		source = "fetched"
	}

	rb, err := r.apply(counter)
	if err != nil && !fetched && (errors.Is(err, errPayloadElided) || errors.Is(err, hajournal.ErrLogCorrupt)) {
		// The local copy cannot be replayed; a peer's can replace it.
		r.Engine.Rollback()
		if err := r.fetch(ctx, counter, members); err != nil {
			return err
		}
		source = "fetched"
		rb, err = r.apply(counter)
	}
	if err != nil {
		r.Engine.Rollback()
		if errors.Is(err, errPayloadElided) || errors.Is(err, hajournal.ErrLogCorrupt) {
			return errors.Wrapf(hajournal.ErrRequiresFullRebuild, "segment for commit %d unusable: %s", counter, err)
		}
		return err
	}

	// Engine before root block: the receiver starts staging blocks for the
	// next commit the moment the root flips, and those must not be swept
	// into this one.
	if err := r.Engine.Commit(); err != nil {
		return err
	}
	pc, err := r.Store.Propose(rb)
	if err != nil {
		return err
	}
	if err := pc.Commit(); err != nil {
		return err
	}

	r.metrics.Segments.WithLabelValues(source).Inc()
	r.logger.Debug("Replayed commit",
		zap.Uint64("commit", counter),
		zap.String("source", source))
	return nil
}

// usable reports whether the local segment for the counter can be replayed.
func (r *Resyncer) usable(counter uint64) bool {
	return r.Log.Contains(counter) && r.Log.Verify(counter) == nil
}

// apply stages every block of a segment into the engine and returns the
// sealed root block. Nothing is committed here.
func (r *Resyncer) apply(counter uint64) (hajournal.RootBlock, error) {
	rd, err := r.Log.OpenReader(counter)
	if err != nil {
		return hajournal.RootBlock{}, err
	}
	defer rd.Close()

	var expect uint32
	for rd.Next() {
		msg, payload, err := rd.Read()
		if err != nil {
			return hajournal.RootBlock{}, err
		}
		if msg.Sequence != expect {
			return hajournal.RootBlock{}, errors.Wrapf(hajournal.ErrLogCorrupt, "commit %d holds sequence %d where %d belongs", counter, msg.Sequence, expect)
		}
		expect++
		if payload == nil && msg.Length > 0 {
			return hajournal.RootBlock{}, errPayloadElided
		}
		if err := r.Engine.Apply(hajournal.WriteCacheBlock{Offset: msg.Offset, Data: payload}); err != nil {
			return hajournal.RootBlock{}, err
		}
	}
	if err := rd.Error(); err != nil {
		return hajournal.RootBlock{}, err
	}

	rb, ok := rd.RootBlock()
	if !ok {
		return hajournal.RootBlock{}, errors.Wrapf(hajournal.ErrLogCorrupt, "segment for commit %d not finalized", counter)
	}
	if rb.CommitCounter != counter {
		return hajournal.RootBlock{}, errors.Wrapf(hajournal.ErrLogCorrupt, "segment for commit %d sealed with root block %d", counter, rb.CommitCounter)
	}
	return rb, nil
}

// fetch installs the segment for a counter from the first peer that can
// supply it. A peer that answers without the segment, or with one that is
// corrupt, is a definitive miss; only when every peer misses definitively
// is the history declared gone. Unreachable peers keep the fetch retriable.
func (r *Resyncer) fetch(ctx context.Context, counter uint64, members hajournal.Pipeline) error {
	definitive := true
	for _, id := range members {
		if id == r.ID {
			continue
		}

		fctx, cancel := context.WithTimeout(ctx, r.timeout)
		rc, err := r.Source.FetchSegment(fctx, id, counter)
		if err == nil {
			err = r.Log.InstallFrom(counter, rc)
			rc.Close()
		}
		cancel()
		if err == nil {
			return nil
		}

		if !errors.Is(err, halog.ErrSegmentNotFound) && !errors.Is(err, hajournal.ErrLogCorrupt) {
			definitive = false
		}
		r.logger.Debug("Peer cannot supply segment",
			zap.String("peer", string(id)),
			zap.Uint64("commit", counter),
			zap.Error(err))
	}

	if definitive {
		return errors.Wrapf(hajournal.ErrRequiresFullRebuild, "no member holds the segment for commit %d", counter)
	}
	return errors.Errorf("no reachable member could supply the segment for commit %d", counter)
}

func (r *Resyncer) noteRebuild(counter uint64, err error) {
	r.mu.Lock()
	if r.rebuild == nil {
		r.rebuild = err
	}
	r.mu.Unlock()

	r.metrics.Rebuilds.Inc()
	r.logger.Error("Incremental catch-up impossible, full rebuild required",
		zap.Uint64("commit", counter),
		zap.Error(err))
}
