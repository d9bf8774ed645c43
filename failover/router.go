// Package failover routes reads away from replicas that cannot answer them.
// A read is tried against the local committed image first and retried against
// the remaining quorum members, in pipeline order, until one serves it or the
// retry budget runs out. Every candidate serves only its committed state, so
// a rerouted read never observes a commit in flight.
package failover

import (
	"context"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hajournal/hajournal"
	"github.com/hajournal/hajournal/engine"
	"github.com/hajournal/hajournal/quorum"
)

// DefaultMaxRetries bounds how many peers a failed read is retried against.
const DefaultMaxRetries = 3

// Config holds the read failover settings of one replica.
type Config struct {
	MaxRetries int `toml:"max-retries"`
}

// NewConfig returns a new instance of Config with defaults.
func NewConfig() Config {
	return Config{MaxRetries: DefaultMaxRetries}
}

// Validate returns an error if the settings are unusable.
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return errors.New("failover max-retries cannot be negative")
	}
	return nil
}

// Source reads from a peer's committed image.
type Source interface {
	ReadAt(ctx context.Context, target hajournal.ReplicaID, p []byte, off int64) (int, error)
}

// Router serves reads for one replica, failing over to peers when the local
// engine cannot answer. It holds no state of its own.
type Router struct {
	ID hajournal.ReplicaID

	Oracle  quorum.Oracle
	Tracker *quorum.Tracker
	Engine  engine.Engine
	Source  Source

	retries int

	logger  *zap.Logger
	metrics *failoverMetrics
}

// NewRouter returns a read router for the given replica. Collaborators are
// assigned before use.
func NewRouter(id hajournal.ReplicaID, c Config) *Router {
	return &Router{
		ID:      id,
		retries: c.MaxRetries,
		logger:  zap.NewNop(),
		metrics: newFailoverMetrics(),
	}
}

// WithLogger sets the logger on the router.
func (r *Router) WithLogger(log *zap.Logger) {
	r.logger = log.With(zap.String("service", "failover"))
}

// PrometheusCollectors returns the metrics of the router.
func (r *Router) PrometheusCollectors() []prometheus.Collector {
	return r.metrics.PrometheusCollectors()
}

// ReadAt reads len(p) bytes of committed data at offset off. The local image
// answers when it can; on a local failure the read moves to the remaining
// members in pipeline order, skipping replicas known to be out of the quorum,
// for at most MaxRetries attempts. io.EOF is an answer, not a failure: every
// replica ends a short read the same way, so there is nothing to retry.
// When every candidate fails the read returns ErrAllReplicasUnavailable.
func (r *Router) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	var errs *multierror.Error

	if r.candidate(r.ID) {
		n, err := r.Engine.ReadAt(p, off)
		if err == nil || errors.Is(err, io.EOF) {
			r.metrics.Reads.WithLabelValues("local").Inc()
			return n, err
		}
		errs = multierror.Append(errs, errors.Wrap(err, "local read"))
		r.logger.Warn("Local read failed, failing over",
			zap.Int64("offset", off),
			zap.Error(err))
	}

	members, err := r.Oracle.Members(r.Oracle.Token())
	if err != nil {
		errs = multierror.Append(errs, err)
		return 0, r.exhausted(errs)
	}

	retries := 0
	for _, id := range members {
		if id == r.ID || !r.candidate(id) {
			continue
		}
		if retries >= r.retries {
			break
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		retries++

		n, err := r.Source.ReadAt(ctx, id, p, off)
		if err == nil || errors.Is(err, io.EOF) {
			r.metrics.Reads.WithLabelValues("remote").Inc()
			r.metrics.Failovers.Inc()
			r.logger.Debug("Read served by peer",
				zap.String("peer", string(id)),
				zap.Int64("offset", off))
			return n, err
		}
		errs = multierror.Append(errs, errors.Wrapf(err, "replica %s", id))
		r.logger.Warn("Peer read failed",
			zap.String("peer", string(id)),
			zap.Int64("offset", off),
			zap.Error(err))
	}

	return 0, r.exhausted(errs)
}

// candidate reports whether a replica may serve reads. Only replicas known to
// be out of the quorum are excluded; one this replica has no verdict on is
// still worth asking.
func (r *Router) candidate(id hajournal.ReplicaID) bool {
	state, ok := r.Tracker.State(id)
	return !ok || state != hajournal.NotJoined
}

func (r *Router) exhausted(errs *multierror.Error) error {
	r.metrics.Exhausted.Inc()
	if err := errs.ErrorOrNil(); err != nil {
		return errors.Wrapf(hajournal.ErrAllReplicasUnavailable, "read failed on %d candidates: %s", len(errs.Errors), err)
	}
	return errors.Wrap(hajournal.ErrAllReplicasUnavailable, "no replica is available to read from")
}
