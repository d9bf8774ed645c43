// Package run assembles and runs one replica of the journal: storage layers,
// quorum bookkeeping, the ordered pipeline, commit rounds, catch-up and the
// HTTP endpoints, composed from a single TOML config.
package run

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hajournal/hajournal"
	"github.com/hajournal/hajournal/coordinator"
	"github.com/hajournal/hajournal/engine"
	"github.com/hajournal/hajournal/failover"
	"github.com/hajournal/hajournal/halog"
	"github.com/hajournal/hajournal/pipeline"
	"github.com/hajournal/hajournal/quorum"
	"github.com/hajournal/hajournal/resync"
	"github.com/hajournal/hajournal/rootstore"
	"github.com/hajournal/hajournal/transport"
)

// BuildInfo represents the build details for the server code.
type BuildInfo struct {
	Version string
	Commit  string
	Branch  string
	Time    string
}

// Server is one journal replica. The leader additionally carries the
// coordinator and the health monitor; followers carry the resyncer. Every
// replica serves the pipeline receiver, the commit participant, segment
// fetches and rerouted reads.
type Server struct {
	buildInfo BuildInfo
	config    *Config

	BindAddress string
	Listener    net.Listener

	Node *hajournal.Node

	Logger *zap.Logger

	strategy hajournal.StorageStrategy
	members  hajournal.Pipeline

	store   *rootstore.Store
	log     *halog.Dir
	eng     *engine.Bolt
	oracle  *quorum.StaticOracle
	tracker *quorum.Tracker

	transport   *transport.HTTP
	sender      *pipeline.Sender
	receiver    *pipeline.Receiver
	participant *coordinator.Participant
	coord       *coordinator.Coordinator
	monitor     *quorum.Monitor
	resyncer    *resync.Resyncer
	router      *failover.Router
	handler     *transport.Handler

	registry *prometheus.Registry

	httpServer *http.Server
	err        chan error
}

// NewServer returns a new instance of Server built from c. The config must
// already be validated.
func NewServer(c *Config, buildInfo *BuildInfo) (*Server, error) {
	if err := os.MkdirAll(c.Journal.Dir, 0777); err != nil {
		return nil, errors.Wrap(err, "mkdir journal dir")
	}

	node, err := hajournal.NewNode(c.Journal.Dir)
	if err != nil {
		return nil, err
	}
	node.BindAddress = c.HTTP.BindAddress
	if err := node.Save(); err != nil {
		return nil, err
	}
	self := node.ReplicaID()

	strategy, err := hajournal.ParseStorageStrategy(c.Journal.Strategy)
	if err != nil {
		return nil, err
	}

	// Static membership from config; with no members configured the
	// replica runs standalone, a quorum of itself.
	members := hajournal.Pipeline{self}
	addrs := map[hajournal.ReplicaID]string{self: c.HTTP.BindAddress}
	if len(c.Quorum.Members) > 0 {
		members, addrs, err = c.Quorum.Parse()
		if err != nil {
			return nil, err
		}
		if !members.Contains(self) {
			return nil, errors.Errorf("replica %s is not a quorum member; check [quorum] members and %s", self, filepath.Join(c.Journal.Dir, "node.json"))
		}
	}

	s := &Server{
		buildInfo:   *buildInfo,
		config:      c,
		BindAddress: c.HTTP.BindAddress,
		Node:        node,
		Logger:      zap.NewNop(),
		strategy:    strategy,
		members:     members,
		err:         make(chan error, 1),
	}

	logConfig := c.HALog
	if logConfig.Dir == "" {
		logConfig.Dir = filepath.Join(c.Journal.Dir, "halog")
	}

	s.store = rootstore.New(filepath.Join(c.Journal.Dir, rootstore.RootBlockFile))
	s.log = halog.NewDir(logConfig)
	s.eng = engine.NewBolt(filepath.Join(c.Journal.Dir, "image.bolt"))
	if c.Journal.PageSize > 0 {
		s.eng.SetPageSize(int(c.Journal.PageSize))
	}
	s.oracle = quorum.NewStaticOracle(self, hajournal.QuorumToken(c.Quorum.Token), members)
	s.tracker = quorum.NewTracker()

	if s.transport, err = transport.NewHTTP(self, addrs); err != nil {
		return nil, err
	}

	// Sender and receiver share one set of pipeline collectors.
	pipelineMetrics := pipeline.NewMetrics()

	s.sender = pipeline.NewSender(c.Pipeline)
	s.sender.ID = self
	s.sender.Oracle = s.oracle
	s.sender.Transport = s.transport
	s.sender.Log = s.log
	s.sender.Metrics = pipelineMetrics

	s.receiver = pipeline.NewReceiver(c.Pipeline)
	s.receiver.ID = self
	s.receiver.Oracle = s.oracle
	s.receiver.Transport = s.transport
	s.receiver.Log = s.log
	s.receiver.Engine = s.eng
	s.receiver.Journal = s.store
	s.receiver.Metrics = pipelineMetrics

	s.participant = coordinator.NewParticipant(self)
	s.participant.Oracle = s.oracle
	s.participant.Log = s.log
	s.participant.Store = s.store
	s.participant.Engine = s.eng
	s.participant.Tracker = s.tracker

	if members.Leader() == self {
		s.coord = coordinator.NewCoordinator(c.Coordinator)
		s.coord.ID = self
		s.coord.Oracle = s.oracle
		s.coord.Tracker = s.tracker
		s.coord.Sender = s.sender
		s.coord.Commander = s.transport
		s.coord.Local = s.participant
		s.coord.Engine = s.eng
		s.coord.Journal = s.store

		if c.Monitor.Enabled {
			s.monitor = quorum.NewMonitor(c.Monitor)
			s.monitor.ID = self
			s.monitor.Oracle = s.oracle
			s.monitor.Tracker = s.tracker
			s.monitor.Pinger = s.transport
			s.monitor.Journal = s.store
		}
	} else {
		s.resyncer = resync.NewResyncer(self, c.Resync)
		s.resyncer.Oracle = s.oracle
		s.resyncer.Tracker = s.tracker
		s.resyncer.Log = s.log
		s.resyncer.Store = s.store
		s.resyncer.Engine = s.eng
		s.resyncer.Source = s.transport
	}

	s.router = failover.NewRouter(self, c.Failover)
	s.router.Oracle = s.oracle
	s.router.Tracker = s.tracker
	s.router.Engine = s.eng
	s.router.Source = s.transport

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(prometheus.NewGoCollector())
	s.registry.MustRegister(pipelineMetrics.PrometheusCollectors()...)
	s.registry.MustRegister(s.router.PrometheusCollectors()...)
	if s.coord != nil {
		s.registry.MustRegister(s.coord.PrometheusCollectors()...)
	}
	if s.resyncer != nil {
		s.registry.MustRegister(s.resyncer.PrometheusCollectors()...)
	}

	s.handler = transport.NewHandler(self)
	s.handler.Participant = s.participant
	s.handler.Receiver = s.receiver
	s.handler.Reporter = s
	s.handler.Log = s.log
	s.handler.Engine = s.eng
	s.handler.Metrics = promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
	if s.coord != nil {
		s.handler.Coordinator = s.coord
	}

	return s, nil
}

// WithLogger sets the logger on the server and plumbs it through every
// assembled service.
func (s *Server) WithLogger(log *zap.Logger) {
	s.Logger = log
	s.store.WithLogger(log)
	s.log.WithLogger(log)
	s.eng.WithLogger(log)
	s.tracker.WithLogger(log)
	s.transport.WithLogger(log)
	s.sender.WithLogger(log)
	s.receiver.WithLogger(log)
	s.participant.WithLogger(log)
	s.router.WithLogger(log)
	s.handler.WithLogger(log)
	if s.coord != nil {
		s.coord.WithLogger(log)
	}
	if s.monitor != nil {
		s.monitor.WithLogger(log)
	}
	if s.resyncer != nil {
		s.resyncer.WithLogger(log)
	}
}

// Err returns an error channel that multiplexes all out of band errors
// received from all server services.
func (s *Server) Err() <-chan error { return s.err }

// Open opens every service in dependency order and starts serving the HTTP
// endpoints. Storage first: the root block store names the commit point the
// log recovery and all join bookkeeping key off.
func (s *Server) Open() error {
	if err := s.store.Open(s.strategy); err != nil {
		return errors.Wrap(err, "open root block store")
	}
	if err := s.log.Open(); err != nil {
		return errors.Wrap(err, "open log dir")
	}
	if err := s.log.Recover(); err != nil {
		return errors.Wrap(err, "recover log dir")
	}
	if err := s.eng.Open(context.Background()); err != nil {
		return errors.Wrap(err, "open engine")
	}

	// Every member starts out trusted at the local commit point. The first
	// monitor pass, prepare verdicts and the resyncer correct the record
	// within one cycle.
	current := s.store.Current().CommitCounter
	for _, id := range s.members {
		if err := s.tracker.JoinSynchronized(id, current); err != nil {
			return err
		}
	}

	if err := s.sender.Open(); err != nil {
		return err
	}
	if s.monitor != nil {
		if err := s.monitor.Open(); err != nil {
			return err
		}
	}
	if s.resyncer != nil {
		if err := s.resyncer.Open(); err != nil {
			return err
		}
	}

	ln, err := net.Listen("tcp", s.BindAddress)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.BindAddress)
	}
	s.Listener = ln

	s.httpServer = &http.Server{Handler: s.handler}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.err <- err
		}
	}()

	s.Logger.Info("Listening",
		zap.String("service", "hajournald"),
		zap.String("addr", ln.Addr().String()),
		zap.String("version", s.buildInfo.Version),
		zap.String("replica", string(s.Node.ReplicaID())),
		zap.String("role", s.role()),
		zap.Uint64("commit", current))
	return nil
}

func (s *Server) role() string {
	if s.coord != nil {
		return "leader"
	}
	return "follower"
}

// Close shuts the server down in reverse dependency order.
func (s *Server) Close() error {
	var result *multierror.Error

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		result = multierror.Append(result, s.httpServer.Shutdown(ctx))
		cancel()
	}
	if s.monitor != nil {
		result = multierror.Append(result, s.monitor.Close())
	}
	if s.resyncer != nil {
		result = multierror.Append(result, s.resyncer.Close())
	}
	result = multierror.Append(result, s.sender.Close())
	result = multierror.Append(result, s.eng.Close())
	result = multierror.Append(result, s.log.Close())
	result = multierror.Append(result, s.store.Close())
	return result.ErrorOrNil()
}

// Status reports this replica's view of itself to health probes. A replica
// with a fatal local failure or a pending full rebuild reports NotJoined no
// matter what the tracker last recorded.
func (s *Server) Status() hajournal.Status {
	self := s.Node.ReplicaID()
	status := hajournal.Status{
		Replica:   self,
		RootBlock: s.store.Current(),
	}

	switch {
	case s.participant.Err() != nil:
		status.State = hajournal.NotJoined
	case s.resyncer != nil && s.resyncer.RebuildRequired() != nil:
		status.State = hajournal.NotJoined
	default:
		state, ok := s.tracker.State(self)
		if !ok {
			state = hajournal.NotJoined
		}
		status.State = state
	}
	return status
}

// Coordinator returns the commit coordinator, or nil anywhere but the
// pipeline head.
func (s *Server) Coordinator() *coordinator.Coordinator { return s.coord }

// Router returns the read router.
func (s *Server) Router() *failover.Router { return s.router }
