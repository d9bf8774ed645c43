package quorum

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/hajournal/hajournal"
	itoml "github.com/hajournal/hajournal/toml"
)

const (
	// DefaultMonitorInterval is how often the leader pings every member.
	DefaultMonitorInterval = 10 * time.Second

	// DefaultPingTimeout bounds one health check round trip.
	DefaultPingTimeout = 2 * time.Second

	// DefaultFailureThreshold is how many consecutive failed health checks
	// demote a member.
	DefaultFailureThreshold = 3
)

// MonitorConfig holds the health check settings of the leader.
type MonitorConfig struct {
	Enabled          bool           `toml:"enabled"`
	Interval         itoml.Duration `toml:"interval"`
	PingTimeout      itoml.Duration `toml:"ping-timeout"`
	FailureThreshold int            `toml:"failure-threshold"`
}

// NewMonitorConfig returns a new instance of MonitorConfig with defaults.
func NewMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Enabled:          true,
		Interval:         itoml.Duration(DefaultMonitorInterval),
		PingTimeout:      itoml.Duration(DefaultPingTimeout),
		FailureThreshold: DefaultFailureThreshold,
	}
}

// Validate returns an error if the settings are unusable.
func (c MonitorConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Interval <= 0 {
		return errors.New("monitor interval must be positive")
	}
	if c.PingTimeout <= 0 {
		return errors.New("monitor ping-timeout must be positive")
	}
	if c.FailureThreshold < 1 {
		return errors.New("monitor failure-threshold must be at least 1")
	}
	return nil
}

// Pinger asks one replica for its replication status.
type Pinger interface {
	Ping(ctx context.Context, target hajournal.ReplicaID) (hajournal.Status, error)
}

// Monitor runs the leader's health checks. Members that stop answering are
// demoted to NotJoined after a run of consecutive failures; members that
// answer have their reported state reconciled into the tracker. A member
// that merely voted Nack is never demoted here, only one that is genuinely
// gone.
type Monitor struct {
	ID hajournal.ReplicaID

	Oracle  Oracle
	Tracker *Tracker
	Pinger  Pinger

	// Journal answers with the local, authoritative commit point.
	Journal interface {
		Current() hajournal.RootBlock
	}

	// Clock is replaceable for tests.
	Clock clock.Clock

	interval  time.Duration
	timeout   time.Duration
	threshold int

	mu       sync.Mutex
	opened   bool
	closing  chan struct{}
	failures map[hajournal.ReplicaID]int
	wg       sync.WaitGroup

	logger *zap.Logger
}

// NewMonitor returns a monitor with the given settings. Collaborators are
// assigned before Open.
func NewMonitor(c MonitorConfig) *Monitor {
	return &Monitor{
		Clock:     clock.New(),
		interval:  time.Duration(c.Interval),
		timeout:   time.Duration(c.PingTimeout),
		threshold: c.FailureThreshold,
		failures:  make(map[hajournal.ReplicaID]int),
		logger:    zap.NewNop(),
	}
}

// WithLogger sets the logger on the monitor.
func (m *Monitor) WithLogger(log *zap.Logger) {
	m.logger = log.With(zap.String("service", "monitor"))
}

// Open starts the health check loop.
func (m *Monitor) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.opened {
		return errors.New("monitor already open")
	}
	m.opened = true
	m.closing = make(chan struct{})

	m.wg.Add(1)
	go m.run()

	m.logger.Info("Starting quorum health checks",
		zap.Duration("interval", m.interval),
		zap.Int("failure_threshold", m.threshold))
	return nil
}

// Close stops the health check loop.
func (m *Monitor) Close() error {
	m.mu.Lock()
	if !m.opened {
		m.mu.Unlock()
		return nil
	}
	m.opened = false
	close(m.closing)
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := m.Clock.Ticker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.closing:
			return
		case <-ticker.C:
			m.check()
		}
	}
}

// check pings every member once and reconciles the answers.
func (m *Monitor) check() {
	token := m.Oracle.Token()
	members, err := m.Oracle.Members(token)
	if err != nil {
		return
	}

	for _, id := range members {
		if id == m.ID {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		status, err := m.Pinger.Ping(ctx, id)
		cancel()

		if err != nil {
			m.noteFailure(id, err)
			continue
		}
		m.noteSuccess(id, status)
	}
}

func (m *Monitor) noteFailure(id hajournal.ReplicaID, err error) {
	m.mu.Lock()
	m.failures[id]++
	n := m.failures[id]
	m.mu.Unlock()

	if n < m.threshold {
		m.logger.Debug("Health check failed",
			zap.String("replica", string(id)),
			zap.Int("consecutive", n),
			zap.Error(err))
		return
	}

	if st, ok := m.Tracker.State(id); ok && st != hajournal.NotJoined {
		m.logger.Warn("Demoting unreachable quorum member",
			zap.String("replica", string(id)),
			zap.Int("consecutive_failures", n),
			zap.Error(err))
		m.Tracker.MarkNotJoined(id, "health checks failing")
	}
}

func (m *Monitor) noteSuccess(id hajournal.ReplicaID, status hajournal.Status) {
	m.mu.Lock()
	delete(m.failures, id)
	m.mu.Unlock()

	current := m.Journal.Current()

	switch status.State {
	case hajournal.Synchronized:
		switch {
		case status.RootBlock == current:
			// Identical commit point, byte for byte: safe to vote.
			m.Tracker.ObserveSynchronized(id, status.RootBlock.CommitCounter)
		case status.RootBlock.CommitCounter < current.CommitCounter:
			// Transiently behind; the commit flow handles it.
		default:
			// Same counter with different contents, or ahead of the
			// leader. Either way the member has diverged.
			m.Tracker.MarkNotJoined(id, "root block diverged")
		}
	case hajournal.Resyncing:
		m.Tracker.ObserveResyncing(id, status.RootBlock.CommitCounter)
	default:
		m.Tracker.MarkNotJoined(id, "reported not-joined")
	}
}
