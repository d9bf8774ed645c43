package transport

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/hajournal/hajournal"
	"github.com/hajournal/hajournal/coordinator"
)

var _ Transport = (*LocalClient)(nil)

// Local connects replicas in one process. Each replica registers the same
// handler it would mount over HTTP, and clients drive its collaborators
// directly. Tests inject failures by taking replicas down or cutting the
// link between two of them.
type Local struct {
	mu    sync.RWMutex
	nodes map[hajournal.ReplicaID]*Handler
	down  map[hajournal.ReplicaID]bool
	cuts  map[link]bool
}

type link struct {
	a, b hajournal.ReplicaID
}

func newLink(a, b hajournal.ReplicaID) link {
	if b < a {
		a, b = b, a
	}
	return link{a: a, b: b}
}

// NewLocal returns an empty registry.
func NewLocal() *Local {
	return &Local{
		nodes: make(map[hajournal.ReplicaID]*Handler),
		down:  make(map[hajournal.ReplicaID]bool),
		cuts:  make(map[link]bool),
	}
}

// Register adds a replica's handler to the registry.
func (l *Local) Register(id hajournal.ReplicaID, h *Handler) {
	l.mu.Lock()
	l.nodes[id] = h
	l.mu.Unlock()
}

// Client returns the transport one replica uses to reach the others.
func (l *Local) Client(self hajournal.ReplicaID) *LocalClient {
	return &LocalClient{registry: l, self: self}
}

// Down takes a replica off the air. Every call to it fails until Up.
func (l *Local) Down(id hajournal.ReplicaID) {
	l.mu.Lock()
	l.down[id] = true
	l.mu.Unlock()
}

// Up brings a replica back.
func (l *Local) Up(id hajournal.ReplicaID) {
	l.mu.Lock()
	delete(l.down, id)
	l.mu.Unlock()
}

// Cut severs the link between two replicas in both directions.
func (l *Local) Cut(a, b hajournal.ReplicaID) {
	l.mu.Lock()
	l.cuts[newLink(a, b)] = true
	l.mu.Unlock()
}

// Heal restores a cut link.
func (l *Local) Heal(a, b hajournal.ReplicaID) {
	l.mu.Lock()
	delete(l.cuts, newLink(a, b))
	l.mu.Unlock()
}

func (l *Local) lookup(from, to hajournal.ReplicaID) (*Handler, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h, ok := l.nodes[to]
	if !ok {
		return nil, errors.Errorf("no replica %s registered", to)
	}
	if l.down[to] || l.cuts[newLink(from, to)] {
		return nil, errors.Errorf("replica %s unreachable", to)
	}
	return h, nil
}

// LocalClient is one replica's view of the registry.
type LocalClient struct {
	registry *Local
	self     hajournal.ReplicaID
}

func (c *LocalClient) handler(ctx context.Context, target hajournal.ReplicaID) (*Handler, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.registry.lookup(c.self, target)
}

// SendBlock delivers one pipeline block. The payload is copied so the
// receiver never aliases the sender's buffer, matching the wire.
func (c *LocalClient) SendBlock(ctx context.Context, target hajournal.ReplicaID, msg hajournal.HAWriteMessage, payload []byte) ([]hajournal.ReplicaID, error) {
	h, err := c.handler(ctx, target)
	if err != nil {
		return nil, err
	}
	dup := make([]byte, len(payload))
	copy(dup, payload)
	return h.Receiver.Receive(ctx, c.self, msg, dup)
}

// Prepare solicits the target's vote on a candidate root block.
func (c *LocalClient) Prepare(ctx context.Context, target hajournal.ReplicaID, req coordinator.PrepareRequest) (coordinator.Vote, error) {
	h, err := c.handler(ctx, target)
	if err != nil {
		return coordinator.Vote{}, err
	}
	return h.Participant.Prepare(ctx, req), nil
}

// Commit instructs the target to conclude an acked round.
func (c *LocalClient) Commit(ctx context.Context, target hajournal.ReplicaID, req coordinator.CommitRequest) error {
	h, err := c.handler(ctx, target)
	if err != nil {
		return err
	}
	return h.Participant.Commit(ctx, req)
}

// Abort instructs the target to discard a failed round.
func (c *LocalClient) Abort(ctx context.Context, target hajournal.ReplicaID, req coordinator.AbortRequest) error {
	h, err := c.handler(ctx, target)
	if err != nil {
		return err
	}
	return h.Participant.Abort(ctx, req)
}

// Purge instructs the target to drop segments through a commit counter.
func (c *LocalClient) Purge(ctx context.Context, target hajournal.ReplicaID, req coordinator.PurgeRequest) error {
	h, err := c.handler(ctx, target)
	if err != nil {
		return err
	}
	return h.Participant.Purge(ctx, req)
}

// ForcePurge asks the target to broadcast an operator purge.
func (c *LocalClient) ForcePurge(ctx context.Context, target hajournal.ReplicaID) (uint64, error) {
	h, err := c.handler(ctx, target)
	if err != nil {
		return 0, err
	}
	if h.Coordinator == nil {
		return 0, errors.Wrap(hajournal.ErrNotLeader, "purge broadcast runs on the coordinator")
	}
	return h.Coordinator.ForcePurge(ctx)
}

// FetchSegment streams one finalized segment from the target, materialized
// the same way the HTTP endpoint serves it.
func (c *LocalClient) FetchSegment(ctx context.Context, target hajournal.ReplicaID, counter uint64) (io.ReadCloser, error) {
	h, err := c.handler(ctx, target)
	if err != nil {
		return nil, err
	}
	path, cleanup, err := h.Log.Materialize(counter, h.Engine)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		cleanup()
		return nil, err
	}
	return &segmentStream{f: f, cleanup: cleanup}, nil
}

// Rebuild streams a full-rebuild seed from the target.
func (c *LocalClient) Rebuild(ctx context.Context, target hajournal.ReplicaID) (hajournal.RootBlock, io.ReadCloser, error) {
	h, err := c.handler(ctx, target)
	if err != nil {
		return hajournal.RootBlock{}, nil, err
	}
	rb := h.Reporter.Status().RootBlock
	img := io.NewSectionReader(h.Engine, 0, int64(rb.Extent))
	return rb, io.NopCloser(img), nil
}

// ReadAt reads committed data from the target's image.
func (c *LocalClient) ReadAt(ctx context.Context, target hajournal.ReplicaID, p []byte, off int64) (int, error) {
	h, err := c.handler(ctx, target)
	if err != nil {
		return 0, err
	}
	return h.Engine.ReadAt(p, off)
}

// Ping probes the target and returns its status.
func (c *LocalClient) Ping(ctx context.Context, target hajournal.ReplicaID) (hajournal.Status, error) {
	h, err := c.handler(ctx, target)
	if err != nil {
		return hajournal.Status{}, err
	}
	return h.Reporter.Status(), nil
}

// segmentStream hands out a materialized segment file and runs its cleanup
// on close.
type segmentStream struct {
	f       *os.File
	cleanup func()
}

func (s *segmentStream) Read(p []byte) (int, error) { return s.f.Read(p) }

func (s *segmentStream) Close() error {
	err := s.f.Close()
	s.cleanup()
	return err
}
