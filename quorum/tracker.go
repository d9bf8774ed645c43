package quorum

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/hajournal/hajournal"
)

// Tracker holds the sync state of every replica as seen by this node. Only
// Synchronized members vote in commit rounds; Resyncing members receive
// pipeline traffic without voting; NotJoined members are ignored entirely.
//
// State may only move NotJoined -> Resyncing -> Synchronized and from
// anywhere back to NotJoined. A Synchronized replica that falls behind must
// pass through NotJoined again; there is no shortcut back into Resyncing.
type Tracker struct {
	mu      sync.RWMutex
	entries map[hajournal.ReplicaID]*trackerEntry

	logger *zap.Logger
}

type trackerEntry struct {
	state   hajournal.SyncState
	applied uint64 // highest commit counter applied, as last reported
}

// NewTracker returns an empty tracker; every replica starts NotJoined.
func NewTracker() *Tracker {
	return &Tracker{
		entries: make(map[hajournal.ReplicaID]*trackerEntry),
		logger:  zap.NewNop(),
	}
}

// WithLogger sets the logger on the tracker.
func (t *Tracker) WithLogger(log *zap.Logger) {
	t.logger = log.With(zap.String("service", "quorum"))
}

// State returns the sync state of a replica and whether it has ever been
// tracked. Untracked replicas are NotJoined.
func (t *Tracker) State(id hajournal.ReplicaID) (hajournal.SyncState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[id]
	if !ok {
		return hajournal.NotJoined, false
	}
	return e.state, true
}

// Applied returns the highest commit counter a replica has reported applied.
func (t *Tracker) Applied(id hajournal.ReplicaID) (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[id]
	if !ok {
		return 0, false
	}
	return e.applied, true
}

// JoinSynchronized admits a replica straight into the voter set. Legal only
// from NotJoined, when the replica provably holds the current commit point.
func (t *Tracker) JoinSynchronized(id hajournal.ReplicaID, counter uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entry(id)
	switch e.state {
	case hajournal.Synchronized:
		e.applied = counter
		return nil
	case hajournal.NotJoined:
		e.state, e.applied = hajournal.Synchronized, counter
		t.logger.Info("Replica joined quorum synchronized",
			zap.String("replica", string(id)),
			zap.Uint64("commit", counter))
		return nil
	default:
		return errors.Errorf("replica %s cannot join synchronized from %s", id, e.state)
	}
}

// StartResync marks a replica as replaying history. Legal only from
// NotJoined.
func (t *Tracker) StartResync(id hajournal.ReplicaID, applied uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entry(id)
	switch e.state {
	case hajournal.Resyncing:
		return nil
	case hajournal.NotJoined:
		e.state, e.applied = hajournal.Resyncing, applied
		t.logger.Info("Replica resynchronizing",
			zap.String("replica", string(id)),
			zap.Uint64("applied", applied))
		return nil
	default:
		return errors.Errorf("replica %s cannot start resync from %s", id, e.state)
	}
}

// AdvanceResync records resync progress. The applied counter never moves
// backwards.
func (t *Tracker) AdvanceResync(id hajournal.ReplicaID, applied uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entry(id)
	if e.state != hajournal.Resyncing {
		return errors.Errorf("replica %s is %s, not resyncing", id, e.state)
	}
	if applied > e.applied {
		e.applied = applied
	}
	return nil
}

// CompleteLiveRound promotes a resyncing replica that was caught up and has
// now taken part in the full prepare and commit of the given counter. This
// is the only way from Resyncing to Synchronized.
func (t *Tracker) CompleteLiveRound(id hajournal.ReplicaID, counter uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entry(id)
	if e.state != hajournal.Resyncing {
		return errors.Errorf("replica %s is %s, not resyncing", id, e.state)
	}
	if e.applied+1 != counter {
		return errors.Errorf("replica %s applied %d, cannot complete live round %d", id, e.applied, counter)
	}

	e.state, e.applied = hajournal.Synchronized, counter
	t.logger.Info("Replica synchronized after live commit round",
		zap.String("replica", string(id)),
		zap.Uint64("commit", counter))
	return nil
}

// MarkNotJoined drops a replica from replication. Legal from any state.
func (t *Tracker) MarkNotJoined(id hajournal.ReplicaID, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entry(id)
	if e.state == hajournal.NotJoined {
		return
	}
	t.logger.Warn("Replica left quorum",
		zap.String("replica", string(id)),
		zap.String("state", e.state.String()),
		zap.String("reason", reason))
	e.state = hajournal.NotJoined
}

// entry returns the tracked entry for id, creating it NotJoined. Callers
// hold the mutex.
func (t *Tracker) entry(id hajournal.ReplicaID) *trackerEntry {
	e, ok := t.entries[id]
	if !ok {
		e = &trackerEntry{state: hajournal.NotJoined}
		t.entries[id] = e
	}
	return e
}

// Synchronized returns the members currently allowed to vote, in pipeline
// order.
func (t *Tracker) Synchronized(members hajournal.Pipeline) []hajournal.ReplicaID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []hajournal.ReplicaID
	for _, id := range members {
		if e, ok := t.entries[id]; ok && e.state == hajournal.Synchronized {
			out = append(out, id)
		}
	}
	return out
}

// JoinCandidates returns the resyncing members that have applied every
// commit through counter and only await one live round, in pipeline order.
func (t *Tracker) JoinCandidates(members hajournal.Pipeline, counter uint64) []hajournal.ReplicaID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []hajournal.ReplicaID
	for _, id := range members {
		if e, ok := t.entries[id]; ok && e.state == hajournal.Resyncing && e.applied == counter {
			out = append(out, id)
		}
	}
	return out
}

// FullyMet reports whether every configured member is Synchronized. Only
// then may historical log segments be purged.
func (t *Tracker) FullyMet(members hajournal.Pipeline) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, id := range members {
		e, ok := t.entries[id]
		if !ok || e.state != hajournal.Synchronized {
			return false
		}
	}
	return len(members) > 0
}

// ObserveSynchronized reconciles a health check report of a member whose
// root block matches the leader's byte for byte. Equal root blocks certify
// an identical commit point, so admission is safe from any state.
func (t *Tracker) ObserveSynchronized(id hajournal.ReplicaID, counter uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entry(id)
	if e.state == hajournal.Synchronized {
		e.applied = counter
		return
	}
	e.state, e.applied = hajournal.Synchronized, counter
	t.logger.Info("Replica joined quorum synchronized",
		zap.String("replica", string(id)),
		zap.Uint64("commit", counter))
}

// ObserveResyncing reconciles a health check report of a resyncing replica.
// A replica that was Synchronized and now reports Resyncing has restarted;
// it leaves the voter set first.
func (t *Tracker) ObserveResyncing(id hajournal.ReplicaID, applied uint64) {
	st, _ := t.State(id)
	switch st {
	case hajournal.Synchronized:
		t.MarkNotJoined(id, "reported resyncing")
		t.StartResync(id, applied)
	case hajournal.NotJoined:
		t.StartResync(id, applied)
	default:
		t.AdvanceResync(id, applied)
	}
}
