// Package rootstore persists the two alternating root block slots that
// define the committed state of a journal replica. Commits overwrite the
// slot not currently in use, so a torn write can only ever damage a commit
// that had not yet happened.
package rootstore

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/hajournal/hajournal"
)

// RootBlockFile is the file name of the root block store inside a journal
// directory.
const RootBlockFile = "rootblocks"

const slots = 2

// Store holds the current commit point of one replica and mediates the
// propose/commit/discard cycle of the two-phase protocol.
type Store struct {
	mu      sync.Mutex
	path    string
	f       *os.File
	current int // slot holding the current root block
	rb      hajournal.RootBlock
	pending *PendingCommit

	logger *zap.Logger
}

// PendingCommit is a proposed root block that has been accepted but not yet
// made durable. Exactly one may exist at a time.
type PendingCommit struct {
	store *Store
	rb    hajournal.RootBlock
}

// New returns a new instance of Store backed by the file at path.
func New(path string) *Store {
	return &Store{
		path:   path,
		logger: zap.NewNop(),
	}
}

// WithLogger sets the logger on the Store.
func (s *Store) WithLogger(log *zap.Logger) {
	s.logger = log.With(zap.String("service", "rootstore"))
}

// Path returns the file path of the store.
func (s *Store) Path() string { return s.path }

// Open reads both slots and selects the valid one with the higher commit
// counter. A fresh file is seeded with the genesis root block for the given
// strategy.
func (s *Store) Open(strategy hajournal.StorageStrategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return err
	}
	s.f = f

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	if fi.Size() == 0 {
		rb := hajournal.Genesis(strategy)
		if err := s.writeSlot(0, rb); err != nil {
			f.Close()
			return err
		}
		s.current, s.rb = 0, rb
		s.logger.Info("Seeded root block store", zap.String("strategy", strategy.String()))
		return nil
	}

	slot, rb, err := recoverSlots(f)
	if err != nil {
		f.Close()
		return err
	}
	if rb.Strategy != strategy {
		f.Close()
		return errors.Errorf("root block store holds %s data, configured for %s", rb.Strategy, strategy)
	}

	s.current, s.rb = slot, rb
	s.logger.Info("Recovered root block store",
		zap.Uint64("commit", rb.CommitCounter),
		zap.Int("slot", slot))
	return nil
}

// recoverSlots picks the valid slot with the higher commit counter.
func recoverSlots(f *os.File) (int, hajournal.RootBlock, error) {
	valid := -1
	var best hajournal.RootBlock

	buf := make([]byte, hajournal.RootBlockSize)
	for slot := 0; slot < slots; slot++ {
		if _, err := f.ReadAt(buf, int64(slot*hajournal.RootBlockSize)); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				continue
			}
			return 0, hajournal.RootBlock{}, err
		}
		var rb hajournal.RootBlock
		if err := rb.UnmarshalBinary(buf); err != nil {
			continue
		}
		if valid < 0 || rb.CommitCounter > best.CommitCounter {
			valid, best = slot, rb
		}
	}

	if valid < 0 {
		// Existing store with no readable slot. Local state is unusable;
		// only a full copy from a healthy peer can bring this replica back.
		return 0, hajournal.RootBlock{}, errors.Wrap(hajournal.ErrRequiresFullRebuild, "no valid root block slot")
	}
	return valid, best, nil
}

// Close closes the store file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	s.pending = nil
	return err
}

// Current returns the committed root block.
func (s *Store) Current() hajournal.RootBlock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rb
}

// Pending returns the proposed root block, if a commit is in flight.
func (s *Store) Pending() (hajournal.RootBlock, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return hajournal.RootBlock{}, false
	}
	return s.pending.rb, true
}

// Propose accepts the candidate root block of the next commit. Nothing is
// written until the pending commit is committed; readers keep seeing the
// current root block throughout.
func (s *Store) Propose(candidate hajournal.RootBlock) (*PendingCommit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return nil, errors.New("root block store closed")
	}
	if s.pending != nil {
		return nil, errors.Errorf("commit %d already pending", s.pending.rb.CommitCounter)
	}
	if want := s.rb.CommitCounter + 1; candidate.CommitCounter != want {
		return nil, errors.Errorf("candidate commit counter %d, expected %d", candidate.CommitCounter, want)
	}
	if candidate.Strategy != s.rb.Strategy {
		return nil, errors.Errorf("candidate strategy %s, store holds %s", candidate.Strategy, s.rb.Strategy)
	}

	s.pending = &PendingCommit{store: s, rb: candidate}
	return s.pending, nil
}

// RootBlock returns the proposed root block.
func (p *PendingCommit) RootBlock() hajournal.RootBlock { return p.rb }

// Commit writes the proposed root block into the alternate slot and syncs
// it. Once Commit returns, the proposed commit point is the durable truth.
func (p *PendingCommit) Commit() error {
	s := p.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending != p {
		return errors.New("commit is no longer pending")
	}

	slot := 1 - s.current
	if err := s.writeSlot(slot, p.rb); err != nil {
		return err
	}

	s.current, s.rb, s.pending = slot, p.rb, nil
	s.logger.Debug("Committed root block",
		zap.Uint64("commit", p.rb.CommitCounter),
		zap.Int("slot", slot))
	return nil
}

// Discard drops the proposed root block without touching disk. Discarding a
// commit that is no longer pending is a no-op.
func (p *PendingCommit) Discard() {
	s := p.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == p {
		s.pending = nil
	}
}

// writeSlot makes one root block slot durable. Callers hold the mutex.
func (s *Store) writeSlot(slot int, rb hajournal.RootBlock) error {
	b, err := rb.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := s.f.WriteAt(b, int64(slot*hajournal.RootBlockSize)); err != nil {
		return hajournal.NewIOFailure("root block write", err)
	}
	if err := s.f.Sync(); err != nil {
		return hajournal.NewIOFailure("root block sync", err)
	}
	return nil
}
