package halog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/hajournal/hajournal"
	"github.com/hajournal/hajournal/pkg/file"
)

// Config holds the log directory settings of one replica.
type Config struct {
	Dir        string `toml:"dir"`
	SyncWrites bool   `toml:"sync-writes"`
}

// NewConfig returns a new instance of Config with defaults.
func NewConfig() Config {
	return Config{
		SyncWrites: true,
	}
}

// Dir manages the segment files of one replica: creation, replay, recovery
// after a crash, serving to peers, and purging once the whole quorum has
// caught up.
type Dir struct {
	mu       sync.RWMutex
	path     string
	counters []uint64           // sorted commit counters present on disk
	writers  map[uint64]*Writer // open segments of in-flight commits

	syncWrites bool

	logger *zap.Logger
}

var materializeSeq uint64

// NewDir returns a new instance of Dir.
func NewDir(c Config) *Dir {
	return &Dir{
		path:       c.Dir,
		writers:    make(map[uint64]*Writer),
		syncWrites: c.SyncWrites,
		logger:     zap.NewNop(),
	}
}

// WithLogger sets the logger on the Dir.
func (d *Dir) WithLogger(log *zap.Logger) {
	d.logger = log.With(zap.String("service", "halog"))
}

// Open creates the directory if needed and scans it for segments.
func (d *Dir) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.path == "" {
		return errors.New("halog: directory required")
	}
	if err := os.MkdirAll(d.path, 0777); err != nil {
		return err
	}
	return d.rescan()
}

// Close closes any open segment writers. Their unfinalized files stay on
// disk for recovery to judge.
func (d *Dir) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var err error
	for counter, w := range d.writers {
		if cerr := w.Close(); cerr != nil && err == nil {
			err = cerr
		}
		delete(d.writers, counter)
	}
	return err
}

// Path returns the directory path.
func (d *Dir) Path() string { return d.path }

// rescan rebuilds the counter list from disk. Callers hold the mutex.
func (d *Dir) rescan() error {
	files, err := segmentFileNames(d.path)
	if err != nil {
		return err
	}

	counters := make([]uint64, 0, len(files))
	for _, fn := range files {
		counter, err := counterFromFileName(fn)
		if err != nil {
			// Not a segment. Leave foreign files alone.
			continue
		}
		counters = append(counters, counter)
	}
	sort.Slice(counters, func(i, j int) bool { return counters[i] < counters[j] })
	d.counters = counters
	return nil
}

// segmentFileNames returns the segment files in dir in lexical, and
// therefore commit, order.
func segmentFileNames(dir string) ([]string, error) {
	names, err := filepath.Glob(filepath.Join(dir, fmt.Sprintf("*.%s", HALogFileExtension)))
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Counters returns the commit counters of all segments on disk, ascending.
func (d *Dir) Counters() []uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]uint64, len(d.counters))
	copy(out, d.counters)
	return out
}

// Contains reports whether a segment for the commit counter is on disk.
func (d *Dir) Contains(counter uint64) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.contains(counter)
}

func (d *Dir) contains(counter uint64) bool {
	i := sort.Search(len(d.counters), func(i int) bool { return d.counters[i] >= counter })
	return i < len(d.counters) && d.counters[i] == counter
}

// LastCounter returns the highest commit counter on disk.
func (d *Dir) LastCounter() (uint64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.counters) == 0 {
		return 0, false
	}
	return d.counters[len(d.counters)-1], true
}

// SegmentPath returns the file path of the segment for a commit counter.
func (d *Dir) SegmentPath(counter uint64) string {
	return filepath.Join(d.path, SegmentFileName(counter))
}

// Create starts the segment for a commit counter. The directory entry is
// synced so a finalized segment can never disappear in a crash.
func (d *Dir) Create(counter uint64, strategy hajournal.StorageStrategy) (*Writer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.contains(counter) {
		return nil, ErrSegmentExists
	}

	w, err := CreateSegment(d.SegmentPath(counter), counter, strategy)
	if err != nil {
		return nil, err
	}
	w.SyncWrites = d.syncWrites

	if err := file.SyncDir(d.path); err != nil {
		w.Close()
		os.Remove(w.Path())
		return nil, err
	}

	d.counters = append(d.counters, counter)
	sort.Slice(d.counters, func(i, j int) bool { return d.counters[i] < d.counters[j] })

	return w, nil
}

// Append routes one replicated block to the segment of its commit counter,
// creating the segment on first use. A leftover unfinalized file for the
// counter belongs to an aborted attempt and is replaced; a finalized one
// records a concluded commit and is never touched.
func (d *Dir) Append(msg hajournal.HAWriteMessage, payload []byte) error {
	d.mu.Lock()
	w, err := d.openWriter(msg.CommitCounter, msg.Strategy)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	return w.Append(msg, payload)
}

// openWriter returns the open segment writer for a commit counter, creating
// the segment if needed. Callers hold the mutex.
func (d *Dir) openWriter(counter uint64, strategy hajournal.StorageStrategy) (*Writer, error) {
	if w, ok := d.writers[counter]; ok {
		return w, nil
	}

	path := d.SegmentPath(counter)
	if d.contains(counter) {
		if err := verifySegment(path, counter); err == nil {
			return nil, ErrSegmentExists
		}
		if err := os.Remove(path); err != nil {
			return nil, err
		}
		for i, c := range d.counters {
			if c == counter {
				d.counters = append(d.counters[:i], d.counters[i+1:]...)
				break
			}
		}
		d.logger.Info("Replaced segment of an aborted commit", zap.Uint64("commit", counter))
	}

	w, err := CreateSegment(path, counter, strategy)
	if err != nil {
		return nil, err
	}
	w.SyncWrites = d.syncWrites

	if err := file.SyncDir(d.path); err != nil {
		w.Close()
		os.Remove(path)
		return nil, err
	}

	d.counters = append(d.counters, counter)
	sort.Slice(d.counters, func(i, j int) bool { return d.counters[i] < d.counters[j] })
	d.writers[counter] = w
	return w, nil
}

// OpenSequence returns the sequence number the next append for a commit must
// carry, and whether a segment is open for it.
func (d *Dir) OpenSequence(counter uint64) (uint32, bool) {
	d.mu.RLock()
	w, ok := d.writers[counter]
	d.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return w.Sequence(), true
}

// Finalize seals the open segment for a commit with its root block and
// closes it. A commit with an empty write set seals a freshly created
// segment.
func (d *Dir) Finalize(rb hajournal.RootBlock) error {
	d.mu.Lock()
	w, ok := d.writers[rb.CommitCounter]
	if !ok {
		var err error
		if w, err = d.openWriter(rb.CommitCounter, rb.Strategy); err != nil {
			d.mu.Unlock()
			return err
		}
	}
	delete(d.writers, rb.CommitCounter)
	d.mu.Unlock()

	if err := w.Finalize(rb); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// Abandon closes the open segment for a commit without sealing it, leaving
// the unfinalized file in place.
func (d *Dir) Abandon(counter uint64) error {
	d.mu.Lock()
	w, ok := d.writers[counter]
	delete(d.writers, counter)
	d.mu.Unlock()

	if !ok {
		return nil
	}
	return w.Close()
}

// Unfinalize strips the seal from the segment of an aborted commit so replay
// can never mistake it for a concluded one. The write records stay in place;
// the next attempt at the counter starts a fresh segment. Missing or already
// unfinalized segments are left alone.
func (d *Dir) Unfinalize(counter uint64) error {
	if err := d.Abandon(counter); err != nil {
		return err
	}
	if !d.Contains(counter) {
		return nil
	}

	r, err := OpenSegment(d.SegmentPath(counter))
	if err != nil {
		return err
	}
	for r.Next() {
		if _, _, err := r.Read(); err != nil {
			r.Close()
			return nil // already unreplayable
		}
	}
	off, ok := r.CommitRecordOffset()
	r.Close()
	if !ok {
		return nil
	}

	f, err := os.OpenFile(d.SegmentPath(counter), os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	if err := f.Truncate(off); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}

	d.logger.Info("Stripped seal from aborted commit segment", zap.Uint64("commit", counter))
	return f.Close()
}

// OpenReader opens the segment for a commit counter for replay.
func (d *Dir) OpenReader(counter uint64) (*Reader, error) {
	if !d.Contains(counter) {
		return nil, ErrSegmentNotFound
	}
	return OpenSegment(d.SegmentPath(counter))
}

// Purge removes the segment for a commit counter.
func (d *Dir) Purge(counter uint64) error {
	return d.PurgeThrough(counter, counter)
}

// PurgeThrough removes every segment with from <= counter <= through.
// Segments are only purged once every configured member holds their commit.
func (d *Dir) PurgeThrough(from, through uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	remaining := make([]uint64, 0, len(d.counters))
	removed := 0
	var firstErr error
	for _, c := range d.counters {
		if firstErr == nil && c >= from && c <= through {
			if err := os.Remove(d.SegmentPath(c)); err != nil && !os.IsNotExist(err) {
				firstErr = err
				remaining = append(remaining, c)
				continue
			}
			removed++
			continue
		}
		remaining = append(remaining, c)
	}
	d.counters = remaining

	if removed == 0 {
		return firstErr
	}
	if err := file.SyncDir(d.path); err != nil && firstErr == nil {
		firstErr = err
	}
	d.logger.Info("Purged log segments",
		zap.Int("segments", removed),
		zap.Uint64("through", through))
	return firstErr
}

// Recover removes unusable segments from the tail of the directory. A crash
// can leave the newest segment unfinalized or torn; such a segment belongs
// to a commit that can never conclude and must not survive a restart.
// Older segments are left in place even when damaged, since peers can
// replace them during resynchronization.
func (d *Dir) Recover() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for len(d.counters) > 0 {
		tail := d.counters[len(d.counters)-1]
		err := verifySegment(d.SegmentPath(tail), tail)
		if err == nil {
			break
		}
		d.logger.Warn("Removing unusable log segment tail",
			zap.Uint64("commit", tail),
			zap.Error(err))
		if rerr := os.Remove(d.SegmentPath(tail)); rerr != nil {
			return rerr
		}
		d.counters = d.counters[:len(d.counters)-1]
	}

	return file.SyncDir(d.path)
}

// Verify replays the segment for a commit counter and reports whether it is
// complete and internally consistent.
func (d *Dir) Verify(counter uint64) error {
	if !d.Contains(counter) {
		return ErrSegmentNotFound
	}
	return verifySegment(d.SegmentPath(counter), counter)
}

func verifySegment(path string, counter uint64) error {
	r, err := OpenSegment(path)
	if err != nil {
		return err
	}
	defer r.Close()

	if r.Counter() != counter {
		return errors.Wrapf(hajournal.ErrLogCorrupt, "segment header counter %d, file named %d", r.Counter(), counter)
	}
	for r.Next() {
		if _, _, err := r.Read(); err != nil {
			return err
		}
	}
	if err := r.Error(); err != nil {
		return err
	}
	if _, ok := r.RootBlock(); !ok {
		return errors.Wrap(hajournal.ErrLogCorrupt, "segment not finalized")
	}
	return nil
}

// Install moves a segment fetched from a peer into the directory, replacing
// any local file for the same counter. The source is validated first so a
// damaged transfer can never shadow local state.
func (d *Dir) Install(counter uint64, srcPath string) error {
	if err := verifySegment(srcPath, counter); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := file.MoveFileWithReplacement(srcPath, d.SegmentPath(counter)); err != nil {
		return err
	}
	if err := file.SyncDir(d.path); err != nil {
		return err
	}

	if !d.contains(counter) {
		d.counters = append(d.counters, counter)
		sort.Slice(d.counters, func(i, j int) bool { return d.counters[i] < d.counters[j] })
	}

	d.logger.Info("Installed log segment from peer", zap.Uint64("commit", counter))
	return nil
}

// InstallFrom streams a segment fetched from a peer into a temporary file
// and installs it.
func (d *Dir) InstallFrom(counter uint64, src io.Reader) error {
	tmp := fmt.Sprintf("%s.fetch%d", d.SegmentPath(counter), atomic.AddUint64(&materializeSeq, 1))
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		return err
	}

	fail := func(err error) error {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if _, err := io.Copy(f, src); err != nil {
		return fail(errors.Wrapf(err, "streaming segment for commit %d", counter))
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := d.Install(counter, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Materialize returns the path of a self-contained copy of a segment,
// suitable for streaming to a resyncing peer. Write-once segments elide
// payloads, so a served copy is rebuilt with block data read back from the
// committed image. The cleanup func removes any temporary copy.
func (d *Dir) Materialize(counter uint64, img io.ReaderAt) (string, func(), error) {
	r, err := d.OpenReader(counter)
	if err != nil {
		return "", nil, err
	}

	if r.Strategy() != hajournal.StrategyWORM {
		r.Close()
		return d.SegmentPath(counter), func() {}, nil
	}
	defer r.Close()

	tmp := fmt.Sprintf("%s.m%d", d.SegmentPath(counter), atomic.AddUint64(&materializeSeq, 1))
	w, err := CreateSegment(tmp, counter, hajournal.StrategyWORM)
	if err != nil {
		return "", nil, err
	}
	w.SyncWrites = false

	cleanup := func() { os.Remove(tmp) }
	fail := func(err error) (string, func(), error) {
		w.Close()
		cleanup()
		return "", nil, err
	}

	for r.Next() {
		msg, payload, err := r.Read()
		if err != nil {
			return fail(err)
		}
		if payload == nil {
			payload = make([]byte, msg.Length)
			if _, err := img.ReadAt(payload, msg.Offset); err != nil {
				return fail(errors.Wrapf(err, "reading block for commit %d sequence %d from committed image", counter, msg.Sequence))
			}
			if !msg.VerifyPayload(payload) {
				return fail(errors.Wrapf(hajournal.ErrLogCorrupt, "committed image does not match envelope for sequence %d", msg.Sequence))
			}
		}
		if err := w.Append(msg, payload); err != nil {
			return fail(err)
		}
	}
	if err := r.Error(); err != nil {
		return fail(err)
	}

	rb, ok := r.RootBlock()
	if !ok {
		return fail(errors.Wrap(hajournal.ErrLogCorrupt, "segment not finalized"))
	}
	if err := w.Finalize(rb); err != nil {
		return fail(err)
	}
	if err := w.Close(); err != nil {
		return fail(err)
	}

	return tmp, cleanup, nil
}
