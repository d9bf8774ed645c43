package engine

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/hajournal/hajournal"
)

// DefaultPageSize is the page granularity committed blocks are stored at.
const DefaultPageSize = 4096

var (
	bucketPages = []byte("pages")
	bucketMeta  = []byte("meta")

	keyExtent   = []byte("extent")
	keyPageSize = []byte("page-size")
)

// ErrEngineClosed is returned when an operation reaches a closed engine.
var ErrEngineClosed = errors.New("engine: closed")

// Bolt is a durable Engine keeping the journal image as fixed-size pages in
// a bolt file. One update transaction applies the whole staged set, so a
// crash never exposes half a commit.
type Bolt struct {
	mu   sync.RWMutex
	path string
	db   *bolt.DB

	pageSize int
	extent   uint64
	staged   []hajournal.WriteCacheBlock

	logger *zap.Logger
}

// NewBolt returns an engine backed by the bolt file at path.
func NewBolt(path string) *Bolt {
	return &Bolt{
		path:     path,
		pageSize: DefaultPageSize,
		logger:   zap.NewNop(),
	}
}

// WithLogger sets the logger on the engine.
func (e *Bolt) WithLogger(log *zap.Logger) {
	e.logger = log.With(zap.String("service", "engine"))
}

// SetPageSize overrides the page granularity a fresh journal image is created
// with. It must be called before Open; an existing image keeps the page size
// it was created with.
func (e *Bolt) SetPageSize(n int) {
	if n > 0 {
		e.pageSize = n
	}
}

// Open opens the underlying bolt file, creating it if needed, and loads the
// committed extent. The page size is fixed at creation and read back on
// every subsequent open.
func (e *Bolt) Open(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(e.path), 0777); err != nil {
		return errors.Wrap(err, "unable to create directory for journal image")
	}

	// Wait up to 1s for the file lock so a restarting replica does not race
	// its former self.
	db, err := bolt.Open(e.path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return errors.Wrapf(err, "unable to open journal image at %s", e.path)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketPages); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}

		if v := meta.Get(keyPageSize); v != nil {
			e.pageSize = int(binary.BigEndian.Uint32(v))
		} else {
			var v [4]byte
			binary.BigEndian.PutUint32(v[:], uint32(e.pageSize))
			if err := meta.Put(keyPageSize, v[:]); err != nil {
				return err
			}
		}

		if v := meta.Get(keyExtent); v != nil {
			e.extent = binary.BigEndian.Uint64(v)
		}
		return nil
	}); err != nil {
		db.Close()
		return err
	}

	e.db = db
	e.logger.Info("Opened journal image",
		zap.String("path", e.path),
		zap.Uint64("extent", e.extent),
		zap.Int("page_size", e.pageSize))
	return nil
}

// Apply stages one replicated block.
func (e *Bolt) Apply(block hajournal.WriteCacheBlock) error {
	if block.Offset < 0 {
		return errors.Errorf("engine: negative write offset %d", block.Offset)
	}

	data := make([]byte, len(block.Data))
	copy(data, block.Data)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.db == nil {
		return ErrEngineClosed
	}
	e.staged = append(e.staged, hajournal.WriteCacheBlock{Offset: block.Offset, Data: data})
	return nil
}

// Commit applies the staged blocks in one bolt transaction. A failure here
// means the local store can no longer follow the quorum.
func (e *Bolt) Commit() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.db == nil {
		return ErrEngineClosed
	}
	if len(e.staged) == 0 {
		return nil
	}

	extent := e.extent
	if err := e.db.Update(func(tx *bolt.Tx) error {
		pages := tx.Bucket(bucketPages)
		for _, b := range e.staged {
			if err := writePages(pages, e.pageSize, b); err != nil {
				return err
			}
			if end := uint64(b.Offset) + uint64(len(b.Data)); end > extent {
				extent = end
			}
		}
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], extent)
		return tx.Bucket(bucketMeta).Put(keyExtent, v[:])
	}); err != nil {
		return hajournal.NewIOFailure("engine commit", err)
	}

	e.extent = extent
	e.staged = nil
	return nil
}

// writePages copies one block into the page bucket, read-modify-write per
// page span.
func writePages(bkt *bolt.Bucket, pageSize int, b hajournal.WriteCacheBlock) error {
	data := b.Data
	off := uint64(b.Offset)
	for len(data) > 0 {
		pageNo := off / uint64(pageSize)
		pageOff := int(off % uint64(pageSize))
		n := pageSize - pageOff
		if n > len(data) {
			n = len(data)
		}

		var key [8]byte
		binary.BigEndian.PutUint64(key[:], pageNo)

		page := make([]byte, pageSize)
		if existing := bkt.Get(key[:]); existing != nil {
			copy(page, existing)
		}
		copy(page[pageOff:], data[:n])
		if err := bkt.Put(key[:], page); err != nil {
			return err
		}

		data = data[n:]
		off += uint64(n)
	}
	return nil
}

// Rollback discards the staged blocks.
func (e *Bolt) Rollback() error {
	e.mu.Lock()
	e.staged = nil
	e.mu.Unlock()
	return nil
}

// ReadAt reads committed data. Reads past the extent return io.EOF; pages
// never written read as zeroes.
func (e *Bolt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.Errorf("engine: negative read offset %d", off)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.db == nil {
		return 0, ErrEngineClosed
	}

	if uint64(off) >= e.extent {
		return 0, io.EOF
	}
	want := len(p)
	if rem := e.extent - uint64(off); uint64(want) > rem {
		want = int(rem)
	}

	if err := e.db.View(func(tx *bolt.Tx) error {
		pages := tx.Bucket(bucketPages)
		done := 0
		pos := uint64(off)
		for done < want {
			pageNo := pos / uint64(e.pageSize)
			pageOff := int(pos % uint64(e.pageSize))
			n := e.pageSize - pageOff
			if n > want-done {
				n = want - done
			}

			var key [8]byte
			binary.BigEndian.PutUint64(key[:], pageNo)

			if page := pages.Get(key[:]); page != nil {
				copy(p[done:done+n], page[pageOff:pageOff+n])
			} else {
				for i := done; i < done+n; i++ {
					p[i] = 0
				}
			}

			done += n
			pos += uint64(n)
		}
		return nil
	}); err != nil {
		return 0, hajournal.NewIOFailure("engine read", err)
	}

	if want < len(p) {
		return want, io.EOF
	}
	return want, nil
}

// Extent returns the committed length in bytes.
func (e *Bolt) Extent() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.extent
}

// StagedExtent returns the length the store will have once the staged set
// commits.
func (e *Bolt) StagedExtent() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	extent := e.extent
	for _, b := range e.staged {
		if end := uint64(b.Offset) + uint64(len(b.Data)); end > extent {
			extent = end
		}
	}
	return extent
}

// Close drops any staged blocks and closes the bolt file.
func (e *Bolt) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.db == nil {
		return nil
	}
	e.staged = nil
	err := e.db.Close()
	e.db = nil
	return err
}

// Path returns the bolt file path.
func (e *Bolt) Path() string { return e.path }
