package engine

import (
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/hajournal/hajournal"
)

// Inmem is a volatile Engine. It backs tests and ephemeral replicas whose
// state is rebuilt from peers on every start.
type Inmem struct {
	mu        sync.RWMutex
	committed []byte
	staged    []hajournal.WriteCacheBlock
}

// NewInmem returns an empty in-memory engine.
func NewInmem() *Inmem { return &Inmem{} }

// Apply stages one replicated block.
func (e *Inmem) Apply(block hajournal.WriteCacheBlock) error {
	if block.Offset < 0 {
		return errors.Errorf("engine: negative write offset %d", block.Offset)
	}

	data := make([]byte, len(block.Data))
	copy(data, block.Data)

	e.mu.Lock()
	e.staged = append(e.staged, hajournal.WriteCacheBlock{Offset: block.Offset, Data: data})
	e.mu.Unlock()
	return nil
}

// Commit applies the staged blocks, in order, to the committed image.
func (e *Inmem) Commit() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, b := range e.staged {
		end := b.Offset + int64(len(b.Data))
		if int64(len(e.committed)) < end {
			grown := make([]byte, end)
			copy(grown, e.committed)
			e.committed = grown
		}
		copy(e.committed[b.Offset:end], b.Data)
	}
	e.staged = nil
	return nil
}

// Rollback discards the staged blocks.
func (e *Inmem) Rollback() error {
	e.mu.Lock()
	e.staged = nil
	e.mu.Unlock()
	return nil
}

// ReadAt reads committed data. Reads past the extent return io.EOF.
func (e *Inmem) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.Errorf("engine: negative read offset %d", off)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if off >= int64(len(e.committed)) {
		return 0, io.EOF
	}
	n := copy(p, e.committed[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Extent returns the committed length in bytes.
func (e *Inmem) Extent() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return uint64(len(e.committed))
}

// StagedExtent returns the length the store will have once the staged set
// commits.
func (e *Inmem) StagedExtent() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	extent := int64(len(e.committed))
	for _, b := range e.staged {
		if end := b.Offset + int64(len(b.Data)); end > extent {
			extent = end
		}
	}
	return uint64(extent)
}

// Close releases nothing; the image is gone with the process.
func (e *Inmem) Close() error { return nil }
