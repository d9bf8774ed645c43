// Package engine holds the local block store behind one replica. The
// replication core stages replicated blocks into it, commits the staged set
// atomically when the quorum agrees, and reads committed data back out of it.
package engine

import (
	"io"

	"github.com/hajournal/hajournal"
)

// Engine is the single-node store one replica applies its commits to.
// Staged blocks stay invisible to ReadAt until Commit; Rollback drops them.
// Reads never see a half-applied commit.
type Engine interface {
	io.ReaderAt

	// Apply stages one replicated block.
	Apply(block hajournal.WriteCacheBlock) error

	// Commit makes every staged block visible, atomically.
	Commit() error

	// Rollback discards the staged blocks.
	Rollback() error

	// Extent returns the committed length in bytes.
	Extent() uint64

	// StagedExtent returns the length the store will have once the staged
	// set commits.
	StagedExtent() uint64

	Close() error
}
