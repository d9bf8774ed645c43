// Package halog reads and writes the per-commit write-ahead log segments
// that make resynchronization of lagging replicas possible. One segment
// holds every replicated write of a single commit point and, once finalized,
// the root block that commit produced.
package halog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/hajournal/hajournal"
)

const (
	// HALogFileExtension is the file extension of log segments.
	HALogFileExtension = "halog"

	// counterDigits zero-pads segment file names so that lexical order
	// equals commit order across the full uint64 range.
	counterDigits = 20

	headerMagic = "HALG"

	segmentVersion = 1

	// headerLen is magic + version + strategy + counter + crc.
	headerLen = 4 + 1 + 1 + 8 + 4

	// recordHeaderLen is the type byte plus the body length.
	recordHeaderLen = 5

	// maxRecordLen caps a record body so a corrupt length field cannot
	// trigger an arbitrarily large allocation.
	maxRecordLen = 256 << 20

	writeBufLen = 128 << 10 // 128kb
)

// recordType marks what the body of a segment record contains.
type recordType byte

const (
	// writeRecordType is an envelope plus an optional compressed payload.
	writeRecordType recordType = 0x01

	// commitRecordType finalizes the segment with the commit's root block
	// and a checksum over every preceding byte of the file.
	commitRecordType recordType = 0x02
)

var (
	// ErrSegmentExists is returned when creating a segment whose commit
	// counter already has a file on disk.
	ErrSegmentExists = fmt.Errorf("log segment already exists")

	// ErrSegmentNotFound is returned when opening a segment that is not on
	// disk.
	ErrSegmentNotFound = fmt.Errorf("log segment not found")

	// ErrWriterFinalized is returned when appending to a finalized segment.
	ErrWriterFinalized = fmt.Errorf("log segment already finalized")

	// ErrWriterClosed is returned when using a closed writer.
	ErrWriterClosed = fmt.Errorf("log segment writer closed")
)

var bufPool sync.Pool

// SegmentFileName returns the file name of the segment for a commit counter.
func SegmentFileName(counter uint64) string {
	return fmt.Sprintf("%0*d.%s", counterDigits, counter, HALogFileExtension)
}

// counterFromFileName parses the commit counter from a segment file name.
func counterFromFileName(name string) (uint64, error) {
	base := filepath.Base(name)
	parts := strings.Split(base, ".")
	if len(parts) != 2 || parts[1] != HALogFileExtension || len(parts[0]) != counterDigits {
		return 0, fmt.Errorf("file %s has wrong name format to have a commit counter", name)
	}

	return strconv.ParseUint(parts[0], 10, 64)
}

// encodeHeader builds the fixed segment header.
func encodeHeader(counter uint64, strategy hajournal.StorageStrategy) []byte {
	b := make([]byte, headerLen)
	copy(b[0:4], headerMagic)
	b[4] = segmentVersion
	b[5] = byte(strategy)
	binary.BigEndian.PutUint64(b[6:14], counter)
	binary.BigEndian.PutUint32(b[14:18], crc32.ChecksumIEEE(b[:14]))
	return b
}

// decodeHeader validates a segment header and returns its counter and
// strategy.
func decodeHeader(b []byte) (uint64, hajournal.StorageStrategy, error) {
	if len(b) < headerLen {
		return 0, 0, fmt.Errorf("short segment header: %d bytes", len(b))
	}
	if string(b[0:4]) != headerMagic {
		return 0, 0, fmt.Errorf("bad segment magic %q", b[0:4])
	}
	if got, want := binary.BigEndian.Uint32(b[14:18]), crc32.ChecksumIEEE(b[:14]); got != want {
		return 0, 0, fmt.Errorf("segment header checksum mismatch: %08x != %08x", got, want)
	}
	if b[4] != segmentVersion {
		return 0, 0, fmt.Errorf("unsupported segment version %d", b[4])
	}
	return binary.BigEndian.Uint64(b[6:14]), hajournal.StorageStrategy(b[5]), nil
}

func u32tob(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func btou32(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}

// getBuf returns a buffer with length size from the buffer pool.
func getBuf(size int) []byte {
	x := bufPool.Get()
	if x == nil {
		return make([]byte, size)
	}
	buf := x.([]byte)
	if cap(buf) < size {
		return make([]byte, size)
	}
	return buf[:size]
}

// putBuf returns a buffer to the pool.
func putBuf(buf []byte) {
	bufPool.Put(buf)
}
