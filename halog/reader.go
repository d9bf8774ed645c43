package halog

import (
	"hash/crc32"
	"io"
	"os"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/hajournal/hajournal"
)

// Reader iterates the replicated writes of one segment in sequence order,
// verifying every record checksum and, at the end, the whole-file checksum
// sealed into the commit record. Any structural damage surfaces as
// ErrLogCorrupt.
type Reader struct {
	f        *os.File
	counter  uint64
	strategy hajournal.StorageStrategy

	msg     hajournal.HAWriteMessage
	payload []byte
	rb      *hajournal.RootBlock
	err     error

	fileCRC   uint32 // running checksum over every byte read
	seq       uint32 // next expected sequence
	offset    int64  // file offset of the next record
	commitOff int64  // file offset of the commit record, once seen
	done      bool
}

// OpenSegment opens a segment file for replay and validates its header.
func OpenSegment(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSegmentNotFound
		}
		return nil, err
	}

	hdr := make([]byte, headerLen)
	if _, err := io.ReadFull(f, hdr); err != nil {
		f.Close()
		return nil, errors.Wrap(hajournal.ErrLogCorrupt, "short segment header")
	}

	counter, strategy, err := decodeHeader(hdr)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(hajournal.ErrLogCorrupt, err.Error())
	}

	return &Reader{
		f:        f,
		counter:  counter,
		strategy: strategy,
		fileCRC:  crc32.ChecksumIEEE(hdr),
		offset:   int64(len(hdr)),
	}, nil
}

// Counter returns the commit counter the segment belongs to.
func (r *Reader) Counter() uint64 { return r.counter }

// Strategy returns the storage strategy the segment was written for.
func (r *Reader) Strategy() hajournal.StorageStrategy { return r.strategy }

// Next advances to the next write record. It returns false at the end of the
// segment; callers must then consult RootBlock to distinguish a finalized
// segment from a truncated one. When a record is damaged, Next returns true
// once so Read can surface the error.
func (r *Reader) Next() bool {
	if r.done || r.err != nil {
		return false
	}

	start := r.offset

	hdr := make([]byte, recordHeaderLen)
	if _, err := io.ReadFull(r.f, hdr); err != nil {
		if err == io.EOF {
			// No commit record: the segment was abandoned mid-commit.
			r.done = true
			return false
		}
		r.err = errors.Wrap(hajournal.ErrLogCorrupt, "torn record header")
		return true
	}

	typ := recordType(hdr[0])
	length := btou32(hdr[1:5])
	if length > maxRecordLen {
		r.err = errors.Wrapf(hajournal.ErrLogCorrupt, "record length %d exceeds limit", length)
		return true
	}

	body := make([]byte, int(length)+4)
	if _, err := io.ReadFull(r.f, body); err != nil {
		r.err = errors.Wrap(hajournal.ErrLogCorrupt, "torn record body")
		return true
	}

	crc := btou32(body[length:])
	body = body[:length]
	if got := crc32.ChecksumIEEE(body); got != crc {
		r.err = errors.Wrapf(hajournal.ErrLogCorrupt, "record checksum mismatch: %08x != %08x", got, crc)
		return true
	}

	prevCRC := r.fileCRC
	r.fileCRC = crc32.Update(r.fileCRC, crc32.IEEETable, hdr)
	r.fileCRC = crc32.Update(r.fileCRC, crc32.IEEETable, body)
	r.fileCRC = crc32.Update(r.fileCRC, crc32.IEEETable, u32tob(crc))
	r.offset = start + int64(recordHeaderLen) + int64(length) + 4

	switch typ {
	case writeRecordType:
		return r.nextWrite(body)
	case commitRecordType:
		r.commitOff = start
		r.finish(body, prevCRC)
		return r.err != nil
	default:
		r.err = errors.Wrapf(hajournal.ErrLogCorrupt, "unknown record type %#x", byte(typ))
		return true
	}
}

func (r *Reader) nextWrite(body []byte) bool {
	if len(body) < hajournal.HAWriteMessageSize {
		r.err = errors.Wrap(hajournal.ErrLogCorrupt, "short write record")
		return true
	}

	var msg hajournal.HAWriteMessage
	if err := msg.UnmarshalBinary(body); err != nil {
		r.err = errors.Wrap(hajournal.ErrLogCorrupt, err.Error())
		return true
	}
	if msg.CommitCounter != r.counter {
		r.err = errors.Wrapf(hajournal.ErrLogCorrupt, "write message for commit %d in segment %d", msg.CommitCounter, r.counter)
		return true
	}
	if msg.Sequence != r.seq {
		r.err = errors.Wrapf(hajournal.ErrLogCorrupt, "sequence gap: %d, expected %d", msg.Sequence, r.seq)
		return true
	}

	if len(body) == hajournal.HAWriteMessageSize {
		// Elided payload. Only write-once segments may omit block data.
		if r.strategy != hajournal.StrategyWORM {
			r.err = errors.Wrap(hajournal.ErrLogCorrupt, "missing payload in read-write segment")
			return true
		}
		r.payload = nil
	} else {
		payload, err := snappy.Decode(nil, body[hajournal.HAWriteMessageSize:])
		if err != nil {
			r.err = errors.Wrap(hajournal.ErrLogCorrupt, err.Error())
			return true
		}
		if !msg.VerifyPayload(payload) {
			r.err = errors.Wrapf(hajournal.ErrLogCorrupt, "payload does not match envelope for sequence %d", msg.Sequence)
			return true
		}
		r.payload = payload
	}

	r.msg = msg
	r.seq++
	return true
}

// finish validates the commit record and confirms nothing follows it.
func (r *Reader) finish(body []byte, prevCRC uint32) {
	if len(body) != hajournal.RootBlockSize+4 {
		r.err = errors.Wrap(hajournal.ErrLogCorrupt, "malformed commit record")
		return
	}

	var rb hajournal.RootBlock
	if err := rb.UnmarshalBinary(body[:hajournal.RootBlockSize]); err != nil {
		r.err = errors.Wrap(hajournal.ErrLogCorrupt, err.Error())
		return
	}
	if rb.CommitCounter != r.counter {
		r.err = errors.Wrapf(hajournal.ErrLogCorrupt, "root block for commit %d in segment %d", rb.CommitCounter, r.counter)
		return
	}
	if want := btou32(body[hajournal.RootBlockSize:]); want != prevCRC {
		r.err = errors.Wrapf(hajournal.ErrLogCorrupt, "segment checksum mismatch: %08x != %08x", prevCRC, want)
		return
	}

	var trailer [1]byte
	if _, err := r.f.Read(trailer[:]); err != io.EOF {
		r.err = errors.Wrap(hajournal.ErrLogCorrupt, "data after commit record")
		return
	}

	r.rb = &rb
	r.done = true
}

// Read returns the current write record. The payload is nil when the segment
// elides block data.
func (r *Reader) Read() (hajournal.HAWriteMessage, []byte, error) {
	if r.err != nil {
		return hajournal.HAWriteMessage{}, nil, r.err
	}
	return r.msg, r.payload, nil
}

// Error returns the first error encountered while iterating.
func (r *Reader) Error() error { return r.err }

// RootBlock returns the root block sealed into the segment, if iteration
// reached a valid commit record.
func (r *Reader) RootBlock() (hajournal.RootBlock, bool) {
	if r.rb == nil {
		return hajournal.RootBlock{}, false
	}
	return *r.rb, true
}

// CommitRecordOffset returns the file offset of the commit record, once
// iteration has reached one. Truncating the file there strips the seal while
// keeping every write record.
func (r *Reader) CommitRecordOffset() (int64, bool) {
	if r.rb == nil {
		return 0, false
	}
	return r.commitOff, true
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.f.Close()
}
