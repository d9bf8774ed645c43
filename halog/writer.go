package halog

import (
	"hash/crc32"
	"os"
	"sync"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/hajournal/hajournal"
)

// Writer appends the replicated writes of one commit to a segment file.
// Appends must arrive in sequence order; Finalize seals the segment with the
// commit's root block and a whole-file checksum. A segment that is never
// finalized records a commit that never concluded and must not be replayed.
type Writer struct {
	mu sync.Mutex

	f        *os.File
	path     string
	counter  uint64
	strategy hajournal.StorageStrategy

	seq       uint32 // next expected sequence
	size      int64
	fileCRC   uint32 // running checksum over every byte written
	finalized bool
	closed    bool

	// SyncWrites makes every append fsync. Finalize always syncs.
	SyncWrites bool
}

// CreateSegment creates the segment file for a commit counter and writes its
// header. The file must not already exist.
func CreateSegment(path string, counter uint64, strategy hajournal.StorageStrategy) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrSegmentExists
		}
		return nil, err
	}

	w := &Writer{
		f:          f,
		path:       path,
		counter:    counter,
		strategy:   strategy,
		SyncWrites: true,
	}

	hdr := encodeHeader(counter, strategy)
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		os.Remove(path)
		return nil, hajournal.NewIOFailure("segment create", err)
	}
	w.size = int64(len(hdr))
	w.fileCRC = crc32.ChecksumIEEE(hdr)

	return w, nil
}

// Counter returns the commit counter the segment belongs to.
func (w *Writer) Counter() uint64 { return w.counter }

// Path returns the segment file path.
func (w *Writer) Path() string { return w.path }

// Size returns the number of bytes written so far.
func (w *Writer) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Sequence returns the sequence number the next append must carry.
func (w *Writer) Sequence() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Append writes one replicated block to the segment. A nil payload elides
// the block data and is only legal for write-once stores, whose payloads can
// be reconstructed from the committed image.
func (w *Writer) Append(msg hajournal.HAWriteMessage, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case w.closed:
		return ErrWriterClosed
	case w.finalized:
		return ErrWriterFinalized
	case msg.CommitCounter != w.counter:
		return errors.Errorf("write message for commit %d appended to segment %d", msg.CommitCounter, w.counter)
	case msg.Sequence != w.seq:
		return errors.Errorf("write message out of order: sequence %d, expected %d", msg.Sequence, w.seq)
	}

	if payload == nil {
		if w.strategy != hajournal.StrategyWORM {
			return errors.Errorf("payload required for %s segments", w.strategy)
		}
	} else if !msg.VerifyPayload(payload) {
		return errors.Errorf("payload does not match envelope for commit %d sequence %d", msg.CommitCounter, msg.Sequence)
	}

	env, err := msg.MarshalBinary()
	if err != nil {
		return err
	}

	body := getBuf(hajournal.HAWriteMessageSize + snappy.MaxEncodedLen(len(payload)))
	n := copy(body, env)
	if payload != nil {
		n += len(snappy.Encode(body[n:], payload))
	}

	err = w.writeRecord(writeRecordType, body[:n])
	putBuf(body)
	if err != nil {
		return err
	}

	w.seq++
	if w.SyncWrites {
		if err := w.f.Sync(); err != nil {
			return hajournal.NewIOFailure("segment append", err)
		}
	}
	return nil
}

// Finalize seals the segment with the commit's root block and syncs it to
// disk. No appends are accepted afterwards.
func (w *Writer) Finalize(rb hajournal.RootBlock) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case w.closed:
		return ErrWriterClosed
	case w.finalized:
		return ErrWriterFinalized
	case rb.CommitCounter != w.counter:
		return errors.Errorf("root block for commit %d finalizes segment %d", rb.CommitCounter, w.counter)
	}

	rbb, err := rb.MarshalBinary()
	if err != nil {
		return err
	}

	body := make([]byte, hajournal.RootBlockSize+4)
	n := copy(body, rbb)
	copy(body[n:], u32tob(w.fileCRC))

	if err := w.writeRecord(commitRecordType, body); err != nil {
		return err
	}
	if err := w.f.Sync(); err != nil {
		return hajournal.NewIOFailure("segment finalize", err)
	}

	w.finalized = true
	return nil
}

// writeRecord frames and writes one record, updating the running file
// checksum. Callers hold the mutex.
func (w *Writer) writeRecord(typ recordType, body []byte) error {
	rec := getBuf(recordHeaderLen + len(body) + 4)
	defer putBuf(rec)

	rec[0] = byte(typ)
	n := 1
	n += copy(rec[n:], u32tob(uint32(len(body))))
	n += copy(rec[n:], body)
	n += copy(rec[n:], u32tob(crc32.ChecksumIEEE(body)))

	if _, err := w.f.Write(rec[:n]); err != nil {
		return hajournal.NewIOFailure("segment write", err)
	}

	w.size += int64(n)
	w.fileCRC = crc32.Update(w.fileCRC, crc32.IEEETable, rec[:n])
	return nil
}

// Finalized reports whether the segment has been sealed.
func (w *Writer) Finalized() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.finalized
}

// Close closes the segment file. Closing without finalizing leaves an
// unfinalized segment on disk.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	return w.f.Close()
}
