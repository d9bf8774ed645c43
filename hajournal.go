// Package hajournal holds the shared data model of the replicated journal:
// root blocks, write envelopes, quorum tokens and replication pipelines.
package hajournal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"
)

// StorageStrategy selects how the backing store lays out committed data and
// whether log segments must carry write payloads.
type StorageStrategy byte

const (
	// StrategyRW is a read-write store. Log segments carry full payloads.
	StrategyRW StorageStrategy = 1

	// StrategyWORM is a write-once store. Payloads may be elided from log
	// segments and reconstructed from the committed image when serving
	// segments to peers.
	StrategyWORM StorageStrategy = 2
)

// String returns the configuration name of the strategy.
func (s StorageStrategy) String() string {
	switch s {
	case StrategyRW:
		return "rw"
	case StrategyWORM:
		return "worm"
	default:
		return fmt.Sprintf("unknown(%d)", byte(s))
	}
}

// ParseStorageStrategy converts a configuration name into a strategy.
func ParseStorageStrategy(s string) (StorageStrategy, error) {
	switch s {
	case "rw":
		return StrategyRW, nil
	case "worm":
		return StrategyWORM, nil
	default:
		return 0, fmt.Errorf("unknown storage strategy %q", s)
	}
}

// RootBlockSize is the encoded size of a RootBlock, checksum included.
const RootBlockSize = 32

const rootBlockVersion = 1

// RootBlock is a commit point descriptor. A durably stored RootBlock is the
// sole authority on what has been committed; writes that never make it into
// a committed RootBlock are invisible to readers.
type RootBlock struct {
	// CommitCounter is the monotonically increasing commit sequence number.
	CommitCounter uint64

	// CommitTime is the wall-clock commit timestamp in Unix nanoseconds.
	CommitTime int64

	// Extent is the committed length of the backing store in bytes.
	Extent uint64

	// Strategy is the storage strategy the store was created with.
	Strategy StorageStrategy
}

// Genesis returns the root block of an empty journal.
func Genesis(strategy StorageStrategy) RootBlock {
	return RootBlock{Strategy: strategy}
}

// Successor returns the candidate root block for the next commit.
func (rb RootBlock) Successor(commitTime time.Time, extent uint64) RootBlock {
	return RootBlock{
		CommitCounter: rb.CommitCounter + 1,
		CommitTime:    commitTime.UnixNano(),
		Extent:        extent,
		Strategy:      rb.Strategy,
	}
}

// MarshalBinary encodes the root block into its fixed 32-byte form with a
// trailing CRC-32 over the preceding bytes.
func (rb RootBlock) MarshalBinary() ([]byte, error) {
	b := make([]byte, RootBlockSize)
	binary.BigEndian.PutUint64(b[0:8], rb.CommitCounter)
	binary.BigEndian.PutUint64(b[8:16], uint64(rb.CommitTime))
	binary.BigEndian.PutUint64(b[16:24], rb.Extent)
	b[24] = rootBlockVersion
	b[25] = byte(rb.Strategy)
	binary.BigEndian.PutUint32(b[28:32], crc32.ChecksumIEEE(b[:28]))
	return b, nil
}

// UnmarshalBinary decodes and checksum-verifies a root block.
func (rb *RootBlock) UnmarshalBinary(b []byte) error {
	if len(b) < RootBlockSize {
		return fmt.Errorf("short root block: %d bytes", len(b))
	}
	if got, want := crc32.ChecksumIEEE(b[:28]), binary.BigEndian.Uint32(b[28:32]); got != want {
		return fmt.Errorf("root block checksum mismatch: %08x != %08x", got, want)
	}
	if v := b[24]; v != rootBlockVersion {
		return fmt.Errorf("unsupported root block version %d", v)
	}
	rb.CommitCounter = binary.BigEndian.Uint64(b[0:8])
	rb.CommitTime = int64(binary.BigEndian.Uint64(b[8:16]))
	rb.Extent = binary.BigEndian.Uint64(b[16:24])
	rb.Strategy = StorageStrategy(b[25])
	return nil
}

// HAWriteMessageSize is the encoded size of a write envelope.
const HAWriteMessageSize = 29

// HAWriteMessage describes one replicated write cache block: which commit it
// belongs to, where its payload lands, and how to verify the payload.
type HAWriteMessage struct {
	// CommitCounter of the commit point this write belongs to.
	CommitCounter uint64

	// Sequence orders blocks within a single commit, starting at zero.
	Sequence uint32

	// Offset is the destination offset of the payload in the backing store.
	Offset int64

	// Length of the uncompressed payload in bytes.
	Length uint32

	// Checksum is the CRC-32 of the uncompressed payload.
	Checksum uint32

	// Strategy of the originating store.
	Strategy StorageStrategy
}

// MarshalBinary encodes the envelope into its fixed 29-byte form.
func (m HAWriteMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, HAWriteMessageSize)
	binary.BigEndian.PutUint64(b[0:8], m.CommitCounter)
	binary.BigEndian.PutUint32(b[8:12], m.Sequence)
	binary.BigEndian.PutUint64(b[12:20], uint64(m.Offset))
	binary.BigEndian.PutUint32(b[20:24], m.Length)
	binary.BigEndian.PutUint32(b[24:28], m.Checksum)
	b[28] = byte(m.Strategy)
	return b, nil
}

// UnmarshalBinary decodes a fixed-size envelope.
func (m *HAWriteMessage) UnmarshalBinary(b []byte) error {
	if len(b) < HAWriteMessageSize {
		return fmt.Errorf("short write message: %d bytes", len(b))
	}
	m.CommitCounter = binary.BigEndian.Uint64(b[0:8])
	m.Sequence = binary.BigEndian.Uint32(b[8:12])
	m.Offset = int64(binary.BigEndian.Uint64(b[12:20]))
	m.Length = binary.BigEndian.Uint32(b[20:24])
	m.Checksum = binary.BigEndian.Uint32(b[24:28])
	m.Strategy = StorageStrategy(b[28])
	return nil
}

// VerifyPayload reports whether p matches the envelope's length and checksum.
func (m *HAWriteMessage) VerifyPayload(p []byte) bool {
	return uint32(len(p)) == m.Length && crc32.ChecksumIEEE(p) == m.Checksum
}

// NewHAWriteMessage builds the envelope for a staged block.
func NewHAWriteMessage(counter uint64, seq uint32, strategy StorageStrategy, block WriteCacheBlock) HAWriteMessage {
	return HAWriteMessage{
		CommitCounter: counter,
		Sequence:      seq,
		Offset:        block.Offset,
		Length:        uint32(len(block.Data)),
		Checksum:      crc32.ChecksumIEEE(block.Data),
		Strategy:      strategy,
	}
}

// WriteCacheBlock is a buffered write destined for the backing store.
type WriteCacheBlock struct {
	Offset int64
	Data   []byte
}

// QuorumToken identifies one stable membership epoch. Tokens increase
// whenever membership changes; operations stamped with an old token must be
// rejected.
type QuorumToken uint64

// NoToken means no quorum has been established.
const NoToken QuorumToken = 0

// ReplicaID identifies one journal service instance. It is the string form
// of the service UUID.
type ReplicaID string

// Pipeline is the replication order for a quorum token. The first entry is
// the leader; every write flows through the remaining entries in order.
type Pipeline []ReplicaID

// Leader returns the first pipeline member, or "" for an empty pipeline.
func (p Pipeline) Leader() ReplicaID {
	if len(p) == 0 {
		return ""
	}
	return p[0]
}

// Position returns the index of id in the pipeline, or -1.
func (p Pipeline) Position(id ReplicaID) int {
	for i, m := range p {
		if m == id {
			return i
		}
	}
	return -1
}

// Contains reports whether id is a pipeline member.
func (p Pipeline) Contains(id ReplicaID) bool { return p.Position(id) >= 0 }

// Next returns the downstream neighbor of id, if any.
func (p Pipeline) Next(id ReplicaID) (ReplicaID, bool) {
	i := p.Position(id)
	if i < 0 || i+1 >= len(p) {
		return "", false
	}
	return p[i+1], true
}

// Followers returns all members after the leader.
func (p Pipeline) Followers() []ReplicaID {
	if len(p) < 2 {
		return nil
	}
	return p[1:]
}

// SyncState tracks how far a replica is from serving the live write load.
type SyncState int

const (
	// NotJoined means the replica takes no part in replication.
	NotJoined SyncState = iota

	// Resyncing means the replica is replaying log segments to catch up.
	// It receives pipeline traffic but does not vote.
	Resyncing

	// Synchronized means the replica is at the quorum commit counter and
	// votes in commit rounds.
	Synchronized
)

// String returns the state name.
func (s SyncState) String() string {
	switch s {
	case NotJoined:
		return "not-joined"
	case Resyncing:
		return "resyncing"
	case Synchronized:
		return "synchronized"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Status is one replica's replication position, as reported to peers. The
// leader's health checks collect it; resyncing replicas use the leader's to
// find the commit counter they must reach.
type Status struct {
	Replica   ReplicaID
	State     SyncState
	RootBlock RootBlock
}
