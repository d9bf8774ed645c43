// Package transport carries every exchange between replicas: pipeline blocks,
// commit round instructions, health probes, segment fetches for catch-up, and
// rerouted reads. The HTTP implementation speaks msgpack for control messages
// and raw octet streams for block payloads and segments; Local wires the same
// surface in-process for multi-replica tests.
package transport

import (
	"context"
	"io"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/pkg/errors"

	"github.com/hajournal/hajournal"
	"github.com/hajournal/hajournal/coordinator"
	"github.com/hajournal/hajournal/halog"
)

// Transport is the full surface one replica uses to talk to another. It
// covers every collaborator contract in the core: the pipeline's block
// sender, the coordinator's commander, the health monitor's pinger, the
// resyncer's segment source and the failover router's remote reader.
type Transport interface {
	// SendBlock delivers one pipeline block. The returned members are the
	// ones past the target that the relay chain could not reach.
	SendBlock(ctx context.Context, target hajournal.ReplicaID, msg hajournal.HAWriteMessage, payload []byte) ([]hajournal.ReplicaID, error)

	// Prepare, Commit, Abort and Purge carry commit round instructions.
	Prepare(ctx context.Context, target hajournal.ReplicaID, req coordinator.PrepareRequest) (coordinator.Vote, error)
	Commit(ctx context.Context, target hajournal.ReplicaID, req coordinator.CommitRequest) error
	Abort(ctx context.Context, target hajournal.ReplicaID, req coordinator.AbortRequest) error
	Purge(ctx context.Context, target hajournal.ReplicaID, req coordinator.PurgeRequest) error

	// FetchSegment streams a finalized log segment, materialized so the
	// caller can replay it.
	FetchSegment(ctx context.Context, target hajournal.ReplicaID, counter uint64) (io.ReadCloser, error)

	// Rebuild streams a full-rebuild seed: the target's current root block
	// followed by its committed image.
	Rebuild(ctx context.Context, target hajournal.ReplicaID) (hajournal.RootBlock, io.ReadCloser, error)

	// ReadAt reads committed data from the target's image.
	ReadAt(ctx context.Context, target hajournal.ReplicaID, p []byte, off int64) (int, error)

	// Ping probes the target and returns its view of itself.
	Ping(ctx context.Context, target hajournal.ReplicaID) (hajournal.Status, error)
}

// msgpackHandle is shared by every encoder and decoder in the package.
var msgpackHandle = &codec.MsgpackHandle{}

// blockAck answers a forwarded block with the members past the receiving hop
// that could not be reached.
type blockAck struct {
	Unreachable []hajournal.ReplicaID
}

// purgeAck answers an operator purge with the counter it ran through.
type purgeAck struct {
	Through uint64
}

// wireErrors maps the error taxonomy onto codes that survive the wire, where
// Go error identity cannot. Anything outside the table crosses as its bare
// message.
var wireErrors = []struct {
	code string
	err  error
}{
	{"not-leader", hajournal.ErrNotLeader},
	{"stale-token", hajournal.ErrStaleToken},
	{"quorum-not-met", hajournal.ErrQuorumNotMet},
	{"log-corrupt", hajournal.ErrLogCorrupt},
	{"requires-full-rebuild", hajournal.ErrRequiresFullRebuild},
	{"all-replicas-unavailable", hajournal.ErrAllReplicasUnavailable},
	{"segment-not-found", halog.ErrSegmentNotFound},
}

// errorCode returns the wire code for err, or "" when the taxonomy does not
// know it.
func errorCode(err error) string {
	for _, w := range wireErrors {
		if errors.Is(err, w.err) {
			return w.code
		}
	}
	return ""
}

// codeError returns the sentinel behind a wire code, or nil.
func codeError(code string) error {
	for _, w := range wireErrors {
		if w.code == code {
			return w.err
		}
	}
	return nil
}
