package hajournal

import (
	"errors"
	"fmt"
)

var (
	// ErrNotLeader is returned when a write-path operation is invoked on a
	// service that does not hold the leader position for the current token.
	ErrNotLeader = errors.New("not the quorum leader")

	// ErrStaleToken is returned when an operation carries a quorum token
	// older than the current one.
	ErrStaleToken = errors.New("stale quorum token")

	// ErrQuorumNotMet is returned when too few replicas are joined for the
	// requested operation to proceed safely.
	ErrQuorumNotMet = errors.New("quorum not met")

	// ErrLogCorrupt is returned when a log segment fails structural or
	// checksum validation during replay.
	ErrLogCorrupt = errors.New("log segment corrupt")

	// ErrRequiresFullRebuild is returned when a replica cannot catch up by
	// log replay and must be rebuilt from a full copy.
	ErrRequiresFullRebuild = errors.New("requires full rebuild")

	// ErrAllReplicasUnavailable is returned when a read has exhausted every
	// candidate replica.
	ErrAllReplicasUnavailable = errors.New("all replicas unavailable")
)

// IOFailure wraps an unrecoverable local disk error. A service observing one
// must stop accepting work; continuing could surface uncommitted or torn
// state as committed.
type IOFailure struct {
	Op  string
	Err error
}

// NewIOFailure wraps err as a fatal I/O failure during op.
func NewIOFailure(op string, err error) *IOFailure {
	return &IOFailure{Op: op, Err: err}
}

// Error returns the string representation of the error.
func (e *IOFailure) Error() string {
	return fmt.Sprintf("fatal i/o failure during %s: %s", e.Op, e.Err)
}

// Unwrap returns the underlying disk error.
func (e *IOFailure) Unwrap() error { return e.Err }

// IsIOFailure reports whether any error in err's chain is an IOFailure.
func IsIOFailure(err error) bool {
	var f *IOFailure
	return errors.As(err, &f)
}
