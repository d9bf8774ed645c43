package coordinator

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/hajournal/hajournal"
)

// Verdict is one participant's answer to PREPARE.
type Verdict int

const (
	// VoteNack refuses the commit. Any local failure votes Nack; so does a
	// member that never answered before the round deadline.
	VoteNack Verdict = iota

	// VoteAck promises the commit: the segment is sealed and the candidate
	// root block proposed.
	VoteAck
)

// String returns the verdict name.
func (v Verdict) String() string {
	switch v {
	case VoteAck:
		return "ack"
	case VoteNack:
		return "nack"
	default:
		return fmt.Sprintf("unknown(%d)", int(v))
	}
}

// PrepareRequest asks a participant to seal its segment with the candidate
// root block and propose it.
type PrepareRequest struct {
	Token     hajournal.QuorumToken
	RootBlock hajournal.RootBlock

	// BlockCount is the number of write records the participant's segment
	// must hold for this commit.
	BlockCount uint32
}

// Vote is a participant's verdict on a PrepareRequest.
type Vote struct {
	Replica hajournal.ReplicaID
	Verdict Verdict
	Reason  string
}

// CommitRequest concludes a unanimously acked round.
type CommitRequest struct {
	Token         hajournal.QuorumToken
	CommitCounter uint64
}

// AbortRequest discards a failed round everywhere it may have landed.
type AbortRequest struct {
	Token         hajournal.QuorumToken
	CommitCounter uint64
}

// PurgeRequest drops every log segment through a commit counter, issued only
// once the whole quorum holds those commits.
type PurgeRequest struct {
	Through uint64
}

// voteSet accumulates the votes of one PREPARE round.
type voteSet struct {
	votes map[hajournal.ReplicaID]Vote
}

func newVoteSet(n int) *voteSet {
	return &voteSet{votes: make(map[hajournal.ReplicaID]Vote, n)}
}

func (s *voteSet) record(v Vote) {
	s.votes[v.Replica] = v
}

// missing synthesizes a Nack for every listed member that has not voted.
func (s *voteSet) missing(ids []hajournal.ReplicaID, reason string) {
	for _, id := range ids {
		if _, ok := s.votes[id]; !ok {
			s.votes[id] = Vote{Replica: id, Verdict: VoteNack, Reason: reason}
		}
	}
}

// acked reports whether id voted Ack.
func (s *voteSet) acked(id hajournal.ReplicaID) bool {
	v, ok := s.votes[id]
	return ok && v.Verdict == VoteAck
}

// allAck reports whether every listed member voted Ack.
func (s *voteSet) allAck(ids []hajournal.ReplicaID) bool {
	for _, id := range ids {
		if !s.acked(id) {
			return false
		}
	}
	return true
}

// nacks returns the dissenting votes among the listed members, in order.
func (s *voteSet) nacks(ids []hajournal.ReplicaID) []Vote {
	var out []Vote
	for _, id := range ids {
		if v, ok := s.votes[id]; ok && v.Verdict != VoteAck {
			out = append(out, v)
		}
	}
	return out
}

// err folds the dissenting votes among the listed members into one error.
func (s *voteSet) err(ids []hajournal.ReplicaID) error {
	var result *multierror.Error
	for _, v := range s.nacks(ids) {
		result = multierror.Append(result, errors.Errorf("%s voted nack: %s", v.Replica, v.Reason))
	}
	return result.ErrorOrNil()
}
