// Package quorum decides who may vote. It holds the membership oracle that
// stamps every replicated operation with a quorum token, the per-replica
// sync state tracker the coordinator consults before each commit round, and
// the health monitor that demotes unreachable members.
package quorum

import (
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/hajournal/hajournal"
)

// Config holds the static membership of the quorum.
type Config struct {
	// Token is the membership epoch. Reconfigurations restart the process
	// with a higher token; replicated operations stamped with an older one
	// are rejected.
	Token uint64 `toml:"token"`

	// Members lists every replica as "<uuid>@<host:port>", in pipeline
	// order. The first entry is the leader.
	Members []string `toml:"members"`
}

// NewConfig returns a new instance of Config with defaults.
func NewConfig() Config {
	return Config{Token: 1}
}

// Validate returns an error if the membership is unusable.
func (c Config) Validate() error {
	if c.Token == uint64(hajournal.NoToken) {
		return errors.New("quorum token must be non-zero")
	}
	if len(c.Members) == 0 {
		return errors.New("quorum members required")
	}

	seen := make(map[hajournal.ReplicaID]struct{}, len(c.Members))
	for _, m := range c.Members {
		id, _, err := ParseMember(m)
		if err != nil {
			return err
		}
		if _, ok := seen[id]; ok {
			return errors.Errorf("duplicate quorum member %s", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// Parse returns the pipeline and the address of every member.
func (c Config) Parse() (hajournal.Pipeline, map[hajournal.ReplicaID]string, error) {
	members := make(hajournal.Pipeline, 0, len(c.Members))
	addrs := make(map[hajournal.ReplicaID]string, len(c.Members))
	for _, m := range c.Members {
		id, addr, err := ParseMember(m)
		if err != nil {
			return nil, nil, err
		}
		members = append(members, id)
		addrs[id] = addr
	}
	return members, addrs, nil
}

// ParseMember splits one "<uuid>@<host:port>" member entry.
func ParseMember(s string) (hajournal.ReplicaID, string, error) {
	id, addr, ok := strings.Cut(s, "@")
	if !ok || addr == "" {
		return "", "", errors.Errorf("malformed quorum member %q, want <uuid>@<host:port>", s)
	}
	if _, err := uuid.Parse(id); err != nil {
		return "", "", errors.Wrapf(err, "malformed quorum member %q", s)
	}
	return hajournal.ReplicaID(id), addr, nil
}

// Oracle answers who belongs to the quorum right now. Every replicated
// operation is stamped with the token the answer was given under, so a
// membership change invalidates work from the old epoch wholesale.
type Oracle interface {
	// Token returns the current quorum token.
	Token() hajournal.QuorumToken

	// Members returns the pipeline for a token. It returns ErrStaleToken
	// when the token is no longer current.
	Members(token hajournal.QuorumToken) (hajournal.Pipeline, error)

	// AssertLeader returns nil only when the asking replica leads the
	// pipeline under the given token.
	AssertLeader(token hajournal.QuorumToken) error

	// Notify returns a channel that receives the new token after a
	// membership change.
	Notify() <-chan hajournal.QuorumToken
}

// StaticOracle serves a fixed membership loaded from configuration. The
// token only moves when an operator reconfigures the quorum; Advance exists
// for tests and tooling that drive epoch changes in-process.
type StaticOracle struct {
	mu      sync.RWMutex
	self    hajournal.ReplicaID
	token   hajournal.QuorumToken
	members hajournal.Pipeline
	notify  chan hajournal.QuorumToken
}

// NewStaticOracle returns an oracle answering for self with a fixed
// membership.
func NewStaticOracle(self hajournal.ReplicaID, token hajournal.QuorumToken, members hajournal.Pipeline) *StaticOracle {
	return &StaticOracle{
		self:    self,
		token:   token,
		members: members,
		notify:  make(chan hajournal.QuorumToken, 1),
	}
}

// Token returns the current quorum token.
func (o *StaticOracle) Token() hajournal.QuorumToken {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.token
}

// Members returns the pipeline for token.
func (o *StaticOracle) Members(token hajournal.QuorumToken) (hajournal.Pipeline, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if token != o.token {
		return nil, hajournal.ErrStaleToken
	}
	members := make(hajournal.Pipeline, len(o.members))
	copy(members, o.members)
	return members, nil
}

// AssertLeader returns nil only when self leads the pipeline under token.
func (o *StaticOracle) AssertLeader(token hajournal.QuorumToken) error {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if token != o.token {
		return hajournal.ErrStaleToken
	}
	if o.members.Leader() != o.self {
		return hajournal.ErrNotLeader
	}
	return nil
}

// Notify returns the membership change channel.
func (o *StaticOracle) Notify() <-chan hajournal.QuorumToken {
	return o.notify
}

// Advance installs a new membership under the next token and wakes anyone
// listening on Notify. In-flight rounds stamped with the old token fail
// with ErrStaleToken from here on.
func (o *StaticOracle) Advance(members hajournal.Pipeline) hajournal.QuorumToken {
	o.mu.Lock()
	o.token++
	o.members = make(hajournal.Pipeline, len(members))
	copy(o.members, members)
	token := o.token
	o.mu.Unlock()

	select {
	case o.notify <- token:
	default:
	}
	return token
}

// Majority returns the vote count a commit needs among n members.
func Majority(n int) int { return n/2 + 1 }
