// Package pipeline moves write cache blocks from the leader through every
// follower in pipeline order. Each member appends a block to its local log
// before relaying it downstream, so no replica ever holds a block that its
// upstream lacks, and a slow member stalls the chain instead of dropping
// data. The bounded forwarding window on the leader turns that stall into
// backpressure on the write path.
package pipeline

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/hajournal/hajournal"
	itoml "github.com/hajournal/hajournal/toml"
)

const (
	// DefaultMaxInFlight is how many blocks the leader may hold in the
	// forwarding window before Send blocks.
	DefaultMaxInFlight = 8

	// DefaultForwardTimeout bounds the delivery of one block to one member.
	DefaultForwardTimeout = 10 * time.Second
)

// Config holds the replication pipeline settings of one replica.
type Config struct {
	MaxInFlight    int            `toml:"max-in-flight"`
	ForwardTimeout itoml.Duration `toml:"forward-timeout"`
}

// NewConfig returns a new instance of Config with defaults.
func NewConfig() Config {
	return Config{
		MaxInFlight:    DefaultMaxInFlight,
		ForwardTimeout: itoml.Duration(DefaultForwardTimeout),
	}
}

// Validate returns an error if the settings are unusable.
func (c Config) Validate() error {
	if c.MaxInFlight < 1 {
		return errors.New("pipeline max-in-flight must be at least 1")
	}
	if c.ForwardTimeout <= 0 {
		return errors.New("pipeline forward-timeout must be positive")
	}
	return nil
}

// BlockSender delivers one block to a pipeline member. The receiving member
// relays the block onward, so the returned slice lists every member past the
// target that could not be reached along the way.
type BlockSender interface {
	SendBlock(ctx context.Context, target hajournal.ReplicaID, msg hajournal.HAWriteMessage, payload []byte) ([]hajournal.ReplicaID, error)
}
