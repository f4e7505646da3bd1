// Package session multiplexes agent sessions over transport streams and detects
// sequence number gaps.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/otelfleet/fleetsync/pkg/protocol/capabilities"
)

// StreamID identifies one transport connection.
type StreamID string

// Verdict is the outcome of validating a sequence number.
type Verdict int

const (
	// InOrder means the message directly follows the previous one.
	InOrder Verdict = iota
	// First is the first message ever seen from an agent, starting at zero.
	First
	// Gap means at least one message was lost, reordered or the agent state is unknown.
	Gap
)

func (v Verdict) String() string {
	switch v {
	case InOrder:
		return "in-order"
	case First:
		return "first"
	default:
		return "gap"
	}
}

// Session is the server's record of one agent. Lock serialises inbound processing
// and outbound pushes for the agent. Stream and InstanceID are only changed by the
// multiplexer while the session lock is held.
type Session struct {
	sync.Mutex

	InstanceID   string
	Stream       StreamID
	LastSeq      uint64
	Capabilities capabilities.Agent
	FirstSeen    time.Time
	LastSeen     time.Time

	// seen is false until the first message was validated, unless restored.
	seen    bool
	retired atomic.Bool
}

// Validate checks seq against the last sequence number and records it. Gaps are
// reported, never rejected.
func (s *Session) Validate(seq uint64, now time.Time) Verdict {
	defer func() {
		s.LastSeq = seq
		s.LastSeen = now
		s.seen = true
	}()
	if !s.seen {
		if seq == 0 {
			return First
		}
		return Gap
	}
	if seq == s.LastSeq+1 {
		return InOrder
	}
	return Gap
}

// Continues reports whether seq is the direct successor of the last validated message.
func (s *Session) Continues(seq uint64) bool {
	return s.seen && seq == s.LastSeq+1
}

// Invalidate forgets the last sequence number so the next message is treated as a
// gap. Used when a message was accepted on the wire but its effects were lost.
func (s *Session) Invalidate() {
	s.seen = false
}

// Retired reports whether the session was removed from its multiplexer. Pushes to a
// retired session must be dropped.
func (s *Session) Retired() bool {
	return s.retired.Load()
}

// Info is a point in time view of a session.
type Info struct {
	InstanceID   string
	Stream       StreamID
	LastSeq      uint64
	Capabilities capabilities.Agent
	FirstSeen    time.Time
	LastSeen     time.Time
}

// Info returns a copy of the session state. The caller holds the session lock.
func (s *Session) Info() Info {
	return Info{
		InstanceID:   s.InstanceID,
		Stream:       s.Stream,
		LastSeq:      s.LastSeq,
		Capabilities: s.Capabilities,
		FirstSeen:    s.FirstSeen,
		LastSeen:     s.LastSeen,
	}
}

// Record is the persisted form of a session.
type Record struct {
	LastSeq      uint64    `cbor:"1,keyasint"`
	Capabilities uint64    `cbor:"2,keyasint"`
	FirstSeen    time.Time `cbor:"3,keyasint"`
}
