package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/otelfleet/fleetsync/pkg/protocol/capabilities"
	"github.com/otelfleet/fleetsync/pkg/storage"
	"github.com/otelfleet/fleetsync/pkg/util/grpcutil"
)

var (
	ErrInstanceIDInUse = errors.New("instance id in use")
	ErrUnknownSession  = errors.New("unknown session")
)

// Multiplexer owns every live session. Many sessions may share a stream.
type Multiplexer struct {
	logger *slog.Logger
	store  storage.KeyValue[Record]

	mu       sync.RWMutex
	byID     map[string]*Session
	byStream map[StreamID]map[string]struct{}
}

// NewMultiplexer returns a multiplexer. store may be nil to keep sessions in memory only.
func NewMultiplexer(logger *slog.Logger, store storage.KeyValue[Record]) *Multiplexer {
	return &Multiplexer{
		logger:   logger,
		store:    store,
		byID:     map[string]*Session{},
		byStream: map[StreamID]map[string]struct{}{},
	}
}

// Attached tells how Attach found the session.
type Attached int

const (
	// Existing sessions are already live on the requested stream.
	Existing Attached = iota
	// Created sessions are new to this multiplexer, possibly restored from storage.
	Created
	// Elsewhere sessions are live on another stream. The caller decides under the
	// session lock whether to Move the session or treat the id as a collision.
	Elsewhere
)

// Attach returns the session for instanceID, creating it on stream when unknown. A
// previously persisted record is restored so sequence checking survives reconnects
// and restarts.
func (m *Multiplexer) Attach(ctx context.Context, stream StreamID, instanceID string, now time.Time) (*Session, Attached, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.byID[instanceID]; ok {
		if s.Stream == stream {
			return s, Existing, nil
		}
		return s, Elsewhere, nil
	}

	s := &Session{
		InstanceID: instanceID,
		Stream:     stream,
		FirstSeen:  now,
	}
	if m.store != nil {
		rec, err := m.store.Get(ctx, instanceID)
		switch {
		case err == nil:
			s.LastSeq = rec.LastSeq
			s.Capabilities = capabilities.AgentFromWire(rec.Capabilities)
			s.FirstSeen = rec.FirstSeen
			s.seen = true
		case !grpcutil.IsErrorNotFound(err):
			return nil, Created, fmt.Errorf("restoring session: %w", err)
		}
	}
	m.byID[instanceID] = s
	m.linkLocked(stream, instanceID)
	return s, Created, nil
}

// Move attaches a live session to another stream. The caller holds the session lock.
func (m *Multiplexer) Move(s *Session, stream StreamID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Retired() {
		return
	}
	m.logger.Debug("session moved to new stream", "from", s.Stream, "to", stream)
	m.unlinkLocked(s.Stream, s.InstanceID)
	s.Stream = stream
	m.linkLocked(stream, s.InstanceID)
}

func (m *Multiplexer) linkLocked(stream StreamID, id string) {
	ids, ok := m.byStream[stream]
	if !ok {
		ids = map[string]struct{}{}
		m.byStream[stream] = ids
	}
	ids[id] = struct{}{}
}

func (m *Multiplexer) unlinkLocked(stream StreamID, id string) {
	ids := m.byStream[stream]
	delete(ids, id)
	if len(ids) == 0 {
		delete(m.byStream, stream)
	}
}

func (m *Multiplexer) Get(instanceID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[instanceID]
	return s, ok
}

// Reassign moves a live session from oldID to newID. The caller holds the session lock.
func (m *Multiplexer) Reassign(oldID, newID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[oldID]
	if !ok {
		return nil, ErrUnknownSession
	}
	if _, taken := m.byID[newID]; taken {
		return nil, ErrInstanceIDInUse
	}
	delete(m.byID, oldID)
	m.unlinkLocked(s.Stream, oldID)
	s.InstanceID = newID
	m.byID[newID] = s
	m.linkLocked(s.Stream, newID)
	return s, nil
}

// Retire removes a session after an explicit disconnect notice.
func (m *Multiplexer) Retire(instanceID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[instanceID]
	if !ok {
		return nil, false
	}
	m.retireLocked(s)
	return s, true
}

func (m *Multiplexer) retireLocked(s *Session) {
	delete(m.byID, s.InstanceID)
	m.unlinkLocked(s.Stream, s.InstanceID)
	s.retired.Store(true)
}

// CloseStream retires every session carried by stream and returns them.
func (m *Multiplexer) CloseStream(stream StreamID) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := slices.Sorted(maps.Keys(m.byStream[stream]))
	ret := make([]*Session, 0, len(ids))
	for _, id := range ids {
		s := m.byID[id]
		m.retireLocked(s)
		ret = append(ret, s)
	}
	return ret
}

// IfDetached runs fn under the multiplexer lock unless the instance id of the retired
// session s was attached again. It reports whether fn ran. The caller holds the lock
// of s.
func (m *Multiplexer) IfDetached(s *Session, fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.byID[s.InstanceID]; ok && cur != s {
		return false
	}
	fn()
	return true
}

// Persist stores the session's sequence state. The caller holds the session lock.
func (m *Multiplexer) Persist(ctx context.Context, s *Session) error {
	if m.store == nil {
		return nil
	}
	err := m.store.Put(ctx, s.InstanceID, Record{
		LastSeq:      s.LastSeq,
		Capabilities: s.Capabilities.Uint64(),
		FirstSeen:    s.FirstSeen,
	})
	if err != nil {
		return fmt.Errorf("persisting session: %w", err)
	}
	return nil
}

// Forget deletes the persisted record of instanceID.
func (m *Multiplexer) Forget(ctx context.Context, instanceID string) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.Delete(ctx, instanceID); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

func (m *Multiplexer) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// Snapshot lists every live session ordered by instance id.
func (m *Multiplexer) Snapshot() []Info {
	m.mu.RLock()
	sessions := slices.Collect(maps.Values(m.byID))
	m.mu.RUnlock()

	ret := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		s.Lock()
		ret = append(ret, s.Info())
		s.Unlock()
	}
	slices.SortFunc(ret, func(a, b Info) int {
		return strings.Compare(a.InstanceID, b.InstanceID)
	})
	return ret
}
