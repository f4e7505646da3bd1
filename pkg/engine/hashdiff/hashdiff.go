// Package hashdiff remembers, per agent and per kind of fact, the hash of the last
// value exchanged so that unchanged facts can be omitted from later messages.
package hashdiff

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/otelfleet/fleetsync/pkg/storage"
	"github.com/otelfleet/fleetsync/pkg/util/grpcutil"
)

type Kind uint8

const (
	KindDescription Kind = iota
	KindEffectiveConfig
	KindHealth
	KindRemoteConfigStatus
	KindPackageStatuses
	KindRemoteConfigOffer
	KindPackagesOffer
	KindConnectionSettingsOffer
)

var kindNames = [...]string{
	KindDescription:             "description",
	KindEffectiveConfig:         "effective_config",
	KindHealth:                  "health",
	KindRemoteConfigStatus:      "remote_config_status",
	KindPackageStatuses:         "package_statuses",
	KindRemoteConfigOffer:       "remote_config_offer",
	KindPackagesOffer:           "packages_offer",
	KindConnectionSettingsOffer: "connection_settings_offer",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Snapshot is the persisted form of one agent's tracker state.
type Snapshot struct {
	Hashes    map[Kind][]byte `cbor:"1,keyasint"`
	FullState bool            `cbor:"2,keyasint"`
}

// Tracker is safe for concurrent use. Callers serialise updates for a single agent
// through the session lock; the tracker lock only protects the shared map.
type Tracker struct {
	logger *slog.Logger
	store  storage.KeyValue[Snapshot]

	mu     sync.RWMutex
	agents map[string]*Snapshot
}

// NewTracker returns a tracker. store may be nil, in which case nothing survives a restart.
func NewTracker(logger *slog.Logger, store storage.KeyValue[Snapshot]) *Tracker {
	return &Tracker{
		logger: logger,
		store:  store,
		agents: map[string]*Snapshot{},
	}
}

func (t *Tracker) state(agentID string) *Snapshot {
	s, ok := t.agents[agentID]
	if !ok {
		s = &Snapshot{Hashes: map[Kind][]byte{}}
		t.agents[agentID] = s
	}
	return s
}

// ShouldInclude reports whether a fact with the given hash must be sent: either it
// differs from the last recorded hash or a full state round is in progress.
func (t *Tracker) ShouldInclude(kind Kind, agentID string, hash []byte) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.agents[agentID]
	if !ok {
		return true
	}
	if s.FullState {
		return true
	}
	last, ok := s.Hashes[kind]
	return !ok || !bytes.Equal(last, hash)
}

// RecordSent stores hash as the last value exchanged for kind.
func (t *Tracker) RecordSent(kind Kind, agentID string, hash []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state(agentID).Hashes[kind] = bytes.Clone(hash)
}

// Last returns the last recorded hash for kind.
func (t *Tracker) Last(kind Kind, agentID string) ([]byte, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.agents[agentID]
	if !ok {
		return nil, false
	}
	h, ok := s.Hashes[kind]
	return h, ok
}

// Clear drops the recorded hash for kind so the next ShouldInclude is true.
func (t *Tracker) Clear(kind Kind, agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.agents[agentID]; ok {
		delete(s.Hashes, kind)
	}
}

// RequestFullState forces every ShouldInclude for agentID to be true until CompleteRound.
func (t *Tracker) RequestFullState(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state(agentID).FullState = true
}

func (t *Tracker) FullStateRequested(agentID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.agents[agentID]
	return ok && s.FullState
}

// CompleteRound ends a full state round started by RequestFullState.
func (t *Tracker) CompleteRound(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.agents[agentID]; ok {
		s.FullState = false
	}
}

func (t *Tracker) Known(agentID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.agents[agentID]
	return ok
}

// Forget drops all in-memory state for agentID.
func (t *Tracker) Forget(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.agents, agentID)
}

// Move transfers state from one agent id to another, used when an instance id is reassigned.
func (t *Tracker) Move(from, to string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.agents[from]; ok {
		t.agents[to] = s
		delete(t.agents, from)
	}
}

// Persist writes the agent's state to the backing store.
func (t *Tracker) Persist(ctx context.Context, agentID string) error {
	if t.store == nil {
		return nil
	}
	t.mu.RLock()
	s, ok := t.agents[agentID]
	var snap Snapshot
	if ok {
		snap = Snapshot{Hashes: make(map[Kind][]byte, len(s.Hashes)), FullState: s.FullState}
		for k, v := range s.Hashes {
			snap.Hashes[k] = bytes.Clone(v)
		}
	}
	t.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := t.store.Put(ctx, agentID, snap); err != nil {
		return fmt.Errorf("persisting hash state: %w", err)
	}
	return nil
}

// Restore loads the agent's state from the backing store. It reports false when
// nothing was stored.
func (t *Tracker) Restore(ctx context.Context, agentID string) (bool, error) {
	if t.store == nil {
		return false, nil
	}
	snap, err := t.store.Get(ctx, agentID)
	if grpcutil.IsErrorNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("restoring hash state: %w", err)
	}
	if snap.Hashes == nil {
		snap.Hashes = map[Kind][]byte{}
	}
	t.mu.Lock()
	t.agents[agentID] = &snap
	t.mu.Unlock()
	t.logger.Debug("restored hash state", "kinds", len(snap.Hashes), "full_state", snap.FullState)
	return true, nil
}

// Delete removes the agent's persisted state. In-memory state is kept.
func (t *Tracker) Delete(ctx context.Context, agentID string) error {
	if t.store == nil {
		return nil
	}
	if err := t.store.Delete(ctx, agentID); err != nil {
		return fmt.Errorf("deleting hash state: %w", err)
	}
	return nil
}
