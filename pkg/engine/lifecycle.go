package engine

import (
	"context"
	"errors"

	"github.com/otelfleet/fleetsync/pkg/domain/agent"
	"github.com/otelfleet/fleetsync/pkg/engine/session"
	"github.com/otelfleet/fleetsync/pkg/protocol/wire"
	"golang.org/x/sync/errgroup"
)

const retireConcurrency = 8

// CloseStream retires every session carried by a closed transport stream. The
// persisted sequence and hash state is kept so a reconnecting agent continues where
// it left off.
func (e *Engine) CloseStream(ctx context.Context, stream session.StreamID) error {
	retired := e.sessions.CloseStream(stream)
	if len(retired) == 0 {
		return nil
	}
	e.logger.Debug("stream closed", "stream", stream, "sessions", len(retired))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(retireConcurrency)
	for _, s := range retired {
		g.Go(func() error {
			s.Lock()
			defer s.Unlock()
			id := s.InstanceID
			var err error
			detached := e.sessions.IfDetached(s, func() {
				err = errors.Join(e.sessions.Persist(gctx, s), e.tracker.Persist(gctx, id))
				e.tracker.Forget(id)
				e.ledger.Forget(id)
			})
			if !detached {
				// the reconnected session owns the state now
				e.logger.Debug("agent reconnected before stream cleanup", "instance_id", wire.FormatInstanceID(id), "stream", stream)
			}
			return err
		})
	}
	return g.Wait()
}

// Sessions lists the live sessions.
func (e *Engine) Sessions() []session.Info {
	return e.sessions.Snapshot()
}

// Agent returns the stored view of one agent together with its live connection state.
func (e *Engine) Agent(ctx context.Context, instanceID string) (*agent.Agent, error) {
	a, err := e.agents.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if s, ok := e.sessions.Get(instanceID); ok {
		s.Lock()
		a.Connection = connection(s.Info())
		s.Unlock()
	}
	return a, nil
}

// Agents lists every agent that ever reported status.
func (e *Engine) Agents(ctx context.Context) ([]*agent.Agent, error) {
	agents, err := e.agents.List(ctx)
	if err != nil {
		return nil, err
	}
	live := map[string]session.Info{}
	for _, info := range e.sessions.Snapshot() {
		live[wire.FormatInstanceID(info.InstanceID)] = info
	}
	for _, a := range agents {
		if info, ok := live[a.ID]; ok {
			a.Connection = connection(info)
		}
	}
	return agents, nil
}

func connection(info session.Info) agent.ConnectionState {
	firstSeen, lastSeen := info.FirstSeen, info.LastSeen
	return agent.ConnectionState{
		Connected:    true,
		FirstSeen:    &firstSeen,
		LastSeen:     &lastSeen,
		SequenceNum:  info.LastSeq,
		Capabilities: info.Capabilities.Names(),
	}
}
