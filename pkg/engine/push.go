package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/otelfleet/fleetsync/pkg/engine/hashdiff"
	"github.com/otelfleet/fleetsync/pkg/engine/session"
	"github.com/otelfleet/fleetsync/pkg/protocol/wire"
	"golang.org/x/sync/errgroup"
)

var ErrAgentOffline = errors.New("agent has no live session")

const pushConcurrency = 16

// Sender delivers server initiated messages on a stream.
type Sender interface {
	Send(ctx context.Context, stream session.StreamID, msg *protobufs.ServerToAgent) error
}

// Push sends the offers a live agent is missing. Nothing is sent when the agent is
// already up to date.
func (e *Engine) Push(ctx context.Context, sender Sender, instanceID string) error {
	return e.push(ctx, sender, instanceID, false)
}

// RequestFullState asks a live agent for a full state report and re-sends every offer.
func (e *Engine) RequestFullState(ctx context.Context, sender Sender, instanceID string) error {
	return e.push(ctx, sender, instanceID, true)
}

// PushAll pushes to every live agent concurrently.
func (e *Engine) PushAll(ctx context.Context, sender Sender) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pushConcurrency)
	for _, info := range e.sessions.Snapshot() {
		g.Go(func() error {
			err := e.Push(gctx, sender, info.InstanceID)
			if errors.Is(err, ErrAgentOffline) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

func (e *Engine) push(ctx context.Context, sender Sender, id string, fullState bool) error {
	s, ok := e.sessions.Get(id)
	if !ok {
		return ErrAgentOffline
	}
	s.Lock()
	defer s.Unlock()
	if s.Retired() || s.InstanceID != id {
		return ErrAgentOffline
	}
	logger := e.logger.With("instance_id", wire.FormatInstanceID(id), "stream", s.Stream)

	reply := &wire.Reply{}
	if fullState {
		e.tracker.RequestFullState(id)
		e.metrics.fullState.Inc()
		reply.ReportFullState = true
		reply.IncludeCapabilities = true
	}
	if err := e.offer(ctx, id, s.Capabilities, fullState, false, reply); err != nil {
		return fmt.Errorf("computing offers: %w", err)
	}
	if reply.Empty() {
		logger.Debug("agent up to date, nothing to push")
		return nil
	}
	msg := e.encode(wire.OK(id, reply), s.Capabilities)
	if err := sender.Send(ctx, s.Stream, msg); err != nil {
		e.metrics.pushes.WithLabelValues("failed").Inc()
		// the offers never left, make the next inbound message carry them
		e.tracker.Clear(hashdiff.KindRemoteConfigOffer, id)
		e.tracker.Clear(hashdiff.KindPackagesOffer, id)
		e.tracker.Clear(hashdiff.KindConnectionSettingsOffer, id)
		return fmt.Errorf("pushing to agent: %w", err)
	}
	e.metrics.pushes.WithLabelValues("sent").Inc()
	logger.Debug("pushed offers to agent",
		"remote_config", msg.GetRemoteConfig() != nil,
		"packages", msg.GetPackagesAvailable() != nil,
		"connection_settings", msg.GetConnectionSettings() != nil,
		"full_state", fullState,
	)
	if err := e.tracker.Persist(ctx, id); err != nil {
		logger.With("err", err).Warn("failed to persist hash state")
	}
	return nil
}
