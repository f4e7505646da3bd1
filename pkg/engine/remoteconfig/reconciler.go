package remoteconfig

import (
	"bytes"

	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/otelfleet/fleetsync/pkg/engine/hashdiff"
)

// Reconciler decides whether the server must send a remote config offer.
type Reconciler struct {
	tracker *hashdiff.Tracker
}

func NewReconciler(tracker *hashdiff.Tracker) *Reconciler {
	return &Reconciler{tracker: tracker}
}

// Reconcile returns the offer to send, or nil. An offer is sent when the authoritative
// hash differs from what the agent reports having received, unless the same hash is
// already in flight. A failed application of the current hash is not re-offered; only
// an authoritative change or a full state round sends it again.
func (r *Reconciler) Reconcile(
	agentID string,
	authoritative *protobufs.AgentRemoteConfig,
	reported *protobufs.RemoteConfigStatus,
	fullState bool,
) *protobufs.AgentRemoteConfig {
	if authoritative == nil {
		return nil
	}
	hash := authoritative.GetConfigHash()
	if bytes.Equal(reported.GetLastRemoteConfigHash(), hash) {
		r.tracker.RecordSent(hashdiff.KindRemoteConfigOffer, agentID, hash)
		return nil
	}
	if !fullState && !r.tracker.ShouldInclude(hashdiff.KindRemoteConfigOffer, agentID, hash) {
		return nil
	}
	r.tracker.RecordSent(hashdiff.KindRemoteConfigOffer, agentID, hash)
	return authoritative
}

// Converged reports whether the agent has applied the authoritative configuration.
func Converged(authoritative *protobufs.AgentRemoteConfig, reported *protobufs.RemoteConfigStatus) bool {
	if authoritative == nil {
		return true
	}
	return bytes.Equal(reported.GetLastRemoteConfigHash(), authoritative.GetConfigHash()) &&
		reported.GetStatus() == protobufs.RemoteConfigStatuses_RemoteConfigStatuses_APPLIED
}
