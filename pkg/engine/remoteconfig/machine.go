package remoteconfig

import (
	"bytes"
	"sync"

	"github.com/open-telemetry/opamp-go/protobufs"
	"google.golang.org/protobuf/proto"
)

// Machine is the agent-side remote config state. It only moves on explicit
// transitions; no state is terminal because a new offer restarts the cycle.
//
//	UNSET|APPLIED|FAILED --Receive--> APPLYING --Applied--> APPLIED
//	                                        \--Failed---> FAILED
type Machine struct {
	mu     sync.Mutex
	status *protobufs.RemoteConfigStatus
}

// NewMachine starts from a previously persisted status, or UNSET when initial is nil.
func NewMachine(initial *protobufs.RemoteConfigStatus) *Machine {
	st := &protobufs.RemoteConfigStatus{}
	if initial != nil {
		st = proto.Clone(initial).(*protobufs.RemoteConfigStatus)
	}
	return &Machine{status: st}
}

// Receive records a new offer and reports whether it must be applied. An offer whose
// hash matches the one already applied or being applied is a no-op.
func (m *Machine) Receive(offer *protobufs.AgentRemoteConfig) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	hash := offer.GetConfigHash()
	if bytes.Equal(m.status.GetLastRemoteConfigHash(), hash) {
		switch m.status.GetStatus() {
		case protobufs.RemoteConfigStatuses_RemoteConfigStatuses_APPLIED,
			protobufs.RemoteConfigStatuses_RemoteConfigStatuses_APPLYING:
			return false
		}
	}
	m.status = &protobufs.RemoteConfigStatus{
		LastRemoteConfigHash: bytes.Clone(hash),
		Status:               protobufs.RemoteConfigStatuses_RemoteConfigStatuses_APPLYING,
	}
	return true
}

// Applied marks the pending offer as applied. It is ignored unless an offer is applying.
func (m *Machine) Applied() bool {
	return m.finish(protobufs.RemoteConfigStatuses_RemoteConfigStatuses_APPLIED, "")
}

// Failed marks the pending offer as failed with msg.
func (m *Machine) Failed(msg string) bool {
	return m.finish(protobufs.RemoteConfigStatuses_RemoteConfigStatuses_FAILED, msg)
}

func (m *Machine) finish(to protobufs.RemoteConfigStatuses, msg string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.GetStatus() != protobufs.RemoteConfigStatuses_RemoteConfigStatuses_APPLYING {
		return false
	}
	m.status = &protobufs.RemoteConfigStatus{
		LastRemoteConfigHash: m.status.GetLastRemoteConfigHash(),
		Status:               to,
		ErrorMessage:         msg,
	}
	return true
}

// Status returns a copy of the status to report.
func (m *Machine) Status() *protobufs.RemoteConfigStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return proto.Clone(m.status).(*protobufs.RemoteConfigStatus)
}

func (m *Machine) State() protobufs.RemoteConfigStatuses {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.GetStatus()
}
