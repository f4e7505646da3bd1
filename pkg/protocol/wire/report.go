// Package wire maps opamp-go protobuf messages to the engine's report and
// response types, applying capability gating in both directions.
package wire

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/otelfleet/fleetsync/pkg/protocol/capabilities"
	"github.com/otelfleet/fleetsync/pkg/protocol/field"
	"google.golang.org/protobuf/proto"
)

const InstanceIDSize = 16

var (
	ErrNilMessage        = errors.New("nil message")
	ErrMissingInstanceID = errors.New("instance_uid is required")
)

// Report is an inbound agent message after decoding. Every reported fact carries an
// explicit presence state: Unset means unchanged since the last report.
type Report struct {
	InstanceID   string
	SequenceNum  uint64
	Capabilities capabilities.Agent

	Description               field.Field[*protobufs.AgentDescription]
	Health                    field.Field[*protobufs.ComponentHealth]
	EffectiveConfig           field.Field[*protobufs.EffectiveConfig]
	RemoteConfigStatus        field.Field[*protobufs.RemoteConfigStatus]
	PackageStatuses           field.Field[*protobufs.PackageStatuses]
	ConnectionSettingsRequest field.Field[*protobufs.ConnectionSettingsRequest]

	// Disconnect is the agent's explicit goodbye.
	Disconnect bool
	// RequestInstanceID asks the server to assign a new instance id.
	RequestInstanceID bool

	// Ignored lists populated fields that were dropped because the agent did not
	// advertise the capability that governs them.
	Ignored []string
}

// Complete converts every Unset reported fact into Clear. Applied to the report
// that answers a full state request.
func (r *Report) Complete() {
	r.Description = r.Description.Complete()
	r.Health = r.Health.Complete()
	r.EffectiveConfig = r.EffectiveConfig.Complete()
	r.RemoteConfigStatus = r.RemoteConfigStatus.Complete()
	r.PackageStatuses = r.PackageStatuses.Complete()
}

func present[M proto.Message](m M) field.Field[M] {
	if !m.ProtoReflect().IsValid() {
		return field.Field[M]{}
	}
	return field.Of(m)
}

// Decode validates msg and converts it into a Report. Fields the agent populated
// without advertising the governing capability are ignored rather than rejected.
func Decode(server capabilities.Server, msg *protobufs.AgentToServer) (*Report, error) {
	if msg == nil {
		return nil, ErrNilMessage
	}
	if len(msg.GetInstanceUid()) == 0 {
		return nil, ErrMissingInstanceID
	}
	if len(msg.GetInstanceUid()) != InstanceIDSize {
		return nil, fmt.Errorf("instance_uid must be %d bytes, got %d", InstanceIDSize, len(msg.GetInstanceUid()))
	}
	agent := capabilities.AgentFromWire(msg.GetCapabilities())
	allowed := capabilities.Negotiate(server, agent)

	r := &Report{
		InstanceID:        string(msg.GetInstanceUid()),
		SequenceNum:       msg.GetSequenceNum(),
		Capabilities:      agent,
		Disconnect:        msg.GetAgentDisconnect() != nil,
		RequestInstanceID: msg.GetFlags()&uint64(protobufs.AgentToServerFlags_AgentToServerFlags_RequestInstanceUid) != 0,
	}

	gate := func(f capabilities.Field, name string, set bool) bool {
		if !set {
			return false
		}
		if !allowed.Has(f) {
			r.Ignored = append(r.Ignored, name)
			return false
		}
		return true
	}

	if gate(capabilities.FieldAgentDescription, "agent_description", msg.GetAgentDescription() != nil) {
		r.Description = present(msg.GetAgentDescription())
	}
	if gate(capabilities.FieldHealth, "health", msg.GetHealth() != nil) {
		r.Health = present(msg.GetHealth())
	}
	if gate(capabilities.FieldEffectiveConfig, "effective_config", msg.GetEffectiveConfig() != nil) {
		r.EffectiveConfig = present(msg.GetEffectiveConfig())
	}
	if gate(capabilities.FieldRemoteConfigStatus, "remote_config_status", msg.GetRemoteConfigStatus() != nil) {
		r.RemoteConfigStatus = present(msg.GetRemoteConfigStatus())
	}
	if gate(capabilities.FieldPackageStatuses, "package_statuses", msg.GetPackageStatuses() != nil) {
		r.PackageStatuses = present(msg.GetPackageStatuses())
	}
	if gate(capabilities.FieldConnectionSettingsRequest, "connection_settings_request", msg.GetConnectionSettingsRequest() != nil) {
		r.ConnectionSettingsRequest = present(msg.GetConnectionSettingsRequest())
	}
	return r, nil
}

// FormatInstanceID renders a raw instance id for logs.
func FormatInstanceID(id string) string {
	if u, err := uuid.FromBytes([]byte(id)); err == nil {
		return u.String()
	}
	return fmt.Sprintf("%x", id)
}

// ParseInstanceID accepts the textual uuid form used by the admin API.
func ParseInstanceID(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid instance id %q: %w", s, err)
	}
	return string(u[:]), nil
}
