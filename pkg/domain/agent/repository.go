package agent

import (
	"context"
	"errors"

	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/otelfleet/fleetsync/pkg/protocol/field"
)

var ErrAgentNotFound = errors.New("agent not found")

// Facts are the latest reported values of an agent, as stored.
type Facts struct {
	Description        *protobufs.AgentDescription
	Health             *protobufs.ComponentHealth
	EffectiveConfig    *protobufs.EffectiveConfig
	RemoteConfigStatus *protobufs.RemoteConfigStatus
	PackageStatuses    *protobufs.PackageStatuses
}

// Update carries reported changes. Unset fields are left alone, cleared fields are
// deleted from the store.
type Update struct {
	Description        field.Field[*protobufs.AgentDescription]
	Health             field.Field[*protobufs.ComponentHealth]
	EffectiveConfig    field.Field[*protobufs.EffectiveConfig]
	RemoteConfigStatus field.Field[*protobufs.RemoteConfigStatus]
	PackageStatuses    field.Field[*protobufs.PackageStatuses]
}

// AssignedConfig resolves the remote configuration an agent should run.
type AssignedConfig interface {
	For(agentID string) (*protobufs.AgentRemoteConfig, bool)
}

// Repository provides unified access to reported agent data.
type Repository interface {
	Get(ctx context.Context, agentID string) (*Agent, error)
	List(ctx context.Context) ([]*Agent, error)

	// Facts returns the raw reported values used for reconciliation.
	Facts(ctx context.Context, agentID string) (*Facts, error)
	Apply(ctx context.Context, agentID string, u Update) error
	// Move re-keys every record after an instance id reassignment.
	Move(ctx context.Context, from, to string) error
	Delete(ctx context.Context, agentID string) error
}
