package engine

import (
	"log/slog"

	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/otelfleet/fleetsync/pkg/domain/agent"
	"github.com/otelfleet/fleetsync/pkg/engine/hashdiff"
	"github.com/otelfleet/fleetsync/pkg/engine/session"
	"github.com/otelfleet/fleetsync/pkg/storage"
)

// Stores are the persistent stores the engine reads and writes.
type Stores struct {
	Sessions           storage.KeyValue[session.Record]
	Hashes             storage.KeyValue[hashdiff.Snapshot]
	Agents             agent.Stores
	RemoteConfigs      storage.KeyValue[*protobufs.AgentRemoteConfig]
	ConnectionSettings storage.KeyValue[*protobufs.ConnectionSettingsOffers]
	Packages           storage.KeyValue[*protobufs.PackagesAvailable]
}

// NewStores lays every engine store out under its own prefix of broker.
func NewStores(logger *slog.Logger, broker storage.KVBroker) Stores {
	return Stores{
		Sessions: storage.NewCBORKV[session.Record](
			logger.With("store", "sessions"),
			broker.KeyValue("sessions"),
		),
		Hashes: storage.NewCBORKV[hashdiff.Snapshot](
			logger.With("store", "hashes"),
			broker.KeyValue("hashes"),
		),
		Agents: agent.Stores{
			Description: storage.NewProtoKV[*protobufs.AgentDescription](
				logger.With("store", "agent-description"),
				broker.KeyValue("agent-description"),
			),
			Health: storage.NewProtoKV[*protobufs.ComponentHealth](
				logger.With("store", "agent-health"),
				broker.KeyValue("agent-health"),
			),
			EffectiveConfig: storage.NewProtoKV[*protobufs.EffectiveConfig](
				logger.With("store", "agent-effective-config"),
				broker.KeyValue("agent-effective-config"),
			),
			RemoteConfigStatus: storage.NewProtoKV[*protobufs.RemoteConfigStatus](
				logger.With("store", "agent-remote-config-status"),
				broker.KeyValue("agent-remote-config-status"),
			),
			PackageStatuses: storage.NewProtoKV[*protobufs.PackageStatuses](
				logger.With("store", "agent-package-statuses"),
				broker.KeyValue("agent-package-statuses"),
			),
		},
		RemoteConfigs: storage.NewProtoKV[*protobufs.AgentRemoteConfig](
			logger.With("store", "remote-configs"),
			broker.KeyValue("remoteconfigs"),
		),
		ConnectionSettings: storage.NewProtoKV[*protobufs.ConnectionSettingsOffers](
			logger.With("store", "connection-settings"),
			broker.KeyValue("connectionsettings"),
		),
		Packages: storage.NewProtoKV[*protobufs.PackagesAvailable](
			logger.With("store", "packages"),
			broker.KeyValue("packages"),
		),
	}
}
