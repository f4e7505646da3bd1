package supervisor

import (
	"runtime"
	"time"

	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/otelfleet/fleetsync/pkg/protocol/capabilities"
	"github.com/otelfleet/fleetsync/pkg/util"
)

const (
	AttributeAgentName = "fleetsync.agent.name"
	serviceName        = "fleetsync-agent"
)

// BuildAgentDescription creates a complete AgentDescription with identifying
// and non-identifying attributes following semantic conventions.
func BuildAgentDescription(instanceID, name string, labels map[string]string) *protobufs.AgentDescription {
	desc := &protobufs.AgentDescription{
		IdentifyingAttributes: []*protobufs.KeyValue{
			util.KeyVal("service.name", serviceName),
			util.KeyVal("service.instance.id", instanceID),
		},
		NonIdentifyingAttributes: []*protobufs.KeyValue{
			util.KeyVal("os.type", runtime.GOOS),
			util.KeyVal("host.arch", runtime.GOARCH),
			util.KeyVal("process.runtime.name", "go"),
			util.KeyVal("process.runtime.version", runtime.Version()),
		},
	}
	if name != "" {
		desc.IdentifyingAttributes = append(desc.IdentifyingAttributes, util.KeyVal(AttributeAgentName, name))
	}
	desc.NonIdentifyingAttributes = append(desc.NonIdentifyingAttributes, util.KeyVals(labels)...)
	return desc
}

// BuildComponentHealth creates a ComponentHealth message for the supervised collector.
func BuildComponentHealth(healthy bool, status, lastError string, startTime time.Time) *protobufs.ComponentHealth {
	return &protobufs.ComponentHealth{
		Healthy:            healthy,
		Status:             status,
		StartTimeUnixNano:  uint64(startTime.UnixNano()),
		StatusTimeUnixNano: uint64(time.Now().UnixNano()),
		LastError:          lastError,
	}
}

// Capabilities is everything the supervisor implements.
const Capabilities = capabilities.ReportsStatus |
	capabilities.AcceptsRemoteConfig |
	capabilities.ReportsRemoteConfig |
	capabilities.ReportsEffectiveConfig |
	capabilities.ReportsHealth |
	capabilities.AcceptsPackages |
	capabilities.ReportsPackageStatuses |
	capabilities.AcceptsOpAMPConnectionSettings |
	capabilities.AcceptsOtherConnectionSettings
