package capabilities

// Field names a message field whose presence is gated by capabilities.
type Field uint32

const (
	FieldAgentDescription Field = 1 << iota
	FieldHealth
	FieldEffectiveConfig
	FieldRemoteConfigStatus
	FieldPackageStatuses
	FieldConnectionSettingsRequest

	FieldRemoteConfig
	FieldPackagesAvailable
	FieldOpAMPConnectionSettings
	FieldOwnMetricsConnectionSettings
	FieldOwnTracesConnectionSettings
	FieldOwnLogsConnectionSettings
	FieldOtherConnectionSettings
	FieldRestartCommand
)

// Allowed is the set of fields both sides agreed on for a session.
type Allowed uint32

func (a Allowed) Has(f Field) bool {
	return uint32(a)&uint32(f) != 0
}

// AnyConnectionSettings reports whether at least one connection settings group may be offered.
func (a Allowed) AnyConnectionSettings() bool {
	return a.Has(FieldOpAMPConnectionSettings) ||
		a.Has(FieldOwnMetricsConnectionSettings) ||
		a.Has(FieldOwnTracesConnectionSettings) ||
		a.Has(FieldOwnLogsConnectionSettings) ||
		a.Has(FieldOtherConnectionSettings)
}

type rule struct {
	field  Field
	server Server
	agent  Agent
}

// Each field is gated on the bit the receiver advertises and the bit the sender
// advertises for producing it.
var rules = []rule{
	{FieldAgentDescription, AcceptsStatus, ReportsStatus},
	{FieldHealth, AcceptsStatus, ReportsHealth},
	{FieldEffectiveConfig, AcceptsEffectiveConfig, ReportsEffectiveConfig},
	{FieldRemoteConfigStatus, AcceptsStatus, ReportsRemoteConfig},
	{FieldPackageStatuses, AcceptsPackagesStatus, ReportsPackageStatuses},
	{FieldConnectionSettingsRequest, AcceptsConnectionSettingsRequest, AcceptsOpAMPConnectionSettings},

	{FieldRemoteConfig, OffersRemoteConfig, AcceptsRemoteConfig},
	{FieldPackagesAvailable, OffersPackages, AcceptsPackages},
	{FieldOpAMPConnectionSettings, OffersConnectionSettings, AcceptsOpAMPConnectionSettings},
	{FieldOwnMetricsConnectionSettings, OffersConnectionSettings, ReportsOwnMetrics},
	{FieldOwnTracesConnectionSettings, OffersConnectionSettings, ReportsOwnTraces},
	{FieldOwnLogsConnectionSettings, OffersConnectionSettings, ReportsOwnLogs},
	{FieldOtherConnectionSettings, OffersConnectionSettings, AcceptsOtherConnectionSettings},
	{FieldRestartCommand, AcceptsStatus, AcceptsRestartCommand},
}

// Negotiate computes the fields either party may populate for the pair of
// advertised capability sets. It is a pure function; unknown bits never widen
// the result.
func Negotiate(server Server, agent Agent) Allowed {
	var allowed Allowed
	for _, r := range rules {
		if server.Has(r.server) && agent.Has(r.agent) {
			allowed |= Allowed(r.field)
		}
	}
	return allowed
}
