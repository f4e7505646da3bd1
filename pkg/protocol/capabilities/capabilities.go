// Package capabilities models the OpAMP capability bitmasks as typed sets of named
// flags and decides which message fields each side may populate.
package capabilities

import (
	"errors"
	"slices"
	"strings"

	"github.com/open-telemetry/opamp-go/protobufs"
)

var (
	ErrAgentMissingReportsStatus  = errors.New("agent capabilities must include ReportsStatus")
	ErrServerMissingAcceptsStatus = errors.New("server capabilities must include AcceptsStatus")
)

// Agent is the capability set an agent advertises on every message.
type Agent uint64

const (
	ReportsStatus                  = Agent(protobufs.AgentCapabilities_AgentCapabilities_ReportsStatus)
	AcceptsRemoteConfig            = Agent(protobufs.AgentCapabilities_AgentCapabilities_AcceptsRemoteConfig)
	ReportsEffectiveConfig         = Agent(protobufs.AgentCapabilities_AgentCapabilities_ReportsEffectiveConfig)
	AcceptsPackages                = Agent(protobufs.AgentCapabilities_AgentCapabilities_AcceptsPackages)
	ReportsPackageStatuses         = Agent(protobufs.AgentCapabilities_AgentCapabilities_ReportsPackageStatuses)
	ReportsOwnTraces               = Agent(protobufs.AgentCapabilities_AgentCapabilities_ReportsOwnTraces)
	ReportsOwnMetrics              = Agent(protobufs.AgentCapabilities_AgentCapabilities_ReportsOwnMetrics)
	ReportsOwnLogs                 = Agent(protobufs.AgentCapabilities_AgentCapabilities_ReportsOwnLogs)
	AcceptsOpAMPConnectionSettings = Agent(protobufs.AgentCapabilities_AgentCapabilities_AcceptsOpAMPConnectionSettings)
	AcceptsOtherConnectionSettings = Agent(protobufs.AgentCapabilities_AgentCapabilities_AcceptsOtherConnectionSettings)
	AcceptsRestartCommand          = Agent(protobufs.AgentCapabilities_AgentCapabilities_AcceptsRestartCommand)
	ReportsHealth                  = Agent(protobufs.AgentCapabilities_AgentCapabilities_ReportsHealth)
	ReportsRemoteConfig            = Agent(protobufs.AgentCapabilities_AgentCapabilities_ReportsRemoteConfig)
	ReportsHeartbeat               = Agent(0x00002000)
	ReportsAvailableComponents     = Agent(0x00004000)
)

type flag[T ~uint64] struct {
	bit  T
	name string
}

var agentNames = []flag[Agent]{
	{ReportsStatus, "ReportsStatus"},
	{AcceptsRemoteConfig, "AcceptsRemoteConfig"},
	{ReportsEffectiveConfig, "ReportsEffectiveConfig"},
	{AcceptsPackages, "AcceptsPackages"},
	{ReportsPackageStatuses, "ReportsPackageStatuses"},
	{ReportsOwnTraces, "ReportsOwnTraces"},
	{ReportsOwnMetrics, "ReportsOwnMetrics"},
	{ReportsOwnLogs, "ReportsOwnLogs"},
	{AcceptsOpAMPConnectionSettings, "AcceptsOpAMPConnectionSettings"},
	{AcceptsOtherConnectionSettings, "AcceptsOtherConnectionSettings"},
	{AcceptsRestartCommand, "AcceptsRestartCommand"},
	{ReportsHealth, "ReportsHealth"},
	{ReportsRemoteConfig, "ReportsRemoteConfig"},
	{ReportsHeartbeat, "ReportsHeartbeat"},
	{ReportsAvailableComponents, "ReportsAvailableComponents"},
}

var knownAgent = func() Agent {
	var all Agent
	for _, n := range agentNames {
		all |= n.bit
	}
	return all
}()

// AgentFromWire reads a raw bitmask, dropping every bit this build does not know.
func AgentFromWire(raw uint64) Agent {
	return Agent(raw) & knownAgent
}

// Has reports whether every bit in want is set. Unknown bits are never reported.
func (a Agent) Has(want Agent) bool {
	want &= knownAgent
	return want != 0 && a&want == want
}

func (a Agent) Known() Agent {
	return a & knownAgent
}

func (a Agent) Uint64() uint64 {
	return uint64(a.Known())
}

// Names converts the bitmask to human-readable strings.
func (a Agent) Names() []string {
	var ret []string
	for _, n := range agentNames {
		if a&n.bit != 0 {
			ret = append(ret, n.name)
		}
	}
	return ret
}

func (a Agent) String() string {
	return strings.Join(a.Names(), "|")
}

// Validate checks the mandatory agent bit.
func (a Agent) Validate() error {
	if !a.Has(ReportsStatus) {
		return ErrAgentMissingReportsStatus
	}
	return nil
}

// Server is the capability set the server declares on the first message of a session.
type Server uint64

const (
	AcceptsStatus                    = Server(protobufs.ServerCapabilities_ServerCapabilities_AcceptsStatus)
	OffersRemoteConfig               = Server(protobufs.ServerCapabilities_ServerCapabilities_OffersRemoteConfig)
	AcceptsEffectiveConfig           = Server(protobufs.ServerCapabilities_ServerCapabilities_AcceptsEffectiveConfig)
	OffersPackages                   = Server(protobufs.ServerCapabilities_ServerCapabilities_OffersPackages)
	AcceptsPackagesStatus            = Server(protobufs.ServerCapabilities_ServerCapabilities_AcceptsPackagesStatus)
	OffersConnectionSettings         = Server(protobufs.ServerCapabilities_ServerCapabilities_OffersConnectionSettings)
	AcceptsConnectionSettingsRequest = Server(protobufs.ServerCapabilities_ServerCapabilities_AcceptsConnectionSettingsRequest)
)

var serverNames = []flag[Server]{
	{AcceptsStatus, "AcceptsStatus"},
	{OffersRemoteConfig, "OffersRemoteConfig"},
	{AcceptsEffectiveConfig, "AcceptsEffectiveConfig"},
	{OffersPackages, "OffersPackages"},
	{AcceptsPackagesStatus, "AcceptsPackagesStatus"},
	{OffersConnectionSettings, "OffersConnectionSettings"},
	{AcceptsConnectionSettingsRequest, "AcceptsConnectionSettingsRequest"},
}

var knownServer = func() Server {
	var all Server
	for _, n := range serverNames {
		all |= n.bit
	}
	return all
}()

func ServerFromWire(raw uint64) Server {
	return Server(raw) & knownServer
}

func (s Server) Has(want Server) bool {
	want &= knownServer
	return want != 0 && s&want == want
}

func (s Server) Known() Server {
	return s & knownServer
}

func (s Server) Uint64() uint64 {
	return uint64(s.Known())
}

func (s Server) Names() []string {
	var ret []string
	for _, n := range serverNames {
		if s&n.bit != 0 {
			ret = append(ret, n.name)
		}
	}
	return ret
}

func (s Server) String() string {
	return strings.Join(s.Names(), "|")
}

func (s Server) Validate() error {
	if !s.Has(AcceptsStatus) {
		return ErrServerMissingAcceptsStatus
	}
	return nil
}

// ParseServer builds a server capability set from names as accepted by Names.
// Unrecognised names are returned so configuration loading can reject them.
func ParseServer(names []string) (Server, []string) {
	var caps Server
	var unknown []string
	for _, name := range names {
		idx := slices.IndexFunc(serverNames, func(n flag[Server]) bool {
			return strings.EqualFold(n.name, name)
		})
		if idx < 0 {
			unknown = append(unknown, name)
			continue
		}
		caps |= serverNames[idx].bit
	}
	return caps, unknown
}

// DefaultServer is everything this engine implements.
const DefaultServer = AcceptsStatus |
	OffersRemoteConfig |
	AcceptsEffectiveConfig |
	OffersPackages |
	AcceptsPackagesStatus |
	OffersConnectionSettings
