// Package agent assembles the reported state of each agent from the status stores
// into a single view and writes reported changes back to those stores.
package agent

import (
	"time"

	"github.com/otelfleet/fleetsync/pkg/engine/remoteconfig"
)

// Agent is the aggregate view of one agent.
type Agent struct {
	ID         string          `json:"id"`
	Attributes AgentAttributes `json:"attributes"`
	Connection ConnectionState `json:"connection"`
	Status     RuntimeStatus   `json:"status"`
}

// AgentAttributes are the identifying and non-identifying attributes the agent reported.
type AgentAttributes struct {
	Identifying    map[string]any `json:"identifying,omitempty"`
	NonIdentifying map[string]any `json:"non_identifying,omitempty"`
}

// ConnectionState is filled from the live session, when there is one.
type ConnectionState struct {
	Connected    bool       `json:"connected"`
	FirstSeen    *time.Time `json:"first_seen,omitempty"`
	LastSeen     *time.Time `json:"last_seen,omitempty"`
	SequenceNum  uint64     `json:"sequence_num"`
	Capabilities []string   `json:"capabilities,omitempty"`
}

type RuntimeStatus struct {
	Health             *ComponentHealth          `json:"health,omitempty"`
	EffectiveConfig    *EffectiveConfig          `json:"effective_config,omitempty"`
	RemoteConfigStatus *RemoteConfigStatus       `json:"remote_config_status,omitempty"`
	ConfigSync         remoteconfig.SyncState    `json:"config_sync"`
	ConfigSyncReason   string                    `json:"config_sync_reason,omitempty"`
	Packages           map[string]*PackageStatus `json:"packages,omitempty"`
	PackagesHash       string                    `json:"packages_hash,omitempty"`
}

type ComponentHealth struct {
	Healthy            bool                        `json:"healthy"`
	StartTimeUnixNano  uint64                      `json:"start_time_unix_nano,omitempty"`
	LastError          string                      `json:"last_error,omitempty"`
	Status             string                      `json:"status,omitempty"`
	StatusTimeUnixNano uint64                      `json:"status_time_unix_nano,omitempty"`
	ComponentHealthMap map[string]*ComponentHealth `json:"components,omitempty"`
}

type EffectiveConfig struct {
	ConfigMap map[string]*ConfigFile `json:"config_map"`
}

type ConfigFile struct {
	Body        string `json:"body"`
	ContentType string `json:"content_type,omitempty"`
}

type RemoteConfigStatus struct {
	LastRemoteConfigHash string `json:"last_remote_config_hash,omitempty"`
	Status               string `json:"status"`
	ErrorMessage         string `json:"error_message,omitempty"`
}

type PackageStatus struct {
	AgentHasVersion      string `json:"agent_has_version,omitempty"`
	AgentHasHash         string `json:"agent_has_hash,omitempty"`
	ServerOfferedVersion string `json:"server_offered_version,omitempty"`
	ServerOfferedHash    string `json:"server_offered_hash,omitempty"`
	Status               string `json:"status"`
	ErrorMessage         string `json:"error_message,omitempty"`
}

// MatchesLabels checks if the agent's string attributes match every selector label.
// An empty selector matches nothing.
func (a *Agent) MatchesLabels(selector map[string]string) bool {
	if len(selector) == 0 {
		return false
	}
	for key, value := range selector {
		v, ok := a.Attributes.Identifying[key]
		if !ok {
			v = a.Attributes.NonIdentifying[key]
		}
		if s, ok := v.(string); !ok || s != value {
			return false
		}
	}
	return true
}
