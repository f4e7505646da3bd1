package agent

import (
	"strings"

	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/otelfleet/fleetsync/pkg/protocol/hashing"
)

// ConvertAttributes converts an OpAMP AgentDescription to domain attributes.
func ConvertAttributes(desc *protobufs.AgentDescription) AgentAttributes {
	return AgentAttributes{
		Identifying:    convertKeyValuesToMap(desc.GetIdentifyingAttributes()),
		NonIdentifying: convertKeyValuesToMap(desc.GetNonIdentifyingAttributes()),
	}
}

func ConvertHealth(h *protobufs.ComponentHealth) *ComponentHealth {
	if h == nil {
		return nil
	}
	result := &ComponentHealth{
		Healthy:            h.GetHealthy(),
		StartTimeUnixNano:  h.GetStartTimeUnixNano(),
		LastError:          h.GetLastError(),
		Status:             h.GetStatus(),
		StatusTimeUnixNano: h.GetStatusTimeUnixNano(),
	}
	if len(h.GetComponentHealthMap()) > 0 {
		result.ComponentHealthMap = make(map[string]*ComponentHealth, len(h.GetComponentHealthMap()))
		for k, v := range h.GetComponentHealthMap() {
			result.ComponentHealthMap[k] = ConvertHealth(v)
		}
	}
	return result
}

func ConvertEffectiveConfig(c *protobufs.EffectiveConfig) *EffectiveConfig {
	if c.GetConfigMap() == nil {
		return nil
	}
	result := &EffectiveConfig{
		ConfigMap: make(map[string]*ConfigFile, len(c.GetConfigMap().GetConfigMap())),
	}
	for k, v := range c.GetConfigMap().GetConfigMap() {
		result.ConfigMap[k] = &ConfigFile{
			Body:        string(v.GetBody()),
			ContentType: v.GetContentType(),
		}
	}
	return result
}

func ConvertRemoteConfigStatus(s *protobufs.RemoteConfigStatus) *RemoteConfigStatus {
	if s == nil {
		return nil
	}
	return &RemoteConfigStatus{
		LastRemoteConfigHash: hashing.Hex(s.GetLastRemoteConfigHash()),
		Status:               enumName(s.GetStatus().String(), "RemoteConfigStatuses_"),
		ErrorMessage:         s.GetErrorMessage(),
	}
}

// ConvertPackageStatuses returns the per-package view and the hex aggregate hash the
// agent last received.
func ConvertPackageStatuses(s *protobufs.PackageStatuses) (map[string]*PackageStatus, string) {
	if s == nil {
		return nil, ""
	}
	result := make(map[string]*PackageStatus, len(s.GetPackages()))
	for name, p := range s.GetPackages() {
		result[name] = &PackageStatus{
			AgentHasVersion:      p.GetAgentHasVersion(),
			AgentHasHash:         hashing.Hex(p.GetAgentHasHash()),
			ServerOfferedVersion: p.GetServerOfferedVersion(),
			ServerOfferedHash:    hashing.Hex(p.GetServerOfferedHash()),
			Status:               enumName(p.GetStatus().String(), "PackageStatusEnum_"),
			ErrorMessage:         p.GetErrorMessage(),
		}
	}
	return result, hashing.Hex(s.GetServerProvidedAllPackagesHash())
}

func enumName(name, prefix string) string {
	return strings.TrimPrefix(name, prefix)
}

func convertKeyValuesToMap(kvs []*protobufs.KeyValue) map[string]any {
	if kvs == nil {
		return nil
	}
	result := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		result[kv.GetKey()] = convertAnyValue(kv.GetValue())
	}
	return result
}

func convertAnyValue(v *protobufs.AnyValue) any {
	switch val := v.GetValue().(type) {
	case *protobufs.AnyValue_StringValue:
		return val.StringValue
	case *protobufs.AnyValue_BoolValue:
		return val.BoolValue
	case *protobufs.AnyValue_IntValue:
		return val.IntValue
	case *protobufs.AnyValue_DoubleValue:
		return val.DoubleValue
	case *protobufs.AnyValue_BytesValue:
		return val.BytesValue
	case *protobufs.AnyValue_ArrayValue:
		arr := make([]any, 0, len(val.ArrayValue.GetValues()))
		for _, item := range val.ArrayValue.GetValues() {
			arr = append(arr, convertAnyValue(item))
		}
		return arr
	case *protobufs.AnyValue_KvlistValue:
		return convertKeyValuesToMap(val.KvlistValue.GetValues())
	default:
		return nil
	}
}
