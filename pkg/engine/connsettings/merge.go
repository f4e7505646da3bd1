// Package connsettings reconciles the connection settings the server offers per
// destination class and applies them on the agent with verify-then-swap semantics.
package connsettings

import (
	"maps"

	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/otelfleet/fleetsync/pkg/protocol/field"
	"github.com/otelfleet/fleetsync/pkg/protocol/hashing"
	"google.golang.org/protobuf/proto"
)

func str(s string) field.Field[string] {
	if s == "" {
		return field.Field[string]{}
	}
	return field.Of(s)
}

func msg[M proto.Message](m M) field.Field[M] {
	if !m.ProtoReflect().IsValid() {
		return field.Field[M]{}
	}
	return field.Of(proto.Clone(m).(M))
}

func num(v uint64) field.Field[uint64] {
	if v == 0 {
		return field.Field[uint64]{}
	}
	return field.Of(v)
}

// Merge applies a partial offer on top of current. Groups absent from the offer are
// kept, and within a group every unset sub-field keeps its current value. Neither
// argument is modified.
func Merge(current, offer *protobufs.ConnectionSettingsOffers) *protobufs.ConnectionSettingsOffers {
	out := &protobufs.ConnectionSettingsOffers{}
	if current != nil {
		out = proto.Clone(current).(*protobufs.ConnectionSettingsOffers)
	}
	if offer == nil {
		return out
	}
	if o := offer.GetOpamp(); o != nil {
		out.Opamp = mergeOpAMP(out.GetOpamp(), o)
	}
	if o := offer.GetOwnMetrics(); o != nil {
		out.OwnMetrics = mergeTelemetry(out.GetOwnMetrics(), o)
	}
	if o := offer.GetOwnTraces(); o != nil {
		out.OwnTraces = mergeTelemetry(out.GetOwnTraces(), o)
	}
	if o := offer.GetOwnLogs(); o != nil {
		out.OwnLogs = mergeTelemetry(out.GetOwnLogs(), o)
	}
	if len(offer.GetOtherConnections()) > 0 {
		if out.OtherConnections == nil {
			out.OtherConnections = map[string]*protobufs.OtherConnectionSettings{}
		}
		for name, o := range offer.GetOtherConnections() {
			out.OtherConnections[name] = mergeOther(out.OtherConnections[name], o)
		}
	}
	out.Hash = Hash(out)
	return out
}

func mergeOpAMP(cur, o *protobufs.OpAMPConnectionSettings) *protobufs.OpAMPConnectionSettings {
	out := &protobufs.OpAMPConnectionSettings{}
	if cur != nil {
		out = proto.Clone(cur).(*protobufs.OpAMPConnectionSettings)
	}
	out.DestinationEndpoint = str(o.GetDestinationEndpoint()).Apply(out.DestinationEndpoint)
	out.Headers = msg(o.GetHeaders()).Apply(out.Headers)
	out.Certificate = msg(o.GetCertificate()).Apply(out.Certificate)
	out.HeartbeatIntervalSeconds = num(o.GetHeartbeatIntervalSeconds()).Apply(out.HeartbeatIntervalSeconds)
	return out
}

func mergeTelemetry(cur, o *protobufs.TelemetryConnectionSettings) *protobufs.TelemetryConnectionSettings {
	out := &protobufs.TelemetryConnectionSettings{}
	if cur != nil {
		out = proto.Clone(cur).(*protobufs.TelemetryConnectionSettings)
	}
	out.DestinationEndpoint = str(o.GetDestinationEndpoint()).Apply(out.DestinationEndpoint)
	out.Headers = msg(o.GetHeaders()).Apply(out.Headers)
	out.Certificate = msg(o.GetCertificate()).Apply(out.Certificate)
	return out
}

func mergeOther(cur, o *protobufs.OtherConnectionSettings) *protobufs.OtherConnectionSettings {
	out := &protobufs.OtherConnectionSettings{}
	if cur != nil {
		out = proto.Clone(cur).(*protobufs.OtherConnectionSettings)
	}
	out.DestinationEndpoint = str(o.GetDestinationEndpoint()).Apply(out.DestinationEndpoint)
	out.Headers = msg(o.GetHeaders()).Apply(out.Headers)
	out.Certificate = msg(o.GetCertificate()).Apply(out.Certificate)
	if len(o.GetOtherSettings()) > 0 {
		out.OtherSettings = maps.Clone(o.GetOtherSettings())
	}
	return out
}

// Hash is the aggregate hash over every group, ignoring the Hash field itself.
func Hash(s *protobufs.ConnectionSettingsOffers) []byte {
	if s == nil {
		return nil
	}
	c := proto.Clone(s).(*protobufs.ConnectionSettingsOffers)
	c.Hash = nil
	h, err := hashing.Message(c)
	if err != nil {
		// deterministic marshalling of a valid message does not fail
		panic(err)
	}
	return h
}

// Empty reports whether s carries no group at all.
func Empty(s *protobufs.ConnectionSettingsOffers) bool {
	return s.GetOpamp() == nil && s.GetOwnMetrics() == nil && s.GetOwnTraces() == nil &&
		s.GetOwnLogs() == nil && len(s.GetOtherConnections()) == 0
}
