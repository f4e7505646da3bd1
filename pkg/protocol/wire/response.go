package wire

import (
	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/otelfleet/fleetsync/pkg/engine/retry"
	"github.com/otelfleet/fleetsync/pkg/protocol/capabilities"
	"github.com/otelfleet/fleetsync/pkg/protocol/hashing"
)

// Reply is the successful outcome of processing a report. Nil fields are not sent.
type Reply struct {
	ReportFullState     bool
	IncludeCapabilities bool

	RemoteConfig       *protobufs.AgentRemoteConfig
	PackagesAvailable  *protobufs.PackagesAvailable
	ConnectionSettings *protobufs.ConnectionSettingsOffers
	// NewInstanceID is set when the server reassigns the agent's identity.
	NewInstanceID string
	Restart       bool
}

// Empty reports whether the reply carries nothing beyond the instance id.
func (r *Reply) Empty() bool {
	return !r.ReportFullState && !r.IncludeCapabilities &&
		r.RemoteConfig == nil && r.PackagesAvailable == nil &&
		r.ConnectionSettings == nil && r.NewInstanceID == "" && !r.Restart
}

// Response holds exactly one of a Reply or a ServerError.
type Response struct {
	instanceID string
	reply      *Reply
	err        *retry.ServerError
}

func OK(instanceID string, reply *Reply) Response {
	if reply == nil {
		reply = &Reply{}
	}
	return Response{instanceID: instanceID, reply: reply}
}

func Fail(instanceID string, err *retry.ServerError) Response {
	if err == nil {
		err = retry.NewUnclassifiedError("unknown error")
	}
	return Response{instanceID: instanceID, err: err}
}

func (r Response) InstanceID() string {
	return r.instanceID
}

func (r Response) Reply() (*Reply, bool) {
	return r.reply, r.reply != nil
}

func (r Response) Err() (*retry.ServerError, bool) {
	return r.err, r.err != nil
}

// Encode produces the wire message. Offers are only populated when the negotiated
// field set allows them; an error response carries nothing but the error.
func (r Response) Encode(server capabilities.Server, agent capabilities.Agent) *protobufs.ServerToAgent {
	msg := &protobufs.ServerToAgent{
		InstanceUid: []byte(r.instanceID),
	}
	if r.err != nil {
		msg.ErrorResponse = r.err.ToProto()
		return msg
	}
	if r.reply == nil {
		return msg
	}
	allowed := capabilities.Negotiate(server, agent)

	if r.reply.ReportFullState {
		msg.Flags |= uint64(protobufs.ServerToAgentFlags_ServerToAgentFlags_ReportFullState)
	}
	if r.reply.IncludeCapabilities {
		msg.Capabilities = server.Uint64()
	}
	if r.reply.RemoteConfig != nil && allowed.Has(capabilities.FieldRemoteConfig) {
		msg.RemoteConfig = r.reply.RemoteConfig
	}
	if r.reply.PackagesAvailable != nil && allowed.Has(capabilities.FieldPackagesAvailable) {
		msg.PackagesAvailable = r.reply.PackagesAvailable
	}
	if r.reply.ConnectionSettings != nil {
		msg.ConnectionSettings = gateConnectionSettings(allowed, r.reply.ConnectionSettings)
	}
	if r.reply.NewInstanceID != "" {
		msg.AgentIdentification = &protobufs.AgentIdentification{
			NewInstanceUid: []byte(r.reply.NewInstanceID),
		}
	}
	if r.reply.Restart && allowed.Has(capabilities.FieldRestartCommand) {
		msg.Command = &protobufs.ServerToAgentCommand{
			Type: protobufs.CommandType_CommandType_Restart,
		}
	}
	return msg
}

// gateConnectionSettings drops the groups the agent did not advertise. When a group is
// dropped the hash is recomputed over what is sent, so the agent can compare it against
// the settings it actually received.
func gateConnectionSettings(allowed capabilities.Allowed, in *protobufs.ConnectionSettingsOffers) *protobufs.ConnectionSettingsOffers {
	out := &protobufs.ConnectionSettingsOffers{}
	if allowed.Has(capabilities.FieldOpAMPConnectionSettings) {
		out.Opamp = in.GetOpamp()
	}
	if allowed.Has(capabilities.FieldOwnMetricsConnectionSettings) {
		out.OwnMetrics = in.GetOwnMetrics()
	}
	if allowed.Has(capabilities.FieldOwnTracesConnectionSettings) {
		out.OwnTraces = in.GetOwnTraces()
	}
	if allowed.Has(capabilities.FieldOwnLogsConnectionSettings) {
		out.OwnLogs = in.GetOwnLogs()
	}
	if allowed.Has(capabilities.FieldOtherConnectionSettings) {
		out.OtherConnections = in.GetOtherConnections()
	}
	if out.Opamp == nil && out.OwnMetrics == nil && out.OwnTraces == nil &&
		out.OwnLogs == nil && len(out.OtherConnections) == 0 {
		return nil
	}
	if dropped(in, out) {
		h, err := hashing.Message(out)
		if err != nil {
			// deterministic marshalling of a valid message does not fail
			panic(err)
		}
		out.Hash = h
	} else {
		out.Hash = in.GetHash()
	}
	return out
}

func dropped(in, out *protobufs.ConnectionSettingsOffers) bool {
	return (in.GetOpamp() != nil && out.Opamp == nil) ||
		(in.GetOwnMetrics() != nil && out.OwnMetrics == nil) ||
		(in.GetOwnTraces() != nil && out.OwnTraces == nil) ||
		(in.GetOwnLogs() != nil && out.OwnLogs == nil) ||
		(len(in.GetOtherConnections()) > 0 && len(out.OtherConnections) == 0)
}
