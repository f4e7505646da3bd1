package opamp_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/otelfleet/fleetsync/pkg/engine"
	"github.com/otelfleet/fleetsync/pkg/protocol/capabilities"
	"github.com/otelfleet/fleetsync/pkg/util"
	"github.com/otelfleet/fleetsync/pkg/util/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/testing/protocmp"
)

const agentCaps = capabilities.ReportsStatus |
	capabilities.AcceptsRemoteConfig |
	capabilities.ReportsRemoteConfig |
	capabilities.ReportsEffectiveConfig |
	capabilities.ReportsHealth

var fullStateFlag = uint64(protobufs.ServerToAgentFlags_ServerToAgentFlags_ReportFullState)

func newUID() []byte {
	u := uuid.Must(uuid.NewV7())
	return u[:]
}

func message(uid []byte, seq uint64) *protobufs.AgentToServer {
	return &protobufs.AgentToServer{
		InstanceUid:  uid,
		SequenceNum:  seq,
		Capabilities: agentCaps.Uint64(),
	}
}

func description(name string) *protobufs.AgentDescription {
	return &protobufs.AgentDescription{
		IdentifyingAttributes: []*protobufs.KeyValue{
			util.KeyVal("service.name", name),
		},
	}
}

func configMap(body string) *protobufs.AgentConfigMap {
	return &protobufs.AgentConfigMap{
		ConfigMap: map[string]*protobufs.AgentConfigFile{
			"config.yaml": {Body: []byte(body), ContentType: "text/yaml"},
		},
	}
}

func TestServer(t *testing.T) {
	env := testutil.NewTestEnv(t)
	require.NotNil(t, env.OpampServer)
	require.NotNil(t, env.OpampWSServer)
	assert.Zero(t, env.OpampServer.Connections())
}

func TestServer_SequenceNumTracking_Sequential(t *testing.T) {
	env := testutil.NewTestEnv(t)
	ctx := context.Background()
	uid := newUID()
	conn := testutil.NewMockConnection("10.0.0.1:4000")

	env.OpampServer.OnConnected(ctx, conn)
	for seq := uint64(0); seq < 3; seq++ {
		msg := message(uid, seq)
		if seq == 0 {
			msg.AgentDescription = description("collector")
		}
		resp := env.OpampServer.OnMessage(ctx, conn, msg)
		require.NotNil(t, resp)
		assert.Nil(t, resp.GetErrorResponse())
		assert.Zero(t, resp.GetFlags()&fullStateFlag, "seq %d should not request full state", seq)
		assert.Equal(t, uid, resp.GetInstanceUid())
	}
	assert.Equal(t, 1, env.OpampServer.Connections())
}

func TestServer_SequenceNumTracking_Gap(t *testing.T) {
	env := testutil.NewTestEnv(t)
	ctx := context.Background()
	uid := newUID()
	conn := testutil.NewMockConnection("10.0.0.1:4000")

	resp := env.OpampServer.OnMessage(ctx, conn, message(uid, 0))
	assert.Zero(t, resp.GetFlags()&fullStateFlag)

	resp = env.OpampServer.OnMessage(ctx, conn, message(uid, 5))
	assert.NotZero(t, resp.GetFlags()&fullStateFlag)

	// the next in-order report is treated as complete
	msg := message(uid, 6)
	msg.AgentDescription = description("collector")
	resp = env.OpampServer.OnMessage(ctx, conn, msg)
	assert.Zero(t, resp.GetFlags()&fullStateFlag)
}

func TestServer_MultipleAgentsAreIndependent(t *testing.T) {
	env := testutil.NewTestEnv(t)
	ctx := context.Background()

	uid1, uid2 := newUID(), newUID()
	conn1 := testutil.NewMockConnection("10.0.0.1:4000")
	conn2 := testutil.NewMockConnection("10.0.0.2:4000")

	env.OpampServer.OnMessage(ctx, conn1, message(uid1, 0))
	env.OpampServer.OnMessage(ctx, conn2, message(uid2, 0))
	env.OpampServer.OnMessage(ctx, conn1, message(uid1, 1))

	// a gap on agent 2 leaves agent 1 alone
	resp := env.OpampServer.OnMessage(ctx, conn2, message(uid2, 9))
	assert.NotZero(t, resp.GetFlags()&fullStateFlag)
	resp = env.OpampServer.OnMessage(ctx, conn1, message(uid1, 2))
	assert.Zero(t, resp.GetFlags()&fullStateFlag)

	assert.Len(t, env.Engine.Sessions(), 2)
	assert.Equal(t, 2, env.OpampServer.Connections())
}

func TestServer_OnMessage_PersistsStatus(t *testing.T) {
	env := testutil.NewTestEnv(t)
	ctx := context.Background()
	uid := newUID()
	conn := testutil.NewMockConnection("10.0.0.1:4000")

	msg := message(uid, 0)
	msg.AgentDescription = description("collector")
	msg.Health = &protobufs.ComponentHealth{
		Healthy: true,
		Status:  "running",
		ComponentHealthMap: map[string]*protobufs.ComponentHealth{
			"receiver/otlp": {Healthy: true, Status: "receiving"},
		},
	}
	msg.EffectiveConfig = &protobufs.EffectiveConfig{ConfigMap: configMap("receivers: {}")}
	resp := env.OpampServer.OnMessage(ctx, conn, msg)
	require.Nil(t, resp.GetErrorResponse())

	a, err := env.Engine.Agent(ctx, string(uid))
	require.NoError(t, err)
	assert.Equal(t, "collector", a.Attributes.Identifying["service.name"])
	require.NotNil(t, a.Status.Health)
	assert.True(t, a.Status.Health.Healthy)
	assert.Equal(t, "receiving", a.Status.Health.ComponentHealthMap["receiver/otlp"].Status)
	require.NotNil(t, a.Status.EffectiveConfig)
	assert.Equal(t, "receivers: {}", a.Status.EffectiveConfig.ConfigMap["config.yaml"].Body)
	assert.True(t, a.Connection.Connected)
}

func TestServer_OffersDefaultRemoteConfig(t *testing.T) {
	env := testutil.NewTestEnv(t)
	ctx := context.Background()
	cfg := configMap("exporters: {}")
	hash, err := env.Engine.RemoteConfigs().SetDefault(ctx, cfg)
	require.NoError(t, err)

	conn := testutil.NewMockConnection("10.0.0.1:4000")
	resp := env.OpampServer.OnMessage(ctx, conn, message(newUID(), 0))
	require.NotNil(t, resp.GetRemoteConfig())
	assert.Equal(t, hash, resp.GetRemoteConfig().GetConfigHash())
	if diff := cmp.Diff(cfg, resp.GetRemoteConfig().GetConfig(), protocmp.Transform()); diff != "" {
		t.Errorf("offered config mismatch (-want +got):\n%s", diff)
	}
}

func TestServer_PushReachesConnection(t *testing.T) {
	env := testutil.NewTestEnv(t)
	ctx := context.Background()
	uid := newUID()
	conn := testutil.NewMockConnection("10.0.0.1:4000")

	resp := env.OpampServer.OnMessage(ctx, conn, message(uid, 0))
	require.Nil(t, resp.GetRemoteConfig())

	hash, err := env.Engine.RemoteConfigs().SetAgent(ctx, string(uid), configMap("processors: {}"))
	require.NoError(t, err)
	require.NoError(t, env.Engine.Push(ctx, env.OpampServer, string(uid)))

	sent := conn.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, hash, sent[0].GetRemoteConfig().GetConfigHash())

	require.NoError(t, env.Engine.RequestFullState(ctx, env.OpampServer, string(uid)))
	sent = conn.Sent()
	require.Len(t, sent, 2)
	assert.NotZero(t, sent[1].GetFlags()&fullStateFlag)
}

func TestServer_PushFailurePropagates(t *testing.T) {
	env := testutil.NewTestEnv(t)
	ctx := context.Background()
	uid := newUID()
	conn := testutil.NewMockConnection("10.0.0.1:4000")
	env.OpampServer.OnMessage(ctx, conn, message(uid, 0))

	boom := errors.New("broken pipe")
	conn.FailSends(boom)
	err := env.Engine.RequestFullState(ctx, env.OpampServer, string(uid))
	assert.ErrorIs(t, err, boom)
}

func TestServer_OnConnectionClose(t *testing.T) {
	env := testutil.NewTestEnv(t)
	ctx := context.Background()
	uid := newUID()
	conn := testutil.NewMockConnection("10.0.0.1:4000")

	first := message(uid, 0)
	first.AgentDescription = description("closing")
	env.OpampServer.OnMessage(ctx, conn, first)
	env.OpampServer.OnMessage(ctx, conn, message(uid, 1))
	require.Len(t, env.Engine.Sessions(), 1)

	env.OpampServer.OnConnectionClose(conn)
	assert.Empty(t, env.Engine.Sessions())
	assert.Zero(t, env.OpampServer.Connections())

	err := env.Engine.RequestFullState(ctx, env.OpampServer, string(uid))
	assert.ErrorIs(t, err, engine.ErrAgentOffline)

	// the sequence survives the closed stream
	conn2 := testutil.NewMockConnection("10.0.0.1:4001")
	resp := env.OpampServer.OnMessage(ctx, conn2, message(uid, 2))
	assert.Zero(t, resp.GetFlags()&fullStateFlag)

	a, err := env.Engine.Agent(ctx, string(uid))
	require.NoError(t, err)
	assert.True(t, a.Connection.Connected)
	assert.Equal(t, "closing", a.Attributes.Identifying["service.name"])
}

func TestServer_CloseUnknownConnection(t *testing.T) {
	env := testutil.NewTestEnv(t)
	env.OpampServer.OnConnectionClose(testutil.NewMockConnection("10.0.0.9:1"))
	assert.Zero(t, env.OpampServer.Connections())
}

func TestServer_SendToUnknownStream(t *testing.T) {
	env := testutil.NewTestEnv(t)
	err := env.OpampServer.Send(context.Background(), "missing", &protobufs.ServerToAgent{})
	assert.ErrorIs(t, err, engine.ErrAgentOffline)
}

func TestServer_EndToEndWebSocket(t *testing.T) {
	env := testutil.NewTestEnv(t)
	ctx := context.Background()
	_, err := env.Engine.RemoteConfigs().SetDefault(ctx, configMap("receivers: {}"))
	require.NoError(t, err)

	a := env.NewAgentWithLabels("e2e", t.TempDir(), map[string]string{"env": "test"})
	require.NoError(t, a.Start())
	a.WaitForConfigCount(t, 1, 5*time.Second)
	got := a.WaitForRemoteConfigStatus(t, 5*time.Second, protobufs.RemoteConfigStatuses_RemoteConfigStatuses_APPLIED)
	assert.True(t, got.MatchesLabels(map[string]string{"env": "test"}))
	assert.Equal(t, 1, env.OpampServer.Connections())

	// a pushed per-agent config reaches the live agent
	hash, err := env.Engine.RemoteConfigs().SetAgent(ctx, a.InstanceID(t), configMap("receivers: {otlp: {}}"))
	require.NoError(t, err)
	require.NoError(t, env.Engine.Push(ctx, env.OpampServer, a.InstanceID(t)))
	a.WaitForConfigCount(t, 2, 5*time.Second)
	assert.Equal(t, hash, a.Applier.GetCurrentHash())

	require.NoError(t, a.Stop())
	require.Eventually(t, func() bool {
		return env.OpampServer.Connections() == 0
	}, 5*time.Second, 10*time.Millisecond)
}
