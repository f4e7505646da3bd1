package testutil_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/open-telemetry/opamp-go/client"
	"github.com/open-telemetry/opamp-go/client/types"
	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otelfleet/fleetsync/pkg/logutil"
	"github.com/otelfleet/fleetsync/pkg/util"
	"github.com/otelfleet/fleetsync/pkg/util/testutil"
)

func TestOpAmp(t *testing.T) {
	env := testutil.NewTestEnv(t)

	for name, newClient := range map[string]func(types.Logger) client.OpAMPClient{
		"http": func(l types.Logger) client.OpAMPClient { return client.NewHTTP(l) },
		"ws":   func(l types.Logger) client.OpAMPClient { return client.NewWebSocket(l) },
	} {
		t.Run(name, func(t *testing.T) {
			url := env.OpampURL
			if name == "http" {
				url = env.OpampHTTPURL()
			}
			uid := uuid.Must(uuid.NewV7())
			desc := &protobufs.AgentDescription{
				IdentifyingAttributes: []*protobufs.KeyValue{
					util.KeyVal("service.name", "bare-"+name),
				},
			}
			set := &types.StartSettings{
				InstanceUid:  types.InstanceUid(uid),
				Capabilities: protobufs.AgentCapabilities_AgentCapabilities_ReportsStatus,
			}
			opampClient := newClient(logutil.NewOpAMPLogger(slog.Default().With("service", "client")))
			testutil.SetupOpampClient(t, opampClient, url, desc, set)

			require.Eventually(t, func() bool {
				a, err := env.Engine.Agent(t.Context(), string(uid[:]))
				return err == nil && a.Attributes.Identifying["service.name"] == "bare-"+name
			}, 5*time.Second, 10*time.Millisecond)
		})
	}
}

func TestTestAgentAppliesDefaultConfig(t *testing.T) {
	env := testutil.NewTestEnv(t)
	cfg := &protobufs.AgentConfigMap{
		ConfigMap: map[string]*protobufs.AgentConfigFile{
			"collector.yaml": {Body: []byte("receivers: {}"), ContentType: "application/x-yaml"},
		},
	}
	_, err := env.Engine.RemoteConfigs().SetDefault(t.Context(), cfg)
	require.NoError(t, err)

	a := env.NewAgent("agent-1", t.TempDir())
	require.NoError(t, a.Start())

	a.WaitForConfigCount(t, 1, 5*time.Second)
	got := a.WaitForRemoteConfigStatus(t, 5*time.Second, protobufs.RemoteConfigStatuses_RemoteConfigStatuses_APPLIED)
	assert.True(t, got.Connection.Connected)

	same, ok := env.GetAgent("agent-1")
	require.True(t, ok)
	assert.Same(t, a, same)
}
