package testutil

import (
	"testing"

	"github.com/open-telemetry/opamp-go/client"
	"github.com/open-telemetry/opamp-go/client/types"
	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/stretchr/testify/require"
)

// SetupOpampClient starts a bare opamp-go client against opampURL and stops it
// when the test ends.
func SetupOpampClient(
	t *testing.T,
	oClient client.OpAMPClient,
	opampURL string,
	desc *protobufs.AgentDescription,
	startSet *types.StartSettings,
) client.OpAMPClient {
	t.Helper()
	require.NotNil(t, desc, "agent description must be set")
	require.NotEmpty(t, opampURL, "server URL must be set")
	require.NotNil(t, startSet, "start settings must be populated")
	startSet.OpAMPServerURL = opampURL
	require.NoError(t, oClient.SetAgentDescription(desc))
	require.NoError(t, oClient.Start(t.Context(), *startSet))
	t.Cleanup(func() { _ = oClient.Stop(t.Context()) })
	return oClient
}
