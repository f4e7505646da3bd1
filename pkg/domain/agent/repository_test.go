package agent_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/google/uuid"
	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/otelfleet/fleetsync/pkg/domain/agent"
	"github.com/otelfleet/fleetsync/pkg/engine/remoteconfig"
	"github.com/otelfleet/fleetsync/pkg/protocol/field"
	"github.com/otelfleet/fleetsync/pkg/storage"
	otelpebble "github.com/otelfleet/fleetsync/pkg/storage/pebble"
	"github.com/otelfleet/fleetsync/pkg/util/grpcutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticAssignment struct {
	cfg *protobufs.AgentRemoteConfig
}

func (s staticAssignment) For(string) (*protobufs.AgentRemoteConfig, bool) {
	return s.cfg, s.cfg != nil
}

func setupTest(t *testing.T, assigned agent.AssignedConfig) (agent.Repository, agent.Stores) {
	t.Helper()

	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	broker := otelpebble.NewKVBroker(db)
	logger := slog.Default()

	stores := agent.Stores{
		Description:        storage.NewProtoKV[*protobufs.AgentDescription](logger, broker.KeyValue("agent-description")),
		Health:             storage.NewProtoKV[*protobufs.ComponentHealth](logger, broker.KeyValue("agent-health")),
		EffectiveConfig:    storage.NewProtoKV[*protobufs.EffectiveConfig](logger, broker.KeyValue("agent-effective-config")),
		RemoteConfigStatus: storage.NewProtoKV[*protobufs.RemoteConfigStatus](logger, broker.KeyValue("agent-remote-config-status")),
		PackageStatuses:    storage.NewProtoKV[*protobufs.PackageStatuses](logger, broker.KeyValue("agent-package-statuses")),
	}
	return agent.NewRepository(logger, stores, assigned), stores
}

func newAgentID() string {
	id := uuid.New()
	return string(id[:])
}

func description(name string) *protobufs.AgentDescription {
	return &protobufs.AgentDescription{
		IdentifyingAttributes: []*protobufs.KeyValue{
			{Key: "service.name", Value: &protobufs.AnyValue{Value: &protobufs.AnyValue_StringValue{StringValue: name}}},
		},
		NonIdentifyingAttributes: []*protobufs.KeyValue{
			{Key: "host.name", Value: &protobufs.AnyValue{Value: &protobufs.AnyValue_StringValue{StringValue: "server-1"}}},
		},
	}
}

func TestRepository_Get_NotFound(t *testing.T) {
	repo, _ := setupTest(t, nil)
	_, err := repo.Get(context.Background(), newAgentID())
	assert.ErrorIs(t, err, agent.ErrAgentNotFound)
}

func TestRepository_ApplyThreeStates(t *testing.T) {
	repo, stores := setupTest(t, nil)
	ctx := context.Background()
	id := newAgentID()

	require.NoError(t, repo.Apply(ctx, id, agent.Update{
		Description: field.Of(description("collector")),
		Health:      field.Of(&protobufs.ComponentHealth{Healthy: true, Status: "running"}),
	}))

	// Unset leaves stored values alone
	require.NoError(t, repo.Apply(ctx, id, agent.Update{
		EffectiveConfig: field.Of(&protobufs.EffectiveConfig{
			ConfigMap: &protobufs.AgentConfigMap{
				ConfigMap: map[string]*protobufs.AgentConfigFile{
					"config.yaml": {Body: []byte("receivers: {}")},
				},
			},
		}),
	}))
	facts, err := repo.Facts(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, facts.Description)
	assert.True(t, facts.Health.GetHealthy())
	assert.NotNil(t, facts.EffectiveConfig)

	// Clear deletes
	require.NoError(t, repo.Apply(ctx, id, agent.Update{Health: field.Cleared[*protobufs.ComponentHealth]()}))
	facts, err = repo.Facts(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, facts.Health)
	_, err = stores.Health.Get(ctx, id)
	assert.True(t, grpcutil.IsErrorNotFound(err))

	ag, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "collector", ag.Attributes.Identifying["service.name"])
	assert.Equal(t, "server-1", ag.Attributes.NonIdentifying["host.name"])
	assert.Equal(t, "receivers: {}", ag.Status.EffectiveConfig.ConfigMap["config.yaml"].Body)
	assert.True(t, ag.MatchesLabels(map[string]string{"service.name": "collector"}))
	assert.False(t, ag.MatchesLabels(nil))
}

func TestRepository_ReadsThroughStores(t *testing.T) {
	_, stores := setupTest(t, nil)
	ctx := context.Background()
	id := newAgentID()

	require.NoError(t, stores.RemoteConfigStatus.Put(ctx, id, &protobufs.RemoteConfigStatus{
		LastRemoteConfigHash: []byte{1},
		Status:               protobufs.RemoteConfigStatuses_RemoteConfigStatuses_FAILED,
		ErrorMessage:         "bad exporter",
	}))

	// a fresh repository over the same stores sees persisted facts
	repo := agent.NewRepository(slog.Default(), stores, staticAssignment{
		cfg: &protobufs.AgentRemoteConfig{ConfigHash: []byte{1}},
	})
	ag, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "FAILED", ag.Status.RemoteConfigStatus.Status)
	assert.Equal(t, "01", ag.Status.RemoteConfigStatus.LastRemoteConfigHash)
	assert.Equal(t, remoteconfig.SyncError, ag.Status.ConfigSync)
	assert.Equal(t, "bad exporter", ag.Status.ConfigSyncReason)
}

func TestRepository_ListMoveDelete(t *testing.T) {
	repo, _ := setupTest(t, nil)
	ctx := context.Background()
	a, b := newAgentID(), newAgentID()

	require.NoError(t, repo.Apply(ctx, a, agent.Update{Description: field.Of(description("a"))}))
	require.NoError(t, repo.Apply(ctx, b, agent.Update{
		PackageStatuses: field.Of(&protobufs.PackageStatuses{
			Packages: map[string]*protobufs.PackageStatus{
				"otelcol": {Name: "otelcol", AgentHasVersion: "1.0.0", Status: protobufs.PackageStatusEnum_PackageStatusEnum_Installed},
			},
		}),
	}))

	agents, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 2)

	moved := newAgentID()
	require.NoError(t, repo.Move(ctx, b, moved))
	_, err = repo.Get(ctx, b)
	require.ErrorIs(t, err, agent.ErrAgentNotFound)
	ag, err := repo.Get(ctx, moved)
	require.NoError(t, err)
	assert.Equal(t, "Installed", ag.Status.Packages["otelcol"].Status)
	assert.Equal(t, "1.0.0", ag.Status.Packages["otelcol"].AgentHasVersion)

	require.NoError(t, repo.Delete(ctx, a))
	agents, err = repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
}
