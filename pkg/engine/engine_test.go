package engine_test

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/google/uuid"
	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/otelfleet/fleetsync/pkg/domain/agent"
	"github.com/otelfleet/fleetsync/pkg/engine"
	"github.com/otelfleet/fleetsync/pkg/engine/remoteconfig"
	"github.com/otelfleet/fleetsync/pkg/engine/session"
	"github.com/otelfleet/fleetsync/pkg/protocol/capabilities"
	"github.com/otelfleet/fleetsync/pkg/protocol/hashing"
	"github.com/otelfleet/fleetsync/pkg/storage"
	otelpebble "github.com/otelfleet/fleetsync/pkg/storage/pebble"
	"github.com/otelfleet/fleetsync/pkg/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const agentCaps = capabilities.ReportsStatus |
	capabilities.AcceptsRemoteConfig |
	capabilities.ReportsRemoteConfig |
	capabilities.ReportsHealth |
	capabilities.ReportsEffectiveConfig |
	capabilities.AcceptsPackages |
	capabilities.ReportsPackageStatuses

var fullStateFlag = uint64(protobufs.ServerToAgentFlags_ServerToAgentFlags_ReportFullState)

func newBroker(t *testing.T) storage.KVBroker {
	t.Helper()
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return otelpebble.NewKVBroker(db)
}

func testConfig() engine.Config {
	return engine.Config{
		Capabilities:  capabilities.DefaultServer,
		HashAlgorithm: hashing.Algorithm,
	}
}

func newEngine(t *testing.T, broker storage.KVBroker, cfg engine.Config, opts ...engine.Option) (*engine.Engine, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	e, err := engine.New(slog.Default(), cfg, engine.NewStores(slog.Default(), broker), reg, opts...)
	require.NoError(t, err)
	require.NoError(t, e.Load(t.Context()))
	return e, reg
}

func newUID() []byte {
	u := uuid.New()
	return u[:]
}

func report(uid []byte, seq uint64, caps capabilities.Agent) *protobufs.AgentToServer {
	return &protobufs.AgentToServer{
		InstanceUid:  uid,
		SequenceNum:  seq,
		Capabilities: caps.Uint64(),
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

type recordingSender struct {
	mu      sync.Mutex
	err     error
	streams []session.StreamID
	sent    []*protobufs.ServerToAgent
}

func (r *recordingSender) Send(_ context.Context, stream session.StreamID, msg *protobufs.ServerToAgent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.streams = append(r.streams, stream)
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingSender) messages() []*protobufs.ServerToAgent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*protobufs.ServerToAgent(nil), r.sent...)
}

func TestNew_RejectsMisconfiguration(t *testing.T) {
	stores := engine.NewStores(slog.Default(), newBroker(t))

	cfg := testConfig()
	cfg.HashAlgorithm = "md5"
	_, err := engine.New(slog.Default(), cfg, stores, nil)
	assert.ErrorIs(t, err, engine.ErrUnsupportedHashAlgorithm)

	cfg = testConfig()
	cfg.Capabilities = capabilities.OffersRemoteConfig
	_, err = engine.New(slog.Default(), cfg, stores, nil)
	assert.ErrorIs(t, err, capabilities.ErrServerMissingAcceptsStatus)
}

func TestEngine_ConfigConvergence(t *testing.T) {
	ctx := t.Context()
	e, reg := newEngine(t, newBroker(t), testConfig())
	hash, err := e.RemoteConfigs().SetDefault(ctx, configMap("receivers: {}"))
	require.NoError(t, err)

	uid := newUID()
	msg := report(uid, 0, agentCaps)
	msg.AgentDescription = description("collector")
	msg.Health = &protobufs.ComponentHealth{Healthy: true}
	resp := e.Process(ctx, "s1", msg)
	require.Nil(t, resp.GetErrorResponse())
	assert.Equal(t, uid, resp.GetInstanceUid())
	assert.Zero(t, resp.GetFlags()&fullStateFlag)
	assert.Equal(t, capabilities.DefaultServer.Uint64(), resp.GetCapabilities())
	require.NotNil(t, resp.GetRemoteConfig())
	assert.Equal(t, hash, resp.GetRemoteConfig().GetConfigHash())

	msg = report(uid, 1, agentCaps)
	msg.RemoteConfigStatus = &protobufs.RemoteConfigStatus{
		LastRemoteConfigHash: hash,
		Status:               protobufs.RemoteConfigStatuses_RemoteConfigStatuses_APPLYING,
	}
	resp = e.Process(ctx, "s1", msg)
	require.Nil(t, resp.GetErrorResponse())
	assert.Nil(t, resp.GetRemoteConfig(), "in flight config must not be re-offered")
	assert.Zero(t, resp.GetCapabilities())

	a, err := e.Agent(ctx, string(uid))
	require.NoError(t, err)
	assert.Equal(t, remoteconfig.SyncApplying, a.Status.ConfigSync)

	msg = report(uid, 2, agentCaps)
	msg.RemoteConfigStatus = &protobufs.RemoteConfigStatus{
		LastRemoteConfigHash: hash,
		Status:               protobufs.RemoteConfigStatuses_RemoteConfigStatuses_APPLIED,
	}
	resp = e.Process(ctx, "s1", msg)
	assert.Nil(t, resp.GetRemoteConfig())

	a, err = e.Agent(ctx, string(uid))
	require.NoError(t, err)
	assert.Equal(t, remoteconfig.SyncInSync, a.Status.ConfigSync)
	assert.True(t, a.Connection.Connected)
	assert.Equal(t, uint64(2), a.Connection.SequenceNum)
	assert.Equal(t, "collector", a.Attributes.Identifying["service.name"])
	require.NotNil(t, a.Status.Health)
	assert.True(t, a.Status.Health.Healthy)

	// a new default is pushed once, then considered in flight
	newHash, err := e.RemoteConfigs().SetDefault(ctx, configMap("receivers: {otlp: {}}"))
	require.NoError(t, err)
	sender := &recordingSender{}
	require.NoError(t, e.Push(ctx, sender, string(uid)))
	require.NoError(t, e.Push(ctx, sender, string(uid)))
	sent := sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, newHash, sent[0].GetRemoteConfig().GetConfigHash())

	// a failed application of the same hash is not re-offered
	msg = report(uid, 3, agentCaps)
	msg.RemoteConfigStatus = &protobufs.RemoteConfigStatus{
		LastRemoteConfigHash: newHash,
		Status:               protobufs.RemoteConfigStatuses_RemoteConfigStatuses_FAILED,
		ErrorMessage:         "invalid receiver",
	}
	resp = e.Process(ctx, "s1", msg)
	assert.Nil(t, resp.GetRemoteConfig())
	a, err = e.Agent(ctx, string(uid))
	require.NoError(t, err)
	assert.Equal(t, remoteconfig.SyncError, a.Status.ConfigSync)
	assert.Equal(t, "invalid receiver", a.Status.ConfigSyncReason)

	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP fleetsync_offers_total Offers sent to agents, by kind.
# TYPE fleetsync_offers_total counter
fleetsync_offers_total{kind="remote_config_offer"} 2
`), "fleetsync_offers_total"))
}

func TestEngine_GapTriggersFullState(t *testing.T) {
	ctx := t.Context()
	e, reg := newEngine(t, newBroker(t), testConfig())
	uid := newUID()

	msg := report(uid, 0, agentCaps)
	msg.AgentDescription = description("collector")
	msg.Health = &protobufs.ComponentHealth{Healthy: true}
	resp := e.Process(ctx, "s1", msg)
	assert.Zero(t, resp.GetFlags()&fullStateFlag)

	resp = e.Process(ctx, "s1", report(uid, 1, agentCaps))
	assert.Zero(t, resp.GetFlags()&fullStateFlag)

	resp = e.Process(ctx, "s1", report(uid, 5, agentCaps))
	assert.NotZero(t, resp.GetFlags()&fullStateFlag)
	assert.Equal(t, capabilities.DefaultServer.Uint64(), resp.GetCapabilities())

	// the complete report no longer carries health, so health is gone
	msg = report(uid, 6, agentCaps)
	msg.AgentDescription = description("collector")
	resp = e.Process(ctx, "s1", msg)
	assert.Zero(t, resp.GetFlags()&fullStateFlag)

	a, err := e.Agent(ctx, string(uid))
	require.NoError(t, err)
	assert.Nil(t, a.Status.Health)

	// afterwards absent fields mean unchanged again
	resp = e.Process(ctx, "s1", report(uid, 7, agentCaps))
	assert.Zero(t, resp.GetFlags()&fullStateFlag)
	a, err = e.Agent(ctx, string(uid))
	require.NoError(t, err)
	assert.Equal(t, "collector", a.Attributes.Identifying["service.name"])

	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP fleetsync_sequence_gaps_total Sequence number gaps detected across all sessions.
# TYPE fleetsync_sequence_gaps_total counter
fleetsync_sequence_gaps_total 1
`), "fleetsync_sequence_gaps_total"))
}

func TestEngine_RejectsBadRequests(t *testing.T) {
	ctx := t.Context()
	e, _ := newEngine(t, newBroker(t), testConfig())

	tcs := []struct {
		name string
		msg  *protobufs.AgentToServer
	}{
		{"nil message", nil},
		{"missing instance id", report(nil, 0, agentCaps)},
		{"short instance id", report([]byte("abc"), 0, agentCaps)},
		{"missing ReportsStatus", report(newUID(), 0, capabilities.AcceptsRemoteConfig)},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			resp := e.Process(ctx, "s1", tc.msg)
			require.NotNil(t, resp.GetErrorResponse())
			assert.Equal(t, protobufs.ServerErrorResponseType_ServerErrorResponseType_BadRequest, resp.GetErrorResponse().GetType())
			assert.Nil(t, resp.GetRemoteConfig())
			assert.Zero(t, resp.GetCapabilities())
		})
	}
	assert.Empty(t, e.Sessions())
}

func TestEngine_Overload(t *testing.T) {
	ctx := t.Context()
	now := time.Unix(1700000000, 0)
	cfg := testConfig()
	cfg.OverloadLimit = 0.01
	cfg.OverloadBurst = 1
	e, _ := newEngine(t, newBroker(t), cfg, engine.WithClock(func() time.Time { return now }))

	uid := newUID()
	resp := e.Process(ctx, "s1", report(uid, 0, agentCaps))
	require.Nil(t, resp.GetErrorResponse())

	resp = e.Process(ctx, "s1", report(uid, 1, agentCaps))
	require.NotNil(t, resp.GetErrorResponse())
	assert.Equal(t, protobufs.ServerErrorResponseType_ServerErrorResponseType_Unavailable, resp.GetErrorResponse().GetType())
	assert.NotZero(t, resp.GetErrorResponse().GetRetryInfo().GetRetryAfterNanoseconds())
}

func TestEngine_InstanceIDReassignment(t *testing.T) {
	ctx := t.Context()

	t.Run("requested by the agent", func(t *testing.T) {
		assigned := newUID()
		e, _ := newEngine(t, newBroker(t), testConfig(), engine.WithInstanceIDs(func() string { return string(assigned) }))
		uid := newUID()

		msg := report(uid, 0, agentCaps)
		msg.Flags = uint64(protobufs.AgentToServerFlags_AgentToServerFlags_RequestInstanceUid)
		msg.AgentDescription = description("collector")
		resp := e.Process(ctx, "s1", msg)
		require.Nil(t, resp.GetErrorResponse())
		assert.Equal(t, uid, resp.GetInstanceUid())
		assert.Equal(t, assigned, resp.GetAgentIdentification().GetNewInstanceUid())

		resp = e.Process(ctx, "s1", report(assigned, 1, agentCaps))
		assert.Zero(t, resp.GetFlags()&fullStateFlag, "sequence continues under the new id")
		assert.Nil(t, resp.GetAgentIdentification())

		_, err := e.Agent(ctx, string(uid))
		assert.ErrorIs(t, err, agent.ErrAgentNotFound)
		_, err = e.Agent(ctx, string(assigned))
		assert.NoError(t, err)
	})

	t.Run("collision across streams", func(t *testing.T) {
		assigned := newUID()
		e, _ := newEngine(t, newBroker(t), testConfig(), engine.WithInstanceIDs(func() string { return string(assigned) }))
		uid := newUID()

		e.Process(ctx, "s1", report(uid, 0, agentCaps))
		e.Process(ctx, "s1", report(uid, 1, agentCaps))

		resp := e.Process(ctx, "s2", report(uid, 0, agentCaps))
		require.Nil(t, resp.GetErrorResponse())
		assert.Equal(t, assigned, resp.GetAgentIdentification().GetNewInstanceUid())
		assert.Len(t, e.Sessions(), 2)
	})

	t.Run("reconnect on a new stream", func(t *testing.T) {
		e, _ := newEngine(t, newBroker(t), testConfig())
		uid := newUID()

		e.Process(ctx, "s1", report(uid, 0, agentCaps))
		resp := e.Process(ctx, "s2", report(uid, 1, agentCaps))
		require.Nil(t, resp.GetErrorResponse())
		assert.Nil(t, resp.GetAgentIdentification())
		sessions := e.Sessions()
		require.Len(t, sessions, 1)
		assert.Equal(t, session.StreamID("s2"), sessions[0].Stream)
	})
}

func TestEngine_StreamCloseKeepsSequence(t *testing.T) {
	ctx := t.Context()
	broker := newBroker(t)
	e, _ := newEngine(t, broker, testConfig())
	uid := newUID()

	msg := report(uid, 0, agentCaps)
	msg.AgentDescription = description("collector")
	e.Process(ctx, "s1", msg)
	e.Process(ctx, "s1", report(uid, 1, agentCaps))

	require.NoError(t, e.CloseStream(ctx, "s1"))
	assert.Empty(t, e.Sessions())

	// a restarted server continues the persisted sequence
	restarted, _ := newEngine(t, broker, testConfig())
	resp := restarted.Process(ctx, "s2", report(uid, 2, agentCaps))
	require.Nil(t, resp.GetErrorResponse())
	assert.Zero(t, resp.GetFlags()&fullStateFlag)
	assert.Equal(t, capabilities.DefaultServer.Uint64(), resp.GetCapabilities())

	a, err := restarted.Agent(ctx, string(uid))
	require.NoError(t, err)
	assert.Equal(t, "collector", a.Attributes.Identifying["service.name"])

	// an agent that restarted and lost its sequence must resend everything
	require.NoError(t, restarted.CloseStream(ctx, "s2"))
	resp = restarted.Process(ctx, "s3", report(uid, 0, agentCaps))
	assert.NotZero(t, resp.GetFlags()&fullStateFlag)
}

type blockingSender struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSender) Send(ctx context.Context, _ session.StreamID, _ *protobufs.ServerToAgent) error {
	close(b.entered)
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestEngine_StreamCloseRacingReconnect(t *testing.T) {
	ctx := t.Context()
	e, _ := newEngine(t, newBroker(t), testConfig())
	uid := newUID()

	msg := report(uid, 0, agentCaps)
	msg.AgentDescription = description("collector")
	msg.Health = &protobufs.ComponentHealth{Healthy: true}
	e.Process(ctx, "s1", msg)
	e.Process(ctx, "s1", report(uid, 1, agentCaps))

	// a push in flight holds the session of the closing stream
	sender := &blockingSender{entered: make(chan struct{}), release: make(chan struct{})}
	pushed := make(chan error, 1)
	go func() { pushed <- e.RequestFullState(ctx, sender, string(uid)) }()
	<-sender.entered

	closed := make(chan error, 1)
	go func() { closed <- e.CloseStream(ctx, "s1") }()
	require.Eventually(t, func() bool {
		return len(e.Sessions()) == 0
	}, time.Second, time.Millisecond)

	// the agent reconnects on a new stream before the old one is cleaned up
	resp := e.Process(ctx, "s2", report(uid, 5, agentCaps))
	require.NotZero(t, resp.GetFlags()&fullStateFlag)

	close(sender.release)
	require.NoError(t, <-pushed)
	require.NoError(t, <-closed)

	sessions := e.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, session.StreamID("s2"), sessions[0].Stream)

	// the requested full state survived the cleanup of the old stream
	msg = report(uid, 6, agentCaps)
	msg.AgentDescription = description("collector")
	e.Process(ctx, "s2", msg)
	a, err := e.Agent(ctx, string(uid))
	require.NoError(t, err)
	assert.Nil(t, a.Status.Health)
}

func TestEngine_Disconnect(t *testing.T) {
	ctx := t.Context()
	e, _ := newEngine(t, newBroker(t), testConfig())
	uid := newUID()

	e.Process(ctx, "s1", report(uid, 0, agentCaps))
	msg := report(uid, 1, agentCaps)
	msg.AgentDisconnect = &protobufs.AgentDisconnect{}
	resp := e.Process(ctx, "s1", msg)
	require.Nil(t, resp.GetErrorResponse())
	assert.Empty(t, e.Sessions())

	resp = e.Process(ctx, "s2", report(uid, 0, agentCaps))
	assert.Zero(t, resp.GetFlags()&fullStateFlag, "a disconnected agent starts over")
}

func TestEngine_PackagesOffer(t *testing.T) {
	ctx := t.Context()
	e, _ := newEngine(t, newBroker(t), testConfig())
	hash, err := e.Packages().Set(ctx, map[string]*protobufs.PackageAvailable{
		"otelcol": {
			Type:    protobufs.PackageType_PackageType_TopLevel,
			Version: "0.110.0",
			File: &protobufs.DownloadableFile{
				DownloadUrl: "https://example.com/otelcol.tar.gz",
				ContentHash: []byte{1, 2, 3},
			},
		},
	})
	require.NoError(t, err)

	uid := newUID()
	resp := e.Process(ctx, "s1", report(uid, 0, agentCaps))
	require.NotNil(t, resp.GetPackagesAvailable())
	assert.Equal(t, hash, resp.GetPackagesAvailable().GetAllPackagesHash())

	offered := resp.GetPackagesAvailable().GetPackages()["otelcol"]
	msg := report(uid, 1, agentCaps)
	msg.PackageStatuses = &protobufs.PackageStatuses{
		ServerProvidedAllPackagesHash: hash,
		Packages: map[string]*protobufs.PackageStatus{
			"otelcol": {
				Name:                 "otelcol",
				AgentHasVersion:      "0.110.0",
				AgentHasHash:         offered.GetHash(),
				ServerOfferedVersion: "0.110.0",
				ServerOfferedHash:    offered.GetHash(),
				Status:               protobufs.PackageStatusEnum_PackageStatusEnum_Installed,
			},
		},
	}
	resp = e.Process(ctx, "s1", msg)
	assert.Nil(t, resp.GetPackagesAvailable())

	a, err := e.Agent(ctx, string(uid))
	require.NoError(t, err)
	require.Contains(t, a.Status.Packages, "otelcol")
	assert.Equal(t, "Installed", a.Status.Packages["otelcol"].Status)
}

func TestEngine_PushAllAndResync(t *testing.T) {
	ctx := t.Context()
	e, reg := newEngine(t, newBroker(t), testConfig())
	first, second := newUID(), newUID()
	e.Process(ctx, "s1", report(first, 0, agentCaps))
	e.Process(ctx, "s2", report(second, 0, agentCaps))

	_, err := e.RemoteConfigs().SetDefault(ctx, configMap("exporters: {}"))
	require.NoError(t, err)
	sender := &recordingSender{}
	require.NoError(t, e.PushAll(ctx, sender))
	assert.Len(t, sender.messages(), 2)

	require.NoError(t, e.RequestFullState(ctx, sender, string(first)))
	sent := sender.messages()
	require.Len(t, sent, 3)
	assert.NotZero(t, sent[2].GetFlags()&fullStateFlag)
	assert.NotNil(t, sent[2].GetRemoteConfig())

	assert.ErrorIs(t, e.Push(ctx, sender, string(newUID())), engine.ErrAgentOffline)

	// a failed push is retried on the next inbound message
	_, err = e.RemoteConfigs().SetDefault(ctx, configMap("exporters: {debug: {}}"))
	require.NoError(t, err)
	failing := &recordingSender{err: errors.New("connection reset")}
	assert.Error(t, e.Push(ctx, failing, string(second)))
	resp := e.Process(ctx, "s2", report(second, 1, agentCaps))
	assert.NotNil(t, resp.GetRemoteConfig())

	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP fleetsync_sessions Live agent sessions.
# TYPE fleetsync_sessions gauge
fleetsync_sessions 2
`), "fleetsync_sessions"))
}
