package testutil

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/gorilla/mux"
	"github.com/otelfleet/fleetsync/pkg/engine"
	"github.com/otelfleet/fleetsync/pkg/protocol/capabilities"
	"github.com/otelfleet/fleetsync/pkg/protocol/hashing"
	"github.com/otelfleet/fleetsync/pkg/services/admin"
	"github.com/otelfleet/fleetsync/pkg/services/opamp"
	"github.com/otelfleet/fleetsync/pkg/storage"
	otelpebble "github.com/otelfleet/fleetsync/pkg/storage/pebble"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func init() {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// OpAMPPath is where the test environment serves OpAMP.
const OpAMPPath = "/v1/opamp"

// TestEnv provides a complete fleetsync server environment for integration testing.
// All stores and services are exposed for direct test access.
type TestEnv struct {
	// Storage
	db     *pebble.DB
	Broker storage.KVBroker
	Stores engine.Stores

	Engine   *engine.Engine
	Registry *prometheus.Registry

	// Services
	OpampServer *opamp.Server
	AdminServer *admin.Server

	// HTTP
	HTTPServer    *httptest.Server
	OpampWSServer *httptest.Server
	BaseURL       string
	OpampURL      string

	Logger *slog.Logger

	t *testing.T

	mu     sync.Mutex
	agents map[string]*TestAgent
}

// DefaultEngineConfig is the engine configuration used by NewTestEnv.
func DefaultEngineConfig() engine.Config {
	return engine.Config{
		Capabilities:  capabilities.DefaultServer,
		HashAlgorithm: hashing.Algorithm,
	}
}

// NewTestEnv creates a new test environment with all services initialized.
// The environment uses in-memory storage and httptest servers.
func NewTestEnv(t *testing.T, opts ...engine.Option) *TestEnv {
	t.Helper()
	return NewTestEnvWithConfig(t, DefaultEngineConfig(), opts...)
}

func NewTestEnvWithConfig(t *testing.T, cfg engine.Config, opts ...engine.Option) *TestEnv {
	t.Helper()

	db, err := pebble.Open("", &pebble.Options{
		FS: vfs.NewMem(),
	})
	require.NoError(t, err)

	logger := slog.Default()
	env := &TestEnv{
		db:       db,
		Broker:   otelpebble.NewKVBroker(db),
		Registry: prometheus.NewRegistry(),
		Logger:   logger,
		t:        t,
		agents:   make(map[string]*TestAgent),
	}
	env.Stores = engine.NewStores(logger, env.Broker)

	env.Engine, err = engine.New(logger.With("service", "engine"), cfg, env.Stores, env.Registry, opts...)
	require.NoError(t, err)
	require.NoError(t, env.Engine.Load(t.Context()))

	env.OpampServer = opamp.NewServer(logger.With("service", "opamp"), env.Engine, "")
	env.AdminServer = admin.NewServer(logger.With("service", "admin"), env.Engine, env.OpampServer)

	env.setupHTTPServers(t)

	t.Cleanup(func() {
		env.Close()
	})
	return env
}

func (e *TestEnv) setupHTTPServers(t *testing.T) {
	router := mux.NewRouter()
	e.AdminServer.ConfigureHTTP(router)
	e.HTTPServer = httptest.NewServer(router)
	e.BaseURL = e.HTTPServer.URL

	handler, connContext, err := e.OpampServer.Attach()
	require.NoError(t, err)
	opampRouter := mux.NewRouter()
	opampRouter.Handle(OpAMPPath, handler)
	e.OpampWSServer = httptest.NewUnstartedServer(opampRouter)
	e.OpampWSServer.Config.ConnContext = connContext
	e.OpampWSServer.Start()
	e.OpampURL = "ws" + strings.TrimPrefix(e.OpampWSServer.URL, "http") + OpAMPPath
}

// OpampHTTPURL is the plain HTTP form of the OpAMP endpoint.
func (e *TestEnv) OpampHTTPURL() string {
	return e.OpampWSServer.URL + OpAMPPath
}

// Close cleans up all test environment resources.
func (e *TestEnv) Close() {
	e.mu.Lock()
	agents := make([]*TestAgent, 0, len(e.agents))
	for _, a := range e.agents {
		agents = append(agents, a)
	}
	e.mu.Unlock()

	for _, a := range agents {
		_ = a.Stop()
	}
	if e.HTTPServer != nil {
		e.HTTPServer.Close()
	}
	if e.OpampWSServer != nil {
		e.OpampWSServer.CloseClientConnections()
		e.OpampWSServer.Close()
	}
	if e.db != nil {
		_ = e.db.Close()
		e.db = nil
	}
}

// GetAgent returns a previously created test agent by name.
func (e *TestEnv) GetAgent(name string) (*TestAgent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.agents[name]
	return a, ok
}
