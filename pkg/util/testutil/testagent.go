package testutil

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/otelfleet/fleetsync/pkg/domain/agent"
	"github.com/otelfleet/fleetsync/pkg/protocol/wire"
	"github.com/otelfleet/fleetsync/pkg/supervisor"
	"github.com/stretchr/testify/require"
)

// TestAgent wraps a Supervisor with a mock applier and installer. It runs the real
// supervisor code against the environment's OpAMP endpoint.
type TestAgent struct {
	Name       string
	Supervisor *supervisor.Supervisor
	Applier    *MockApplier
	Installer  *MockInstaller

	mu      sync.Mutex
	started bool
	logger  *slog.Logger
	env     *TestEnv
}

// NewAgent creates a test agent. The agent is not started automatically; call
// Start to connect to the server. An empty stateDir keeps agent state in memory.
func (e *TestEnv) NewAgent(name string, stateDir string, opts ...supervisor.Option) *TestAgent {
	e.t.Helper()
	return e.NewAgentWithLabels(name, stateDir, nil, opts...)
}

func (e *TestEnv) NewAgentWithLabels(name, stateDir string, labels map[string]string, opts ...supervisor.Option) *TestAgent {
	e.t.Helper()
	logger := e.Logger.With("agent", name)
	applier := NewMockApplier()
	installer := NewMockInstaller()

	sup, err := supervisor.NewSupervisor(
		logger,
		supervisor.Config{
			ServerURL: e.OpampURL,
			Name:      name,
			Labels:    labels,
			StateDir:  stateDir,
		},
		applier,
		installer,
		opts...,
	)
	require.NoError(e.t, err)

	a := &TestAgent{
		Name:       name,
		Supervisor: sup,
		Applier:    applier,
		Installer:  installer,
		logger:     logger,
		env:        e,
	}
	e.mu.Lock()
	e.agents[name] = a
	e.mu.Unlock()
	return a
}

// Start connects the agent to the OpAMP server.
func (a *TestAgent) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}
	if err := a.Supervisor.Start(context.Background()); err != nil {
		return err
	}
	a.started = true
	return nil
}

// Stop disconnects the agent from the OpAMP server.
func (a *TestAgent) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return nil
	}
	ctx, ca := context.WithTimeout(context.Background(), 5*time.Second)
	defer ca()
	if err := a.Supervisor.Shutdown(ctx); err != nil {
		return err
	}
	a.started = false
	return nil
}

// InstanceID returns the raw instance id the server knows the agent by.
func (a *TestAgent) InstanceID(t *testing.T) string {
	t.Helper()
	id, err := wire.ParseInstanceID(a.Supervisor.InstanceID())
	require.NoError(t, err)
	return id
}

// WaitForConfigCount waits until the agent applied at least n configurations.
func (a *TestAgent) WaitForConfigCount(t *testing.T, n int, timeout time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool {
		return a.Applier.GetApplyCount() >= n
	}, timeout, 10*time.Millisecond, "agent %s did not apply %d configs", a.Name, n)
}

// WaitForAgent waits until the server holds a view of the agent matching cond.
func (a *TestAgent) WaitForAgent(t *testing.T, timeout time.Duration, cond func(*agent.Agent) bool) *agent.Agent {
	t.Helper()
	var last *agent.Agent
	require.Eventually(t, func() bool {
		got, err := a.env.Engine.Agent(context.Background(), a.InstanceID(t))
		if err != nil {
			return false
		}
		last = got
		return cond(got)
	}, timeout, 10*time.Millisecond, "agent %s never reached the expected state", a.Name)
	return last
}

// WaitForRemoteConfigStatus waits until the server stored status for the agent.
func (a *TestAgent) WaitForRemoteConfigStatus(t *testing.T, timeout time.Duration, status protobufs.RemoteConfigStatuses) *agent.Agent {
	t.Helper()
	want := strings.TrimPrefix(status.String(), "RemoteConfigStatuses_")
	return a.WaitForAgent(t, timeout, func(got *agent.Agent) bool {
		st := got.Status.RemoteConfigStatus
		return st != nil && st.Status == want
	})
}
