package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/otelfleet/fleetsync/pkg/protocol/hashing"
	"github.com/otelfleet/fleetsync/pkg/supervisor"
)

// MockApplier simulates config application without spawning processes.
type MockApplier struct {
	mu sync.Mutex

	// CurrentConfig holds the most recently applied configuration.
	CurrentConfig *protobufs.AgentConfigMap

	// CurrentHash holds the hash of the currently applied configuration.
	CurrentHash []byte

	// ConfigHistory stores all configurations that have been applied.
	ConfigHistory []*protobufs.AgentConfigMap

	// FailNextApply causes the next Apply call to return FailApplyError.
	FailNextApply  bool
	FailApplyError error

	// ApplyDelay adds artificial delay to Apply calls.
	ApplyDelay time.Duration

	// ApplyCount tracks the number of successful applies.
	ApplyCount int
}

var _ supervisor.ConfigApplier = (*MockApplier)(nil)

func NewMockApplier() *MockApplier {
	return &MockApplier{
		ConfigHistory:  make([]*protobufs.AgentConfigMap, 0),
		FailApplyError: errors.New("mock apply failure"),
	}
}

func (m *MockApplier) Apply(ctx context.Context, cfg *protobufs.AgentConfigMap) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ApplyDelay > 0 {
		select {
		case <-time.After(m.ApplyDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.FailNextApply {
		m.FailNextApply = false
		return m.FailApplyError
	}

	m.CurrentConfig = cfg
	m.CurrentHash = hashing.ConfigMap(cfg)
	m.ConfigHistory = append(m.ConfigHistory, cfg)
	m.ApplyCount++
	return nil
}

func (m *MockApplier) EffectiveConfig() (*protobufs.AgentConfigMap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CurrentConfig == nil {
		return &protobufs.AgentConfigMap{
			ConfigMap: map[string]*protobufs.AgentConfigFile{
				"default": {
					Body:        []byte("none"),
					ContentType: "text/yaml",
				},
			},
		}, nil
	}
	return m.CurrentConfig, nil
}

func (m *MockApplier) Shutdown() error {
	return nil
}

func (m *MockApplier) GetApplyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ApplyCount
}

func (m *MockApplier) GetCurrentHash() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CurrentHash
}

// FailNext makes the next Apply fail.
func (m *MockApplier) FailNext() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailNextApply = true
}

// MockInstaller records package installs. Packages named in Fail are rejected.
type MockInstaller struct {
	mu        sync.Mutex
	Installed map[string]*protobufs.PackageAvailable
	Removed   []string
	Fail      map[string]error
}

var _ supervisor.Installer = (*MockInstaller)(nil)

func NewMockInstaller() *MockInstaller {
	return &MockInstaller{
		Installed: map[string]*protobufs.PackageAvailable{},
		Fail:      map[string]error{},
	}
}

func (m *MockInstaller) Install(_ context.Context, name string, pkg *protobufs.PackageAvailable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.Fail[name]; ok {
		return err
	}
	m.Installed[name] = pkg
	return nil
}

func (m *MockInstaller) Remove(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Installed, name)
	m.Removed = append(m.Removed, name)
	return nil
}

// Has reports whether name is installed at version.
func (m *MockInstaller) Has(name, version string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.Installed[name]
	return ok && p.GetVersion() == version
}

// FailInstall makes installs of name fail with err.
func (m *MockInstaller) FailInstall(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Fail[name] = err
}
