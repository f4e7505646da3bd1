package supervisor

import (
	"context"

	"github.com/open-telemetry/opamp-go/protobufs"
)

// ConfigApplier applies remote configuration to the managed collector in a
// particular environment like baremetal, docker, kubernetes, etc...
type ConfigApplier interface {
	// Apply replaces the running configuration. It returns once the collector runs
	// with the new configuration or failed to.
	Apply(ctx context.Context, cfg *protobufs.AgentConfigMap) error

	// EffectiveConfig returns the configuration the collector currently runs with.
	EffectiveConfig() (*protobufs.AgentConfigMap, error)

	// Shutdown gracefully stops the running collector.
	Shutdown() error
}

// Installer fetches, verifies and installs packages. Only the outcome of each call
// is reported to the server.
type Installer interface {
	Install(ctx context.Context, name string, pkg *protobufs.PackageAvailable) error
	Remove(ctx context.Context, name string) error
}
