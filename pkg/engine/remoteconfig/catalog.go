// Package remoteconfig decides when the server offers remote configuration and
// tracks the agent-side application state of an offer.
package remoteconfig

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/otelfleet/fleetsync/pkg/protocol/hashing"
	"github.com/otelfleet/fleetsync/pkg/storage"
	"github.com/otelfleet/fleetsync/pkg/util/grpcutil"
	"google.golang.org/protobuf/proto"
)

// DefaultKey is the storage key of the configuration applied to agents without an override.
const DefaultKey = "default"

// Catalog holds the authoritative configuration: a default and per-agent overrides.
type Catalog struct {
	logger *slog.Logger
	store  storage.KeyValue[*protobufs.AgentRemoteConfig]

	mu        sync.RWMutex
	def       *protobufs.AgentRemoteConfig
	overrides map[string]*protobufs.AgentRemoteConfig
}

func NewCatalog(logger *slog.Logger, store storage.KeyValue[*protobufs.AgentRemoteConfig]) *Catalog {
	return &Catalog{
		logger:    logger,
		store:     store,
		overrides: map[string]*protobufs.AgentRemoteConfig{},
	}
}

func newOffer(cfg *protobufs.AgentConfigMap) *protobufs.AgentRemoteConfig {
	if cfg == nil {
		cfg = &protobufs.AgentConfigMap{}
	} else {
		cfg = proto.Clone(cfg).(*protobufs.AgentConfigMap)
	}
	return &protobufs.AgentRemoteConfig{
		Config:     cfg,
		ConfigHash: hashing.ConfigMap(cfg),
	}
}

// Load reads every stored configuration into memory.
func (c *Catalog) Load(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	keys, err := c.store.ListKeys(ctx)
	if err != nil {
		return fmt.Errorf("listing remote configs: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		cfg, err := c.store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("loading remote config: %w", err)
		}
		offer := newOffer(cfg.GetConfig())
		if key == DefaultKey {
			c.def = offer
		} else {
			c.overrides[key] = offer
		}
	}
	c.logger.Info("loaded remote configs", "overrides", len(c.overrides), "default", c.def != nil)
	return nil
}

func (c *Catalog) put(ctx context.Context, key string, offer *protobufs.AgentRemoteConfig) error {
	if c.store == nil {
		return nil
	}
	if err := c.store.Put(ctx, key, offer); err != nil {
		return fmt.Errorf("storing remote config: %w", err)
	}
	return nil
}

// SetDefault replaces the default configuration and returns its content hash.
func (c *Catalog) SetDefault(ctx context.Context, cfg *protobufs.AgentConfigMap) ([]byte, error) {
	offer := newOffer(cfg)
	if err := c.put(ctx, DefaultKey, offer); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.def = offer
	c.mu.Unlock()
	return offer.ConfigHash, nil
}

// SetAgent replaces the configuration for a single agent and returns its content hash.
func (c *Catalog) SetAgent(ctx context.Context, agentID string, cfg *protobufs.AgentConfigMap) ([]byte, error) {
	offer := newOffer(cfg)
	if err := c.put(ctx, agentID, offer); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.overrides[agentID] = offer
	c.mu.Unlock()
	return offer.ConfigHash, nil
}

// ClearAgent removes an agent override so the agent falls back to the default.
func (c *Catalog) ClearAgent(ctx context.Context, agentID string) error {
	if c.store != nil {
		if err := c.store.Delete(ctx, agentID); err != nil && !grpcutil.IsErrorNotFound(err) {
			return fmt.Errorf("deleting remote config: %w", err)
		}
	}
	c.mu.Lock()
	delete(c.overrides, agentID)
	c.mu.Unlock()
	return nil
}

// For returns the authoritative configuration for agentID. The returned message is
// shared and must not be modified.
func (c *Catalog) For(agentID string) (*protobufs.AgentRemoteConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if o, ok := c.overrides[agentID]; ok {
		return o, true
	}
	return c.def, c.def != nil
}
