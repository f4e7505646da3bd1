package connsettings

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/otelfleet/fleetsync/pkg/engine/hashdiff"
	"github.com/otelfleet/fleetsync/pkg/storage"
	"github.com/otelfleet/fleetsync/pkg/util/grpcutil"
)

const DefaultKey = "default"

// Catalog holds the fleet-wide settings groups and per-agent overrides. An override
// group replaces the same group of the fleet-wide settings.
type Catalog struct {
	logger *slog.Logger
	store  storage.KeyValue[*protobufs.ConnectionSettingsOffers]

	mu        sync.RWMutex
	def       *protobufs.ConnectionSettingsOffers
	overrides map[string]*protobufs.ConnectionSettingsOffers
}

func NewCatalog(logger *slog.Logger, store storage.KeyValue[*protobufs.ConnectionSettingsOffers]) *Catalog {
	return &Catalog{
		logger:    logger,
		store:     store,
		overrides: map[string]*protobufs.ConnectionSettingsOffers{},
	}
}

func (c *Catalog) Load(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	keys, err := c.store.ListKeys(ctx)
	if err != nil {
		return fmt.Errorf("listing connection settings: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		s, err := c.store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("loading connection settings: %w", err)
		}
		if key == DefaultKey {
			c.def = s
		} else {
			c.overrides[key] = s
		}
	}
	return nil
}

// Update merges a partial set of groups into the fleet-wide settings.
func (c *Catalog) Update(ctx context.Context, partial *protobufs.ConnectionSettingsOffers) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	merged := Merge(c.def, partial)
	if err := c.put(ctx, DefaultKey, merged); err != nil {
		return nil, err
	}
	c.def = merged
	return merged.Hash, nil
}

// UpdateAgent merges a partial set of groups into one agent's overrides.
func (c *Catalog) UpdateAgent(ctx context.Context, agentID string, partial *protobufs.ConnectionSettingsOffers) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	merged := Merge(c.overrides[agentID], partial)
	if err := c.put(ctx, agentID, merged); err != nil {
		return nil, err
	}
	c.overrides[agentID] = merged
	return merged.Hash, nil
}

func (c *Catalog) ClearAgent(ctx context.Context, agentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store != nil {
		if err := c.store.Delete(ctx, agentID); err != nil && !grpcutil.IsErrorNotFound(err) {
			return fmt.Errorf("deleting connection settings: %w", err)
		}
	}
	delete(c.overrides, agentID)
	return nil
}

func (c *Catalog) put(ctx context.Context, key string, s *protobufs.ConnectionSettingsOffers) error {
	if c.store == nil {
		return nil
	}
	if err := c.store.Put(ctx, key, s); err != nil {
		return fmt.Errorf("storing connection settings: %w", err)
	}
	return nil
}

// For returns the effective settings for agentID with their aggregate hash, or nil
// when nothing is configured.
func (c *Catalog) For(agentID string) *protobufs.ConnectionSettingsOffers {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.overrides[agentID]
	if !ok {
		if c.def == nil || Empty(c.def) {
			return nil
		}
		return c.def
	}
	merged := &protobufs.ConnectionSettingsOffers{}
	if c.def != nil {
		merged = Merge(nil, c.def)
	}
	if o.GetOpamp() != nil {
		merged.Opamp = o.GetOpamp()
	}
	if o.GetOwnMetrics() != nil {
		merged.OwnMetrics = o.GetOwnMetrics()
	}
	if o.GetOwnTraces() != nil {
		merged.OwnTraces = o.GetOwnTraces()
	}
	if o.GetOwnLogs() != nil {
		merged.OwnLogs = o.GetOwnLogs()
	}
	for name, other := range o.GetOtherConnections() {
		if merged.OtherConnections == nil {
			merged.OtherConnections = map[string]*protobufs.OtherConnectionSettings{}
		}
		merged.OtherConnections[name] = other
	}
	merged.Hash = Hash(merged)
	return merged
}

// Reconciler decides whether the server must send connection settings.
type Reconciler struct {
	catalog *Catalog
	tracker *hashdiff.Tracker
}

func NewReconciler(catalog *Catalog, tracker *hashdiff.Tracker) *Reconciler {
	return &Reconciler{catalog: catalog, tracker: tracker}
}

// Reconcile returns the settings to offer, or nil when the aggregate hash matches the
// last one sent and no full state round is in progress.
func (r *Reconciler) Reconcile(agentID string, fullState bool) *protobufs.ConnectionSettingsOffers {
	settings := r.catalog.For(agentID)
	if settings == nil {
		return nil
	}
	if !fullState && !r.tracker.ShouldInclude(hashdiff.KindConnectionSettingsOffer, agentID, settings.GetHash()) {
		return nil
	}
	r.tracker.RecordSent(hashdiff.KindConnectionSettingsOffer, agentID, settings.GetHash())
	return settings
}
