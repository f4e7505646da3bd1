package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/otelfleet/fleetsync/pkg/engine/remoteconfig"
	"github.com/otelfleet/fleetsync/pkg/protocol/field"
	"github.com/otelfleet/fleetsync/pkg/protocol/wire"
	"github.com/otelfleet/fleetsync/pkg/storage"
	"github.com/otelfleet/fleetsync/pkg/util/grpcutil"
	"google.golang.org/protobuf/proto"
)

// Stores are the status stores backing the repository, one per reported fact.
type Stores struct {
	Description        storage.KeyValue[*protobufs.AgentDescription]
	Health             storage.KeyValue[*protobufs.ComponentHealth]
	EffectiveConfig    storage.KeyValue[*protobufs.EffectiveConfig]
	RemoteConfigStatus storage.KeyValue[*protobufs.RemoteConfigStatus]
	PackageStatuses    storage.KeyValue[*protobufs.PackageStatuses]
}

// repository writes through to the stores and caches the facts of every agent it
// has seen so reconciliation does not hit storage on each message.
type repository struct {
	logger   *slog.Logger
	stores   Stores
	assigned AssignedConfig

	mu    sync.RWMutex
	cache map[string]*Facts
}

func NewRepository(logger *slog.Logger, stores Stores, assigned AssignedConfig) Repository {
	return &repository{
		logger:   logger,
		stores:   stores,
		assigned: assigned,
		cache:    map[string]*Facts{},
	}
}

func get[T proto.Message](ctx context.Context, kv storage.KeyValue[T]) func(string) (T, error) {
	return func(agentID string) (T, error) {
		v, err := kv.Get(ctx, agentID)
		if grpcutil.IsErrorNotFound(err) {
			var zero T
			return zero, nil
		}
		return v, err
	}
}

func (r *repository) load(ctx context.Context, agentID string) (*Facts, error) {
	r.mu.RLock()
	f, ok := r.cache[agentID]
	r.mu.RUnlock()
	if ok {
		return f, nil
	}

	f = &Facts{}
	var errs []error
	var err error
	f.Description, err = get(ctx, r.stores.Description)(agentID)
	errs = append(errs, err)
	f.Health, err = get(ctx, r.stores.Health)(agentID)
	errs = append(errs, err)
	f.EffectiveConfig, err = get(ctx, r.stores.EffectiveConfig)(agentID)
	errs = append(errs, err)
	f.RemoteConfigStatus, err = get(ctx, r.stores.RemoteConfigStatus)(agentID)
	errs = append(errs, err)
	f.PackageStatuses, err = get(ctx, r.stores.PackageStatuses)(agentID)
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("failed to load agent status: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.cache[agentID]; ok {
		return cached, nil
	}
	r.cache[agentID] = f
	return f, nil
}

func (r *repository) Facts(ctx context.Context, agentID string) (*Facts, error) {
	f, err := r.load(ctx, agentID)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := *f
	return &cp, nil
}

func apply[T proto.Message](ctx context.Context, kv storage.KeyValue[T], agentID string, f field.Field[T], dst *T) error {
	switch f.State() {
	case field.Value:
		v, _ := f.Get()
		if err := kv.Put(ctx, agentID, v); err != nil {
			return err
		}
	case field.Clear:
		if err := kv.Delete(ctx, agentID); err != nil && !grpcutil.IsErrorNotFound(err) {
			return err
		}
	}
	*dst = f.Apply(*dst)
	return nil
}

// Apply stores every set or cleared field of u. Callers serialise updates for one agent.
func (r *repository) Apply(ctx context.Context, agentID string, u Update) error {
	f, err := r.load(ctx, agentID)
	if err != nil {
		return err
	}
	r.mu.RLock()
	next := *f
	r.mu.RUnlock()
	errs := []error{
		apply(ctx, r.stores.Description, agentID, u.Description, &next.Description),
		apply(ctx, r.stores.Health, agentID, u.Health, &next.Health),
		apply(ctx, r.stores.EffectiveConfig, agentID, u.EffectiveConfig, &next.EffectiveConfig),
		apply(ctx, r.stores.RemoteConfigStatus, agentID, u.RemoteConfigStatus, &next.RemoteConfigStatus),
		apply(ctx, r.stores.PackageStatuses, agentID, u.PackageStatuses, &next.PackageStatuses),
	}
	r.mu.Lock()
	r.cache[agentID] = &next
	r.mu.Unlock()
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to store agent status: %w", err)
	}
	return nil
}

func (r *repository) Move(ctx context.Context, from, to string) error {
	f, err := r.load(ctx, from)
	if err != nil {
		return err
	}
	if err := r.Apply(ctx, to, Update{
		Description:        orClear(f.Description),
		Health:             orClear(f.Health),
		EffectiveConfig:    orClear(f.EffectiveConfig),
		RemoteConfigStatus: orClear(f.RemoteConfigStatus),
		PackageStatuses:    orClear(f.PackageStatuses),
	}); err != nil {
		return err
	}
	return r.Delete(ctx, from)
}

func orClear[T proto.Message](v T) field.Field[T] {
	if !v.ProtoReflect().IsValid() {
		return field.Cleared[T]()
	}
	return field.Of(v)
}

// Delete removes an agent from all stores. It is best effort: every store is tried
// even if some deletions fail.
func (r *repository) Delete(ctx context.Context, agentID string) error {
	stores := []struct {
		name  string
		store interface{ Delete(context.Context, string) error }
	}{
		{"description", r.stores.Description},
		{"health", r.stores.Health},
		{"effectiveConfig", r.stores.EffectiveConfig},
		{"remoteConfigStatus", r.stores.RemoteConfigStatus},
		{"packageStatuses", r.stores.PackageStatuses},
	}
	var errs []error
	for _, s := range stores {
		if err := s.store.Delete(ctx, agentID); err != nil && !grpcutil.IsErrorNotFound(err) {
			r.logger.With("store", s.name, "err", err).Warn("failed to delete from store")
			errs = append(errs, err)
		}
	}
	r.mu.Lock()
	delete(r.cache, agentID)
	r.mu.Unlock()
	return errors.Join(errs...)
}

// Get assembles the agent view. Connection state is left for the caller to fill.
func (r *repository) Get(ctx context.Context, agentID string) (*Agent, error) {
	f, err := r.Facts(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if f.Description == nil && f.Health == nil && f.EffectiveConfig == nil &&
		f.RemoteConfigStatus == nil && f.PackageStatuses == nil {
		return nil, ErrAgentNotFound
	}
	a := &Agent{
		ID:         wire.FormatInstanceID(agentID),
		Attributes: ConvertAttributes(f.Description),
		Status: RuntimeStatus{
			Health:             ConvertHealth(f.Health),
			EffectiveConfig:    ConvertEffectiveConfig(f.EffectiveConfig),
			RemoteConfigStatus: ConvertRemoteConfigStatus(f.RemoteConfigStatus),
		},
	}
	a.Status.Packages, a.Status.PackagesHash = ConvertPackageStatuses(f.PackageStatuses)

	var assignedHash []byte
	if r.assigned != nil {
		if cfg, ok := r.assigned.For(agentID); ok {
			assignedHash = cfg.GetConfigHash()
		}
	}
	a.Status.ConfigSync, a.Status.ConfigSyncReason = remoteconfig.SyncStatus(assignedHash, f.RemoteConfigStatus)
	return a, nil
}

// List returns every agent that reported anything, ordered by id.
func (r *repository) List(ctx context.Context) ([]*Agent, error) {
	ids := map[string]struct{}{}
	for _, lister := range []interface {
		ListKeys(context.Context) ([]string, error)
	}{
		r.stores.Description,
		r.stores.Health,
		r.stores.EffectiveConfig,
		r.stores.RemoteConfigStatus,
		r.stores.PackageStatuses,
	} {
		keys, err := lister.ListKeys(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list agents: %w", err)
		}
		for _, k := range keys {
			ids[k] = struct{}{}
		}
	}

	agents := make([]*Agent, 0, len(ids))
	for _, id := range slices.Sorted(maps.Keys(ids)) {
		a, err := r.Get(ctx, id)
		if err != nil {
			r.logger.With("err", err).Warn("failed to get agent during list")
			continue
		}
		agents = append(agents, a)
	}
	return agents, nil
}
