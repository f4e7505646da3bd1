package packages

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/otelfleet/fleetsync/pkg/engine/hashdiff"
	"github.com/otelfleet/fleetsync/pkg/protocol/hashing"
	"github.com/otelfleet/fleetsync/pkg/storage"
	"github.com/otelfleet/fleetsync/pkg/util/grpcutil"
	"google.golang.org/protobuf/proto"
)

const catalogKey = "catalog"

// Catalog is the set of packages the server offers to every agent.
type Catalog struct {
	logger *slog.Logger
	store  storage.KeyValue[*protobufs.PackagesAvailable]

	mu    sync.RWMutex
	avail *protobufs.PackagesAvailable
}

func NewCatalog(logger *slog.Logger, store storage.KeyValue[*protobufs.PackagesAvailable]) *Catalog {
	return &Catalog{logger: logger, store: store}
}

func (c *Catalog) Load(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	avail, err := c.store.Get(ctx, catalogKey)
	if grpcutil.IsErrorNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading package catalog: %w", err)
	}
	c.mu.Lock()
	c.avail = build(avail.GetPackages())
	c.mu.Unlock()
	return nil
}

// PackageHash is the hash of a single offer: type, version and download descriptor.
func PackageHash(p *protobufs.PackageAvailable) []byte {
	f := p.GetFile()
	return hashing.NewBuilder().
		Uint64(uint64(p.GetType())).
		String(p.GetVersion()).
		Present(f != nil).
		String(f.GetDownloadUrl()).
		Bytes(f.GetContentHash()).
		Bytes(f.GetSignature()).
		Sum()
}

// AllPackagesHash is the aggregate hash over every offer, in name order.
func AllPackagesHash(pkgs map[string]*protobufs.PackageAvailable) []byte {
	b := hashing.NewBuilder().Uint64(uint64(len(pkgs)))
	for _, name := range slices.Sorted(maps.Keys(pkgs)) {
		b.String(name).Bytes(PackageHash(pkgs[name]))
	}
	return b.Sum()
}

func build(pkgs map[string]*protobufs.PackageAvailable) *protobufs.PackagesAvailable {
	out := &protobufs.PackagesAvailable{
		Packages: make(map[string]*protobufs.PackageAvailable, len(pkgs)),
	}
	for name, p := range pkgs {
		cp := proto.Clone(p).(*protobufs.PackageAvailable)
		cp.Hash = PackageHash(cp)
		out.Packages[name] = cp
	}
	out.AllPackagesHash = AllPackagesHash(out.Packages)
	return out
}

// Set replaces the whole catalog and returns the new aggregate hash.
func (c *Catalog) Set(ctx context.Context, pkgs map[string]*protobufs.PackageAvailable) ([]byte, error) {
	avail := build(pkgs)
	if c.store != nil {
		if err := c.store.Put(ctx, catalogKey, avail); err != nil {
			return nil, fmt.Errorf("storing package catalog: %w", err)
		}
	}
	c.mu.Lock()
	c.avail = avail
	c.mu.Unlock()
	c.logger.Info("package catalog updated", "packages", len(avail.Packages), "hash", hashing.Hex(avail.AllPackagesHash))
	return avail.AllPackagesHash, nil
}

// Available returns the current offer set, or nil when no catalog was ever set.
// The returned message is shared and must not be modified.
func (c *Catalog) Available() *protobufs.PackagesAvailable {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.avail
}

// Reconciler decides whether the server must send PackagesAvailable.
type Reconciler struct {
	catalog *Catalog
	tracker *hashdiff.Tracker
}

func NewReconciler(catalog *Catalog, tracker *hashdiff.Tracker) *Reconciler {
	return &Reconciler{catalog: catalog, tracker: tracker}
}

// Reconcile offers the catalog when the agent's reported aggregate hash differs from
// the catalog's and the same set is not already in flight, or on full state.
func (r *Reconciler) Reconcile(agentID string, reported *protobufs.PackageStatuses, fullState bool) *protobufs.PackagesAvailable {
	avail := r.catalog.Available()
	if avail == nil {
		return nil
	}
	hash := avail.GetAllPackagesHash()
	if !fullState {
		if hashing.Equal(reported.GetServerProvidedAllPackagesHash(), hash) {
			r.tracker.RecordSent(hashdiff.KindPackagesOffer, agentID, hash)
			return nil
		}
		if !r.tracker.ShouldInclude(hashdiff.KindPackagesOffer, agentID, hash) {
			return nil
		}
	}
	r.tracker.RecordSent(hashdiff.KindPackagesOffer, agentID, hash)
	return avail
}
