package packages_test

import (
	"log/slog"
	"testing"

	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/otelfleet/fleetsync/pkg/engine/hashdiff"
	"github.com/otelfleet/fleetsync/pkg/engine/packages"
	"github.com/otelfleet/fleetsync/pkg/storage"
	otelpebble "github.com/otelfleet/fleetsync/pkg/storage/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collector(version string) *protobufs.PackageAvailable {
	return &protobufs.PackageAvailable{
		Type:    protobufs.PackageType_PackageType_TopLevel,
		Version: version,
		File: &protobufs.DownloadableFile{
			DownloadUrl: "https://example.com/otelcol-" + version + ".tar.gz",
			ContentHash: []byte("content-" + version),
		},
	}
}

func TestMachine_Lifecycle(t *testing.T) {
	m := packages.NewMachine("otelcol")
	require.ErrorIs(t, m.BeginInstall(), packages.ErrInvalidTransition)

	assert.True(t, m.Offer("1.0.0", []byte{1}))
	assert.Equal(t, packages.InstallPending, m.State())
	require.NoError(t, m.BeginInstall())
	st := m.Status()
	assert.Equal(t, packages.Installing, st.Status)
	assert.Equal(t, []byte{1}, st.ServerOfferedHash)
	assert.Empty(t, st.AgentHasHash)

	require.NoError(t, m.Succeed())
	st = m.Status()
	assert.Equal(t, packages.Installed, st.Status)
	assert.Equal(t, "1.0.0", st.AgentHasVersion)
	assert.Equal(t, []byte{1}, st.AgentHasHash)

	// monotonic against the same offer
	assert.False(t, m.Offer("1.0.0", []byte{1}))
	assert.Equal(t, packages.Installed, m.State())

	// a new offer restarts the cycle and a failure keeps what the agent has
	assert.True(t, m.Offer("2.0.0", []byte{2}))
	require.NoError(t, m.BeginInstall())
	require.NoError(t, m.Fail("checksum mismatch"))
	st = m.Status()
	assert.Equal(t, packages.InstallFailed, st.Status)
	assert.Equal(t, "checksum mismatch", st.ErrorMessage)
	assert.Equal(t, []byte{1}, st.AgentHasHash)
	assert.Equal(t, []byte{2}, st.ServerOfferedHash)

	assert.False(t, m.Offer("2.0.0", []byte{2}), "same failed offer does not restart")
	require.NoError(t, m.BeginInstall(), "retry from failure")
	require.NoError(t, m.Succeed())
	assert.Equal(t, []byte{2}, m.Status().AgentHasHash)
}

func TestMachine_LocalInstall(t *testing.T) {
	m := packages.NewMachine("plugin")
	m.LocalInstall("0.1.0", []byte{9})
	assert.True(t, m.Local())
	st := m.Status()
	assert.Empty(t, st.ServerOfferedHash)
	assert.Equal(t, []byte{9}, st.AgentHasHash)

	assert.False(t, m.Offer("0.1.0", []byte{9}), "offer matching the local package needs no install")
	assert.False(t, m.Local())
}

func TestSet_Receive(t *testing.T) {
	catalog := packages.NewCatalog(slog.Default(), nil)
	_, err := catalog.Set(t.Context(), map[string]*protobufs.PackageAvailable{
		"otelcol": collector("1.0.0"),
		"addon":   {Type: protobufs.PackageType_PackageType_Addon, Version: "0.1"},
	})
	require.NoError(t, err)

	s := packages.NewSet()
	s.LocalInstall("local", "dev", []byte{7})
	install, remove := s.Receive(catalog.Available())
	assert.Equal(t, []string{"addon", "otelcol"}, install)
	assert.Empty(t, remove)

	install, remove = s.Receive(catalog.Available())
	assert.Empty(t, install, "same aggregate hash is ignored")
	assert.Empty(t, remove)

	_, err = catalog.Set(t.Context(), map[string]*protobufs.PackageAvailable{
		"otelcol": collector("1.0.0"),
	})
	require.NoError(t, err)
	install, remove = s.Receive(catalog.Available())
	assert.Empty(t, install)
	assert.Equal(t, []string{"addon"}, remove)

	st := s.Status()
	assert.Equal(t, catalog.Available().AllPackagesHash, st.ServerProvidedAllPackagesHash)
	assert.Contains(t, st.Packages, "local")
	assert.Contains(t, st.Packages, "otelcol")
}

func TestCatalog_HashesAndPersistence(t *testing.T) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := storage.NewProtoKV[*protobufs.PackagesAvailable](slog.Default(), otelpebble.NewKVBroker(db).KeyValue("packages"))

	c := packages.NewCatalog(slog.Default(), store)
	assert.Nil(t, c.Available())
	h1, err := c.Set(t.Context(), map[string]*protobufs.PackageAvailable{"otelcol": collector("1.0.0")})
	require.NoError(t, err)
	assert.Equal(t, packages.PackageHash(collector("1.0.0")), c.Available().Packages["otelcol"].Hash)

	h2, err := c.Set(t.Context(), map[string]*protobufs.PackageAvailable{"otelcol": collector("1.0.1")})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)

	restarted := packages.NewCatalog(slog.Default(), store)
	require.NoError(t, restarted.Load(t.Context()))
	assert.Equal(t, h2, restarted.Available().AllPackagesHash)
}

func TestReconciler(t *testing.T) {
	catalog := packages.NewCatalog(slog.Default(), nil)
	r := packages.NewReconciler(catalog, hashdiff.NewTracker(slog.Default(), nil))
	assert.Nil(t, r.Reconcile("a", nil, true), "no catalog")

	hash, err := catalog.Set(t.Context(), map[string]*protobufs.PackageAvailable{"otelcol": collector("1.0.0")})
	require.NoError(t, err)

	require.NotNil(t, r.Reconcile("a", nil, false))
	assert.Nil(t, r.Reconcile("a", nil, false), "already in flight")

	reported := &protobufs.PackageStatuses{ServerProvidedAllPackagesHash: hash}
	assert.Nil(t, r.Reconcile("a", reported, false))
	assert.NotNil(t, r.Reconcile("a", reported, true), "full state always offers")
}

func TestLedger_Observe(t *testing.T) {
	l := packages.NewLedger()
	failed := &protobufs.PackageStatuses{Packages: map[string]*protobufs.PackageStatus{
		"otelcol": {
			Name:              "otelcol",
			AgentHasHash:      []byte{1},
			ServerOfferedHash: []byte{2},
			Status:            packages.InstallFailed,
			ErrorMessage:      "boom",
		},
	}}
	_, anomalies := l.Observe("a", failed)
	assert.Empty(t, anomalies)

	bogus := &protobufs.PackageStatuses{Packages: map[string]*protobufs.PackageStatus{
		"otelcol": {
			Name:              "otelcol",
			AgentHasHash:      []byte{1},
			ServerOfferedHash: []byte{2},
			Status:            packages.Installed,
		},
	}}
	got, anomalies := l.Observe("a", bogus)
	require.Len(t, anomalies, 1)
	assert.Equal(t, "otelcol", anomalies[0].Package)
	assert.Equal(t, packages.InstallFailed, got.Packages["otelcol"].Status, "previous record kept")

	good := &protobufs.PackageStatuses{Packages: map[string]*protobufs.PackageStatus{
		"otelcol": {
			Name:              "otelcol",
			AgentHasHash:      []byte{2},
			ServerOfferedHash: []byte{2},
			Status:            packages.Installed,
		},
		"local": {Name: "local", AgentHasHash: []byte{5}, Status: packages.Installed},
	}}
	got, anomalies = l.Observe("a", good)
	assert.Empty(t, anomalies)
	assert.Equal(t, packages.Installed, got.Packages["otelcol"].Status)
	assert.Contains(t, got.Packages, "local")

	stored, ok := l.Get("a")
	require.True(t, ok)
	assert.Len(t, stored.Packages, 2)
	l.Forget("a")
	_, ok = l.Get("a")
	assert.False(t, ok)
}
