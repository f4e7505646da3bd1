package session_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/otelfleet/fleetsync/pkg/engine/session"
	"github.com/otelfleet/fleetsync/pkg/protocol/capabilities"
	"github.com/otelfleet/fleetsync/pkg/storage"
	otelpebble "github.com/otelfleet/fleetsync/pkg/storage/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) storage.KeyValue[session.Record] {
	t.Helper()
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return storage.NewCBORKV[session.Record](slog.Default(), otelpebble.NewKVBroker(db).KeyValue("sessions"))
}

func TestSession_Validate(t *testing.T) {
	now := time.Now()
	tcs := []struct {
		name string
		seqs []uint64
		want []session.Verdict
	}{
		{"sequential", []uint64{0, 1, 2}, []session.Verdict{session.First, session.InOrder, session.InOrder}},
		{"gap", []uint64{0, 1, 5, 6}, []session.Verdict{session.First, session.InOrder, session.Gap, session.InOrder}},
		{"unknown agent mid stream", []uint64{42, 43}, []session.Verdict{session.Gap, session.InOrder}},
		{"duplicate", []uint64{0, 1, 1}, []session.Verdict{session.First, session.InOrder, session.Gap}},
		{"reordered", []uint64{0, 2, 1}, []session.Verdict{session.First, session.Gap, session.Gap}},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			m := session.NewMultiplexer(slog.Default(), nil)
			s, attached, err := m.Attach(t.Context(), "stream", "agent", now)
			require.NoError(t, err)
			require.Equal(t, session.Created, attached)
			for i, seq := range tc.seqs {
				assert.Equal(t, tc.want[i], s.Validate(seq, now), "seq %d", seq)
			}
			assert.Equal(t, tc.seqs[len(tc.seqs)-1], s.LastSeq)
		})
	}
}

func TestMultiplexer_AttachAndCloseStream(t *testing.T) {
	ctx := t.Context()
	now := time.Now()
	m := session.NewMultiplexer(slog.Default(), nil)

	a, attached, err := m.Attach(ctx, "s1", "a", now)
	require.NoError(t, err)
	assert.Equal(t, session.Created, attached)
	_, attached, err = m.Attach(ctx, "s1", "a", now)
	require.NoError(t, err)
	assert.Equal(t, session.Existing, attached)
	_, _, err = m.Attach(ctx, "s1", "b", now)
	require.NoError(t, err)
	_, _, err = m.Attach(ctx, "s2", "c", now)
	require.NoError(t, err)

	same, attached, err := m.Attach(ctx, "s2", "a", now)
	require.NoError(t, err)
	assert.Equal(t, session.Elsewhere, attached)
	assert.Same(t, a, same)

	retired := m.CloseStream("s1")
	require.Len(t, retired, 2)
	assert.Equal(t, "a", retired[0].InstanceID)
	assert.True(t, retired[0].Retired())
	assert.Equal(t, 1, m.Len())

	_, ok := m.Retire("c")
	assert.True(t, ok)
	_, ok = m.Retire("c")
	assert.False(t, ok)
	assert.Empty(t, m.Snapshot())
}

func TestMultiplexer_MoveAndReassign(t *testing.T) {
	ctx := t.Context()
	now := time.Now()
	m := session.NewMultiplexer(slog.Default(), nil)

	s, _, err := m.Attach(ctx, "s1", "a", now)
	require.NoError(t, err)
	s.Validate(0, now)
	assert.True(t, s.Continues(1))
	assert.False(t, s.Continues(0))

	s.Lock()
	m.Move(s, "s2")
	s.Unlock()
	assert.Empty(t, m.CloseStream("s1"), "session left the old stream")

	_, _, err = m.Attach(ctx, "s2", "b", now)
	require.NoError(t, err)
	_, err = m.Reassign("a", "b")
	require.ErrorIs(t, err, session.ErrInstanceIDInUse)
	_, err = m.Reassign("missing", "z")
	require.ErrorIs(t, err, session.ErrUnknownSession)

	moved, err := m.Reassign("a", "z")
	require.NoError(t, err)
	assert.Equal(t, "z", moved.InstanceID)
	_, ok := m.Get("a")
	assert.False(t, ok)

	infos := m.Snapshot()
	require.Len(t, infos, 2)
	assert.Equal(t, "b", infos[0].InstanceID)
	assert.Equal(t, "z", infos[1].InstanceID)
	assert.Len(t, m.CloseStream("s2"), 2)
}

func TestMultiplexer_RestoresPersistedSequence(t *testing.T) {
	ctx := t.Context()
	now := time.Now().UTC().Truncate(time.Second)
	store := newStore(t)

	m := session.NewMultiplexer(slog.Default(), store)
	s, _, err := m.Attach(ctx, "s1", "a", now)
	require.NoError(t, err)
	s.Validate(0, now)
	s.Validate(1, now)
	s.Capabilities = capabilities.ReportsStatus | capabilities.AcceptsRemoteConfig
	require.NoError(t, m.Persist(ctx, s))
	m.CloseStream("s1")

	restarted := session.NewMultiplexer(slog.Default(), store)
	r, attached, err := restarted.Attach(ctx, "s9", "a", now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, session.Created, attached)
	assert.Equal(t, uint64(1), r.LastSeq)
	assert.True(t, r.Capabilities.Has(capabilities.AcceptsRemoteConfig))
	assert.True(t, now.Equal(r.FirstSeen))
	assert.Equal(t, session.InOrder, r.Validate(2, now), "reconnect continues the sequence")

	require.NoError(t, restarted.Forget(ctx, "a"))
	restarted.CloseStream("s9")
	fresh, _, err := restarted.Attach(ctx, "s9", "a", now)
	require.NoError(t, err)
	assert.Equal(t, session.Gap, fresh.Validate(3, now))
}

func TestMultiplexer_IfDetached(t *testing.T) {
	ctx := t.Context()
	now := time.Now()
	m := session.NewMultiplexer(slog.Default(), nil)

	old, _, err := m.Attach(ctx, "s1", "a", now)
	require.NoError(t, err)
	require.Len(t, m.CloseStream("s1"), 1)

	ran := false
	assert.True(t, m.IfDetached(old, func() { ran = true }))
	assert.True(t, ran)

	// once the id is live again the retired session no longer owns its state
	_, attached, err := m.Attach(ctx, "s2", "a", now)
	require.NoError(t, err)
	require.Equal(t, session.Created, attached)
	ran = false
	assert.False(t, m.IfDetached(old, func() { ran = true }))
	assert.False(t, ran)
}
