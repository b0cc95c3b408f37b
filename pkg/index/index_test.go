package index

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillhq/sessionstore/pkg/backend"
	"github.com/quillhq/sessionstore/pkg/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	b, err := backend.NewLocal(t.TempDir(), 16)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return New(b, time.Second)
}

func TestAddSessionAndGet(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	entry := types.IndexEntry{ID: "s1", CreatedAt: time.Now(), ModifiedAt: time.Now()}
	require.NoError(t, m.AddSession(ctx, "t1", entry))

	got, err := m.Get(ctx, "t1", "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)
}

func TestAddSessionFailsOnDuplicate(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	entry := types.IndexEntry{ID: "s1"}
	require.NoError(t, m.AddSession(ctx, "t1", entry))

	err := m.AddSession(ctx, "t1", entry)
	assert.True(t, types.IsKind(err, types.KindInvariantViolation))
}

func TestGetMissingSessionIsNotFound(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	_, err := m.Get(ctx, "t1", "nope")
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

func TestUpdateSessionAppliesOnlyPresentFields(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	require.NoError(t, m.AddSession(ctx, "t1", types.IndexEntry{ID: "s1", WalTip: 0, Cursor: 0, SourcePath: "orig"}))

	newTip := uint64(5)
	require.NoError(t, m.UpdateSession(ctx, "t1", "s1", types.IndexPatch{
		WalTip:         &newTip,
		AddCheckpoints: []uint64{5},
	}))

	got, err := m.Get(ctx, "t1", "s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got.WalTip)
	assert.Equal(t, uint64(0), got.Cursor)  // untouched
	assert.Equal(t, "orig", got.SourcePath) // untouched
	assert.True(t, got.HasCheckpoint(5))
}

func TestUpdateSessionCoalescesDuplicateCheckpoints(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	require.NoError(t, m.AddSession(ctx, "t1", types.IndexEntry{ID: "s1"}))
	require.NoError(t, m.UpdateSession(ctx, "t1", "s1", types.IndexPatch{AddCheckpoints: []uint64{3}}))
	require.NoError(t, m.UpdateSession(ctx, "t1", "s1", types.IndexPatch{AddCheckpoints: []uint64{3, 4}}))

	got, err := m.Get(ctx, "t1", "s1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{3, 4}, got.CheckpointPositions)
}

func TestUpdateSessionRemovesCheckpoints(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	require.NoError(t, m.AddSession(ctx, "t1", types.IndexEntry{ID: "s1", CheckpointPositions: []uint64{1, 2, 3}}))
	require.NoError(t, m.UpdateSession(ctx, "t1", "s1", types.IndexPatch{RemoveCheckpoints: []uint64{2}}))

	got, err := m.Get(ctx, "t1", "s1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{1, 3}, got.CheckpointPositions)
}

func TestUpdateSessionMissingFails(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	err := m.UpdateSession(ctx, "t1", "nope", types.IndexPatch{})
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

func TestRemoveSessionIsIdempotentAndReportsExistence(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	require.NoError(t, m.AddSession(ctx, "t1", types.IndexEntry{ID: "s1"}))

	existed, err := m.RemoveSession(ctx, "t1", "s1")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = m.RemoveSession(ctx, "t1", "s1")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestTenantIsolation(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	require.NoError(t, m.AddSession(ctx, "tenant-a", types.IndexEntry{ID: "s1"}))
	require.NoError(t, m.AddSession(ctx, "tenant-b", types.IndexEntry{ID: "s1"}))

	listA, err := m.List(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Len(t, listA, 1)

	_, err = m.Get(ctx, "tenant-b", "s1")
	require.NoError(t, err)
}
