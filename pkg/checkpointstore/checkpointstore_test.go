package checkpointstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillhq/sessionstore/pkg/backend"
	"github.com/quillhq/sessionstore/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	b, err := backend.NewLocal(t.TempDir(), 16)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return New(b)
}

func TestSaveAndLoadExactPosition(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Save(ctx, "t1", "s1", 3, []byte("doc-at-3")))

	data, pos, err := s.Load(ctx, "t1", "s1", 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), pos)
	assert.Equal(t, []byte("doc-at-3"), data)
}

func TestLoadReturnsNearestAtOrBefore(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Save(ctx, "t1", "s1", 2, []byte("doc-at-2")))
	require.NoError(t, s.Save(ctx, "t1", "s1", 5, []byte("doc-at-5")))

	data, pos, err := s.Load(ctx, "t1", "s1", 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), pos)
	assert.Equal(t, []byte("doc-at-2"), data)

	data, pos, err = s.Load(ctx, "t1", "s1", 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), pos)
	assert.Equal(t, []byte("doc-at-5"), data)
}

func TestLoadNotFoundWhenNoCheckpointCoversQuery(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Save(ctx, "t1", "s1", 5, []byte("doc-at-5")))

	_, _, err := s.Load(ctx, "t1", "s1", 4)
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

func TestSaveOverwritesSamePosition(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Save(ctx, "t1", "s1", 1, []byte("v1")))
	require.NoError(t, s.Save(ctx, "t1", "s1", 1, []byte("v2")))

	data, pos, err := s.Load(ctx, "t1", "s1", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), pos)
	assert.Equal(t, []byte("v2"), data)

	list, err := s.List(ctx, "t1", "s1")
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestListOrdersByPosition(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Save(ctx, "t1", "s1", 5, []byte("e")))
	require.NoError(t, s.Save(ctx, "t1", "s1", 1, []byte("a")))
	require.NoError(t, s.Save(ctx, "t1", "s1", 3, []byte("c")))

	list, err := s.List(ctx, "t1", "s1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []uint64{1, 3, 5}, []uint64{list[0].Position, list[1].Position, list[2].Position})
}

func TestDeleteRemovesCheckpointsAndIndexEntries(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Save(ctx, "t1", "s1", 1, []byte("a")))
	require.NoError(t, s.Save(ctx, "t1", "s1", 2, []byte("b")))
	require.NoError(t, s.Save(ctx, "t1", "s1", 3, []byte("c")))

	require.NoError(t, s.Delete(ctx, "t1", "s1", []uint64{2, 3}))

	list, err := s.List(ctx, "t1", "s1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, uint64(1), list[0].Position)

	_, _, err = s.Load(ctx, "t1", "s1", 3)
	require.NoError(t, err) // falls back to position 1, still <= 3
}

func TestDeleteAllRemovesEverythingIncludingTheIndex(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Save(ctx, "t1", "s1", 1, []byte("a")))
	require.NoError(t, s.Save(ctx, "t1", "s1", 2, []byte("b")))

	require.NoError(t, s.DeleteAll(ctx, "t1", "s1"))

	list, err := s.List(ctx, "t1", "s1")
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = s.backend.Read(ctx, indexKey("t1", "s1"))
	assert.True(t, types.IsKind(err, types.KindNotFound))

	_, _, err = s.Load(ctx, "t1", "s1", 2)
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

func TestListEmptyForUnknownSession(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	list, err := s.List(ctx, "t1", "nope")
	require.NoError(t, err)
	assert.Empty(t, list)
}
