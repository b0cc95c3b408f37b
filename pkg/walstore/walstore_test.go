package walstore

import (
	"context"
	"testing"
	"time"

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

func patch(desc string) types.WalEntry {
	return types.WalEntry{Kind: types.EntryPatch, Timestamp: time.Now(), Description: desc, Payload: []byte(desc)}
}

func TestAppendAssignsDensePositions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tip, err := s.Append(ctx, "t1", "s1", []types.WalEntry{patch("a"), patch("b")})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), tip)

	tip, err = s.Append(ctx, "t1", "s1", []types.WalEntry{patch("c")})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), tip)

	entries, hasMore, err := s.Read(ctx, "t1", "s1", 0, 0)
	require.NoError(t, err)
	assert.False(t, hasMore)
	require.Len(t, entries, 3)
	assert.Equal(t, []uint64{1, 2, 3}, positions(entries))
}

func TestReadFromPositionAndLimit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Append(ctx, "t1", "s1", []types.WalEntry{patch("a"), patch("b"), patch("c"), patch("d")})
	require.NoError(t, err)

	entries, hasMore, err := s.Read(ctx, "t1", "s1", 1, 2)
	require.NoError(t, err)
	assert.True(t, hasMore)
	assert.Equal(t, []uint64{2, 3}, positions(entries))

	entries, hasMore, err = s.Read(ctx, "t1", "s1", 2, 0)
	require.NoError(t, err)
	assert.False(t, hasMore)
	assert.Equal(t, []uint64{3, 4}, positions(entries))
}

func TestTruncateDiscardsFuture(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Append(ctx, "t1", "s1", []types.WalEntry{patch("a"), patch("b"), patch("c")})
	require.NoError(t, err)

	removed, err := s.Truncate(ctx, "t1", "s1", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	tip, err := s.Count(ctx, "t1", "s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), tip)

	// Idempotent: truncating again at the same point removes nothing.
	removed, err = s.Truncate(ctx, "t1", "s1", 1)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

func TestAppendAfterTruncateReassignsPositions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Append(ctx, "t1", "s1", []types.WalEntry{patch("a"), patch("b"), patch("c")})
	require.NoError(t, err)

	_, err = s.Truncate(ctx, "t1", "s1", 1)
	require.NoError(t, err)

	tip, err := s.Append(ctx, "t1", "s1", []types.WalEntry{patch("b-prime")})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), tip)

	entries, _, err := s.Read(ctx, "t1", "s1", 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "b-prime", entries[1].Description)
}

func TestCountOnEmptySessionIsZero(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tip, err := s.Count(ctx, "t1", "s-new")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), tip)

	entries, hasMore, err := s.Read(ctx, "t1", "s-new", 0, 0)
	require.NoError(t, err)
	assert.False(t, hasMore)
	assert.Empty(t, entries)
}

func TestDeleteRemovesTheWalBlob(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Append(ctx, "t1", "s1", []types.WalEntry{patch("a")})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "t1", "s1"))

	tip, err := s.Count(ctx, "t1", "s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), tip)

	entries, hasMore, err := s.Read(ctx, "t1", "s1", 0, 0)
	require.NoError(t, err)
	assert.False(t, hasMore)
	assert.Empty(t, entries)
}

func positions(entries []types.WalEntry) []uint64 {
	out := make([]uint64, len(entries))
	for i, e := range entries {
		out[i] = e.Position
	}
	return out
}
