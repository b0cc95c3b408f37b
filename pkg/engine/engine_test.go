package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillhq/sessionstore/pkg/backend"
	"github.com/quillhq/sessionstore/pkg/checkpointstore"
	"github.com/quillhq/sessionstore/pkg/index"
	"github.com/quillhq/sessionstore/pkg/replay"
	"github.com/quillhq/sessionstore/pkg/types"
	"github.com/quillhq/sessionstore/pkg/walstore"
)

func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	b, err := backend.NewLocal(t.TempDir(), 16)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	wal := walstore.New(b)
	ckpt := checkpointstore.New(b)
	idx := index.New(b, time.Second)
	e := New(b, wal, ckpt, idx, replay.JSONParagraphs{}, 50)
	return e, "tenant-1"
}

func applyPatch(t *testing.T, e *Engine, tenantID, sessionID string, doc []byte, patch []byte) []byte {
	t.Helper()
	next, err := replay.JSONParagraphs{}.Apply(doc, patch)
	require.NoError(t, err)
	_, err = e.AppendPatch(context.Background(), tenantID, sessionID, patch, next)
	require.NoError(t, err)
	return next
}

func TestBasicRoundTrip(t *testing.T) {
	ctx := context.Background()
	e, tenant := newTestEngine(t)

	_, err := e.CreateEmpty(ctx, tenant, "s1")
	require.NoError(t, err)

	doc := replay.NewEmptyDocument()
	doc = applyPatch(t, e, tenant, "s1", doc, replay.AppendParagraph("a"))
	doc = applyPatch(t, e, tenant, "s1", doc, replay.AppendParagraph("b"))

	got, err := e.Get(ctx, tenant, "s1")
	require.NoError(t, err)
	assert.Equal(t, doc, got.Bytes)
	assert.Equal(t, uint64(2), got.Position)
}

func TestUndoBranching(t *testing.T) {
	ctx := context.Background()
	e, tenant := newTestEngine(t)

	_, err := e.CreateEmpty(ctx, tenant, "s1")
	require.NoError(t, err)

	doc := replay.NewEmptyDocument()
	doc = applyPatch(t, e, tenant, "s1", doc, replay.AppendParagraph("a"))
	doc = applyPatch(t, e, tenant, "s1", doc, replay.AppendParagraph("b"))
	_ = doc

	_, err = e.Undo(ctx, tenant, "s1", 1)
	require.NoError(t, err)

	got, err := e.Get(ctx, tenant, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, mustParagraphs(t, got.Bytes))

	// New edit truncates the discarded "b" branch.
	doc = applyPatch(t, e, tenant, "s1", got.Bytes, replay.AppendParagraph("b-prime"))

	got, err = e.Get(ctx, tenant, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b-prime"}, mustParagraphs(t, got.Bytes))
	assert.Equal(t, uint64(2), got.Position)

	// Redo is impossible: there is no future left to move into.
	result, err := e.Redo(ctx, tenant, "s1", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), result.StepsMoved)
}

func TestJumpToBaseline(t *testing.T) {
	ctx := context.Background()
	e, tenant := newTestEngine(t)

	_, err := e.CreateEmpty(ctx, tenant, "s1")
	require.NoError(t, err)

	doc := replay.NewEmptyDocument()
	doc = applyPatch(t, e, tenant, "s1", doc, replay.AppendParagraph("a"))
	_ = applyPatch(t, e, tenant, "s1", doc, replay.AppendParagraph("b"))

	result, err := e.JumpTo(ctx, tenant, "s1", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), result.NewCursor)

	got, err := e.Get(ctx, tenant, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{}, mustParagraphs(t, got.Bytes))
}

func TestAppendPatchBlockedByPendingExternalChange(t *testing.T) {
	ctx := context.Background()
	e, tenant := newTestEngine(t)

	_, err := e.CreateEmpty(ctx, tenant, "s1")
	require.NoError(t, err)

	pending := true
	idx := index.New(e.backend, time.Second)
	require.NoError(t, idx.UpdateSession(ctx, tenant, "s1", types.IndexPatch{PendingExternalChange: &pending}))

	_, err = e.AppendPatch(ctx, tenant, "s1", replay.AppendParagraph("x"), replay.NewEmptyDocument())
	assert.True(t, types.IsKind(err, types.KindEditsBlocked))
}

func TestCompactRefusesWithRedoHistoryUnlessDiscarded(t *testing.T) {
	ctx := context.Background()
	e, tenant := newTestEngine(t)

	_, err := e.CreateEmpty(ctx, tenant, "s1")
	require.NoError(t, err)

	doc := replay.NewEmptyDocument()
	doc = applyPatch(t, e, tenant, "s1", doc, replay.AppendParagraph("a"))
	_ = applyPatch(t, e, tenant, "s1", doc, replay.AppendParagraph("b"))

	_, err = e.Undo(ctx, tenant, "s1", 1)
	require.NoError(t, err)

	require.NoError(t, e.Compact(ctx, tenant, "s1", false))
	entry, err := e.index.Get(ctx, tenant, "s1")
	require.NoError(t, err)
	assert.NotEqual(t, uint64(0), entry.WalTip) // refused, unchanged

	require.NoError(t, e.Compact(ctx, tenant, "s1", true))
	entry, err = e.index.Get(ctx, tenant, "s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), entry.WalTip)
	assert.Equal(t, uint64(0), entry.Cursor)
	assert.Empty(t, entry.CheckpointPositions)

	got, err := e.Get(ctx, tenant, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, mustParagraphs(t, got.Bytes))
}

func TestCompactPreservesCursorDocument(t *testing.T) {
	ctx := context.Background()
	e, tenant := newTestEngine(t)

	_, err := e.CreateEmpty(ctx, tenant, "s1")
	require.NoError(t, err)

	doc := replay.NewEmptyDocument()
	doc = applyPatch(t, e, tenant, "s1", doc, replay.AppendParagraph("a"))
	doc = applyPatch(t, e, tenant, "s1", doc, replay.AppendParagraph("b"))

	require.NoError(t, e.Compact(ctx, tenant, "s1", false))

	got, err := e.Get(ctx, tenant, "s1")
	require.NoError(t, err)
	assert.Equal(t, doc, got.Bytes)
}

func TestExternalSyncAppendsSnapshotAndClearsPending(t *testing.T) {
	ctx := context.Background()
	e, tenant := newTestEngine(t)

	_, err := e.CreateEmpty(ctx, tenant, "s1")
	require.NoError(t, err)
	_ = applyPatch(t, e, tenant, "s1", replay.NewEmptyDocument(), replay.AppendParagraph("a"))

	pending := true
	require.NoError(t, e.index.UpdateSession(ctx, tenant, "s1", types.IndexPatch{PendingExternalChange: &pending}))

	newBytes := []byte(`{"paragraphs":["a","b","c"]}`)
	_, err = e.AppendExternalSync(ctx, tenant, "s1", types.SyncMeta{
		SourcePath:     "/tmp/doc.json",
		NewContentHash: "abc",
		Summary:        types.DiffSummary{Added: 2},
	}, newBytes, false)
	require.NoError(t, err)

	got, err := e.Get(ctx, tenant, "s1")
	require.NoError(t, err)
	assert.Equal(t, newBytes, got.Bytes)

	entry, err := e.index.Get(ctx, tenant, "s1")
	require.NoError(t, err)
	assert.False(t, entry.PendingExternalChange)

	result, err := e.Undo(ctx, tenant, "s1", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), result.NewCursor)

	got, err = e.Get(ctx, tenant, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, mustParagraphs(t, got.Bytes))
}

func TestAppendPatchAutoSyncWritesBackToSource(t *testing.T) {
	ctx := context.Background()
	e, tenant := newTestEngine(t)

	sourcePath := filepath.Join(t.TempDir(), "doc.json")
	_, err := e.OpenFromBytes(ctx, tenant, "s1", replay.NewEmptyDocument(), &types.SourceDescriptor{
		Kind:     types.SourceLocal,
		Path:     sourcePath,
		AutoSync: true,
	})
	require.NoError(t, err)

	next := applyPatch(t, e, tenant, "s1", replay.NewEmptyDocument(), replay.AppendParagraph("a"))

	written, err := os.ReadFile(sourcePath)
	require.NoError(t, err)
	assert.JSONEq(t, string(next), string(written))
}

func TestAppendPatchWithoutAutoSyncLeavesSourceUntouched(t *testing.T) {
	ctx := context.Background()
	e, tenant := newTestEngine(t)

	sourcePath := filepath.Join(t.TempDir(), "doc.json")
	_, err := e.OpenFromBytes(ctx, tenant, "s1", replay.NewEmptyDocument(), &types.SourceDescriptor{
		Kind: types.SourceLocal,
		Path: sourcePath,
	})
	require.NoError(t, err)

	_ = applyPatch(t, e, tenant, "s1", replay.NewEmptyDocument(), replay.AppendParagraph("a"))

	_, err = os.Stat(sourcePath)
	assert.True(t, os.IsNotExist(err))
}

func TestCloseReclaimsAllPersistedState(t *testing.T) {
	ctx := context.Background()
	e, tenant := newTestEngine(t)

	_, err := e.CreateEmpty(ctx, tenant, "s1")
	require.NoError(t, err)
	doc := applyPatch(t, e, tenant, "s1", replay.NewEmptyDocument(), replay.AppendParagraph("a"))
	_ = applyPatch(t, e, tenant, "s1", doc, replay.AppendParagraph("b"))

	entry, err := e.index.Get(ctx, tenant, "s1")
	require.NoError(t, err)
	require.NotEmpty(t, entry.CheckpointPositions)

	require.NoError(t, e.Close(ctx, tenant, "s1"))

	_, err = e.index.Get(ctx, tenant, "s1")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindNotFound))

	for _, p := range entry.CheckpointPositions {
		_, _, err := e.checkpoints.Load(ctx, tenant, "s1", p)
		assert.True(t, types.IsKind(err, types.KindNotFound))
	}

	tip, err := e.wal.Count(ctx, tenant, "s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), tip)

	_, err = e.backend.Read(ctx, baselineKey(tenant, "s1"))
	assert.True(t, types.IsKind(err, types.KindNotFound))

	require.NoError(t, e.Close(ctx, tenant, "s1"))
}

func mustParagraphs(t *testing.T, doc []byte) []string {
	t.Helper()
	type paragraphDoc struct {
		Paragraphs []string `json:"paragraphs"`
	}
	var d paragraphDoc
	require.NoError(t, json.Unmarshal(doc, &d))
	return d.Paragraphs
}
