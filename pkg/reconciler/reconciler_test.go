package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillhq/sessionstore/pkg/backend"
	"github.com/quillhq/sessionstore/pkg/checkpointstore"
	"github.com/quillhq/sessionstore/pkg/engine"
	"github.com/quillhq/sessionstore/pkg/events"
	"github.com/quillhq/sessionstore/pkg/index"
	"github.com/quillhq/sessionstore/pkg/replay"
	"github.com/quillhq/sessionstore/pkg/types"
	"github.com/quillhq/sessionstore/pkg/walstore"
)

func newTestReconciler(t *testing.T) (*Reconciler, *engine.Engine, *index.Manager, string) {
	t.Helper()
	b, err := backend.NewLocal(t.TempDir(), 16)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	wal := walstore.New(b)
	ckpt := checkpointstore.New(b)
	idx := index.New(b, time.Second)
	eng := engine.New(b, wal, ckpt, idx, replay.JSONParagraphs{}, 50)
	r := New(eng, idx, events.NewBroker(), 10*time.Millisecond)
	return r, eng, idx, "tenant-1"
}

func TestCheckForChangesDetectsMismatch(t *testing.T) {
	ctx := context.Background()
	r, eng, idx, tenant := newTestReconciler(t)

	_, err := eng.OpenFromBytes(ctx, tenant, "s1", []byte(`{"paragraphs":["x"]}`), nil)
	require.NoError(t, err)
	_, err = eng.AppendPatch(ctx, tenant, "s1", replay.AppendParagraph("y"), []byte(`{"paragraphs":["x","y"]}`))
	require.NoError(t, err)

	change, err := r.CheckForChanges(ctx, tenant, "s1", func(context.Context) ([]byte, error) {
		return []byte(`{"paragraphs":["x","y","z"]}`), nil
	})
	require.NoError(t, err)
	require.NotNil(t, change)
	assert.Equal(t, 1, change.Summary.Added)

	entry, err := idx.Get(ctx, tenant, "s1")
	require.NoError(t, err)
	assert.True(t, entry.PendingExternalChange)
}

func TestCheckForChangesNoOpWhenIdentical(t *testing.T) {
	ctx := context.Background()
	r, eng, _, tenant := newTestReconciler(t)

	_, err := eng.OpenFromBytes(ctx, tenant, "s1", []byte(`{"paragraphs":["x"]}`), nil)
	require.NoError(t, err)

	change, err := r.CheckForChanges(ctx, tenant, "s1", func(context.Context) ([]byte, error) {
		return []byte(`{"paragraphs":["x"]}`), nil
	})
	require.NoError(t, err)
	assert.Nil(t, change)
}

func TestAppendPatchBlockedAfterDetectedChange(t *testing.T) {
	ctx := context.Background()
	r, eng, _, tenant := newTestReconciler(t)

	_, err := eng.OpenFromBytes(ctx, tenant, "s1", []byte(`{"paragraphs":["x"]}`), nil)
	require.NoError(t, err)

	_, err = r.CheckForChanges(ctx, tenant, "s1", func(context.Context) ([]byte, error) {
		return []byte(`{"paragraphs":["x","y"]}`), nil
	})
	require.NoError(t, err)

	_, err = eng.AppendPatch(ctx, tenant, "s1", replay.AppendParagraph("z"), []byte(`{"paragraphs":["x","z"]}`))
	assert.True(t, types.IsKind(err, types.KindEditsBlocked))
}

func TestSyncAppliesSnapshotAndClearsGate(t *testing.T) {
	ctx := context.Background()
	r, eng, idx, tenant := newTestReconciler(t)

	_, err := eng.OpenFromBytes(ctx, tenant, "s1", []byte(`{"paragraphs":["x"]}`), nil)
	require.NoError(t, err)
	_, err = eng.AppendPatch(ctx, tenant, "s1", replay.AppendParagraph("y"), []byte(`{"paragraphs":["x","y"]}`))
	require.NoError(t, err)

	_, err = r.CheckForChanges(ctx, tenant, "s1", func(context.Context) ([]byte, error) {
		return []byte(`{"paragraphs":["x","y","z"]}`), nil
	})
	require.NoError(t, err)

	doc, err := r.Sync(ctx, tenant, "s1", []byte(`{"paragraphs":["x","y","z"]}`), "/tmp/doc.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"paragraphs":["x","y","z"]}`, string(doc.Bytes))

	entry, err := idx.Get(ctx, tenant, "s1")
	require.NoError(t, err)
	assert.False(t, entry.PendingExternalChange)

	// Edits resume once the gate clears.
	_, err = eng.AppendPatch(ctx, tenant, "s1", replay.AppendParagraph("w"), []byte(`{"paragraphs":["x","y","z","w"]}`))
	require.NoError(t, err)

	// undo(1) returns to the pre-sync-edit (post-sync) state.
	result, err := eng.Undo(ctx, tenant, "s1", 1)
	require.NoError(t, err)
	got, err := eng.Get(ctx, tenant, "s1")
	require.NoError(t, err)
	assert.Equal(t, result.NewCursor, got.Position)
	assert.JSONEq(t, `{"paragraphs":["x","y","z"]}`, string(got.Bytes))
}

func TestSyncMarksImportForFreshSession(t *testing.T) {
	ctx := context.Background()
	r, eng, _, tenant := newTestReconciler(t)

	_, err := eng.CreateEmpty(ctx, tenant, "s1")
	require.NoError(t, err)

	doc, err := r.Sync(ctx, tenant, "s1", []byte(`{"paragraphs":["imported"]}`), "/tmp/doc.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"paragraphs":["imported"]}`, string(doc.Bytes))

	entries, _, err := eng.History(ctx, tenant, "s1", 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, types.EntryImport, entries[0].Kind)
}

func TestAcknowledgeClearsGateWithoutSync(t *testing.T) {
	ctx := context.Background()
	r, eng, idx, tenant := newTestReconciler(t)

	_, err := eng.OpenFromBytes(ctx, tenant, "s1", []byte(`{"paragraphs":["x"]}`), nil)
	require.NoError(t, err)

	_, err = r.CheckForChanges(ctx, tenant, "s1", func(context.Context) ([]byte, error) {
		return []byte(`{"paragraphs":["x","y"]}`), nil
	})
	require.NoError(t, err)

	require.NoError(t, r.Acknowledge(ctx, tenant, "s1"))

	entry, err := idx.Get(ctx, tenant, "s1")
	require.NoError(t, err)
	assert.False(t, entry.PendingExternalChange)
}

func TestNotifyDebouncesBursts(t *testing.T) {
	ctx := context.Background()
	r, eng, idx, tenant := newTestReconciler(t)

	_, err := eng.OpenFromBytes(ctx, tenant, "s1", []byte(`{"paragraphs":["x"]}`), nil)
	require.NoError(t, err)

	fetch := func(context.Context) ([]byte, error) {
		return []byte(`{"paragraphs":["x","y"]}`), nil
	}
	for i := 0; i < 5; i++ {
		r.Notify(ctx, tenant, types.ChangeEvent{SessionID: "s1"}, fetch)
	}

	time.Sleep(50 * time.Millisecond)

	entry, err := idx.Get(ctx, tenant, "s1")
	require.NoError(t, err)
	assert.True(t, entry.PendingExternalChange)
}
