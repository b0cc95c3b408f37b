// Package engine implements SessionEngine, the orchestration core that
// composes a Backend, WAL, Checkpoint Store, and Index into the
// session-level operations a caller actually invokes: open, get,
// append_patch, undo/redo/jump, compact, and external-sync ingestion.
package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/quillhq/sessionstore/pkg/backend"
	"github.com/quillhq/sessionstore/pkg/checkpointstore"
	"github.com/quillhq/sessionstore/pkg/index"
	"github.com/quillhq/sessionstore/pkg/log"
	"github.com/quillhq/sessionstore/pkg/metrics"
	"github.com/quillhq/sessionstore/pkg/replay"
	"github.com/quillhq/sessionstore/pkg/types"
	"github.com/quillhq/sessionstore/pkg/walstore"
)

// Engine is the SessionEngine of spec.md §4.5.
type Engine struct {
	backend          backend.Backend
	wal              *walstore.Store
	checkpoints      *checkpointstore.Store
	index            *index.Manager
	replayer         replay.EditReplayer
	compactThreshold uint64
	logger           zerolog.Logger
}

// New wires an Engine over the given components. compactThreshold is
// the WAL tip at which an append triggers post-append compaction
// (spec.md §4.5.2 step 6; config.Config.WalCompactThreshold).
func New(b backend.Backend, wal *walstore.Store, checkpoints *checkpointstore.Store, idx *index.Manager, replayer replay.EditReplayer, compactThreshold uint64) *Engine {
	return &Engine{
		backend:          b,
		wal:              wal,
		checkpoints:      checkpoints,
		index:            idx,
		replayer:         replayer,
		compactThreshold: compactThreshold,
		logger:           log.WithComponent("engine"),
	}
}

func baselineKey(tenantID, sessionID string) string {
	return fmt.Sprintf("%s/sessions/%s.bin", tenantID, sessionID)
}

// CreateEmpty creates a new session with an empty baseline document.
func (e *Engine) CreateEmpty(ctx context.Context, tenantID, sessionID string) (types.Session, error) {
	return e.openFromBytes(ctx, tenantID, sessionID, replay.NewEmptyDocument(), nil)
}

// OpenFromBytes creates a new session whose baseline is initial.
func (e *Engine) OpenFromBytes(ctx context.Context, tenantID, sessionID string, initial []byte, source *types.SourceDescriptor) (types.Session, error) {
	return e.openFromBytes(ctx, tenantID, sessionID, initial, source)
}

func (e *Engine) openFromBytes(ctx context.Context, tenantID, sessionID string, initial []byte, source *types.SourceDescriptor) (types.Session, error) {
	timer := metrics.NewTimer()
	status := "ok"
	defer func() {
		timer.ObserveDurationVec(metrics.EngineOperationDuration, "open")
		metrics.EngineOperationsTotal.WithLabelValues("open", status).Inc()
	}()

	if err := e.backend.Write(ctx, baselineKey(tenantID, sessionID), initial); err != nil {
		status = "error"
		return types.Session{}, types.NewError(types.KindBackendUnavailable, tenantID, sessionID, "write baseline", err)
	}

	now := time.Now()
	entry := types.IndexEntry{
		ID:         sessionID,
		CreatedAt:  now,
		ModifiedAt: now,
	}
	if source != nil {
		entry.SourcePath = source.Path
		entry.AutoSync = source.AutoSync
	}
	if err := e.index.AddSession(ctx, tenantID, entry); err != nil {
		status = "error"
		return types.Session{}, err
	}

	return types.Session{ID: sessionID, TenantID: tenantID, Source: source, CreatedAt: now}, nil
}

// Resolve looks up a session by its id and, when no session has that
// id, scans the tenant index for an entry whose source_path equals
// idOrPath. The first match is returned.
func (e *Engine) Resolve(ctx context.Context, tenantID, idOrPath string) (types.IndexEntry, error) {
	if entry, err := e.index.Get(ctx, tenantID, idOrPath); err == nil {
		return entry, nil
	}
	entries, err := e.index.List(ctx, tenantID)
	if err != nil {
		return types.IndexEntry{}, err
	}
	for _, entry := range entries {
		if entry.SourcePath == idOrPath {
			return entry, nil
		}
	}
	return types.IndexEntry{}, types.NewError(types.KindNotFound, tenantID, idOrPath, "no session matches id or path", nil)
}

// List returns every session entry for the tenant.
func (e *Engine) List(ctx context.Context, tenantID string) ([]types.IndexEntry, error) {
	return e.index.List(ctx, tenantID)
}

// Get materializes a session's document at its current cursor,
// following §4.5.1: nearest checkpoint, then WAL-tail replay.
func (e *Engine) Get(ctx context.Context, tenantID, sessionID string) (types.Document, error) {
	timer := metrics.NewTimer()
	status := "ok"
	defer func() {
		timer.ObserveDurationVec(metrics.EngineOperationDuration, "get")
		metrics.EngineOperationsTotal.WithLabelValues("get", status).Inc()
	}()

	entry, err := e.index.Get(ctx, tenantID, sessionID)
	if err != nil {
		status = "error"
		return types.Document{}, err
	}

	doc, err := e.materializeAt(ctx, tenantID, sessionID, entry.Cursor)
	if err != nil {
		status = "error"
		return types.Document{}, err
	}
	return doc, nil
}

// materializeAt implements §4.5.1 for an arbitrary target position: load
// the nearest checkpoint <= target, fall back to baseline, then replay
// the WAL tail through the configured EditReplayer. A Patch replay
// failure halts replay but still returns the best-effort document
// (maximum useful recovery); it never aborts the whole call.
func (e *Engine) materializeAt(ctx context.Context, tenantID, sessionID string, target uint64) (types.Document, error) {
	var (
		doc []byte
		cp  uint64
	)
	bytes, pos, err := e.checkpoints.Load(ctx, tenantID, sessionID, target)
	switch {
	case err == nil:
		doc, cp = bytes, pos
	case types.IsKind(err, types.KindNotFound):
		baseline, err := e.backend.Read(ctx, baselineKey(tenantID, sessionID))
		if err != nil {
			return types.Document{}, err
		}
		doc, cp = baseline, 0
	default:
		return types.Document{}, err
	}

	entries, _, err := e.wal.Read(ctx, tenantID, sessionID, cp, 0)
	if err != nil {
		return types.Document{}, err
	}

	for _, entry := range entries {
		if entry.Position > target {
			break
		}
		switch entry.Kind {
		case types.EntryExternalSync, types.EntryImport:
			doc = entry.SyncMeta.DocumentSnapshot
		case types.EntryPatch:
			next, err := e.replayer.Apply(doc, entry.Payload)
			if err != nil {
				e.logger.Error().Err(err).Str("tenant_id", tenantID).Str("session_id", sessionID).
					Uint64("position", entry.Position).Msg("patch replay failed, stopping at best-effort document")
				return types.Document{SessionID: sessionID, Position: entry.Position - 1, Bytes: doc}, nil
			}
			doc = next
		}
	}

	return types.Document{SessionID: sessionID, Position: target, Bytes: doc}, nil
}

// AppendPatch implements §4.5.2: gate check, truncate-on-redo-branch,
// append, checkpoint, index update, and post-append compaction.
func (e *Engine) AppendPatch(ctx context.Context, tenantID, sessionID string, patchPayload []byte, currentDocumentBytes []byte) (types.Document, error) {
	timer := metrics.NewTimer()
	status := "ok"
	defer func() {
		timer.ObserveDurationVec(metrics.EngineOperationDuration, "append_patch")
		metrics.EngineOperationsTotal.WithLabelValues("append_patch", status).Inc()
	}()

	entry, err := e.index.Get(ctx, tenantID, sessionID)
	if err != nil {
		status = "error"
		return types.Document{}, err
	}
	if entry.PendingExternalChange {
		status = "blocked"
		return types.Document{}, types.NewError(types.KindEditsBlocked, tenantID, sessionID, "external change pending, sync or acknowledge first", nil)
	}

	if entry.Cursor < entry.WalTip {
		if _, err := e.wal.Truncate(ctx, tenantID, sessionID, entry.Cursor); err != nil {
			status = "error"
			return types.Document{}, err
		}
		toRemove := make([]uint64, 0, len(entry.CheckpointPositions))
		for _, p := range entry.CheckpointPositions {
			if p > entry.Cursor {
				toRemove = append(toRemove, p)
			}
		}
		if len(toRemove) > 0 {
			if err := e.checkpoints.Delete(ctx, tenantID, sessionID, toRemove); err != nil {
				status = "error"
				return types.Document{}, err
			}
		}
		if err := e.index.UpdateSession(ctx, tenantID, sessionID, types.IndexPatch{RemoveCheckpoints: toRemove}); err != nil {
			status = "error"
			return types.Document{}, err
		}
	}

	newTip, err := e.wal.Append(ctx, tenantID, sessionID, []types.WalEntry{{
		Kind:        types.EntryPatch,
		Timestamp:   time.Now(),
		Description: "patch",
		Payload:     patchPayload,
	}})
	if err != nil {
		status = "error"
		return types.Document{}, err
	}

	if err := e.checkpoints.Save(ctx, tenantID, sessionID, newTip, currentDocumentBytes); err != nil {
		status = "error"
		return types.Document{}, err
	}

	now := time.Now()
	if err := e.index.UpdateSession(ctx, tenantID, sessionID, types.IndexPatch{
		ModifiedAt:     &now,
		WalTip:         &newTip,
		Cursor:         &newTip,
		AddCheckpoints: []uint64{newTip},
	}); err != nil {
		status = "error"
		return types.Document{}, err
	}

	metrics.WalAppendsTotal.Inc()
	metrics.CheckpointsSavedTotal.Inc()

	if entry.AutoSync && entry.SourcePath != "" {
		e.writeBackToSource(tenantID, sessionID, entry.SourcePath, currentDocumentBytes)
	}

	if newTip >= e.compactThreshold {
		go func() {
			compactCtx := context.Background()
			if err := e.Compact(compactCtx, tenantID, sessionID, false); err != nil {
				e.logger.Warn().Err(err).Str("tenant_id", tenantID).Str("session_id", sessionID).
					Msg("post-append compaction skipped")
			}
		}()
	}

	return types.Document{SessionID: sessionID, Position: newTip, Bytes: currentDocumentBytes}, nil
}

// AppendExternalSync writes a sync WAL entry (ExternalSync or Import)
// following the same protocol as AppendPatch, but the snapshot itself
// becomes the checkpoint — no replay is needed to materialize it.
func (e *Engine) AppendExternalSync(ctx context.Context, tenantID, sessionID string, syncEntry types.SyncMeta, newBytes []byte, isImport bool) (types.Document, error) {
	timer := metrics.NewTimer()
	status := "ok"
	defer func() {
		timer.ObserveDurationVec(metrics.EngineOperationDuration, "append_external_sync")
		metrics.EngineOperationsTotal.WithLabelValues("append_external_sync", status).Inc()
	}()

	entry, err := e.index.Get(ctx, tenantID, sessionID)
	if err != nil {
		status = "error"
		return types.Document{}, err
	}

	if entry.Cursor < entry.WalTip {
		if _, err := e.wal.Truncate(ctx, tenantID, sessionID, entry.Cursor); err != nil {
			status = "error"
			return types.Document{}, err
		}
		toRemove := make([]uint64, 0, len(entry.CheckpointPositions))
		for _, p := range entry.CheckpointPositions {
			if p > entry.Cursor {
				toRemove = append(toRemove, p)
			}
		}
		if len(toRemove) > 0 {
			if err := e.checkpoints.Delete(ctx, tenantID, sessionID, toRemove); err != nil {
				status = "error"
				return types.Document{}, err
			}
		}
		if err := e.index.UpdateSession(ctx, tenantID, sessionID, types.IndexPatch{RemoveCheckpoints: toRemove}); err != nil {
			status = "error"
			return types.Document{}, err
		}
	}

	kind := types.EntryExternalSync
	if isImport {
		kind = types.EntryImport
	}
	newTip, err := e.wal.Append(ctx, tenantID, sessionID, []types.WalEntry{{
		Kind:        kind,
		Timestamp:   time.Now(),
		Description: string(kind),
		SyncMeta:    &syncEntry,
	}})
	if err != nil {
		status = "error"
		return types.Document{}, err
	}

	if err := e.checkpoints.Save(ctx, tenantID, sessionID, newTip, newBytes); err != nil {
		status = "error"
		return types.Document{}, err
	}

	now := time.Now()
	pendingFalse := false
	if err := e.index.UpdateSession(ctx, tenantID, sessionID, types.IndexPatch{
		ModifiedAt:            &now,
		WalTip:                &newTip,
		Cursor:                &newTip,
		AddCheckpoints:        []uint64{newTip},
		PendingExternalChange: &pendingFalse,
	}); err != nil {
		status = "error"
		return types.Document{}, err
	}

	return types.Document{SessionID: sessionID, Position: newTip, Bytes: newBytes}, nil
}

// Undo moves the cursor back by steps (clamped at 0).
func (e *Engine) Undo(ctx context.Context, tenantID, sessionID string, steps uint64) (types.CursorResult, error) {
	entry, err := e.index.Get(ctx, tenantID, sessionID)
	if err != nil {
		return types.CursorResult{}, err
	}
	move := steps
	if move > entry.Cursor {
		move = entry.Cursor
	}
	return e.rebuildAt(ctx, tenantID, sessionID, entry.Cursor-move, move, "undo")
}

// Redo moves the cursor forward by steps (clamped at the tip).
func (e *Engine) Redo(ctx context.Context, tenantID, sessionID string, steps uint64) (types.CursorResult, error) {
	entry, err := e.index.Get(ctx, tenantID, sessionID)
	if err != nil {
		return types.CursorResult{}, err
	}
	remaining := entry.WalTip - entry.Cursor
	move := steps
	if move > remaining {
		move = remaining
	}
	return e.rebuildAt(ctx, tenantID, sessionID, entry.Cursor+move, move, "redo")
}

// JumpTo moves the cursor directly to position, clamped to [0, wal_tip].
func (e *Engine) JumpTo(ctx context.Context, tenantID, sessionID string, position uint64) (types.CursorResult, error) {
	entry, err := e.index.Get(ctx, tenantID, sessionID)
	if err != nil {
		return types.CursorResult{}, err
	}
	target := position
	if target > entry.WalTip {
		target = entry.WalTip
	}
	var moved uint64
	if target > entry.Cursor {
		moved = target - entry.Cursor
	} else {
		moved = entry.Cursor - target
	}
	return e.rebuildAt(ctx, tenantID, sessionID, target, moved, "jump_to")
}

func (e *Engine) rebuildAt(ctx context.Context, tenantID, sessionID string, target, stepsMoved uint64, op string) (types.CursorResult, error) {
	timer := metrics.NewTimer()
	status := "ok"
	defer func() {
		timer.ObserveDurationVec(metrics.EngineOperationDuration, op)
		metrics.EngineOperationsTotal.WithLabelValues(op, status).Inc()
	}()

	entry, err := e.index.Get(ctx, tenantID, sessionID)
	if err != nil {
		status = "error"
		return types.CursorResult{}, err
	}
	if target == entry.Cursor {
		return types.CursorResult{NewCursor: target, StepsMoved: 0, StatusMessage: "no-op, already at target"}, nil
	}

	doc, err := e.materializeAt(ctx, tenantID, sessionID, target)
	if err != nil {
		status = "error"
		return types.CursorResult{}, err
	}

	if !entry.HasCheckpoint(target) {
		if err := e.checkpoints.Save(ctx, tenantID, sessionID, target, doc.Bytes); err != nil {
			status = "error"
			return types.CursorResult{}, err
		}
	}

	if err := e.index.UpdateSession(ctx, tenantID, sessionID, types.IndexPatch{
		Cursor:         &target,
		AddCheckpoints: []uint64{target},
	}); err != nil {
		status = "error"
		return types.CursorResult{}, err
	}

	return types.CursorResult{
		NewCursor:     target,
		StepsMoved:    stepsMoved,
		StatusMessage: fmt.Sprintf("%s to position %d", op, target),
	}, nil
}

// History returns a page of WAL entries starting after offset.
func (e *Engine) History(ctx context.Context, tenantID, sessionID string, offset uint64, limit int) ([]types.WalEntry, bool, error) {
	return e.wal.Read(ctx, tenantID, sessionID, offset, limit)
}

// Compact implements §4.5.4: replace the baseline with the document at
// cursor and discard the WAL and all checkpoints. Refuses (without
// error) when redo history would be lost unless discardRedo is true.
func (e *Engine) Compact(ctx context.Context, tenantID, sessionID string, discardRedo bool) error {
	timer := metrics.NewTimer()
	status := "ok"
	defer func() {
		timer.ObserveDurationVec(metrics.EngineOperationDuration, "compact")
		metrics.EngineOperationsTotal.WithLabelValues("compact", status).Inc()
	}()

	entry, err := e.index.Get(ctx, tenantID, sessionID)
	if err != nil {
		status = "error"
		return err
	}
	if entry.Cursor < entry.WalTip && !discardRedo {
		status = "refused"
		e.logger.Info().Str("tenant_id", tenantID).Str("session_id", sessionID).
			Msg("compact refused: redo history present and discard_redo is false")
		return nil
	}

	doc, err := e.materializeAt(ctx, tenantID, sessionID, entry.Cursor)
	if err != nil {
		status = "error"
		return err
	}
	if err := e.backend.Write(ctx, baselineKey(tenantID, sessionID), doc.Bytes); err != nil {
		status = "error"
		return types.NewError(types.KindBackendUnavailable, tenantID, sessionID, "write compacted baseline", err)
	}

	if _, err := e.wal.Truncate(ctx, tenantID, sessionID, 0); err != nil {
		status = "error"
		return err
	}
	if len(entry.CheckpointPositions) > 0 {
		if err := e.checkpoints.Delete(ctx, tenantID, sessionID, entry.CheckpointPositions); err != nil {
			status = "error"
			return err
		}
	}

	zero := uint64(0)
	now := time.Now()
	if err := e.index.UpdateSession(ctx, tenantID, sessionID, types.IndexPatch{
		ModifiedAt:        &now,
		WalTip:            &zero,
		Cursor:            &zero,
		RemoveCheckpoints: entry.CheckpointPositions,
	}); err != nil {
		status = "error"
		return err
	}

	metrics.CheckpointsCompactedTotal.Add(float64(len(entry.CheckpointPositions)))
	return nil
}

// SetSourcePath updates the session's external-source path.
func (e *Engine) SetSourcePath(ctx context.Context, tenantID, sessionID, path string) error {
	return e.index.UpdateSession(ctx, tenantID, sessionID, types.IndexPatch{SourcePath: &path})
}

// writeBackToSource pushes a session's materialized document to its
// linked external source after a local edit, when the session's index
// entry has AutoSync set (copied from SourceDescriptor.AutoSync when the
// session is opened; spec.md's AUTO_SYNC knob). Only a local
// filesystem path is supported, matching the Reconciler's own
// local-only GetSourceMetadata handling; failures are logged and never
// fail the append that triggered them, since the edit has already
// landed durably in the WAL.
func (e *Engine) writeBackToSource(tenantID, sessionID, sourcePath string, bytes []byte) {
	if err := os.WriteFile(sourcePath, bytes, 0o644); err != nil {
		e.logger.Warn().Err(err).Str("tenant_id", tenantID).Str("session_id", sessionID).
			Str("source_path", sourcePath).Msg("auto-sync write-back failed")
	}
}

// Close destroys a session per spec.md §3's lifecycle: its index entry,
// checkpoints (blobs and position index), WAL blob, and baseline are
// all reclaimed. Existence must be checked before the index entry is
// removed, since removal is what makes the session unreachable.
// Idempotent.
func (e *Engine) Close(ctx context.Context, tenantID, sessionID string) error {
	if _, err := e.index.Get(ctx, tenantID, sessionID); err != nil {
		if types.IsKind(err, types.KindNotFound) {
			return nil
		}
		return err
	}

	if _, err := e.index.RemoveSession(ctx, tenantID, sessionID); err != nil {
		return err
	}
	if err := e.checkpoints.DeleteAll(ctx, tenantID, sessionID); err != nil {
		return err
	}
	if err := e.wal.Delete(ctx, tenantID, sessionID); err != nil {
		return err
	}
	return e.backend.Delete(ctx, baselineKey(tenantID, sessionID))
}
