// Package checkpointstore implements the per-session checkpoint store:
// materialized document snapshots at selected WAL positions, used to
// bound replay cost on reads.
package checkpointstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/quillhq/sessionstore/pkg/backend"
	"github.com/quillhq/sessionstore/pkg/types"
)

// Store wraps a Backend with the checkpoint operations of spec.md §4.3.
type Store struct {
	backend backend.Backend
}

// New returns a Store writing through b.
func New(b backend.Backend) *Store {
	return &Store{backend: b}
}

func blobKey(tenantID, sessionID string, position uint64) string {
	return fmt.Sprintf("%s/sessions/%s.ckpt.%d.bin", tenantID, sessionID, position)
}

func indexKey(tenantID, sessionID string) string {
	return fmt.Sprintf("%s/sessions/%s.ckpt.index", tenantID, sessionID)
}

// Save streams bytes to the checkpoint slot at position, overwriting
// any prior checkpoint there, and records it in the session's
// lightweight position index.
func (s *Store) Save(ctx context.Context, tenantID, sessionID string, position uint64, data []byte) error {
	key := blobKey(tenantID, sessionID, position)
	if err := s.backend.AppendStream(ctx, key, backend.Chunks(data, backend.ChunkSize)); err != nil {
		return types.NewError(types.KindBackendUnavailable, tenantID, sessionID, "save checkpoint", err)
	}

	entries, err := s.readIndex(ctx, tenantID, sessionID)
	if err != nil {
		return err
	}
	entries = upsert(entries, types.CheckpointInfo{Position: position, CreatedAt: time.Now(), Size: int64(len(data))})
	return s.writeIndex(ctx, tenantID, sessionID, entries)
}

// Load returns the bytes of the nearest checkpoint with position <=
// atOrBeforePosition, and the position it was actually saved at. If no
// such checkpoint exists, it returns a NotFound *types.StoreError and
// the caller falls back to the baseline.
func (s *Store) Load(ctx context.Context, tenantID, sessionID string, atOrBeforePosition uint64) ([]byte, uint64, error) {
	entries, err := s.readIndex(ctx, tenantID, sessionID)
	if err != nil {
		return nil, 0, err
	}

	var best *types.CheckpointInfo
	for i := range entries {
		e := entries[i]
		if e.Position > atOrBeforePosition {
			continue
		}
		if best == nil || e.Position > best.Position {
			best = &entries[i]
		}
	}
	if best == nil {
		return nil, 0, types.NewError(types.KindNotFound, tenantID, sessionID, "no checkpoint at or before requested position", nil)
	}

	data, err := s.backend.ReadBlob(ctx, blobKey(tenantID, sessionID, best.Position))
	if err != nil {
		return nil, 0, err
	}
	return data, best.Position, nil
}

// List returns every checkpoint currently recorded for the session,
// ordered by position ascending.
func (s *Store) List(ctx context.Context, tenantID, sessionID string) ([]types.CheckpointInfo, error) {
	entries, err := s.readIndex(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Position < entries[j].Position })
	return entries, nil
}

// Delete bulk-removes the checkpoints at positions.
func (s *Store) Delete(ctx context.Context, tenantID, sessionID string, positions []uint64) error {
	toDelete := make(map[uint64]bool, len(positions))
	for _, p := range positions {
		toDelete[p] = true
		if err := s.backend.Delete(ctx, blobKey(tenantID, sessionID, p)); err != nil {
			return types.NewError(types.KindBackendUnavailable, tenantID, sessionID, "delete checkpoint", err)
		}
	}

	entries, err := s.readIndex(ctx, tenantID, sessionID)
	if err != nil {
		return err
	}
	kept := entries[:0]
	for _, e := range entries {
		if !toDelete[e.Position] {
			kept = append(kept, e)
		}
	}
	return s.writeIndex(ctx, tenantID, sessionID, kept)
}

// DeleteAll removes every checkpoint blob for the session plus the
// position index itself, unlike Delete, which only clears listed
// positions and leaves an empty index behind. Used by Close.
func (s *Store) DeleteAll(ctx context.Context, tenantID, sessionID string) error {
	entries, err := s.readIndex(ctx, tenantID, sessionID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := s.backend.Delete(ctx, blobKey(tenantID, sessionID, e.Position)); err != nil {
			return types.NewError(types.KindBackendUnavailable, tenantID, sessionID, "delete checkpoint", err)
		}
	}
	if err := s.backend.Delete(ctx, indexKey(tenantID, sessionID)); err != nil {
		return types.NewError(types.KindBackendUnavailable, tenantID, sessionID, "delete checkpoint index", err)
	}
	return nil
}

func (s *Store) readIndex(ctx context.Context, tenantID, sessionID string) ([]types.CheckpointInfo, error) {
	data, err := s.backend.Read(ctx, indexKey(tenantID, sessionID))
	if err != nil {
		if types.IsKind(err, types.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var entries []types.CheckpointInfo
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, types.NewError(types.KindCorruption, tenantID, sessionID, "checkpoint index", err)
	}
	return entries, nil
}

func (s *Store) writeIndex(ctx context.Context, tenantID, sessionID string, entries []types.CheckpointInfo) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal checkpoint index: %w", err)
	}
	if err := s.backend.Write(ctx, indexKey(tenantID, sessionID), data); err != nil {
		return types.NewError(types.KindBackendUnavailable, tenantID, sessionID, "write checkpoint index", err)
	}
	return nil
}

func upsert(entries []types.CheckpointInfo, info types.CheckpointInfo) []types.CheckpointInfo {
	for i, e := range entries {
		if e.Position == info.Position {
			entries[i] = info
			return entries
		}
	}
	return append(entries, info)
}
