// Package walstore implements the per-session write-ahead log: a dense,
// append-only sequence of WalEntry records keyed by (tenant, session) and
// persisted through a backend.Backend as a single self-delimiting blob.
package walstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/quillhq/sessionstore/pkg/backend"
	"github.com/quillhq/sessionstore/pkg/log"
	"github.com/quillhq/sessionstore/pkg/types"
)

// Store wraps a Backend with the WAL operations of spec.md §4.2.
type Store struct {
	backend backend.Backend
	logger  zerolog.Logger
}

// New returns a Store writing through b.
func New(b backend.Backend) *Store {
	return &Store{backend: b, logger: log.WithComponent("walstore")}
}

func walKey(tenantID, sessionID string) string {
	return fmt.Sprintf("%s/sessions/%s.wal", tenantID, sessionID)
}

// Append assigns dense positions starting at the current tip+1 to entries,
// in order, and commits them atomically alongside everything already on
// disk for the session. Returns the new tip.
func (s *Store) Append(ctx context.Context, tenantID, sessionID string, entries []types.WalEntry) (uint64, error) {
	existing, err := s.readRaw(ctx, tenantID, sessionID)
	if err != nil {
		return 0, err
	}

	tip := tipOf(existing)
	buf := make([]byte, 0, 4096)
	for _, raw := range existing {
		buf = append(buf, encodeRecord(raw.raw)...)
	}
	for _, e := range entries {
		tip++
		e.Position = tip
		data, err := json.Marshal(e)
		if err != nil {
			return 0, fmt.Errorf("marshal wal entry: %w", err)
		}
		buf = append(buf, encodeRecord(data)...)
	}

	key := walKey(tenantID, sessionID)
	if err := s.backend.AppendStream(ctx, key, backend.Chunks(buf, backend.ChunkSize)); err != nil {
		return 0, types.NewError(types.KindBackendUnavailable, tenantID, sessionID, "append wal", err)
	}
	return tip, nil
}

// Read returns entries with position in (fromPosition, fromPosition+limit]
// when limit > 0, or all entries after fromPosition when limit == 0.
// fromPosition == 0 means from the start.
func (s *Store) Read(ctx context.Context, tenantID, sessionID string, fromPosition uint64, limit int) ([]types.WalEntry, bool, error) {
	raws, err := s.readRaw(ctx, tenantID, sessionID)
	if err != nil {
		return nil, false, err
	}

	var out []types.WalEntry
	for _, r := range raws {
		if r.entry.Position <= fromPosition {
			continue
		}
		out = append(out, r.entry)
	}

	if limit <= 0 || len(out) <= limit {
		return out, false, nil
	}
	return out[:limit], true, nil
}

// Truncate discards all entries with position > keepFromPosition and
// returns how many were removed. Idempotent.
func (s *Store) Truncate(ctx context.Context, tenantID, sessionID string, keepFromPosition uint64) (int, error) {
	raws, err := s.readRaw(ctx, tenantID, sessionID)
	if err != nil {
		return 0, err
	}

	var kept [][]byte
	removed := 0
	for _, r := range raws {
		if r.entry.Position > keepFromPosition {
			removed++
			continue
		}
		kept = append(kept, r.raw)
	}
	if removed == 0 {
		return 0, nil
	}

	buf := make([]byte, 0, 4096)
	for _, raw := range kept {
		buf = append(buf, encodeRecord(raw)...)
	}
	key := walKey(tenantID, sessionID)
	if err := s.backend.AppendStream(ctx, key, backend.Chunks(buf, backend.ChunkSize)); err != nil {
		return 0, types.NewError(types.KindBackendUnavailable, tenantID, sessionID, "truncate wal", err)
	}
	return removed, nil
}

// Delete removes a session's WAL blob entirely. Used by Close to
// reclaim storage once the session is being destroyed, rather than
// Truncate(...,0), which would merely rewrite the blob empty and
// leave the key behind.
func (s *Store) Delete(ctx context.Context, tenantID, sessionID string) error {
	if err := s.backend.Delete(ctx, walKey(tenantID, sessionID)); err != nil {
		return types.NewError(types.KindBackendUnavailable, tenantID, sessionID, "delete wal", err)
	}
	return nil
}

// Count returns the current tip (the highest stored position, 0 if empty).
func (s *Store) Count(ctx context.Context, tenantID, sessionID string) (uint64, error) {
	raws, err := s.readRaw(ctx, tenantID, sessionID)
	if err != nil {
		return 0, err
	}
	return tipOf(raws), nil
}

type rawEntry struct {
	raw   []byte
	entry types.WalEntry
}

// readRaw loads and decodes every complete record in the session's WAL
// blob, silently dropping a trailing partial record left by an unclean
// shutdown mid-append.
func (s *Store) readRaw(ctx context.Context, tenantID, sessionID string) ([]rawEntry, error) {
	data, err := s.backend.ReadBlob(ctx, walKey(tenantID, sessionID))
	if err != nil {
		if types.IsKind(err, types.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var out []rawEntry
	for offset := 0; offset < len(data); {
		if offset+4 > len(data) {
			break // trailing partial length prefix, ignore
		}
		length := int(binary.BigEndian.Uint32(data[offset : offset+4]))
		start := offset + 4
		if start+length > len(data) {
			break // trailing partial payload, ignore
		}
		raw := data[start : start+length]
		var entry types.WalEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			s.logger.Error().Err(err).Str("tenant_id", tenantID).Str("session_id", sessionID).
				Int("offset", offset).Msg("wal record failed to deserialize")
			break
		}
		out = append(out, rawEntry{raw: append([]byte(nil), raw...), entry: entry})
		offset = start + length
	}
	return out, nil
}

func tipOf(raws []rawEntry) uint64 {
	if len(raws) == 0 {
		return 0
	}
	return raws[len(raws)-1].entry.Position
}

func encodeRecord(payload []byte) []byte {
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))
	return append(header, payload...)
}
