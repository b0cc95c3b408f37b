// Package index implements the per-tenant session index: a single
// JSON-like document per tenant, mutated exclusively through a
// lock -> reload -> mutate -> write -> release cycle so a stale
// in-memory copy is never trusted across a suspension point.
package index

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quillhq/sessionstore/pkg/backend"
	"github.com/quillhq/sessionstore/pkg/types"
)

// Manager owns the per-tenant index document.
type Manager struct {
	backend backend.Backend
	lockTTL time.Duration
}

// New returns a Manager using b for storage, acquiring the tenant lock
// with the given TTL per mutation.
func New(b backend.Backend, lockTTL time.Duration) *Manager {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &Manager{backend: b, lockTTL: lockTTL}
}

func indexKey(tenantID string) string {
	return fmt.Sprintf("%s/sessions/index.json", tenantID)
}

func lockKey(tenantID string) string {
	return fmt.Sprintf("%s/.locks/%s.lock", tenantID, tenantID)
}

type document struct {
	Sessions map[string]types.IndexEntry `json:"sessions"`
}

// Get returns a single session's index entry without taking the tenant
// lock (a snapshot read; callers that mutate must go through the
// locked methods below).
func (m *Manager) Get(ctx context.Context, tenantID, sessionID string) (types.IndexEntry, error) {
	doc, err := m.load(ctx, tenantID)
	if err != nil {
		return types.IndexEntry{}, err
	}
	entry, ok := doc.Sessions[sessionID]
	if !ok {
		return types.IndexEntry{}, types.NewError(types.KindNotFound, tenantID, sessionID, "session not in index", nil)
	}
	return entry, nil
}

// List returns every session entry for the tenant, unordered.
func (m *Manager) List(ctx context.Context, tenantID string) ([]types.IndexEntry, error) {
	doc, err := m.load(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	entries := make([]types.IndexEntry, 0, len(doc.Sessions))
	for _, e := range doc.Sessions {
		entries = append(entries, e)
	}
	return entries, nil
}

// AddSession inserts entry under tenantID, failing if id is already
// present.
func (m *Manager) AddSession(ctx context.Context, tenantID string, entry types.IndexEntry) error {
	return m.withLock(ctx, tenantID, func(doc *document) error {
		if _, exists := doc.Sessions[entry.ID]; exists {
			return types.NewError(types.KindInvariantViolation, tenantID, entry.ID, "session already exists", nil)
		}
		doc.Sessions[entry.ID] = entry
		return nil
	})
}

// UpdateSession applies patch to the session's entry; only non-nil
// fields of patch are changed. Fails with NotFound if id is absent.
func (m *Manager) UpdateSession(ctx context.Context, tenantID, sessionID string, patch types.IndexPatch) error {
	return m.withLock(ctx, tenantID, func(doc *document) error {
		entry, ok := doc.Sessions[sessionID]
		if !ok {
			return types.NewError(types.KindNotFound, tenantID, sessionID, "session not in index", nil)
		}

		if patch.ModifiedAt != nil {
			entry.ModifiedAt = *patch.ModifiedAt
		}
		if patch.WalTip != nil {
			entry.WalTip = *patch.WalTip
		}
		if patch.Cursor != nil {
			entry.Cursor = *patch.Cursor
		}
		if patch.PendingExternalChange != nil {
			entry.PendingExternalChange = *patch.PendingExternalChange
		}
		if patch.SourcePath != nil {
			entry.SourcePath = *patch.SourcePath
		}
		if patch.AutoSync != nil {
			entry.AutoSync = *patch.AutoSync
		}
		for _, p := range patch.AddCheckpoints {
			if !entry.HasCheckpoint(p) {
				entry.CheckpointPositions = append(entry.CheckpointPositions, p)
			}
		}
		if len(patch.RemoveCheckpoints) > 0 {
			remove := make(map[uint64]bool, len(patch.RemoveCheckpoints))
			for _, p := range patch.RemoveCheckpoints {
				remove[p] = true
			}
			kept := entry.CheckpointPositions[:0]
			for _, p := range entry.CheckpointPositions {
				if !remove[p] {
					kept = append(kept, p)
				}
			}
			entry.CheckpointPositions = kept
		}

		doc.Sessions[sessionID] = entry
		return nil
	})
}

// RemoveSession deletes the session's entry if present and reports
// whether it existed. Idempotent.
func (m *Manager) RemoveSession(ctx context.Context, tenantID, sessionID string) (bool, error) {
	var existed bool
	err := m.withLock(ctx, tenantID, func(doc *document) error {
		_, existed = doc.Sessions[sessionID]
		delete(doc.Sessions, sessionID)
		return nil
	})
	return existed, err
}

func (m *Manager) withLock(ctx context.Context, tenantID string, mutate func(*document) error) error {
	lease, err := m.backend.AcquireLock(ctx, lockKey(tenantID), m.lockTTL)
	if err != nil {
		return err
	}
	defer m.backend.ReleaseLock(ctx, lease)

	doc, err := m.load(ctx, tenantID)
	if err != nil {
		return err
	}
	if err := mutate(doc); err != nil {
		return err
	}
	return m.store(ctx, tenantID, doc)
}

func (m *Manager) load(ctx context.Context, tenantID string) (*document, error) {
	data, err := m.backend.Read(ctx, indexKey(tenantID))
	if err != nil {
		if types.IsKind(err, types.KindNotFound) {
			return &document{Sessions: map[string]types.IndexEntry{}}, nil
		}
		return nil, err
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, types.NewError(types.KindCorruption, tenantID, "", "tenant index", err)
	}
	if doc.Sessions == nil {
		doc.Sessions = map[string]types.IndexEntry{}
	}
	return &doc, nil
}

func (m *Manager) store(ctx context.Context, tenantID string, doc *document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal tenant index: %w", err)
	}
	if err := m.backend.Write(ctx, indexKey(tenantID), data); err != nil {
		return types.NewError(types.KindBackendUnavailable, tenantID, "", "write tenant index", err)
	}
	return nil
}
