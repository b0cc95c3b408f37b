// Package types holds the wire and domain structs shared across the
// session storage core: sessions, WAL entries, checkpoints, the index,
// and the source-reconciliation metadata.
package types

import "time"

// EntryKind identifies what a WalEntry represents.
type EntryKind string

const (
	EntryPatch        EntryKind = "patch"
	EntryExternalSync EntryKind = "external_sync"
	EntryImport       EntryKind = "import"
)

// SourceKind identifies where a session's authoritative external copy
// lives, if any. Dispatched as a tagged variant in the reconciler, never
// as a polymorphic hierarchy.
type SourceKind string

const (
	SourceLocal       SourceKind = "local"
	SourceGoogleDrive SourceKind = "google_drive"
	SourceOneDrive    SourceKind = "onedrive"
)

// ChangeKind describes how an external source changed, as delivered by a
// filesystem watcher or cloud poll adapter.
type ChangeKind string

const (
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
	ChangeRenamed  ChangeKind = "renamed"
)

// Session is the unit of edit history. The baseline bytes and WAL/
// checkpoints that belong to it are held by the Backend under keys
// derived from TenantID and ID; Session itself only carries identity and
// the mutable source descriptor.
type Session struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenant_id"`
	Source    *SourceDescriptor `json:"source,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// WalEntry is a single append-only record in a session's write-ahead log.
type WalEntry struct {
	Position    uint64    `json:"position"`
	Kind        EntryKind `json:"kind"`
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description"`
	Payload     []byte    `json:"payload,omitempty"`
	SyncMeta    *SyncMeta `json:"sync_meta,omitempty"`
}

// Checkpoint is a materialized document snapshot at a WAL position.
type Checkpoint struct {
	Position uint64 `json:"position"`
	Bytes    []byte `json:"bytes"`
}

// CheckpointInfo is the lightweight, byte-free listing entry for a
// checkpoint (used by Checkpoint Store's list()).
type CheckpointInfo struct {
	Position  uint64    `json:"position"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
}

// IndexEntry is the per-session record kept in a tenant's Index.
type IndexEntry struct {
	ID                    string    `json:"id"`
	SourcePath            string    `json:"source_path,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
	ModifiedAt            time.Time `json:"modified_at"`
	WalTip                uint64    `json:"wal_tip"`
	Cursor                uint64    `json:"cursor"`
	CheckpointPositions   []uint64  `json:"checkpoint_positions"`
	PendingExternalChange bool      `json:"pending_external_change"`
	AutoSync              bool      `json:"auto_sync"`
}

// HasCheckpoint reports whether p is present in CheckpointPositions.
func (e *IndexEntry) HasCheckpoint(p uint64) bool {
	for _, cp := range e.CheckpointPositions {
		if cp == p {
			return true
		}
	}
	return false
}

// IndexPatch carries optional field updates for Index.UpdateSession;
// a nil field means "leave unchanged".
type IndexPatch struct {
	ModifiedAt            *time.Time
	WalTip                *uint64
	Cursor                *uint64
	AddCheckpoints        []uint64
	RemoveCheckpoints     []uint64
	PendingExternalChange *bool
	SourcePath            *string
	AutoSync              *bool
}

// UncoveredChange describes a structural change detected during sync
// that cannot be expressed as one of the core's logical patch operations.
type UncoveredChange struct {
	Kind        string `json:"kind"`
	Description string `json:"description"`
	PartURI     string `json:"part_uri,omitempty"`
}

// DiffSummary tallies the kinds of structural changes found during a
// sync's diff pass.
type DiffSummary struct {
	Added    int `json:"added"`
	Removed  int `json:"removed"`
	Modified int `json:"modified"`
	Moved    int `json:"moved"`
}

// SyncMeta is carried by ExternalSync/Import WAL entries.
type SyncMeta struct {
	SourcePath          string            `json:"source_path"`
	PreviousContentHash string            `json:"previous_content_hash"`
	NewContentHash      string            `json:"new_content_hash"`
	Summary             DiffSummary       `json:"summary"`
	UncoveredChanges    []UncoveredChange `json:"uncovered_changes,omitempty"`
	DocumentSnapshot    []byte            `json:"document_snapshot"`
}

// SourceMetadata is the latest known metadata about the external copy of
// a session's document.
type SourceMetadata struct {
	Size        int64     `json:"size"`
	ModifiedAt  time.Time `json:"modified_at"`
	ETag        string    `json:"etag,omitempty"`
	VersionID   string    `json:"version_id,omitempty"`
	ContentHash string    `json:"content_hash,omitempty"`
}

// SourceDescriptor describes where a session's authoritative external
// copy lives, if any, and the last metadata observed for it.
type SourceDescriptor struct {
	Kind         SourceKind     `json:"kind"`
	ConnectionID string         `json:"connection_id,omitempty"`
	Path         string         `json:"path"`
	FileID       string         `json:"file_id,omitempty"`
	AutoSync     bool           `json:"auto_sync"`
	Metadata     SourceMetadata `json:"metadata"`
}

// PendingExternalChange is transient, process-local state held by the
// ExternalReconciler's gate for a session with a detected but
// unacknowledged/unsynced external modification.
type PendingExternalChange struct {
	SessionID  string      `json:"session_id"`
	DetectedAt time.Time   `json:"detected_at"`
	SourcePath string      `json:"source_path"`
	Summary    DiffSummary `json:"summary"`
	ChangeID   string      `json:"change_id"`
}

// ChangeEvent is an external-change notification delivered to the core
// by a watcher or cloud poll adapter.
type ChangeEvent struct {
	SessionID   string          `json:"session_id"`
	Kind        ChangeKind      `json:"change_kind"`
	OldMetadata *SourceMetadata `json:"old_metadata,omitempty"`
	NewMetadata *SourceMetadata `json:"new_metadata,omitempty"`
	DetectedAt  time.Time       `json:"detected_at"`
	NewURI      string          `json:"new_uri,omitempty"`
}

// Document is the materialized result of a get/undo/redo/jump operation.
type Document struct {
	SessionID string `json:"session_id"`
	Position  uint64 `json:"position"`
	Bytes     []byte `json:"bytes"`
}

// CursorResult is returned by undo/redo/jump_to.
type CursorResult struct {
	NewCursor     uint64 `json:"new_cursor"`
	StepsMoved    uint64 `json:"steps_moved"`
	StatusMessage string `json:"status_message"`
}
