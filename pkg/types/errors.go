package types

import (
	"errors"
	"fmt"
)

// Kind classifies a StoreError so callers can decide whether to retry,
// surface the error to a user, or treat it as a bug.
type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindContention         Kind = "contention"
	KindCorruption         Kind = "corruption"
	KindEditsBlocked       Kind = "edits_blocked"
	KindSourceUnavailable  Kind = "source_unavailable"
	KindBackendUnavailable Kind = "backend_unavailable"
	KindInvariantViolation Kind = "invariant_violation"
)

// StoreError is the error type this module's operations use for
// failures classified by Kind; some lower-level failures (encoding
// errors, raw bbolt errors from backend.Local) are returned as plain
// errors. Wrap an underlying cause with Err so callers can still
// unwrap to the original, lower-level failure.
type StoreError struct {
	Kind      Kind
	TenantID  string
	SessionID string
	Detail    string
	Err       error
}

func (e *StoreError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s: tenant=%s session=%s: %s", e.Kind, e.TenantID, e.SessionID, e.Detail)
	}
	if e.TenantID != "" {
		return fmt.Sprintf("%s: tenant=%s: %s", e.Kind, e.TenantID, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrNotFound) (and the other sentinels below)
// match any *StoreError carrying the same Kind, without requiring the
// caller to compare Detail/TenantID/SessionID.
func (e *StoreError) Is(target error) bool {
	sentinel, ok := target.(*StoreError)
	if !ok {
		return false
	}
	return sentinel.Kind == e.Kind && sentinel.TenantID == "" && sentinel.SessionID == "" && sentinel.Err == nil
}

// Sentinel errors, one per Kind, for use with errors.Is.
var (
	ErrNotFound           = &StoreError{Kind: KindNotFound, Detail: "not found"}
	ErrContention         = &StoreError{Kind: KindContention, Detail: "contention"}
	ErrCorruption         = &StoreError{Kind: KindCorruption, Detail: "corruption"}
	ErrEditsBlocked       = &StoreError{Kind: KindEditsBlocked, Detail: "edits blocked"}
	ErrSourceUnavailable  = &StoreError{Kind: KindSourceUnavailable, Detail: "source unavailable"}
	ErrBackendUnavailable = &StoreError{Kind: KindBackendUnavailable, Detail: "backend unavailable"}
	ErrInvariantViolation = &StoreError{Kind: KindInvariantViolation, Detail: "invariant violation"}
)

// NewError builds a *StoreError for kind, attaching tenant/session
// context and an optional wrapped cause.
func NewError(kind Kind, tenantID, sessionID, detail string, cause error) *StoreError {
	return &StoreError{Kind: kind, TenantID: tenantID, SessionID: sessionID, Detail: detail, Err: cause}
}

// IsKind reports whether err is a *StoreError of the given kind,
// looking through any wrapping.
func IsKind(err error, kind Kind) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}
