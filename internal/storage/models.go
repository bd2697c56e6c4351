package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrStoreUnavailable is returned when the local database cannot be opened
// or accessed at all. Callers should disable offline features rather than
// retry.
var ErrStoreUnavailable = errors.New("store unavailable")

// ErrQuotaExceeded is returned when a write fails because local storage is
// full. Callers may run quota enforcement and retry once.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// ActionType is the closed set of mutations the sync queue can replay.
type ActionType string

const (
	ActionAcknowledgeRecord ActionType = "acknowledge_record"
)

// CachedRecord is a locally persisted snapshot of one remote domain entity,
// e.g. a shift handoff. CachedAt is the store-write time, not the author
// time; re-caching the same ID replaces payload and CachedAt atomically.
type CachedRecord struct {
	ID            string
	PayloadJSON   string // opaque domain data, JSON stored as text
	CachedAt      time.Time
	AttachmentIDs []string // ordered, derived from cached_attachments
}

// CachedAttachment is metadata for one binary resource owned by a parent
// CachedRecord. Attachments are reachable only through a still-present
// parent; deleting the parent cascades here in the same transaction.
type CachedAttachment struct {
	ID          string
	ParentID    string
	ResourceURL string
	CachedAt    time.Time
}

// QueuedAction is one durable, not-yet-confirmed mutation.
//
// Synced transitions only false -> true. Attempts is monotonically
// non-decreasing. An action whose attempts reached the queue's maximum is
// excluded from automatic replay but stays queryable until explicitly
// purged.
type QueuedAction struct {
	ID            string
	Type          ActionType
	PayloadJSON   string
	CreatedAt     time.Time
	Synced        bool
	Attempts      int
	LastAttemptAt time.Time // zero if never attempted
	LastError     string
}
