package storage

import (
	"sort"
	"sync"
	"time"
)

// MemStore is a pure in-memory implementation of the store surface used by
// the cache manager and the sync queue. It exists so those components can be
// unit-tested without SQLite, and doubles as the fallback adapter for
// environments where local persistence is unavailable.
type MemStore struct {
	mu      sync.Mutex
	nextSeq int64

	records    map[string]memRecord
	atts       map[string][]CachedAttachment // parent id -> ordered attachments
	actions    []QueuedAction                // enqueue order
	actionSeen map[string]bool

	// FailWrites makes every write return the given error. Test hook for
	// quota and availability scenarios.
	FailWrites error
}

type memRecord struct {
	rec CachedRecord
	seq int64 // first-insert order, stable across refreshes
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		records:    make(map[string]memRecord),
		atts:       make(map[string][]CachedAttachment),
		actionSeen: make(map[string]bool),
	}
}

func (m *MemStore) PutRecord(rec CachedRecord, atts []CachedAttachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}

	seq := m.nextSeq
	if existing, ok := m.records[rec.ID]; ok {
		seq = existing.seq
	} else {
		m.nextSeq++
	}

	stored := rec
	stored.AttachmentIDs = nil
	copied := make([]CachedAttachment, len(atts))
	for i, att := range atts {
		att.ParentID = rec.ID
		copied[i] = att
		stored.AttachmentIDs = append(stored.AttachmentIDs, att.ID)
	}
	m.records[rec.ID] = memRecord{rec: stored, seq: seq}
	m.atts[rec.ID] = copied
	return nil
}

func (m *MemStore) GetRecord(id string) (CachedRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.records[id]
	if !ok {
		return CachedRecord{}, ErrNotFound
	}
	return entry.rec, nil
}

func (m *MemStore) ListRecords() ([]CachedRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.sortedEntries()
	// Newest first; insertion order (descending) breaks ties.
	results := make([]CachedRecord, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		results = append(results, entries[i].rec)
	}
	return results, nil
}

func (m *MemStore) OldestRecords(n int) ([]CachedRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.sortedEntries()
	if n > len(entries) {
		n = len(entries)
	}
	results := make([]CachedRecord, 0, n)
	for _, e := range entries[:n] {
		results = append(results, e.rec)
	}
	return results, nil
}

// sortedEntries returns records oldest cached_at first, earliest-inserted
// first on ties. Callers hold the lock.
func (m *MemStore) sortedEntries() []memRecord {
	entries := make([]memRecord, 0, len(m.records))
	for _, e := range m.records {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.rec.CachedAt.Equal(b.rec.CachedAt) {
			return a.rec.CachedAt.Before(b.rec.CachedAt)
		}
		return a.seq < b.seq
	})
	return entries
}

func (m *MemStore) DeleteRecord(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	delete(m.records, id)
	delete(m.atts, id)
	return nil
}

func (m *MemStore) AttachmentsByParent(parentID string) ([]CachedAttachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	atts := m.atts[parentID]
	results := make([]CachedAttachment, len(atts))
	copy(results, atts)
	return results, nil
}

func (m *MemStore) PutAction(a QueuedAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	if m.actionSeen[a.ID] {
		return nil
	}
	m.actionSeen[a.ID] = true
	m.actions = append(m.actions, a)
	return nil
}

func (m *MemStore) GetAction(id string) (QueuedAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.actions {
		if a.ID == id {
			return a, nil
		}
	}
	return QueuedAction{}, ErrNotFound
}

func (m *MemStore) PendingActions() ([]QueuedAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var results []QueuedAction
	for _, a := range m.actions {
		if !a.Synced {
			results = append(results, a)
		}
	}
	return results, nil
}

func (m *MemStore) AllActions() ([]QueuedAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	results := make([]QueuedAction, len(m.actions))
	copy(results, m.actions)
	return results, nil
}

func (m *MemStore) MarkActionSynced(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	for i := range m.actions {
		if m.actions[i].ID == id {
			m.actions[i].Synced = true
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemStore) RecordActionFailure(id, errMsg string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	for i := range m.actions {
		if m.actions[i].ID == id && !m.actions[i].Synced {
			m.actions[i].Attempts++
			m.actions[i].LastError = errMsg
			m.actions[i].LastAttemptAt = at
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemStore) PurgeSynced() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.actions[:0]
	removed := 0
	for _, a := range m.actions {
		if a.Synced {
			removed++
			delete(m.actionSeen, a.ID)
			continue
		}
		kept = append(kept, a)
	}
	m.actions = kept
	return removed, nil
}

func (m *MemStore) PurgeExhausted(maxAttempts int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.actions[:0]
	removed := 0
	for _, a := range m.actions {
		if !a.Synced && a.Attempts >= maxAttempts {
			removed++
			delete(m.actionSeen, a.ID)
			continue
		}
		kept = append(kept, a)
	}
	m.actions = kept
	return removed, nil
}

func (m *MemStore) UsedBytes() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, e := range m.records {
		total += int64(len(e.rec.ID) + len(e.rec.PayloadJSON))
	}
	for _, atts := range m.atts {
		for _, a := range atts {
			total += int64(len(a.ID) + len(a.ResourceURL))
		}
	}
	for _, a := range m.actions {
		total += int64(len(a.ID) + len(a.PayloadJSON))
	}
	return total, nil
}
