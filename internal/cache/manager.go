// Package cache implements the domain-level caching policy for shift
// handoff records and their attachments: staleness, cascade invalidation,
// and quota-pressure eviction.
package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avenlo/handoffd/internal/storage"
)

const (
	// StaleTTL is how long a cached record stays fresh. Staleness is
	// computed at read time, never stored.
	StaleTTL = 48 * time.Hour

	// QuotaThresholdPercent is the usage level that triggers cleanup.
	QuotaThresholdPercent = 80

	// evictBatch is how many oldest records one quota pass removes.
	evictBatch = 5
)

// Store is the slice of the persistent store the cache manager needs. Both
// the SQLite store and the in-memory adapter satisfy it.
type Store interface {
	PutRecord(rec storage.CachedRecord, atts []storage.CachedAttachment) error
	GetRecord(id string) (storage.CachedRecord, error)
	ListRecords() ([]storage.CachedRecord, error)
	OldestRecords(n int) ([]storage.CachedRecord, error)
	DeleteRecord(id string) error
	AttachmentsByParent(parentID string) ([]storage.CachedAttachment, error)
	UsedBytes() (int64, error)
}

// ResourceMirror receives best-effort hints about attachment bytes. The
// background worker implements it; a nil mirror disables mirroring without
// affecting correctness.
type ResourceMirror interface {
	CacheResources(urls []string) bool
	InvalidateResource(url string) bool
	ClearStaleResources() bool
}

// UsageReporter optionally augments quota accounting with bytes held
// outside the store (the resource cache directory). May be nil.
type UsageReporter interface {
	Usage() (int64, error)
}

// AttachmentInput references one binary resource while caching a record.
type AttachmentInput struct {
	ID          string `json:"id"`
	ResourceURL string `json:"resource_url"`
}

// RecordInput is a domain snapshot handed to CacheRecord.
type RecordInput struct {
	ID          string            `json:"id"`
	PayloadJSON string            `json:"payload"`
	Attachments []AttachmentInput `json:"attachments"`
}

// Manager owns staleness policy, quota accounting, and eviction on top of
// the persistent store.
type Manager struct {
	store      Store
	mirror     ResourceMirror
	resources  UsageReporter
	quotaBytes int64 // 0 disables quota enforcement
	staleTTL   time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// Options tune a Manager beyond its defaults.
type Options struct {
	Mirror     ResourceMirror
	Resources  UsageReporter
	QuotaBytes int64
	StaleTTL   time.Duration // 0 means the default StaleTTL
	Now        func() time.Time
}

// NewManager builds a Manager. Zero-value options give a manager with no
// mirroring and no quota limit.
func NewManager(store Store, opts Options) *Manager {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ttl := opts.StaleTTL
	if ttl <= 0 {
		ttl = StaleTTL
	}
	return &Manager{
		store:      store,
		mirror:     opts.Mirror,
		resources:  opts.Resources,
		quotaBytes: opts.QuotaBytes,
		staleTTL:   ttl,
		now:        now,
		logger:     slog.Default(),
	}
}

// CacheRecord writes the record snapshot and its attachment metadata, then
// asks the background worker to mirror the attachment bytes. The record
// write is atomic; mirroring is best-effort and its failure never rolls the
// record back — attachments degrade to "metadata cached, bytes not yet
// cached".
//
// A write that fails on storage quota triggers one EnforceQuota pass and a
// single retry.
func (m *Manager) CacheRecord(in RecordInput) (storage.CachedRecord, error) {
	if in.ID == "" {
		return storage.CachedRecord{}, fmt.Errorf("record id is required")
	}
	payload := in.PayloadJSON
	if payload == "" {
		payload = "{}"
	}

	now := m.now().UTC()
	rec := storage.CachedRecord{ID: in.ID, PayloadJSON: payload, CachedAt: now}
	atts := make([]storage.CachedAttachment, 0, len(in.Attachments))
	urls := make([]string, 0, len(in.Attachments))
	for _, a := range in.Attachments {
		atts = append(atts, storage.CachedAttachment{
			ID:          a.ID,
			ParentID:    in.ID,
			ResourceURL: a.ResourceURL,
			CachedAt:    now,
		})
		if a.ResourceURL != "" {
			urls = append(urls, a.ResourceURL)
		}
	}

	err := m.store.PutRecord(rec, atts)
	if errors.Is(err, storage.ErrQuotaExceeded) {
		m.logger.Warn("record write hit storage quota, enforcing and retrying", "id", in.ID)
		if _, qErr := m.EnforceQuota(); qErr != nil {
			m.logger.Warn("quota enforcement failed", "error", qErr)
		}
		err = m.store.PutRecord(rec, atts)
	}
	if err != nil {
		return storage.CachedRecord{}, fmt.Errorf("caching record %s: %w", in.ID, err)
	}

	if m.mirror != nil && len(urls) > 0 {
		if !m.mirror.CacheResources(urls) {
			m.logger.Debug("resource mirroring unavailable", "record", in.ID)
		}
	}

	stored := rec
	for _, a := range atts {
		stored.AttachmentIDs = append(stored.AttachmentIDs, a.ID)
	}
	return stored, nil
}

// GetRecord returns the cached record or storage.ErrNotFound.
func (m *Manager) GetRecord(id string) (storage.CachedRecord, error) {
	return m.store.GetRecord(id)
}

// ListRecords returns all cached records, newest cached_at first.
func (m *Manager) ListRecords() ([]storage.CachedRecord, error) {
	return m.store.ListRecords()
}

// CachedAttachments returns the attachments for a record, empty when the
// record is absent.
func (m *Manager) CachedAttachments(id string) ([]storage.CachedAttachment, error) {
	return m.store.AttachmentsByParent(id)
}

// IsStale reports whether the record is missing or older than the
// staleness horizon.
func (m *Manager) IsStale(id string) (bool, error) {
	rec, err := m.store.GetRecord(id)
	if errors.Is(err, storage.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return m.now().Sub(rec.CachedAt) > m.staleTTL, nil
}

// Invalidate deletes the record and cascades to its attachments, then drops
// any mirrored bytes. Idempotent.
func (m *Manager) Invalidate(id string) error {
	atts, err := m.store.AttachmentsByParent(id)
	if err != nil {
		return fmt.Errorf("loading attachments for %s: %w", id, err)
	}
	if err := m.store.DeleteRecord(id); err != nil {
		return fmt.Errorf("invalidating %s: %w", id, err)
	}
	if m.mirror != nil {
		for _, a := range atts {
			if a.ResourceURL != "" {
				m.mirror.InvalidateResource(a.ResourceURL)
			}
		}
	}
	return nil
}

// SweepStale invalidates every record older than the staleness horizon
// and returns the count removed.
func (m *Manager) SweepStale() (int, error) {
	records, err := m.store.ListRecords()
	if err != nil {
		return 0, err
	}
	removed := 0
	now := m.now()
	for _, rec := range records {
		if now.Sub(rec.CachedAt) <= m.staleTTL {
			continue
		}
		if err := m.Invalidate(rec.ID); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 && m.mirror != nil {
		m.mirror.ClearStaleResources()
	}
	return removed, nil
}

// ClearOldest evicts the n lowest-cached_at records, earliest-inserted
// first on ties, and returns the count removed.
func (m *Manager) ClearOldest(n int) (int, error) {
	oldest, err := m.store.OldestRecords(n)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, rec := range oldest {
		if err := m.Invalidate(rec.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// EnforceQuota checks usage against the configured quota and, when at or
// above the threshold, removes stale records first and only then the oldest
// fresh ones. Returns whether any cleanup ran. With no quota configured it
// is a no-op, never an error.
func (m *Manager) EnforceQuota() (bool, error) {
	if m.quotaBytes <= 0 {
		return false, nil
	}

	over, err := m.overThreshold()
	if err != nil {
		return false, err
	}
	if !over {
		return false, nil
	}

	swept, err := m.SweepStale()
	if err != nil {
		return swept > 0, err
	}

	over, err = m.overThreshold()
	if err != nil {
		return true, err
	}
	if !over {
		return true, nil
	}

	evicted, err := m.ClearOldest(evictBatch)
	if err != nil {
		return true, err
	}
	m.logger.Info("quota cleanup ran", "stale_removed", swept, "evicted", evicted)
	return true, nil
}

func (m *Manager) overThreshold() (bool, error) {
	used, err := m.store.UsedBytes()
	if err != nil {
		return false, fmt.Errorf("reading storage usage: %w", err)
	}
	if m.resources != nil {
		extra, err := m.resources.Usage()
		if err != nil {
			return false, fmt.Errorf("reading resource cache usage: %w", err)
		}
		used += extra
	}
	return used*100 >= m.quotaBytes*int64(QuotaThresholdPercent), nil
}
