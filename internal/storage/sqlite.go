package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeFormat keeps sub-second precision so round-trips are lossless.
const timeFormat = time.RFC3339Nano

// Store wraps a SQLite database holding cached records, attachment metadata,
// and the durable action queue.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests). Failures to open or migrate wrap ErrStoreUnavailable.
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w (%w)", err, ErrStoreUnavailable)
		}
		dsn = filepath.Join(dataDir, "handoffd.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w (%w)", err, ErrStoreUnavailable)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w (%w)", err, ErrStoreUnavailable)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Wait briefly on concurrent access instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w (%w)", err, ErrStoreUnavailable)
	}

	// WAL for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w (%w)", err, ErrStoreUnavailable)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w (%w)", err, ErrStoreUnavailable)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate applies any embedded SQL migration files that haven't run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var applied int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&applied); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

// AppliedMigrations returns the applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// writeErr maps SQLite write failures onto the store error taxonomy so that
// callers can distinguish "disk full" from everything else.
func writeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "database or disk is full") {
		return fmt.Errorf("%s: %w", op, ErrQuotaExceeded)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func parseTime(field, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeFormat, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

// --- Cached records ---

// PutRecord atomically replaces the record and its attachment rows in a
// single transaction: either the new snapshot is fully visible or the old
// one still is. The record's first-insert order (seq) is preserved across
// refreshes of the same id.
func (s *Store) PutRecord(rec CachedRecord, atts []CachedAttachment) error {
	tx, err := s.db.Begin()
	if err != nil {
		return writeErr("beginning record write", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO cached_records (id, payload_json, cached_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload_json = excluded.payload_json, cached_at = excluded.cached_at`,
		rec.ID, rec.PayloadJSON, rec.CachedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return writeErr("writing record", err)
	}

	// Replace attachment metadata wholesale so refreshes can't leave rows
	// from a previous snapshot behind.
	if _, err := tx.Exec(`DELETE FROM cached_attachments WHERE parent_id = ?`, rec.ID); err != nil {
		return writeErr("clearing attachments", err)
	}
	for i, att := range atts {
		_, err := tx.Exec(`
			INSERT INTO cached_attachments (id, parent_id, resource_url, cached_at, position)
			VALUES (?, ?, ?, ?, ?)`,
			att.ID, rec.ID, att.ResourceURL, att.CachedAt.UTC().Format(timeFormat), i,
		)
		if err != nil {
			return writeErr("writing attachment", err)
		}
	}

	return writeErr("committing record write", tx.Commit())
}

// GetRecord returns the cached record with its ordered attachment IDs, or
// ErrNotFound.
func (s *Store) GetRecord(id string) (CachedRecord, error) {
	var rec CachedRecord
	var cachedAt string
	err := s.db.QueryRow(
		`SELECT id, payload_json, cached_at FROM cached_records WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.PayloadJSON, &cachedAt)
	if err == sql.ErrNoRows {
		return CachedRecord{}, ErrNotFound
	}
	if err != nil {
		return CachedRecord{}, err
	}
	if rec.CachedAt, err = parseTime("cached_at", cachedAt); err != nil {
		return CachedRecord{}, err
	}

	atts, err := s.AttachmentsByParent(id)
	if err != nil {
		return CachedRecord{}, err
	}
	for _, a := range atts {
		rec.AttachmentIDs = append(rec.AttachmentIDs, a.ID)
	}
	return rec, nil
}

// ListRecords returns all cached records, newest cached_at first. Ties are
// broken by insertion order, latest-inserted first.
func (s *Store) ListRecords() ([]CachedRecord, error) {
	return s.queryRecords(`SELECT id, payload_json, cached_at FROM cached_records ORDER BY cached_at DESC, seq DESC`)
}

// OldestRecords returns up to n records ordered oldest cached_at first,
// earliest-inserted first on ties. Used for quota-pressure eviction.
func (s *Store) OldestRecords(n int) ([]CachedRecord, error) {
	return s.queryRecords(`SELECT id, payload_json, cached_at FROM cached_records ORDER BY cached_at ASC, seq ASC LIMIT ?`, n)
}

func (s *Store) queryRecords(query string, args ...any) ([]CachedRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []CachedRecord
	for rows.Next() {
		var rec CachedRecord
		var cachedAt string
		if err := rows.Scan(&rec.ID, &rec.PayloadJSON, &cachedAt); err != nil {
			return nil, err
		}
		if rec.CachedAt, err = parseTime("cached_at", cachedAt); err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(results) == 0 {
		return results, nil
	}

	// Fill attachment IDs with one query instead of one per record.
	byParent := make(map[string][]string)
	attRows, err := s.db.Query(`SELECT id, parent_id FROM cached_attachments ORDER BY parent_id, position`)
	if err != nil {
		return nil, err
	}
	defer attRows.Close()
	for attRows.Next() {
		var id, parent string
		if err := attRows.Scan(&id, &parent); err != nil {
			return nil, err
		}
		byParent[parent] = append(byParent[parent], id)
	}
	if err := attRows.Err(); err != nil {
		return nil, err
	}
	for i := range results {
		results[i].AttachmentIDs = byParent[results[i].ID]
	}
	return results, nil
}

// DeleteRecord removes the record and all attachments whose parent_id
// matches, in one transaction so no orphan metadata survives. Deleting a
// non-existent id is a no-op success.
func (s *Store) DeleteRecord(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning cascade delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM cached_attachments WHERE parent_id = ?`, id); err != nil {
		return fmt.Errorf("deleting attachments: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM cached_records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting record: %w", err)
	}
	return tx.Commit()
}

// AttachmentsByParent returns the attachments owned by a record in their
// original order. Empty slice if the parent has none (or doesn't exist).
func (s *Store) AttachmentsByParent(parentID string) ([]CachedAttachment, error) {
	rows, err := s.db.Query(`
		SELECT id, parent_id, resource_url, cached_at FROM cached_attachments
		WHERE parent_id = ? ORDER BY position ASC`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []CachedAttachment{}
	for rows.Next() {
		var att CachedAttachment
		var cachedAt string
		if err := rows.Scan(&att.ID, &att.ParentID, &att.ResourceURL, &cachedAt); err != nil {
			return nil, err
		}
		if att.CachedAt, err = parseTime("cached_at", cachedAt); err != nil {
			return nil, err
		}
		results = append(results, att)
	}
	return results, rows.Err()
}

// --- Queued actions ---

// PutAction inserts a new action into the durable queue.
func (s *Store) PutAction(a QueuedAction) error {
	lastAttempt := ""
	if !a.LastAttemptAt.IsZero() {
		lastAttempt = a.LastAttemptAt.UTC().Format(timeFormat)
	}
	_, err := s.db.Exec(`
		INSERT INTO queued_actions (id, action_type, payload_json, created_at, synced, attempts, last_attempt_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, string(a.Type), a.PayloadJSON, a.CreatedAt.UTC().Format(timeFormat),
		boolToInt(a.Synced), a.Attempts, lastAttempt, a.LastError,
	)
	return writeErr("writing action", err)
}

// GetAction returns a single queued action by id, or ErrNotFound.
func (s *Store) GetAction(id string) (QueuedAction, error) {
	row := s.db.QueryRow(`
		SELECT id, action_type, payload_json, created_at, synced, attempts, last_attempt_at, last_error
		FROM queued_actions WHERE id = ?`, id)
	a, err := scanAction(row)
	if err == sql.ErrNoRows {
		return QueuedAction{}, ErrNotFound
	}
	return a, err
}

// PendingActions returns all actions with synced=false in enqueue order.
func (s *Store) PendingActions() ([]QueuedAction, error) {
	return s.queryActions(`
		SELECT id, action_type, payload_json, created_at, synced, attempts, last_attempt_at, last_error
		FROM queued_actions WHERE synced = 0 ORDER BY seq ASC`)
}

// AllActions returns every queued action, including synced ones not yet
// purged, in enqueue order. Diagnostics only.
func (s *Store) AllActions() ([]QueuedAction, error) {
	return s.queryActions(`
		SELECT id, action_type, payload_json, created_at, synced, attempts, last_attempt_at, last_error
		FROM queued_actions ORDER BY seq ASC`)
}

func (s *Store) queryActions(query string, args ...any) ([]QueuedAction, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []QueuedAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, a)
	}
	return results, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (QueuedAction, error) {
	var a QueuedAction
	var actionType, createdAt, lastAttemptAt string
	var synced int
	err := row.Scan(&a.ID, &actionType, &a.PayloadJSON, &createdAt, &synced, &a.Attempts, &lastAttemptAt, &a.LastError)
	if err != nil {
		return QueuedAction{}, err
	}
	a.Type = ActionType(actionType)
	a.Synced = synced != 0
	if a.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return QueuedAction{}, err
	}
	if a.LastAttemptAt, err = parseTime("last_attempt_at", lastAttemptAt); err != nil {
		return QueuedAction{}, err
	}
	return a, nil
}

// MarkActionSynced flips synced to true. The transition is one-way: there is
// no way to reset it through this API.
func (s *Store) MarkActionSynced(id string) error {
	res, err := s.db.Exec(`UPDATE queued_actions SET synced = 1 WHERE id = ?`, id)
	if err != nil {
		return writeErr("marking action synced", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordActionFailure increments attempts and records the error for an
// unsynced action. Synced actions are never touched.
func (s *Store) RecordActionFailure(id, errMsg string, at time.Time) error {
	res, err := s.db.Exec(`
		UPDATE queued_actions SET attempts = attempts + 1, last_error = ?, last_attempt_at = ?
		WHERE id = ? AND synced = 0`,
		errMsg, at.UTC().Format(timeFormat), id,
	)
	if err != nil {
		return writeErr("recording action failure", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeSynced deletes all synced actions and returns how many were removed.
func (s *Store) PurgeSynced() (int, error) {
	res, err := s.db.Exec(`DELETE FROM queued_actions WHERE synced = 1`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// PurgeExhausted deletes unsynced actions whose attempts reached maxAttempts.
// Operator-initiated; automatic processing never removes unsynced actions.
func (s *Store) PurgeExhausted(maxAttempts int) (int, error) {
	res, err := s.db.Exec(`DELETE FROM queued_actions WHERE synced = 0 AND attempts >= ?`, maxAttempts)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// UsedBytes reports the size of the database via page accounting, which
// works for both file-backed and in-memory databases.
func (s *Store) UsedBytes() (int64, error) {
	var pageCount, pageSize int64
	if err := s.db.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, err
	}
	if err := s.db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, err
	}
	return pageCount * pageSize, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
