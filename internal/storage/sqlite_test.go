package storage

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the migration is not re-applied.
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestRecordRoundTrip(t *testing.T) {
	s := openTestStore(t)

	rec := CachedRecord{
		ID:          "h-1",
		PayloadJSON: `{"shift":"night","line":"A3"}`,
		CachedAt:    time.Date(2026, 3, 4, 5, 6, 7, 891234000, time.UTC),
	}
	atts := []CachedAttachment{
		{ID: "vn-1", ResourceURL: "https://cdn.example.com/vn-1.mp3", CachedAt: rec.CachedAt},
		{ID: "vn-2", ResourceURL: "https://cdn.example.com/vn-2.mp3", CachedAt: rec.CachedAt},
	}
	if err := s.PutRecord(rec, atts); err != nil {
		t.Fatalf("PutRecord: %v", err)
	}

	got, err := s.GetRecord("h-1")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	want := rec
	want.AttachmentIDs = []string{"vn-1", "vn-2"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip mismatch:\n got  %+v\n want %+v", got, want)
	}
}

func TestGetRecordNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetRecord("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestPutRecordReplaces verifies a second write with the same id fully
// replaces payload, cached_at, and attachment rows.
func TestPutRecordReplaces(t *testing.T) {
	s := openTestStore(t)

	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := s.PutRecord(CachedRecord{ID: "h-1", PayloadJSON: `{"v":1}`, CachedAt: t1},
		[]CachedAttachment{{ID: "vn-old", ResourceURL: "https://x/old", CachedAt: t1}}); err != nil {
		t.Fatalf("first PutRecord: %v", err)
	}

	t2 := t1.Add(time.Hour)
	if err := s.PutRecord(CachedRecord{ID: "h-1", PayloadJSON: `{"v":2}`, CachedAt: t2},
		[]CachedAttachment{{ID: "vn-new", ResourceURL: "https://x/new", CachedAt: t2}}); err != nil {
		t.Fatalf("second PutRecord: %v", err)
	}

	got, err := s.GetRecord("h-1")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if got.PayloadJSON != `{"v":2}` {
		t.Errorf("payload not replaced: %s", got.PayloadJSON)
	}
	if !got.CachedAt.Equal(t2) {
		t.Errorf("cached_at not replaced: %v", got.CachedAt)
	}
	if len(got.AttachmentIDs) != 1 || got.AttachmentIDs[0] != "vn-new" {
		t.Errorf("attachments not replaced: %v", got.AttachmentIDs)
	}

	atts, err := s.AttachmentsByParent("h-1")
	if err != nil {
		t.Fatalf("AttachmentsByParent: %v", err)
	}
	if len(atts) != 1 || atts[0].ID != "vn-new" {
		t.Errorf("old attachment rows survived refresh: %+v", atts)
	}
}

func TestListRecordsNewestFirst(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		rec := CachedRecord{ID: id, PayloadJSON: "{}", CachedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := s.PutRecord(rec, nil); err != nil {
			t.Fatalf("PutRecord %s: %v", id, err)
		}
	}

	got, err := s.ListRecords()
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	wantOrder := []string{"c", "b", "a"}
	for i, w := range wantOrder {
		if got[i].ID != w {
			t.Fatalf("order mismatch at %d: got %s want %s", i, got[i].ID, w)
		}
	}
}

// TestOldestRecordsInsertionTieBreak verifies that records sharing a
// cached_at evict in first-insert order.
func TestOldestRecordsInsertionTieBreak(t *testing.T) {
	s := openTestStore(t)

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, id := range []string{"a", "b", "c"} {
		if err := s.PutRecord(CachedRecord{ID: id, PayloadJSON: "{}", CachedAt: at}, nil); err != nil {
			t.Fatalf("PutRecord %s: %v", id, err)
		}
	}

	got, err := s.OldestRecords(2)
	if err != nil {
		t.Fatalf("OldestRecords: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("expected [a b], got %+v", got)
	}
}

func TestDeleteRecordCascades(t *testing.T) {
	s := openTestStore(t)

	at := time.Now().UTC()
	err := s.PutRecord(CachedRecord{ID: "h-1", PayloadJSON: "{}", CachedAt: at},
		[]CachedAttachment{{ID: "vn-1", ResourceURL: "https://x/vn-1", CachedAt: at}})
	if err != nil {
		t.Fatalf("PutRecord: %v", err)
	}

	if err := s.DeleteRecord("h-1"); err != nil {
		t.Fatalf("DeleteRecord: %v", err)
	}

	if _, err := s.GetRecord("h-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("record still present: %v", err)
	}
	atts, err := s.AttachmentsByParent("h-1")
	if err != nil {
		t.Fatalf("AttachmentsByParent: %v", err)
	}
	if len(atts) != 0 {
		t.Errorf("orphan attachments after cascade: %+v", atts)
	}

	// Idempotent: deleting again is a no-op success.
	if err := s.DeleteRecord("h-1"); err != nil {
		t.Errorf("second DeleteRecord: %v", err)
	}
}

func TestActionLifecycle(t *testing.T) {
	s := openTestStore(t)

	a := QueuedAction{
		ID:          "act-1",
		Type:        ActionAcknowledgeRecord,
		PayloadJSON: `{"record_id":"h-1"}`,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.PutAction(a); err != nil {
		t.Fatalf("PutAction: %v", err)
	}

	pending, err := s.PendingActions()
	if err != nil {
		t.Fatalf("PendingActions: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "act-1" {
		t.Fatalf("expected one pending action, got %+v", pending)
	}

	at := time.Now().UTC()
	if err := s.RecordActionFailure("act-1", "network unreachable", at); err != nil {
		t.Fatalf("RecordActionFailure: %v", err)
	}
	got, err := s.GetAction("act-1")
	if err != nil {
		t.Fatalf("GetAction: %v", err)
	}
	if got.Attempts != 1 || got.LastError != "network unreachable" {
		t.Errorf("failure not recorded: %+v", got)
	}
	if got.LastAttemptAt.IsZero() {
		t.Error("last_attempt_at not set")
	}

	if err := s.MarkActionSynced("act-1"); err != nil {
		t.Fatalf("MarkActionSynced: %v", err)
	}
	pending, err = s.PendingActions()
	if err != nil {
		t.Fatalf("PendingActions: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("synced action still pending: %+v", pending)
	}

	// Synced actions are immune to further failure recording.
	if err := s.RecordActionFailure("act-1", "boom", at); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound recording failure on synced action, got %v", err)
	}

	n, err := s.PurgeSynced()
	if err != nil {
		t.Fatalf("PurgeSynced: %v", err)
	}
	if n != 1 {
		t.Errorf("PurgeSynced removed %d, want 1", n)
	}
	if _, err := s.GetAction("act-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("action survived purge: %v", err)
	}
}

func TestPendingActionsEnqueueOrder(t *testing.T) {
	s := openTestStore(t)

	// Same created_at on purpose: order must come from enqueue sequence.
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, id := range []string{"first", "second", "third"} {
		a := QueuedAction{ID: id, Type: ActionAcknowledgeRecord, PayloadJSON: "{}", CreatedAt: at}
		if err := s.PutAction(a); err != nil {
			t.Fatalf("PutAction %s: %v", id, err)
		}
	}

	pending, err := s.PendingActions()
	if err != nil {
		t.Fatalf("PendingActions: %v", err)
	}
	want := []string{"first", "second", "third"}
	for i, w := range want {
		if pending[i].ID != w {
			t.Fatalf("order mismatch at %d: got %s want %s", i, pending[i].ID, w)
		}
	}
}

func TestPurgeExhausted(t *testing.T) {
	s := openTestStore(t)

	at := time.Now().UTC()
	for _, id := range []string{"fresh", "exhausted"} {
		if err := s.PutAction(QueuedAction{ID: id, Type: ActionAcknowledgeRecord, PayloadJSON: "{}", CreatedAt: at}); err != nil {
			t.Fatalf("PutAction %s: %v", id, err)
		}
	}
	for i := 0; i < 3; i++ {
		if err := s.RecordActionFailure("exhausted", "boom", at); err != nil {
			t.Fatalf("RecordActionFailure: %v", err)
		}
	}

	n, err := s.PurgeExhausted(3)
	if err != nil {
		t.Fatalf("PurgeExhausted: %v", err)
	}
	if n != 1 {
		t.Errorf("PurgeExhausted removed %d, want 1", n)
	}
	if _, err := s.GetAction("fresh"); err != nil {
		t.Errorf("fresh action removed by PurgeExhausted: %v", err)
	}
}

func TestUsedBytes(t *testing.T) {
	s := openTestStore(t)
	n, err := s.UsedBytes()
	if err != nil {
		t.Fatalf("UsedBytes: %v", err)
	}
	if n <= 0 {
		t.Errorf("UsedBytes = %d, want > 0", n)
	}
}
