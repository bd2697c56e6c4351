package rescache

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"
)

func openTestCache(t *testing.T, now func() time.Time) *Cache {
	t.Helper()
	c, err := Open(t.TempDir(), now)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return c
}

func TestPutGetRoundTrip(t *testing.T) {
	c := openTestCache(t, nil)

	const url = "https://cdn.example.com/vn-1.mp3"
	if _, err := c.Put(url, strings.NewReader("audio-bytes")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	rc, meta, err := c.Get(url)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading entry: %v", err)
	}
	if string(data) != "audio-bytes" {
		t.Errorf("body mismatch: %q", data)
	}
	if meta.URL != url || meta.Size != int64(len("audio-bytes")) {
		t.Errorf("meta mismatch: %+v", meta)
	}
}

func TestGetMiss(t *testing.T) {
	c := openTestCache(t, nil)
	if _, _, err := c.Get("https://never/cached"); !errors.Is(err, ErrMiss) {
		t.Errorf("expected ErrMiss, got %v", err)
	}
}

func TestInvalidateIdempotent(t *testing.T) {
	c := openTestCache(t, nil)

	const url = "https://cdn.example.com/vn-1.mp3"
	if _, err := c.Put(url, strings.NewReader("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := c.Invalidate(url); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if c.Has(url) {
		t.Error("entry still present after Invalidate")
	}
	if err := c.Invalidate(url); err != nil {
		t.Errorf("second Invalidate: %v", err)
	}
}

func TestClearStale(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	c := openTestCache(t, clock)

	if _, err := c.Put("https://x/old", strings.NewReader("old")); err != nil {
		t.Fatalf("Put old: %v", err)
	}
	now = now.Add(49 * time.Hour)
	if _, err := c.Put("https://x/fresh", strings.NewReader("fresh")); err != nil {
		t.Fatalf("Put fresh: %v", err)
	}

	removed, err := c.ClearStale(48 * time.Hour)
	if err != nil {
		t.Fatalf("ClearStale: %v", err)
	}
	if removed != 1 {
		t.Errorf("ClearStale removed %d, want 1", removed)
	}
	if c.Has("https://x/old") {
		t.Error("stale entry survived")
	}
	if !c.Has("https://x/fresh") {
		t.Error("fresh entry removed")
	}
}

// A half-written entry (content without sidecar, or the reverse after a
// crash mid-Put) must read as absent so re-mirroring repairs it.
func TestHalfWrittenEntryReadsAsAbsent(t *testing.T) {
	c := openTestCache(t, nil)
	const url = "https://cdn.example.com/vn-1.mp3"

	if err := os.WriteFile(c.entryPath(url), []byte("orphan-bytes"), 0o644); err != nil {
		t.Fatalf("writing orphan content: %v", err)
	}
	if c.Has(url) {
		t.Error("Has = true for entry missing its sidecar")
	}
	if _, _, err := c.Get(url); !errors.Is(err, ErrMiss) {
		t.Errorf("Get = %v, want ErrMiss", err)
	}

	if _, err := c.Put(url, strings.NewReader("repaired")); err != nil {
		t.Fatalf("Put over orphan: %v", err)
	}
	if !c.Has(url) {
		t.Error("entry absent after repair")
	}
	rc, _, err := c.Get(url)
	if err != nil {
		t.Fatalf("Get after repair: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "repaired" {
		t.Errorf("body = %q, want repaired", data)
	}
}

// A dangling sidecar without content bytes is swept once stale.
func TestClearStaleSweepsDanglingSidecar(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	c := openTestCache(t, clock)
	const url = "https://cdn.example.com/vn-2.mp3"

	meta, _ := json.Marshal(Meta{URL: url, CachedAt: now, Size: 3})
	if err := os.WriteFile(c.entryPath(url)+".meta", meta, 0o644); err != nil {
		t.Fatalf("writing dangling sidecar: %v", err)
	}
	if c.Has(url) {
		t.Error("Has = true for sidecar without content")
	}

	now = now.Add(49 * time.Hour)
	removed, err := c.ClearStale(48 * time.Hour)
	if err != nil {
		t.Fatalf("ClearStale: %v", err)
	}
	if removed != 1 {
		t.Errorf("ClearStale removed %d, want 1", removed)
	}
}

func TestMirror(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("mirrored"))
	}))
	defer srv.Close()

	c := openTestCache(t, nil)

	if err := c.Mirror(context.Background(), srv.Client(), srv.URL+"/vn-1.mp3"); err != nil {
		t.Fatalf("Mirror: %v", err)
	}
	if !c.Has(srv.URL + "/vn-1.mp3") {
		t.Error("mirrored entry not cached")
	}

	if err := c.Mirror(context.Background(), srv.Client(), srv.URL+"/missing"); err == nil {
		t.Error("expected error mirroring 404")
	}
}

func TestUsage(t *testing.T) {
	c := openTestCache(t, nil)
	if _, err := c.Put("https://x/a", strings.NewReader("aaaa")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	n, err := c.Usage()
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if n < 4 {
		t.Errorf("Usage = %d, want >= 4", n)
	}
}
