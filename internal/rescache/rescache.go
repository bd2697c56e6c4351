// Package rescache is an on-disk byte cache for attachment bodies (voice
// notes and other binary resources), keyed by source URL. Entries are
// content files named by the URL hash with a JSON metadata sidecar, so the
// cache survives restarts without any database dependency.
package rescache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrMiss is returned when a URL has no cached bytes.
var ErrMiss = errors.New("resource not cached")

const maxResourceSize = 50 << 20 // 50MB per mirrored resource

// Meta describes one cached resource.
type Meta struct {
	URL      string    `json:"url"`
	CachedAt time.Time `json:"cached_at"`
	Size     int64     `json:"size"`
}

// Cache stores resource bytes under a single directory.
type Cache struct {
	dir string
	now func() time.Time
}

// Open prepares the cache directory. The now function may be nil, in which
// case time.Now is used; tests inject a fake clock.
func Open(dir string, now func() time.Time) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating resource cache directory: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{dir: dir, now: now}, nil
}

func (c *Cache) entryPath(url string) string {
	sum := sha256.Sum256([]byte(url))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:]))
}

// Put stores the resource bytes for url, replacing any previous entry. The
// write goes through a temp file and rename so readers never observe a
// partial entry.
func (c *Cache) Put(url string, body io.Reader) (int64, error) {
	path := c.entryPath(url)

	tmp, err := os.CreateTemp(c.dir, "put-*")
	if err != nil {
		return 0, fmt.Errorf("creating temp entry: %w", err)
	}
	size, err := io.Copy(tmp, io.LimitReader(body, maxResourceSize))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("writing entry: %w", err)
	}
	// The sidecar goes first: a crash after it leaves an entry that Has
	// reports absent (no content yet) and ClearStale can still sweep. The
	// reverse order would leave bytes no sweep ever finds.
	meta := Meta{URL: url, CachedAt: c.now().UTC(), Size: size}
	data, err := json.Marshal(meta)
	if err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("encoding meta: %w", err)
	}
	if err := os.WriteFile(path+".meta", data, 0o644); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("writing meta: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("publishing entry: %w", err)
	}
	return size, nil
}

// Get opens the cached bytes for url. Returns ErrMiss when absent. The
// caller must close the reader.
func (c *Cache) Get(url string) (io.ReadCloser, Meta, error) {
	path := c.entryPath(url)
	meta, err := c.readMeta(path)
	if err != nil {
		return nil, Meta{}, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, Meta{}, ErrMiss
	}
	if err != nil {
		return nil, Meta{}, err
	}
	return f, meta, nil
}

// Has reports whether url is fully cached: both the content file and its
// sidecar must exist, so a half-written entry never blocks re-mirroring.
func (c *Cache) Has(url string) bool {
	path := c.entryPath(url)
	if _, err := os.Stat(path); err != nil {
		return false
	}
	_, err := os.Stat(path + ".meta")
	return err == nil
}

func (c *Cache) readMeta(path string) (Meta, error) {
	data, err := os.ReadFile(path + ".meta")
	if errors.Is(err, os.ErrNotExist) {
		return Meta{}, ErrMiss
	}
	if err != nil {
		return Meta{}, err
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("decoding meta: %w", err)
	}
	return meta, nil
}

// Invalidate removes the entry for url. Removing an absent entry is a
// no-op success.
func (c *Cache) Invalidate(url string) error {
	path := c.entryPath(url)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.Remove(path + ".meta"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ClearStale removes entries older than ttl and returns how many were
// removed.
func (c *Cache) ClearStale(ttl time.Duration) (int, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, err
	}

	now := c.now()
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".meta") {
			continue
		}
		path := filepath.Join(c.dir, strings.TrimSuffix(entry.Name(), ".meta"))
		meta, err := c.readMeta(path)
		if err != nil {
			// Unreadable sidecar: drop the pair rather than keep
			// undated bytes forever.
			os.Remove(path)
			os.Remove(path + ".meta")
			removed++
			continue
		}
		if now.Sub(meta.CachedAt) > ttl {
			os.Remove(path)
			os.Remove(path + ".meta")
			removed++
		}
	}
	return removed, nil
}

// Usage returns the total bytes held by the cache directory.
func (c *Cache) Usage() (int64, error) {
	var total int64
	err := filepath.WalkDir(c.dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

// Mirror fetches url and stores the body. Non-2xx responses are errors; the
// caller decides whether a failed mirror matters.
func (c *Cache) Mirror(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("fetching %s: status %d", url, resp.StatusCode)
	}
	if _, err := c.Put(url, resp.Body); err != nil {
		return fmt.Errorf("caching %s: %w", url, err)
	}
	return nil
}
