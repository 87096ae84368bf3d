package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/mmcdole/kinotv/internal/domain"
	"github.com/mmcdole/kinotv/internal/metrics"
	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/singleflight"
)

// Cover store defaults
const (
	DefaultCoverParallel = 6
	DefaultCoverTTLDays  = 7
	DefaultCoverTimeout  = 20 * time.Second

	maxCoverBytes = 10 << 20

	// maxCoverRetries bounds how often a waiter re-joins after the caller
	// that started a shared cover fetch was cancelled.
	maxCoverRetries = 3
)

// coverMeta is the sidecar used for conditional re-fetches.
type coverMeta struct {
	URL          string `json:"url"`
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

// CoverStore caches artwork on disk under <cacheDir>/images, one file per
// source URL. Fetches run on a bounded worker pool and concurrent requests
// for the same URL share one fetch.
type CoverStore struct {
	dir       string
	client    *http.Client
	pool      *ants.Pool
	userAgent string
	now       func() time.Time
	metrics   *metrics.Metrics
	logger    *slog.Logger

	group singleflight.Group
}

// CoverOption configures a CoverStore.
type CoverOption func(*CoverStore)

// WithCoverHTTPClient replaces the HTTP client.
func WithCoverHTTPClient(client *http.Client) CoverOption {
	return func(s *CoverStore) { s.client = client }
}

// WithCoverClock replaces time.Now, for tests.
func WithCoverClock(now func() time.Time) CoverOption {
	return func(s *CoverStore) { s.now = now }
}

// WithCoverMetrics attaches Prometheus collectors.
func WithCoverMetrics(m *metrics.Metrics) CoverOption {
	return func(s *CoverStore) { s.metrics = m }
}

// WithCoverUserAgent sets the User-Agent header for cover requests.
func WithCoverUserAgent(ua string) CoverOption {
	return func(s *CoverStore) { s.userAgent = ua }
}

// NewCoverStore creates the images directory and a pool of parallel workers
// (DefaultCoverParallel when parallel <= 0).
func NewCoverStore(cacheDir string, parallel int, logger *slog.Logger, opts ...CoverOption) (*CoverStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if parallel <= 0 {
		parallel = DefaultCoverParallel
	}

	dir := filepath.Join(cacheDir, "images")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create images dir: %w: %w", domain.ErrStorage, err)
	}

	pool, err := ants.NewPool(parallel)
	if err != nil {
		return nil, fmt.Errorf("create cover pool: %w", err)
	}

	s := &CoverStore{
		dir:       dir,
		client:    &http.Client{Timeout: DefaultCoverTimeout},
		pool:      pool,
		userAgent: "kinotv/1.0",
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close stops the worker pool. Queued fetches are abandoned.
func (s *CoverStore) Close() {
	s.pool.Release()
}

// Path returns where the cover for rawURL is (or will be) stored.
func (s *CoverStore) Path(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:])+coverExtension(rawURL))
}

// GetOrFetchCover returns the local path of the cover for rawURL, fetching it
// when missing, corrupt or older than ttlDays. ok is false when no cover is
// available; callers render a placeholder. Failures are not remembered.
func (s *CoverStore) GetOrFetchCover(ctx context.Context, rawURL string, ttlDays int) (string, bool) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", false
	}
	if ttlDays <= 0 {
		ttlDays = DefaultCoverTTLDays
	}
	ttl := time.Duration(ttlDays) * 24 * time.Hour
	target := s.Path(rawURL)

	if s.fresh(target, ttl) {
		s.metrics.CoverResult("hit")
		return target, true
	}

	for attempt := 0; ; attempt++ {
		ch := s.group.DoChan(rawURL, func() (any, error) {
			return s.fetchOnPool(ctx, rawURL, target)
		})

		var res singleflight.Result
		select {
		case <-ctx.Done():
			return "", false
		case res = <-ch:
		}

		if res.Err != nil {
			if errors.Is(res.Err, context.Canceled) && ctx.Err() == nil && attempt < maxCoverRetries {
				continue
			}
			s.metrics.CoverResult("failed")
			s.logger.Debug("cover fetch failed", "url", rawURL, "error", res.Err)
			return "", false
		}
		return target, true
	}
}

// fetchOnPool runs the download on a pool worker. Submit blocks while every
// worker is busy, which bounds simultaneous outbound connections.
func (s *CoverStore) fetchOnPool(ctx context.Context, rawURL, target string) (any, error) {
	done := make(chan error, 1)
	if err := s.pool.Submit(func() {
		done <- s.download(ctx, rawURL, target)
	}); err != nil {
		return nil, fmt.Errorf("submit cover fetch: %w", err)
	}
	select {
	case err := <-done:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// download fetches rawURL into target, using the sidecar validators for a
// conditional request when a previous copy exists.
func (s *CoverStore) download(ctx context.Context, rawURL, target string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build cover request: %w: %w", domain.ErrParse, err)
	}
	req.Header.Set("User-Agent", s.userAgent)

	prev, hasPrev := s.readMeta(target)
	if hasPrev && validImage(target) {
		if prev.ETag != "" {
			req.Header.Set("If-None-Match", prev.ETag)
		}
		if prev.LastModified != "" {
			req.Header.Set("If-Modified-Since", prev.LastModified)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("fetch cover: %w: %w", domain.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified && hasPrev {
		now := s.now()
		if err := os.Chtimes(target, now, now); err != nil {
			return fmt.Errorf("touch cover: %w: %w", domain.ErrStorage, err)
		}
		s.metrics.CoverResult("not_modified")
		return nil
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("cover %s: %w", rawURL, domain.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cover status %d: %w", resp.StatusCode, domain.ErrNetwork)
	}

	partial := target + ".partial"
	n, err := writeFile(partial, io.LimitReader(resp.Body, maxCoverBytes+1))
	if err != nil {
		os.Remove(partial)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	if n > maxCoverBytes {
		os.Remove(partial)
		return fmt.Errorf("cover %s exceeds %d bytes: %w", rawURL, maxCoverBytes, domain.ErrParse)
	}
	if !validImage(partial) {
		os.Remove(partial)
		return fmt.Errorf("cover %s is not an image: %w", rawURL, domain.ErrParse)
	}
	if err := os.Rename(partial, target); err != nil {
		os.Remove(partial)
		return fmt.Errorf("rename cover: %w: %w", domain.ErrStorage, err)
	}
	now := s.now()
	os.Chtimes(target, now, now)

	s.writeMeta(target, coverMeta{
		URL:          rawURL,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	})
	s.metrics.CoverResult("fetched")
	return nil
}

// fresh reports whether target exists, is a readable image, and is younger than ttl.
func (s *CoverStore) fresh(target string, ttl time.Duration) bool {
	info, err := os.Stat(target)
	if err != nil || info.Size() == 0 {
		return false
	}
	if s.now().Sub(info.ModTime()) > ttl {
		return false
	}
	return validImage(target)
}

func (s *CoverStore) readMeta(target string) (coverMeta, bool) {
	data, err := os.ReadFile(target + ".meta")
	if err != nil {
		return coverMeta{}, false
	}
	var m coverMeta
	if json.Unmarshal(data, &m) != nil {
		return coverMeta{}, false
	}
	return m, true
}

func (s *CoverStore) writeMeta(target string, m coverMeta) {
	if m.ETag == "" && m.LastModified == "" {
		os.Remove(target + ".meta")
		return
	}
	data, _ := json.Marshal(m)
	if err := os.WriteFile(target+".meta", data, 0644); err != nil {
		s.logger.Debug("failed to write cover sidecar", "path", target, "error", err)
	}
}

// Prune removes cover files (and sidecars) not refreshed within maxAge.
func (s *CoverStore) Prune(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read images dir: %w: %w", domain.ErrStorage, err)
	}

	cutoff := s.now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".meta") {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		p := filepath.Join(s.dir, e.Name())
		if os.Remove(p) == nil {
			removed++
		}
		os.Remove(p + ".meta")
	}
	s.logger.Info("pruned cover cache", "removed", removed)
	return removed, nil
}

// Size returns the total bytes used by the images directory.
func (s *CoverStore) Size() (int64, error) {
	var total int64
	err := filepath.WalkDir(s.dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("size images dir: %w: %w", domain.ErrStorage, err)
	}
	return total, nil
}

// coverExtension keeps a recognizable image extension from the URL path.
func coverExtension(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	switch ext := strings.ToLower(path.Ext(p)); ext {
	case ".png", ".jpg", ".webp", ".gif":
		return ext
	case ".jpeg":
		return ".jpg"
	}
	return ".img"
}

// validImage sniffs the first bytes of the file.
func validImage(p string) bool {
	f, err := os.Open(p)
	if err != nil {
		return false
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, _ := io.ReadFull(f, buf)
	if n == 0 {
		return false
	}
	return strings.HasPrefix(http.DetectContentType(buf[:n]), "image/")
}

func writeFile(p string, r io.Reader) (int64, error) {
	f, err := os.Create(p)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w: %w", p, domain.ErrStorage, err)
	}
	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		return n, fmt.Errorf("write %s: %w: %w", p, domain.ErrNetwork, err)
	}
	if err := f.Close(); err != nil {
		return n, fmt.Errorf("close %s: %w: %w", p, domain.ErrStorage, err)
	}
	return n, nil
}
