package service

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 64)...)

func newTestCoverStore(t *testing.T, parallel int, opts ...CoverOption) *CoverStore {
	t.Helper()
	s, err := NewCoverStore(t.TempDir(), parallel, testLogger(), opts...)
	if err != nil {
		t.Fatalf("NewCoverStore: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestCoverFetchParallelismIsBounded(t *testing.T) {
	var active, peak, hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		hits.Add(1)
		time.Sleep(40 * time.Millisecond)
		active.Add(-1)
		w.Write(pngBytes)
	}))
	defer srv.Close()

	s := newTestCoverStore(t, 6)

	var wg sync.WaitGroup
	var okCount atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, ok := s.GetOrFetchCover(context.Background(), fmt.Sprintf("%s/cover/%d.png", srv.URL, i), 7); ok {
				okCount.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if okCount.Load() != 20 {
		t.Errorf("successful covers = %d, want 20", okCount.Load())
	}
	if hits.Load() != 20 {
		t.Errorf("server hits = %d, want 20", hits.Load())
	}
	if peak.Load() > 6 {
		t.Errorf("peak concurrent fetches = %d, want <= 6", peak.Load())
	}
}

func TestCoverSameURLIsDeduplicated(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(50 * time.Millisecond)
		w.Write(pngBytes)
	}))
	defer srv.Close()

	s := newTestCoverStore(t, 6)
	url := srv.URL + "/poster.jpg"

	var wg sync.WaitGroup
	paths := make([]string, 10)
	for i := range paths {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i], _ = s.GetOrFetchCover(context.Background(), url, 7)
		}(i)
	}
	wg.Wait()

	if hits.Load() != 1 {
		t.Errorf("server hits = %d, want 1", hits.Load())
	}
	for i, p := range paths {
		if p != s.Path(url) {
			t.Errorf("path[%d] = %q, want %q", i, p, s.Path(url))
		}
	}
	if !strings.HasSuffix(s.Path(url), ".jpg") || !strings.Contains(s.Path(url), "images") {
		t.Errorf("Path = %q, want images/<hash>.jpg", s.Path(url))
	}
}

func TestCoverFailureIsNotCached(t *testing.T) {
	var broken atomic.Bool
	broken.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if broken.Load() {
			http.Error(w, "nope", http.StatusInternalServerError)
			return
		}
		w.Write(pngBytes)
	}))
	defer srv.Close()

	s := newTestCoverStore(t, 2)
	url := srv.URL + "/c.png"

	if p, ok := s.GetOrFetchCover(context.Background(), url, 7); ok || p != "" {
		t.Fatalf("failing fetch = %q, %v; want no cover", p, ok)
	}

	broken.Store(false)
	if _, ok := s.GetOrFetchCover(context.Background(), url, 7); !ok {
		t.Error("retry after failure returned no cover")
	}
}

func TestCoverRejectsNonImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>login required</html>"))
	}))
	defer srv.Close()

	s := newTestCoverStore(t, 2)
	if _, ok := s.GetOrFetchCover(context.Background(), srv.URL+"/c.png", 7); ok {
		t.Error("HTML body accepted as cover")
	}
	if _, err := os.Stat(s.Path(srv.URL + "/c.png")); !os.IsNotExist(err) {
		t.Errorf("invalid cover left on disk: %v", err)
	}
}

func TestCoverRejectsOversized(t *testing.T) {
	body := make([]byte, maxCoverBytes+1)
	copy(body, pngBytes)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	s := newTestCoverStore(t, 2)
	u := srv.URL + "/huge.png"
	if _, ok := s.GetOrFetchCover(context.Background(), u, 7); ok {
		t.Error("oversized cover accepted")
	}
	if _, err := os.Stat(s.Path(u)); !os.IsNotExist(err) {
		t.Errorf("oversized cover left on disk: %v", err)
	}
	if _, err := os.Stat(s.Path(u) + ".partial"); !os.IsNotExist(err) {
		t.Errorf("partial file left on disk: %v", err)
	}
}

func TestCoverAtSizeLimitAccepted(t *testing.T) {
	body := make([]byte, maxCoverBytes)
	copy(body, pngBytes)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	s := newTestCoverStore(t, 2)
	if _, ok := s.GetOrFetchCover(context.Background(), srv.URL+"/big.png", 7); !ok {
		t.Error("cover at the size limit rejected")
	}
}

func TestCoverTTLAndConditionalRefetch(t *testing.T) {
	var hits, notModified atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			notModified.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write(pngBytes)
	}))
	defer srv.Close()

	clock := &fakeClock{now: time.Now()}
	s := newTestCoverStore(t, 2, WithCoverClock(clock.Now))
	url := srv.URL + "/c.png"
	ctx := context.Background()

	s.GetOrFetchCover(ctx, url, 7)
	clock.Advance(6 * 24 * time.Hour)
	s.GetOrFetchCover(ctx, url, 7)
	if hits.Load() != 1 {
		t.Fatalf("hits within TTL = %d, want 1", hits.Load())
	}

	clock.Advance(2 * 24 * time.Hour)
	if _, ok := s.GetOrFetchCover(ctx, url, 7); !ok {
		t.Fatal("expired cover refetch returned no cover")
	}
	if hits.Load() != 2 || notModified.Load() != 1 {
		t.Errorf("hits = %d, notModified = %d; want 2 and 1", hits.Load(), notModified.Load())
	}

	// The 304 refreshed the file time, so the next call is served locally.
	s.GetOrFetchCover(ctx, url, 7)
	if hits.Load() != 2 {
		t.Errorf("hits after conditional refresh = %d, want 2", hits.Load())
	}
}

func TestCoverCorruptFileIsRefetched(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(pngBytes)
	}))
	defer srv.Close()

	s := newTestCoverStore(t, 2)
	url := srv.URL + "/c.png"
	s.GetOrFetchCover(context.Background(), url, 7)

	if err := os.WriteFile(s.Path(url), []byte("garbage"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.GetOrFetchCover(context.Background(), url, 7); !ok {
		t.Fatal("refetch of corrupt cover failed")
	}
	if hits.Load() != 2 {
		t.Errorf("hits = %d, want 2", hits.Load())
	}
}

func TestCoverEmptyURL(t *testing.T) {
	s := newTestCoverStore(t, 1)
	if p, ok := s.GetOrFetchCover(context.Background(), "  ", 7); ok || p != "" {
		t.Errorf("empty url = %q, %v; want no cover", p, ok)
	}
}

func TestCoverPruneAndSize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(pngBytes)
	}))
	defer srv.Close()

	clock := &fakeClock{now: time.Now()}
	s := newTestCoverStore(t, 2, WithCoverClock(clock.Now))
	s.GetOrFetchCover(context.Background(), srv.URL+"/a.png", 7)
	s.GetOrFetchCover(context.Background(), srv.URL+"/b.png", 7)

	size, err := s.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != int64(2*len(pngBytes)) {
		t.Errorf("Size = %d, want %d", size, 2*len(pngBytes))
	}

	clock.Advance(31 * 24 * time.Hour)
	removed, err := s.Prune(30 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 2 {
		t.Errorf("Prune removed %d, want 2", removed)
	}
}

func TestCoverExtension(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"http://x/a.PNG", ".png"},
		{"http://x/a.jpeg?size=big", ".jpg"},
		{"http://x/a.webp", ".webp"},
		{"http://x/image", ".img"},
	}
	for _, tt := range tests {
		if got := coverExtension(tt.url); got != tt.want {
			t.Errorf("coverExtension(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}
