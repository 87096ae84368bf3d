package service

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmcdole/kinotv/internal/domain"
	"github.com/mmcdole/kinotv/internal/store"
)

var movieContent = bytes.Repeat([]byte("kinotv"), 20000)

type prefixURLs struct{ base string }

func (p prefixURLs) StreamURL(item domain.PlayableItem) string {
	return p.base + "/" + string(item.Kind) + "/" + item.ID + "." + item.Extension()
}

func newTestDownloads(t *testing.T, base string, cfg DownloadConfig) (*DownloadManager, *store.DownloadStore) {
	t.Helper()
	st, err := store.OpenDownloads("")
	if err != nil {
		t.Fatalf("OpenDownloads: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 10 * time.Millisecond
	}
	m, err := NewDownloadManager(cfg, st, prefixURLs{base: base}, testLogger())
	if err != nil {
		t.Fatalf("NewDownloadManager: %v", err)
	}
	t.Cleanup(m.Close)
	return m, st
}

func waitForTask(t *testing.T, m *DownloadManager, id string, cond func(domain.DownloadTask) bool) domain.DownloadTask {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := m.Task(id)
		if err == nil && cond(task) {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	task, err := m.Task(id)
	t.Fatalf("task %s never reached expected condition: %+v (err %v)", id, task, err)
	return task
}

func inState(state domain.DownloadState) func(domain.DownloadTask) bool {
	return func(t domain.DownloadTask) bool { return t.State == state }
}

func serveMovie(w http.ResponseWriter, r *http.Request) {
	http.ServeContent(w, r, "movie.mp4", time.Time{}, bytes.NewReader(movieContent))
}

var movie = domain.PlayableItem{Kind: domain.PlayMovie, ID: "42", Name: "Das Boot: Director's Cut", ContainerExtension: "mkv"}

func TestDownloadCompletesAndResolvesLocal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(serveMovie))
	defer srv.Close()
	m, _ := newTestDownloads(t, srv.URL, DownloadConfig{})

	updates, unsubscribe := m.Subscribe()
	defer unsubscribe()

	id, err := m.Start(movie)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	task := waitForTask(t, m, id, inState(domain.DownloadCompleted))

	if filepath.Base(task.Path) != "Das Boot_ Director's Cut.mkv" {
		t.Errorf("path = %s", task.Path)
	}
	data, err := os.ReadFile(task.Path)
	if err != nil || !bytes.Equal(data, movieContent) {
		t.Fatalf("downloaded file mismatch (err %v, %d bytes)", err, len(data))
	}
	if task.Progress != 1 {
		t.Errorf("progress = %v, want 1", task.Progress)
	}

	src, err := m.ResolvePlaybackSource(movie)
	if err != nil {
		t.Fatalf("ResolvePlaybackSource: %v", err)
	}
	if src.Kind != domain.SourceLocal || src.Path != task.Path {
		t.Errorf("source = %+v, want local %s", src, task.Path)
	}

	var sawCompleted bool
	last := -1.0
	timeout := time.After(5 * time.Second)
	for !sawCompleted {
		select {
		case u := <-updates:
			if u.Task.ID != id {
				continue
			}
			if u.Task.Progress < last {
				t.Errorf("progress went backwards: %v -> %v", last, u.Task.Progress)
			}
			last = u.Task.Progress
			sawCompleted = u.Task.State == domain.DownloadCompleted
		case <-timeout:
			t.Fatal("completed update never delivered")
		}
	}
}

func TestDownloadStartIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(serveMovie))
	defer srv.Close()
	m, _ := newTestDownloads(t, srv.URL, DownloadConfig{})

	id1, _ := m.Start(movie)
	id2, _ := m.Start(movie)
	if id1 != id2 {
		t.Fatalf("active start returned %s and %s", id1, id2)
	}
	waitForTask(t, m, id1, inState(domain.DownloadCompleted))

	id3, _ := m.Start(movie)
	if id3 != id1 {
		t.Errorf("completed start returned new id %s", id3)
	}
	if got := len(m.Tasks()); got != 1 {
		t.Errorf("tasks = %d, want 1", got)
	}
}

func TestDownloadResumesFromPartialFile(t *testing.T) {
	var sawRange atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawRange.Store(r.Header.Get("Range"))
		serveMovie(w, r)
	}))
	defer srv.Close()

	dir := t.TempDir()
	target := filepath.Join(dir, SanitizeFilename(movie.Name)+".mkv")
	if err := os.WriteFile(target+".part", movieContent[:50000], 0644); err != nil {
		t.Fatal(err)
	}
	m, _ := newTestDownloads(t, srv.URL, DownloadConfig{Dir: dir})

	id, _ := m.Start(movie)
	waitForTask(t, m, id, inState(domain.DownloadCompleted))

	if got, _ := sawRange.Load().(string); got != "bytes=50000-" {
		t.Errorf("Range = %q, want bytes=50000-", got)
	}
	data, _ := os.ReadFile(target)
	if !bytes.Equal(data, movieContent) {
		t.Fatalf("resumed file mismatch: %d bytes", len(data))
	}
}

func TestDownloadRangeNotSatisfiableIsComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(serveMovie))
	defer srv.Close()

	dir := t.TempDir()
	target := filepath.Join(dir, SanitizeFilename(movie.Name)+".mkv")
	os.WriteFile(target+".part", movieContent, 0644)
	m, _ := newTestDownloads(t, srv.URL, DownloadConfig{Dir: dir})

	id, _ := m.Start(movie)
	waitForTask(t, m, id, inState(domain.DownloadCompleted))

	data, _ := os.ReadFile(target)
	if !bytes.Equal(data, movieContent) {
		t.Fatalf("file mismatch: %d bytes", len(data))
	}
}

func TestDownloadRetriesEarlyEOF(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Content-Length", "120000")
			w.WriteHeader(http.StatusOK)
			w.Write(movieContent[:30000])
			return
		}
		serveMovie(w, r)
	}))
	defer srv.Close()
	m, _ := newTestDownloads(t, srv.URL, DownloadConfig{})

	id, _ := m.Start(movie)
	task := waitForTask(t, m, id, inState(domain.DownloadCompleted))

	if calls.Load() != 2 {
		t.Errorf("requests = %d, want 2", calls.Load())
	}
	data, _ := os.ReadFile(task.Path)
	if !bytes.Equal(data, movieContent) {
		t.Fatalf("file mismatch after retry: %d bytes", len(data))
	}
}

func TestDownloadPauseAndResume(t *testing.T) {
	var resumed atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !resumed.Load() {
			w.Header().Set("Content-Length", "120000")
			w.WriteHeader(http.StatusOK)
			w.Write(movieContent[:1000])
			w.(http.Flusher).Flush()
			<-r.Context().Done()
			return
		}
		serveMovie(w, r)
	}))
	defer srv.Close()
	m, _ := newTestDownloads(t, srv.URL, DownloadConfig{})

	id, _ := m.Start(movie)
	running := waitForTask(t, m, id, func(task domain.DownloadTask) bool { return task.Received >= 1000 })

	if err := m.Pause(id); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	paused, _ := m.Task(id)
	if paused.State != domain.DownloadPaused {
		t.Fatalf("state = %s, want paused", paused.State)
	}
	if paused.Progress < running.Progress {
		t.Errorf("pause reset progress: %v -> %v", running.Progress, paused.Progress)
	}
	if info, err := os.Stat(partPath(paused.Path)); err != nil || info.Size() != 1000 {
		t.Fatalf("partial file after pause: %v", err)
	}

	resumed.Store(true)
	if err := m.Resume(id); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	done := waitForTask(t, m, id, inState(domain.DownloadCompleted))
	data, _ := os.ReadFile(done.Path)
	if !bytes.Equal(data, movieContent) {
		t.Fatalf("file mismatch after resume: %d bytes", len(data))
	}
}

func TestDownloadCancelRemovesPartialData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "120000")
		w.WriteHeader(http.StatusOK)
		w.Write(movieContent[:1000])
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()
	m, _ := newTestDownloads(t, srv.URL, DownloadConfig{})

	id, _ := m.Start(movie)
	task := waitForTask(t, m, id, func(task domain.DownloadTask) bool { return task.Received >= 1000 })

	if err := m.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := os.Stat(partPath(task.Path)); !os.IsNotExist(err) {
		t.Errorf("partial file still present: %v", err)
	}
	if _, err := m.Task(id); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Errorf("Task after cancel: err = %v, want ErrTaskNotFound", err)
	}
}

func TestDownloadConcurrentStopCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "120000")
		w.WriteHeader(http.StatusOK)
		w.Write(movieContent[:1000])
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	for i := 0; i < 20; i++ {
		m, _ := newTestDownloads(t, srv.URL, DownloadConfig{})
		id, _ := m.Start(movie)
		task := waitForTask(t, m, id, func(task domain.DownloadTask) bool { return task.Received >= 1000 })

		var wg sync.WaitGroup
		errs := make(chan error, 16)
		for j := 0; j < 6; j++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				if err := m.Cancel(id); err != nil && !errors.Is(err, domain.ErrTaskNotFound) {
					errs <- err
				}
			}()
			go func() {
				defer wg.Done()
				err := m.Pause(id)
				if err != nil && !errors.Is(err, domain.ErrTaskNotFound) && !errors.Is(err, domain.ErrInvalidTransition) {
					errs <- err
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Close()
		}()
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("iteration %d: %v", i, err)
		}

		if _, err := m.Task(id); !errors.Is(err, domain.ErrTaskNotFound) {
			t.Fatalf("iteration %d: task survived cancel: %v", i, err)
		}
		if _, err := os.Stat(partPath(task.Path)); !os.IsNotExist(err) {
			t.Fatalf("iteration %d: partial file still present: %v", i, err)
		}
	}
}

func TestDownloadTransitions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(serveMovie))
	defer srv.Close()
	m, _ := newTestDownloads(t, srv.URL, DownloadConfig{})

	id, _ := m.Start(movie)
	waitForTask(t, m, id, inState(domain.DownloadCompleted))

	tests := []struct {
		name string
		op   func(string) error
		id   string
		want error
	}{
		{"pause completed", m.Pause, id, domain.ErrInvalidTransition},
		{"resume completed", m.Resume, id, domain.ErrInvalidTransition},
		{"cancel completed", m.Cancel, id, domain.ErrInvalidTransition},
		{"pause unknown", m.Pause, "nope", domain.ErrTaskNotFound},
		{"delete unknown", m.Delete, "nope", domain.ErrTaskNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.op(tt.id); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	task, _ := m.Task(id)
	if err := m.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(task.Path); !os.IsNotExist(err) {
		t.Errorf("file still present after delete: %v", err)
	}
	src, _ := m.ResolvePlaybackSource(movie)
	if src.Kind != domain.SourceRemote {
		t.Errorf("source after delete = %+v, want remote", src)
	}
}

func TestDownloadFailedRetriesUnderSameID(t *testing.T) {
	var available atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !available.Load() {
			http.NotFound(w, r)
			return
		}
		serveMovie(w, r)
	}))
	defer srv.Close()
	m, _ := newTestDownloads(t, srv.URL, DownloadConfig{})

	id, _ := m.Start(movie)
	failed := waitForTask(t, m, id, inState(domain.DownloadFailed))
	if failed.Error == "" {
		t.Error("failed task has no error message")
	}

	available.Store(true)
	retryID, err := m.Start(movie)
	if err != nil {
		t.Fatalf("Start retry: %v", err)
	}
	if retryID != id {
		t.Fatalf("retry id = %s, want %s", retryID, id)
	}
	waitForTask(t, m, id, inState(domain.DownloadCompleted))
}

func TestDownloadQueueFIFO(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/1.") {
			select {
			case <-release:
			case <-r.Context().Done():
				return
			}
		}
		serveMovie(w, r)
	}))
	defer srv.Close()
	m, _ := newTestDownloads(t, srv.URL, DownloadConfig{MaxParallel: 1})

	first, _ := m.Start(domain.PlayableItem{Kind: domain.PlayMovie, ID: "1", Name: "First"})
	second, _ := m.Start(domain.PlayableItem{Kind: domain.PlayMovie, ID: "2", Name: "Second"})

	waitForTask(t, m, first, inState(domain.DownloadDownloading))
	if task, _ := m.Task(second); task.State != domain.DownloadQueued {
		t.Fatalf("second state = %s while first runs, want queued", task.State)
	}

	close(release)
	waitForTask(t, m, first, inState(domain.DownloadCompleted))
	waitForTask(t, m, second, inState(domain.DownloadCompleted))
}

func TestDownloadRestoreRunningAsPaused(t *testing.T) {
	st, err := store.OpenDownloads("")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	now := time.Now()
	st.Save(domain.DownloadTask{
		ID: "t1", Item: movie, State: domain.DownloadDownloading, Progress: 0.4,
		Path: "/tmp/x.mkv", CreatedAt: now, UpdatedAt: now,
	})

	m, err := NewDownloadManager(DownloadConfig{Dir: t.TempDir()}, st, prefixURLs{base: "http://unused"}, testLogger())
	if err != nil {
		t.Fatalf("NewDownloadManager: %v", err)
	}
	defer m.Close()

	task, err := m.Task("t1")
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	if task.State != domain.DownloadPaused || task.Progress != 0.4 {
		t.Errorf("restored task = %+v, want paused at 0.4", task)
	}
	saved, _ := st.Load()
	if len(saved) != 1 || saved[0].State != domain.DownloadPaused {
		t.Errorf("persisted state = %+v", saved)
	}
}

func TestResolvePlaybackSource(t *testing.T) {
	dir := t.TempDir()
	m, _ := newTestDownloads(t, "http://iptv.example", DownloadConfig{Dir: dir})

	src, err := m.ResolvePlaybackSource(movie)
	if err != nil {
		t.Fatalf("ResolvePlaybackSource: %v", err)
	}
	if src.Kind != domain.SourceRemote || src.URL != "http://iptv.example/movie/42.mkv" {
		t.Errorf("source = %+v", src)
	}

	target := filepath.Join(dir, SanitizeFilename(movie.Name)+".mkv")
	os.WriteFile(target, []byte("x"), 0644)
	src, _ = m.ResolvePlaybackSource(movie)
	if src.Kind != domain.SourceLocal || src.Location() != target {
		t.Errorf("source with file present = %+v", src)
	}

	os.WriteFile(target, nil, 0644)
	src, _ = m.ResolvePlaybackSource(movie)
	if src.Kind != domain.SourceRemote {
		t.Errorf("empty file counted as local: %+v", src)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Plain Name", "Plain Name"},
		{`a/b\c:d*e?f"g<h>i|j`, "a_b_c_d_e_f_g_h_i_j"},
		{"tab\there", "tab_here"},
		{"  ..  ", "download"},
	}
	for _, tt := range tests {
		if got := SanitizeFilename(tt.in); got != tt.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatHelpers(t *testing.T) {
	if got := FormatBytes(512); got != "512 B" {
		t.Errorf("FormatBytes(512) = %q", got)
	}
	if got := FormatBytes(1536); got != "1.5 KB" {
		t.Errorf("FormatBytes(1536) = %q", got)
	}
	if got := FormatBytes(3 << 30); got != "3.0 GB" {
		t.Errorf("FormatBytes(3GiB) = %q", got)
	}
	if got := FormatETA(0, 0, 100); got != "--" {
		t.Errorf("FormatETA unknown total = %q", got)
	}
	if got := FormatETA(0, 9000, 100); got != "1m30s" {
		t.Errorf("FormatETA = %q, want 1m30s", got)
	}
	if got := FormatETA(0, 7200*100, 100); got != "2h00m" {
		t.Errorf("FormatETA = %q, want 2h00m", got)
	}
}

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		in          string
		start, size int64
		ok          bool
	}{
		{"bytes 100-199/200", 100, 200, true},
		{"bytes 0-9/*", 0, -1, true},
		{"items 0-9/10", 0, 0, false},
		{"bytes x-9/10", 0, 0, false},
	}
	for _, tt := range tests {
		start, size, ok := parseContentRange(tt.in)
		if ok != tt.ok || (ok && (start != tt.start || size != tt.size)) {
			t.Errorf("parseContentRange(%q) = %d, %d, %v", tt.in, start, size, ok)
		}
	}
}
