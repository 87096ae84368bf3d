package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mmcdole/kinotv/internal/domain"
	"github.com/mmcdole/kinotv/internal/metrics"
	"golang.org/x/time/rate"
)

// Download defaults
const (
	DefaultMaxParallel      = 1
	DefaultRetryMax         = 3
	DefaultRetryDelay       = time.Second
	DefaultProgressInterval = 250 * time.Millisecond

	subscriberBuffer      = 64
	downloadHeaderTimeout = 30 * time.Second
)

// taskStore persists download task records (consumer-defined interface).
type taskStore interface {
	Save(t domain.DownloadTask) error
	Delete(id string) error
	Load() ([]domain.DownloadTask, error)
}

// DownloadConfig tunes a DownloadManager.
type DownloadConfig struct {
	Dir              string
	MaxParallel      int
	RetryMax         int
	RetryDelay       time.Duration
	ProgressInterval time.Duration
}

func (c DownloadConfig) withDefaults() DownloadConfig {
	if c.MaxParallel <= 0 {
		c.MaxParallel = DefaultMaxParallel
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	} else if c.RetryMax == 0 {
		c.RetryMax = DefaultRetryMax
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = DefaultProgressInterval
	}
	return c
}

// stopReason records why a running transfer's context was cancelled.
type stopReason int

const (
	stopNone stopReason = iota
	stopPause
	stopCancel
	stopShutdown
)

// downloadRecord is the manager's private state for one task.
type downloadRecord struct {
	task    domain.DownloadTask
	cancel  context.CancelFunc // set while a transfer runs
	done    chan struct{}      // closed when the running transfer exits
	stop    stopReason
	limiter *rate.Limiter
}

type subscriber struct {
	ch chan domain.DownloadUpdate
}

// send never blocks. Progress ticks are dropped when the buffer is full; a
// state change evicts the oldest queued update instead.
func (s *subscriber) send(u domain.DownloadUpdate, stateChange bool) {
	select {
	case s.ch <- u:
		return
	default:
	}
	if !stateChange {
		return
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- u:
	default:
	}
}

// DownloadManager owns the download task table. Transfers run on at most
// MaxParallel goroutines; queued tasks start in FIFO order.
type DownloadManager struct {
	cfg     DownloadConfig
	store   taskStore
	urls    domain.StreamURLBuilder
	client  *http.Client
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	tasks   map[string]*downloadRecord
	queue   []string
	running int
	subs    map[int]*subscriber
	nextSub int
	closed  bool
}

// DownloadOption configures a DownloadManager.
type DownloadOption func(*DownloadManager)

// WithDownloadHTTPClient replaces the HTTP client used for transfers.
func WithDownloadHTTPClient(client *http.Client) DownloadOption {
	return func(m *DownloadManager) { m.client = client }
}

// WithDownloadClock replaces time.Now, for tests.
func WithDownloadClock(now func() time.Time) DownloadOption {
	return func(m *DownloadManager) { m.now = now }
}

// WithDownloadMetrics attaches Prometheus collectors.
func WithDownloadMetrics(mt *metrics.Metrics) DownloadOption {
	return func(m *DownloadManager) { m.metrics = mt }
}

// NewDownloadManager restores persisted tasks and starts any that were queued.
// Tasks that were downloading when the process stopped come back paused.
func NewDownloadManager(
	cfg DownloadConfig,
	st taskStore,
	urls domain.StreamURLBuilder,
	logger *slog.Logger,
	opts ...DownloadOption,
) (*DownloadManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create download dir: %w: %w", domain.ErrStorage, err)
	}

	m := &DownloadManager{
		cfg:   cfg,
		store: st,
		urls:  urls,
		client: &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: downloadHeaderTimeout,
		}},
		now:    time.Now,
		logger: logger,
		tasks:  make(map[string]*downloadRecord),
		subs:   make(map[int]*subscriber),
	}
	for _, opt := range opts {
		opt(m)
	}

	saved, err := st.Load()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range saved {
		if t.State == domain.DownloadDownloading {
			t.State = domain.DownloadPaused
			t.UpdatedAt = m.now()
			m.persist(t)
		}
		m.tasks[t.ID] = m.newRecord(t)
		if t.State == domain.DownloadQueued {
			m.queue = append(m.queue, t.ID)
		}
	}
	if len(saved) > 0 {
		m.logger.Info("restored download tasks", "count", len(saved), "queued", len(m.queue))
	}
	m.schedule()
	return m, nil
}

// Start queues item for download and returns its task id. An item that is
// already active, or completed with its file present, returns the existing
// id. A failed task is retried under the same id.
func (m *DownloadManager) Start(item domain.PlayableItem) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", fmt.Errorf("download manager closed: %w", domain.ErrInvalidTransition)
	}

	if rec := m.findByItem(item.Key()); rec != nil {
		switch {
		case rec.task.State.IsActive():
			return rec.task.ID, nil
		case rec.task.State == domain.DownloadCompleted && fileNonEmpty(rec.task.Path):
			return rec.task.ID, nil
		}
		// Failed, or completed with the file gone: run again under the same id.
		rec.task.State = domain.DownloadQueued
		rec.task.Error = ""
		rec.task.Progress = 0
		rec.task.Received = 0
		rec.task.SourceURL = m.urls.StreamURL(item)
		m.enqueue(rec)
		m.logger.Info("retrying download", "id", rec.task.ID, "name", item.Name)
		return rec.task.ID, nil
	}

	now := m.now()
	t := domain.DownloadTask{
		ID:        uuid.NewString(),
		Item:      item,
		State:     domain.DownloadQueued,
		Path:      m.targetPath(item),
		SourceURL: m.urls.StreamURL(item),
		CreatedAt: now,
		UpdatedAt: now,
	}
	rec := m.newRecord(t)
	m.tasks[t.ID] = rec
	m.enqueue(rec)
	m.logger.Info("download queued", "id", t.ID, "name", item.Name, "path", t.Path)
	return t.ID, nil
}

// Pause stops a queued or running task, keeping its partial file.
func (m *DownloadManager) Pause(id string) error {
	m.mu.Lock()
	rec, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("pause %s: %w", id, domain.ErrTaskNotFound)
	}

	switch rec.task.State {
	case domain.DownloadQueued:
		m.dequeue(id)
		m.transition(rec, domain.DownloadPaused)
		m.mu.Unlock()
		return nil
	case domain.DownloadDownloading:
		done := m.stopRunning(rec, stopPause)
		m.mu.Unlock()
		<-done
		return nil
	}
	state := rec.task.State
	m.mu.Unlock()
	return fmt.Errorf("pause %s from %s: %w", id, state, domain.ErrInvalidTransition)
}

// Resume queues a paused task. The transfer continues from the partial file.
func (m *DownloadManager) Resume(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("resume %s: %w", id, domain.ErrTaskNotFound)
	}
	if rec.task.State != domain.DownloadPaused {
		return fmt.Errorf("resume %s from %s: %w", id, rec.task.State, domain.ErrInvalidTransition)
	}
	if m.closed {
		return fmt.Errorf("download manager closed: %w", domain.ErrInvalidTransition)
	}
	m.enqueue(rec)
	return nil
}

// Cancel stops a non-terminal task, removes its partial file and forgets it.
func (m *DownloadManager) Cancel(id string) error {
	m.mu.Lock()
	rec, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", id, domain.ErrTaskNotFound)
	}
	if rec.task.State.IsTerminal() {
		state := rec.task.State
		m.mu.Unlock()
		return fmt.Errorf("cancel %s from %s: %w", id, state, domain.ErrInvalidTransition)
	}

	if rec.task.State == domain.DownloadDownloading {
		// The transfer goroutine drops the record once it exits.
		done := m.stopRunning(rec, stopCancel)
		m.mu.Unlock()
		<-done
		return nil
	}
	m.dequeue(id)
	m.discard(rec)
	m.mu.Unlock()
	return nil
}

// discard removes a cancelled task's partial file and record. Caller holds m.mu.
func (m *DownloadManager) discard(rec *downloadRecord) {
	os.Remove(partPath(rec.task.Path))
	m.remove(rec)
	m.logger.Info("download cancelled", "id", rec.task.ID)
}

// Delete removes the file and record of a completed or failed task.
func (m *DownloadManager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("delete %s: %w", id, domain.ErrTaskNotFound)
	}
	if !rec.task.State.IsTerminal() {
		return fmt.Errorf("delete %s from %s: %w", id, rec.task.State, domain.ErrInvalidTransition)
	}

	for _, p := range []string{rec.task.Path, partPath(rec.task.Path)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w: %w", p, domain.ErrStorage, err)
		}
	}
	m.remove(rec)
	m.logger.Info("download deleted", "id", id)
	return nil
}

// Task returns a snapshot of one task.
func (m *DownloadManager) Task(id string) (domain.DownloadTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tasks[id]
	if !ok {
		return domain.DownloadTask{}, fmt.Errorf("task %s: %w", id, domain.ErrTaskNotFound)
	}
	return rec.task, nil
}

// Tasks returns snapshots of every task, oldest first.
func (m *DownloadManager) Tasks() []domain.DownloadTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.DownloadTask, 0, len(m.tasks))
	for _, rec := range m.tasks {
		out = append(out, rec.task)
	}
	sortTasks(out)
	return out
}

// Subscribe returns a channel of task updates and a function that ends the
// subscription. The channel is closed by the returned function or by Close.
func (m *DownloadManager) Subscribe() (<-chan domain.DownloadUpdate, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	sub := &subscriber{ch: make(chan domain.DownloadUpdate, subscriberBuffer)}
	if m.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	m.subs[id] = sub

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if s, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(s.ch)
			}
		})
	}
}

// ResolvePlaybackSource prefers a completed local download over the remote
// stream. A file already at the item's target path also counts as local.
func (m *DownloadManager) ResolvePlaybackSource(item domain.PlayableItem) (domain.PlaybackSource, error) {
	m.mu.Lock()
	rec := m.findByItem(item.Key())
	var completedPath string
	if rec != nil && rec.task.State == domain.DownloadCompleted {
		completedPath = rec.task.Path
	}
	m.mu.Unlock()

	if completedPath != "" && fileNonEmpty(completedPath) {
		return domain.PlaybackSource{Kind: domain.SourceLocal, Path: completedPath}, nil
	}
	if item.Kind != domain.PlayLive {
		if p := m.targetPath(item); fileNonEmpty(p) {
			return domain.PlaybackSource{Kind: domain.SourceLocal, Path: p}, nil
		}
	}

	u := m.urls.StreamURL(item)
	if u == "" {
		return domain.PlaybackSource{}, fmt.Errorf("no stream url for %s: %w", item.Key(), domain.ErrNotFound)
	}
	return domain.PlaybackSource{Kind: domain.SourceRemote, URL: u}, nil
}

// Close stops running transfers, leaving them paused, and closes every
// subscription. Task records stay in the store.
func (m *DownloadManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	var waits []chan struct{}
	for _, rec := range m.tasks {
		if rec.task.State == domain.DownloadDownloading {
			waits = append(waits, m.stopRunning(rec, stopShutdown))
		}
	}
	m.mu.Unlock()

	for _, done := range waits {
		<-done
	}

	m.mu.Lock()
	for id, s := range m.subs {
		delete(m.subs, id)
		close(s.ch)
	}
	m.mu.Unlock()
}

// targetPath is the deterministic file location for item.
func (m *DownloadManager) targetPath(item domain.PlayableItem) string {
	return filepath.Join(m.cfg.Dir, SanitizeFilename(item.Name)+"."+item.Extension())
}

func (m *DownloadManager) newRecord(t domain.DownloadTask) *downloadRecord {
	return &downloadRecord{
		task:    t,
		limiter: rate.NewLimiter(rate.Every(m.cfg.ProgressInterval), 1),
	}
}

func (m *DownloadManager) findByItem(key string) *downloadRecord {
	for _, rec := range m.tasks {
		if rec.task.Item.Key() == key {
			return rec
		}
	}
	return nil
}

// enqueue moves rec to Queued and runs the scheduler. Caller holds m.mu.
func (m *DownloadManager) enqueue(rec *downloadRecord) {
	m.transition(rec, domain.DownloadQueued)
	m.queue = append(m.queue, rec.task.ID)
	m.schedule()
}

func (m *DownloadManager) dequeue(id string) {
	for i, qid := range m.queue {
		if qid == id {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}

// schedule starts queued tasks while slots are free. Caller holds m.mu.
func (m *DownloadManager) schedule() {
	for !m.closed && m.running < m.cfg.MaxParallel && len(m.queue) > 0 {
		id := m.queue[0]
		m.queue = m.queue[1:]
		rec, ok := m.tasks[id]
		if !ok || rec.task.State != domain.DownloadQueued {
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		rec.cancel = cancel
		rec.done = make(chan struct{})
		rec.stop = stopNone
		m.running++
		m.transition(rec, domain.DownloadDownloading)

		go m.run(ctx, rec, rec.task)
	}
}

// stopRunning cancels a running transfer. Caller holds m.mu and must wait on
// the returned channel after releasing it.
// A pending cancel is never downgraded to a pause.
func (m *DownloadManager) stopRunning(rec *downloadRecord, reason stopReason) chan struct{} {
	if rec.stop != stopCancel {
		rec.stop = reason
	}
	if rec.cancel != nil {
		rec.cancel()
	}
	return rec.done
}

// run executes one transfer and applies the resulting transition.
func (m *DownloadManager) run(ctx context.Context, rec *downloadRecord, t domain.DownloadTask) {
	err := m.transfer(ctx, rec, t)

	m.mu.Lock()
	defer m.mu.Unlock()
	defer close(rec.done)

	rec.cancel()
	rec.cancel = nil
	m.running--

	switch {
	case rec.stop == stopPause || rec.stop == stopShutdown:
		m.transition(rec, domain.DownloadPaused)
	case rec.stop == stopCancel:
		m.discard(rec)
	case err == nil:
		rec.task.Progress = 1
		if rec.task.Total > 0 {
			rec.task.Received = rec.task.Total
		}
		m.transition(rec, domain.DownloadCompleted)
		m.logger.Info("download completed", "id", rec.task.ID, "path", rec.task.Path)
	default:
		rec.task.Error = err.Error()
		m.transition(rec, domain.DownloadFailed)
		m.logger.Error("download failed", "id", rec.task.ID, "error", err)
	}
	m.schedule()
}

// transition sets the state, persists the record and notifies subscribers.
// Caller holds m.mu.
func (m *DownloadManager) transition(rec *downloadRecord, state domain.DownloadState) {
	rec.task.State = state
	rec.task.UpdatedAt = m.now()
	m.persist(rec.task)
	m.metrics.DownloadTransition(string(state))
	m.publish(domain.DownloadUpdate{Task: rec.task}, true)
}

func (m *DownloadManager) remove(rec *downloadRecord) {
	delete(m.tasks, rec.task.ID)
	if err := m.store.Delete(rec.task.ID); err != nil {
		m.logger.Warn("failed to delete download record", "id", rec.task.ID, "error", err)
	}
	m.publish(domain.DownloadUpdate{Task: rec.task, Removed: true}, true)
}

func (m *DownloadManager) persist(t domain.DownloadTask) {
	if err := m.store.Save(t); err != nil {
		m.logger.Warn("failed to persist download task", "id", t.ID, "error", err)
	}
}

func (m *DownloadManager) publish(u domain.DownloadUpdate, stateChange bool) {
	for _, s := range m.subs {
		s.send(u, stateChange)
	}
}

// reportProgress records transfer progress. Progress never decreases within a
// task and ticks reach subscribers at most once per ProgressInterval.
func (m *DownloadManager) reportProgress(rec *downloadRecord, received, total int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.task.State != domain.DownloadDownloading {
		return
	}

	rec.task.Received = received
	if total > 0 {
		rec.task.Total = total
	}
	if rec.task.Total > 0 {
		p := float64(received) / float64(rec.task.Total)
		if p > 1 {
			p = 1
		}
		if p > rec.task.Progress {
			rec.task.Progress = p
		}
	}
	rec.task.UpdatedAt = m.now()

	if rec.limiter.Allow() {
		m.publish(domain.DownloadUpdate{Task: rec.task}, false)
	}
}

func fileNonEmpty(p string) bool {
	if p == "" {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && !info.IsDir() && info.Size() > 0
}

func partPath(p string) string {
	return p + ".part"
}
