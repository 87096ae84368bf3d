package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/mmcdole/kinotv/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var (
	acct1 = domain.Account{URL: "http://one.example:8080", Username: "alice", Password: "pw"}
	acct2 = domain.Account{URL: "http://two.example:8080", Username: "bob", Password: "pw"}
)

// fakeCatalogClient serves canned catalog data and counts calls.
type fakeCatalogClient struct {
	mu         sync.Mutex
	categories map[domain.ContentKind][]domain.Category
	items      map[string][]domain.Item // kind/category
	episodes   map[string][]domain.Episode
	calls      map[string]int
	err        error
}

func newFakeCatalogClient() *fakeCatalogClient {
	return &fakeCatalogClient{
		categories: make(map[domain.ContentKind][]domain.Category),
		items:      make(map[string][]domain.Item),
		episodes:   make(map[string][]domain.Episode),
		calls:      make(map[string]int),
	}
}

func (f *fakeCatalogClient) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *fakeCatalogClient) FetchCategories(ctx context.Context, kind domain.ContentKind) ([]domain.Category, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["categories/"+string(kind)]++
	if f.err != nil {
		return nil, f.err
	}
	return f.categories[kind], nil
}

func (f *fakeCatalogClient) FetchItems(ctx context.Context, kind domain.ContentKind, categoryID string) ([]domain.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := string(kind) + "/" + categoryID
	f.calls["items/"+key]++
	if f.err != nil {
		return nil, f.err
	}
	return f.items[key], nil
}

func (f *fakeCatalogClient) FetchEpisodes(ctx context.Context, seriesID string) ([]domain.Episode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["episodes/"+seriesID]++
	if f.err != nil {
		return nil, f.err
	}
	eps, ok := f.episodes[seriesID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return eps, nil
}
