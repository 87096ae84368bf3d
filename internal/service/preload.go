package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mmcdole/kinotv/internal/domain"
	"golang.org/x/sync/errgroup"
)

// Preload defaults
const (
	DefaultPreloadCategories = 3
	DefaultPreloadParallel   = 6
	DefaultPreloadCovers     = 60
)

// coverFetcher is the part of CoverStore the preloader needs.
type coverFetcher interface {
	GetOrFetchCover(ctx context.Context, rawURL string, ttlDays int) (string, bool)
}

// PreloadConfig bounds a warm-up walk.
type PreloadConfig struct {
	Categories   int // categories per kind whose items are fetched
	Parallel     int // concurrent item fetches
	Covers       int // covers requested
	CoverTTLDays int
}

func (c PreloadConfig) withDefaults() PreloadConfig {
	if c.Categories <= 0 {
		c.Categories = DefaultPreloadCategories
	}
	if c.Parallel <= 0 {
		c.Parallel = DefaultPreloadParallel
	}
	if c.Covers < 0 {
		c.Covers = 0
	} else if c.Covers == 0 {
		c.Covers = DefaultPreloadCovers
	}
	if c.CoverTTLDays <= 0 {
		c.CoverTTLDays = DefaultCoverTTLDays
	}
	return c
}

// Walk is a handle to one running warm-up pass.
type Walk struct {
	account string
	cancel  context.CancelFunc
	done    chan struct{}
}

// Cancel stops the walk without waiting.
func (w *Walk) Cancel() { w.cancel() }

// Wait blocks until the walk has exited.
func (w *Walk) Wait() { <-w.done }

// Done is closed when the walk has exited.
func (w *Walk) Done() <-chan struct{} { return w.done }

// Preloader warms the catalog and cover caches in the background through the
// same entry points the UI uses, so UI requests join in-flight work.
type Preloader struct {
	cache    *CatalogCache
	client   domain.CatalogClient
	covers   coverFetcher
	cfg      PreloadConfig
	observer domain.PreloadObserver
	logger   *slog.Logger

	mu      sync.Mutex
	current *Walk
}

// NewPreloader creates a preloader. observer may be nil.
func NewPreloader(
	cache *CatalogCache,
	client domain.CatalogClient,
	covers coverFetcher,
	cfg PreloadConfig,
	observer domain.PreloadObserver,
	logger *slog.Logger,
) *Preloader {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = domain.NoOpObserver{}
	}
	return &Preloader{
		cache:    cache,
		client:   client,
		covers:   covers,
		cfg:      cfg.withDefaults(),
		observer: observer,
		logger:   logger,
	}
}

// WarmUp cancels any running walk and starts a new one for account. It
// returns immediately.
func (p *Preloader) WarmUp(account domain.Account) *Walk {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Walk{account: account.ID(), cancel: cancel, done: make(chan struct{})}

	p.mu.Lock()
	prev := p.current
	p.current = w
	p.mu.Unlock()

	if prev != nil {
		prev.Cancel()
	}

	go func() {
		defer close(w.done)
		defer cancel()
		if prev != nil {
			prev.Wait()
		}
		p.walk(ctx, NewCatalog(p.cache, p.client, account, p.logger))
	}()
	return w
}

// Stop cancels the current walk and waits for it to exit.
func (p *Preloader) Stop() {
	p.mu.Lock()
	w := p.current
	p.current = nil
	p.mu.Unlock()

	if w != nil {
		w.Cancel()
		w.Wait()
	}
}

// Current returns the most recently started walk, or nil when none was
// started since the last Stop. The walk may already have finished.
func (p *Preloader) Current() *Walk {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *Preloader) walk(ctx context.Context, cat *Catalog) {
	account := cat.Account().ID()
	p.logger.Info("preload started", "account", account)

	categories := p.loadCategories(ctx, cat)
	if ctx.Err() != nil {
		p.logger.Info("preload cancelled", "account", account, "stage", "categories")
		return
	}

	items := p.loadItems(ctx, cat, categories)
	if ctx.Err() != nil {
		p.logger.Info("preload cancelled", "account", account, "stage", "items")
		return
	}

	p.loadCovers(ctx, account, coverURLs(items, p.cfg.Covers))
	if ctx.Err() != nil {
		p.logger.Info("preload cancelled", "account", account, "stage", "covers")
		return
	}

	p.observer.OnProgress(domain.PreloadProgress{Account: account, Stage: "covers", Done: true})
	p.logger.Info("preload finished", "account", account, "items", len(items))
}

func (p *Preloader) loadCategories(ctx context.Context, cat *Catalog) map[domain.ContentKind][]domain.Category {
	var (
		mu     sync.Mutex
		result = make(map[domain.ContentKind][]domain.Category)
		g      errgroup.Group
	)
	for _, kind := range domain.ContentKinds {
		kind := kind
		g.Go(func() error {
			cats, err := cat.Categories(ctx, kind, FetchOptions{})
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Warn("preload categories failed", "kind", kind, "error", err)
				}
				return nil
			}
			mu.Lock()
			result[kind] = cats
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	p.observer.OnProgress(domain.PreloadProgress{
		Account: cat.Account().ID(), Stage: "categories",
		Loaded: len(result), Total: len(domain.ContentKinds),
	})
	return result
}

func (p *Preloader) loadItems(ctx context.Context, cat *Catalog, categories map[domain.ContentKind][]domain.Category) []domain.Item {
	type job struct {
		kind       domain.ContentKind
		categoryID string
	}
	var jobs []job
	for _, kind := range domain.ContentKinds {
		cats := categories[kind]
		if len(cats) > p.cfg.Categories {
			cats = cats[:p.cfg.Categories]
		}
		for _, c := range cats {
			jobs = append(jobs, job{kind: kind, categoryID: c.ID})
		}
	}

	var (
		mu     sync.Mutex
		byJob  = make([][]domain.Item, len(jobs))
		loaded atomic.Int32
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Parallel)
	for i, j := range jobs {
		if gctx.Err() != nil {
			break
		}
		i, j := i, j
		g.Go(func() error {
			items, err := cat.Items(gctx, j.kind, j.categoryID, FetchOptions{})
			if err != nil {
				if gctx.Err() == nil {
					p.logger.Warn("preload items failed", "kind", j.kind, "category", j.categoryID, "error", err)
				}
			} else {
				mu.Lock()
				byJob[i] = items
				mu.Unlock()
			}
			p.observer.OnProgress(domain.PreloadProgress{
				Account: cat.Account().ID(), Stage: "items",
				Loaded: int(loaded.Add(1)), Total: len(jobs),
			})
			return nil
		})
	}
	g.Wait()

	var all []domain.Item
	for _, items := range byJob {
		all = append(all, items...)
	}
	return all
}

func (p *Preloader) loadCovers(ctx context.Context, account string, urls []string) {
	var (
		g      errgroup.Group
		loaded atomic.Int32
	)
	g.SetLimit(p.cfg.Parallel)
	for _, u := range urls {
		if ctx.Err() != nil {
			break
		}
		u := u
		g.Go(func() error {
			p.covers.GetOrFetchCover(ctx, u, p.cfg.CoverTTLDays)
			p.observer.OnProgress(domain.PreloadProgress{
				Account: account, Stage: "covers",
				Loaded: int(loaded.Add(1)), Total: len(urls),
			})
			return nil
		})
	}
	g.Wait()
}

// coverURLs returns up to limit distinct cover URLs, VOD and series first.
func coverURLs(items []domain.Item, limit int) []string {
	seen := make(map[string]bool)
	var urls []string
	add := func(kind domain.ContentKind, matchKind bool) {
		for _, it := range items {
			if len(urls) >= limit {
				return
			}
			if (it.Kind == kind) != matchKind || it.Cover == "" || seen[it.Cover] {
				continue
			}
			seen[it.Cover] = true
			urls = append(urls, it.Cover)
		}
	}
	add(domain.KindLive, false)
	add(domain.KindLive, true)
	return urls
}
