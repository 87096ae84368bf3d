package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mmcdole/kinotv/internal/domain"
	"github.com/mmcdole/kinotv/internal/guard"
	"github.com/mmcdole/kinotv/internal/metrics"
)

// Panel defaults
const (
	DefaultPanelInterval   = 5 * time.Minute
	DefaultPanelLimit      = 20
	DefaultPanelCategories = 3
)

// Trigger says who asked for a panel refresh.
type Trigger int

const (
	TriggerAuto Trigger = iota
	TriggerManual
)

func (t Trigger) String() string {
	if t == TriggerManual {
		return "manual"
	}
	return "auto"
}

// PanelSnapshot is the last successfully loaded panel content.
type PanelSnapshot struct {
	Items       []domain.Item
	RefreshedAt time.Time
}

// PanelConfig tunes a Panel.
type PanelConfig struct {
	Interval   time.Duration // minimum time between refreshes, auto or manual
	Limit      int           // items shown
	Categories int           // VOD categories re-fetched per refresh
}

// Panel is the "recently added" VOD panel. Automatic and manual refreshes
// share one guard key and one interval.
type Panel struct {
	catalog *Catalog
	guard   *guard.Guard
	cfg     PanelConfig
	metrics *metrics.Metrics
	logger  *slog.Logger

	now func() time.Time

	mu       sync.RWMutex
	snapshot PanelSnapshot
}

// PanelOption configures a Panel.
type PanelOption func(*Panel)

// WithPanelClock replaces time.Now, for tests.
func WithPanelClock(now func() time.Time) PanelOption {
	return func(p *Panel) { p.now = now }
}

// NewPanel creates the panel for catalog's account. g may be shared between
// panels; keys are scoped by account.
func NewPanel(catalog *Catalog, g *guard.Guard, cfg PanelConfig, m *metrics.Metrics, logger *slog.Logger, opts ...PanelOption) *Panel {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPanelInterval
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultPanelLimit
	}
	if cfg.Categories <= 0 {
		cfg.Categories = DefaultPanelCategories
	}
	p := &Panel{catalog: catalog, guard: g, cfg: cfg, metrics: m, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GuardKey is the key the panel acquires before refreshing.
func (p *Panel) GuardKey() string {
	return domain.AccountPrefix(p.catalog.Account().ID()) + "panel/recent"
}

// NextRefresh returns the earliest time the guard admits another refresh. It
// is zero when no refresh has been attempted.
func (p *Panel) NextRefresh() time.Time {
	last, ok := p.guard.LastAttempt(p.GuardKey())
	if !ok {
		return time.Time{}
	}
	return last.Add(p.cfg.Interval)
}

// Refresh reloads the panel unless a refresh (of either trigger) happened
// within the interval, in which case it returns domain.ErrRateLimited and the
// snapshot is left unchanged.
func (p *Panel) Refresh(ctx context.Context, trigger Trigger) error {
	key := p.GuardKey()
	if !p.guard.TryAcquire(key, p.cfg.Interval) {
		p.metrics.GuardDenied("panel")
		p.logger.Debug("panel refresh denied", "key", key, "trigger", trigger)
		return fmt.Errorf("panel refresh: %w", domain.ErrRateLimited)
	}

	cats, err := p.catalog.Categories(ctx, domain.KindVOD, FetchOptions{ForceRefresh: true})
	if err != nil {
		return fmt.Errorf("panel categories: %w", err)
	}
	if len(cats) > p.cfg.Categories {
		cats = cats[:p.cfg.Categories]
	}
	for _, c := range cats {
		if _, err := p.catalog.Items(ctx, domain.KindVOD, c.ID, FetchOptions{ForceRefresh: true}); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("panel category refresh failed", "category", c.ID, "error", err)
		}
	}

	items := RecentlyAdded(p.catalog.CachedItems(domain.KindVOD), p.cfg.Limit)

	p.mu.Lock()
	p.snapshot = PanelSnapshot{Items: items, RefreshedAt: p.now()}
	p.mu.Unlock()

	p.logger.Info("panel refreshed", "trigger", trigger, "items", len(items))
	return nil
}

// AutoRefresh refreshes immediately and then on every interval tick until ctx
// is done. Denials are expected and ignored.
func (p *Panel) AutoRefresh(ctx context.Context) {
	p.refreshAuto(ctx)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.refreshAuto(ctx)
		}
	}
}

func (p *Panel) refreshAuto(ctx context.Context) {
	err := p.Refresh(ctx, TriggerAuto)
	if err != nil && !errors.Is(err, domain.ErrRateLimited) && ctx.Err() == nil {
		p.logger.Warn("automatic panel refresh failed", "error", err)
	}
}

// Snapshot returns the last loaded content. Before the first refresh it is
// built from whatever the cache already holds.
func (p *Panel) Snapshot() PanelSnapshot {
	p.mu.RLock()
	snap := p.snapshot
	p.mu.RUnlock()

	if snap.RefreshedAt.IsZero() {
		return PanelSnapshot{Items: RecentlyAdded(p.catalog.CachedItems(domain.KindVOD), p.cfg.Limit)}
	}
	snap.Items = append([]domain.Item(nil), snap.Items...)
	return snap
}

// RecentlyAdded returns up to limit items, newest first.
func RecentlyAdded(items []domain.Item, limit int) []domain.Item {
	sorted := append([]domain.Item(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Added != sorted[j].Added {
			return sorted[i].Added > sorted[j].Added
		}
		return sorted[i].ID < sorted[j].ID
	})
	if len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}
