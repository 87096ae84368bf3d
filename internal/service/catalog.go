package service

import (
	"context"
	"log/slog"

	"github.com/mmcdole/kinotv/internal/domain"
)

// Catalog is the typed view of CatalogCache for one account. Every read goes
// through GetOrFetch, so UI calls and the preloader share in-flight fetches.
type Catalog struct {
	cache   *CatalogCache
	client  domain.CatalogClient
	account domain.Account
	logger  *slog.Logger
}

// NewCatalog binds cache and client to account.
func NewCatalog(cache *CatalogCache, client domain.CatalogClient, account domain.Account, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{cache: cache, client: client, account: account, logger: logger}
}

// Account returns the account this catalog reads.
func (c *Catalog) Account() domain.Account {
	return c.account
}

// Categories returns the categories of kind.
func (c *Catalog) Categories(ctx context.Context, kind domain.ContentKind, opts FetchOptions) ([]domain.Category, error) {
	return GetOrFetch(ctx, c.cache, c.account, domain.ScopeCategories, categoriesParams(kind),
		func(ctx context.Context) ([]domain.Category, error) {
			return c.client.FetchCategories(ctx, kind)
		}, opts)
}

// Items returns the items of one category.
func (c *Catalog) Items(ctx context.Context, kind domain.ContentKind, categoryID string, opts FetchOptions) ([]domain.Item, error) {
	return GetOrFetch(ctx, c.cache, c.account, domain.ScopeItems, itemsParams(kind, categoryID),
		func(ctx context.Context) ([]domain.Item, error) {
			return c.client.FetchItems(ctx, kind, categoryID)
		}, opts)
}

// Episodes returns the episodes of a series.
func (c *Catalog) Episodes(ctx context.Context, seriesID string, opts FetchOptions) ([]domain.Episode, error) {
	return GetOrFetch(ctx, c.cache, c.account, domain.ScopeEpisodes, episodesParams(seriesID),
		func(ctx context.Context) ([]domain.Episode, error) {
			return c.client.FetchEpisodes(ctx, seriesID)
		}, opts)
}

// CachedItems returns every live cached item of kind, deduplicated by id.
// It never touches the network.
func (c *Catalog) CachedItems(kind domain.ContentKind) []domain.Item {
	seen := make(map[string]bool)
	var items []domain.Item
	for _, page := range CachedPayloads[[]domain.Item](c.cache, c.account, domain.ScopeItems) {
		for _, item := range page {
			if item.Kind != kind || seen[item.ID] {
				continue
			}
			seen[item.ID] = true
			items = append(items, item)
		}
	}
	return items
}

// Clear drops everything cached for this account.
func (c *Catalog) Clear() error {
	return c.cache.ClearAccount(c.account)
}
