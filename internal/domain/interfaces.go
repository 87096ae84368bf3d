package domain

import "context"

// CatalogClient is the remote catalog API. Every call is independent and may
// be retried; errors wrap ErrNetwork, ErrParse, ErrNotFound or ErrAuthFailed.
type CatalogClient interface {
	FetchCategories(ctx context.Context, kind ContentKind) ([]Category, error)
	FetchItems(ctx context.Context, kind ContentKind, categoryID string) ([]Item, error)
	FetchEpisodes(ctx context.Context, seriesID string) ([]Episode, error)
}

// StreamURLBuilder builds the remote stream address for a playable item.
type StreamURLBuilder interface {
	StreamURL(item PlayableItem) string
}
