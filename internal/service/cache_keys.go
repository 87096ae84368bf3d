package service

import (
	"time"

	"github.com/mmcdole/kinotv/internal/domain"
)

// Default time-to-live per cache scope
const (
	DefaultCategoriesTTL = 6 * time.Hour
	DefaultItemsTTL      = 3 * time.Hour
	DefaultEpisodesTTL   = 12 * time.Hour
)

// Cache key parameter names
const (
	ParamKind     = "kind"
	ParamCategory = "category"
	ParamSeries   = "series"
)

// TTLs holds the default lifetime of each scope. Zero fields use the defaults.
type TTLs struct {
	Categories time.Duration
	Items      time.Duration
	Episodes   time.Duration
}

// DefaultTTLs returns the standard scope lifetimes.
func DefaultTTLs() TTLs {
	return TTLs{
		Categories: DefaultCategoriesTTL,
		Items:      DefaultItemsTTL,
		Episodes:   DefaultEpisodesTTL,
	}
}

// For returns the TTL for scope. Unknown scopes get the items TTL.
func (t TTLs) For(scope domain.Scope) time.Duration {
	switch scope {
	case domain.ScopeCategories:
		return orDefault(t.Categories, DefaultCategoriesTTL)
	case domain.ScopeEpisodes:
		return orDefault(t.Episodes, DefaultEpisodesTTL)
	default:
		return orDefault(t.Items, DefaultItemsTTL)
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func categoriesParams(kind domain.ContentKind) map[string]string {
	return map[string]string{ParamKind: string(kind)}
}

func itemsParams(kind domain.ContentKind, categoryID string) map[string]string {
	return map[string]string{ParamKind: string(kind), ParamCategory: categoryID}
}

func episodesParams(seriesID string) map[string]string {
	return map[string]string{ParamSeries: seriesID}
}
