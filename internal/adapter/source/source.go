package source

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mmcdole/kinotv/internal/adapter/source/xtream"
	"github.com/mmcdole/kinotv/internal/domain"
)

// CatalogSource combines everything the services need from a remote panel.
type CatalogSource interface {
	domain.CatalogClient    // Browsing: categories, items, episodes
	domain.StreamURLBuilder // Playback: remote stream addresses
	BaseURL() string
	Authenticate(ctx context.Context) (xtream.UserInfo, error)
	FetchGuide(ctx context.Context) (*xtream.Guide, error)
}

// SourceConfig contains the configuration needed to create a CatalogSource.
type SourceConfig struct {
	Account           domain.Account
	RequestsPerSecond int
	UserAgent         string
}

// NewClient creates a CatalogSource for the configured account.
func NewClient(cfg *SourceConfig, logger *slog.Logger) (CatalogSource, error) {
	if cfg == nil {
		return nil, fmt.Errorf("source config is nil")
	}
	if !cfg.Account.IsComplete() {
		return nil, fmt.Errorf("account %q needs url, username and password: %w",
			cfg.Account.DisplayName(), domain.ErrNoAccount)
	}

	opts := []xtream.Option{xtream.WithRequestsPerSecond(cfg.RequestsPerSecond)}
	if cfg.UserAgent != "" {
		opts = append(opts, xtream.WithUserAgent(cfg.UserAgent))
	}
	return xtream.NewClient(cfg.Account, logger, opts...), nil
}
