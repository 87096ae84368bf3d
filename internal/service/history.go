package service

import (
	"log/slog"
	"strings"
	"time"

	"github.com/mmcdole/kinotv/internal/domain"
)

// History limits
const (
	DefaultRecentLimit        = 50
	DefaultSearchHistoryLimit = 20
)

// historyStore persists per-account history lists (consumer-defined interface).
type historyStore interface {
	RecentlyPlayed(accountID string) ([]domain.RecentItem, error)
	AddRecent(accountID string, entry domain.RecentItem, limit int) error
	Favorites(accountID string) ([]domain.Favorite, error)
	ToggleFavorite(accountID string, fav domain.Favorite) (bool, error)
	Searches(accountID string) ([]string, error)
	AddSearch(accountID, query string, limit int) error
}

// accountSource reports the active account.
type accountSource interface {
	Account() (domain.Account, error)
}

// History records what the active account played, bookmarked and searched.
type History struct {
	store    historyStore
	accounts accountSource
	now      func() time.Time
	logger   *slog.Logger
}

// HistoryOption configures a History.
type HistoryOption func(*History)

// WithHistoryClock replaces time.Now, for tests.
func WithHistoryClock(now func() time.Time) HistoryOption {
	return func(h *History) { h.now = now }
}

// NewHistory creates a History that follows the account reported by accounts.
func NewHistory(st historyStore, accounts accountSource, logger *slog.Logger, opts ...HistoryOption) *History {
	if logger == nil {
		logger = slog.Default()
	}
	h := &History{store: st, accounts: accounts, now: time.Now, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RecordPlay puts item at the top of the recently played list.
func (h *History) RecordPlay(item domain.PlayableItem) error {
	account, err := h.accounts.Account()
	if err != nil {
		return err
	}
	return h.store.AddRecent(account.ID(), domain.RecentItem{Item: item, PlayedAt: h.now()}, DefaultRecentLimit)
}

// RecentlyPlayed returns played items, newest first.
func (h *History) RecentlyPlayed() ([]domain.RecentItem, error) {
	account, err := h.accounts.Account()
	if err != nil {
		return nil, err
	}
	return h.store.RecentlyPlayed(account.ID())
}

// ToggleFavorite bookmarks fav or removes the bookmark. It reports whether
// fav is a favorite afterwards.
func (h *History) ToggleFavorite(fav domain.Favorite) (bool, error) {
	account, err := h.accounts.Account()
	if err != nil {
		return false, err
	}
	if fav.AddedAt.IsZero() {
		fav.AddedAt = h.now()
	}
	added, err := h.store.ToggleFavorite(account.ID(), fav)
	if err != nil {
		return false, err
	}
	h.logger.Info("favorite toggled", "key", fav.Key(), "added", added)
	return added, nil
}

// Favorites returns bookmarks in the order they were added.
func (h *History) Favorites() ([]domain.Favorite, error) {
	account, err := h.accounts.Account()
	if err != nil {
		return nil, err
	}
	return h.store.Favorites(account.ID())
}

// FavoriteKeys returns the set of favorite keys, empty when they cannot be read.
func (h *History) FavoriteKeys() map[string]bool {
	keys := make(map[string]bool)
	favs, err := h.Favorites()
	if err != nil {
		h.logger.Debug("favorites unavailable", "error", err)
		return keys
	}
	for _, f := range favs {
		keys[f.Key()] = true
	}
	return keys
}

// RecordSearch adds a non-empty query to the search history.
func (h *History) RecordSearch(query string) error {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	account, err := h.accounts.Account()
	if err != nil {
		return err
	}
	return h.store.AddSearch(account.ID(), query, DefaultSearchHistoryLimit)
}

// Searches returns past queries, newest first.
func (h *History) Searches() ([]string, error) {
	account, err := h.accounts.Account()
	if err != nil {
		return nil, err
	}
	return h.store.Searches(account.ID())
}
